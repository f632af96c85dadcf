package decoder

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"dex-trade-ledger/internal/observability"
	"dex-trade-ledger/internal/solana"
)

// Amount is a signed quantity in raw base units.
type Amount struct {
	Units    uint64
	Negative bool
}

// Scaled returns the amount divided by 10^decimals.
func (a Amount) Scaled(decimals uint8) float64 {
	v := float64(a.Units) / math.Pow10(int(decimals))
	if a.Negative {
		return -v
	}
	return v
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Units == 0
}

// Decoder scans inner instructions for transfers touching an account.
// It holds no per-transaction state and is safe for concurrent use.
type Decoder struct {
	logger *zap.Logger
}

// New creates a Decoder. A nil logger disables logging.
func New(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Net returns the signed amount of the first transfer, in instruction order,
// that has target as source (negative) or destination (positive). Programs
// are scanned in the order given. When inputInnerIdx > 0 only inner
// instructions at a position strictly greater than it are considered.
// Undecodable candidates are skipped.
func (d *Decoder) Net(tx *solana.Transaction, target string, inputInnerIdx uint32, programs ...TransferProgram) (Amount, bool) {
	for _, p := range programs {
		if amt, ok := d.scan(tx, target, inputInnerIdx, p); ok {
			return amt, true
		}
	}
	return Amount{}, false
}

// TokenAmount scans the SPL Token program first, then Token-2022.
func (d *Decoder) TokenAmount(tx *solana.Transaction, target string, inputInnerIdx uint32) (Amount, bool) {
	return d.Net(tx, target, inputInnerIdx, Primary, Secondary)
}

// NativeAmount scans system transfers for target and falls back to the
// lamport balance delta of target when no transfer matches. The second
// result is false when target is not in the account list.
func (d *Decoder) NativeAmount(tx *solana.Transaction, target string, inputInnerIdx uint32) (Amount, bool) {
	if amt, ok := d.Net(tx, target, inputInnerIdx, Native); ok {
		return amt, true
	}
	return LamportDelta(tx, target)
}

// LamportDelta returns post minus pre lamport balance of target.
func LamportDelta(tx *solana.Transaction, target string) (Amount, bool) {
	idx := tx.IndexOf(target)
	if idx < 0 || idx >= len(tx.PreBalances) || idx >= len(tx.PostBalances) {
		return Amount{}, false
	}
	pre, post := tx.PreBalances[idx], tx.PostBalances[idx]
	if post >= pre {
		return Amount{Units: post - pre}, true
	}
	return Amount{Units: pre - post, Negative: true}, true
}

func (d *Decoder) scan(tx *solana.Transaction, target string, inputInnerIdx uint32, p TransferProgram) (Amount, bool) {
	programID := p.ProgramID()

	for _, group := range tx.InnerInstructions {
		for innerIdx, ci := range group.Instructions {
			if inputInnerIdx > 0 && uint32(innerIdx) <= inputInnerIdx {
				continue
			}

			id, err := ProgramIDOf(tx, ci)
			if err != nil {
				d.skip(err, p, group.Index, innerIdx)
				continue
			}
			if id != programID {
				continue
			}

			call, err := NewInstructionCall(p, ci)
			if err != nil {
				d.skip(err, p, group.Index, innerIdx)
				continue
			}
			if !call.isTransfer() {
				continue
			}

			t, err := DecodeTransfer(call, tx.AccountKeys)
			if err != nil {
				d.skip(err, p, group.Index, innerIdx)
				continue
			}

			switch target {
			case t.Source:
				return Amount{Units: t.Amount, Negative: true}, true
			case t.Destination:
				return Amount{Units: t.Amount}, true
			}
		}
	}
	return Amount{}, false
}

func (d *Decoder) skip(err error, p TransferProgram, group uint32, innerIdx int) {
	kind := "malformed_instruction"
	if errors.Is(err, ErrAccountOutOfRange) {
		kind = "account_out_of_range"
	}
	observability.RecordDecodeError(kind)
	d.logger.Debug("skipping inner instruction",
		zap.Stringer("program", p),
		zap.Uint32("group", group),
		zap.Int("inner_idx", innerIdx),
		zap.Error(err))
}
