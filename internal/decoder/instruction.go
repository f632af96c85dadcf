package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"dex-trade-ledger/internal/solana"
)

// Decode errors. Both are absorbed per instruction by the scanners.
var (
	ErrMalformedInstruction = errors.New("malformed instruction")
	ErrAccountOutOfRange    = errors.New("account index out of range")
)

// InstructionCall is a compiled instruction split into its discriminator
// and payload. It is never mutated after construction.
type InstructionCall struct {
	Program       TransferProgram
	ProgramID     string
	Discriminator uint32
	Accounts      []uint16
	Payload       []byte
}

// ProgramIDOf resolves the program id of a compiled instruction.
func ProgramIDOf(tx *solana.Transaction, ci solana.CompiledInstruction) (string, error) {
	if int(ci.ProgramIDIndex) >= len(tx.AccountKeys) {
		return "", fmt.Errorf("%w: program index %d of %d", ErrAccountOutOfRange, ci.ProgramIDIndex, len(tx.AccountKeys))
	}
	return tx.AccountKeys[ci.ProgramIDIndex], nil
}

// NewInstructionCall decodes the base58 data of ci for program p.
func NewInstructionCall(p TransferProgram, ci solana.CompiledInstruction) (InstructionCall, error) {
	data, err := base58.Decode(ci.Data)
	if err != nil {
		return InstructionCall{}, fmt.Errorf("%w: base58: %w", ErrMalformedInstruction, err)
	}
	return splitCall(p, ci.Accounts, data)
}

func splitCall(p TransferProgram, accounts []uint16, data []byte) (InstructionCall, error) {
	width := p.discriminatorWidth()
	if len(data) < width {
		return InstructionCall{}, fmt.Errorf("%w: %d bytes, need %d for discriminator", ErrMalformedInstruction, len(data), width)
	}

	var disc uint32
	if width == 1 {
		disc = uint32(data[0])
	} else {
		disc = binary.LittleEndian.Uint32(data[:4])
	}

	return InstructionCall{
		Program:       p,
		ProgramID:     p.ProgramID(),
		Discriminator: disc,
		Accounts:      accounts,
		Payload:       data[width:],
	}, nil
}

// account resolves the i-th instruction account to an address.
func (c InstructionCall) account(keys []string, i int) (string, error) {
	if i >= len(c.Accounts) {
		return "", fmt.Errorf("%w: instruction has %d accounts, need %d", ErrAccountOutOfRange, len(c.Accounts), i+1)
	}
	idx := int(c.Accounts[i])
	if idx >= len(keys) {
		return "", fmt.Errorf("%w: account index %d of %d", ErrAccountOutOfRange, idx, len(keys))
	}
	return keys[idx], nil
}
