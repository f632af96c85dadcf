package decoder

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Transfer is a decoded transfer instruction.
type Transfer struct {
	Program       TransferProgram
	Discriminator uint32
	Source        string
	Destination   string
	Amount        uint64
	Decimals      uint8 // only carried by TransferChecked
}

// transferArgs is the payload of Transfer and the system transfer.
type transferArgs struct {
	Amount uint64
}

// transferCheckedArgs is the payload of TransferChecked.
type transferCheckedArgs struct {
	Amount   uint64
	Decimals uint8
}

// isTransfer reports whether the call carries a decodable transfer.
func (c InstructionCall) isTransfer() bool {
	_, ok := c.Program.layouts()[c.Discriminator]
	return ok
}

// DecodeTransfer decodes a transfer call against the transaction account list.
// Calls that are not transfers of their program return ErrMalformedInstruction.
func DecodeTransfer(c InstructionCall, keys []string) (Transfer, error) {
	layout, ok := c.Program.layouts()[c.Discriminator]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s discriminator %d is not a transfer", ErrMalformedInstruction, c.Program, c.Discriminator)
	}

	src, err := c.account(keys, layout.sourceIdx)
	if err != nil {
		return Transfer{}, fmt.Errorf("%s source: %w", layout.name, err)
	}
	dst, err := c.account(keys, layout.destIdx)
	if err != nil {
		return Transfer{}, fmt.Errorf("%s destination: %w", layout.name, err)
	}

	t := Transfer{
		Program:       c.Program,
		Discriminator: c.Discriminator,
		Source:        src,
		Destination:   dst,
	}

	dec := bin.NewBorshDecoder(c.Payload)
	if layout.hasDecimals {
		var args transferCheckedArgs
		if err := dec.Decode(&args); err != nil {
			return Transfer{}, fmt.Errorf("%w: %s payload: %w", ErrMalformedInstruction, layout.name, err)
		}
		t.Amount, t.Decimals = args.Amount, args.Decimals
	} else {
		var args transferArgs
		if err := dec.Decode(&args); err != nil {
			return Transfer{}, fmt.Errorf("%w: %s payload: %w", ErrMalformedInstruction, layout.name, err)
		}
		t.Amount = args.Amount
	}

	return t, nil
}

// EncodeTransfer serializes the instruction data of t: discriminator
// followed by the payload. It is the inverse of payload decoding.
func EncodeTransfer(t Transfer) ([]byte, error) {
	layout, ok := t.Program.layouts()[t.Discriminator]
	if !ok {
		return nil, fmt.Errorf("%s discriminator %d is not a transfer", t.Program, t.Discriminator)
	}

	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)

	var err error
	if t.Program.discriminatorWidth() == 1 {
		err = enc.WriteUint8(uint8(t.Discriminator))
	} else {
		err = enc.WriteUint32(t.Discriminator, bin.LE)
	}
	if err != nil {
		return nil, fmt.Errorf("write discriminator: %w", err)
	}

	if layout.hasDecimals {
		err = enc.Encode(transferCheckedArgs{Amount: t.Amount, Decimals: t.Decimals})
	} else {
		err = enc.Encode(transferArgs{Amount: t.Amount})
	}
	if err != nil {
		return nil, fmt.Errorf("write %s payload: %w", layout.name, err)
	}

	return buf.Bytes(), nil
}
