// Package decoder turns inner transfer instructions of the token programs
// and the system program into signed transfer amounts.
package decoder

import (
	solanago "github.com/gagliardetto/solana-go"
)

// TransferProgram is the closed set of programs whose transfers are decoded.
type TransferProgram int

const (
	// Primary is the SPL Token program.
	Primary TransferProgram = iota + 1
	// Secondary is the Token-2022 program.
	Secondary
	// Native is the System program (lamport transfers).
	Native
)

// Program identities.
var (
	PrimaryProgramID   = solanago.TokenProgramID.String()
	SecondaryProgramID = solanago.Token2022ProgramID.String()
	NativeProgramID    = solanago.SystemProgramID.String()
)

// Discriminators of the decoded instructions.
const (
	DiscTransfer        uint32 = 3
	DiscTransferChecked uint32 = 12
	DiscSystemTransfer  uint32 = 2
)

// NativeDecimals is the decimal precision of lamports.
const NativeDecimals = 9

// transferLayout locates the accounts of a transfer and describes the
// payload that follows the discriminator.
type transferLayout struct {
	name        string
	sourceIdx   int
	destIdx     int
	hasDecimals bool
}

func (l transferLayout) minAccounts() int {
	return max(l.sourceIdx, l.destIdx) + 1
}

var tokenLayouts = map[uint32]transferLayout{
	DiscTransfer:        {name: "transfer", sourceIdx: 0, destIdx: 1},
	DiscTransferChecked: {name: "transferChecked", sourceIdx: 0, destIdx: 2, hasDecimals: true},
}

var nativeLayouts = map[uint32]transferLayout{
	DiscSystemTransfer: {name: "transfer", sourceIdx: 0, destIdx: 1},
}

// ProgramFor returns the variant for a program id.
func ProgramFor(programID string) (TransferProgram, bool) {
	switch programID {
	case PrimaryProgramID:
		return Primary, true
	case SecondaryProgramID:
		return Secondary, true
	case NativeProgramID:
		return Native, true
	default:
		return 0, false
	}
}

// ProgramID returns the base58 program id of the variant.
func (p TransferProgram) ProgramID() string {
	switch p {
	case Primary:
		return PrimaryProgramID
	case Secondary:
		return SecondaryProgramID
	case Native:
		return NativeProgramID
	default:
		return ""
	}
}

func (p TransferProgram) String() string {
	switch p {
	case Primary:
		return "spl-token"
	case Secondary:
		return "token-2022"
	case Native:
		return "system"
	default:
		return "unknown"
	}
}

// discriminatorWidth is 1 byte for token programs and a 4 byte
// little-endian enum tag for the system program.
func (p TransferProgram) discriminatorWidth() int {
	if p == Native {
		return 4
	}
	return 1
}

func (p TransferProgram) layouts() map[uint32]transferLayout {
	if p == Native {
		return nativeLayouts
	}
	return tokenLayouts
}
