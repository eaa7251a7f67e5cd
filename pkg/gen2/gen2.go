// Package gen2 builds and parses EPC Gen2 (ISO 18000-6C) air-interface
// frames. Frames are assembled bit by bit, CRC included, and handed to the
// transceiver as raw bit streams.
package gen2

import (
	"errors"
	"fmt"
)

// Command prefixes
const (
	prefixQueryRep    = 0b00
	prefixACK         = 0b01
	prefixQuery       = 0b1000
	prefixQueryAdjust = 0b1001
	prefixSelect      = 0b1010
	codeNAK           = 0xC0
	codeReqRN         = 0xC1
	codeRead          = 0xC2
	codeWrite         = 0xC3
	codeKill          = 0xC4
	codeLock          = 0xC5
	codeAccess        = 0xC6
)

// Command identifies a parsed command.
type Command uint8

// Commands
const (
	CmdUnknown Command = iota
	CmdQuery
	CmdQueryRep
	CmdQueryAdjust
	CmdSelect
	CmdACK
	CmdNAK
	CmdReqRN
	CmdRead
	CmdWrite
	CmdKill
	CmdLock
	CmdAccess
)

func (c Command) String() string {
	switch c {
	case CmdQuery:
		return "Query"
	case CmdQueryRep:
		return "QueryRep"
	case CmdQueryAdjust:
		return "QueryAdjust"
	case CmdSelect:
		return "Select"
	case CmdACK:
		return "ACK"
	case CmdNAK:
		return "NAK"
	case CmdReqRN:
		return "ReqRN"
	case CmdRead:
		return "Read"
	case CmdWrite:
		return "Write"
	case CmdKill:
		return "Kill"
	case CmdLock:
		return "Lock"
	case CmdAccess:
		return "Access"
	default:
		return "Unknown"
	}
}

// MemBank is a tag memory bank.
type MemBank uint8

// Memory banks
const (
	BankReserved MemBank = 0
	BankEPC      MemBank = 1
	BankTID      MemBank = 2
	BankUser     MemBank = 3
)

func (b MemBank) String() string {
	switch b {
	case BankReserved:
		return "Reserved"
	case BankEPC:
		return "EPC"
	case BankTID:
		return "TID"
	case BankUser:
		return "User"
	default:
		return fmt.Sprintf("Bank(%d)", uint8(b))
	}
}

// Sel restricts a Query to tags by their SL flag.
type Sel uint8

// Sel values
const (
	SelAll   Sel = 0
	SelNotSL Sel = 2
	SelSL    Sel = 3
)

// Field widths in bits
const (
	rn16Bits    = 16
	handleBits  = 16
	wordBits    = 16
	pcBits      = 16
	pcLenShift  = 11
	maxEPCWords = 31
	lockBits    = 20
	maxQ        = 15
)

// MaxQ is the largest slot-count exponent.
const MaxQ = maxQ

// Reply lengths in bits, CRC included.
const (
	RN16ReplyBits    = rn16Bits
	HandleReplyBits  = rn16Bits + 16
	DelayedReplyBits = 1 + handleBits + 16
	ErrorReplyBits   = 1 + 8 + handleBits + 16
)

// Errors
var (
	ErrMalformed = errors.New("malformed frame")
	ErrTooLong   = errors.New("field too long")
)

// ErrorCode is a tag-reported error code.
type ErrorCode uint8

// Tag error codes
const (
	ErrorOther             ErrorCode = 0x00
	ErrorNotSupported      ErrorCode = 0x01
	ErrorInsufficientPrivs ErrorCode = 0x02
	ErrorMemoryOverrun     ErrorCode = 0x03
	ErrorMemoryLocked      ErrorCode = 0x04
	ErrorCrypto            ErrorCode = 0x05
	ErrorInsufficientPower ErrorCode = 0x0B
	ErrorNonSpecific       ErrorCode = 0x0F
)

var errorCodeNames = map[ErrorCode]string{
	ErrorOther:             "other error",
	ErrorNotSupported:      "not supported",
	ErrorInsufficientPrivs: "insufficient privileges",
	ErrorMemoryOverrun:     "memory overrun",
	ErrorMemoryLocked:      "memory locked",
	ErrorCrypto:            "crypto suite error",
	ErrorInsufficientPower: "insufficient power",
	ErrorNonSpecific:       "non-specific error",
}

func (e ErrorCode) String() string {
	if n, ok := errorCodeNames[e]; ok {
		return n
	}
	return fmt.Sprintf("error 0x%02X", uint8(e))
}
