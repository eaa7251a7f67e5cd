// Package gb29768 builds and parses GB/T 29768 air-interface frames.
//
// Slot commands (QueryRep, Divide, Disperse, Shrink) are 16 bits long: a
// 6-bit code, the session, a 3-bit argument and a CRC-5. Every other command
// starts with an 8-bit code, is padded to an even length and ends with a
// CRC-16. The same layouts are parsed on the tag side by the simulator.
package gb29768

import (
	"errors"
	"fmt"
)

// Code identifies a command.
type Code uint8

// Slot command codes (6 bits)
const (
	CodeQueryRep Code = 0b000010
	CodeDivide   Code = 0b000011
	CodeDisperse Code = 0b000100
	CodeShrink   Code = 0b000101
)

// Long command codes (8 bits)
const (
	CodeSort   Code = 0x10
	CodeQuery  Code = 0x11
	CodeACK    Code = 0x12
	CodeGetRN  Code = 0x13
	CodeAccess Code = 0x14
	CodeRead   Code = 0x15
	CodeWrite  Code = 0x16
	CodeErase  Code = 0x17
	CodeLock   Code = 0x18
	CodeKill   Code = 0x19
)

var codeNames = map[Code]string{
	CodeQueryRep: "QueryRep",
	CodeDivide:   "Divide",
	CodeDisperse: "Disperse",
	CodeShrink:   "Shrink",
	CodeSort:     "Sort",
	CodeQuery:    "Query",
	CodeACK:      "ACK",
	CodeGetRN:    "GetRN",
	CodeAccess:   "Access",
	CodeRead:     "Read",
	CodeWrite:    "Write",
	CodeErase:    "Erase",
	CodeLock:     "Lock",
	CodeKill:     "Kill",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(0x%02X)", uint8(c))
}

// IsSlot reports whether c is a 16-bit slot command.
func (c Code) IsSlot() bool {
	return c >= CodeQueryRep && c <= CodeShrink
}

// Area is a tag storage area.
type Area uint8

// Storage areas
const (
	AreaTagInfo  Area = 0
	AreaCoding   Area = 1
	AreaSecurity Area = 2
	AreaUser     Area = 3
)

func (a Area) String() string {
	switch a {
	case AreaTagInfo:
		return "TagInfo"
	case AreaCoding:
		return "Coding"
	case AreaSecurity:
		return "Security"
	case AreaUser:
		return "User"
	default:
		return fmt.Sprintf("Area(%d)", uint8(a))
	}
}

// Category selects which password an Access command opens.
type Category uint8

// Password categories
const (
	CategoryRead  Category = 0
	CategoryWrite Category = 1
	CategoryLock  Category = 2
	CategoryKill  Category = 3
)

// LockAction is the 2-bit action of a Lock command.
type LockAction uint8

// Lock actions
const (
	LockReadWrite  LockAction = 0
	LockReadOnly   LockAction = 1
	LockUnreadable LockAction = 2
	LockPermanent  LockAction = 3
)

// Field widths in bits
const (
	slotCodeBits       = 6
	longCodeBits       = 8
	sessionBits        = 2
	slotArgBits        = 3
	areaBits           = 2
	categoryBits       = 4
	lockActionBits     = 2
	handleBits         = 16
	statusBits         = 8
	wordBits           = 16
	sortTargetBits     = 3
	sortActionBits     = 3
	queryConditionBits = 2
	queryBLFBits       = 4
	queryCodingBits    = 2
	slotReplyRNBits    = 11
	pcBits             = 16
	pcLengthShift      = 11

	maxIDWords   = 31
	maxDataWords = 32
)

// Fixed frame lengths in bits, CRC included.
const (
	SlotCommandBits    = slotCodeBits + sessionBits + slotArgBits + 5
	SlotReplyBits      = slotReplyRNBits + 5
	GetRNReplyBits     = 16 + handleBits + 16
	StatusReplyMinBits = statusBits + handleBits + 16
)

// Coding is the reverse-link coding requested in a Query; Miller values
// equal M.
type Coding uint8

// Reverse link codings
const (
	CodingFM0     Coding = 1
	CodingMiller2 Coding = 2
	CodingMiller4 Coding = 4
	CodingMiller8 Coding = 8
)

func (c Coding) field() uint16 {
	switch c {
	case CodingMiller2:
		return 1
	case CodingMiller4:
		return 2
	case CodingMiller8:
		return 3
	default:
		return 0
	}
}

func codingFromField(v uint16) Coding {
	switch v {
	case 1:
		return CodingMiller2
	case 2:
		return CodingMiller4
	case 3:
		return CodingMiller8
	default:
		return CodingFM0
	}
}

// Condition restricts which tags take part in a Query.
type Condition uint8

// Query conditions
const (
	ConditionAll      Condition = 0
	ConditionMatching Condition = 2
	ConditionOther    Condition = 3
)

// SortAction selects how a Sort updates the matching flag.
type SortAction uint8

// Sort actions
const (
	SortAssertMatching   SortAction = 0
	SortDeassertMatching SortAction = 1
)

// Errors
var (
	ErrMalformed = errors.New("malformed frame")
	ErrTooLong   = errors.New("field too long")
)

// ErrorCode is a tag-reported status code carried in access replies.
type ErrorCode uint8

// Tag error codes
const (
	StatusOK                ErrorCode = 0x00
	ErrorPermissionDenied   ErrorCode = 0x01
	ErrorStorageOverflow    ErrorCode = 0x02
	ErrorStorageLocked      ErrorCode = 0x03
	ErrorPassword           ErrorCode = 0x04
	ErrorAuthentication     ErrorCode = 0x05
	ErrorAccessFailed       ErrorCode = 0x06
	ErrorInsufficientPower  ErrorCode = 0x07
	ErrorOther              ErrorCode = 0x08
	ErrorUnsupportedCommand ErrorCode = 0x09
)

var errorCodeNames = map[ErrorCode]string{
	StatusOK:                "ok",
	ErrorPermissionDenied:   "permission denied",
	ErrorStorageOverflow:    "storage overflow",
	ErrorStorageLocked:      "storage locked",
	ErrorPassword:           "password error",
	ErrorAuthentication:     "authentication error",
	ErrorAccessFailed:       "access failed",
	ErrorInsufficientPower:  "insufficient power",
	ErrorOther:              "other error",
	ErrorUnsupportedCommand: "unsupported command",
}

func (e ErrorCode) String() string {
	if n, ok := errorCodeNames[e]; ok {
		return n
	}
	return fmt.Sprintf("error 0x%02X", uint8(e))
}
