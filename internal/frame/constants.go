package frame

import "errors"

// Frame size limits. Every command and every reply fits in MaxFrameBits.
const (
	MaxFrameBits  = 1024
	MaxFrameBytes = MaxFrameBits / 8

	// MaxFieldWidth is the widest field AppendBits/ReadBits accept.
	MaxFieldWidth = 16
)

// CRC parameters shared by EPC Gen2 and GB/T 29768.
const (
	crc16Poly   = 0x1021
	crc16Preset = 0xFFFF
	crc5Poly    = 0x09
	crc5Preset  = 0x09

	CRC16Len = 16
	CRC5Len  = 5
)

// Frame errors
var (
	ErrOverflow   = errors.New("frame capacity exceeded")
	ErrUnderflow  = errors.New("read past end of frame")
	ErrFieldWidth = errors.New("field width out of range")
	ErrCRC        = errors.New("CRC mismatch")
	ErrShortReply = errors.New("reply shorter than expected")
	ErrOddLength  = errors.New("reply length not aligned")
)
