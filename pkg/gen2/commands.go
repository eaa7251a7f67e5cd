package gen2

import (
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/frame"
)

// Coding is the Miller/FM0 selector M carried in a Query.
type Coding uint8

// Codings
const (
	CodingFM0     Coding = 0
	CodingMiller2 Coding = 1
	CodingMiller4 Coding = 2
	CodingMiller8 Coding = 3
)

// Query starts an inventory round.
type Query struct {
	DR      bool // divide ratio 64/3 when set, 8 otherwise
	M       Coding
	TRext   bool
	Sel     Sel
	Session uint8
	Target  bool // B when set
	Q       uint8
}

// Select sets SL or inventoried flags on tags whose memory matches Mask.
type Select struct {
	Target   uint8
	Action   uint8
	Bank     MemBank
	Pointer  uint32 // bit address
	Mask     []byte
	MaskBits uint8
	Truncate bool
}

// Request is a command decoded on the tag side.
type Request struct {
	Cmd     Command
	Query   Query
	Session uint8
	// UpDn is +1, 0 or -1 for QueryAdjust.
	UpDn    int8
	Select  Select
	RN      uint16
	Bank    MemBank
	Pointer uint32
	Count   uint8
	Word    uint16
	Lock    uint32
	RFU     uint8
}

// QueryAdjust UpDn encodings
const (
	upDnUp        = 0b110
	upDnUnchanged = 0b000
	upDnDown      = 0b011
)

func bit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

func appendAll(f *frame.BitFrame, vw ...uint16) error {
	for i := 0; i+1 < len(vw); i += 2 {
		if err := f.AppendBits(vw[i], int(vw[i+1])); err != nil {
			return err
		}
	}
	return nil
}

// appendEBV appends v as an extensible bit vector of 8-bit blocks.
func appendEBV(f *frame.BitFrame, v uint32) error {
	var blocks [5]uint16
	n := 0
	for {
		blocks[n] = uint16(v & 0x7F)
		n++
		v >>= 7
		if v == 0 {
			break
		}
	}
	for i := n - 1; i >= 0; i-- {
		ext := uint16(0)
		if i > 0 {
			ext = 0x80
		}
		if err := f.AppendBits(ext|blocks[i], 8); err != nil {
			return err
		}
	}
	return nil
}

func readEBV(f *frame.BitFrame) (uint32, error) {
	var v uint32
	for range 5 {
		b, err := f.ReadBits(8)
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: EBV too long", ErrMalformed)
}

// BuildQuery writes a Query (22 bits with CRC-5).
func BuildQuery(f *frame.BitFrame, q Query) error {
	if q.Q > maxQ {
		return fmt.Errorf("%w: Q=%d", ErrMalformed, q.Q)
	}
	f.Reset()
	err := appendAll(f,
		prefixQuery, 4,
		bit(q.DR), 1,
		uint16(q.M), 2,
		bit(q.TRext), 1,
		uint16(q.Sel), 2,
		uint16(q.Session), 2,
		bit(q.Target), 1,
		uint16(q.Q), 4,
	)
	if err != nil {
		return err
	}
	return f.AppendCRC5()
}

// BuildQueryRep writes a 4-bit QueryRep.
func BuildQueryRep(f *frame.BitFrame, session uint8) error {
	f.Reset()
	return appendAll(f, prefixQueryRep, 2, uint16(session), 2)
}

// BuildQueryAdjust writes a 9-bit QueryAdjust. upDn is +1, 0 or -1.
func BuildQueryAdjust(f *frame.BitFrame, session uint8, upDn int) error {
	code := uint16(upDnUnchanged)
	switch {
	case upDn > 0:
		code = upDnUp
	case upDn < 0:
		code = upDnDown
	}
	f.Reset()
	return appendAll(f, prefixQueryAdjust, 4, uint16(session), 2, code, 3)
}

// BuildSelect writes a Select.
func BuildSelect(f *frame.BitFrame, s Select) error {
	if int(s.MaskBits) > len(s.Mask)*8 {
		return fmt.Errorf("%w: mask %d bits, %d bytes", ErrMalformed, s.MaskBits, len(s.Mask))
	}
	f.Reset()
	if err := appendAll(f, prefixSelect, 4, uint16(s.Target), 3, uint16(s.Action), 3, uint16(s.Bank), 2); err != nil {
		return err
	}
	if err := appendEBV(f, s.Pointer); err != nil {
		return err
	}
	if err := f.AppendBits(uint16(s.MaskBits), 8); err != nil {
		return err
	}
	for i := range int(s.MaskBits) {
		if err := f.AppendBit(s.Mask[i/8]&(0x80>>(i%8)) != 0); err != nil {
			return err
		}
	}
	if err := f.AppendBit(s.Truncate); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildACK writes an 18-bit ACK echoing rn16.
func BuildACK(f *frame.BitFrame, rn16 uint16) error {
	f.Reset()
	return appendAll(f, prefixACK, 2, rn16, rn16Bits)
}

// BuildNAK writes a NAK.
func BuildNAK(f *frame.BitFrame) error {
	f.Reset()
	return f.AppendBits(codeNAK, 8)
}

// BuildReqRN requests a handle (after ACK) or a fresh RN16 (in access).
func BuildReqRN(f *frame.BitFrame, rn uint16) error {
	f.Reset()
	if err := appendAll(f, codeReqRN, 8, rn, handleBits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildRead requests count words from bank at word pointer.
func BuildRead(f *frame.BitFrame, bank MemBank, pointer uint32, count uint8, handle uint16) error {
	f.Reset()
	if err := appendAll(f, codeRead, 8, uint16(bank), 2); err != nil {
		return err
	}
	if err := appendEBV(f, pointer); err != nil {
		return err
	}
	if err := appendAll(f, uint16(count), 8, handle, handleBits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildWrite writes one cover-coded word to bank at word pointer.
func BuildWrite(f *frame.BitFrame, bank MemBank, pointer uint32, covered, handle uint16) error {
	f.Reset()
	if err := appendAll(f, codeWrite, 8, uint16(bank), 2); err != nil {
		return err
	}
	if err := appendEBV(f, pointer); err != nil {
		return err
	}
	if err := appendAll(f, covered, wordBits, handle, handleBits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildKill sends one cover-coded kill password half.
func BuildKill(f *frame.BitFrame, covered uint16, rfu uint8, handle uint16) error {
	f.Reset()
	if err := appendAll(f, codeKill, 8, covered, 16, uint16(rfu), 3, handle, handleBits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildLock writes a Lock with a 20-bit mask/action payload.
func BuildLock(f *frame.BitFrame, payload uint32, handle uint16) error {
	f.Reset()
	err := appendAll(f,
		codeLock, 8,
		uint16(payload>>16)&0xF, 4,
		uint16(payload), 16,
		handle, handleBits,
	)
	if err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildAccess sends one cover-coded access password half.
func BuildAccess(f *frame.BitFrame, covered, handle uint16) error {
	f.Reset()
	if err := appendAll(f, codeAccess, 8, covered, 16, handle, handleBits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

func checkCRC16(f *frame.BitFrame) error {
	n := f.Len() - frame.CRC16Len
	if n <= 0 {
		return ErrMalformed
	}
	f.Seek(n)
	got, err := f.ReadBits(frame.CRC16Len)
	if err != nil {
		return err
	}
	if got != frame.CRC16Bits(f, 0, n) {
		return frame.ErrCRC
	}
	f.Seek(0)
	return nil
}

// ParseRequest decodes a command frame received by a tag.
func ParseRequest(f *frame.BitFrame) (Request, error) {
	var req Request
	f.Seek(0)
	r := reader{f: f}

	switch {
	case f.Len() == 4 && r.peek(2) == prefixQueryRep:
		r.read(2)
		req.Cmd = CmdQueryRep
		req.Session = uint8(r.read(2))
	case f.Len() == 18 && r.peek(2) == prefixACK:
		r.read(2)
		req.Cmd = CmdACK
		req.RN = r.read(rn16Bits)
	case f.Len() == 22 && r.peek(4) == prefixQuery:
		if uint8(frame.CRC5Bits(f, 0, 17)) != uint8(bitsAt(f, 17, 5)) {
			return req, frame.ErrCRC
		}
		r.read(4)
		req.Cmd = CmdQuery
		req.Query.DR = r.read(1) == 1
		req.Query.M = Coding(r.read(2))
		req.Query.TRext = r.read(1) == 1
		req.Query.Sel = Sel(r.read(2))
		req.Query.Session = uint8(r.read(2))
		req.Query.Target = r.read(1) == 1
		req.Query.Q = uint8(r.read(4))
	case f.Len() == 9 && r.peek(4) == prefixQueryAdjust:
		r.read(4)
		req.Cmd = CmdQueryAdjust
		req.Session = uint8(r.read(2))
		switch r.read(3) {
		case upDnUp:
			req.UpDn = 1
		case upDnDown:
			req.UpDn = -1
		}
	case f.Len() == 8 && r.peek(8) == codeNAK:
		req.Cmd = CmdNAK
	case f.Len() > 8 && r.peek(4) == prefixSelect:
		if err := checkCRC16(f); err != nil {
			return req, err
		}
		r.read(4)
		req.Cmd = CmdSelect
		req.Select.Target = uint8(r.read(3))
		req.Select.Action = uint8(r.read(3))
		req.Select.Bank = MemBank(r.read(2))
		req.Select.Pointer = r.ebv()
		req.Select.MaskBits = uint8(r.read(8))
		req.Select.Mask = make([]byte, (int(req.Select.MaskBits)+7)/8)
		for i := range int(req.Select.MaskBits) {
			if r.read(1) == 1 {
				req.Select.Mask[i/8] |= 0x80 >> (i % 8)
			}
		}
		req.Select.Truncate = r.read(1) == 1
	case f.Len() > 8:
		if err := checkCRC16(f); err != nil {
			return req, err
		}
		if err := parseAccessCommand(&r, &req); err != nil {
			return req, err
		}
	default:
		return req, fmt.Errorf("%w: %d bits", ErrMalformed, f.Len())
	}
	if r.err != nil {
		return req, fmt.Errorf("%w: %s: %w", ErrMalformed, req.Cmd, r.err)
	}
	return req, nil
}

func parseAccessCommand(r *reader, req *Request) error {
	switch code := r.read(8); code {
	case codeReqRN:
		req.Cmd = CmdReqRN
		req.RN = r.read(handleBits)
	case codeRead:
		req.Cmd = CmdRead
		req.Bank = MemBank(r.read(2))
		req.Pointer = r.ebv()
		req.Count = uint8(r.read(8))
		req.RN = r.read(handleBits)
	case codeWrite:
		req.Cmd = CmdWrite
		req.Bank = MemBank(r.read(2))
		req.Pointer = r.ebv()
		req.Word = r.read(wordBits)
		req.RN = r.read(handleBits)
	case codeKill:
		req.Cmd = CmdKill
		req.Word = r.read(16)
		req.RFU = uint8(r.read(3))
		req.RN = r.read(handleBits)
	case codeLock:
		req.Cmd = CmdLock
		hi := r.read(4)
		lo := r.read(16)
		req.Lock = uint32(hi)<<16 | uint32(lo)
		req.RN = r.read(handleBits)
	case codeAccess:
		req.Cmd = CmdAccess
		req.Word = r.read(16)
		req.RN = r.read(handleBits)
	default:
		return fmt.Errorf("%w: unknown code 0x%02X", ErrMalformed, code)
	}
	return nil
}

func bitsAt(f *frame.BitFrame, pos, width int) uint16 {
	var v uint16
	for i := pos; i < pos+width; i++ {
		v <<= 1
		if f.Bit(i) {
			v |= 1
		}
	}
	return v
}

type reader struct {
	f   *frame.BitFrame
	err error
}

func (r *reader) read(width int) uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.f.ReadBits(width)
	r.err = err
	return v
}

func (r *reader) peek(width int) uint16 {
	if r.f.Remaining() < width {
		return 0xFFFF
	}
	return bitsAt(r.f, r.f.Len()-r.f.Remaining(), width)
}

func (r *reader) ebv() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := readEBV(r.f)
	r.err = err
	return v
}
