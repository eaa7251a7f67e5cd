package gb29768

import (
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/frame"
)

// Query opens an inventory round.
type Query struct {
	Condition Condition
	Session   uint8
	// Target selects tags whose inventoried flag is A (false) or B (true).
	Target  bool
	BLFCode uint8
	Coding  Coding
	TRext   bool
}

// Sort sets the matching flag on tags whose storage matches Mask.
type Sort struct {
	Target  uint8
	Action  SortAction
	Area    Area
	Pointer uint16 // bit address
	Mask    []byte
	// MaskBits is the mask length; Mask holds it MSB first.
	MaskBits uint8
}

// Command is a parsed command frame.
type Command struct {
	Code     Code
	Session  uint8
	Arg      uint8
	Query    Query
	Sort     Sort
	RN11     uint16
	Handle   uint16
	Category Category
	Covered  uint16
	Area     Area
	Pointer  uint16
	Count    uint8
	Data     []uint16
	Lock     LockAction
}

// BuildSlot writes a 16-bit slot command.
func BuildSlot(f *frame.BitFrame, code Code, session, arg uint8) error {
	if !code.IsSlot() {
		return fmt.Errorf("%w: %s is not a slot command", ErrMalformed, code)
	}
	f.Reset()
	if err := f.AppendBits(uint16(code), slotCodeBits); err != nil {
		return err
	}
	if err := f.AppendBits(uint16(session), sessionBits); err != nil {
		return err
	}
	if err := f.AppendBits(uint16(arg), slotArgBits); err != nil {
		return err
	}
	return f.AppendCRC5()
}

func begin(f *frame.BitFrame, code Code) error {
	f.Reset()
	return f.AppendBits(uint16(code), longCodeBits)
}

// fields appends (value, width) pairs.
func fields(f *frame.BitFrame, vw ...uint16) error {
	for i := 0; i+1 < len(vw); i += 2 {
		if err := f.AppendBits(vw[i], int(vw[i+1])); err != nil {
			return err
		}
	}
	return nil
}

func boolBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// BuildQuery writes a Query command.
func BuildQuery(f *frame.BitFrame, q Query) error {
	if err := begin(f, CodeQuery); err != nil {
		return err
	}
	err := fields(f,
		uint16(q.Condition), queryConditionBits,
		uint16(q.Session), sessionBits,
		boolBit(q.Target), 1,
		uint16(q.BLFCode), queryBLFBits,
		q.Coding.field(), queryCodingBits,
		boolBit(q.TRext), 1,
	)
	if err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// BuildSort writes a Sort command.
func BuildSort(f *frame.BitFrame, s Sort) error {
	if int(s.MaskBits) > len(s.Mask)*8 {
		return fmt.Errorf("%w: mask %d bits, %d bytes", ErrMalformed, s.MaskBits, len(s.Mask))
	}
	if err := begin(f, CodeSort); err != nil {
		return err
	}
	err := fields(f,
		uint16(s.Target), sortTargetBits,
		uint16(s.Action), sortActionBits,
		uint16(s.Area), areaBits,
		s.Pointer, 16,
		uint16(s.MaskBits), 8,
	)
	if err != nil {
		return err
	}
	for i := range int(s.MaskBits) {
		if err := f.AppendBit(s.Mask[i/8]&(0x80>>(i%8)) != 0); err != nil {
			return err
		}
	}
	return f.AppendAlignedCRC16()
}

// BuildACK acknowledges the tag that replied with rn11.
func BuildACK(f *frame.BitFrame, rn11 uint16) error {
	if err := begin(f, CodeACK); err != nil {
		return err
	}
	if err := f.AppendBits(rn11, slotReplyRNBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// BuildGetRN requests a fresh random number and handle.
func BuildGetRN(f *frame.BitFrame, handle uint16) error {
	if err := begin(f, CodeGetRN); err != nil {
		return err
	}
	if err := f.AppendBits(handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// BuildAccess sends one cover-coded password half for category.
func BuildAccess(f *frame.BitFrame, category Category, covered, handle uint16) error {
	if err := begin(f, CodeAccess); err != nil {
		return err
	}
	if err := fields(f, uint16(category), categoryBits, covered, 16, handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// BuildRead requests count words from area starting at word pointer.
func BuildRead(f *frame.BitFrame, area Area, pointer uint16, count uint8, handle uint16) error {
	return buildRange(f, CodeRead, area, pointer, count, handle)
}

// BuildErase clears count words from area starting at word pointer.
func BuildErase(f *frame.BitFrame, area Area, pointer uint16, count uint8, handle uint16) error {
	return buildRange(f, CodeErase, area, pointer, count, handle)
}

func buildRange(f *frame.BitFrame, code Code, area Area, pointer uint16, count uint8, handle uint16) error {
	if int(count) > maxDataWords {
		return fmt.Errorf("%w: %d words", ErrTooLong, count)
	}
	if err := begin(f, code); err != nil {
		return err
	}
	if err := fields(f, uint16(area), areaBits, pointer, 16, uint16(count), 8, handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// BuildWrite writes data to area starting at word pointer.
func BuildWrite(f *frame.BitFrame, area Area, pointer uint16, data []uint16, handle uint16) error {
	if len(data) == 0 || len(data) > maxDataWords {
		return fmt.Errorf("%w: %d words", ErrTooLong, len(data))
	}
	if err := begin(f, CodeWrite); err != nil {
		return err
	}
	if err := fields(f, uint16(area), areaBits, pointer, 16, uint16(len(data)), 8); err != nil {
		return err
	}
	for _, w := range data {
		if err := f.AppendBits(w, wordBits); err != nil {
			return err
		}
	}
	if err := f.AppendBits(handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// BuildLock changes the access rights of area.
func BuildLock(f *frame.BitFrame, area Area, action LockAction, handle uint16) error {
	if err := begin(f, CodeLock); err != nil {
		return err
	}
	if err := fields(f, uint16(area), areaBits, uint16(action), lockActionBits, handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// BuildKill permanently disables the tag. The kill category must have been
// opened with Access first.
func BuildKill(f *frame.BitFrame, handle uint16) error {
	if err := begin(f, CodeKill); err != nil {
		return err
	}
	if err := f.AppendBits(handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// ParseCommand decodes a command frame received by a tag. The CRC is checked
// before any field is trusted.
func ParseCommand(f *frame.BitFrame) (Command, error) {
	var cmd Command
	if f.Len() == SlotCommandBits {
		f.Seek(slotCodeBits + sessionBits + slotArgBits)
		crc, err := f.ReadBits(frame.CRC5Len)
		if err != nil {
			return cmd, err
		}
		if uint8(crc) != frame.CRC5Bits(f, 0, f.Len()-frame.CRC5Len) {
			return cmd, frame.ErrCRC
		}
		f.Seek(0)
		code, _ := f.ReadBits(slotCodeBits)
		session, _ := f.ReadBits(sessionBits)
		arg, _ := f.ReadBits(slotArgBits)
		cmd.Code = Code(code)
		cmd.Session = uint8(session)
		cmd.Arg = uint8(arg)
		if !cmd.Code.IsSlot() {
			return cmd, fmt.Errorf("%w: slot code %d", ErrMalformed, code)
		}
		return cmd, nil
	}

	var body frame.BitFrame
	spec := frame.ReplySpec{MinBits: longCodeBits + frame.CRC16Len, MaxBits: frame.MaxFrameBits, CRC: frame.CRC16Trailer, Aligned: true}
	if err := frame.ExtractReply(f, spec, &body); err != nil {
		return cmd, err
	}
	code, err := body.ReadBits(longCodeBits)
	if err != nil {
		return cmd, err
	}
	cmd.Code = Code(code)

	r := reader{f: &body}
	switch cmd.Code {
	case CodeQuery:
		cmd.Query.Condition = Condition(r.read(queryConditionBits))
		cmd.Query.Session = uint8(r.read(sessionBits))
		cmd.Query.Target = r.read(1) == 1
		cmd.Query.BLFCode = uint8(r.read(queryBLFBits))
		cmd.Query.Coding = codingFromField(r.read(queryCodingBits))
		cmd.Query.TRext = r.read(1) == 1
	case CodeSort:
		cmd.Sort.Target = uint8(r.read(sortTargetBits))
		cmd.Sort.Action = SortAction(r.read(sortActionBits))
		cmd.Sort.Area = Area(r.read(areaBits))
		cmd.Sort.Pointer = r.read(16)
		cmd.Sort.MaskBits = uint8(r.read(8))
		cmd.Sort.Mask = make([]byte, (int(cmd.Sort.MaskBits)+7)/8)
		for i := range int(cmd.Sort.MaskBits) {
			if r.read(1) == 1 {
				cmd.Sort.Mask[i/8] |= 0x80 >> (i % 8)
			}
		}
	case CodeACK:
		cmd.RN11 = r.read(slotReplyRNBits)
	case CodeGetRN, CodeKill:
		cmd.Handle = r.read(handleBits)
	case CodeAccess:
		cmd.Category = Category(r.read(categoryBits))
		cmd.Covered = r.read(16)
		cmd.Handle = r.read(handleBits)
	case CodeRead, CodeErase:
		cmd.Area = Area(r.read(areaBits))
		cmd.Pointer = r.read(16)
		cmd.Count = uint8(r.read(8))
		cmd.Handle = r.read(handleBits)
	case CodeWrite:
		cmd.Area = Area(r.read(areaBits))
		cmd.Pointer = r.read(16)
		cmd.Count = uint8(r.read(8))
		if int(cmd.Count) > maxDataWords {
			return cmd, fmt.Errorf("%w: %d words", ErrTooLong, cmd.Count)
		}
		cmd.Data = make([]uint16, cmd.Count)
		for i := range cmd.Data {
			cmd.Data[i] = r.read(wordBits)
		}
		cmd.Handle = r.read(handleBits)
	case CodeLock:
		cmd.Area = Area(r.read(areaBits))
		cmd.Lock = LockAction(r.read(lockActionBits))
		cmd.Handle = r.read(handleBits)
	default:
		return cmd, fmt.Errorf("%w: unknown code 0x%02X", ErrMalformed, code)
	}
	if r.err != nil {
		return cmd, fmt.Errorf("%w: %s: %w", ErrMalformed, cmd.Code, r.err)
	}
	return cmd, nil
}

// reader accumulates the first read error so field lists stay flat.
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
