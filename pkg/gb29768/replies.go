package gb29768

import (
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/frame"
)

// ReplySpec returns the expected reply length for code. dataWords is the
// number of words a Read returns and is ignored otherwise.
func ReplySpec(code Code, dataWords int) frame.ReplySpec {
	switch code {
	case CodeQuery, CodeQueryRep, CodeDivide, CodeDisperse, CodeShrink:
		return frame.ReplySpec{MinBits: SlotReplyBits, CRC: frame.CRC5Trailer}
	case CodeACK:
		return frame.ReplySpec{
			MinBits:     pcBits + frame.CRC16Len,
			MaxBits:     pcBits + maxIDWords*wordBits + frame.CRC16Len,
			CRC:         frame.CRC16Trailer,
			Aligned:     true,
			WordAligned: true,
		}
	case CodeGetRN:
		return frame.ReplySpec{MinBits: GetRNReplyBits, CRC: frame.CRC16Trailer, Aligned: true}
	case CodeRead:
		n := StatusReplyMinBits + dataWords*wordBits
		return frame.ReplySpec{MinBits: StatusReplyMinBits, MaxBits: n, CRC: frame.CRC16Trailer, Aligned: true}
	default:
		return frame.ReplySpec{MinBits: StatusReplyMinBits, CRC: frame.CRC16Trailer, Aligned: true}
	}
}

// StatusReply is the reply to Access, Read, Write, Erase, Lock and Kill.
type StatusReply struct {
	Status ErrorCode
	Data   []uint16
	Handle uint16
}

// BuildSlotReply writes the RN11+CRC5 reply a tag sends in its slot.
func BuildSlotReply(f *frame.BitFrame, rn11 uint16) error {
	f.Reset()
	if err := f.AppendBits(rn11&0x7FF, slotReplyRNBits); err != nil {
		return err
	}
	return f.AppendCRC5()
}

// ParseSlotReply returns the RN11 of a slot reply payload.
func ParseSlotReply(payload *frame.BitFrame) (uint16, error) {
	payload.Seek(0)
	return payload.ReadBits(slotReplyRNBits)
}

// BuildACKReply writes the PC word and ID returned for an ACK. The ID length
// in words is carried in the top five bits of the PC.
func BuildACKReply(f *frame.BitFrame, pc uint16, id []byte) error {
	if len(id)%2 != 0 || len(id)/2 > maxIDWords {
		return fmt.Errorf("%w: ID of %d bytes", ErrTooLong, len(id))
	}
	f.Reset()
	if err := f.AppendBits(pc, pcBits); err != nil {
		return err
	}
	if err := f.AppendBytes(id); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// ParseACKReply returns the PC word and ID of an ACK reply payload.
func ParseACKReply(payload *frame.BitFrame) (pc uint16, id []byte, err error) {
	payload.Seek(0)
	pc, err = payload.ReadBits(pcBits)
	if err != nil {
		return 0, nil, err
	}
	words := int(pc >> pcLengthShift)
	if words*wordBits > payload.Remaining() {
		return pc, nil, fmt.Errorf("%w: PC announces %d words, %d bits left", ErrMalformed, words, payload.Remaining())
	}
	id, err = payload.ReadBytes(words * 2)
	return pc, id, err
}

// PCForID returns a PC word announcing an ID of idBytes bytes.
func PCForID(idBytes int) uint16 {
	return uint16(idBytes/2) << pcLengthShift
}

// BuildGetRNReply writes the reply to GetRN.
func BuildGetRNReply(f *frame.BitFrame, rn, handle uint16) error {
	f.Reset()
	if err := fields(f, rn, 16, handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// ParseGetRNReply returns the random number and handle of a GetRN reply.
func ParseGetRNReply(payload *frame.BitFrame) (rn, handle uint16, err error) {
	payload.Seek(0)
	r := reader{f: payload}
	rn = r.read(16)
	handle = r.read(handleBits)
	return rn, handle, r.err
}

// BuildStatusReply writes an access-class reply.
func BuildStatusReply(f *frame.BitFrame, r StatusReply) error {
	f.Reset()
	if err := f.AppendBits(uint16(r.Status), statusBits); err != nil {
		return err
	}
	for _, w := range r.Data {
		if err := f.AppendBits(w, wordBits); err != nil {
			return err
		}
	}
	if err := f.AppendBits(r.Handle, handleBits); err != nil {
		return err
	}
	return f.AppendAlignedCRC16()
}

// ParseStatusReply decodes an access-class reply payload. Data words are
// present only when the status is OK.
func ParseStatusReply(payload *frame.BitFrame) (StatusReply, error) {
	var out StatusReply
	payload.Seek(0)
	r := reader{f: payload}
	out.Status = ErrorCode(r.read(statusBits))
	words := (payload.Remaining() - handleBits) / wordBits
	if r.err == nil && words > 0 && out.Status == StatusOK {
		out.Data = make([]uint16, words)
		for i := range out.Data {
			out.Data[i] = r.read(wordBits)
		}
	}
	payload.Seek(payload.Len() - handleBits)
	out.Handle = r.read(handleBits)
	if r.err != nil {
		return out, fmt.Errorf("%w: status reply: %w", ErrMalformed, r.err)
	}
	return out, nil
}
