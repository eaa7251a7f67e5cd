package gen2

import (
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/frame"
)

// Reply specs for the reader side.
var (
	RN16Spec   = frame.ReplySpec{MinBits: RN16ReplyBits}
	HandleSpec = frame.ReplySpec{MinBits: HandleReplyBits, CRC: frame.CRC16Trailer}
	EPCSpec    = frame.ReplySpec{
		MinBits:     pcBits + frame.CRC16Len,
		MaxBits:     pcBits + maxEPCWords*wordBits + frame.CRC16Len,
		CRC:         frame.CRC16Trailer,
		WordAligned: true,
	}
	DelayedSpec = frame.ReplySpec{MinBits: DelayedReplyBits, MaxBits: ErrorReplyBits, CRC: frame.CRC16Trailer}
)

// ReadSpec returns the expected reply length for a Read of count words.
func ReadSpec(count int) frame.ReplySpec {
	return frame.ReplySpec{
		MinBits: DelayedReplyBits,
		MaxBits: max(ErrorReplyBits, 1+count*wordBits+handleBits+frame.CRC16Len),
		CRC:     frame.CRC16Trailer,
	}
}

// BuildRN16Reply writes the bare RN16 a tag backscatters in its slot.
func BuildRN16Reply(f *frame.BitFrame, rn uint16) error {
	f.Reset()
	return f.AppendBits(rn, rn16Bits)
}

// BuildEPCReply writes PC, EPC and CRC-16.
func BuildEPCReply(f *frame.BitFrame, pc uint16, epc []byte) error {
	if len(epc)%2 != 0 || len(epc)/2 > maxEPCWords {
		return fmt.Errorf("%w: EPC of %d bytes", ErrTooLong, len(epc))
	}
	f.Reset()
	if err := f.AppendBits(pc, pcBits); err != nil {
		return err
	}
	if err := f.AppendBytes(epc); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// PCForEPC returns the PC word for an EPC of epcBytes bytes.
func PCForEPC(epcBytes int) uint16 {
	return uint16(epcBytes/2) << pcLenShift
}

// BuildHandleReply writes RN16+CRC-16, the reply to ReqRN and Access.
func BuildHandleReply(f *frame.BitFrame, rn uint16) error {
	f.Reset()
	if err := f.AppendBits(rn, rn16Bits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildReadReply writes a successful Read reply.
func BuildReadReply(f *frame.BitFrame, words []uint16, handle uint16) error {
	f.Reset()
	if err := f.AppendBit(false); err != nil {
		return err
	}
	for _, w := range words {
		if err := f.AppendBits(w, wordBits); err != nil {
			return err
		}
	}
	if err := f.AppendBits(handle, handleBits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// BuildDelayedReply writes the success reply to Write, Kill and Lock.
func BuildDelayedReply(f *frame.BitFrame, handle uint16) error {
	return BuildReadReply(f, nil, handle)
}

// BuildErrorReply writes a tag error reply.
func BuildErrorReply(f *frame.BitFrame, code ErrorCode, handle uint16) error {
	f.Reset()
	if err := appendAll(f, 1, 1, uint16(code), 8, handle, handleBits); err != nil {
		return err
	}
	return f.AppendCRC16()
}

// ParseRN16 returns the RN16 of a slot reply.
func ParseRN16(payload *frame.BitFrame) (uint16, error) {
	payload.Seek(0)
	return payload.ReadBits(rn16Bits)
}

// ParseEPCReply returns PC and EPC of an ACK reply payload.
func ParseEPCReply(payload *frame.BitFrame) (pc uint16, epc []byte, err error) {
	payload.Seek(0)
	pc, err = payload.ReadBits(pcBits)
	if err != nil {
		return 0, nil, err
	}
	words := int(pc >> pcLenShift)
	if words*wordBits > payload.Remaining() {
		return pc, nil, fmt.Errorf("%w: PC announces %d words, %d bits left", ErrMalformed, words, payload.Remaining())
	}
	epc, err = payload.ReadBytes(words * 2)
	return pc, epc, err
}

// ParseHandleReply returns the RN16 or handle of a ReqRN or Access reply.
func ParseHandleReply(payload *frame.BitFrame) (uint16, error) {
	payload.Seek(0)
	return payload.ReadBits(rn16Bits)
}

// AccessReply is a decoded Read, Write, Kill or Lock reply.
type AccessReply struct {
	Data   []uint16
	Handle uint16
	Code   ErrorCode
	// Failed is set when the tag answered with an error header.
	Failed bool
}

// ParseAccessReply decodes a reply carrying the header bit.
func ParseAccessReply(payload *frame.BitFrame) (AccessReply, error) {
	var out AccessReply
	payload.Seek(0)
	r := reader{f: payload}
	out.Failed = r.read(1) == 1
	if out.Failed {
		out.Code = ErrorCode(r.read(8))
		out.Handle = r.read(handleBits)
	} else {
		words := (payload.Remaining() - handleBits) / wordBits
		if words > 0 {
			out.Data = make([]uint16, words)
			for i := range out.Data {
				out.Data[i] = r.read(wordBits)
			}
		}
		out.Handle = r.read(handleBits)
	}
	if r.err != nil {
		return out, fmt.Errorf("%w: access reply: %w", ErrMalformed, r.err)
	}
	return out, nil
}
