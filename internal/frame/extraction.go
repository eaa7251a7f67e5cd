package frame

import "fmt"

// CRCKind selects the trailer protecting a reply.
type CRCKind int

const (
	// CRCNone marks replies without a trailer.
	CRCNone CRCKind = iota
	// CRC5Trailer marks short slot replies (11 payload bits + CRC-5).
	CRC5Trailer
	// CRC16Trailer marks data-bearing replies.
	CRC16Trailer
)

// ReplySpec is one entry of a command's expected-length table. Lengths count
// genuine reply bits including the CRC trailer but excluding preamble and
// stop bit.
type ReplySpec struct {
	MinBits int
	// MaxBits bounds variable-length replies. Zero means fixed at MinBits.
	MaxBits int
	CRC     CRCKind
	// Aligned requires an even total length, as for GB/T 29768 CRC-16
	// replies.
	Aligned bool
	// WordAligned requires the payload of a variable reply to be a whole
	// number of 16-bit words.
	WordAligned bool
}

// Fixed reports whether the reply length is fixed.
func (s ReplySpec) Fixed() bool {
	return s.MaxBits == 0 || s.MaxBits == s.MinBits
}

func (s ReplySpec) limit() int {
	if s.Fixed() {
		return s.MinBits
	}
	return min(s.MaxBits, MaxFrameBits)
}

func (s ReplySpec) trailerBits() int {
	switch s.CRC {
	case CRC5Trailer:
		return CRC5Len
	case CRC16Trailer:
		return CRC16Len
	default:
		return 0
	}
}

// ExtractReply copies the genuine payload of raw into out, strips the CRC
// trailer and validates it. raw holds the bits decoded for the last command;
// anything beyond MaxBits is treated as trailing noise and clipped.
// On CRC failure out is left empty so callers cannot trust the payload.
func ExtractReply(raw *BitFrame, spec ReplySpec, out *BitFrame) error {
	out.Reset()

	n := raw.Len()
	if n < spec.MinBits {
		return fmt.Errorf("%w: got %d bits, want %d", ErrShortReply, n, spec.MinBits)
	}
	if limit := spec.limit(); n > limit {
		n = limit
	}

	trailer := spec.trailerBits()
	payload := n - trailer
	if payload < 0 {
		return ErrShortReply
	}
	if spec.Aligned && n%2 != 0 {
		return fmt.Errorf("%w: %d bits", ErrOddLength, n)
	}
	if !spec.Fixed() && spec.WordAligned && payload%16 != 0 {
		return fmt.Errorf("%w: payload %d bits", ErrOddLength, payload)
	}

	switch spec.CRC {
	case CRC16Trailer:
		raw.Seek(payload)
		got, err := raw.ReadBits(CRC16Len)
		if err != nil {
			return err
		}
		if want := CRC16Bits(raw, 0, payload); got != want {
			return fmt.Errorf("%w: got %04X, want %04X", ErrCRC, got, want)
		}
	case CRC5Trailer:
		raw.Seek(payload)
		got, err := raw.ReadBits(CRC5Len)
		if err != nil {
			return err
		}
		if want := CRC5Bits(raw, 0, payload); uint8(got) != want {
			return fmt.Errorf("%w: got %02X, want %02X", ErrCRC, got, want)
		}
	case CRCNone:
	}

	raw.Seek(0)
	if err := out.AppendFrame(raw, payload); err != nil {
		return err
	}
	return nil
}
