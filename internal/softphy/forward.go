package softphy

import (
	"github.com/ZaparooProject/go-uhf/internal/frame"
)

// Line is the direct-mode view of the transceiver: a TX modulation line, the
// demodulated RX line and a free-running cycle counter.
type Line interface {
	SetTX(high bool)
	RX() bool
	Cycles() uint32
	ResetCycles()
}

// Forward link framing in Tc units.
const (
	separatorTc = 2
	leadHighTc  = 4
	symbolLowTc = 1

	maxPulses = frame.MaxFrameBits + 8
)

// Pulse is one constant-level segment of a forward-link pulse train.
type Pulse struct {
	High   bool
	Cycles uint32
}

// PulseTrain is a fixed-capacity forward-link waveform.
type PulseTrain struct {
	pulses [maxPulses]Pulse
	n      int
}

// Pulses returns the encoded segments. The slice aliases the train.
func (p *PulseTrain) Pulses() []Pulse {
	return p.pulses[:p.n]
}

// Duration returns the total length of the train in cycles.
func (p *PulseTrain) Duration() uint32 {
	var total uint32
	for _, s := range p.pulses[:p.n] {
		total += s.Cycles
	}
	return total
}

func (p *PulseTrain) push(high bool, cycles uint32) error {
	if p.n >= maxPulses {
		return ErrProtocol
	}
	p.pulses[p.n] = Pulse{High: high, Cycles: cycles}
	p.n++
	return nil
}

// symbolWidth maps a 2-bit group to its high-interval width in Tc.
func symbolWidth(sym uint16) uint32 {
	switch sym {
	case 0b00:
		return 1
	case 0b01:
		return 2
	case 0b11:
		return 3
	default:
		return 4
	}
}

func symbolValue(width uint32) (uint16, bool) {
	switch width {
	case 1:
		return 0b00, true
	case 2:
		return 0b01, true
	case 3:
		return 0b11, true
	case 4:
		return 0b10, true
	default:
		return 0, false
	}
}

// EncodeForward encodes cmd as a TPP pulse train with unit length tc cycles.
// The command must hold an even number of bits.
func EncodeForward(cmd *frame.BitFrame, tc uint32, dst *PulseTrain) error {
	dst.n = 0
	if cmd.Len()%2 != 0 || tc == 0 {
		return ErrProtocol
	}

	if err := dst.push(false, separatorTc*tc); err != nil {
		return err
	}
	if err := dst.push(true, leadHighTc*tc); err != nil {
		return err
	}
	if err := dst.push(false, symbolLowTc*tc); err != nil {
		return err
	}

	for i := 0; i < cmd.Len(); i += 2 {
		var sym uint16
		if cmd.Bit(i) {
			sym |= 0b10
		}
		if cmd.Bit(i + 1) {
			sym |= 0b01
		}
		if err := dst.push(true, symbolWidth(sym)*tc); err != nil {
			return err
		}
		if err := dst.push(false, symbolLowTc*tc); err != nil {
			return err
		}
	}
	return nil
}

// DecodeForward recovers the command bits from a recorded pulse train. The
// unit length is calibrated from the lead pulse, so the decoder needs no
// prior knowledge of Tc.
func DecodeForward(pulses []Pulse, out *frame.BitFrame) error {
	out.Reset()

	i := 0
	for i < len(pulses) && pulses[i].High {
		i++
	}
	if i+2 >= len(pulses) {
		return ErrPreamble
	}
	i++ // separator
	if !pulses[i].High {
		return ErrPreamble
	}
	tc := pulses[i].Cycles / leadHighTc
	if tc == 0 {
		return ErrPreamble
	}
	i++

	for ; i < len(pulses); i++ {
		width := (pulses[i].Cycles + tc/2) / tc
		if !pulses[i].High {
			if width != symbolLowTc {
				return ErrProtocol
			}
			continue
		}
		sym, ok := symbolValue(width)
		if !ok {
			break
		}
		if err := out.AppendBits(sym, 2); err != nil {
			return ErrProtocol
		}
	}
	return nil
}

// Transmit drives a pulse train onto the TX line, pacing each edge against
// the cycle counter. Edge times are computed from the train start so that
// polling overhead does not accumulate. The line is left high (carrier on).
func Transmit(line Line, p *PulseTrain) {
	start := line.Cycles()
	var target uint32
	for _, s := range p.pulses[:p.n] {
		line.SetTX(s.High)
		target += s.Cycles
		for line.Cycles()-start < target {
		}
	}
	line.SetTX(true)
}
