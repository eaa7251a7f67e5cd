// Package softphy implements the GB/T 29768 physical layer in software.
//
// The transceiver has no native modulation support for GB/T 29768, so the
// forward link is bit-banged as TPP pulse trains on the direct-mode TX line
// and the reverse link is recovered by timing RX edges against a monotonic
// cycle counter. Time on the reverse link is measured in units of half a
// backscatter subcarrier period (h = cycleHz / 2·BLF): an FM0 bit spans 2
// units and a Miller-M bit spans 2·M units.
package softphy

import "errors"

// Reverse link decode errors
var (
	ErrNoResponse = errors.New("no response")
	ErrPreamble   = errors.New("preamble error")
	ErrStopBit    = errors.New("stop bit error")
	ErrProtocol   = errors.New("protocol error")
)

// Coding is the reverse-link encoding. Miller values equal M.
type Coding uint8

// Reverse link encodings
const (
	FM0     Coding = 1
	Miller2 Coding = 2
	Miller4 Coding = 4
	Miller8 Coding = 8
)

func (c Coding) String() string {
	switch c {
	case FM0:
		return "FM0"
	case Miller2:
		return "Miller2"
	case Miller4:
		return "Miller4"
	case Miller8:
		return "Miller8"
	default:
		return "unknown"
	}
}

// Valid reports whether c is a supported coding.
func (c Coding) Valid() bool {
	return c == FM0 || c == Miller2 || c == Miller4 || c == Miller8
}

// Pilot lengths. FM0 pilots are counted in zero symbols, Miller pilots in
// subcarrier cycles per bit of M.
const (
	fm0Pilot       = 2
	fm0PilotTRext  = 12
	millerPilot    = 4
	millerPilotExt = 16
	preambleBits   = 6
	minFrameBits   = 9
)

// Classification thresholds in eighths of a unit.
const (
	shortMax8      = 12 // 1.5 units
	shortMaxTight8 = 14 // 1.75 units at mandatory-transition positions
	longMax8       = 20 // 2.5 units
	violationMax8  = 28 // 3.5 units; silence beyond this ends the frame
)

// millerPreamble is 010111, sent after a Miller pilot.
var millerPreamble = [preambleBits]bool{false, true, false, true, true, true}

// fm0Preamble is the unit-level FM0 preamble. The fifth symbol carries the
// phase violation, producing a 3-unit interval.
var fm0Preamble = [preambleBits * 2]bool{
	true, true, false, true, false, false,
	true, false, false, false, true, true,
}

// Link holds the reverse-link parameters announced in the last Query.
type Link struct {
	// BLF is the backscatter link frequency in Hz.
	BLF    uint32
	Coding Coding
	// TRext requests the extended pilot.
	TRext bool
}

// Half returns the duration of one unit in counter cycles.
func (l Link) Half(cycleHz uint32) uint32 {
	if l.BLF == 0 {
		return 0
	}
	return uint32(uint64(cycleHz) / (2 * uint64(l.BLF)))
}

// BitUnits returns the number of units in one data bit.
func (l Link) BitUnits() int {
	if l.Coding == FM0 {
		return 2
	}
	return 2 * int(l.Coding)
}

// LeadIn returns the number of short intervals that must precede the first
// long interval of a genuine reply.
func (l Link) LeadIn() int {
	if l.Coding == FM0 {
		if l.TRext {
			return 2 * fm0PilotTRext
		}
		return 2 * fm0Pilot
	}
	p := millerPilot
	if l.TRext {
		p = millerPilotExt
	}
	return 2 * int(l.Coding) * p
}

// BitDuration returns the duration of one data bit in counter cycles.
func (l Link) BitDuration(cycleHz uint32) uint32 {
	return l.Half(cycleHz) * uint32(l.BitUnits())
}

// classify converts an interval into a unit count. Intervals that started at
// a position where the next transition is mandatory are held to the tighter
// short window.
func classify(interval, h uint32, tight bool) int {
	if h == 0 {
		return 0
	}
	e := uint64(interval) * 8 / uint64(h)
	shortMax := uint64(shortMax8)
	if tight {
		shortMax = shortMaxTight8
	}
	switch {
	case e < shortMax:
		return 1
	case e < longMax8:
		return 2
	default:
		return 3
	}
}

// classifyRecovered rounds an interval synthesized by the missed-pulse rule.
func classifyRecovered(interval, h uint32) int {
	if h == 0 {
		return 0
	}
	u := int((interval + h/2) / h)
	return max(1, min(u, 2))
}
