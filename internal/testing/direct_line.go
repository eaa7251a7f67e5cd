package testing

import (
	"sort"
	"time"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/regs"
	"github.com/ZaparooProject/go-uhf/internal/softphy"
	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
)

const (
	// leadTc is the width of the forward-link lead pulse in Tc.
	leadTc = 4
	// burstGap is the silence in units between an RF burst and the reply it
	// covered.
	burstGap = 24
	// tagT1 is the tag turnaround after the end of a command.
	tagT1 = 20 * time.Microsecond
)

// directLine records the pulses driven on the TX line and plays tag replies
// back as edge lists on the RX line.
type directLine struct {
	pulses []softphy.Pulse
	waves  [][]uint64
	runs   []uint8
	cmd    frame.BitFrame
	link   softphy.Link
	edge   uint64
	tc     uint32
	active bool
	tx     bool
}

// EnterDirectMode hands the modulator to the TX line. The carrier is on.
func (v *VirtualReader) EnterDirectMode() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.line.active = true
	v.line.tx = true
	v.line.edge = v.abs
	v.line.pulses = v.line.pulses[:0]
	v.line.tc = 0
	return nil
}

// ExitDirectMode returns to the native protocol engine.
func (v *VirtualReader) ExitDirectMode() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.line.active = false
	v.line.pulses = v.line.pulses[:0]
	v.line.waves = nil
	return nil
}

// SetTX drives the modulation line.
func (v *VirtualReader) SetTX(high bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	l := &v.line
	if !l.active || high == l.tx {
		return
	}
	v.txSegment(l.tx, uint32(v.abs-l.edge))
	l.tx = high
	l.edge = v.abs
}

// RX samples the demodulated backscatter.
func (v *VirtualReader) RX() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	l := &v.line
	if len(l.pulses) > 0 {
		v.flushForward()
	}
	now := v.abs
	for _, edges := range l.waves {
		n := sort.Search(len(edges), func(i int) bool { return edges[i] > now })
		if n%2 == 1 {
			return true
		}
	}
	return false
}

// Cycles returns the counter and advances it by one poll.
func (v *VirtualReader) Cycles() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.abs += uint64(v.config.PollCost)
	return uint32(v.abs - v.base)
}

// ResetCycles zeroes the counter.
func (v *VirtualReader) ResetCycles() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.base = v.abs
}

// CycleFrequency returns the counter frequency.
func (v *VirtualReader) CycleFrequency() uint32 {
	return v.config.CycleHz
}

// txSegment takes one closed TX segment. The unit length is calibrated
// from the lead pulse; a high segment that is no symbol ends the frame.
func (v *VirtualReader) txSegment(high bool, cycles uint32) {
	l := &v.line
	p := softphy.Pulse{High: high, Cycles: cycles}
	switch {
	case len(l.pulses) == 0:
		if high {
			return
		}
		l.waves = l.waves[:0]
	case high && l.tc == 0:
		l.tc = cycles / leadTc
		if l.tc == 0 {
			l.pulses = l.pulses[:0]
			return
		}
	case high:
		if w := (cycles + l.tc/2) / l.tc; w < 1 || w > leadTc {
			v.flushForward()
			return
		}
	}
	l.pulses = append(l.pulses, p)
}

// flushForward decodes the recorded command and schedules the replies of
// the GB/T 29768 tags in the field.
func (v *VirtualReader) flushForward() {
	l := &v.line
	pulses := l.pulses
	l.pulses = l.pulses[:0]
	l.tc = 0
	end := l.edge
	v.stats.Frames++
	if !v.fieldOn() || v.regs[regs.ProtocolControl]&regs.ProtocolDirectMode == 0 {
		return
	}
	if err := softphy.DecodeForward(pulses, &l.cmd); err != nil {
		return
	}
	cmd, err := gb29768.ParseCommand(&l.cmd)
	if err != nil {
		return
	}
	if cmd.Code == gb29768.CodeQuery && int(cmd.Query.BLFCode) < len(regs.BLFCodes) {
		l.link = softphy.Link{
			BLF:    regs.BLFCodes[cmd.Query.BLFCode],
			Coding: softphy.Coding(cmd.Query.Coding),
			TRext:  cmd.Query.TRext,
		}
	}
	half := uint64(l.link.Half(v.config.CycleHz))
	writes := cmd.Code == gb29768.CodeWrite || cmd.Code == gb29768.CodeErase || cmd.Code == gb29768.CodeLock

	start := end + v.toCycles(tagT1)
	for _, t := range v.tags {
		if t.Protocol != TagGB29768 || !v.visible(t) {
			continue
		}
		if !t.handleGB(cmd, v.rng, &v.out) || half == 0 {
			continue
		}
		if writes && v.loseWrites > 0 {
			v.loseWrites--
			continue
		}
		runs, err := softphy.EncodeReverse(&v.out, l.link, l.runs)
		if err != nil {
			continue
		}
		l.runs = runs
		at := start
		if writes && v.burstWrites > 0 {
			v.burstWrites--
			at = v.addBurst(start, half)
		}
		l.waves = append(l.waves, replyEdges(at, runs, half))
		v.regs[regs.RSSI] = t.RSSI
	}
}

// addBurst plays a pilot-like run of short pulses that never reaches a
// preamble, and returns when the covered reply starts.
func (v *VirtualReader) addBurst(start, half uint64) uint64 {
	n := v.line.link.LeadIn() + 2
	n += n % 2
	edges := make([]uint64, n)
	for i := range edges {
		edges[i] = start + uint64(i)*half
	}
	v.line.waves = append(v.line.waves, edges)
	return start + uint64(n+burstGap)*half
}

// replyEdges converts unit runs into absolute edge times. The line rises at
// start; the last run is held.
func replyEdges(start uint64, runs []uint8, half uint64) []uint64 {
	edges := make([]uint64, 0, len(runs))
	at := start
	edges = append(edges, at)
	for _, r := range runs[:len(runs)-1] {
		at += uint64(r) * half
		edges = append(edges, at)
	}
	return edges
}
