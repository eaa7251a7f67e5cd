package softphy

import (
	"github.com/ZaparooProject/go-uhf/internal/frame"
)

const (
	maxIntervals = 1 << 15
	maxUnits     = 1 << 15
)

// CaptureConfig bounds one reverse-link capture.
type CaptureConfig struct {
	// Half is the unit length in cycles.
	Half uint32
	// FirstEdge is the longest wait for the reply to start.
	FirstEdge uint32
	// PollBudget is the longest expected gap between two polls of the RX
	// line. A larger gap means sampling was delayed and a pulse may have been
	// missed.
	PollBudget uint32
}

// Capture holds the edge-to-edge intervals of one reply. The first interval
// starts at the first edge away from the idle level; the segment in progress
// when the line went quiet is not recorded.
type Capture struct {
	intervals [maxIntervals]uint32
	recovered [maxIntervals]bool
	n         int
	first     bool
	// Recoveries counts pulses synthesized by the missed-pulse rule.
	Recoveries int
}

// Reset empties the capture.
func (c *Capture) Reset() {
	c.n = 0
	c.first = false
	c.Recoveries = 0
}

// Len returns the number of recorded intervals.
func (c *Capture) Len() int {
	return c.n
}

// FirstLevel returns the line level of the first recorded interval.
func (c *Capture) FirstLevel() bool {
	return c.first
}

// Interval returns interval i and whether it was synthesized.
func (c *Capture) Interval(i int) (uint32, bool) {
	return c.intervals[i], c.recovered[i]
}

// Load replaces the capture with known intervals.
func (c *Capture) Load(first bool, intervals []uint32) error {
	c.Reset()
	c.first = first
	for _, iv := range intervals {
		if err := c.push(iv, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Capture) push(interval uint32, recovered bool) error {
	if c.n >= maxIntervals {
		return ErrProtocol
	}
	c.intervals[c.n] = interval
	c.recovered[c.n] = recovered
	c.n++
	return nil
}

// Run samples the RX line until the reply ends. It returns ErrNoResponse when
// no edge arrives within cfg.FirstEdge.
//
// If two polls are further apart than cfg.PollBudget and the level did not
// change although at least two units passed since the last edge, a short
// pulse was lost inside the gap. The elapsed time is split in half, an
// inverted pulse is synthesized for the second half and the segment in
// progress is measured from the reconstructed edge two units after the last
// one seen.
func (c *Capture) Run(line Line, cfg CaptureConfig) error {
	c.Reset()
	if cfg.Half == 0 {
		return ErrProtocol
	}

	start := line.Cycles()
	idle := line.RX()
	var edgeAt uint32
	level := idle
	for {
		lvl := line.RX()
		now := line.Cycles()
		if lvl != idle {
			edgeAt = now
			level = lvl
			break
		}
		if now-start > cfg.FirstEdge {
			return ErrNoResponse
		}
	}
	c.first = level

	end := cfg.Half * violationMax8 / 8
	missed := 2 * cfg.Half
	last := edgeAt
	for {
		lvl := line.RX()
		now := line.Cycles()
		since := now - edgeAt
		switch {
		case lvl != level:
			if err := c.push(since, false); err != nil {
				return err
			}
			edgeAt = now
			level = lvl
		case since > end:
			return nil
		case now-last > cfg.PollBudget && since >= missed:
			half := since / 2
			if err := c.push(half, false); err != nil {
				return err
			}
			if err := c.push(since-half, true); err != nil {
				return err
			}
			c.Recoveries++
			// The open segment started at the lost edge, two units in.
			edgeAt += missed
		}
		last = now
	}
}

// Decoder turns captured intervals into reply bits. Its unit buffer is reused
// across replies.
type Decoder struct {
	units [maxUnits]bool
	n     int
}

func (d *Decoder) append(level bool, count int) error {
	if d.n+count > maxUnits {
		return ErrProtocol
	}
	for range count {
		d.units[d.n] = level
		d.n++
	}
	return nil
}

// Decode recovers the reply bits carried by c and writes them to out,
// excluding preamble and stop bit.
func (d *Decoder) Decode(c *Capture, link Link, cycleHz uint32, out *frame.BitFrame) error {
	out.Reset()
	d.n = 0

	h := link.Half(cycleHz)
	if h == 0 || !link.Coding.Valid() {
		return ErrProtocol
	}
	need := link.LeadIn()
	if c.n < need {
		return ErrNoResponse
	}

	// Lead-in: count short intervals up to the first long one.
	level := c.first
	i := 0
	for ; i < c.n; i++ {
		iv, rec := c.Interval(i)
		u := classify(iv, h, false)
		if rec {
			u = classifyRecovered(iv, h)
		}
		if u != 1 {
			break
		}
		if err := d.append(level, 1); err != nil {
			return err
		}
		level = !level
	}
	if i < need || i == c.n {
		return ErrPreamble
	}

	// The first long interval fixes the preamble position.
	start := d.n
	if link.Coding != FM0 {
		start = d.n - (3*int(link.Coding) - 1)
	}
	if start < 0 {
		return ErrPreamble
	}

	for ; i < c.n; i++ {
		iv, rec := c.Interval(i)
		var u int
		if rec {
			u = classifyRecovered(iv, h)
		} else {
			u = classify(iv, h, d.mandatoryAfter(d.n, start, link))
		}
		if err := d.append(level, u); err != nil {
			return err
		}
		level = !level
	}

	// The open segment lasts to the next bit boundary, or a whole bit if the
	// last edge fell on one.
	bitUnits := link.BitUnits()
	pad := bitUnits - (d.n-start)%bitUnits
	if err := d.append(level, pad); err != nil {
		return err
	}

	if !d.preambleOK(start, link) {
		return ErrPreamble
	}

	dataStart := start + preambleBits*bitUnits
	nbits := (d.n - dataStart) / bitUnits
	if preambleBits+nbits < minFrameBits || nbits < 1 {
		return ErrNoResponse
	}
	if nbits-1 > frame.MaxFrameBits {
		return ErrProtocol
	}
	if !d.bit(dataStart+(nbits-1)*bitUnits, start, link) {
		return ErrStopBit
	}
	for b := range nbits - 1 {
		if err := out.AppendBit(d.bit(dataStart+b*bitUnits, start, link)); err != nil {
			return ErrProtocol
		}
	}
	return nil
}

// mandatoryAfter reports whether the bit structure forces a transition one
// unit after pos.
func (*Decoder) mandatoryAfter(pos, start int, link Link) bool {
	rel := pos + 1 - start
	if link.Coding == FM0 {
		return rel%2 == 0
	}
	return rel%int(link.Coding) != 0
}

// baseband removes the Miller subcarrier from unit u.
func (d *Decoder) baseband(u, start int) bool {
	return d.units[u] != ((u-start)&1 == 1)
}

// bit decodes the data bit starting at unit pos.
func (d *Decoder) bit(pos, start int, link Link) bool {
	if link.Coding == FM0 {
		return d.units[pos] == d.units[pos+1]
	}
	m := int(link.Coding)
	return d.baseband(pos, start) != d.baseband(pos+m, start)
}

func (d *Decoder) preambleOK(start int, link Link) bool {
	bitUnits := link.BitUnits()
	if start+preambleBits*bitUnits > d.n {
		return false
	}
	if link.Coding == FM0 {
		for k, want := range fm0Preamble {
			if d.units[start+k] != want {
				return false
			}
		}
		return true
	}
	for k, want := range millerPreamble {
		if d.bit(start+k*bitUnits, start, link) != want {
			return false
		}
	}
	return true
}

// EncodeReverse produces the unit run lengths of a tag reply carrying
// payload, starting with the first edge away from the idle (low) level. The
// final run is the level the line holds after the tag stops modulating.
func EncodeReverse(payload *frame.BitFrame, link Link, dst []uint8) ([]uint8, error) {
	if !link.Coding.Valid() {
		return dst[:0], ErrProtocol
	}
	var units []bool
	if link.Coding == FM0 {
		units = encodeFM0(payload, link)
	} else {
		units = encodeMiller(payload, link)
	}

	return runLengths(units, dst[:0]), nil
}

func runLengths(units []bool, dst []uint8) []uint8 {
	if len(units) == 0 {
		return dst
	}
	run := uint8(1)
	for k := 1; k < len(units); k++ {
		if units[k] == units[k-1] {
			run++
			continue
		}
		dst = append(dst, run)
		run = 1
	}
	return append(dst, run)
}

func encodeFM0(payload *frame.BitFrame, link Link) []bool {
	pilot := fm0Pilot
	if link.TRext {
		pilot = fm0PilotTRext
	}
	units := make([]bool, 0, 2*(pilot+preambleBits+payload.Len()+1))
	cur := false
	bit := func(one bool) {
		first := !cur
		second := first
		if !one {
			second = !first
		}
		units = append(units, first, second)
		cur = second
	}

	for range pilot {
		bit(false)
	}
	units = append(units, fm0Preamble[:]...)
	cur = fm0Preamble[len(fm0Preamble)-1]
	for k := range payload.Len() {
		bit(payload.Bit(k))
	}
	bit(true)
	return units
}

func encodeMiller(payload *frame.BitFrame, link Link) []bool {
	m := int(link.Coding)
	pilot := millerPilot
	if link.TRext {
		pilot = millerPilotExt
	}
	units := make([]bool, 0, 2*m*(pilot+preambleBits+payload.Len()+1))
	b := true
	emit := func(count int) {
		for range count {
			units = append(units, b != (len(units)&1 == 1))
		}
	}

	emit(2 * m * pilot)
	prev := true
	bit := func(one bool) {
		if !one && !prev {
			b = !b
		}
		emit(m)
		if one {
			b = !b
		}
		emit(m)
		prev = one
	}
	for _, p := range millerPreamble {
		bit(p)
	}
	for k := range payload.Len() {
		bit(payload.Bit(k))
	}
	bit(true)
	return units
}
