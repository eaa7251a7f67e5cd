package testing

import (
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

// ErrTunerFault is returned by the tuner while a fault is injected.
var ErrTunerFault = errors.New("tuner fault")

// baseReflected is the reflected power of a matched antenna.
const baseReflected = 120

// TuneChannel finds a deterministic capacitor setting for the channel.
func (v *VirtualReader) TuneChannel(freqKHz uint32, algorithm uint8, antenna int) ([3]uint8, uint16, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return [3]uint8{}, 0, ErrClosed
	}
	v.stats.Tunes++
	if v.tuneFault {
		return [3]uint8{}, 0, ErrTunerFault
	}
	v.caps = [3]uint8{uint8(freqKHz / 250 % 32), uint8(antenna), algorithm}
	return v.caps, v.reflectedPower(antenna), nil
}

// ReflectedPower measures at the current setting.
func (v *VirtualReader) ReflectedPower() (uint16, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrClosed
	}
	return v.reflectedPower(v.antenna), nil
}

// Apply loads a capacitor setting.
func (v *VirtualReader) Apply(caps [3]uint8) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.stats.Applies++
	v.caps = caps
	return nil
}

// SetReflected overrides the reflected power seen on an antenna, as when
// something moves close to it.
func (v *VirtualReader) SetReflected(antenna int, power uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reflected[antenna] = power
}

// FailTuning makes every tuning search fail.
func (v *VirtualReader) FailTuning() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tuneFault = true
}

func (v *VirtualReader) reflectedPower(antenna int) uint16 {
	if p, ok := v.reflected[antenna]; ok {
		return p
	}
	return baseReflected + uint16(antenna)
}

// SelectAntenna switches the antenna port. Tags bound to another port drop
// out of the field.
func (v *VirtualReader) SelectAntenna(index int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if index < 0 || index >= v.config.Antennas {
		return fmt.Errorf("antenna %d of %d", index, v.config.Antennas)
	}
	if index != v.antenna {
		v.stats.AntennaMoves++
		for _, t := range v.tags {
			if t.Antenna >= 0 {
				t.powerDown()
			}
		}
	}
	v.antenna = index
	return nil
}

// Antennas returns the number of antenna ports.
func (v *VirtualReader) Antennas() int {
	return v.config.Antennas
}

// Antenna returns the selected port.
func (v *VirtualReader) Antenna() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.antenna
}

// Indicator counts activity changes and tag sightings.
type Indicator struct {
	mu     syncutil.Mutex
	active bool
	on     int
	seen   int
}

// SetActive records the activity state.
func (i *Indicator) SetActive(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if on && !i.active {
		i.on++
	}
	i.active = on
}

// TagSeen counts a sighting.
func (i *Indicator) TagSeen() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen++
}

// Active reports the last activity state.
func (i *Indicator) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// Seen returns the number of sightings.
func (i *Indicator) Seen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seen
}

// Activations returns how often the indicator was switched on.
func (i *Indicator) Activations() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.on
}
