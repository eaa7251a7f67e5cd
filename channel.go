// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uhf

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/regs"
)

// ChannelEntry is one hoppable frequency with its per-antenna tuning cache.
type ChannelEntry struct {
	Caps     [][3]uint8 `yaml:"caps,omitempty"`
	Baseline []uint16   `yaml:"baseline,omitempty"`
	Tuned    []bool     `yaml:"tuned,omitempty"`
	FreqKHz  uint32     `yaml:"freq_khz"`
}

// TunedFor reports whether the entry holds a capacitor setting for antenna.
func (e *ChannelEntry) TunedFor(antenna int) bool {
	return antenna >= 0 && antenna < len(e.Tuned) && e.Tuned[antenna]
}

func (e *ChannelEntry) setTuning(antenna int, caps [3]uint8, baseline uint16) {
	for len(e.Tuned) <= antenna {
		e.Tuned = append(e.Tuned, false)
		e.Caps = append(e.Caps, [3]uint8{})
		e.Baseline = append(e.Baseline, 0)
	}
	e.Tuned[antenna] = true
	e.Caps[antenna] = caps
	e.Baseline[antenna] = baseline
}

func (e ChannelEntry) clone() ChannelEntry {
	e.Caps = append([][3]uint8(nil), e.Caps...)
	e.Baseline = append([]uint16(nil), e.Baseline...)
	e.Tuned = append([]bool(nil), e.Tuned...)
	return e
}

// ChannelStore persists the channel list with its tuning cache. Failures are
// reported but never stop inventory.
type ChannelStore interface {
	LoadChannels() ([]ChannelEntry, error)
	SaveChannels(entries []ChannelEntry) error
}

// ChannelStatus describes the channel the field was raised on.
type ChannelStatus struct {
	Index   int
	FreqKHz uint32
	Antenna int
	// Busy counts channels skipped because LBT found them occupied.
	Busy int
	// Noise is the worst I+Q RSSI sum seen on the accepted channel, or -1
	// when LBT was skipped.
	Noise   int
	Tuned   bool
	Retuned bool
}

// ChannelController picks channels, listens before talking, locks the
// synthesizer and keeps the field within its allocation time.
type ChannelController struct {
	allocation Deadline
	ec         *EngineContext
	clock      Clock
	tuner      Tuner
	store      ChannelStore
	pll        *RetryConfig
	radio      radio
	next       int
	current    ChannelStatus
	active     bool
}

// NewChannelController creates a controller over the channels of ec. tuner
// and store may be nil.
func NewChannelController(ec *EngineContext, x Transceiver, clock Clock, tuner Tuner, store ChannelStore) *ChannelController {
	return &ChannelController{
		ec:    ec,
		radio: radio{x: x},
		clock: clock,
		tuner: tuner,
		store: store,
		pll:   DefaultRetryConfig(),
	}
}

// LoadTuning merges the tuning cache from the store into the profile by
// frequency.
func (c *ChannelController) LoadTuning() error {
	if c.store == nil {
		return nil
	}
	stored, err := c.store.LoadChannels()
	if err != nil {
		return fmt.Errorf("%w: load channels: %w", ErrConfig, err)
	}
	byFreq := make(map[uint32]ChannelEntry, len(stored))
	for _, e := range stored {
		byFreq[e.FreqKHz] = e
	}
	for i := range c.ec.Profile.Channels {
		if s, ok := byFreq[c.ec.Profile.Channels[i].FreqKHz]; ok {
			c.ec.Profile.Channels[i] = s.clone()
		}
	}
	return nil
}

// SkipLBT reports whether listen-before-talk is bypassed: it is disabled,
// the threshold admits any reading, or the probe offset is not reachable
// with the synthesizer reference.
func (c *ChannelController) SkipLBT() bool {
	lbt := c.ec.Profile.LBT
	refKHz := regs.PLLReferenceHz[c.ec.Profile.Reference] / 1000
	return !lbt.Enabled || lbt.Threshold >= 31 || lbt.OffsetKHz%refKHz != 0
}

// Select raises the field on the next usable channel for antenna. Channel
// failures wrap ErrChannelTimeout.
func (c *ChannelController) Select(ctx context.Context, antenna int) (ChannelStatus, error) {
	if err := c.Release(); err != nil {
		return ChannelStatus{}, err
	}
	channels := c.ec.Profile.Channels
	if len(channels) == 0 {
		return ChannelStatus{}, fmt.Errorf("%w: empty channel list", ErrConfig)
	}
	restrict := c.ec.Profile.TunedOnly && c.anyTuned(antenna)
	skipLBT := c.SkipLBT()

	status := ChannelStatus{Antenna: antenna, Noise: -1}
	for range channels {
		idx := c.next
		c.next = (c.next + 1) % len(channels)
		entry := &channels[idx]
		if restrict && !entry.TunedFor(antenna) {
			continue
		}

		if !skipLBT {
			noise, err := c.listen(ctx, entry.FreqKHz)
			if err != nil {
				return status, err
			}
			if noise > int(c.ec.Profile.LBT.Threshold) {
				Debugf("LBT: %d kHz busy (rssi %d)", entry.FreqKHz, noise)
				status.Busy++
				continue
			}
			status.Noise = noise
		}

		if err := c.lock(ctx, entry.FreqKHz); err != nil {
			return status, err
		}
		retuned, err := c.tune(idx, antenna)
		if err != nil {
			return status, err
		}
		if err := c.radio.setField(true); err != nil {
			return status, err
		}

		status.Index = idx
		status.FreqKHz = entry.FreqKHz
		status.Tuned = entry.TunedFor(antenna)
		status.Retuned = retuned
		c.current = status
		c.active = true
		c.allocation = NewDeadline(c.clock, c.ec.Profile.AllocationTime)
		return status, nil
	}
	return status, fmt.Errorf("%w: %w after %d busy channels", ErrChannelTimeout, ErrNoClearChannel, status.Busy)
}

func (c *ChannelController) anyTuned(antenna int) bool {
	for i := range c.ec.Profile.Channels {
		if c.ec.Profile.Channels[i].TunedFor(antenna) {
			return true
		}
	}
	return false
}

// listen returns the worse I+Q RSSI sum of the two probes beside freqKHz.
func (c *ChannelController) listen(ctx context.Context, freqKHz uint32) (int, error) {
	lbt := c.ec.Profile.LBT
	if err := c.clock.Sleep(ctx, lbt.IdleTime); err != nil {
		return 0, err
	}
	worst := 0
	for _, f := range [2]uint32{freqKHz - lbt.OffsetKHz, freqKHz + lbt.OffsetKHz} {
		if err := c.radio.setFrequency(c.ec.Profile.Reference, f); err != nil {
			return 0, err
		}
		if err := c.clock.Sleep(ctx, lbt.ListenTime); err != nil {
			return 0, err
		}
		rssi, err := c.radio.measureRSSI(ctx)
		if err != nil {
			return 0, err
		}
		worst = max(worst, rssi.Sum())
	}
	return worst, nil
}

func (c *ChannelController) lock(ctx context.Context, freqKHz uint32) error {
	if err := c.radio.setFrequency(c.ec.Profile.Reference, freqKHz); err != nil {
		return err
	}
	err := RetryWithConfig(ctx, c.pll, c.radio.pllLocked)
	if errors.Is(err, ErrPLLLock) {
		return fmt.Errorf("%w: %d kHz: %w", ErrChannelTimeout, freqKHz, err)
	}
	return err
}

// tune applies the cached capacitor setting and retunes when none exists or
// the reflected power drifted from its baseline.
func (c *ChannelController) tune(idx, antenna int) (bool, error) {
	if c.tuner == nil {
		return false, nil
	}
	entry := &c.ec.Profile.Channels[idx]
	if entry.TunedFor(antenna) {
		if err := c.tuner.Apply(entry.Caps[antenna]); err != nil {
			return false, NewTransceiverError("tuner apply", err, ErrorTypeTransient)
		}
		if c.ec.DriftThreshold == 0 {
			return false, nil
		}
		p, err := c.tuner.ReflectedPower()
		if err != nil {
			return false, NewTransceiverError("tuner reflected power", err, ErrorTypeTransient)
		}
		base := entry.Baseline[antenna]
		if max(p, base)-min(p, base) <= c.ec.DriftThreshold {
			return false, nil
		}
		Debugf("tuner: %d kHz antenna %d drifted %d -> %d", entry.FreqKHz, antenna, base, p)
	}

	caps, reflected, err := c.tuner.TuneChannel(entry.FreqKHz, c.ec.TuneAlgorithm, antenna)
	if err != nil {
		Debugf("tuner: %d kHz antenna %d: %v", entry.FreqKHz, antenna, err)
		return false, nil
	}
	entry.setTuning(antenna, caps, reflected)
	c.persist()
	return true, nil
}

func (c *ChannelController) persist() {
	if c.store == nil {
		return
	}
	if err := c.store.SaveChannels(c.ec.Profile.Channels); err != nil {
		Debugf("%v", fmt.Errorf("%w: save channels: %w", ErrConfig, err))
	}
}

// Current returns the channel of the raised field.
func (c *ChannelController) Current() (ChannelStatus, bool) {
	return c.current, c.active
}

// Expired reports whether the allocation time of the current channel ran
// out.
func (c *ChannelController) Expired() bool {
	return c.active && c.allocation.Expired()
}

// Release drops the field.
func (c *ChannelController) Release() error {
	if !c.active {
		return nil
	}
	c.active = false
	return c.radio.setField(false)
}
