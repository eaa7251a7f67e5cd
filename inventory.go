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
	"iter"
)

// EventMask flags what a SlotEvent reports.
type EventMask uint16

// Event flags
const (
	// EventSlot marks a slot outcome; Kind and Command are valid.
	EventSlot EventMask = 1 << iota
	// EventTIDRead marks a found tag whose TID was read inline.
	EventTIDRead
	// EventTIDFailed marks a found tag whose TID read failed; see Tag.TIDErr.
	EventTIDFailed
	// EventRoundEnd closes a round; Stats is valid.
	EventRoundEnd
	// EventChannelTimeout marks a round skipped for lack of a channel.
	EventChannelTimeout
	// EventChannelSelected marks the first slot on a freshly selected
	// channel.
	EventChannelSelected
	// EventAntennaChanged marks the first slot after antenna rotation.
	EventAntennaChanged
	// EventError carries an error that stopped the inventory.
	EventError
)

// SlotEvent is one step of an inventory.
type SlotEvent struct {
	Err     error
	Tag     *Tag
	Stats   *RoundStats
	Channel ChannelStatus
	Round   int
	Slot    int
	Mask    EventMask
	Kind    SlotKind
	// Command is the command chosen to open the next slot.
	Command SlotCommand
}

// Has reports whether every flag in m is set.
func (e SlotEvent) Has(m EventMask) bool {
	return e.Mask&m == m
}

// InventoryOptions tunes RunInventory.
type InventoryOptions struct {
	// Continue is polled between slots and rounds. Returning false stops
	// the inventory after the current slot.
	Continue func() bool
	// ReadTID reads the TID of every found tag inside its slot.
	ReadTID bool
}

// RunInventory runs rounds inventory rounds of protocol p and yields every
// slot as it completes. rounds <= 0 runs until ctx is done, Continue
// returns false or the caller stops ranging.
//
// Each round holds a channel selected by the channel controller; a round
// that cannot get one is reported with EventChannelTimeout and skipped. The
// field is dropped when the sequence ends. The Reader is locked while the
// sequence is ranged over.
func (r *Reader) RunInventory(ctx context.Context, rounds int, p Protocol, opts InventoryOptions) iter.Seq[SlotEvent] {
	return func(yield func(SlotEvent) bool) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if err := r.openLocked(ctx, p); err != nil {
			yield(SlotEvent{Mask: EventError, Err: err})
			return
		}
		if r.indicator != nil {
			r.indicator.SetActive(true)
			defer r.indicator.SetActive(false)
		}
		defer func() {
			if err := r.channels.Release(); err != nil {
				Debugf("release after inventory: %v", err)
			}
		}()

		inv := inventoryRun{r: r, opts: opts, yield: yield, strat: r.session.strategy()}
		for n := 0; rounds <= 0 || n < rounds; n++ {
			if !inv.round(ctx, n) {
				return
			}
		}
	}
}

// Inventory runs rounds of protocol p and returns each tag found, once per
// identifier, in order of first sight.
func (r *Reader) Inventory(ctx context.Context, rounds int, p Protocol, readTID bool) ([]*Tag, error) {
	if rounds <= 0 {
		rounds = 1
	}
	var tags []*Tag
	seen := make(map[string]int)
	for ev := range r.RunInventory(ctx, rounds, p, InventoryOptions{ReadTID: readTID}) {
		if ev.Has(EventError) {
			return tags, ev.Err
		}
		if ev.Tag == nil {
			continue
		}
		key := ev.Tag.IDHex()
		if i, ok := seen[key]; ok {
			if ev.Tag.TID != nil {
				tags[i] = ev.Tag
			}
			continue
		}
		seen[key] = len(tags)
		tags = append(tags, ev.Tag)
	}
	return tags, ctx.Err()
}

type inventoryRun struct {
	r     *Reader
	strat SlotStrategy
	yield func(SlotEvent) bool
	opts  InventoryOptions
}

func (inv *inventoryRun) more(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return inv.opts.Continue == nil || inv.opts.Continue()
}

func (inv *inventoryRun) dualTarget() bool {
	if inv.r.session.protocol() == ProtocolGB29768 {
		return inv.r.ec.GB.DualTarget
	}
	return inv.r.ec.Gen2.DualTarget
}

// rotate moves to the next antenna every RotateEvery rounds.
func (inv *inventoryRun) rotate(n int) (bool, error) {
	r := inv.r
	every := r.ec.RotateEvery
	if every <= 0 || n == 0 || n%every != 0 || r.antennas == nil || r.antennas.Antennas() < 2 {
		return false, nil
	}
	next := (r.antenna + 1) % r.antennas.Antennas()
	Debugf("round %d: rotating to antenna %d", n, next)
	return true, r.useAntenna(next)
}

// round runs one round and reports whether the inventory goes on.
func (inv *inventoryRun) round(ctx context.Context, n int) bool {
	r := inv.r
	if err := ctx.Err(); err != nil {
		inv.yield(SlotEvent{Round: n, Mask: EventError, Err: err})
		return false
	}

	var mask EventMask
	changed, err := inv.rotate(n)
	if err != nil {
		inv.yield(SlotEvent{Round: n, Mask: EventError, Err: err})
		return false
	}
	if changed {
		mask |= EventAntennaChanged
	}

	ch, selected, err := r.ensureChannel(ctx)
	if err != nil {
		if IsChannelTimeout(err) {
			Debugf("round %d skipped: %v", n, err)
			ev := SlotEvent{Round: n, Mask: mask | EventRoundEnd | EventChannelTimeout, Err: err, Stats: &RoundStats{}}
			return inv.yield(ev) && inv.more(ctx)
		}
		inv.yield(SlotEvent{Round: n, Mask: EventError, Err: err})
		return false
	}
	if selected {
		mask |= EventChannelSelected
	}

	var st AntiCollisionState
	inv.strat.Reset(&st, r.ec.AntiCollision)
	stats := &RoundStats{}
	q := roundQuery{Target: inv.dualTarget() && n%2 == 1}

	var roundErr error
	more := true
	out, err := r.session.beginRound(ctx, &st, q)
	for {
		if err != nil {
			if IsFatal(err) || ctx.Err() != nil {
				inv.yield(SlotEvent{Round: n, Slot: st.Slots, Mask: EventError, Err: err})
				return false
			}
			Debugf("round %d ended early: %v", n, err)
			roundErr = err
			break
		}

		ev := SlotEvent{Round: n, Slot: st.Slots, Kind: out.Kind, Err: out.Err, Mask: mask | EventSlot, Channel: ch}
		mask = 0
		if out.Kind == SlotTagFound {
			inv.found(ctx, &ev)
		}
		stats.add(out.Kind, r.work.RSSI)
		ev.Command = inv.strat.Next(&st, out.Kind)
		if !inv.yield(ev) {
			return false
		}
		if st.Done() || r.channels.Expired() {
			break
		}
		if more = inv.more(ctx); !more {
			break
		}
		out, err = r.session.slot(ctx, &st, ev.Command)
	}

	end := SlotEvent{Round: n, Slot: st.Slots, Mask: EventRoundEnd, Stats: stats, Channel: ch, Err: roundErr}
	if !inv.yield(end) || !more {
		return false
	}
	return inv.more(ctx)
}

// found completes the event of a singulated tag.
func (inv *inventoryRun) found(ctx context.Context, ev *SlotEvent) {
	r := inv.r
	if inv.opts.ReadTID && r.ec.Access.TIDWords > 0 {
		if err := r.readTID(ctx, r.ec.Access.TIDWords); err != nil {
			Debugf("TID of %s: %v", r.work.IDHex(), err)
			ev.Mask |= EventTIDFailed
		} else {
			ev.Mask |= EventTIDRead
		}
	}
	if r.indicator != nil {
		r.indicator.TagSeen()
	}
	ev.Tag = r.work.Clone()
}
