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
	"errors"
	"math"
)

// SlotKind is the outcome of one anti-collision slot.
type SlotKind uint8

const (
	// SlotCollision means several tags answered, or a reply was garbled.
	SlotCollision SlotKind = iota
	// SlotEmpty means no tag answered.
	SlotEmpty
	// SlotTagFound means one tag was singulated and identified.
	SlotTagFound
)

func (k SlotKind) String() string {
	switch k {
	case SlotCollision:
		return "collision"
	case SlotEmpty:
		return "empty"
	case SlotTagFound:
		return "tag"
	default:
		return "unknown"
	}
}

// SlotOutcome is the result of one slot. Err holds the decode error behind
// a collision or an empty slot.
type SlotOutcome struct {
	Err  error
	Kind SlotKind
}

// outcomeOf maps a slot reply error to a slot outcome. A missing reply is an
// empty slot; any other decode failure is treated as overlapping replies.
func outcomeOf(err error) SlotOutcome {
	switch {
	case err == nil:
		return SlotOutcome{Kind: SlotTagFound}
	case errors.Is(err, ErrNoResponse):
		return SlotOutcome{Kind: SlotEmpty, Err: err}
	default:
		return SlotOutcome{Kind: SlotCollision, Err: err}
	}
}

// SlotCommand is the command that opens the next slot.
type SlotCommand uint8

const (
	// CommandRepeat advances to the next slot (QueryRep).
	CommandRepeat SlotCommand = iota
	// CommandSplit divides the replying group in two (GB Divide).
	CommandSplit
	// CommandBroaden spreads all tags over twice the slots (GB Disperse).
	CommandBroaden
	// CommandNarrow folds all tags into half the slots (GB Shrink).
	CommandNarrow
	// CommandAdjustUp raises Q (Gen2 QueryAdjust up).
	CommandAdjustUp
	// CommandAdjustDown lowers Q (Gen2 QueryAdjust down).
	CommandAdjustDown
)

func (c SlotCommand) String() string {
	switch c {
	case CommandRepeat:
		return "repeat"
	case CommandSplit:
		return "split"
	case CommandBroaden:
		return "broaden"
	case CommandNarrow:
		return "narrow"
	case CommandAdjustUp:
		return "adjust-up"
	case CommandAdjustDown:
		return "adjust-down"
	default:
		return "unknown"
	}
}

// maxBudget caps the exploration budget so a run of collisions cannot
// overflow it.
const maxBudget = 1 << 10

// AntiCollisionState holds the counters of one round. It is reset at round
// start and never shared between rounds.
type AntiCollisionState struct {
	cfg             AntiCollisionConfig
	CollisionStreak int
	IdleStreak      int
	// Budget is the exploration budget: outstanding tree slots for
	// GB/T 29768, slots left in the frame for Gen2.
	Budget int
	// Q is the Gen2 slot-count exponent.
	Q int
	// Slots counts the slots run so far.
	Slots int
	qfp   float64
}

// Done reports whether the round has run out of budget or hit the slot cap.
func (s *AntiCollisionState) Done() bool {
	return s.Budget <= 0 || s.Slots >= MaxSlotsPerRound
}

// SlotStrategy chooses the next slot command from the last outcome.
type SlotStrategy interface {
	// Reset prepares s for a new round.
	Reset(s *AntiCollisionState, cfg AntiCollisionConfig)
	// Next records outcome and returns the command for the next slot.
	Next(s *AntiCollisionState, outcome SlotKind) SlotCommand
}

// TreeStrategy is the GB/T 29768 tree walk. Collisions split the replying
// group until the collision streak reaches its limit, then the whole
// population is broadened. Empty slots advance until the idle streak reaches
// its limit, then the population is narrowed.
type TreeStrategy struct{}

// Reset implements SlotStrategy.
func (TreeStrategy) Reset(s *AntiCollisionState, cfg AntiCollisionConfig) {
	*s = AntiCollisionState{cfg: cfg, Budget: min(cfg.InitialBudget, maxBudget)}
}

// Next implements SlotStrategy.
func (TreeStrategy) Next(s *AntiCollisionState, outcome SlotKind) SlotCommand {
	s.Slots++
	switch outcome {
	case SlotCollision:
		s.IdleStreak = 0
		s.CollisionStreak++
		if s.CollisionStreak < s.cfg.CollisionStreakLimit {
			s.Budget = min(s.Budget+1, maxBudget)
			return CommandSplit
		}
		s.CollisionStreak = 0
		s.Budget = min(max(2*s.Budget, 1), maxBudget)
		return CommandBroaden
	case SlotEmpty:
		s.CollisionStreak = 0
		s.IdleStreak++
		if s.IdleStreak < s.cfg.IdleStreakLimit {
			s.Budget--
			return CommandRepeat
		}
		s.IdleStreak = 0
		s.Budget /= 2
		return CommandNarrow
	default:
		s.CollisionStreak = 0
		s.IdleStreak = 0
		s.Budget--
		return CommandRepeat
	}
}

// QStrategy is the Gen2 slot-count algorithm. A floating Qfp moves up by C
// on collisions and down by C on empty slots; when its rounded value leaves
// Q, Q follows by one step with a QueryAdjust and the frame restarts with
// 2^Q slots.
type QStrategy struct {
	C        float64
	InitialQ int
}

// Reset implements SlotStrategy.
func (st QStrategy) Reset(s *AntiCollisionState, cfg AntiCollisionConfig) {
	q := min(max(st.InitialQ, 0), 15)
	*s = AntiCollisionState{cfg: cfg, Q: q, qfp: float64(q), Budget: 1 << q}
}

// Next implements SlotStrategy.
func (st QStrategy) Next(s *AntiCollisionState, outcome SlotKind) SlotCommand {
	s.Slots++
	switch outcome {
	case SlotCollision:
		s.IdleStreak = 0
		s.CollisionStreak++
		s.qfp = math.Min(15, s.qfp+st.C)
	case SlotEmpty:
		s.CollisionStreak = 0
		s.IdleStreak++
		s.qfp = math.Max(0, s.qfp-st.C)
	default:
		s.CollisionStreak = 0
		s.IdleStreak = 0
	}

	target := int(math.Round(s.qfp))
	switch {
	case target > s.Q:
		s.Q++
		s.Budget = 1 << s.Q
		return CommandAdjustUp
	case target < s.Q:
		s.Q--
		s.Budget = 1 << s.Q
		return CommandAdjustDown
	default:
		s.Budget--
		return CommandRepeat
	}
}

// RoundStats accumulates the outcomes of one round.
type RoundStats struct {
	Collisions int
	Empty      int
	Found      int
	rssiSum    int
}

func (r *RoundStats) add(kind SlotKind, rssi RSSI) {
	switch kind {
	case SlotCollision:
		r.Collisions++
	case SlotEmpty:
		r.Empty++
	case SlotTagFound:
		r.Found++
		r.rssiSum += rssi.Sum()
	}
}

// Slots returns the number of slots in the round.
func (r RoundStats) Slots() int {
	return r.Collisions + r.Empty + r.Found
}

// MeanRSSI returns the mean I+Q RSSI sum of the tags found.
func (r RoundStats) MeanRSSI() float64 {
	if r.Found == 0 {
		return 0
	}
	return float64(r.rssiSum) / float64(r.Found)
}
