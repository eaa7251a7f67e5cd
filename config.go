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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZaparooProject/go-uhf/internal/regs"
	"github.com/ZaparooProject/go-uhf/internal/softphy"
	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

// LBTConfig configures listen-before-talk.
type LBTConfig struct {
	Enabled bool `yaml:"enabled"`
	// Threshold is the highest I+Q RSSI sum at which a channel counts as
	// clear. 31 disables the check.
	Threshold uint8 `yaml:"threshold"`
	// ListenTime is the measurement window on each side of the channel.
	ListenTime time.Duration `yaml:"listen_time"`
	// IdleTime is waited before listening.
	IdleTime time.Duration `yaml:"idle_time"`
	// OffsetKHz is the distance of the two probe frequencies from the
	// channel. It must be a multiple of the synthesizer reference.
	OffsetKHz uint32 `yaml:"offset_khz"`
}

// Profile is a regulatory channel plan.
type Profile struct {
	Name     string         `yaml:"name"`
	Channels []ChannelEntry `yaml:"channels"`
	LBT      LBTConfig      `yaml:"lbt"`
	// AllocationTime is how long the field may stay on one channel.
	AllocationTime time.Duration `yaml:"allocation_time"`
	// Reference indexes regs.PLLReferenceHz.
	Reference uint8 `yaml:"reference"`
	// TunedOnly restricts hopping to channels tuned for the antenna.
	TunedOnly bool `yaml:"tuned_only"`
}

// Gen2Config holds the Query parameters of Gen2 rounds.
type Gen2Config struct {
	Session uint8 `yaml:"session"`
	Target  bool  `yaml:"target"`
	// DualTarget alternates the inventoried flag target every round.
	DualTarget bool     `yaml:"dual_target"`
	Sel        gen2.Sel `yaml:"sel"`
	InitialQ   uint8    `yaml:"initial_q"`
	// C is the Q adjustment step, typically 0.1 to 0.5.
	C     float64     `yaml:"c"`
	M     gen2.Coding `yaml:"m"`
	TRext bool        `yaml:"trext"`
	// DR selects the 64/3 divide ratio.
	DR bool `yaml:"dr"`
	// BLFCode indexes regs.BLFCodes.
	BLFCode uint8 `yaml:"blf_code"`
}

// GBConfig holds the link parameters of GB/T 29768 rounds.
type GBConfig struct {
	Session uint8 `yaml:"session"`
	Target  bool  `yaml:"target"`
	// DualTarget alternates the inventoried flag target every round.
	DualTarget bool              `yaml:"dual_target"`
	Condition  gb29768.Condition `yaml:"condition"`
	// BLFCode indexes regs.BLFCodes.
	BLFCode uint8          `yaml:"blf_code"`
	Coding  gb29768.Coding `yaml:"coding"`
	TRext   bool           `yaml:"trext"`
	// Tc is the forward-link TPP unit.
	Tc time.Duration `yaml:"tc"`
	// FirstEdge bounds the wait for a reply to start.
	FirstEdge time.Duration `yaml:"first_edge"`
	// PollBudget is the expected worst-case time between two RX samples.
	// Longer gaps trigger missed-pulse recovery.
	PollBudget time.Duration `yaml:"poll_budget"`
}

// Link returns the reverse-link parameters.
func (c GBConfig) Link() softphy.Link {
	return softphy.Link{BLF: regs.BLFCodes[c.BLFCode], Coding: softphy.Coding(c.Coding), TRext: c.TRext}
}

// AntiCollisionConfig holds the slot controller thresholds.
type AntiCollisionConfig struct {
	CollisionStreakLimit int `yaml:"collision_streak_limit"`
	IdleStreakLimit      int `yaml:"idle_streak_limit"`
	InitialBudget        int `yaml:"initial_budget"`
}

// AccessConfig holds the tag access retry policy.
type AccessConfig struct {
	Retries         int           `yaml:"retries"`
	AmbiguousWindow time.Duration `yaml:"ambiguous_window"`
	GuardInterval   time.Duration `yaml:"guard_interval"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	// TIDWords is the number of TID words read inline during inventory.
	TIDWords uint8 `yaml:"tid_words"`
}

// EngineContext is the complete engine configuration. It is owned by the
// Reader and handed to each controller.
type EngineContext struct {
	Profile       Profile             `yaml:"profile"`
	Gen2          Gen2Config          `yaml:"gen2"`
	GB            GBConfig            `yaml:"gb29768"`
	AntiCollision AntiCollisionConfig `yaml:"anticollision"`
	Access        AccessConfig        `yaml:"access"`
	// Antenna is the antenna used when rotation is off.
	Antenna int `yaml:"antenna"`
	// RotateEvery moves to the next antenna after this many rounds; 0 keeps
	// the antenna.
	RotateEvery int `yaml:"rotate_every"`
	// TuneAlgorithm is passed to the tuner.
	TuneAlgorithm uint8 `yaml:"tune_algorithm"`
	// DriftThreshold is the reflected power change that triggers a retune.
	DriftThreshold uint16 `yaml:"drift_threshold"`
}

// DefaultEngineContext returns a China 920-925 MHz plan with Gen2 and
// GB/T 29768 link settings that every supported board can run.
func DefaultEngineContext() *EngineContext {
	channels := make([]ChannelEntry, 0, 16)
	for f := uint32(920_625); f <= 924_375; f += 250 {
		channels = append(channels, ChannelEntry{FreqKHz: f})
	}
	return &EngineContext{
		Profile: Profile{
			Name:     "CN920",
			Channels: channels,
			LBT: LBTConfig{
				Threshold:  31,
				ListenTime: time.Millisecond,
				IdleTime:   100 * time.Microsecond,
				OffsetKHz:  250,
			},
			AllocationTime: 400 * time.Millisecond,
			Reference:      0,
		},
		Gen2: Gen2Config{
			Session:    1,
			DualTarget: true,
			InitialQ:   4,
			C:          0.3,
			M:          gen2.CodingMiller4,
			BLFCode:    4,
		},
		GB: GBConfig{
			Session:    0,
			DualTarget: true,
			Condition:  gb29768.ConditionAll,
			BLFCode:    5,
			Coding:     gb29768.CodingMiller2,
			TRext:      true,
			Tc:         6250 * time.Nanosecond,
			FirstEdge:  100 * time.Microsecond,
			PollBudget: 400 * time.Nanosecond,
		},
		AntiCollision: AntiCollisionConfig{
			CollisionStreakLimit: 3,
			IdleStreakLimit:      3,
			InitialBudget:        4,
		},
		Access: AccessConfig{
			Retries:         DefaultAccessRetries,
			AmbiguousWindow: DefaultAmbiguousWindow,
			GuardInterval:   DefaultGuardInterval,
			ReplyTimeout:    DefaultReplyTimeout,
			TIDWords:        6,
		},
		DriftThreshold: 64,
	}
}

// LoadConfig reads a YAML engine configuration. Fields missing from the file
// keep their defaults.
func LoadConfig(path string) (*EngineContext, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML engine configuration over the defaults.
func ParseConfig(data []byte) (*EngineContext, error) {
	ec := DefaultEngineContext()
	if err := yaml.Unmarshal(data, ec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := ec.Validate(); err != nil {
		return nil, err
	}
	return ec, nil
}

// Validate checks value ranges.
func (ec *EngineContext) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	p := ec.Profile
	check(len(p.Channels) > 0, "profile has no channels")
	check(p.LBT.Threshold <= 31, "LBT threshold %d above 31", p.LBT.Threshold)
	check(int(p.Reference) < len(regs.PLLReferenceHz), "PLL reference index %d", p.Reference)
	check(p.AllocationTime > 0, "allocation time must be positive")

	ac := ec.AntiCollision
	check(ac.CollisionStreakLimit >= 1, "collision streak limit %d below 1", ac.CollisionStreakLimit)
	check(ac.IdleStreakLimit >= 1, "idle streak limit %d below 1", ac.IdleStreakLimit)
	check(ac.InitialBudget >= 1, "initial budget %d below 1", ac.InitialBudget)

	check(ec.Gen2.InitialQ <= gen2.MaxQ, "initial Q %d above %d", ec.Gen2.InitialQ, gen2.MaxQ)
	check(ec.Gen2.C > 0 && ec.Gen2.C <= 1, "Q step %v outside (0, 1]", ec.Gen2.C)
	check(ec.Gen2.Session <= 3 && ec.GB.Session <= 3, "session above S3")
	check(int(ec.Gen2.BLFCode) < len(regs.BLFCodes), "Gen2 BLF code %d", ec.Gen2.BLFCode)
	check(int(ec.GB.BLFCode) < len(regs.BLFCodes), "GB BLF code %d", ec.GB.BLFCode)
	check(softphy.Coding(ec.GB.Coding).Valid(), "GB coding %d", ec.GB.Coding)
	check(ec.GB.Tc > 0, "TPP unit must be positive")

	check(ec.Access.Retries >= 1, "access retries %d below 1", ec.Access.Retries)
	check(ec.Antenna >= 0 && ec.RotateEvery >= 0, "negative antenna settings")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy.
func (ec *EngineContext) Clone() *EngineContext {
	c := *ec
	c.Profile.Channels = make([]ChannelEntry, len(ec.Profile.Channels))
	for i := range ec.Profile.Channels {
		c.Profile.Channels[i] = ec.Profile.Channels[i].clone()
	}
	return &c
}

// cycles converts d into counter cycles at hz.
func cycles(d time.Duration, hz uint32) uint32 {
	return uint32(uint64(d) * uint64(hz) / uint64(time.Second))
}
