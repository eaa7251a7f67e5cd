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

package polling

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-uhf"
)

// SleepRecoveryConfig configures automatic recovery after host sleep/wake
type SleepRecoveryConfig struct {
	// Enabled enables sleep detection and recovery attempts
	Enabled bool

	// TimeDiscontinuityThreshold is the minimum elapsed time beyond the expected
	// poll interval that indicates a sleep occurred. Default: 2 seconds
	TimeDiscontinuityThreshold time.Duration

	// MaxRecoveryAttempts is the number of recovery attempts before
	// treating as a fatal error. Default: 3
	MaxRecoveryAttempts int

	// RecoveryBackoff is the delay between recovery attempts
	RecoveryBackoff time.Duration
}

// DefaultSleepRecoveryConfig returns sensible defaults for sleep recovery
func DefaultSleepRecoveryConfig() SleepRecoveryConfig {
	return SleepRecoveryConfig{
		Enabled:                    true,
		TimeDiscontinuityThreshold: 2 * time.Second,
		MaxRecoveryAttempts:        3,
		RecoveryBackoff:            500 * time.Millisecond,
	}
}

// DetectSleep checks if the elapsed time since last poll indicates a system sleep.
// Returns true if elapsed time exceeds (pollInterval + TimeDiscontinuityThreshold).
func (cfg SleepRecoveryConfig) DetectSleep(elapsed, pollInterval time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	expectedMax := pollInterval + cfg.TimeDiscontinuityThreshold
	return elapsed > expectedMax
}

// Config holds polling configuration options
type Config struct {
	// Protocol is inventoried on every poll.
	Protocol uhf.Protocol
	// PollInterval is the pause between two polls while tags are around.
	PollInterval time.Duration
	// IdleInterval replaces PollInterval once no tag was seen for IdleAfter.
	IdleInterval time.Duration
	IdleAfter    time.Duration
	// TagRemovalTimeout is how long a tag may go unseen before it departs.
	TagRemovalTimeout time.Duration
	// RoundsPerPoll is the number of inventory rounds of one poll. Two
	// rounds cover both inventoried flag targets.
	RoundsPerPoll int
	// MaxConsecutiveErrors failed polls in a row trigger recovery.
	MaxConsecutiveErrors int
	// ReadTID reads the TID of every tag inline.
	ReadTID bool
	// SleepRecovery configures automatic recovery after host sleep/wake cycles
	SleepRecovery SleepRecoveryConfig
}

// DefaultConfig returns the default polling configuration
func DefaultConfig() *Config {
	return &Config{
		Protocol:             uhf.ProtocolGen2,
		PollInterval:         100 * time.Millisecond,
		IdleInterval:         500 * time.Millisecond,
		IdleAfter:            5 * time.Second,
		TagRemovalTimeout:    time.Second,
		RoundsPerPoll:        2,
		MaxConsecutiveErrors: 3,
		SleepRecovery:        DefaultSleepRecoveryConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.TagRemovalTimeout <= c.PollInterval {
		errs = append(errs, fmt.Errorf("removal timeout %v not above poll interval %v",
			c.TagRemovalTimeout, c.PollInterval))
	}
	if c.RoundsPerPoll < 1 {
		errs = append(errs, fmt.Errorf("rounds per poll %d below 1", c.RoundsPerPoll))
	}
	if c.MaxConsecutiveErrors < 1 {
		errs = append(errs, fmt.Errorf("max consecutive errors %d below 1", c.MaxConsecutiveErrors))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: polling: %w", uhf.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// interval returns the pause after a poll, given the time since the last
// sighting of any tag.
func (c *Config) interval(sinceLastTag time.Duration) time.Duration {
	if c.IdleInterval > 0 && c.IdleAfter > 0 && sinceLastTag > c.IdleAfter {
		return c.IdleInterval
	}
	return c.PollInterval
}
