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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf"
)

func TestPresence_SightAndExpire(t *testing.T) {
	t.Parallel()

	p := newPresence()
	t0 := time.Unix(1_700_000_000, 0)
	a := &uhf.Tag{Protocol: uhf.ProtocolGen2, ID: []byte{0xAA, 0x01}, TID: []byte{0xE2, 0x80}}
	b := &uhf.Tag{Protocol: uhf.ProtocolGB29768, ID: []byte{0xAA, 0x01}}

	assert.True(t, p.sight(a, t0))
	assert.True(t, p.sight(b, t0), "same ID on another protocol is another tag")
	assert.False(t, p.sight(&uhf.Tag{Protocol: uhf.ProtocolGen2, ID: []byte{0xAA, 0x01}}, t0.Add(300*time.Millisecond)))

	snap := p.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uhf.ProtocolGB29768, snap[0].Tag.Protocol, "GB29768 sorts before Gen2")
	assert.Equal(t, 2, snap[1].Sightings)
	assert.Equal(t, []byte{0xE2, 0x80}, snap[1].Tag.TID, "TID survives a sighting without one")
	assert.Equal(t, t0, snap[1].FirstSeen)
	assert.Equal(t, t0.Add(300*time.Millisecond), snap[1].LastSeen)

	gone := p.expire(t0.Add(time.Second), time.Second)
	assert.Empty(t, gone, "exactly at the timeout is still present")

	gone = p.expire(t0.Add(1100*time.Millisecond), time.Second)
	require.Len(t, gone, 1)
	assert.Equal(t, uhf.ProtocolGB29768, gone[0].Protocol)

	gone = p.clear()
	require.Len(t, gone, 1)
	assert.Empty(t, p.snapshot())
}

func TestPresence_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	p := newPresence()
	p.sight(&uhf.Tag{ID: []byte{0x01}}, time.Now())
	snap := p.snapshot()
	snap[0].Tag.ID[0] = 0xFF
	assert.Equal(t, byte(0x01), p.snapshot()[0].Tag.ID[0])
}

func TestSleepRecoveryConfig_DetectSleep(t *testing.T) {
	t.Parallel()

	cfg := DefaultSleepRecoveryConfig()
	assert.False(t, cfg.DetectSleep(2*time.Second, 100*time.Millisecond))
	assert.True(t, cfg.DetectSleep(3*time.Second, 100*time.Millisecond))

	cfg.Enabled = false
	assert.False(t, cfg.DetectSleep(time.Hour, 100*time.Millisecond))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		mutate func(*Config)
		name   string
	}{
		{name: "interval", mutate: func(c *Config) { c.PollInterval = 0 }},
		{name: "removal", mutate: func(c *Config) { c.TagRemovalTimeout = c.PollInterval }},
		{name: "rounds", mutate: func(c *Config) { c.RoundsPerPoll = 0 }},
		{name: "errors", mutate: func(c *Config) { c.MaxConsecutiveErrors = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), uhf.ErrConfig)
		})
	}
}

func TestConfig_Interval(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.Equal(t, cfg.PollInterval, cfg.interval(time.Second))
	assert.Equal(t, cfg.IdleInterval, cfg.interval(6*time.Second))

	cfg.IdleInterval = 0
	assert.Equal(t, cfg.PollInterval, cfg.interval(time.Hour))
}
