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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
	testutil "github.com/ZaparooProject/go-uhf/internal/testing"
)

func newSimReader(t *testing.T, tags ...*testutil.VirtualTag) (*uhf.Reader, *testutil.VirtualReader) {
	t.Helper()
	cfg := testutil.DefaultSimConfig()
	cfg.Seed = 11
	sim := testutil.NewVirtualReader(cfg)
	for _, tag := range tags {
		sim.AddTag(tag)
	}
	reader, err := uhf.New(sim, uhf.WithClock(sim), uhf.WithDirectModeLine(sim), uhf.WithTuner(sim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	return reader, sim
}

// tagLog records callbacks.
type tagLog struct {
	arrived  []string
	departed []string
	mu       syncutil.Mutex
}

func (l *tagLog) install(s *Session) {
	s.SetOnTagArrived(func(tag *uhf.Tag) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.arrived = append(l.arrived, tag.IDHex())
		return nil
	})
	s.SetOnTagDeparted(func(tag *uhf.Tag) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.departed = append(l.departed, tag.IDHex())
	})
}

func (l *tagLog) counts() (arrived, departed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.arrived), len(l.departed)
}

// pollUntil runs polling cycles, advancing virtual time by the poll
// interval in between, until done holds.
func pollUntil(t *testing.T, s *Session, sim *testutil.VirtualReader, done func() bool) {
	t.Helper()
	for range 100 {
		require.NoError(t, s.executeSinglePollingCycle(context.Background()))
		if done() {
			return
		}
		sim.Advance(s.config.PollInterval)
	}
	t.Fatal("condition not reached after 100 polls")
}

func TestSession_ArrivalAndDeparture(t *testing.T) {
	t.Parallel()

	pop := testutil.Gen2Population(3)
	reader, sim := newSimReader(t, pop...)
	s := NewSession(reader, nil)
	var log tagLog
	log.install(s)

	pollUntil(t, s, sim, func() bool {
		n, _ := log.counts()
		return n == 3
	})
	assert.ElementsMatch(t, []string{pop[0].IDHex(), pop[1].IDHex(), pop[2].IDHex()}, log.arrived)
	assert.Len(t, s.Present(), 3)

	sim.SetPresent(pop[1], false)
	pollUntil(t, s, sim, func() bool {
		_, n := log.counts()
		return n > 0
	})
	assert.Equal(t, []string{pop[1].IDHex()}, log.departed)
	assert.Len(t, s.Present(), 2)

	m := s.Metrics()
	assert.Equal(t, int64(3), m.Arrivals)
	assert.Equal(t, int64(1), m.Departures)
	assert.Positive(t, m.Polls)
	assert.Zero(t, m.PollErrors)
	assert.Positive(t, m.LastPollLatency)
	assert.False(t, sim.FieldOn(), "field released between polls")
}

func TestSession_ReadTID(t *testing.T) {
	t.Parallel()

	v := testutil.NewGen2Tag(testutil.SampleEPC, testutil.SampleTID)
	reader, sim := newSimReader(t, v)
	cfg := DefaultConfig()
	cfg.ReadTID = true
	s := NewSession(reader, cfg)

	pollUntil(t, s, sim, func() bool { return len(s.Present()) == 1 })
	assert.Equal(t, testutil.SampleTID, s.Present()[0].Tag.TID)
}

func TestSession_CallbackErrors(t *testing.T) {
	t.Parallel()

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		reader, _ := newSimReader(t, testutil.Gen2Population(1)...)
		s := NewSession(reader, nil)
		s.SetOnTagArrived(func(*uhf.Tag) error { return errors.New("sink full") })

		err := s.executeSinglePollingCycle(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OnTagArrived callback failed: sink full")
		assert.Equal(t, int64(1), s.Metrics().CallbackErrors)
	})

	t.Run("panic", func(t *testing.T) {
		t.Parallel()
		reader, _ := newSimReader(t, testutil.Gen2Population(1)...)
		s := NewSession(reader, nil)
		s.SetOnTagArrived(func(*uhf.Tag) error { panic("boom") })

		err := s.executeSinglePollingCycle(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked: boom")
	})
}

func TestSession_ErrorStreakDropsTags(t *testing.T) {
	t.Parallel()

	reader, sim := newSimReader(t, testutil.Gen2Population(2)...)
	s := NewSession(reader, nil)
	var log tagLog
	log.install(s)
	pollUntil(t, s, sim, func() bool {
		n, _ := log.counts()
		return n == 2
	})

	// a closed transceiver is fatal; without a recoverer the loop stops
	require.NoError(t, reader.Close())
	err := s.executeSinglePollingCycle(context.Background())
	require.ErrorIs(t, err, uhf.ErrTransceiverClosed)
	_, departed := log.counts()
	assert.Equal(t, 2, departed)
	assert.Equal(t, int64(1), s.Metrics().PollErrors)
}

func TestSession_RecoversWithNewReader(t *testing.T) {
	t.Parallel()

	reader, sim := newSimReader(t, testutil.Gen2Population(1)...)
	fresh, _ := newSimReader(t, testutil.Gen2Population(1)...)
	s := NewSession(reader, nil)
	s.SetRecoverer(NewDefaultRecoverer(reader, func() (*uhf.Reader, error) {
		return fresh, nil
	}, time.Millisecond, 2))

	pollUntil(t, s, sim, func() bool { return len(s.Present()) == 1 })
	require.NoError(t, reader.Close())

	require.NoError(t, s.executeSinglePollingCycle(context.Background()))
	assert.Same(t, fresh, s.GetReader())
	assert.Equal(t, int64(1), s.Metrics().Recoveries)
	assert.Empty(t, s.Present(), "tags of the lost reader departed")
}

func TestSession_HostSleepDropsTags(t *testing.T) {
	t.Parallel()

	reader, sim := newSimReader(t, testutil.Gen2Population(2)...)
	s := NewSession(reader, nil)
	var log tagLog
	log.install(s)
	pollUntil(t, s, sim, func() bool {
		n, _ := log.counts()
		return n == 2
	})

	sim.Advance(10 * time.Second)
	require.NoError(t, s.executeSinglePollingCycle(context.Background()))
	_, departed := log.counts()
	assert.Equal(t, 2, departed)
}

func TestSession_AccessNextTag(t *testing.T) {
	t.Parallel()

	v := testutil.NewGen2Tag(testutil.SampleEPC, testutil.SampleTID)
	reader, sim := newSimReader(t, v)
	s := NewSession(reader, nil)
	ctx := context.Background()

	err := s.AccessNextTag(ctx, ctx, time.Second, func(ctx context.Context, r *uhf.Reader, tag *uhf.Tag) error {
		_, err := r.AccessTag(ctx, tag, uhf.AccessRequest{
			Op: uhf.OpWrite, Area: uhf.AreaUser, Data: []uint16{0xCAFE},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(0xCAFE), sim.Memory(v, testutil.AreaUser)[0])
	assert.False(t, s.isPaused.Load(), "resumed after access")
}

func TestSession_AccessNextTagTimeout(t *testing.T) {
	t.Parallel()

	reader, _ := newSimReader(t)
	s := NewSession(reader, nil)
	ctx := context.Background()

	called := false
	err := s.AccessNextTag(ctx, ctx, 300*time.Millisecond, func(context.Context, *uhf.Reader, *uhf.Tag) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrTagWaitTimeout)
	assert.False(t, called)
}

func TestActor_RunsAndStops(t *testing.T) {
	t.Parallel()

	v := testutil.NewGen2Tag(testutil.SampleEPC, testutil.SampleTID)
	reader, sim := newSimReader(t, v)
	s := NewSession(reader, nil)
	actor := NewActor(s)

	require.NoError(t, actor.Start(context.Background()))
	require.NoError(t, actor.Start(context.Background()), "second start is a no-op")
	require.Eventually(t, func() bool {
		return actor.GetMetrics().Arrivals == 1
	}, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return actor.GetCurrentPollInterval() == s.config.PollInterval
	}, 5*time.Second, time.Millisecond)

	// access while the loop runs
	present := s.Present()
	require.Len(t, present, 1)
	ctx := context.Background()
	_, err := s.Access(ctx, ctx, present[0].Tag, uhf.AccessRequest{
		Op: uhf.OpWrite, Area: uhf.AreaUser, Pointer: 2, Data: []uint16{0x0102},
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), sim.Memory(v, testutil.AreaUser)[2])

	require.NoError(t, actor.Stop())
	require.NoError(t, actor.Stop())
	assert.Same(t, s, actor.Session())
}

func TestSession_StartTwice(t *testing.T) {
	t.Parallel()

	reader, _ := newSimReader(t)
	s := NewSession(reader, nil)
	s.running.Store(true)
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	bad := NewSession(reader, &Config{})
	require.ErrorIs(t, bad.Start(context.Background()), uhf.ErrConfig)
}

func TestSession_CloseEndsLoop(t *testing.T) {
	t.Parallel()

	reader, _ := newSimReader(t)
	s := NewSession(reader, nil)
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not end after Close")
	}
}
