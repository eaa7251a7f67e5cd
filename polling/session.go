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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

// ErrAlreadyRunning is returned by Start while the polling loop runs.
var ErrAlreadyRunning = errors.New("polling session already running")

// Session handles continuous tag monitoring over repeated inventory rounds
type Session struct {
	OnTagArrived  func(tag *uhf.Tag) error
	OnTagDeparted func(tag *uhf.Tag)
	config        *Config
	reader        *uhf.Reader
	recoverer     Recoverer
	presence      *presence
	pauseChan     chan struct{}
	resumeChan    chan struct{}
	ackChan       chan struct{}
	wake          context.CancelFunc
	lastPoll      time.Time
	started       time.Time
	metrics       metrics
	errStreak     int
	stateMutex    syncutil.RWMutex
	accessMutex   syncutil.Mutex
	closed        atomic.Bool
	isPaused      atomic.Bool
	running       atomic.Bool
}

// NewSession creates a new tag monitoring session
func NewSession(reader *uhf.Reader, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	return &Session{
		reader:     reader,
		config:     config,
		presence:   newPresence(),
		pauseChan:  make(chan struct{}, 1),
		resumeChan: make(chan struct{}, 1),
		ackChan:    make(chan struct{}, 1),
	}
}

// Start runs continuous monitoring until ctx is done or a fatal error
// cannot be recovered.
func (s *Session) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	return s.runPollingLoop(ctx)
}

// GetReader returns the reader polled by the session
func (s *Session) GetReader() *uhf.Reader {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.reader
}

// SetRecoverer installs the recovery strategy used after fatal errors and
// host sleep.
func (s *Session) SetRecoverer(r Recoverer) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.recoverer = r
}

// SetOnTagArrived sets the callback for when a tag enters the field.
func (s *Session) SetOnTagArrived(callback func(*uhf.Tag) error) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnTagArrived = callback
}

// SetOnTagDeparted sets the callback for when a tag leaves the field.
func (s *Session) SetOnTagDeparted(callback func(*uhf.Tag)) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	s.OnTagDeparted = callback
}

// Present returns the tags currently in the field, ordered by protocol and
// ID.
func (s *Session) Present() []TagState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.presence.snapshot()
}

// Metrics returns the operational counters.
func (s *Session) Metrics() Metrics {
	return s.metrics.snapshot()
}

// Close cleans up the session. A running loop returns at its next cycle.
func (s *Session) Close() error {
	s.closed.Store(true)
	s.wakeUp()

	s.isPaused.Store(false)
	select {
	case <-s.pauseChan:
	default:
	}
	select {
	case s.resumeChan <- struct{}{}:
	default:
	}
	return nil
}

// Pause temporarily stops the polling loop
func (s *Session) Pause() {
	if s.isPaused.CompareAndSwap(false, true) {
		s.wakeUp()
		select {
		case s.pauseChan <- struct{}{}:
		default:
		}
	}
}

// Resume restarts the polling loop after a pause
func (s *Session) Resume() {
	if s.isPaused.CompareAndSwap(true, false) {
		select {
		case s.resumeChan <- struct{}{}:
		default:
		}
	}
}

// wakeUp cuts the pause between two polls short.
func (s *Session) wakeUp() {
	s.stateMutex.RLock()
	wake := s.wake
	s.stateMutex.RUnlock()
	if wake != nil {
		wake()
	}
}

// pauseWithAck pauses polling and waits until the loop has let go of the
// reader.
func (s *Session) pauseWithAck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.isPaused.CompareAndSwap(false, true) {
		return nil
	}
	if !s.running.Load() {
		return nil
	}
	s.wakeUp()

	select {
	case s.pauseChan <- struct{}{}:
	default:
	}

	ackTimeout := time.NewTimer(time.Second)
	defer ackTimeout.Stop()
	select {
	case <-s.ackChan:
		return nil
	case <-ackTimeout.C:
		// The loop may have exited; the reader serializes access anyway
		return nil
	case <-ctx.Done():
		s.isPaused.Store(false)
		return ctx.Err()
	}
}

// Access pauses polling, runs one access against tag and resumes.
// sessionCtx bounds the pause handshake, accessCtx the access itself.
func (s *Session) Access(
	sessionCtx context.Context,
	accessCtx context.Context,
	tag *uhf.Tag,
	req uhf.AccessRequest,
) (uhf.AccessResult, error) {
	s.accessMutex.Lock()
	defer s.accessMutex.Unlock()

	if err := s.pauseWithAck(sessionCtx); err != nil {
		return uhf.AccessResult{}, fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	return s.GetReader().AccessTag(accessCtx, tag, req)
}

// AccessNextTag waits for the next tag in the field and calls accessFn with
// it while polling is paused. The wait is measured on the reader's clock.
func (s *Session) AccessNextTag(
	sessionCtx context.Context,
	accessCtx context.Context,
	timeout time.Duration,
	accessFn func(context.Context, *uhf.Reader, *uhf.Tag) error,
) error {
	s.accessMutex.Lock()
	defer s.accessMutex.Unlock()

	if err := s.pauseWithAck(sessionCtx); err != nil {
		return fmt.Errorf("failed to pause polling: %w", err)
	}
	defer s.Resume()

	reader := s.GetReader()
	deadline := uhf.NewDeadline(reader.Clock(), timeout)
	for {
		tag, err := s.performSinglePoll(sessionCtx, reader)
		if err == nil {
			return accessFn(accessCtx, reader, tag)
		}
		if !errors.Is(err, ErrNoTagInPoll) {
			return fmt.Errorf("tag detection failed: %w", err)
		}
		if deadline.Expired() {
			return ErrTagWaitTimeout
		}
		wait := min(s.config.PollInterval, deadline.Remaining())
		if err := reader.Clock().Sleep(sessionCtx, wait); err != nil {
			return err
		}
	}
}

// performSinglePoll runs one round and returns the first tag found.
func (s *Session) performSinglePoll(ctx context.Context, reader *uhf.Reader) (*uhf.Tag, error) {
	tags, err := reader.Inventory(ctx, 1, s.config.Protocol, s.config.ReadTID)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, ErrNoTagInPoll
	}
	return tags[0], nil
}

// runPollingLoop polls until ctx is done
func (s *Session) runPollingLoop(ctx context.Context) error {
	s.started = s.GetReader().Clock().Now()
	for {
		if s.closed.Load() {
			return nil
		}
		if err := s.handleContextAndPause(ctx); err != nil {
			return err
		}
		if err := s.executeSinglePollingCycle(ctx); err != nil {
			return err
		}
		if err := s.waitForNextPoll(ctx); err != nil {
			return err
		}
	}
}

func (s *Session) handleContextAndPause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.pauseChan:
		return s.handlePauseSignal(ctx)
	default:
		return nil
	}
}

// handlePauseSignal sends acknowledgment and waits for resume
func (s *Session) handlePauseSignal(ctx context.Context) error {
	select {
	case s.ackChan <- struct{}{}:
	default:
	}
	select {
	case <-s.resumeChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForNextPoll sleeps for the current interval. Pause and Close cut the
// sleep short.
func (s *Session) waitForNextPoll(ctx context.Context) error {
	clock := s.GetReader().Clock()

	s.stateMutex.Lock()
	since := clock.Now().Sub(s.started)
	if !s.presence.lastSeen.IsZero() {
		since = clock.Now().Sub(s.presence.lastSeen)
	}
	sleepCtx, cancel := context.WithCancel(ctx)
	s.wake = cancel
	s.stateMutex.Unlock()

	defer func() {
		s.stateMutex.Lock()
		s.wake = nil
		s.stateMutex.Unlock()
		cancel()
	}()

	interval := s.config.interval(since)
	s.metrics.currentInterval.Store(int64(interval))
	if s.isPaused.Load() || s.closed.Load() {
		return ctx.Err()
	}
	if err := clock.Sleep(sleepCtx, interval); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// executeSinglePollingCycle performs one poll and processes its results
func (s *Session) executeSinglePollingCycle(ctx context.Context) error {
	reader := s.GetReader()
	clock := reader.Clock()
	start := clock.Now()

	if !s.lastPoll.IsZero() {
		interval := time.Duration(s.metrics.currentInterval.Load())
		if s.config.SleepRecovery.DetectSleep(start.Sub(s.lastPoll), interval) {
			uhf.Debugf("polling: %v since last poll, assuming host sleep", start.Sub(s.lastPoll))
			s.departAll()
			if err := s.recoverReader(ctx); err != nil {
				return err
			}
			reader = s.GetReader()
			clock = reader.Clock()
		}
	}

	arrived, err := s.performPoll(ctx, reader)
	s.metrics.polls.Add(1)
	s.metrics.lastPollLatency.Store(int64(clock.Now().Sub(start)))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if herr := s.handlePollingError(ctx, err); herr != nil {
			return herr
		}
	} else {
		s.errStreak = 0
	}

	if err := s.processArrivals(arrived); err != nil {
		return fmt.Errorf("callback error during polling: %w", err)
	}

	s.stateMutex.Lock()
	gone := s.presence.expire(clock.Now(), s.config.TagRemovalTimeout)
	s.stateMutex.Unlock()
	s.processDepartures(gone)

	s.lastPoll = clock.Now()
	return nil
}

// performPoll runs the rounds of one poll and records every sighting.
func (s *Session) performPoll(ctx context.Context, reader *uhf.Reader) ([]*uhf.Tag, error) {
	var arrived []*uhf.Tag
	var pollErr error
	opts := uhf.InventoryOptions{
		ReadTID: s.config.ReadTID,
		Continue: func() bool {
			return !s.isPaused.Load() && !s.closed.Load()
		},
	}

	for ev := range reader.RunInventory(ctx, s.config.RoundsPerPoll, s.config.Protocol, opts) {
		if ev.Has(uhf.EventError) {
			pollErr = ev.Err
			continue
		}
		if ev.Has(uhf.EventChannelTimeout) {
			s.metrics.channelTimeouts.Add(1)
		}
		if ev.Tag == nil {
			continue
		}
		seen := ev.Tag.Discovered
		if seen.IsZero() {
			seen = reader.Clock().Now()
		}
		s.stateMutex.Lock()
		if s.presence.sight(ev.Tag, seen) {
			arrived = append(arrived, ev.Tag)
		}
		s.stateMutex.Unlock()
	}
	return arrived, pollErr
}

// handlePollingError counts failed polls. Fatal errors and long error
// streaks drop every tag and trigger recovery.
func (s *Session) handlePollingError(ctx context.Context, err error) error {
	s.metrics.pollErrors.Add(1)
	s.errStreak++
	fatal := uhf.IsFatal(err)
	if !fatal && s.errStreak < s.config.MaxConsecutiveErrors {
		uhf.Debugf("polling: %v", err)
		return nil
	}

	uhf.Debugf("polling: %v after %d failed polls", err, s.errStreak)
	s.departAll()
	s.errStreak = 0

	s.stateMutex.RLock()
	hasRecoverer := s.recoverer != nil
	s.stateMutex.RUnlock()
	if !hasRecoverer {
		if fatal {
			return fmt.Errorf("polling stopped: %w", err)
		}
		return nil
	}
	if rerr := s.recoverReader(ctx); rerr != nil {
		return fmt.Errorf("recovery after %w failed: %w", err, rerr)
	}
	return nil
}

// recoverReader runs the recoverer and adopts the reader it returns.
func (s *Session) recoverReader(ctx context.Context) error {
	s.stateMutex.RLock()
	r := s.recoverer
	s.stateMutex.RUnlock()
	if r == nil {
		return nil
	}
	if err := r.AttemptRecovery(ctx); err != nil {
		return err
	}
	s.metrics.recoveries.Add(1)
	s.stateMutex.Lock()
	s.reader = r.GetReader()
	s.stateMutex.Unlock()
	return nil
}

func (s *Session) departAll() {
	s.stateMutex.Lock()
	gone := s.presence.clear()
	s.stateMutex.Unlock()
	s.processDepartures(gone)
}

func (s *Session) processArrivals(tags []*uhf.Tag) error {
	if len(tags) == 0 {
		return nil
	}
	s.metrics.arrivals.Add(int64(len(tags)))
	s.stateMutex.RLock()
	onArrived := s.OnTagArrived
	s.stateMutex.RUnlock()
	if onArrived == nil {
		return nil
	}
	for _, tag := range tags {
		if err := s.safeCallCallback(onArrived, tag, "OnTagArrived"); err != nil {
			s.metrics.callbackErrors.Add(1)
			return err
		}
	}
	return nil
}

func (s *Session) processDepartures(tags []*uhf.Tag) {
	if len(tags) == 0 || s.closed.Load() {
		return
	}
	s.metrics.departures.Add(int64(len(tags)))
	s.stateMutex.RLock()
	onDeparted := s.OnTagDeparted
	s.stateMutex.RUnlock()
	if onDeparted == nil {
		return
	}
	for _, tag := range tags {
		onDeparted(tag)
	}
}

// safeCallCallback executes a callback with panic recovery
func (*Session) safeCallCallback(
	callback func(*uhf.Tag) error,
	tag *uhf.Tag,
	callbackName string,
) error {
	var callbackErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callbackErr = fmt.Errorf("%s callback panicked: %v", callbackName, r)
			}
		}()
		callbackErr = callback(tag)
	}()
	if callbackErr != nil {
		return fmt.Errorf("%s callback failed: %w", callbackName, callbackErr)
	}
	return nil
}
