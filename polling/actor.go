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
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters of a Session
type Metrics struct {
	Polls           int64         // Total number of polls
	PollErrors      int64         // Number of failed polls
	Arrivals        int64         // Number of tags that entered the field
	Departures      int64         // Number of tags that left the field
	CallbackErrors  int64         // Number of callback errors
	ChannelTimeouts int64         // Number of rounds skipped for lack of a channel
	Recoveries      int64         // Number of successful recoveries
	LastPollLatency time.Duration // Duration of last poll on the reader clock
}

type metrics struct {
	polls           atomic.Int64
	pollErrors      atomic.Int64
	arrivals        atomic.Int64
	departures      atomic.Int64
	callbackErrors  atomic.Int64
	channelTimeouts atomic.Int64
	recoveries      atomic.Int64
	lastPollLatency atomic.Int64
	currentInterval atomic.Int64
}

func (m *metrics) snapshot() Metrics {
	return Metrics{
		Polls:           m.polls.Load(),
		PollErrors:      m.pollErrors.Load(),
		Arrivals:        m.arrivals.Load(),
		Departures:      m.departures.Load(),
		CallbackErrors:  m.callbackErrors.Load(),
		ChannelTimeouts: m.channelTimeouts.Load(),
		Recoveries:      m.recoveries.Load(),
		LastPollLatency: time.Duration(m.lastPollLatency.Load()),
	}
}

// Actor runs a Session on its own goroutine
type Actor struct {
	session *Session
	cancel  context.CancelFunc
	err     error
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewActor wraps session.
func NewActor(session *Session) *Actor {
	return &Actor{session: session}
}

// Start launches the polling loop. Starting a running actor does nothing.
func (a *Actor) Start(ctx context.Context) error {
	if err := a.session.config.Validate(); err != nil {
		return err
	}
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.err = nil
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.err = a.session.Start(loopCtx)
	}()
	return nil
}

// Stop stops the polling loop and waits for the goroutine to exit. It
// returns the error that ended the loop, if any other than the stop itself.
func (a *Actor) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	a.cancel()
	a.wg.Wait()
	if errors.Is(a.err, context.Canceled) {
		return nil
	}
	return a.err
}

// Session returns the wrapped session
func (a *Actor) Session() *Session {
	return a.session
}

// GetMetrics returns current operational metrics
func (a *Actor) GetMetrics() Metrics {
	return a.session.Metrics()
}

// GetCurrentPollInterval returns the current adaptive polling interval
func (a *Actor) GetCurrentPollInterval() time.Duration {
	return time.Duration(a.session.metrics.currentInterval.Load())
}
