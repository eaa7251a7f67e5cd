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
	"time"
)

// Clock is the monotonic time source for every timeout in the engine.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Deadline is a point in time on a Clock. The zero Deadline never expires.
type Deadline struct {
	clock Clock
	at    time.Time
}

// NewDeadline returns a deadline d from now.
func NewDeadline(clock Clock, d time.Duration) Deadline {
	return Deadline{clock: clock, at: clock.Now().Add(d)}
}

// IsZero reports whether the deadline is unset.
func (d Deadline) IsZero() bool {
	return d.clock == nil
}

// Expired reports whether the deadline has passed.
func (d Deadline) Expired() bool {
	if d.clock == nil {
		return false
	}
	return !d.clock.Now().Before(d.at)
}

// Remaining returns the time left, never negative.
func (d Deadline) Remaining() time.Duration {
	if d.clock == nil {
		return time.Duration(1<<63 - 1)
	}
	return max(0, d.at.Sub(d.clock.Now()))
}
