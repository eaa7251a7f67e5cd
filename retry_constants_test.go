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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRetryConstants_PLLLock verifies the lock poll schedule fits in the
// overall lock timeout.
func TestRetryConstants_PLLLock(t *testing.T) {
	t.Parallel()

	assert.GreaterOrEqual(t, PLLLockRetries, 2)
	assert.Greater(t, PLLLockMaxBackoff, PLLLockInitialBackoff)

	var total time.Duration
	backoff := PLLLockInitialBackoff
	for range PLLLockRetries - 1 {
		total += backoff + time.Duration(float64(backoff)*DefaultRetryConfig().Jitter)
		backoff = min(2*backoff, PLLLockMaxBackoff)
	}
	assert.Less(t, total, PLLLockTimeout, "lock polls should finish before the timeout")
}

// TestRetryConstants_Access verifies the access timing relations.
func TestRetryConstants_Access(t *testing.T) {
	t.Parallel()

	assert.GreaterOrEqual(t, DefaultAccessRetries, 1)
	assert.Greater(t, DefaultAmbiguousWindow, DefaultReplyTimeout,
		"a burst window shorter than a reply wait never re-arms")
	assert.GreaterOrEqual(t, DelayedReplyTimeout, DefaultReplyTimeout)
	assert.GreaterOrEqual(t, DefaultGuardInterval, DelayedReplyTimeout)
}

// TestRetryConstants_Rounds verifies the slot caps.
func TestRetryConstants_Rounds(t *testing.T) {
	t.Parallel()

	assert.Less(t, MaxSingulationSlots, MaxSlotsPerRound)
	assert.Positive(t, SingulationRounds)
}
