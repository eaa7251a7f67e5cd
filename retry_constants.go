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

import "time"

const (
	// PLLLockRetries is the number of lock status polls before the channel
	// is given up.
	PLLLockRetries = 5
	// PLLLockInitialBackoff is the delay before the second lock poll.
	PLLLockInitialBackoff = 50 * time.Microsecond
	// PLLLockMaxBackoff caps the delay between lock polls.
	PLLLockMaxBackoff = 800 * time.Microsecond
	// PLLLockTimeout is the overall time allowed for the synthesizer to lock.
	PLLLockTimeout = 10 * time.Millisecond
)

const (
	// DefaultAccessRetries is the number of full access sequences tried.
	DefaultAccessRetries = 3
	// DefaultAmbiguousWindow is how long after a command a garbled reply is
	// treated as an RF burst and waited out.
	DefaultAmbiguousWindow = 5 * time.Millisecond
	// DefaultGuardInterval lets a tag finish an internal write before it is
	// read back.
	DefaultGuardInterval = 20 * time.Millisecond
	// DefaultReplyTimeout bounds the wait for an immediate reply.
	DefaultReplyTimeout = 2 * time.Millisecond
	// DelayedReplyTimeout bounds the wait for the delayed reply of a Gen2
	// Write, Lock or Kill.
	DelayedReplyTimeout = 20 * time.Millisecond
)

const (
	// MaxSlotsPerRound caps one anti-collision round.
	MaxSlotsPerRound = 1000
	// MaxSingulationSlots caps the mini-round that isolates a tag for
	// access.
	MaxSingulationSlots = 64
	// SingulationRounds is the number of mini-rounds tried before a tag is
	// reported missing.
	SingulationRounds = 3
)
