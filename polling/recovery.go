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
	"time"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

// Recoverer handles reader recovery after sleep/wake or errors
type Recoverer interface {
	// AttemptRecovery tries to bring the reader back.
	// Returns nil if recovery was successful, error otherwise.
	AttemptRecovery(ctx context.Context) error

	// GetReader returns the current reader (may change after reconnection)
	GetReader() *uhf.Reader
}

// ReopenFunc is a function that attempts to reopen the transceiver and
// build a new reader on it
type ReopenFunc func() (*uhf.Reader, error)

// DefaultRecoverer implements a tiered recovery strategy:
// 1. Channel re-selection, which relocks the synthesizer and restarts the field
// 2. Full reconnection via user-provided reopen function
type DefaultRecoverer struct {
	reader      *uhf.Reader
	reopenFunc  ReopenFunc
	backoff     time.Duration
	maxAttempts int
	mu          syncutil.Mutex
}

// NewDefaultRecoverer creates a recoverer with tiered recovery strategy.
// If reopenFunc is nil, only channel re-selection will be attempted.
func NewDefaultRecoverer(
	reader *uhf.Reader,
	reopenFunc ReopenFunc,
	backoff time.Duration,
	maxAttempts int,
) *DefaultRecoverer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &DefaultRecoverer{
		reader:      reader,
		reopenFunc:  reopenFunc,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

// AttemptRecovery implements tiered recovery.
func (r *DefaultRecoverer) AttemptRecovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error

	for attempt := range r.maxAttempts {
		if attempt > 0 {
			if err := r.reader.Clock().Sleep(ctx, r.backoff); err != nil {
				return err
			}
		}

		// Tier 1: select a channel on the configured antenna
		_, err := r.reader.SelectChannel(ctx, r.reader.Config().Antenna)
		if err == nil {
			return nil
		}
		lastErr = err

		// Tier 2: full reconnection
		if r.reopenFunc != nil {
			_ = r.reader.Close()
			reader, reopenErr := r.reopenFunc()
			if reopenErr == nil {
				r.reader = reader
				return nil
			}
			lastErr = reopenErr
		}
	}

	return lastErr
}

// GetReader returns the current reader.
// This may return a different reader after a successful reconnection.
func (r *DefaultRecoverer) GetReader() *uhf.Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reader
}
