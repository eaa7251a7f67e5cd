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
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
)

// maxAccessWords is the largest word count of one Read, Write or Erase.
const maxAccessWords = 32

// Operation is a tag access command.
type Operation uint8

// Operations
const (
	OpRead Operation = iota
	OpWrite
	OpErase
	OpLock
	OpKill
)

func (o Operation) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpErase:
		return "erase"
	case OpLock:
		return "lock"
	case OpKill:
		return "kill"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// verifiable reports whether a lost acknowledgement can be checked by
// reading the memory back.
func (o Operation) verifiable() bool {
	return o == OpWrite || o == OpErase
}

func (o Operation) category() gb29768.Category {
	switch o {
	case OpWrite, OpErase:
		return gb29768.CategoryWrite
	case OpLock:
		return gb29768.CategoryLock
	case OpKill:
		return gb29768.CategoryKill
	default:
		return gb29768.CategoryRead
	}
}

// LockSpec carries the protocol-specific lock argument.
type LockSpec struct {
	// Payload is the 20-bit Gen2 mask and action field.
	Payload uint32
	// Action applies to the request's area on GB/T 29768 tags.
	Action gb29768.LockAction
}

// AccessRequest describes one access operation. Pointer and Count are in
// 16-bit words.
type AccessRequest struct {
	// Data holds the words to write.
	Data []uint16
	// Password is the access password, or the kill password for OpKill.
	// Zero skips authentication.
	Password uint32
	Lock     LockSpec
	Pointer  uint16
	Op       Operation
	Area     Area
	// Count is the number of words to read or erase.
	Count uint8
}

func (req *AccessRequest) validate() error {
	switch req.Op {
	case OpRead, OpErase:
		if req.Count == 0 || req.Count > maxAccessWords {
			return fmt.Errorf("%w: %s of %d words", ErrInvalidRequest, req.Op, req.Count)
		}
	case OpWrite:
		if len(req.Data) == 0 || len(req.Data) > maxAccessWords {
			return fmt.Errorf("%w: write of %d words", ErrInvalidRequest, len(req.Data))
		}
	case OpLock, OpKill:
	default:
		return fmt.Errorf("%w: operation %d", ErrInvalidRequest, req.Op)
	}
	if req.Area > AreaUser {
		return fmt.Errorf("%w: area %d", ErrInvalidRequest, req.Area)
	}
	return nil
}

// expected returns the memory contents a successful write leaves behind.
func (req *AccessRequest) expected() []uint16 {
	if req.Op == OpErase {
		return make([]uint16, req.Count)
	}
	return req.Data
}

// AccessResult reports the outcome of AccessTag.
type AccessResult struct {
	// Data holds the words read.
	Data []uint16
	// Attempts counts the access sequences started.
	Attempts int
	// Code is the tag-reported error code when the tag rejected the
	// operation.
	Code uint8
	// Verified is set when a write whose acknowledgement was lost was
	// confirmed by reading the memory back.
	Verified bool
}

// attempt tracks how far one access sequence got.
type attempt struct {
	handle   uint16
	executed bool
}

// AccessTag reads, writes, erases, locks or kills a tag seen during
// inventory. The tag is singulated again by its identifier, so it must
// still be in the field.
//
// A tag-reported error ends the operation at once and is returned as a
// *TagError, with its code in the result. Anything else is retried until
// the access retry budget runs out. When a write or erase fails in a way
// that leaves its effect unknown, the memory is read back after a guard
// interval; if it holds the requested data the operation succeeds with
// Verified set. Errors carry the air trace of the whole operation, see
// GetTrace.
func (r *Reader) AccessTag(ctx context.Context, tag *Tag, req AccessRequest) (AccessResult, error) {
	var res AccessResult
	if tag == nil || len(tag.ID) == 0 {
		return res, fmt.Errorf("%w: tag without identifier", ErrInvalidRequest)
	}
	if err := req.validate(); err != nil {
		return res, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.openLocked(ctx, tag.Protocol); err != nil {
		return res, err
	}
	if r.antennas != nil {
		if err := r.useAntenna(tag.Antenna); err != nil {
			return res, err
		}
	}
	if _, _, err := r.ensureChannel(ctx); err != nil {
		return res, err
	}
	defer func() {
		if err := r.channels.Release(); err != nil {
			Debugf("release after access: %v", err)
		}
	}()

	trace := NewAirTrace(tag.Protocol, 64)
	r.trace = trace
	defer func() { r.trace = nil }()

	cfg := r.ec.Access
	budget := NewRetryBudget(cfg.Retries, cfg.AmbiguousWindow, r.clock)
	var lastErr error
	for budget.Take() {
		res.Attempts++
		var at attempt
		data, err := r.accessAttempt(ctx, tag, &req, budget, &at)
		if err == nil {
			res.Data = data
			Debugf("%s %s: %s succeeded after %d attempt(s)", tag.Protocol, tag.IDHex(), req.Op, res.Attempts)
			return res, nil
		}
		trace.RecordError(err)
		lastErr = err

		var te *TagError
		if errors.As(err, &te) {
			budget.Exhaust()
			res.Code = te.Code
			Debugf("%s %s: %s rejected: %v", tag.Protocol, tag.IDHex(), req.Op, err)
			return res, trace.WrapError(err)
		}
		if ctx.Err() != nil {
			return res, trace.WrapError(ctx.Err())
		}
		if !IsRetryable(err) && !errors.Is(err, ErrTagNotFound) {
			return res, trace.WrapError(err)
		}

		if req.Op.verifiable() && at.executed {
			ok, verr := r.verify(ctx, &req, at.handle)
			if verr != nil {
				Debugf("read-back after %s failed: %v", req.Op, verr)
			}
			if ok {
				res.Verified = true
				Debugf("%s %s: %s confirmed by read-back", tag.Protocol, tag.IDHex(), req.Op)
				return res, nil
			}
		}
		Debugf("%s %s: %s attempt %d failed: %v", tag.Protocol, tag.IDHex(), req.Op, res.Attempts, err)
	}
	return res, trace.WrapError(lastErr)
}

// accessAttempt runs one complete access sequence: singulation, handle,
// authentication and the command itself.
func (r *Reader) accessAttempt(
	ctx context.Context, tag *Tag, req *AccessRequest, budget *RetryBudget, at *attempt,
) ([]uint16, error) {
	if r.session == nil {
		return nil, ErrNoSession
	}
	if err := r.singulate(ctx, tag.ID); err != nil {
		return nil, err
	}
	handle, err := r.session.acquire(ctx, r.work.RN)
	if err != nil {
		return nil, err
	}
	at.handle = handle
	if err := r.session.authenticate(ctx, handle, req); err != nil {
		return nil, err
	}
	at.executed = true
	return r.session.execute(ctx, handle, req, budget)
}

// verify reads back the target memory of a write after the guard interval.
func (r *Reader) verify(ctx context.Context, req *AccessRequest, handle uint16) (bool, error) {
	if err := r.clock.Sleep(ctx, r.ec.Access.GuardInterval); err != nil {
		return false, err
	}
	want := req.expected()
	got, err := r.session.read(ctx, handle, req.Area, req.Pointer, uint8(len(want)))
	if err != nil {
		return false, err
	}
	if !slices.Equal(got, want) {
		Debugf("read-back mismatch: got %04X want %04X", got, want)
		return false, nil
	}
	return true, nil
}

// singulate runs short selected rounds until the tag with identifier id
// answers. On success r.work holds it in the acknowledged state.
func (r *Reader) singulate(ctx context.Context, id []byte) error {
	strat := r.session.strategy()
	if q, ok := strat.(QStrategy); ok {
		// The select leaves a single tag, so one slot per frame.
		q.InitialQ = 0
		strat = q
	}
	for round := range SingulationRounds {
		if err := r.session.selectTag(ctx, id); err != nil {
			return err
		}
		var st AntiCollisionState
		cfg := r.ec.AntiCollision
		cfg.InitialBudget = max(1, min(cfg.InitialBudget, MaxSingulationSlots))
		strat.Reset(&st, cfg)

		q := roundQuery{Selected: true, Target: round%2 == 1}
		out, err := r.session.beginRound(ctx, &st, q)
		for {
			if err != nil {
				return err
			}
			if out.Kind == SlotTagFound && bytes.Equal(r.work.ID, id) {
				return nil
			}
			cmd := strat.Next(&st, out.Kind)
			if st.Done() || st.Slots >= MaxSingulationSlots {
				break
			}
			out, err = r.session.slot(ctx, &st, cmd)
		}
	}
	return fmt.Errorf("%w: %X", ErrTagNotFound, id)
}
