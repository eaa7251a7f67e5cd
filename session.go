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

	"github.com/ZaparooProject/go-uhf/internal/frame"
)

// maxRearms bounds receiver re-arms after ambiguous replies when the clock
// does not advance between waits.
const maxRearms = 8

// roundQuery parameterizes the command that opens a round.
type roundQuery struct {
	// Target flips the configured inventoried flag target.
	Target bool
	// Selected restricts the round to tags matched by the last select.
	Selected bool
}

// protocolSession is one air protocol on top of the transceiver. A session
// writes its commands into r.tx and decodes replies into r.payload. On a
// SlotTagFound outcome r.work holds the acknowledged tag.
//
// The error return of the slot operations is reserved for failures that end
// the round: transceiver I/O, cancellation and resource errors. Everything
// that happened on air is reported through SlotOutcome.
type protocolSession interface {
	protocol() Protocol
	open(ctx context.Context) error
	close() error
	strategy() SlotStrategy

	beginRound(ctx context.Context, st *AntiCollisionState, q roundQuery) (SlotOutcome, error)
	slot(ctx context.Context, st *AntiCollisionState, cmd SlotCommand) (SlotOutcome, error)

	// selectTag marks the tag with identifier id for the next selected
	// round.
	selectTag(ctx context.Context, id []byte) error
	// acquire moves the acknowledged tag to the open state and returns its
	// handle.
	acquire(ctx context.Context, rn uint16) (uint16, error)
	// authenticate presents the access password required by req.
	authenticate(ctx context.Context, handle uint16, req *AccessRequest) error
	// execute runs the access command. budget tolerates ambiguous replies
	// while its window is open.
	execute(ctx context.Context, handle uint16, req *AccessRequest, budget *RetryBudget) ([]uint16, error)
	// read reads count words from area.
	read(ctx context.Context, handle uint16, area Area, pointer uint16, count uint8) ([]uint16, error)
}

// resolve turns the result of a slot exchange into an outcome, pushing
// round-ending errors up.
func resolve(err error) (SlotOutcome, error) {
	if err == nil {
		return SlotOutcome{Kind: SlotTagFound}, nil
	}
	if endsRound(err) {
		return SlotOutcome{}, err
	}
	return outcomeOf(err), nil
}

// endsRound reports errors that are not a property of the current slot.
func endsRound(err error) bool {
	return err != nil && !IsFormatError(err) && !IsTagReported(err)
}

// readTID reads the TID of the tag acknowledged in the current slot. The
// result is recorded on r.work; failures never end the slot.
func (r *Reader) readTID(ctx context.Context, words uint8) error {
	if r.session == nil {
		r.work.TIDErr = ErrNoSession
		return ErrNoSession
	}
	handle, err := r.session.acquire(ctx, r.work.RN)
	if err != nil {
		r.work.TIDErr = err
		return err
	}
	r.work.Handle = handle
	data, err := r.session.read(ctx, handle, AreaTID, 0, words)
	if err != nil {
		r.work.TIDErr = err
		return err
	}
	r.work.TID = wordsToBytes(data)
	return nil
}

func wordsToBytes(words []uint16) []byte {
	out := make([]byte, 0, len(words)*2)
	for _, w := range words {
		out = append(out, byte(w>>8), byte(w))
	}
	return out
}

func bytesToWords(p []byte) []uint16 {
	out := make([]uint16, 0, (len(p)+1)/2)
	for i := 0; i < len(p); i += 2 {
		w := uint16(p[i]) << 8
		if i+1 < len(p) {
			w |= uint16(p[i+1])
		}
		out = append(out, w)
	}
	return out
}

// traceTX and traceRX record an exchange in the access trace, if any.
func (r *Reader) traceTX(f *frame.BitFrame, note string) {
	if r.trace != nil {
		r.trace.RecordTX(f, note)
	}
}

func (r *Reader) traceRX(f *frame.BitFrame, note string) {
	if r.trace != nil {
		r.trace.RecordRX(f, note)
	}
}

func (r *Reader) traceError(err error) {
	if r.trace != nil && err != nil {
		r.trace.RecordError(err)
	}
}
