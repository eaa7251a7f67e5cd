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
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/softphy"
	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

// Error categories. Format errors stay local to one slot or command and are
// absorbed by the slot outcome and retry logic.
var (
	// Format errors
	ErrNoResponse = softphy.ErrNoResponse
	ErrPreamble   = softphy.ErrPreamble
	ErrStopBit    = softphy.ErrStopBit
	ErrCRC        = frame.ErrCRC
	ErrShortReply = frame.ErrShortReply

	// Resource errors end the current round only
	ErrProtocol     = softphy.ErrProtocol
	ErrFrameTooLong = errors.New("frame does not fit the transceiver FIFO")

	// Channel errors are reported as a timeout so a round can be skipped
	ErrChannelTimeout = errors.New("channel timeout")
	ErrPLLLock        = errors.New("synthesizer did not lock")
	ErrNoClearChannel = errors.New("no clear channel")

	// Transceiver errors
	ErrTransceiverTimeout = errors.New("transceiver timeout")
	ErrTransceiverWrite   = errors.New("transceiver write failed")
	ErrTransceiverRead    = errors.New("transceiver read failed")
	ErrTransceiverClosed  = errors.New("transceiver is closed")

	// Access errors
	ErrTagNotFound    = errors.New("tag not found")
	ErrNoSession      = errors.New("no protocol session open")
	ErrUnsupported    = errors.New("operation not supported by protocol")
	ErrVerifyMismatch = errors.New("read-back verification failed: data mismatch")
	ErrInvalidRequest = errors.New("invalid access request")

	// Configuration errors
	ErrConfig = errors.New("configuration error")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
)

// TransceiverError wraps register and bus level failures.
type TransceiverError struct {
	Err       error
	Op        string
	Type      ErrorType
	Retryable bool
}

func (e *TransceiverError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransceiverError) Unwrap() error {
	return e.Err
}

// NewTransceiverError creates a transceiver error with consistent retry
// classification.
func NewTransceiverError(op string, err error, errType ErrorType) *TransceiverError {
	return &TransceiverError{
		Op:        op,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// TagError is a rejection code reported by the tag inside a correctly decoded
// reply. It is authoritative: retrying cannot change the outcome.
type TagError struct {
	Command  string
	Protocol Protocol
	Code     uint8
}

func (e *TagError) Error() string {
	return fmt.Sprintf("%s %s: tag error 0x%02X (%s)", e.Protocol, e.Command, e.Code, e.meaning())
}

func (e *TagError) meaning() string {
	if e.Protocol == ProtocolGB29768 {
		return gb29768.ErrorCode(e.Code).String()
	}
	return gen2.ErrorCode(e.Code).String()
}

// IsPermissionDenied reports whether the tag refused the operation for lack
// of rights or because the target memory is locked.
func (e *TagError) IsPermissionDenied() bool {
	if e.Protocol == ProtocolGB29768 {
		switch gb29768.ErrorCode(e.Code) {
		case gb29768.ErrorPermissionDenied, gb29768.ErrorStorageLocked:
			return true
		default:
			return false
		}
	}
	switch gen2.ErrorCode(e.Code) {
	case gen2.ErrorInsufficientPrivs, gen2.ErrorMemoryLocked:
		return true
	default:
		return false
	}
}

// IsFormatError reports whether err is a reply decode failure: no response,
// preamble, stop bit, CRC or length mismatch.
func IsFormatError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNoResponse),
		errors.Is(err, ErrPreamble),
		errors.Is(err, ErrStopBit),
		errors.Is(err, ErrCRC),
		errors.Is(err, ErrShortReply),
		errors.Is(err, frame.ErrOddLength),
		errors.Is(err, gb29768.ErrMalformed),
		errors.Is(err, gen2.ErrMalformed):
		return true
	default:
		return false
	}
}

// IsAmbiguous reports whether err may be an RF burst covering a reply that is
// still on its way. Such errors re-arm the receiver instead of failing the
// command. A missing reply is not ambiguous.
func IsAmbiguous(err error) bool {
	return IsFormatError(err) && !errors.Is(err, ErrNoResponse)
}

// IsTagReported reports whether err carries a tag rejection code.
func IsTagReported(err error) bool {
	var te *TagError
	return errors.As(err, &te)
}

// IsChannelTimeout reports whether err means no usable channel could be
// prepared. Callers skip the round instead of failing it.
func IsChannelTimeout(err error) bool {
	return errors.Is(err, ErrChannelTimeout)
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if IsTagReported(err) {
		return false
	}

	var te *TransceiverError
	if errors.As(err, &te) {
		return te.Retryable
	}

	if IsFormatError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrPLLLock),
		errors.Is(err, ErrTransceiverTimeout),
		errors.Is(err, ErrTransceiverRead),
		errors.Is(err, ErrTransceiverWrite):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the transceiver is gone and
// continuous inventory should stop entirely.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransceiverError
	if errors.As(err, &te) && te.Type == ErrorTypePermanent {
		return true
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransceiverClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// isDeviceGoneError checks for OS-level errors raised when the SPI or GPIO
// device node disappears during I/O.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
			return true
		}
	}
	return false
}

// =============================================================================
// Air Trace
// =============================================================================
// TraceableError embeds the command and reply frames of a failed access
// sequence, so callers can inspect what went over the air.

// TraceDirection indicates the direction of an air frame
type TraceDirection string

const (
	// TraceTX indicates a reader command
	TraceTX TraceDirection = "TX"
	// TraceRX indicates a tag reply
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents one frame on the air.
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
	Bits      int
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	s := fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, formatBits(e.Data, e.Bits))
	if e.Note != "" {
		s += " (" + e.Note + ")"
	}
	return s
}

// TraceableError wraps an error with the air trace of the operation.
//
//	var te *uhf.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Air trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err      error
	Protocol Protocol
	Trace    []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s] (no trace data)", e.Protocol)
	}

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "[%s] Air trace (%d entries):\n", e.Protocol, len(e.Trace))
	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		_, _ = fmt.Fprintf(&sb, "  %s %s", direction, formatBits(entry.Data, entry.Bits))
		if entry.Note != "" {
			_, _ = fmt.Fprintf(&sb, " (%s)", entry.Note)
		}
		_ = sb.WriteByte('\n')
	}
	return sb.String()
}

// formatBits formats a frame as hex bytes followed by its bit length.
func formatBits(data []byte, bits int) string {
	if len(data) == 0 {
		return "(empty)"
	}
	const maxShown = 32
	parts := make([]string, 0, min(len(data), maxShown))
	for i, b := range data {
		if i == maxShown {
			break
		}
		parts = append(parts, fmt.Sprintf("%02X", b))
	}
	s := strings.Join(parts, " ")
	if len(data) > maxShown {
		s += " ..."
	}
	return fmt.Sprintf("%s /%d", s, bits)
}

// AirTrace collects frames during one access sequence in a fixed-size ring.
type AirTrace struct {
	entries  []TraceEntry
	maxSize  int
	protocol Protocol
}

// NewAirTrace creates a trace buffer with the specified capacity
func NewAirTrace(protocol Protocol, maxSize int) *AirTrace {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &AirTrace{
		entries:  make([]TraceEntry, 0, maxSize),
		maxSize:  maxSize,
		protocol: protocol,
	}
}

// RecordTX records a command frame.
func (t *AirTrace) RecordTX(f *frame.BitFrame, note string) {
	t.record(TraceTX, f, note)
}

// RecordRX records a reply frame.
func (t *AirTrace) RecordRX(f *frame.BitFrame, note string) {
	t.record(TraceRX, f, note)
}

// RecordError records a reply that could not be decoded.
func (t *AirTrace) RecordError(err error) {
	t.record(TraceRX, nil, "ERROR: "+err.Error())
}

func (t *AirTrace) record(dir TraceDirection, f *frame.BitFrame, note string) {
	if t == nil {
		return
	}
	entry := TraceEntry{Direction: dir, Timestamp: time.Now(), Note: note}
	if f != nil {
		entry.Data = append([]byte(nil), f.Bytes()...)
		entry.Bits = f.Len()
	}
	if len(t.entries) >= t.maxSize {
		copy(t.entries, t.entries[1:])
		t.entries[len(t.entries)-1] = entry
	} else {
		t.entries = append(t.entries, entry)
	}
}

// Entries returns a copy of the recorded entries.
func (t *AirTrace) Entries() []TraceEntry {
	return append([]TraceEntry(nil), t.entries...)
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (t *AirTrace) WrapError(err error) error {
	if err == nil || t == nil {
		return err
	}
	return &TraceableError{
		Err:      err,
		Protocol: t.protocol,
		Trace:    t.Entries(),
	}
}

// Clear resets the trace buffer
func (t *AirTrace) Clear() {
	t.entries = t.entries[:0]
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
