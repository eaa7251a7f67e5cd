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

package hostlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

// DefaultBaudRate is the host link speed used by Open when none is given.
const DefaultBaudRate = 115200

// Link frames payloads over a byte stream. Reads and writes may run on
// different goroutines; concurrent writers are serialized.
type Link struct {
	rw   io.ReadWriteCloser
	name string
	wmu  syncutil.Mutex
}

// Open opens a serial port as a host link. Reads block until a frame
// arrives or the link is closed.
func Open(portName string, baud int) (*Link, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open host port %s: %w", portName, err)
	}
	return NewLink(port, portName), nil
}

// NewLink frames payloads over rw.
func NewLink(rw io.ReadWriteCloser, name string) *Link {
	return &Link{rw: rw, name: name}
}

// String returns the link name.
func (l *Link) String() string {
	return l.name
}

// Close closes the underlying stream, unblocking a pending read.
func (l *Link) Close() error {
	if err := l.rw.Close(); err != nil {
		return fmt.Errorf("close %s: %w", l.name, err)
	}
	return nil
}

// WriteFrame sends one payload.
func (l *Link) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes", ErrFrameLength, len(payload))
	}
	buf := make([]byte, 0, len(payload)+5)
	buf = append(buf, sof)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint16(buf, frame.CRC16Bytes(buf[1:]))

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.rw.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", l.name, err)
	}
	return nil
}

// ReadFrame returns the next payload. Bytes before the start of a frame are
// skipped. A frame with a bad length or checksum is consumed and reported
// with ErrFrameLength or ErrChecksum; the next call continues after it.
func (l *Link) ReadFrame() ([]byte, error) {
	var b [2]byte
	skipped := 0
	for {
		if _, err := io.ReadFull(l.rw, b[:1]); err != nil {
			return nil, l.readErr(err)
		}
		if b[0] == sof {
			break
		}
		skipped++
	}
	if skipped > 0 {
		uhf.Debugf("hostlink: skipped %d bytes before frame", skipped)
	}

	if _, err := io.ReadFull(l.rw, b[:]); err != nil {
		return nil, l.readErr(err)
	}
	n := int(binary.BigEndian.Uint16(b[:]))
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes announced", ErrFrameLength, n)
	}

	buf := make([]byte, 2+n+2)
	copy(buf, b[:])
	if _, err := io.ReadFull(l.rw, buf[2:]); err != nil {
		return nil, l.readErr(err)
	}
	want := binary.BigEndian.Uint16(buf[2+n:])
	if got := frame.CRC16Bytes(buf[:2+n]); got != want {
		return nil, fmt.Errorf("%w: %04X, frame carries %04X", ErrChecksum, got, want)
	}
	return buf[2 : 2+n], nil
}

func (l *Link) readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return fmt.Errorf("read %s: %w", l.name, err)
}

// Send writes a request.
func (l *Link) Send(req Request) error {
	p, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	return l.WriteFrame(p)
}

// Respond writes a response.
func (l *Link) Respond(resp Response) error {
	p, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	return l.WriteFrame(p)
}

// Receive reads the next response.
func (l *Link) Receive() (Response, error) {
	p, err := l.ReadFrame()
	if err != nil {
		return Response{}, err
	}
	return ParseResponse(p)
}
