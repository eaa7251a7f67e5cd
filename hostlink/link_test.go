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
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	testutil "github.com/ZaparooProject/go-uhf/internal/testing"
)

func pipeLinks(t *testing.T) (host, device *Link) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return NewLink(a, "host"), NewLink(b, "device")
}

func rawFrame(payload []byte) []byte {
	buf := []byte{sof}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint16(buf, frame.CRC16Bytes(buf[1:]))
}

// writeRaw writes bytes from a goroutine; net.Pipe writes block until read.
func writeRaw(t *testing.T, w io.Writer, chunks ...[]byte) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		for _, c := range chunks {
			if _, err := w.Write(c); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

func TestLink_FrameRoundTrip(t *testing.T) {
	t.Parallel()

	host, device := pipeLinks(t)
	done := make(chan error, 1)
	go func() { done <- host.WriteFrame([]byte{0x01, 0x02, 0x03}) }()

	p, err := device.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, p)
	require.NoError(t, <-done)
}

func TestLink_SkipsNoiseAndReportsBadFrames(t *testing.T) {
	t.Parallel()

	host, device := pipeLinks(t)
	good := rawFrame([]byte{0x10, 0x01})
	bad := rawFrame([]byte{0x20, 0x02})
	bad[len(bad)-1] ^= 0xFF
	long := []byte{sof, 0xFF, 0xFF}

	// Frames split across writes arrive whole.
	done := writeRaw(t, host.rw, []byte{0x00, 0x42}, bad, good[:2], good[2:], long)

	_, err := device.ReadFrame()
	require.ErrorIs(t, err, ErrChecksum)

	p, err := device.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x01}, p)

	_, err = device.ReadFrame()
	require.ErrorIs(t, err, ErrFrameLength)
	require.NoError(t, <-done)
}

func TestLink_EOF(t *testing.T) {
	t.Parallel()

	host, device := pipeLinks(t)
	done := make(chan error, 1)
	go func() {
		if _, err := host.rw.Write([]byte{sof, 0x00}); err != nil {
			done <- err
			return
		}
		done <- host.Close()
	}()

	_, err := device.ReadFrame()
	require.ErrorIs(t, err, io.EOF, "frame cut short")
	require.NoError(t, <-done)
}

func TestLink_WriteTooLong(t *testing.T) {
	t.Parallel()

	host, _ := pipeLinks(t)
	err := host.WriteFrame(make([]byte, MaxPayload+1))
	require.ErrorIs(t, err, ErrFrameLength)
}

func TestLink_FragmentedReads(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	cfg := testutil.DefaultJitterConfig()
	cfg.Seed = 42
	cfg.USBBoundaryStress = true
	host := NewLink(a, "host")
	device := NewLink(testutil.NewJitteryConnection(b, cfg), "device")

	const count = 20
	done := make(chan error, 1)
	go func() {
		for i := range count {
			words := make([]uint16, i+1)
			for j := range words {
				words[j] = uint16(i<<8 | j)
			}
			req := Request{Cmd: CmdAccess, Seq: uint8(i), Records: Records{WordsRecord(RecData, words)}}
			if err := host.Send(req); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := range count {
		p, err := device.ReadFrame()
		require.NoError(t, err)
		req, err := ParseRequest(p)
		require.NoError(t, err)
		assert.Equal(t, uint8(i), req.Seq)
		words, err := req.Records.Words(RecData)
		require.NoError(t, err)
		require.Len(t, words, i+1)
		assert.Equal(t, uint16(i<<8|i), words[i])
	}
	require.NoError(t, <-done)
}
