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
	"context"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf"
	testutil "github.com/ZaparooProject/go-uhf/internal/testing"
)

type served struct {
	host   *Link
	sim    *testutil.VirtualReader
	done   chan error
	cancel context.CancelFunc
}

func serveSim(t *testing.T, tags ...*testutil.VirtualTag) *served {
	t.Helper()
	cfg := testutil.DefaultSimConfig()
	cfg.Seed = 5
	sim := testutil.NewVirtualReader(cfg)
	for _, tag := range tags {
		sim.AddTag(tag)
	}
	reader, err := uhf.New(sim, uhf.WithClock(sim), uhf.WithDirectModeLine(sim), uhf.WithTuner(sim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	a, b := net.Pipe()
	s := &served{host: NewLink(a, "host"), sim: sim, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	srv := NewServer(NewLink(b, "device"), reader, uhf.ProtocolGen2)
	go func() { s.done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
	})
	return s
}

// call sends req and collects responses up to the final one.
func (s *served) call(t *testing.T, req Request) []Response {
	t.Helper()
	require.NoError(t, s.host.Send(req))
	var out []Response
	for range 10_000 {
		resp, err := s.host.Receive()
		require.NoError(t, err)
		require.Equal(t, req.Cmd, resp.Cmd)
		require.Equal(t, req.Seq, resp.Seq)
		out = append(out, resp)
		if resp.Status != StatusMore {
			return out
		}
	}
	t.Fatal("no final response")
	return nil
}

func last(rs []Response) Response {
	return rs[len(rs)-1]
}

func TestServer_Ping(t *testing.T) {
	t.Parallel()

	s := serveSim(t)
	resp := last(s.call(t, Request{Cmd: CmdPing, Seq: 1}))
	assert.Equal(t, StatusOK, resp.Status)
	v, ok := resp.Records.Find(RecVersion)
	require.True(t, ok)
	assert.Equal(t, Version, string(v))
}

func TestServer_Inventory(t *testing.T) {
	t.Parallel()

	pop := testutil.Gen2Population(3)
	s := serveSim(t, pop...)
	rs := s.call(t, Request{Cmd: CmdInventory, Seq: 2, Records: Records{
		Uint16Record(RecRounds, 8),
		Uint8Record(RecReadTID, 1),
	}})

	final := last(rs)
	require.Equal(t, StatusOK, final.Status)
	count, err := final.Records.Uint(RecTagCount, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(rs)-1), count)

	seen := map[string]bool{}
	for _, resp := range rs[:len(rs)-1] {
		id, ok := resp.Records.Find(RecID)
		require.True(t, ok)
		seen[strings.ToUpper(hex.EncodeToString(id))] = true
		tid, ok := resp.Records.Find(RecTID)
		require.True(t, ok)
		assert.Len(t, tid, 12)
		p, err := resp.Records.Uint(RecProtocol, 99)
		require.NoError(t, err)
		assert.Equal(t, uint32(uhf.ProtocolGen2), p)
	}
	var ids []string
	for id := range seen {
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, []string{pop[0].IDHex(), pop[1].IDHex(), pop[2].IDHex()}, ids)
}

func TestServer_Access(t *testing.T) {
	t.Parallel()

	v := testutil.NewGen2Tag(testutil.SampleEPC, testutil.SampleTID)
	s := serveSim(t, v)

	write := last(s.call(t, Request{Cmd: CmdAccess, Seq: 3, Records: Records{
		{Type: RecID, Value: testutil.SampleEPC},
		Uint8Record(RecOp, uint8(uhf.OpWrite)),
		Uint8Record(RecArea, uint8(uhf.AreaUser)),
		Uint16Record(RecPointer, 4),
		WordsRecord(RecData, []uint16{0xBEEF, 0x1234}),
	}}))
	require.Equal(t, StatusOK, write.Status, "%v", write.Records)

	read := last(s.call(t, Request{Cmd: CmdAccess, Seq: 4, Records: Records{
		{Type: RecID, Value: testutil.SampleEPC},
		Uint8Record(RecOp, uint8(uhf.OpRead)),
		Uint8Record(RecArea, uint8(uhf.AreaUser)),
		Uint16Record(RecPointer, 4),
		Uint8Record(RecCount, 2),
	}}))
	require.Equal(t, StatusOK, read.Status)
	words, err := read.Records.Words(RecData)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xBEEF, 0x1234}, words)
	assert.Equal(t, uint16(0xBEEF), s.sim.Memory(v, testutil.AreaUser)[4])
}

func TestServer_RequestErrors(t *testing.T) {
	t.Parallel()

	s := serveSim(t, testutil.Gen2Population(1)...)

	tests := []struct {
		name string
		req  Request
		want Status
	}{
		{name: "unknown command", req: Request{Cmd: 0x55, Seq: 1}, want: StatusBadRequest},
		{name: "access without id", req: Request{Cmd: CmdAccess, Seq: 2}, want: StatusBadRequest},
		{
			name: "bad protocol",
			req:  Request{Cmd: CmdInventory, Seq: 3, Records: Records{Uint8Record(RecProtocol, 9)}},
			want: StatusBadRequest,
		},
		{
			name: "read of zero words",
			req: Request{Cmd: CmdAccess, Seq: 4, Records: Records{
				{Type: RecID, Value: testutil.SampleEPC},
				Uint8Record(RecOp, uint8(uhf.OpRead)),
			}},
			want: StatusBadRequest,
		},
		{
			name: "absent tag",
			req: Request{Cmd: CmdAccess, Seq: 5, Records: Records{
				{Type: RecID, Value: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
				Uint8Record(RecOp, uint8(uhf.OpRead)),
				Uint8Record(RecCount, 1),
			}},
			want: StatusNoTag,
		},
		{
			name: "operation wider than a byte",
			req: Request{Cmd: CmdAccess, Seq: 6, Records: Records{
				{Type: RecID, Value: testutil.SampleEPC},
				Uint32Record(RecOp, 0x100|uint32(uhf.OpWrite)),
				WordsRecord(RecData, []uint16{0x1234}),
			}},
			want: StatusBadRequest,
		},
		{
			name: "pointer wider than a word",
			req: Request{Cmd: CmdAccess, Seq: 7, Records: Records{
				{Type: RecID, Value: testutil.SampleEPC},
				Uint8Record(RecOp, uint8(uhf.OpWrite)),
				Uint8Record(RecArea, uint8(uhf.AreaUser)),
				Uint32Record(RecPointer, 0x00010005),
				WordsRecord(RecData, []uint16{0x1234}),
			}},
			want: StatusBadRequest,
		},
	}

	// Requests share one link and run in order.
	for _, tt := range tests {
		resp := last(s.call(t, tt.req))
		assert.Equal(t, tt.want, resp.Status, tt.name)
		_, ok := resp.Records.Find(RecMessage)
		assert.True(t, ok, tt.name)
	}
}

func TestServer_BadFrame(t *testing.T) {
	t.Parallel()

	s := serveSim(t)
	bad := rawFrame([]byte{byte(CmdPing), 1})
	bad[3] ^= 0x01
	done := writeRaw(t, s.host.rw, bad)

	resp, err := s.host.Receive()
	require.NoError(t, err)
	assert.Equal(t, StatusBadFrame, resp.Status)
	require.NoError(t, <-done)

	assert.Equal(t, StatusOK, last(s.call(t, Request{Cmd: CmdPing, Seq: 2})).Status)
}

func TestServer_StopContinuousInventory(t *testing.T) {
	t.Parallel()

	s := serveSim(t, testutil.Gen2Population(2)...)
	inv := Request{Cmd: CmdInventory, Seq: 7, Records: Records{Uint16Record(RecRounds, 0)}}
	require.NoError(t, s.host.Send(inv))

	first, err := s.host.Receive()
	require.NoError(t, err)
	require.Equal(t, StatusMore, first.Status)

	sent := make(chan error, 1)
	go func() { sent <- s.host.Send(Request{Cmd: CmdStop, Seq: 8}) }()

	var stopped, acked bool
	for i := 0; i < 10_000 && !(stopped && acked); i++ {
		resp, err := s.host.Receive()
		require.NoError(t, err)
		switch {
		case resp.Cmd == CmdStop:
			assert.Equal(t, StatusOK, resp.Status)
			acked = true
		case resp.Status != StatusMore:
			assert.Equal(t, StatusStopped, resp.Status)
			stopped = true
		}
	}
	require.NoError(t, <-sent)
	assert.True(t, stopped)
	assert.True(t, acked)
	assert.False(t, s.sim.FieldOn(), "field dropped after the stop")
}

func TestServer_ReturnsWhenHostCloses(t *testing.T) {
	t.Parallel()

	s := serveSim(t)
	require.NoError(t, s.host.Close())
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServer_ReturnsOnCancel(t *testing.T) {
	t.Parallel()

	s := serveSim(t)
	s.cancel()
	select {
	case err := <-s.done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestAccessRequest_FieldRanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{name: "count in range", rec: Uint8Record(RecCount, 32)},
		{name: "pointer in range", rec: Uint16Record(RecPointer, 0xFFFF)},
		{name: "password uses all bits", rec: Uint32Record(RecPassword, 0xFFFFFFFF)},
		{name: "count too wide", rec: Uint16Record(RecCount, 0x0101), wantErr: true},
		{name: "area too wide", rec: Uint32Record(RecArea, 0x103), wantErr: true},
		{name: "pointer too wide", rec: Uint32Record(RecPointer, 0x00010005), wantErr: true},
		{name: "lock action too wide", rec: Uint16Record(RecLockAct, 0x0200), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := accessRequest(Records{tt.rec})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrRecord)
				return
			}
			require.NoError(t, err)
		})
	}
}
