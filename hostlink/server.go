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
	"errors"
	"fmt"
	"io"
	"iter"
	"math"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
)

// Version is reported in the ping response.
const Version = "go-uhf hostlink 1"

// Engine is the reader surface the server drives. *uhf.Reader implements it.
type Engine interface {
	RunInventory(ctx context.Context, rounds int, p uhf.Protocol, opts uhf.InventoryOptions) iter.Seq[uhf.SlotEvent]
	AccessTag(ctx context.Context, tag *uhf.Tag, req uhf.AccessRequest) (uhf.AccessResult, error)
}

var _ Engine = (*uhf.Reader)(nil)

// Server answers host requests one at a time. A CmdStop request is handled
// while another request runs and cancels it.
type Server struct {
	engine   Engine
	link     *Link
	cancel   context.CancelFunc
	protocol uhf.Protocol
	mu       syncutil.Mutex
}

// NewServer serves engine over link. Requests without a protocol record use
// p.
func NewServer(link *Link, engine Engine, p uhf.Protocol) *Server {
	return &Server{link: link, engine: engine, protocol: p}
}

// Serve handles requests until ctx is done or the host closes the link. The
// link is closed when Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = s.link.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = s.link.Close() })
	defer stop()

	reqs := make(chan Request, 1)
	errc := make(chan error, 1)
	go s.readLoop(ctx, reqs, errc)

	uhf.Debugf("hostlink: serving on %s", s.link)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case req := <-reqs:
			if err := s.handle(ctx, req); err != nil {
				return err
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, reqs chan<- Request, errc chan<- error) {
	for {
		p, err := s.link.ReadFrame()
		if errors.Is(err, ErrChecksum) || errors.Is(err, ErrFrameLength) {
			uhf.Debugf("hostlink: %v", err)
			if err := s.link.Respond(Response{Status: StatusBadFrame}); err != nil {
				errc <- err
				return
			}
			continue
		}
		if err != nil {
			errc <- err
			return
		}

		req, err := ParseRequest(p)
		if err != nil {
			err = s.link.Respond(Response{
				Cmd: req.Cmd, Seq: req.Seq, Status: StatusBadRequest,
				Records: Records{{Type: RecMessage, Value: []byte(err.Error())}},
			})
			if err != nil {
				errc <- err
				return
			}
			continue
		}

		if req.Cmd == CmdStop {
			s.stopCurrent()
			if err := s.link.Respond(Response{Cmd: req.Cmd, Seq: req.Seq}); err != nil {
				errc <- err
				return
			}
			continue
		}

		select {
		case reqs <- req:
		case <-ctx.Done():
			return
		default:
			if err := s.link.Respond(Response{Cmd: req.Cmd, Seq: req.Seq, Status: StatusBusy}); err != nil {
				errc <- err
				return
			}
		}
	}
}

func (s *Server) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Server) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}
}

// handle runs one request. Only link write failures are returned.
func (s *Server) handle(ctx context.Context, req Request) error {
	uhf.Debugf("hostlink: %s seq %d", req.Cmd, req.Seq)
	switch req.Cmd {
	case CmdPing:
		return s.link.Respond(Response{
			Cmd: req.Cmd, Seq: req.Seq,
			Records: Records{{Type: RecVersion, Value: []byte(Version)}},
		})
	case CmdInventory:
		return s.inventory(ctx, req)
	case CmdAccess:
		return s.access(ctx, req)
	default:
		return s.fail(req, StatusBadRequest, fmt.Errorf("%w: unknown %s", uhf.ErrInvalidRequest, req.Cmd))
	}
}

func (s *Server) fail(req Request, st Status, err error) error {
	rs := Records{{Type: RecMessage, Value: truncate(err.Error())}}
	var tagErr *uhf.TagError
	if errors.As(err, &tagErr) {
		rs = append(rs, Uint8Record(RecTagCode, tagErr.Code))
	}
	return s.link.Respond(Response{Cmd: req.Cmd, Seq: req.Seq, Status: st, Records: rs})
}

func (s *Server) protocolOf(req Request) (uhf.Protocol, error) {
	v, err := req.Records.Uint(RecProtocol, uint32(s.protocol))
	if err != nil {
		return 0, err
	}
	p := uhf.Protocol(v)
	if p != uhf.ProtocolGen2 && p != uhf.ProtocolGB29768 {
		return 0, fmt.Errorf("%w: protocol %d", uhf.ErrInvalidRequest, v)
	}
	return p, nil
}

func (s *Server) inventory(ctx context.Context, req Request) error {
	p, err := s.protocolOf(req)
	if err != nil {
		return s.fail(req, StatusBadRequest, err)
	}
	rounds, err := req.Records.Uint(RecRounds, 1)
	if err != nil {
		return s.fail(req, StatusBadRequest, err)
	}
	readTID, err := req.Records.Uint(RecReadTID, 0)
	if err != nil {
		return s.fail(req, StatusBadRequest, err)
	}

	ctx, done := s.begin(ctx)
	defer done()

	opts := uhf.InventoryOptions{
		ReadTID:  readTID != 0,
		Continue: func() bool { return ctx.Err() == nil },
	}
	sightings := 0
	for ev := range s.engine.RunInventory(ctx, int(rounds), p, opts) {
		if ev.Has(uhf.EventError) {
			if ctx.Err() != nil {
				break
			}
			return s.fail(req, statusFor(ev.Err), ev.Err)
		}
		if ev.Tag == nil {
			continue
		}
		sightings++
		err := s.link.Respond(Response{Cmd: req.Cmd, Seq: req.Seq, Status: StatusMore, Records: tagRecords(ev.Tag)})
		if err != nil {
			return err
		}
	}

	st := StatusOK
	if ctx.Err() != nil {
		st = StatusStopped
	}
	return s.link.Respond(Response{
		Cmd: req.Cmd, Seq: req.Seq, Status: st,
		Records: Records{Uint16Record(RecTagCount, uint16(min(sightings, 0xFFFF)))},
	})
}

func (s *Server) access(ctx context.Context, req Request) error {
	p, err := s.protocolOf(req)
	if err != nil {
		return s.fail(req, StatusBadRequest, err)
	}
	id, ok := req.Records.Find(RecID)
	if !ok {
		return s.fail(req, StatusBadRequest, fmt.Errorf("%w: tag identifier", ErrMissingField))
	}
	areq, err := accessRequest(req.Records)
	if err != nil {
		return s.fail(req, StatusBadRequest, err)
	}

	ctx, done := s.begin(ctx)
	defer done()

	res, err := s.engine.AccessTag(ctx, &uhf.Tag{Protocol: p, ID: id}, areq)
	if err != nil {
		return s.fail(req, statusFor(err), err)
	}
	rs := Records{Uint8Record(RecAttempts, uint8(min(res.Attempts, 0xFF)))}
	if len(res.Data) > 0 {
		rs = append(rs, WordsRecord(RecData, res.Data))
	}
	return s.link.Respond(Response{Cmd: req.Cmd, Seq: req.Seq, Records: rs})
}

func accessRequest(rs Records) (uhf.AccessRequest, error) {
	var out uhf.AccessRequest
	fields := []struct {
		set func(uint32)
		max uint32
		t   RecordType
	}{
		{t: RecOp, max: math.MaxUint8, set: func(v uint32) { out.Op = uhf.Operation(v) }},
		{t: RecArea, max: math.MaxUint8, set: func(v uint32) { out.Area = uhf.Area(v) }},
		{t: RecPointer, max: math.MaxUint16, set: func(v uint32) { out.Pointer = uint16(v) }},
		{t: RecCount, max: math.MaxUint8, set: func(v uint32) { out.Count = uint8(v) }},
		{t: RecPassword, max: math.MaxUint32, set: func(v uint32) { out.Password = v }},
		{t: RecLock, max: math.MaxUint32, set: func(v uint32) { out.Lock.Payload = v }},
		{t: RecLockAct, max: math.MaxUint8, set: func(v uint32) { out.Lock.Action = gb29768.LockAction(v) }},
	}
	for _, f := range fields {
		v, err := rs.Uint(f.t, 0)
		if err != nil {
			return out, err
		}
		if v > f.max {
			return out, fmt.Errorf("%w: type 0x%02X value 0x%X above 0x%X", ErrRecord, uint8(f.t), v, f.max)
		}
		f.set(v)
	}
	data, err := rs.Words(RecData)
	if err != nil {
		return out, err
	}
	out.Data = data
	return out, nil
}

func tagRecords(tag *uhf.Tag) Records {
	rs := Records{
		{Type: RecID, Value: tag.ID},
		Uint8Record(RecProtocol, uint8(tag.Protocol)),
		Uint8Record(RecAntenna, uint8(tag.Antenna)),
		Uint32Record(RecChannel, tag.ChannelKHz),
		{Type: RecRSSI, Value: []byte{tag.RSSI.LogI, tag.RSSI.LogQ}},
		Uint16Record(RecPC, tag.PC),
	}
	switch {
	case len(tag.TID) > 0:
		rs = append(rs, Record{Type: RecTID, Value: tag.TID})
	case tag.TIDErr != nil:
		rs = append(rs, Uint8Record(RecTIDStatus, uint8(statusFor(tag.TIDErr))))
	}
	return rs
}

func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case uhf.IsTagReported(err):
		return StatusTagError
	case errors.Is(err, uhf.ErrTagNotFound):
		return StatusNoTag
	case errors.Is(err, uhf.ErrInvalidRequest), errors.Is(err, uhf.ErrUnsupported):
		return StatusBadRequest
	case uhf.IsChannelTimeout(err), uhf.IsFormatError(err), errors.Is(err, uhf.ErrPLLLock):
		return StatusRadio
	default:
		return StatusFailed
	}
}

func truncate(msg string) []byte {
	if len(msg) > 0xFF {
		msg = msg[:0xFF]
	}
	return []byte(msg)
}
