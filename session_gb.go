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
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/regs"
	"github.com/ZaparooProject/go-uhf/internal/softphy"
	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
)

// gbIDPointer is the bit address of the identifier in the coding area,
// after the PC word.
const (
	gbIDPointer    = 16
	gbMaxMaskBytes = 31
)

// gbSession runs GB/T 29768 through the bit-banged direct mode line. The
// transceiver only keeps the carrier and the synthesizer; every symbol is
// produced and sampled by the host.
type gbSession struct {
	r       *Reader
	link    softphy.Link
	capture softphy.CaptureConfig
	tc      uint32
	hz      uint32
}

func (*gbSession) protocol() Protocol {
	return ProtocolGB29768
}

func (*gbSession) strategy() SlotStrategy {
	return TreeStrategy{}
}

func (s *gbSession) open(_ context.Context) error {
	r := s.r
	cfg := r.ec.GB
	s.hz = r.line.CycleFrequency()
	s.link = cfg.Link()
	s.tc = cycles(cfg.Tc, s.hz)
	s.capture = softphy.CaptureConfig{
		Half:       s.link.Half(s.hz),
		FirstEdge:  cycles(cfg.FirstEdge, s.hz),
		PollBudget: max(cycles(cfg.PollBudget, s.hz), 1),
	}
	if s.tc == 0 || s.capture.Half == 0 {
		return fmt.Errorf("%w: %d Hz line too slow for Tc %v and BLF %d", ErrConfig, s.hz, cfg.Tc, s.link.BLF)
	}

	if err := r.radio.write(regs.ProtocolControl, regs.ProtocolGB29768|regs.ProtocolDirectMode); err != nil {
		return err
	}
	if err := r.radio.command(regs.CmdDirectMode); err != nil {
		return err
	}
	if err := r.line.EnterDirectMode(); err != nil {
		return NewTransceiverError("enter direct mode", err, ErrorTypePermanent)
	}
	return nil
}

func (s *gbSession) close() error {
	if err := s.r.line.ExitDirectMode(); err != nil {
		return NewTransceiverError("exit direct mode", err, ErrorTypeTransient)
	}
	return s.r.radio.command(regs.CmdIdle)
}

// exchange sends r.tx and captures one reply. delayed replies get the long
// first-edge wait of commands that write tag memory. With a budget,
// ambiguous replies are captured again while its window is open.
func (s *gbSession) exchange(ctx context.Context, spec frame.ReplySpec, budget *RetryBudget, note string, delayed bool) error {
	r := s.r
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := softphy.EncodeForward(&r.tx, s.tc, &r.train); err != nil {
		return fmt.Errorf("encode %s: %w", note, err)
	}
	r.traceTX(&r.tx, note)
	softphy.Transmit(r.line, &r.train)

	cfg := s.capture
	if delayed {
		cfg.FirstEdge = cycles(DelayedReplyTimeout, s.hz)
	}
	if budget != nil {
		budget.Arm()
	}
	err := s.receive(spec, cfg, note)
	for rearm := 0; err != nil && budget != nil && rearm < maxRearms && budget.Tolerates(err); rearm++ {
		Debugf("gb29768 %s: %v, capturing again", note, err)
		r.traceError(err)
		err = s.receive(spec, cfg, note)
	}
	return err
}

func (s *gbSession) receive(spec frame.ReplySpec, cfg softphy.CaptureConfig, note string) error {
	r := s.r
	if err := r.capture.Run(r.line, cfg); err != nil {
		return err
	}
	if r.capture.Recoveries > 0 {
		Debugf("gb29768 %s: recovered %d missed pulses", note, r.capture.Recoveries)
	}
	if err := r.decoder.Decode(r.capture, s.link, s.hz, &r.raw); err != nil {
		return err
	}
	r.traceRX(&r.raw, note)
	return frame.ExtractReply(&r.raw, spec, &r.payload)
}

// send transmits r.tx when no reply is expected.
func (s *gbSession) send(note string) error {
	if err := softphy.EncodeForward(&s.r.tx, s.tc, &s.r.train); err != nil {
		return fmt.Errorf("encode %s: %w", note, err)
	}
	s.r.traceTX(&s.r.tx, note)
	softphy.Transmit(s.r.line, &s.r.train)
	return nil
}

func (s *gbSession) beginRound(ctx context.Context, _ *AntiCollisionState, q roundQuery) (SlotOutcome, error) {
	cfg := s.r.ec.GB
	query := gb29768.Query{
		Condition: cfg.Condition,
		Session:   cfg.Session,
		Target:    cfg.Target != q.Target,
		BLFCode:   cfg.BLFCode,
		Coding:    cfg.Coding,
		TRext:     cfg.TRext,
	}
	if q.Selected {
		query.Condition = gb29768.ConditionMatching
	}
	if err := gb29768.BuildQuery(&s.r.tx, query); err != nil {
		return SlotOutcome{}, err
	}
	return s.reply(ctx, gb29768.CodeQuery)
}

// slotCodes maps tree commands to GB/T 29768 slot commands.
var slotCodes = map[SlotCommand]gb29768.Code{
	CommandRepeat:  gb29768.CodeQueryRep,
	CommandSplit:   gb29768.CodeDivide,
	CommandBroaden: gb29768.CodeDisperse,
	CommandNarrow:  gb29768.CodeShrink,
}

func (s *gbSession) slot(ctx context.Context, _ *AntiCollisionState, cmd SlotCommand) (SlotOutcome, error) {
	code, ok := slotCodes[cmd]
	if !ok {
		code = gb29768.CodeQueryRep
	}
	if err := gb29768.BuildSlot(&s.r.tx, code, s.r.ec.GB.Session, 0); err != nil {
		return SlotOutcome{}, err
	}
	return s.reply(ctx, code)
}

// reply resolves a slot: the RN11, then the identifier returned for its
// ACK. An RN11 whose ACK goes unanswered counts as a collision.
func (s *gbSession) reply(ctx context.Context, code gb29768.Code) (SlotOutcome, error) {
	r := s.r
	out, err := resolve(s.exchange(ctx, gb29768.ReplySpec(code, 0), nil, code.String(), false))
	if err != nil || out.Kind != SlotTagFound {
		return out, err
	}
	rn, err := gb29768.ParseSlotReply(&r.payload)
	if err != nil {
		return SlotOutcome{Kind: SlotCollision, Err: err}, nil
	}
	if err := gb29768.BuildACK(&r.tx, rn); err != nil {
		return SlotOutcome{}, err
	}
	out, err = resolve(s.exchange(ctx, gb29768.ReplySpec(gb29768.CodeACK, 0), nil, "ACK", false))
	if err != nil {
		return out, err
	}
	if out.Kind != SlotTagFound {
		return SlotOutcome{Kind: SlotCollision, Err: out.Err}, nil
	}
	pc, id, err := gb29768.ParseACKReply(&r.payload)
	if err != nil {
		return SlotOutcome{Kind: SlotCollision, Err: err}, nil
	}
	r.fillTag(rn, pc, id)
	return SlotOutcome{Kind: SlotTagFound}, nil
}

func (s *gbSession) selectTag(_ context.Context, id []byte) error {
	if len(id) == 0 || len(id) > gbMaxMaskBytes {
		return fmt.Errorf("%w: ID of %d bytes cannot be sorted", ErrInvalidRequest, len(id))
	}
	sort := gb29768.Sort{
		Action:   gb29768.SortAssertMatching,
		Area:     gb29768.AreaCoding,
		Pointer:  gbIDPointer,
		Mask:     id,
		MaskBits: uint8(len(id) * 8),
	}
	if err := gb29768.BuildSort(&s.r.tx, sort); err != nil {
		return err
	}
	return s.send("Sort")
}

// getRN returns a fresh random number and the handle of the tag.
func (s *gbSession) getRN(ctx context.Context, handle uint16) (rn, h uint16, err error) {
	if err := gb29768.BuildGetRN(&s.r.tx, handle); err != nil {
		return 0, 0, err
	}
	if err := s.exchange(ctx, gb29768.ReplySpec(gb29768.CodeGetRN, 0), nil, "GetRN", false); err != nil {
		return 0, 0, err
	}
	return gb29768.ParseGetRNReply(&s.r.payload)
}

// acquire issues the first GetRN, which carries the slot RN11 in place of a
// handle.
func (s *gbSession) acquire(ctx context.Context, rn uint16) (uint16, error) {
	_, handle, err := s.getRN(ctx, rn)
	return handle, err
}

// authenticate opens the access category of req with two cover-coded
// password halves.
func (s *gbSession) authenticate(ctx context.Context, handle uint16, req *AccessRequest) error {
	if req.Password == 0 {
		return nil
	}
	category := req.Op.category()
	for _, half := range passwordHalves(req.Password) {
		rn, _, err := s.getRN(ctx, handle)
		if err != nil {
			return err
		}
		if err := gb29768.BuildAccess(&s.r.tx, category, half^rn, handle); err != nil {
			return err
		}
		if _, err := s.status(ctx, gb29768.CodeAccess, 0, handle, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *gbSession) execute(ctx context.Context, handle uint16, req *AccessRequest, budget *RetryBudget) ([]uint16, error) {
	area := req.Area.gbArea()
	var (
		code gb29768.Code
		err  error
	)
	switch req.Op {
	case OpRead:
		return s.read(ctx, handle, req.Area, req.Pointer, req.Count)
	case OpWrite:
		code = gb29768.CodeWrite
		err = gb29768.BuildWrite(&s.r.tx, area, req.Pointer, req.Data, handle)
	case OpErase:
		code = gb29768.CodeErase
		err = gb29768.BuildErase(&s.r.tx, area, req.Pointer, req.Count, handle)
	case OpLock:
		code = gb29768.CodeLock
		err = gb29768.BuildLock(&s.r.tx, area, req.Lock.Action, handle)
	case OpKill:
		code = gb29768.CodeKill
		err = gb29768.BuildKill(&s.r.tx, handle)
	default:
		return nil, fmt.Errorf("%w: operation %d", ErrInvalidRequest, req.Op)
	}
	if err != nil {
		return nil, err
	}
	_, err = s.status(ctx, code, 0, handle, budget)
	return nil, err
}

func (s *gbSession) read(ctx context.Context, handle uint16, area Area, pointer uint16, count uint8) ([]uint16, error) {
	if err := gb29768.BuildRead(&s.r.tx, area.gbArea(), pointer, count, handle); err != nil {
		return nil, err
	}
	rep, err := s.status(ctx, gb29768.CodeRead, int(count), handle, nil)
	if err != nil {
		return nil, err
	}
	if len(rep.Data) != int(count) {
		return nil, fmt.Errorf("%w: Read returned %d of %d words", ErrShortReply, len(rep.Data), count)
	}
	return rep.Data, nil
}

// status exchanges an access-class command and checks the status byte.
// Commands that change tag memory wait for a delayed reply.
func (s *gbSession) status(
	ctx context.Context, code gb29768.Code, words int, handle uint16, budget *RetryBudget,
) (gb29768.StatusReply, error) {
	delayed := code != gb29768.CodeRead && code != gb29768.CodeAccess
	if err := s.exchange(ctx, gb29768.ReplySpec(code, words), budget, code.String(), delayed); err != nil {
		return gb29768.StatusReply{}, err
	}
	rep, err := gb29768.ParseStatusReply(&s.r.payload)
	if err != nil {
		return rep, err
	}
	if rep.Status != gb29768.StatusOK {
		return rep, &TagError{Command: code.String(), Protocol: ProtocolGB29768, Code: uint8(rep.Status)}
	}
	if rep.Handle != handle {
		return rep, fmt.Errorf("%w: %s answered with handle %04X", gb29768.ErrMalformed, code, rep.Handle)
	}
	return rep, nil
}
