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
	"time"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/regs"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

// Select targets and the bit address of the EPC in the EPC bank, after the
// stored CRC and PC words.
const (
	gen2SelectSL     = 4
	gen2EPCPointer   = 32
	gen2AssertSL     = 0
	gen2MaxMaskBytes = 31
)

// gen2Session runs EPC Gen2 on the transceiver's native protocol engine.
// Frames go through the FIFO with the CRC already appended.
type gen2Session struct {
	r  *Reader
	rx [frame.MaxFrameBits / 8]byte
}

func (*gen2Session) protocol() Protocol {
	return ProtocolGen2
}

func (s *gen2Session) strategy() SlotStrategy {
	cfg := s.r.ec.Gen2
	return QStrategy{C: cfg.C, InitialQ: int(cfg.InitialQ)}
}

func (s *gen2Session) open(_ context.Context) error {
	cfg := s.r.ec.Gen2
	rd := s.r.radio
	if err := rd.write(regs.ProtocolControl, regs.ProtocolGen2|regs.ProtocolNoRxCRC); err != nil {
		return err
	}
	rx := cfg.BLFCode<<regs.RxBLFShift | byte(cfg.M)&regs.RxCodingMask
	if cfg.TRext {
		rx |= regs.RxTRextBit
	}
	return rd.write(regs.RxOptions, rx)
}

func (*gen2Session) close() error {
	return nil
}

// transmit loads r.tx into the FIFO and sends it.
func (s *gen2Session) transmit(note string) error {
	f := &s.r.tx
	if f.ByteCount() > regs.FIFOSize {
		return fmt.Errorf("%w: %s of %d bits", ErrFrameTooLong, note, f.Len())
	}
	s.r.traceTX(f, note)
	rd := s.r.radio
	if err := rd.command(regs.CmdResetFIFO); err != nil {
		return err
	}
	n := f.Len()
	if err := rd.write(regs.TxLength1, byte(n>>8)); err != nil {
		return err
	}
	if err := rd.write(regs.TxLength2, byte(n)); err != nil {
		return err
	}
	for _, b := range f.Bytes() {
		if err := rd.write(regs.FIFO, b); err != nil {
			return err
		}
	}
	return rd.command(regs.CmdTransmitNoCRC)
}

// receive waits for the reply to the last transmission and extracts it into
// r.payload.
func (s *gen2Session) receive(ctx context.Context, spec frame.ReplySpec, timeout time.Duration, note string) error {
	rd := s.r.radio
	irq, err := rd.wait(ctx, regs.IRQRxDone, timeout)
	if err != nil {
		return err
	}
	switch {
	case irq == 0, irq&regs.IRQNoResp != 0:
		return ErrNoResponse
	case irq&regs.IRQPreamble != 0:
		return ErrPreamble
	case irq&regs.IRQCRCError != 0:
		return ErrCRC
	case irq&(regs.IRQRxCount|regs.IRQErr1) != 0:
		return ErrShortReply
	case irq&regs.IRQFIFOOvfl != 0:
		return fmt.Errorf("%w: FIFO overflow", ErrProtocol)
	}

	hi, err := rd.read(regs.RxLength1)
	if err != nil {
		return err
	}
	lo, err := rd.read(regs.RxLength2)
	if err != nil {
		return err
	}
	n := int(hi)<<8 | int(lo)
	if n > frame.MaxFrameBits {
		return fmt.Errorf("%w: %d bit reply", ErrFrameTooLong, n)
	}
	buf := s.rx[:(n+7)/8]
	for i := range buf {
		if buf[i], err = rd.read(regs.FIFO); err != nil {
			return err
		}
	}
	if err := s.r.raw.Load(buf, n); err != nil {
		return err
	}
	s.r.traceRX(&s.r.raw, note)
	return frame.ExtractReply(&s.r.raw, spec, &s.r.payload)
}

// exchange sends r.tx and receives one reply. With a budget, ambiguous
// replies re-arm the receiver while the budget's window is open.
func (s *gen2Session) exchange(
	ctx context.Context, spec frame.ReplySpec, timeout time.Duration, budget *RetryBudget, note string,
) error {
	if err := s.transmit(note); err != nil {
		return err
	}
	if budget != nil {
		budget.Arm()
	}
	err := s.receive(ctx, spec, timeout, note)
	for rearm := 0; err != nil && budget != nil && rearm < maxRearms && budget.Tolerates(err); rearm++ {
		Debugf("gen2 %s: %v, re-arming receiver", note, err)
		s.r.traceError(err)
		if cerr := s.r.radio.command(regs.CmdEnableRX); cerr != nil {
			return cerr
		}
		err = s.receive(ctx, spec, timeout, note)
	}
	return err
}

// send transmits r.tx when no reply is expected.
func (s *gen2Session) send(ctx context.Context, note string) error {
	if err := s.transmit(note); err != nil {
		return err
	}
	_, err := s.r.radio.wait(ctx, regs.IRQTx, s.r.ec.Access.ReplyTimeout)
	return err
}

func (s *gen2Session) beginRound(ctx context.Context, st *AntiCollisionState, q roundQuery) (SlotOutcome, error) {
	cfg := s.r.ec.Gen2
	query := gen2.Query{
		DR:      cfg.DR,
		M:       cfg.M,
		TRext:   cfg.TRext,
		Sel:     cfg.Sel,
		Session: cfg.Session,
		Target:  cfg.Target != q.Target,
		Q:       uint8(st.Q),
	}
	if q.Selected {
		query.Sel = gen2.SelSL
	}
	if err := gen2.BuildQuery(&s.r.tx, query); err != nil {
		return SlotOutcome{}, err
	}
	return s.reply(ctx, "Query")
}

func (s *gen2Session) slot(ctx context.Context, _ *AntiCollisionState, cmd SlotCommand) (SlotOutcome, error) {
	session := s.r.ec.Gen2.Session
	var err error
	note := "QueryRep"
	switch cmd {
	case CommandAdjustUp:
		note = "QueryAdjust"
		err = gen2.BuildQueryAdjust(&s.r.tx, session, 1)
	case CommandAdjustDown:
		note = "QueryAdjust"
		err = gen2.BuildQueryAdjust(&s.r.tx, session, -1)
	default:
		err = gen2.BuildQueryRep(&s.r.tx, session)
	}
	if err != nil {
		return SlotOutcome{}, err
	}
	return s.reply(ctx, note)
}

// reply resolves a slot: the RN16, then the EPC returned for its ACK. An
// RN16 whose ACK goes unanswered counts as a collision.
func (s *gen2Session) reply(ctx context.Context, note string) (SlotOutcome, error) {
	r := s.r
	out, err := resolve(s.exchange(ctx, gen2.RN16Spec, r.ec.Access.ReplyTimeout, nil, note))
	if err != nil || out.Kind != SlotTagFound {
		return out, err
	}
	rn, err := gen2.ParseRN16(&r.payload)
	if err != nil {
		return SlotOutcome{Kind: SlotCollision, Err: err}, nil
	}
	if err := gen2.BuildACK(&r.tx, rn); err != nil {
		return SlotOutcome{}, err
	}
	out, err = resolve(s.exchange(ctx, gen2.EPCSpec, r.ec.Access.ReplyTimeout, nil, "ACK"))
	if err != nil {
		return out, err
	}
	if out.Kind != SlotTagFound {
		return SlotOutcome{Kind: SlotCollision, Err: out.Err}, nil
	}
	pc, epc, err := gen2.ParseEPCReply(&r.payload)
	if err != nil {
		return SlotOutcome{Kind: SlotCollision, Err: err}, nil
	}
	r.fillTag(rn, pc, epc)
	return SlotOutcome{Kind: SlotTagFound}, nil
}

func (s *gen2Session) selectTag(ctx context.Context, id []byte) error {
	if len(id) == 0 || len(id) > gen2MaxMaskBytes {
		return fmt.Errorf("%w: EPC of %d bytes cannot be selected", ErrInvalidRequest, len(id))
	}
	sel := gen2.Select{
		Target:   gen2SelectSL,
		Action:   gen2AssertSL,
		Bank:     gen2.BankEPC,
		Pointer:  gen2EPCPointer,
		Mask:     id,
		MaskBits: uint8(len(id) * 8),
	}
	if err := gen2.BuildSelect(&s.r.tx, sel); err != nil {
		return err
	}
	return s.send(ctx, "Select")
}

// reqRN returns a fresh RN16 from the tag holding handle, or the handle
// itself right after ACK.
func (s *gen2Session) reqRN(ctx context.Context, rn uint16) (uint16, error) {
	if err := gen2.BuildReqRN(&s.r.tx, rn); err != nil {
		return 0, err
	}
	if err := s.exchange(ctx, gen2.HandleSpec, s.r.ec.Access.ReplyTimeout, nil, "ReqRN"); err != nil {
		return 0, err
	}
	return gen2.ParseHandleReply(&s.r.payload)
}

func (s *gen2Session) acquire(ctx context.Context, rn uint16) (uint16, error) {
	return s.reqRN(ctx, rn)
}

// authenticate sends the access password as two halves, each covered with
// its own RN16. Kill carries its own password. A wrong password is answered
// with silence.
func (s *gen2Session) authenticate(ctx context.Context, handle uint16, req *AccessRequest) error {
	if req.Password == 0 || req.Op == OpKill {
		return nil
	}
	for _, half := range passwordHalves(req.Password) {
		rn, err := s.reqRN(ctx, handle)
		if err != nil {
			return err
		}
		if err := gen2.BuildAccess(&s.r.tx, half^rn, handle); err != nil {
			return err
		}
		if err := s.exchange(ctx, gen2.HandleSpec, s.r.ec.Access.ReplyTimeout, nil, "Access"); err != nil {
			return err
		}
		got, err := gen2.ParseHandleReply(&s.r.payload)
		if err != nil {
			return err
		}
		if got != handle {
			return fmt.Errorf("%w: Access answered with handle %04X", gen2.ErrMalformed, got)
		}
	}
	return nil
}

func (s *gen2Session) execute(ctx context.Context, handle uint16, req *AccessRequest, budget *RetryBudget) ([]uint16, error) {
	switch req.Op {
	case OpRead:
		return s.read(ctx, handle, req.Area, req.Pointer, req.Count)
	case OpWrite:
		return nil, s.write(ctx, handle, req.Area, req.Pointer, req.Data, budget)
	case OpErase:
		return nil, s.write(ctx, handle, req.Area, req.Pointer, make([]uint16, req.Count), budget)
	case OpLock:
		if err := gen2.BuildLock(&s.r.tx, req.Lock.Payload, handle); err != nil {
			return nil, err
		}
		return nil, s.delayed(ctx, "Lock", handle, budget)
	case OpKill:
		return nil, s.kill(ctx, handle, req.Password, budget)
	default:
		return nil, fmt.Errorf("%w: operation %d", ErrInvalidRequest, req.Op)
	}
}

// write sends one cover-coded Write per word.
func (s *gen2Session) write(
	ctx context.Context, handle uint16, area Area, pointer uint16, data []uint16, budget *RetryBudget,
) error {
	for i, w := range data {
		rn, err := s.reqRN(ctx, handle)
		if err != nil {
			return err
		}
		if err := gen2.BuildWrite(&s.r.tx, area.gen2Bank(), uint32(pointer)+uint32(i), w^rn, handle); err != nil {
			return err
		}
		if err := s.delayed(ctx, "Write", handle, budget); err != nil {
			return err
		}
	}
	return nil
}

func (s *gen2Session) kill(ctx context.Context, handle uint16, password uint32, budget *RetryBudget) error {
	for i, half := range passwordHalves(password) {
		rn, err := s.reqRN(ctx, handle)
		if err != nil {
			return err
		}
		if err := gen2.BuildKill(&s.r.tx, half^rn, 0, handle); err != nil {
			return err
		}
		if i == 0 {
			if err := s.exchange(ctx, gen2.HandleSpec, s.r.ec.Access.ReplyTimeout, nil, "Kill"); err != nil {
				return err
			}
			continue
		}
		if err := s.delayed(ctx, "Kill", handle, budget); err != nil {
			return err
		}
	}
	return nil
}

// delayed exchanges a command whose reply comes after the tag has written
// its memory.
func (s *gen2Session) delayed(ctx context.Context, note string, handle uint16, budget *RetryBudget) error {
	if err := s.exchange(ctx, gen2.DelayedSpec, DelayedReplyTimeout, budget, note); err != nil {
		return err
	}
	rep, err := gen2.ParseAccessReply(&s.r.payload)
	if err != nil {
		return err
	}
	if rep.Failed {
		return &TagError{Command: note, Protocol: ProtocolGen2, Code: uint8(rep.Code)}
	}
	if rep.Handle != handle {
		return fmt.Errorf("%w: %s answered with handle %04X", gen2.ErrMalformed, note, rep.Handle)
	}
	return nil
}

func (s *gen2Session) read(ctx context.Context, handle uint16, area Area, pointer uint16, count uint8) ([]uint16, error) {
	if err := gen2.BuildRead(&s.r.tx, area.gen2Bank(), uint32(pointer), count, handle); err != nil {
		return nil, err
	}
	if err := s.exchange(ctx, gen2.ReadSpec(int(count)), s.r.ec.Access.ReplyTimeout, nil, "Read"); err != nil {
		return nil, err
	}
	rep, err := gen2.ParseAccessReply(&s.r.payload)
	if err != nil {
		return nil, err
	}
	if rep.Failed {
		return nil, &TagError{Command: "Read", Protocol: ProtocolGen2, Code: uint8(rep.Code)}
	}
	if len(rep.Data) != int(count) || rep.Handle != handle {
		return nil, fmt.Errorf("%w: Read returned %d of %d words", ErrShortReply, len(rep.Data), count)
	}
	return rep.Data, nil
}

func passwordHalves(p uint32) [2]uint16 {
	return [2]uint16{uint16(p >> 16), uint16(p)}
}
