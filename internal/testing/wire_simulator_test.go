package testing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/regs"
	"github.com/ZaparooProject/go-uhf/internal/softphy"
	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

func newSim(t *testing.T, tags ...*VirtualTag) *VirtualReader {
	t.Helper()
	cfg := DefaultSimConfig()
	cfg.Seed = 42
	sim := NewVirtualReader(cfg)
	for _, tag := range tags {
		sim.AddTag(tag)
	}
	return sim
}

// sendFIFO transmits f through the FIFO like the native Gen2 path does.
func sendFIFO(t *testing.T, sim *VirtualReader, f *frame.BitFrame) {
	t.Helper()
	require.NoError(t, sim.IssueCommand(regs.CmdResetFIFO))
	require.NoError(t, sim.WriteRegister(regs.TxLength1, byte(f.Len()>>8)))
	require.NoError(t, sim.WriteRegister(regs.TxLength2, byte(f.Len())))
	for _, b := range f.Bytes() {
		require.NoError(t, sim.WriteRegister(regs.FIFO, b))
	}
	require.NoError(t, sim.IssueCommand(regs.CmdTransmitNoCRC))
}

// receiveFIFO waits for a reply and loads it into raw.
func receiveFIFO(t *testing.T, sim *VirtualReader, raw *frame.BitFrame) uint16 {
	t.Helper()
	irq, err := sim.WaitForResponse(context.Background(), regs.IRQRxDone, time.Millisecond)
	require.NoError(t, err)
	if irq&regs.IRQRx == 0 {
		return irq
	}
	hi, err := sim.ReadRegister(regs.RxLength1)
	require.NoError(t, err)
	lo, err := sim.ReadRegister(regs.RxLength2)
	require.NoError(t, err)
	n := int(hi)<<8 | int(lo)
	buf := make([]byte, (n+7)/8)
	for i := range buf {
		buf[i], err = sim.ReadRegister(regs.FIFO)
		require.NoError(t, err)
	}
	require.NoError(t, raw.Load(buf, n))
	return irq
}

func raiseGen2Field(t *testing.T, sim *VirtualReader) {
	t.Helper()
	require.NoError(t, sim.WriteRegister(regs.ProtocolControl, regs.ProtocolGen2|regs.ProtocolNoRxCRC))
	require.NoError(t, sim.WriteRegister(regs.StatusControl, regs.StatusRFOn))
}

func TestVirtualReader_Gen2QueryAndACK(t *testing.T) {
	t.Parallel()

	tag := NewGen2Tag(SampleEPC, SampleTID)
	sim := newSim(t, tag)
	raiseGen2Field(t, sim)

	var tx, raw, payload frame.BitFrame
	require.NoError(t, gen2.BuildQuery(&tx, gen2.Query{M: gen2.CodingMiller4, Session: 1}))
	sendFIFO(t, sim, &tx)
	require.Equal(t, regs.IRQRx, receiveFIFO(t, sim, &raw))
	require.NoError(t, frame.ExtractReply(&raw, gen2.RN16Spec, &payload))
	rn, err := gen2.ParseRN16(&payload)
	require.NoError(t, err)

	require.NoError(t, gen2.BuildACK(&tx, rn))
	sendFIFO(t, sim, &tx)
	require.Equal(t, regs.IRQRx, receiveFIFO(t, sim, &raw))
	require.NoError(t, frame.ExtractReply(&raw, gen2.EPCSpec, &payload))
	_, epc, err := gen2.ParseEPCReply(&payload)
	require.NoError(t, err)
	assert.Equal(t, SampleEPC, epc)
	assert.Equal(t, tag.RSSI, sim.Register(regs.RSSI))

	// The next round's Query flips the inventoried flag, so the tag sits
	// out a round with the same target.
	require.NoError(t, gen2.BuildQuery(&tx, gen2.Query{M: gen2.CodingMiller4, Session: 1}))
	sendFIFO(t, sim, &tx)
	assert.Equal(t, regs.IRQNoResp, receiveFIFO(t, sim, &raw))

	require.NoError(t, gen2.BuildQuery(&tx, gen2.Query{M: gen2.CodingMiller4, Session: 1, Target: true}))
	sendFIFO(t, sim, &tx)
	assert.Equal(t, regs.IRQRx, receiveFIFO(t, sim, &raw))
}

func TestVirtualReader_NoFieldNoReply(t *testing.T) {
	t.Parallel()

	sim := newSim(t, NewGen2Tag(SampleEPC, SampleTID))
	require.NoError(t, sim.WriteRegister(regs.ProtocolControl, regs.ProtocolGen2))

	var tx, raw frame.BitFrame
	require.NoError(t, gen2.BuildQuery(&tx, gen2.Query{}))
	sendFIFO(t, sim, &tx)
	assert.Equal(t, regs.IRQNoResp, receiveFIFO(t, sim, &raw))
}

func TestVirtualReader_Gen2Collision(t *testing.T) {
	t.Parallel()

	sim := newSim(t, Gen2Population(2)...)
	raiseGen2Field(t, sim)

	var tx, raw frame.BitFrame
	require.NoError(t, gen2.BuildQuery(&tx, gen2.Query{Session: 2}))
	sendFIFO(t, sim, &tx)

	// Two RN16s without CRC superimpose into one plausible value.
	require.Equal(t, regs.IRQRx, receiveFIFO(t, sim, &raw))
	assert.Equal(t, gen2.RN16ReplyBits, raw.Len())
}

func TestVirtualReader_AntennaVisibility(t *testing.T) {
	t.Parallel()

	tag := NewGen2Tag(SampleEPC, SampleTID)
	tag.Antenna = 1
	cfg := DefaultSimConfig()
	cfg.Seed = 5
	cfg.Antennas = 2
	sim := NewVirtualReader(cfg)
	sim.AddTag(tag)
	raiseGen2Field(t, sim)

	var tx, raw frame.BitFrame
	require.NoError(t, gen2.BuildQuery(&tx, gen2.Query{}))
	sendFIFO(t, sim, &tx)
	assert.Equal(t, regs.IRQNoResp, receiveFIFO(t, sim, &raw))

	require.NoError(t, sim.SelectAntenna(1))
	sendFIFO(t, sim, &tx)
	assert.Equal(t, regs.IRQRx, receiveFIFO(t, sim, &raw))
	assert.Equal(t, 1, sim.Stats().AntennaMoves)

	require.Error(t, sim.SelectAntenna(2))
}

func TestVirtualReader_SynthesizerAndRSSI(t *testing.T) {
	t.Parallel()

	sim := newSim(t)
	program := func(freqKHz uint32) {
		div := freqKHz / 125
		require.NoError(t, sim.WriteRegister(regs.PLLReference, 0))
		require.NoError(t, sim.WriteRegister(regs.PLLDivider0, byte(div>>16)))
		require.NoError(t, sim.WriteRegister(regs.PLLDivider1, byte(div>>8)))
		require.NoError(t, sim.WriteRegister(regs.PLLDivider2, byte(div)))
	}

	program(920_625)
	assert.Equal(t, uint32(920_625), sim.FrequencyKHz())
	st, err := sim.ReadRegister(regs.PLLStatus)
	require.NoError(t, err)
	assert.Equal(t, byte(regs.PLLLockBit), st&regs.PLLLockBit)

	sim.FailPLL(920_625)
	st, err = sim.ReadRegister(regs.PLLStatus)
	require.NoError(t, err)
	assert.Zero(t, st&regs.PLLLockBit)

	sim.SetNoise(920_625, 0x9A)
	require.NoError(t, sim.IssueCommand(regs.CmdMeasureRSSI))
	irq, err := sim.WaitForResponse(context.Background(), regs.IRQRSSI, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, regs.IRQRSSI, irq)
	rssi, err := sim.ReadRegister(regs.RSSI)
	require.NoError(t, err)
	assert.Equal(t, byte(0x9A), rssi)
	assert.Equal(t, 1, sim.Stats().RSSIProbes)
}

func TestVirtualReader_VirtualTime(t *testing.T) {
	t.Parallel()

	sim := newSim(t)
	start := sim.Now()
	require.NoError(t, sim.Sleep(context.Background(), 3*time.Millisecond))
	assert.Equal(t, 3*time.Millisecond, sim.Now().Sub(start))

	sim.ResetCycles()
	a := sim.Cycles()
	b := sim.Cycles()
	assert.Equal(t, uint32(DefaultPollCost), b-a)

	// A wait without pending interrupts lets the whole timeout pass.
	before := sim.Now()
	irq, err := sim.WaitForResponse(context.Background(), regs.IRQRx, 2*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, irq)
	assert.Equal(t, 2*time.Millisecond, sim.Now().Sub(before))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sim.Sleep(ctx, time.Second), context.Canceled)
}

func TestVirtualReader_Closed(t *testing.T) {
	t.Parallel()

	sim := newSim(t)
	require.NoError(t, sim.Close())
	require.ErrorIs(t, sim.WriteRegister(regs.FIFO, 0), ErrClosed)
	_, err := sim.ReadRegister(regs.RSSI)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, sim.IssueCommand(regs.CmdIdle), ErrClosed)
	require.ErrorIs(t, sim.EnterDirectMode(), ErrClosed)
}

// gbExchange bit-bangs cmd on the direct-mode line and decodes the reply.
func gbExchange(t *testing.T, sim *VirtualReader, cmd *frame.BitFrame, link softphy.Link, spec frame.ReplySpec, payload *frame.BitFrame) error {
	t.Helper()
	hz := sim.CycleFrequency()
	var train softphy.PulseTrain
	require.NoError(t, softphy.EncodeForward(cmd, hz/160_000, &train))
	softphy.Transmit(sim, &train)

	var c softphy.Capture
	err := c.Run(sim, softphy.CaptureConfig{Half: link.Half(hz), FirstEdge: hz / 10_000, PollBudget: 25})
	if err != nil {
		return err
	}
	var d softphy.Decoder
	var raw frame.BitFrame
	if err := d.Decode(&c, link, hz, &raw); err != nil {
		return err
	}
	return frame.ExtractReply(&raw, spec, payload)
}

func raiseGBField(t *testing.T, sim *VirtualReader) {
	t.Helper()
	require.NoError(t, sim.WriteRegister(regs.ProtocolControl, regs.ProtocolGB29768|regs.ProtocolDirectMode))
	require.NoError(t, sim.WriteRegister(regs.StatusControl, regs.StatusRFOn))
	require.NoError(t, sim.EnterDirectMode())
}

func TestVirtualReader_DirectModeLoopback(t *testing.T) {
	t.Parallel()

	tag := NewGBTag(SampleGBID, SampleGBTI)
	sim := newSim(t, tag)
	raiseGBField(t, sim)

	q := gb29768.Query{BLFCode: 5, Coding: gb29768.CodingMiller2, TRext: true}
	link := softphy.Link{BLF: regs.BLFCodes[q.BLFCode], Coding: softphy.Miller2, TRext: true}

	var tx, payload frame.BitFrame
	require.NoError(t, gb29768.BuildQuery(&tx, q))
	require.NoError(t, gbExchange(t, sim, &tx, link, gb29768.ReplySpec(gb29768.CodeQuery, 0), &payload))
	rn, err := gb29768.ParseSlotReply(&payload)
	require.NoError(t, err)

	require.NoError(t, gb29768.BuildACK(&tx, rn))
	require.NoError(t, gbExchange(t, sim, &tx, link, gb29768.ReplySpec(gb29768.CodeACK, 0), &payload))
	_, id, err := gb29768.ParseACKReply(&payload)
	require.NoError(t, err)
	assert.Equal(t, SampleGBID, id)

	// A wrong RN11 is ignored.
	require.NoError(t, gb29768.BuildACK(&tx, rn^0x001))
	err = gbExchange(t, sim, &tx, link, gb29768.ReplySpec(gb29768.CodeACK, 0), &payload)
	assert.ErrorIs(t, err, softphy.ErrNoResponse)
}

func TestVirtualReader_DirectModeBurst(t *testing.T) {
	t.Parallel()

	tag := NewGBTag(SampleGBID, SampleGBTI)
	sim := newSim(t, tag)
	raiseGBField(t, sim)

	q := gb29768.Query{BLFCode: 5, Coding: gb29768.CodingMiller2, TRext: true}
	link := softphy.Link{BLF: regs.BLFCodes[q.BLFCode], Coding: softphy.Miller2, TRext: true}
	var tx, payload frame.BitFrame
	require.NoError(t, gb29768.BuildQuery(&tx, q))
	require.NoError(t, gbExchange(t, sim, &tx, link, gb29768.ReplySpec(gb29768.CodeQuery, 0), &payload))
	rn, err := gb29768.ParseSlotReply(&payload)
	require.NoError(t, err)
	require.NoError(t, gb29768.BuildACK(&tx, rn))
	require.NoError(t, gbExchange(t, sim, &tx, link, gb29768.ReplySpec(gb29768.CodeACK, 0), &payload))
	require.NoError(t, gb29768.BuildGetRN(&tx, rn))
	require.NoError(t, gbExchange(t, sim, &tx, link, gb29768.ReplySpec(gb29768.CodeGetRN, 0), &payload))
	_, handle, err := gb29768.ParseGetRNReply(&payload)
	require.NoError(t, err)

	sim.BurstOnWrite(1)
	require.NoError(t, gb29768.BuildWrite(&tx, gb29768.AreaUser, 0, []uint16{0xBEEF}, handle))
	err = gbExchange(t, sim, &tx, link, gb29768.ReplySpec(gb29768.CodeWrite, 0), &payload)
	require.ErrorIs(t, err, softphy.ErrPreamble)

	// The covered reply follows the burst.
	var c softphy.Capture
	hz := sim.CycleFrequency()
	require.NoError(t, c.Run(sim, softphy.CaptureConfig{Half: link.Half(hz), FirstEdge: hz / 1000, PollBudget: 25}))
	var d softphy.Decoder
	var raw frame.BitFrame
	require.NoError(t, d.Decode(&c, link, hz, &raw))
	require.NoError(t, frame.ExtractReply(&raw, gb29768.ReplySpec(gb29768.CodeWrite, 0), &payload))
	rep, err := gb29768.ParseStatusReply(&payload)
	require.NoError(t, err)
	assert.Equal(t, gb29768.StatusOK, rep.Status)
	assert.Equal(t, uint16(0xBEEF), sim.Memory(tag, AreaUser)[0])
}
