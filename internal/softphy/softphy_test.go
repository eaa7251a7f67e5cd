package softphy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ZaparooProject/go-uhf/internal/frame"
)

const testCycleHz = 64_000_000

// scriptLine replays a reverse-link waveform. Each Cycles call costs a fixed
// number of cycles; a single stall can be scheduled to model a delayed poll.
type scriptLine struct {
	edges    []uint32
	next     int
	t        uint32
	cost     uint32
	stallAt  uint32
	stallFor uint32
	stalled  bool
	tx       []Pulse
	txLevel  bool
	txSince  uint32
}

func newScriptLine(runs []uint8, h, delay, cost uint32) *scriptLine {
	l := &scriptLine{cost: cost, txLevel: true}
	at := delay
	l.edges = append(l.edges, at)
	for _, r := range runs[:len(runs)-1] {
		at += uint32(r) * h
		l.edges = append(l.edges, at)
	}
	return l
}

func (l *scriptLine) RX() bool {
	for l.next < len(l.edges) && l.edges[l.next] <= l.t {
		l.next++
	}
	return l.next%2 == 1
}

func (l *scriptLine) Cycles() uint32 {
	now := l.t
	l.t += l.cost
	if l.stallFor > 0 && !l.stalled && l.t >= l.stallAt {
		l.t += l.stallFor
		l.stalled = true
	}
	return now
}

func (l *scriptLine) ResetCycles() { l.t = 0 }

func (l *scriptLine) SetTX(high bool) {
	if high == l.txLevel {
		return
	}
	l.tx = append(l.tx, Pulse{High: l.txLevel, Cycles: l.t - l.txSince})
	l.txLevel = high
	l.txSince = l.t
}

func payloadFrame(t require.TestingT, bits []bool) *frame.BitFrame {
	var f frame.BitFrame
	for _, b := range bits {
		require.NoError(t, f.AppendBit(b))
	}
	return &f
}

func captureOf(t require.TestingT, runs []uint8, h uint32) *Capture {
	c := &Capture{}
	ivs := make([]uint32, 0, len(runs))
	for _, r := range runs[:len(runs)-1] {
		ivs = append(ivs, uint32(r)*h)
	}
	require.NoError(t, c.Load(true, ivs))
	return c
}

func framesEqual(t require.TestingT, want, got *frame.BitFrame) {
	require.Equal(t, want.Len(), got.Len())
	for i := range want.Len() {
		require.Equal(t, want.Bit(i), got.Bit(i), "bit %d", i)
	}
}

func TestLink_LeadIn(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		link Link
		want int
	}{
		{"FM0", Link{Coding: FM0}, 4},
		{"FM0 TRext", Link{Coding: FM0, TRext: true}, 24},
		{"Miller2", Link{Coding: Miller2}, 16},
		{"Miller4 TRext", Link{Coding: Miller4, TRext: true}, 128},
		{"Miller8", Link{Coding: Miller8}, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.link.LeadIn())
		})
	}
}

func TestLink_Half(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(100), Link{BLF: 320_000}.Half(testCycleHz))
	assert.Equal(t, uint32(0), Link{}.Half(testCycleHz))
}

func TestForward_RoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(t, "pairs") * 2
		bits := rapid.SliceOfN(rapid.Bool(), n, n).Draw(t, "bits")
		tc := uint32(rapid.IntRange(20, 400).Draw(t, "tc"))
		cmd := payloadFrame(t, bits)

		var train PulseTrain
		require.NoError(t, EncodeForward(cmd, tc, &train))

		var got frame.BitFrame
		require.NoError(t, DecodeForward(train.Pulses(), &got))
		framesEqual(t, cmd, &got)
	})
}

func TestForward_RejectsOddLength(t *testing.T) {
	t.Parallel()

	var train PulseTrain
	cmd := payloadFrame(t, []bool{true, false, true})
	require.ErrorIs(t, EncodeForward(cmd, 100, &train), ErrProtocol)
}

func TestTransmit_PacesEdgesAgainstCounter(t *testing.T) {
	t.Parallel()

	cmd := payloadFrame(t, []bool{false, false, false, true, true, true, true, false})
	var train PulseTrain
	require.NoError(t, EncodeForward(cmd, 400, &train))

	line := &scriptLine{cost: 3, txLevel: true}
	Transmit(line, &train)
	assert.True(t, line.txLevel)

	var got frame.BitFrame
	require.NoError(t, DecodeForward(line.tx, &got))
	framesEqual(t, cmd, &got)
}

func TestDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		link := Link{
			BLF:    uint32(rapid.SampledFrom([]int{40_000, 160_000, 320_000, 640_000}).Draw(t, "blf")),
			Coding: rapid.SampledFrom([]Coding{FM0, Miller2, Miller4, Miller8}).Draw(t, "coding"),
			TRext:  rapid.Bool().Draw(t, "trext"),
		}
		bits := rapid.SliceOfN(rapid.Bool(), 3, 256).Draw(t, "bits")
		payload := payloadFrame(t, bits)

		runs, err := EncodeReverse(payload, link, nil)
		require.NoError(t, err)

		var dec Decoder
		var got frame.BitFrame
		require.NoError(t, dec.Decode(captureOf(t, runs, link.Half(testCycleHz)), link, testCycleHz, &got))
		framesEqual(t, payload, &got)
	})
}

func TestCapture_RunThenDecode(t *testing.T) {
	t.Parallel()

	link := Link{BLF: 320_000, Coding: FM0}
	h := link.Half(testCycleHz)
	payload := payloadFrame(t, []bool{true, false, false, true, true, false, true, false, false, false, true, true})
	runs, err := EncodeReverse(payload, link, nil)
	require.NoError(t, err)

	line := newScriptLine(runs, h, 1500, 4)
	var c Capture
	require.NoError(t, c.Run(line, CaptureConfig{Half: h, FirstEdge: 5000, PollBudget: 20}))
	assert.Equal(t, len(runs)-1, c.Len())
	assert.Zero(t, c.Recoveries)

	var dec Decoder
	var got frame.BitFrame
	require.NoError(t, dec.Decode(&c, link, testCycleHz, &got))
	framesEqual(t, payload, &got)
}

func TestCapture_NoResponse(t *testing.T) {
	t.Parallel()

	line := &scriptLine{cost: 4}
	var c Capture
	err := c.Run(line, CaptureConfig{Half: 100, FirstEdge: 2000, PollBudget: 20})
	require.ErrorIs(t, err, ErrNoResponse)
}

// A delayed poll that swallows one short pulse of a Miller2 reply is repaired
// by the missed-pulse rule.
func TestCapture_RecoversMissedShortPulse(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		link := Link{BLF: 320_000, Coding: Miller2, TRext: rapid.Bool().Draw(t, "trext")}
		h := link.Half(testCycleHz)
		bits := rapid.SliceOfN(rapid.Bool(), 16, frame.MaxFrameBits).Draw(t, "bits")
		payload := payloadFrame(t, bits)

		runs, err := EncodeReverse(payload, link, nil)
		require.NoError(t, err)

		// Pick a pair of one-unit runs after the preamble.
		first := link.LeadIn() + preambleBits*link.BitUnits()
		var candidates []int
		for k := first; k+2 < len(runs)-1; k++ {
			if runs[k] == 1 && runs[k+1] == 1 {
				candidates = append(candidates, k)
			}
		}
		if len(candidates) == 0 {
			t.Skip("no short pulse pair")
		}
		k := rapid.SampledFrom(candidates).Draw(t, "pulse")

		const delay = 2000
		line := newScriptLine(runs, h, delay, 4)
		edge := line.edges[k]
		resume := rapid.Uint32Range(2*h+h/20, 2*h+19*h/20).Draw(t, "resume")
		line.stallAt = edge + h/5
		line.stallFor = edge + resume - line.stallAt

		var c Capture
		require.NoError(t, c.Run(line, CaptureConfig{Half: h, FirstEdge: 3 * delay, PollBudget: 20}))
		require.Equal(t, 1, c.Recoveries)

		var dec Decoder
		var got frame.BitFrame
		require.NoError(t, dec.Decode(&c, link, testCycleHz, &got))
		framesEqual(t, payload, &got)
	})
}

// The run after a recovered pair is measured from the lost edge, wherever
// the delayed poll lands in the gap.
func TestCapture_MissedPulseKeepsUnitGrid(t *testing.T) {
	t.Parallel()

	link := Link{BLF: 320_000, Coding: Miller2}
	h := link.Half(testCycleHz)
	runs := []uint8{2, 1, 1, 2, 1, 1, 2, 2, 1}

	rapid.Check(t, func(t *rapid.T) {
		const delay = 2000
		line := newScriptLine(runs, h, delay, 4)
		edge := line.edges[1]
		resume := rapid.Uint32Range(2*h+h/20, 2*h+19*h/20).Draw(t, "resume")
		line.stallAt = edge + h/5
		line.stallFor = edge + resume - line.stallAt

		var c Capture
		require.NoError(t, c.Run(line, CaptureConfig{Half: h, FirstEdge: 3 * delay, PollBudget: 20}))
		require.Equal(t, 1, c.Recoveries)
		require.Equal(t, len(runs)-1, c.Len())

		for i := range c.Len() {
			iv, recovered := c.Interval(i)
			units := classify(iv, h, false)
			if recovered {
				units = classifyRecovered(iv, h)
			}
			assert.Equal(t, int(runs[i]), units, "interval %d (%d cycles)", i, iv)
		}
	})
}

// BLF 320 kHz, Miller2 with extended pilot, carrying a GetRN style reply.
func TestDecode_RandomAndHandleReply(t *testing.T) {
	t.Parallel()

	const rn, handle = 0xBEEF, 0x1357
	link := Link{BLF: 320_000, Coding: Miller2, TRext: true}

	var reply frame.BitFrame
	require.NoError(t, reply.AppendBits(rn, 16))
	require.NoError(t, reply.AppendBits(handle, 16))
	require.NoError(t, reply.AppendCRC16())

	runs, err := EncodeReverse(&reply, link, nil)
	require.NoError(t, err)

	h := link.Half(testCycleHz)
	line := newScriptLine(runs, h, 1200, 5)
	var c Capture
	require.NoError(t, c.Run(line, CaptureConfig{Half: h, FirstEdge: 4000, PollBudget: 25}))

	var dec Decoder
	var raw, payload frame.BitFrame
	require.NoError(t, dec.Decode(&c, link, testCycleHz, &raw))
	require.NoError(t, frame.ExtractReply(&raw, frame.ReplySpec{MinBits: 48, CRC: frame.CRC16Trailer}, &payload))

	gotRN, err := payload.ReadBits(16)
	require.NoError(t, err)
	gotHandle, err := payload.ReadBits(16)
	require.NoError(t, err)
	assert.Equal(t, uint16(rn), gotRN)
	assert.Equal(t, uint16(handle), gotHandle)
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	link := Link{BLF: 320_000, Coding: Miller4}
	h := link.Half(testCycleHz)
	payload := payloadFrame(t, []bool{true, true, false, true, false, false, true, false, true, true, true, false, false, true, false, true})
	runs, err := EncodeReverse(payload, link, nil)
	require.NoError(t, err)

	t.Run("short lead-in", func(t *testing.T) {
		t.Parallel()
		var dec Decoder
		var got frame.BitFrame
		err := dec.Decode(captureOf(t, runs[30:], h), link, testCycleHz, &got)
		require.ErrorIs(t, err, ErrPreamble)
	})

	t.Run("noise burst", func(t *testing.T) {
		t.Parallel()
		var dec Decoder
		var got frame.BitFrame
		err := dec.Decode(captureOf(t, []uint8{1, 1, 1}, h), link, testCycleHz, &got)
		require.ErrorIs(t, err, ErrNoResponse)
	})

	t.Run("stop bit", func(t *testing.T) {
		t.Parallel()
		fm0 := Link{BLF: 320_000, Coding: FM0}
		units := encodeFM0(payload, fm0)
		units[len(units)-1] = !units[len(units)-1]
		var dec Decoder
		var got frame.BitFrame
		err := dec.Decode(captureOf(t, runLengths(units, nil), fm0.Half(testCycleHz)), fm0, testCycleHz, &got)
		require.ErrorIs(t, err, ErrStopBit)
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	const h = 80
	assert.Equal(t, 1, classify(100, h, false))
	assert.Equal(t, 2, classify(130, h, false))
	assert.Equal(t, 1, classify(130, h, true))
	assert.Equal(t, 2, classify(190, h, false))
	assert.Equal(t, 3, classify(230, h, false))
	assert.Equal(t, 1, classifyRecovered(60, h))
	assert.Equal(t, 2, classifyRecovered(400, h))
}
