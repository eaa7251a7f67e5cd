// Package testing provides a register-level simulator of a UHF reader chip
// with virtual Gen2 and GB/T 29768 tags in its field.
//
// VirtualReader implements the transceiver, direct-mode line, tuner,
// antenna switch and clock interfaces of the engine. Time is virtual: it
// advances with every poll of the cycle counter, every wait and every sleep,
// so tests run deterministically and without real delays.
//
// Gen2 frames go through the FIFO and the native protocol engine. GB/T 29768
// frames are recovered from the pulses driven on the TX line and the tag
// replies are played back on the RX line as backscatter edges.
package testing

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/regs"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("virtual reader closed")

// Simulator defaults
const (
	DefaultCycleHz  = 64_000_000
	DefaultPollCost = 4
	// quietRSSI is the RSSI register value of an idle channel.
	quietRSSI = 0x11
	// agcGain is the AGC register value reported after every reply.
	agcGain = 0x05
)

// replyLatency is the virtual time a native-mode reply takes to arrive.
const replyLatency = 150 * time.Microsecond

var simEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// SimConfig configures a VirtualReader.
type SimConfig struct {
	// Seed makes tag slot choices and RNs reproducible. Zero picks a random
	// seed.
	Seed uint64
	// CycleHz is the frequency of the direct-mode cycle counter.
	CycleHz uint32
	// PollCost is the number of cycles every Cycles call advances.
	PollCost uint32
	// Antennas is the number of antenna ports.
	Antennas int
}

// DefaultSimConfig returns a single-antenna reader with a 64 MHz counter.
func DefaultSimConfig() SimConfig {
	return SimConfig{CycleHz: DefaultCycleHz, PollCost: DefaultPollCost, Antennas: 1}
}

// SimStats counts what the reader did to the simulated chip.
type SimStats struct {
	Commands     map[byte]int
	Frames       int
	RSSIProbes   int
	Tunes        int
	Applies      int
	FieldCycles  int
	AntennaMoves int
}

type nativeReply struct {
	data []byte
	bits int
	rssi byte
}

// VirtualReader simulates the reader chip at register level.
//
//nolint:govet // field order follows the chip blocks
type VirtualReader struct {
	mu     syncutil.Mutex
	rng    *rand.Rand
	config SimConfig
	tags   []*VirtualTag

	regs    [64]byte
	txFIFO  []byte
	rx      []byte
	rxBits  int
	pending uint16
	queued  *nativeReply

	abs  uint64
	base uint64

	antenna   int
	caps      [3]uint8
	reflected map[int]uint16
	tuneFault bool

	noise   map[uint32]byte
	pllFail map[uint32]bool

	burstWrites int
	loseWrites  int

	line  directLine
	stats SimStats
	out   frame.BitFrame

	closed bool
}

// NewVirtualReader creates a simulator with no tags in the field.
func NewVirtualReader(config SimConfig) *VirtualReader {
	if config.CycleHz == 0 {
		config.CycleHz = DefaultCycleHz
	}
	if config.PollCost == 0 {
		config.PollCost = DefaultPollCost
	}
	if config.Antennas < 1 {
		config.Antennas = 1
	}
	var rng *rand.Rand
	if config.Seed != 0 {
		rng = rand.New(rand.NewPCG(config.Seed, config.Seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // Test code, not crypto
	}
	return &VirtualReader{
		config:    config,
		rng:       rng,
		noise:     make(map[uint32]byte),
		pllFail:   make(map[uint32]bool),
		reflected: make(map[int]uint16),
		stats:     SimStats{Commands: make(map[byte]int)},
	}
}

// AddTag puts a tag into the field.
func (v *VirtualReader) AddTag(tag *VirtualTag) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tags = append(v.tags, tag)
}

// RemoveAllTags empties the field.
func (v *VirtualReader) RemoveAllTags() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tags = nil
}

// SetPresent moves a tag into or out of the field.
func (v *VirtualReader) SetPresent(tag *VirtualTag, present bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tag.Present = present
	if !present {
		tag.powerDown()
	}
}

// Memory returns a copy of one memory area of tag.
func (v *VirtualReader) Memory(tag *VirtualTag, area int) []uint16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]uint16(nil), tag.Memory[area]...)
}

// Killed reports whether tag was killed.
func (v *VirtualReader) Killed(tag *VirtualTag) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return tag.Killed()
}

// BurstOnWrite makes the next n memory-writing commands answer with an RF
// burst before the real reply.
func (v *VirtualReader) BurstOnWrite(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.burstWrites = n
}

// LoseWriteReplies makes the next n memory-writing commands take effect on
// the tag while their replies are lost.
func (v *VirtualReader) LoseWriteReplies(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loseWrites = n
}

// FailPLL keeps the synthesizer from locking on freqKHz.
func (v *VirtualReader) FailPLL(freqKHz uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pllFail[freqKHz] = true
}

// SetNoise sets the RSSI register value measured on freqKHz.
func (v *VirtualReader) SetNoise(freqKHz uint32, rssi byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.noise[freqKHz] = rssi
}

// Stats returns a snapshot of the counters.
func (v *VirtualReader) Stats() SimStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.stats
	s.Commands = make(map[byte]int, len(v.stats.Commands))
	for k, n := range v.stats.Commands {
		s.Commands[k] = n
	}
	return s
}

// Register returns the raw value of a register.
func (v *VirtualReader) Register(addr byte) byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.regs[addr&0x3F]
}

// FieldOn reports whether the carrier is up.
func (v *VirtualReader) FieldOn() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fieldOn()
}

// FrequencyKHz returns the frequency the synthesizer is programmed to.
func (v *VirtualReader) FrequencyKHz() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frequency()
}

func (v *VirtualReader) fieldOn() bool {
	return v.regs[regs.StatusControl]&regs.StatusRFOn != 0
}

func (v *VirtualReader) frequency() uint32 {
	div := uint32(v.regs[regs.PLLDivider0])<<16 | uint32(v.regs[regs.PLLDivider1])<<8 | uint32(v.regs[regs.PLLDivider2])
	ref := regs.PLLReferenceHz[v.regs[regs.PLLReference]&0x03] / 1000
	return div * ref
}

func (v *VirtualReader) visible(t *VirtualTag) bool {
	return t.Present && (t.Antenna < 0 || t.Antenna == v.antenna)
}

// WriteRegister implements the transceiver register write.
func (v *VirtualReader) WriteRegister(addr, value byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	addr &= 0x3F
	switch addr {
	case regs.FIFO:
		v.txFIFO = append(v.txFIFO, value)
		return nil
	case regs.StatusControl:
		wasOn := v.fieldOn()
		v.regs[addr] = value
		if wasOn && !v.fieldOn() {
			for _, t := range v.tags {
				t.powerDown()
			}
		}
		if !wasOn && v.fieldOn() {
			v.stats.FieldCycles++
		}
		return nil
	}
	v.regs[addr] = value
	return nil
}

// ReadRegister implements the transceiver register read.
func (v *VirtualReader) ReadRegister(addr byte) (byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrClosed
	}
	addr &= 0x3F
	switch addr {
	case regs.FIFO:
		if len(v.rx) == 0 {
			return 0, nil
		}
		b := v.rx[0]
		v.rx = v.rx[1:]
		return b, nil
	case regs.RxLength1:
		return byte(v.rxBits >> 8), nil
	case regs.RxLength2:
		return byte(v.rxBits), nil
	case regs.PLLStatus:
		if v.pllFail[v.frequency()] {
			return 0, nil
		}
		return regs.PLLLockBit, nil
	}
	return v.regs[addr], nil
}

// IssueCommand implements the transceiver direct commands.
func (v *VirtualReader) IssueCommand(code byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.stats.Commands[code]++
	switch code {
	case regs.CmdResetFIFO:
		v.txFIFO = v.txFIFO[:0]
		v.rx, v.rxBits = nil, 0
	case regs.CmdTransmitNoCRC, regs.CmdTransmitCRC:
		v.transmit()
	case regs.CmdEnableRX:
		if v.queued != nil {
			v.deliver(*v.queued)
			v.queued = nil
		}
	case regs.CmdMeasureRSSI:
		v.stats.RSSIProbes++
		rssi, ok := v.noise[v.frequency()]
		if !ok {
			rssi = quietRSSI
		}
		v.regs[regs.RSSI] = rssi
		v.pending |= regs.IRQRSSI
	}
	return nil
}

// WaitForResponse returns the pending interrupts in mask. Without any it
// lets the whole timeout pass in virtual time.
func (v *VirtualReader) WaitForResponse(ctx context.Context, mask uint16, timeout time.Duration) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrClosed
	}
	got := v.pending & mask
	if got == 0 {
		v.abs += v.toCycles(timeout)
		return 0, nil
	}
	v.pending &^= got
	v.abs += v.toCycles(replyLatency)
	return got, nil
}

// Close implements the transceiver close.
func (v *VirtualReader) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

// transmit hands the FIFO contents to the Gen2 tags in the field.
func (v *VirtualReader) transmit() {
	v.pending = regs.IRQTx
	v.queued = nil
	v.rx, v.rxBits = nil, 0
	v.stats.Frames++

	n := int(v.regs[regs.TxLength1])<<8 | int(v.regs[regs.TxLength2])
	var cmd frame.BitFrame
	if err := cmd.Load(v.txFIFO, n); err != nil || !v.fieldOn() ||
		v.regs[regs.ProtocolControl]&(regs.ProtocolMask|regs.ProtocolDirectMode) != regs.ProtocolGen2 {
		v.pending |= regs.IRQNoResp
		return
	}
	req, err := gen2.ParseRequest(&cmd)
	if err != nil {
		v.pending |= regs.IRQNoResp
		return
	}

	var replies []nativeReply
	for _, t := range v.tags {
		if t.Protocol != TagGen2 || !v.visible(t) {
			continue
		}
		if t.handleGen2(req, v.rng, &v.out) {
			replies = append(replies, nativeReply{
				data: append([]byte(nil), v.out.Bytes()...),
				bits: v.out.Len(),
				rssi: t.RSSI,
			})
		}
	}

	writes := req.Cmd == gen2.CmdWrite || req.Cmd == gen2.CmdLock
	switch {
	case len(replies) == 0:
		v.pending |= regs.IRQNoResp
	case writes && v.loseWrites > 0:
		v.loseWrites--
		v.pending |= regs.IRQNoResp
	case writes && v.burstWrites > 0:
		v.burstWrites--
		v.queued = &replies[0]
		v.pending |= regs.IRQPreamble
	case len(replies) == 1:
		v.deliver(replies[0])
	default:
		v.collide(replies)
	}
}

// collide superimposes concurrent replies. Bare RN16s merge into one
// plausible value; anything carrying a CRC fails it.
func (v *VirtualReader) collide(replies []nativeReply) {
	merged := nativeReply{data: make([]byte, len(replies[0].data)), bits: replies[0].bits}
	for _, r := range replies {
		if r.bits != gen2.RN16ReplyBits || merged.bits != gen2.RN16ReplyBits {
			v.pending |= regs.IRQCRCError
			return
		}
		for i := range merged.data {
			merged.data[i] |= r.data[i]
		}
		merged.rssi = max(merged.rssi, r.rssi)
	}
	v.deliver(merged)
}

func (v *VirtualReader) deliver(r nativeReply) {
	v.rx = append(v.rx[:0], r.data...)
	v.rxBits = r.bits
	v.regs[regs.RSSI] = r.rssi
	v.regs[regs.AGCStatus] = agcGain
	v.pending |= regs.IRQRx
}

// Now implements the engine clock.
func (v *VirtualReader) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return simEpoch.Add(v.toDuration(v.abs))
}

// Sleep advances virtual time by d.
func (v *VirtualReader) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if d > 0 {
		v.abs += v.toCycles(d)
	}
	return nil
}

// Advance moves virtual time forward, as if the host were busy elsewhere.
func (v *VirtualReader) Advance(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.abs += v.toCycles(d)
}

func (v *VirtualReader) toCycles(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	hz := uint64(v.config.CycleHz)
	ns := uint64(d)
	return ns/1e9*hz + ns%1e9*hz/1e9
}

func (v *VirtualReader) toDuration(cycles uint64) time.Duration {
	hz := uint64(v.config.CycleHz)
	return time.Duration(cycles/hz*1e9 + cycles%hz*1e9/hz)
}
