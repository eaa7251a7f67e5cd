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

package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

const (
	// DefaultEEPROMAddr is the bus address of a 24Cxx with A0..A2 grounded.
	DefaultEEPROMAddr = 0x50
	// DefaultEEPROMSize is the size of a 24C32.
	DefaultEEPROMSize = 4096

	eepromPageSize   = 32
	eepromReadChunk  = 128
	eepromWriteCycle = 5 * time.Millisecond

	headerLen     = 12
	eepromVersion = 1
	antennaLen    = 6
)

var eepromMagic = [4]byte{'U', 'H', 'F', 'C'}

// ErrEEPROMFull is returned when the channel list does not fit the device.
var ErrEEPROMFull = errors.New("channel list does not fit in EEPROM")

// EEPROM keeps the channel list in a 24Cxx serial EEPROM with 16-bit word
// addressing.
//
// Layout: a 12 byte header (magic, version, reserved, entry count, payload
// length, CRC-16 of the payload) followed by the entries. Each entry is the
// frequency in kHz, the antenna count and per antenna a tuned flag, three
// capacitor codes and the baseline.
type EEPROM struct {
	dev        *i2c.Dev
	closer     i2c.BusCloser
	sleep      func(time.Duration)
	busName    string
	size       int
	writeCycle time.Duration
	mu         syncutil.Mutex
}

var _ uhf.ChannelStore = (*EEPROM)(nil)

// OpenEEPROM opens the named I2C bus and addresses the EEPROM on it. An
// empty bus name selects the first bus.
func OpenEEPROM(busName string, addr uint16, size int) (*EEPROM, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	if err := bus.SetSpeed(400 * physic.KiloHertz); err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("failed to set I2C speed: %w", err)
	}

	e := NewEEPROM(bus, addr, size)
	e.closer = bus
	e.busName = busName
	return e, nil
}

// NewEEPROM addresses an EEPROM on an already open bus. The caller keeps
// ownership of the bus.
func NewEEPROM(bus i2c.Bus, addr uint16, size int) *EEPROM {
	if size <= 0 {
		size = DefaultEEPROMSize
	}
	return &EEPROM{
		dev:        &i2c.Dev{Addr: addr, Bus: bus},
		sleep:      time.Sleep,
		busName:    bus.String(),
		size:       size,
		writeCycle: eepromWriteCycle,
	}
}

// Close releases the bus when it was opened by OpenEEPROM.
func (e *EEPROM) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closer == nil {
		return nil
	}
	err := e.closer.Close()
	e.closer = nil
	if err != nil {
		return fmt.Errorf("close I2C bus %s: %w", e.busName, err)
	}
	return nil
}

// LoadChannels reads the stored entries. Blank memory holds no entries.
func (e *EEPROM) LoadChannels() ([]uhf.ChannelEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hdr := make([]byte, headerLen)
	if err := e.read(0, hdr); err != nil {
		return nil, err
	}
	if bytes.Equal(hdr[:4], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		return nil, nil
	}
	if !bytes.Equal(hdr[:4], eepromMagic[:]) {
		return nil, fmt.Errorf("%w: bad EEPROM magic % X", ErrFormat, hdr[:4])
	}
	if hdr[4] != eepromVersion {
		return nil, fmt.Errorf("%w: EEPROM layout version %d", ErrFormat, hdr[4])
	}

	count := int(binary.BigEndian.Uint16(hdr[6:]))
	length := int(binary.BigEndian.Uint16(hdr[8:]))
	if headerLen+length > e.size {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds device", ErrFormat, length)
	}

	payload := make([]byte, length)
	if err := e.read(headerLen, payload); err != nil {
		return nil, err
	}
	if crc := frame.CRC16Bytes(payload); crc != binary.BigEndian.Uint16(hdr[10:]) {
		return nil, fmt.Errorf("%w: EEPROM checksum %04X, stored %04X",
			ErrFormat, crc, binary.BigEndian.Uint16(hdr[10:]))
	}
	return decodeEntries(payload, count)
}

// SaveChannels replaces the stored entries. The payload is written before
// the header so an interrupted save leaves a checksum mismatch.
func (e *EEPROM) SaveChannels(entries []uhf.ChannelEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	if headerLen+len(payload) > e.size {
		return fmt.Errorf("%w: %d bytes, device holds %d", ErrEEPROMFull, headerLen+len(payload), e.size)
	}

	hdr := make([]byte, headerLen)
	copy(hdr, eepromMagic[:])
	hdr[4] = eepromVersion
	binary.BigEndian.PutUint16(hdr[6:], uint16(len(entries)))
	binary.BigEndian.PutUint16(hdr[8:], uint16(len(payload)))
	binary.BigEndian.PutUint16(hdr[10:], frame.CRC16Bytes(payload))

	if err := e.write(headerLen, payload); err != nil {
		return err
	}
	if err := e.write(0, hdr); err != nil {
		return err
	}
	uhf.Debugf("saved %d channel entries to EEPROM at 0x%02X", len(entries), e.dev.Addr)
	return nil
}

func (e *EEPROM) read(off int, p []byte) error {
	for len(p) > 0 {
		n := min(len(p), eepromReadChunk)
		addr := []byte{byte(off >> 8), byte(off)}
		if err := e.dev.Tx(addr, p[:n]); err != nil {
			return fmt.Errorf("EEPROM read at 0x%04X: %w", off, err)
		}
		p = p[n:]
		off += n
	}
	return nil
}

// write splits p at page boundaries; a page write that crosses one wraps
// around inside the page.
func (e *EEPROM) write(off int, p []byte) error {
	buf := make([]byte, 2+eepromPageSize)
	for len(p) > 0 {
		n := min(len(p), eepromPageSize-off%eepromPageSize)
		buf[0], buf[1] = byte(off>>8), byte(off)
		copy(buf[2:], p[:n])
		if err := e.dev.Tx(buf[:2+n], nil); err != nil {
			return fmt.Errorf("EEPROM write at 0x%04X: %w", off, err)
		}
		e.sleep(e.writeCycle)
		p = p[n:]
		off += n
	}
	return nil
}

func antennaCount(entry *uhf.ChannelEntry) int {
	return max(len(entry.Caps), len(entry.Baseline), len(entry.Tuned))
}

func encodeEntries(entries []uhf.ChannelEntry) ([]byte, error) {
	var buf bytes.Buffer
	for i := range entries {
		entry := &entries[i]
		n := antennaCount(entry)
		if n > 0xFF {
			return nil, fmt.Errorf("%w: %d antennas on %d kHz", ErrFormat, n, entry.FreqKHz)
		}
		_ = binary.Write(&buf, binary.BigEndian, entry.FreqKHz)
		buf.WriteByte(byte(n))
		for a := range n {
			var rec [antennaLen]byte
			if entry.TunedFor(a) {
				rec[0] = 1
			}
			if a < len(entry.Caps) {
				copy(rec[1:4], entry.Caps[a][:])
			}
			if a < len(entry.Baseline) {
				binary.BigEndian.PutUint16(rec[4:], entry.Baseline[a])
			}
			buf.Write(rec[:])
		}
	}
	if buf.Len() > 0xFFFF {
		return nil, fmt.Errorf("%w: %d bytes", ErrEEPROMFull, buf.Len())
	}
	return buf.Bytes(), nil
}

func decodeEntries(p []byte, count int) ([]uhf.ChannelEntry, error) {
	entries := make([]uhf.ChannelEntry, 0, count)
	for range count {
		if len(p) < 5 {
			return nil, fmt.Errorf("%w: truncated EEPROM entry", ErrFormat)
		}
		entry := uhf.ChannelEntry{FreqKHz: binary.BigEndian.Uint32(p)}
		n := int(p[4])
		p = p[5:]
		if len(p) < n*antennaLen {
			return nil, fmt.Errorf("%w: truncated tuning of %d kHz", ErrFormat, entry.FreqKHz)
		}
		if n > 0 {
			entry.Tuned = make([]bool, n)
			entry.Caps = make([][3]uint8, n)
			entry.Baseline = make([]uint16, n)
		}
		for a := range n {
			rec := p[a*antennaLen:]
			entry.Tuned[a] = rec[0] == 1
			copy(entry.Caps[a][:], rec[1:4])
			entry.Baseline[a] = binary.BigEndian.Uint16(rec[4:])
		}
		p = p[n*antennaLen:]
		entries = append(entries, entry)
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, len(p))
	}
	return entries, nil
}
