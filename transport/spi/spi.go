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

//go:build linux

// Package spi drives the reader transceiver of a real board: registers over
// SPI, the interrupt pin and the direct-mode lines used to bit-bang the air
// interface.
package spi

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/regs"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

const (
	defaultFreq = 4 * physic.MegaHertz
	// The transceiver samples on the falling edge.
	mode = spi.Mode1

	// irqSlice bounds one wait for the interrupt edge so cancellation is
	// noticed.
	irqSlice = 10 * time.Millisecond
	// pollInterval is used when no interrupt pin is wired.
	pollInterval = 500 * time.Microsecond
)

// Config selects the board wiring. Line offsets below zero are not wired.
type Config struct {
	// Port is the periph SPI port name; empty selects the first port.
	Port string
	// IRQPin is the periph GPIO name of the interrupt output; empty polls
	// the status registers.
	IRQPin string
	// Chip is the GPIO character device holding the lines below.
	Chip string
	// AntennaLines encode the antenna index in binary, least significant
	// line first.
	AntennaLines []int
	Freq         physic.Frequency
	TXLine       int
	RXLine       int
	LEDLine      int
}

// DefaultConfig returns the wiring of the reference board.
func DefaultConfig() Config {
	return Config{
		IRQPin:  "GPIO25",
		Chip:    "gpiochip0",
		Freq:    defaultFreq,
		TXLine:  23,
		RXLine:  24,
		LEDLine: -1,
	}
}

// Transport implements uhf.Transceiver over SPI. With direct-mode lines
// wired it also implements uhf.DirectModeLine, and with antenna lines
// uhf.AntennaSwitch.
type Transport struct {
	port     spi.PortCloser
	conn     spi.Conn
	irq      gpio.PinIn
	lines    *lineSet
	portName string
	pending  uint16
	mu       syncutil.Mutex
	closed   bool
}

var _ uhf.Transceiver = (*Transport)(nil)

// Open opens the SPI port and requests the GPIO lines of cfg.
func Open(cfg Config) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %s: %w", cfg.Port, err)
	}

	freq := cfg.Freq
	if freq == 0 {
		freq = defaultFreq
	}
	conn, err := port.Connect(freq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	var irq gpio.PinIn
	if cfg.IRQPin != "" {
		pin := gpioreg.ByName(cfg.IRQPin)
		if pin == nil {
			_ = port.Close()
			return nil, fmt.Errorf("%w: unknown IRQ pin %s", uhf.ErrConfig, cfg.IRQPin)
		}
		if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("failed to configure IRQ pin %s: %w", cfg.IRQPin, err)
		}
		irq = pin
	}

	lines, err := requestLines(cfg)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	t := newTransport(conn, irq, lines)
	t.port = port
	t.portName = cfg.Port
	if err := t.IssueCommand(regs.CmdIdle); err != nil {
		_ = t.Close()
		return nil, err
	}
	uhf.Debugf("spi: opened %s at %v", conn, freq)
	return t, nil
}

func newTransport(conn spi.Conn, irq gpio.PinIn, lines *lineSet) *Transport {
	if lines == nil {
		lines = &lineSet{}
	}
	return &Transport{conn: conn, irq: irq, lines: lines, portName: conn.String()}
}

func (t *Transport) tx(op string, w, r []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return uhf.ErrTransceiverClosed
	}
	if err := t.conn.Tx(w, r); err != nil {
		return uhf.NewTransceiverError(op, fmt.Errorf("%w: %s: %w", uhf.ErrTransceiverWrite, t.portName, err), uhf.ErrorTypeTransient)
	}
	return nil
}

// WriteRegister writes one register.
func (t *Transport) WriteRegister(addr, value byte) error {
	return t.tx("write register", []byte{addr &^ (regs.SPIRead | 0x80), value}, nil)
}

// ReadRegister reads one register.
func (t *Transport) ReadRegister(addr byte) (byte, error) {
	var r [2]byte
	if err := t.tx("read register", []byte{addr&^0x80 | regs.SPIRead, 0}, r[:]); err != nil {
		return 0, err
	}
	return r[1], nil
}

// IssueCommand sends a direct command.
func (t *Transport) IssueCommand(code byte) error {
	return t.tx("direct command", []byte{code | 0x80}, nil)
}

// readIRQ reads and thereby clears both interrupt status registers. Raised
// bits are kept until a wait consumes them.
func (t *Transport) readIRQ() error {
	hi, err := t.ReadRegister(regs.IRQStatus1)
	if err != nil {
		return err
	}
	lo, err := t.ReadRegister(regs.IRQStatus2)
	if err != nil {
		return err
	}
	t.pending |= uint16(hi)<<8 | uint16(lo)
	return nil
}

// WaitForResponse waits for an interrupt in mask. Interrupts outside mask
// stay pending for a later wait.
func (t *Transport) WaitForResponse(ctx context.Context, mask uint16, timeout time.Duration) (uint16, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := t.readIRQ(); err != nil {
			return 0, err
		}
		if got := t.pending & mask; got != 0 {
			t.pending &^= got
			return got, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		if t.irq != nil {
			t.irq.WaitForEdge(min(remaining, irqSlice))
		} else {
			time.Sleep(min(remaining, pollInterval))
		}
	}
}

// Close releases the lines and the SPI port. Closing twice is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	lineErr := t.lines.close()
	if t.irq != nil {
		_ = t.irq.In(gpio.PullNoChange, gpio.NoEdge)
	}
	if t.port != nil {
		if err := t.port.Close(); err != nil {
			return fmt.Errorf("SPI close failed: %w", err)
		}
	}
	return lineErr
}

// String returns the port name.
func (t *Transport) String() string {
	return t.portName
}
