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

package spi

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"

	"github.com/ZaparooProject/go-uhf"
)

// cycleHz is the rate of the direct-mode cycle counter, derived from the
// raw monotonic clock in 10 ns steps.
const (
	cycleHz      = 100_000_000
	nsPerCycle   = 1_000_000_000 / cycleHz
	gpioConsumer = "go-uhf"
)

// ErrNoDirectMode is returned when the direct-mode lines are not wired.
var ErrNoDirectMode = errors.New("direct-mode lines not configured")

// gpioLine is the part of a gpiocdev line the transport drives.
type gpioLine interface {
	SetValue(value int) error
	Value() (int, error)
	Close() error
}

// gpioLines is a group of output lines set together.
type gpioLines interface {
	SetValues(values []int) error
	Close() error
}

type lineSet struct {
	tx      gpioLine
	rx      gpioLine
	led     gpioLine
	antenna gpioLines
	err     error
	width   int
	base    int64
}

func requestLines(cfg Config) (*lineSet, error) {
	ls := &lineSet{}
	fail := func(err error) (*lineSet, error) {
		_ = ls.close()
		return nil, err
	}

	if cfg.TXLine >= 0 && cfg.RXLine >= 0 {
		tx, err := gpiocdev.RequestLine(cfg.Chip, cfg.TXLine, gpiocdev.AsOutput(1), gpiocdev.WithConsumer(gpioConsumer))
		if err != nil {
			return fail(fmt.Errorf("failed to request TX line %s:%d: %w", cfg.Chip, cfg.TXLine, err))
		}
		ls.tx = tx
		rx, err := gpiocdev.RequestLine(cfg.Chip, cfg.RXLine, gpiocdev.AsInput, gpiocdev.WithConsumer(gpioConsumer))
		if err != nil {
			return fail(fmt.Errorf("failed to request RX line %s:%d: %w", cfg.Chip, cfg.RXLine, err))
		}
		ls.rx = rx
	}

	if cfg.LEDLine >= 0 {
		led, err := gpiocdev.RequestLine(cfg.Chip, cfg.LEDLine, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(gpioConsumer))
		if err != nil {
			return fail(fmt.Errorf("failed to request LED line %s:%d: %w", cfg.Chip, cfg.LEDLine, err))
		}
		ls.led = led
	}

	if len(cfg.AntennaLines) > 0 {
		lines, err := gpiocdev.RequestLines(cfg.Chip, cfg.AntennaLines,
			gpiocdev.AsOutput(make([]int, len(cfg.AntennaLines))...), gpiocdev.WithConsumer(gpioConsumer))
		if err != nil {
			return fail(fmt.Errorf("failed to request antenna lines %s:%v: %w", cfg.Chip, cfg.AntennaLines, err))
		}
		ls.antenna = lines
		ls.width = len(cfg.AntennaLines)
	}
	return ls, nil
}

func (ls *lineSet) close() error {
	var errs []error
	for _, l := range []gpioLine{ls.tx, ls.rx, ls.led} {
		if l != nil {
			errs = append(errs, l.Close())
		}
	}
	if ls.antenna != nil {
		errs = append(errs, ls.antenna.Close())
	}
	return errors.Join(errs...)
}

// DirectMode reports whether the direct-mode lines are wired. The Reader
// needs them for GB/T 29768.
func (t *Transport) DirectMode() bool {
	return t.lines.tx != nil && t.lines.rx != nil
}

// EnterDirectMode idles the TX line high, the unmodulated carrier, and
// restarts the cycle counter.
func (t *Transport) EnterDirectMode() error {
	if !t.DirectMode() {
		return ErrNoDirectMode
	}
	t.lines.err = nil
	if err := t.lines.tx.SetValue(1); err != nil {
		return fmt.Errorf("TX line: %w", err)
	}
	t.ResetCycles()
	return nil
}

// ExitDirectMode leaves the TX line high. It reports the first line error
// seen since EnterDirectMode, as SetTX and RX cannot.
func (t *Transport) ExitDirectMode() error {
	if !t.DirectMode() {
		return ErrNoDirectMode
	}
	if err := t.lines.tx.SetValue(1); err != nil {
		return fmt.Errorf("TX line: %w", err)
	}
	if err := t.lines.err; err != nil {
		t.lines.err = nil
		return fmt.Errorf("direct-mode line: %w", err)
	}
	return nil
}

// SetTX drives the modulation line.
func (t *Transport) SetTX(high bool) {
	v := 0
	if high {
		v = 1
	}
	if err := t.lines.tx.SetValue(v); err != nil && t.lines.err == nil {
		t.lines.err = err
	}
}

// RX samples the demodulated backscatter.
func (t *Transport) RX() bool {
	v, err := t.lines.rx.Value()
	if err != nil {
		if t.lines.err == nil {
			t.lines.err = err
		}
		return false
	}
	return v != 0
}

// Cycles returns the cycle counter. It wraps.
func (t *Transport) Cycles() uint32 {
	return uint32((monotonicRaw() - t.lines.base) / nsPerCycle)
}

// ResetCycles restarts the cycle counter at zero.
func (t *Transport) ResetCycles() {
	t.lines.base = monotonicRaw()
}

// CycleFrequency returns the cycle counter rate in hertz.
func (*Transport) CycleFrequency() uint32 {
	return cycleHz
}

func monotonicRaw() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// Antennas returns the number of selectable antenna ports.
func (t *Transport) Antennas() int {
	return 1 << t.lines.width
}

// SelectAntenna drives the antenna lines with index in binary.
func (t *Transport) SelectAntenna(index int) error {
	if index < 0 || index >= t.Antennas() {
		return fmt.Errorf("%w: antenna %d of %d", uhf.ErrConfig, index, t.Antennas())
	}
	if t.lines.antenna == nil {
		return nil
	}
	values := make([]int, t.lines.width)
	for i := range values {
		values[i] = index >> i & 1
	}
	if err := t.lines.antenna.SetValues(values); err != nil {
		return uhf.NewTransceiverError("select antenna", err, uhf.ErrorTypeTransient)
	}
	return nil
}

// SetActive lights the activity LED.
func (t *Transport) SetActive(on bool) {
	if t.lines.led == nil {
		return
	}
	v := 0
	if on {
		v = 1
	}
	if err := t.lines.led.SetValue(v); err != nil {
		uhf.Debugf("spi: LED line: %v", err)
	}
}

// TagSeen is part of uhf.Indicator; the single LED only shows activity.
func (*Transport) TagSeen() {}
