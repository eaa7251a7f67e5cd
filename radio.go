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

	"github.com/ZaparooProject/go-uhf/internal/regs"
)

// radio wraps register access with error classification.
type radio struct {
	x Transceiver
}

func (r radio) write(addr, value byte) error {
	if err := r.x.WriteRegister(addr, value); err != nil {
		return NewTransceiverError(fmt.Sprintf("write reg 0x%02X", addr), fmt.Errorf("%w: %w", ErrTransceiverWrite, err), ErrorTypeTransient)
	}
	return nil
}

func (r radio) read(addr byte) (byte, error) {
	v, err := r.x.ReadRegister(addr)
	if err != nil {
		return 0, NewTransceiverError(fmt.Sprintf("read reg 0x%02X", addr), fmt.Errorf("%w: %w", ErrTransceiverRead, err), ErrorTypeTransient)
	}
	return v, nil
}

func (r radio) command(code byte) error {
	if err := r.x.IssueCommand(code); err != nil {
		return NewTransceiverError(fmt.Sprintf("command 0x%02X", code), fmt.Errorf("%w: %w", ErrTransceiverWrite, err), ErrorTypeTransient)
	}
	return nil
}

// wait returns the raised interrupts in mask, or zero on timeout.
func (r radio) wait(ctx context.Context, mask uint16, timeout time.Duration) (uint16, error) {
	irq, err := r.x.WaitForResponse(ctx, mask, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, NewTransceiverError("wait for response", fmt.Errorf("%w: %w", ErrTransceiverRead, err), ErrorTypeTransient)
	}
	return irq & mask, nil
}

// update read-modify-writes the bits in mask.
func (r radio) update(addr, mask, value byte) error {
	v, err := r.read(addr)
	if err != nil {
		return err
	}
	return r.write(addr, v&^mask|value&mask)
}

func (r radio) setField(on bool) error {
	var v byte
	if on {
		v = regs.StatusRFOn
	}
	return r.update(regs.StatusControl, regs.StatusRFOn, v)
}

// setFrequency programs the synthesizer. freqKHz must be a multiple of the
// reference.
func (r radio) setFrequency(ref uint8, freqKHz uint32) error {
	refKHz := regs.PLLReferenceHz[ref] / 1000
	div := freqKHz / refKHz
	if div == 0 || div > 0xFFFFFF || div*refKHz != freqKHz {
		return fmt.Errorf("%w: %d kHz not reachable with %d kHz reference", ErrConfig, freqKHz, refKHz)
	}
	if err := r.write(regs.PLLReference, ref); err != nil {
		return err
	}
	if err := r.write(regs.PLLDivider0, byte(div>>16)); err != nil {
		return err
	}
	if err := r.write(regs.PLLDivider1, byte(div>>8)); err != nil {
		return err
	}
	return r.write(regs.PLLDivider2, byte(div))
}

func (r radio) pllLocked() error {
	st, err := r.read(regs.PLLStatus)
	if err != nil {
		return err
	}
	if st&regs.PLLLockBit == 0 {
		return NewTransceiverError("pll lock", ErrPLLLock, ErrorTypeTimeout)
	}
	return nil
}

// measureRSSI samples the field strength at the current frequency with the
// receiver open and the carrier off.
func (r radio) measureRSSI(ctx context.Context) (RSSI, error) {
	if err := r.command(regs.CmdMeasureRSSI); err != nil {
		return RSSI{}, err
	}
	if _, err := r.wait(ctx, regs.IRQRSSI, time.Millisecond); err != nil {
		return RSSI{}, err
	}
	return r.rssi()
}

func (r radio) rssi() (RSSI, error) {
	v, err := r.read(regs.RSSI)
	if err != nil {
		return RSSI{}, err
	}
	return rssiFromRegister(v), nil
}

func (r radio) agc() (uint8, error) {
	v, err := r.read(regs.AGCStatus)
	return v & regs.AGCGainMask, err
}
