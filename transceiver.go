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
	"time"
)

// Transceiver is register-level access to the reader chip.
type Transceiver interface {
	// WriteRegister writes one register.
	WriteRegister(addr, value byte) error

	// ReadRegister reads one register.
	ReadRegister(addr byte) (byte, error)

	// IssueCommand triggers a direct command.
	IssueCommand(code byte) error

	// WaitForResponse blocks until an interrupt in mask is raised or the
	// timeout passes, and returns the raised interrupt bits. A timeout is
	// reported as zero bits and a nil error.
	WaitForResponse(ctx context.Context, mask uint16, timeout time.Duration) (uint16, error)

	// Close releases the transceiver.
	Close() error
}

// DirectModeLine bit-bangs the air interface when the chip has no native
// support for a protocol. Cycles is a free-running counter at
// CycleFrequency hertz; only differences between readings are meaningful.
type DirectModeLine interface {
	EnterDirectMode() error
	ExitDirectMode() error
	SetTX(high bool)
	RX() bool
	Cycles() uint32
	ResetCycles()
	CycleFrequency() uint32
}

// Tuner is the external antenna matching network.
type Tuner interface {
	// TuneChannel searches a capacitor setting for the channel and returns
	// it with the reflected power measured at that setting.
	TuneChannel(freqKHz uint32, algorithm uint8, antenna int) (caps [3]uint8, reflected uint16, err error)

	// ReflectedPower measures reflected power at the current setting.
	ReflectedPower() (uint16, error)

	// Apply loads a capacitor setting.
	Apply(caps [3]uint8) error
}

// AntennaSwitch selects between antenna ports on boards that have more than
// one.
type AntennaSwitch interface {
	SelectAntenna(index int) error
	Antennas() int
}

// Indicator reflects reader activity, typically on LEDs.
type Indicator interface {
	SetActive(on bool)
	TagSeen()
}
