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

// Package i2c finds 24Cxx EEPROMs caching channel tuning on I2C buses.
// Importing it registers the detector.
package i2c

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/ZaparooProject/go-uhf/detection"
)

// 24Cxx parts answer at 0x50 plus the A2..A0 strap.
const (
	firstAddr = 0x50
	lastAddr  = 0x57
)

type bus struct {
	open func() (i2c.BusCloser, error)
	name string
}

// listBuses is swapped in tests.
var listBuses = func() ([]bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	refs := i2creg.All()
	buses := make([]bus, 0, len(refs))
	for _, ref := range refs {
		buses = append(buses, bus{name: ref.Name, open: ref.Open})
	}
	return buses, nil
}

type detector struct{}

// New creates a new EEPROM detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Kind returns the device kind
func (*detector) Kind() string {
	return detection.KindEEPROM
}

// Detect lists I2C buses. In Probe mode every EEPROM address on every bus
// is read once and each answering address becomes a device.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	buses, err := listBuses()
	if err != nil {
		return nil, err
	}

	var devices []detection.DeviceInfo
	for _, b := range buses {
		if ctx.Err() != nil {
			return devices, detection.ErrDetectionTimeout
		}
		if detection.IsPathIgnored(b.name, opts.IgnorePaths) {
			continue
		}
		if opts.Mode == detection.Passive {
			devices = append(devices, detection.DeviceInfo{
				Kind:       detection.KindEEPROM,
				Path:       b.name,
				Name:       "I2C bus " + b.name,
				Confidence: detection.Low,
				Metadata:   map[string]string{},
			})
			continue
		}
		devices = append(devices, probeBus(b)...)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func probeBus(b bus) []detection.DeviceInfo {
	bc, err := b.open()
	if err != nil {
		return nil
	}
	defer func() { _ = bc.Close() }()

	var devices []detection.DeviceInfo
	for _, addr := range scan(bc) {
		devices = append(devices, detection.DeviceInfo{
			Kind:       detection.KindEEPROM,
			Path:       b.name,
			Name:       fmt.Sprintf("EEPROM 0x%02X on %s", addr, b.name),
			Confidence: detection.Medium,
			Metadata:   map[string]string{"addr": fmt.Sprintf("0x%02X", addr)},
		})
	}
	return devices
}

// scan returns the addresses that acknowledge a random read of word 0.
// Setting the address pointer is the only write.
func scan(b i2c.Bus) []uint16 {
	var found []uint16
	buf := make([]byte, 1)
	for addr := uint16(firstAddr); addr <= lastAddr; addr++ {
		dev := &i2c.Dev{Bus: b, Addr: addr}
		if err := dev.Tx([]byte{0, 0}, buf); err == nil {
			found = append(found, addr)
		}
	}
	return found
}
