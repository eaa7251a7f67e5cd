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

// Package spi finds the reader transceiver on SPI ports by reading its
// version register. Importing it registers the detector.
package spi

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/ZaparooProject/go-uhf/detection"
	"github.com/ZaparooProject/go-uhf/internal/regs"
)

const probeFreq = physic.MegaHertz

// port is the part of a registered SPI port the detector needs.
type port struct {
	open func() (spi.PortCloser, error)
	name string
}

// listPorts is swapped in tests.
var listPorts = func() ([]port, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	refs := spireg.All()
	ports := make([]port, 0, len(refs))
	for _, ref := range refs {
		ports = append(ports, port{name: ref.Name, open: ref.Open})
	}
	return ports, nil
}

type detector struct{}

// New creates a new SPI transceiver detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Kind returns the device kind
func (*detector) Kind() string {
	return detection.KindTransceiver
}

// Detect lists SPI ports and, in Probe mode, keeps those whose version
// register reads back a known silicon family.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, err
	}

	var devices []detection.DeviceInfo
	for _, p := range ports {
		if ctx.Err() != nil {
			return devices, detection.ErrDetectionTimeout
		}
		if detection.IsPathIgnored(p.name, opts.IgnorePaths) {
			continue
		}

		device := detection.DeviceInfo{
			Kind:       detection.KindTransceiver,
			Path:       p.name,
			Name:       "SPI port " + p.name,
			Confidence: detection.Low,
			Metadata:   make(map[string]string),
		}
		if opts.Mode == detection.Probe {
			version, err := probePort(p)
			if err != nil || !knownVersion(version) {
				continue
			}
			device.Confidence = detection.High
			device.Metadata["version"] = fmt.Sprintf("0x%02X", version)
			device.Name = "UHF transceiver on " + p.name
		}
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

// probePort performs a single read-only transaction on p. There is no
// retry: the port may belong to an unrelated device.
func probePort(p port) (byte, error) {
	pc, err := p.open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", p.name, err)
	}
	defer func() { _ = pc.Close() }()

	conn, err := pc.Connect(probeFreq, spi.Mode1, 8)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", p.name, err)
	}
	return readVersion(conn)
}

func readVersion(conn spi.Conn) (byte, error) {
	w := []byte{regs.Version | regs.SPIRead, 0}
	r := make([]byte, len(w))
	if err := conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("read version register: %w", err)
	}
	return r[1], nil
}

// knownVersion rejects floating (0xFF) and grounded (0x00) MISO lines as
// well as other silicon.
func knownVersion(v byte) bool {
	return v&regs.VersionFamilyMask == regs.VersionFamily
}
