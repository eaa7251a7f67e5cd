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

// Package serial finds serial ports a host link can be served on. Importing
// it registers the detector.
package serial

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/ZaparooProject/go-uhf/detection"
)

// portLister is swapped in tests.
var portLister = enumerator.GetDetailedPortsList

type detector struct{}

// New creates a new serial port detector
func New() detection.Detector {
	return &detector{}
}

func init() {
	detection.RegisterDetector(New())
}

// Kind returns the device kind
func (*detector) Kind() string {
	return detection.KindSerial
}

// Detect lists serial ports. Nothing is written to a port: the host on the
// other end speaks first.
func (*detector) Detect(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error) {
	ports, err := portLister()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var devices []detection.DeviceInfo
	for _, port := range ports {
		if ctx.Err() != nil {
			return devices, detection.ErrDetectionTimeout
		}
		if detection.IsPathIgnored(port.Name, opts.IgnorePaths) {
			continue
		}
		device := deviceInfo(port)
		if vidpid, ok := device.Metadata["vidpid"]; ok && detection.IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		devices = append(devices, device)
	}

	if len(devices) == 0 {
		return nil, detection.ErrNoDevicesFound
	}
	return devices, nil
}

func deviceInfo(port *enumerator.PortDetails) detection.DeviceInfo {
	device := detection.DeviceInfo{
		Kind:       detection.KindSerial,
		Path:       port.Name,
		Name:       filepath.Base(port.Name),
		Confidence: confidence(port),
		Metadata:   make(map[string]string),
	}
	if port.IsUSB {
		device.Metadata["vidpid"] = strings.ToUpper(port.VID + ":" + port.PID)
		if port.Product != "" {
			device.Name = port.Product
			device.Metadata["product"] = port.Product
		}
		if port.SerialNumber != "" {
			device.Metadata["serial"] = port.SerialNumber
		}
	}
	return device
}

// confidence ranks ports by how likely a host sits on the other end. Gadget
// ports face the USB host; ttyS ports are usually the console.
func confidence(port *enumerator.PortDetails) detection.Confidence {
	base := filepath.Base(port.Name)
	switch {
	case strings.HasPrefix(base, "ttyGS"):
		return detection.High
	case port.IsUSB, strings.HasPrefix(base, "ttyAMA"):
		return detection.Medium
	default:
		return detection.Low
	}
}
