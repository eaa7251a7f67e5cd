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

//nolint:paralleltest // Tests swap the package-level port lister
package serial

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/ZaparooProject/go-uhf/detection"
)

func withPorts(t *testing.T, ports []*enumerator.PortDetails, err error) {
	t.Helper()
	saved := portLister
	portLister = func() ([]*enumerator.PortDetails, error) { return ports, err }
	t.Cleanup(func() { portLister = saved })
}

func TestDetect_RanksPorts(t *testing.T) {
	withPorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyGS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523", Product: "USB Serial", SerialNumber: "A1"},
		{Name: "/dev/ttyAMA0"},
	}, nil)

	opts := detection.DefaultOptions()
	devices, err := New().Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, devices, 4)

	byPath := map[string]detection.DeviceInfo{}
	for _, d := range devices {
		assert.Equal(t, detection.KindSerial, d.Kind)
		byPath[d.Path] = d
	}
	assert.Equal(t, detection.Low, byPath["/dev/ttyS0"].Confidence)
	assert.Equal(t, detection.High, byPath["/dev/ttyGS0"].Confidence)
	assert.Equal(t, detection.Medium, byPath["/dev/ttyAMA0"].Confidence)

	usb := byPath["/dev/ttyUSB0"]
	assert.Equal(t, detection.Medium, usb.Confidence)
	assert.Equal(t, "USB Serial", usb.Name)
	assert.Equal(t, "1A86:7523", usb.Metadata["vidpid"])
	assert.Equal(t, "A1", usb.Metadata["serial"])
}

func TestDetect_Filters(t *testing.T) {
	withPorts(t, []*enumerator.PortDetails{
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523"},
	}, nil)

	opts := detection.DefaultOptions()
	opts.IgnorePaths = []string{"/dev/ttyS0"}
	opts.Blocklist = []string{"1A86:7523"}
	_, err := New().Detect(context.Background(), &opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
}

func TestDetect_EnumerationError(t *testing.T) {
	withPorts(t, nil, errors.New("no sysfs"))

	opts := detection.DefaultOptions()
	_, err := New().Detect(context.Background(), &opts)
	require.Error(t, err)
	assert.NotErrorIs(t, err, detection.ErrNoDevicesFound)
}
