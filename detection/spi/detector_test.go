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
package spi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/ZaparooProject/go-uhf/detection"
	"github.com/ZaparooProject/go-uhf/internal/regs"
)

// mockPort answers every register read with version.
type mockPort struct {
	txs     int
	version byte
	closed  bool
}

func (m *mockPort) Connect(physic.Frequency, spi.Mode, int) (spi.Conn, error) { return m, nil }
func (*mockPort) LimitSpeed(physic.Frequency) error                           { return nil }
func (*mockPort) String() string                                              { return "mock://spi" }
func (*mockPort) Halt() error                                                 { return nil }
func (*mockPort) Duplex() conn.Duplex                                         { return conn.Full }
func (*mockPort) TxPackets([]spi.Packet) error                                { return errors.New("not supported") }

func (m *mockPort) Close() error {
	m.closed = true
	return nil
}

func (m *mockPort) Tx(w, r []byte) error {
	m.txs++
	if len(w) != 2 || w[0] != regs.Version|regs.SPIRead {
		return errors.New("unexpected transfer")
	}
	r[0], r[1] = 0, m.version
	return nil
}

var (
	_ spi.PortCloser = (*mockPort)(nil)
	_ spi.Conn       = (*mockPort)(nil)
)

func withPorts(t *testing.T, ports map[string]*mockPort) {
	t.Helper()
	saved := listPorts
	listPorts = func() ([]port, error) {
		var out []port
		for _, name := range []string{"SPI0.0", "SPI0.1", "SPI1.0"} {
			mp, ok := ports[name]
			if !ok {
				continue
			}
			out = append(out, port{name: name, open: func() (spi.PortCloser, error) { return mp, nil }})
		}
		return out, nil
	}
	t.Cleanup(func() { listPorts = saved })
}

func TestDetect_ProbeKeepsTransceivers(t *testing.T) {
	ports := map[string]*mockPort{
		"SPI0.0": {version: 0x61},
		"SPI0.1": {version: 0xFF},
		"SPI1.0": {version: 0x00},
	}
	withPorts(t, ports)

	opts := detection.DefaultOptions()
	devices, err := New().Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "SPI0.0", devices[0].Path)
	assert.Equal(t, detection.High, devices[0].Confidence)
	assert.Equal(t, "0x61", devices[0].Metadata["version"])

	for name, p := range ports {
		assert.Equal(t, 1, p.txs, name)
		assert.True(t, p.closed, name)
	}
}

func TestDetect_PassiveDoesNotTouchPorts(t *testing.T) {
	ports := map[string]*mockPort{"SPI0.0": {version: 0x61}, "SPI0.1": {}}
	withPorts(t, ports)

	opts := detection.DefaultOptions()
	opts.Mode = detection.Passive
	opts.IgnorePaths = []string{"SPI0.1"}
	devices, err := New().Detect(context.Background(), &opts)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, detection.Low, devices[0].Confidence)
	assert.Zero(t, ports["SPI0.0"].txs)
}

func TestDetect_NoTransceiver(t *testing.T) {
	withPorts(t, map[string]*mockPort{"SPI0.0": {version: 0x24}})

	opts := detection.DefaultOptions()
	_, err := New().Detect(context.Background(), &opts)
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
}
