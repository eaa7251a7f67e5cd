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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf"
	testutil "github.com/ZaparooProject/go-uhf/internal/testing"
)

func sampleEntries() []uhf.ChannelEntry {
	return []uhf.ChannelEntry{
		{
			FreqKHz:  920_625,
			Caps:     [][3]uint8{{12, 40, 7}, {0, 0, 0}},
			Baseline: []uint16{118, 0},
			Tuned:    []bool{true, false},
		},
		{FreqKHz: 920_875},
		{
			FreqKHz:  921_125,
			Caps:     [][3]uint8{{1, 2, 3}},
			Baseline: []uint16{640},
			Tuned:    []bool{true},
		},
	}
}

func TestYAMLFile_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := NewYAMLFile(filepath.Join(t.TempDir(), "channels.yaml"))
	entries, err := s.LoadChannels()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestYAMLFile_SaveAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "channels.yaml")
	s := NewYAMLFile(path)
	require.NoError(t, s.SaveChannels(sampleEntries()))

	got, err := NewYAMLFile(path).LoadChannels()
	require.NoError(t, err)
	assert.Equal(t, sampleEntries(), got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "freq_khz: 920625")
	assert.Contains(t, string(data), "version: 1")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".channels-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary file left behind")
}

func TestYAMLFile_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "not yaml", content: "channels: [\n"},
		{name: "wrong version", content: "version: 7\nchannels: []\n"},
		{name: "wrong shape", content: "version: 1\nchannels: {a: b}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "channels.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := NewYAMLFile(path).LoadChannels()
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestYAMLFile_ReaderPersistsTuning(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "channels.yaml")
	sim := testutil.NewVirtualReader(testutil.DefaultSimConfig())
	r, err := uhf.New(sim, uhf.WithClock(sim), uhf.WithTuner(sim), uhf.WithChannelStore(NewYAMLFile(path)))
	require.NoError(t, err)

	st, err := r.SelectChannel(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, st.Tuned)

	saved, err := NewYAMLFile(path).LoadChannels()
	require.NoError(t, err)
	require.Len(t, saved, len(uhf.DefaultEngineContext().Profile.Channels))
	tuned := 0
	for i := range saved {
		if saved[i].TunedFor(0) {
			tuned++
			assert.Equal(t, st.FreqKHz, saved[i].FreqKHz)
		}
	}
	assert.Equal(t, 1, tuned)
}
