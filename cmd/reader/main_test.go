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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf"
	testutil "github.com/ZaparooProject/go-uhf/internal/testing"
)

func TestParseConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		check   func(t *testing.T, cfg *config)
		name    string
		args    []string
		wantErr bool
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *config) {
				assert.Equal(t, uhf.ProtocolGen2, cfg.protocol)
				assert.Equal(t, 4, cfg.rounds)
				assert.Equal(t, "GPIO25", cfg.irqPin)
				assert.Equal(t, 16, cfg.stressWords)
				assert.False(t, cfg.readTID)
			},
		},
		{
			name: "gb protocol and rounds",
			args: []string{"-p", "gb29768", "-n", "10", "--read-tid"},
			check: func(t *testing.T, cfg *config) {
				assert.Equal(t, uhf.ProtocolGB29768, cfg.protocol)
				assert.Equal(t, 10, cfg.rounds)
				assert.True(t, cfg.readTID)
			},
		},
		{
			name: "antenna lines",
			args: []string{"--antenna-lines", "5,6"},
			check: func(t *testing.T, cfg *config) {
				assert.Equal(t, []int{5, 6}, cfg.antennaLines)
			},
		},
		{name: "unknown protocol", args: []string{"--protocol", "iso14443"}, wantErr: true},
		{name: "watch and stress", args: []string{"--watch", "--stress"}, wantErr: true},
		{name: "detect and watch", args: []string{"--detect", "-w"}, wantErr: true},
		{name: "stress and serve", args: []string{"--stress", "--serve", "/dev/ttyGS0"}, wantErr: true},
		{name: "store and eeprom", args: []string{"--store", "c.yaml", "--eeprom", "1"}, wantErr: true},
		{name: "stress words zero", args: []string{"--stress-words", "0"}, wantErr: true},
		{name: "stress words too many", args: []string{"--stress-words", "33"}, wantErr: true},
		{name: "unknown flag", args: []string{"--uart"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := parseConfig(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestMainWithExitCode_BadFlags(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2, mainWithExitCode([]string{"--stress-words", "40"}))
}

func simReader(t *testing.T, tags ...*testutil.VirtualTag) *uhf.Reader {
	t.Helper()
	cfg := testutil.DefaultSimConfig()
	cfg.Seed = 11
	sim := testutil.NewVirtualReader(cfg)
	for _, tag := range tags {
		sim.AddTag(tag)
	}
	reader, err := uhf.New(sim, uhf.WithClock(sim), uhf.WithDirectModeLine(sim), uhf.WithTuner(sim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	return reader
}

func TestRunInventory_PrintsTags(t *testing.T) {
	t.Parallel()

	tags := testutil.Gen2Population(2)
	reader := simReader(t, tags...)
	cfg, err := parseConfig([]string{"-n", "8", "--read-tid"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runInventory(context.Background(), reader, cfg, &out))

	text := out.String()
	for _, tag := range tags {
		assert.Contains(t, text, "ID="+tag.IDHex())
	}
	assert.Contains(t, text, "TID=E280689400005012")
	assert.Contains(t, text, "2 tag(s) in 8 round(s)")
}

func firstTag(t *testing.T, reader *uhf.Reader) *uhf.Tag {
	t.Helper()
	found, err := reader.Inventory(context.Background(), 4, uhf.ProtocolGen2, true)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	return found[0]
}

func TestRunStressTestForTag_Passes(t *testing.T) {
	t.Parallel()

	reader := simReader(t, testutil.Gen2Population(1)...)
	tag := firstTag(t, reader)
	cfg, err := parseConfig([]string{"--stress", "--stress-words", "4", "--report-dir", t.TempDir()})
	require.NoError(t, err)

	var out bytes.Buffer
	result := runStressTestForTag(context.Background(), reader, tag, cfg, &out)

	assert.True(t, result.Success, out.String())
	assert.Equal(t, 3, result.Passed)
	assert.Zero(t, result.Failed)
	assert.Empty(t, result.CrashFile)
	assert.Contains(t, out.String(), "[PASS] "+tag.IDHex())
}

func TestRunStressTestForTag_LockedUserMemory(t *testing.T) {
	t.Parallel()

	vt := testutil.Gen2Population(1)[0]
	vt.Lock[testutil.AreaUser] = testutil.PermaLocked
	reader := simReader(t, vt)
	tag := firstTag(t, reader)

	dir := t.TempDir()
	cfg, err := parseConfig([]string{"--stress", "--stress-words", "4", "--report-dir", dir})
	require.NoError(t, err)

	var out bytes.Buffer
	result := runStressTestForTag(context.Background(), reader, tag, cfg, &out)

	assert.False(t, result.Success)
	assert.Zero(t, result.Passed)
	assert.Equal(t, 1, result.Failed)
	require.NotEmpty(t, result.CrashFile)
	assert.Equal(t, dir, filepath.Dir(result.CrashFile))

	raw, err := os.ReadFile(result.CrashFile)
	require.NoError(t, err)
	var report CrashReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, tag.IDHex(), report.TagID)
	assert.Equal(t, "write_tiny", report.Operation)
	assert.Equal(t, "tiny", report.TestSize)
	assert.Equal(t, 4, report.Words)
	assert.Equal(t, []string{"Word 00: 0000 0000 0000 0000"}, report.UserDump)
	require.Len(t, report.OperationLog, 1)
	assert.False(t, report.OperationLog[0].Success)
}

func TestWriteCrashReportToFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	report := createCrashReport(&testFailureInfo{
		err:       uhf.ErrVerifyMismatch,
		operation: "verify_full",
		expected:  []uint16{0x1234, 0xBEEF},
		actual:    []uint16{0x1234, 0x0000},
		state: &TagTestState{
			ID:          "E2000017",
			Protocol:    "Gen2",
			CurrentTest: "full",
			TID:         testutil.SampleTID,
			Words:       2,
		},
	}, []uint16{0x1234, 0x0000})
	report.Timestamp = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	name, err := writeCrashReportToFile(dir, report)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "stress_test_crash_E2000017_20260301_123000.json"), name)

	raw, err := os.ReadFile(name)
	require.NoError(t, err)
	var got CrashReport
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "1234 BEEF", got.ExpectedHex)
	assert.Equal(t, "1234 0000", got.ActualHex)
	assert.Equal(t, "E2 80 68 94 00 00 50 12 34 56 78 9A", got.TID)
	assert.Equal(t, string(uhf.GetManufacturer(testutil.SampleTID)), got.Manufacturer)
}

func TestFormatWordDump(t *testing.T) {
	t.Parallel()

	words := make([]uint16, 10)
	words[9] = 0xFFFF
	assert.Equal(t, []string{
		"Word 00: 0000 0000 0000 0000 0000 0000 0000 0000",
		"Word 08: 0000 FFFF",
	}, formatWordDump(words))
}

func TestTestSizeWords(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, testSizeTiny.words(16))
	assert.Equal(t, 8, testSizeMedium.words(16))
	assert.Equal(t, 1, testSizeMedium.words(1))
	assert.Equal(t, 16, testSizeFull.words(16))
}
