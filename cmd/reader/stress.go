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
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

// StressTestResult holds the final result for a tag test.
type StressTestResult struct {
	ID        string
	Protocol  string
	CrashFile string
	Passed    int
	Failed    int
	Duration  time.Duration
	Success   bool
}

// TagTestState tracks the testing state for a single tag.
type TagTestState struct {
	Started     time.Time
	ID          string
	Protocol    string
	CurrentTest string
	TID         []byte
	OpLog       []LogEntry
	Words       int
	Passed      int
	Failed      int
}

// CrashReport contains all information for debugging a failure.
type CrashReport struct {
	Timestamp    time.Time  `json:"timestamp"`
	TagID        string     `json:"tag_id"`
	Protocol     string     `json:"protocol"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	TID          string     `json:"tid,omitempty"`
	Operation    string     `json:"operation"`
	Error        string     `json:"error"`
	ExpectedHex  string     `json:"expected_hex,omitempty"`
	ActualHex    string     `json:"actual_hex,omitempty"`
	TestSize     string     `json:"test_size"`
	UserDump     []string   `json:"user_dump,omitempty"`
	OperationLog []LogEntry `json:"operation_log"`
	Words        int        `json:"words"`
}

// LogEntry represents a single operation in the log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	DataHex   string    `json:"data_hex,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Success   bool      `json:"success"`
}

// testFailureInfo holds information about a test failure.
type testFailureInfo struct {
	err       error
	state     *TagTestState
	operation string
	expected  []uint16
	actual    []uint16
}

// tagTestContext holds common parameters for tag testing functions.
type tagTestContext struct {
	reader *uhf.Reader
	tag    *uhf.Tag
	state  *TagTestState
	result *StressTestResult
	out    io.Writer
	dir    string
}

// testSize represents the three test sizes per tag
type testSize int

const (
	testSizeTiny   testSize = iota // one word
	testSizeMedium                 // half the exercised words
	testSizeFull                   // every exercised word
)

func (s testSize) String() string {
	switch s {
	case testSizeTiny:
		return "tiny"
	case testSizeMedium:
		return "medium"
	case testSizeFull:
		return "full"
	default:
		return "unknown"
	}
}

func (s testSize) words(limit int) int {
	switch s {
	case testSizeTiny:
		return 1
	case testSizeMedium:
		return max(limit/2, 1)
	default:
		return limit
	}
}

func printStressTestBanner(out io.Writer, words int) {
	_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))
	_, _ = fmt.Fprintln(out, "                       UHF Tag User Memory Stress Test")
	_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))
	_, _ = fmt.Fprintf(out, "Tests: tiny, medium, full over %d user words (3 total per tag)\n", words)
}

func runStressTestMode(ctx context.Context, reader *uhf.Reader, cfg *config, out io.Writer) error {
	printStressTestBanner(out, cfg.stressWords)

	session := newSession(reader, cfg)
	defer func() {
		if err := session.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close session: %v\n", err)
		}
	}()

	var results []*StressTestResult
	var resultsMu syncutil.Mutex

	session.SetOnTagArrived(func(tag *uhf.Tag) error {
		printTagHeader(out, tag)
		result := runStressTestForTag(ctx, reader, tag, cfg, out)
		resultsMu.Lock()
		results = append(results, result)
		resultsMu.Unlock()
		return nil
	})

	session.SetOnTagDeparted(func(*uhf.Tag) {
		resultsMu.Lock()
		done := results
		results = nil
		resultsMu.Unlock()
		if len(done) > 0 {
			_, _ = fmt.Fprintln(out)
			printFinalSummary(out, done)
		}
	})

	_, _ = fmt.Fprintln(out, "\nWaiting for tags... (Press Ctrl+C to exit)")
	return session.Start(ctx)
}

func printTagHeader(out io.Writer, tag *uhf.Tag) {
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, strings.Repeat("-", 80))
	_, _ = fmt.Fprintf(out, "[TAG] ID=%s  Protocol=%s  Manufacturer=%s\n",
		tag.IDHex(), tag.Protocol, uhf.GetManufacturer(tag.TID))
	_, _ = fmt.Fprintln(out, strings.Repeat("-", 80))
}

func runStressTestForTag(
	ctx context.Context,
	reader *uhf.Reader,
	tag *uhf.Tag,
	cfg *config,
	out io.Writer,
) *StressTestResult {
	state := &TagTestState{
		ID:       tag.IDHex(),
		Protocol: tag.Protocol.String(),
		TID:      tag.TID,
		Words:    cfg.stressWords,
		Started:  time.Now(),
		OpLog:    make([]LogEntry, 0, 16),
	}
	result := &StressTestResult{ID: state.ID, Protocol: state.Protocol}
	tc := &tagTestContext{reader: reader, tag: tag, state: state, result: result, out: out, dir: cfg.reportDir}

	testErr := runTests(ctx, tc)

	result.Passed = state.Passed
	result.Failed = state.Failed
	result.Duration = time.Since(state.Started)
	result.Success = testErr == nil && state.Failed == 0

	printTagTestSummary(out, result)
	return result
}

func runTests(ctx context.Context, tc *tagTestContext) error {
	for _, size := range []testSize{testSizeTiny, testSizeMedium, testSizeFull} {
		tc.state.CurrentTest = size.String()
		if err := runSingleTest(ctx, tc, size); err != nil {
			tc.state.Failed++
			return err
		}
		tc.state.Passed++
	}
	return nil
}

// logOp appends an operation to the log and returns it for completion.
func (tc *tagTestContext) logOp(op string, data []uint16) *LogEntry {
	tc.state.OpLog = append(tc.state.OpLog, LogEntry{
		Timestamp: time.Now(),
		Operation: op,
		DataHex:   formatWords(data),
	})
	return &tc.state.OpLog[len(tc.state.OpLog)-1]
}

func finishOp(entry *LogEntry, res uhf.AccessResult, err error) {
	entry.Attempts = res.Attempts
	entry.Success = err == nil
	if err != nil {
		entry.Error = err.Error()
	}
}

// runSingleTest writes random words at the start of user memory, reads
// them back and compares.
func runSingleTest(ctx context.Context, tc *tagTestContext, size testSize) error {
	words := randomWords(size.words(tc.state.Words))
	_, _ = fmt.Fprintf(tc.out, "  [%s] Write (%d words)... ", size, len(words))

	entry := tc.logOp("write_"+size.String(), words)
	res, err := tc.reader.AccessTag(ctx, tc.tag, uhf.AccessRequest{
		Op: uhf.OpWrite, Area: uhf.AreaUser, Data: words,
	})
	finishOp(entry, res, err)
	if err != nil {
		_, _ = fmt.Fprintln(tc.out, "FAIL")
		return tc.fail(ctx, &testFailureInfo{operation: entry.Operation, err: fmt.Errorf("write failed: %w", err)})
	}
	_, _ = fmt.Fprint(tc.out, "OK  Read... ")

	entry = tc.logOp("read_"+size.String(), nil)
	res, err = tc.reader.AccessTag(ctx, tc.tag, uhf.AccessRequest{
		Op: uhf.OpRead, Area: uhf.AreaUser, Count: uint8(len(words)),
	})
	finishOp(entry, res, err)
	if err != nil {
		_, _ = fmt.Fprintln(tc.out, "FAIL")
		return tc.fail(ctx, &testFailureInfo{operation: entry.Operation, err: fmt.Errorf("read failed: %w", err)})
	}
	_, _ = fmt.Fprint(tc.out, "OK  Verify... ")

	entry = tc.logOp("verify_"+size.String(), res.Data)
	if !slices.Equal(words, res.Data) {
		err := fmt.Errorf("%w: %d words", uhf.ErrVerifyMismatch, len(words))
		finishOp(entry, res, err)
		_, _ = fmt.Fprintln(tc.out, "FAIL")
		return tc.fail(ctx, &testFailureInfo{operation: entry.Operation, err: err, expected: words, actual: res.Data})
	}
	entry.Success = true
	_, _ = fmt.Fprintln(tc.out, "OK")
	return nil
}

// fail reports a failed test and writes a crash report. It returns the
// failure's error.
func (tc *tagTestContext) fail(ctx context.Context, info *testFailureInfo) error {
	info.state = tc.state
	_, _ = fmt.Fprintf(tc.out, "\n  [!] FAILURE at %s test: %v\n", tc.state.CurrentTest, info.err)
	if uhf.GetManufacturer(tc.state.TID) == uhf.ManufacturerUnknown {
		_, _ = fmt.Fprintln(tc.out, "  [!] Unknown chip manufacturer")
	}

	dump, err := tc.reader.AccessTag(ctx, tc.tag, uhf.AccessRequest{
		Op: uhf.OpRead, Area: uhf.AreaUser, Count: uint8(tc.state.Words),
	})
	if err != nil {
		uhf.Debugf("user memory dump failed: %v", err)
	}

	report := createCrashReport(info, dump.Data)
	filename, writeErr := writeCrashReportToFile(tc.dir, report)
	if writeErr != nil {
		_, _ = fmt.Fprintf(tc.out, "  [!] Failed to write crash report: %v\n", writeErr)
	} else {
		_, _ = fmt.Fprintf(tc.out, "  Creating crash report... %s\n", filename)
		tc.result.CrashFile = filename
	}
	return info.err
}

func randomWords(n int) []uint16 {
	b := make([]byte, 2*n)
	_, _ = rand.Read(b)
	words := make([]uint16, n)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return words
}

func createCrashReport(info *testFailureInfo, dump []uint16) *CrashReport {
	report := &CrashReport{
		Timestamp:    time.Now(),
		TagID:        info.state.ID,
		Protocol:     info.state.Protocol,
		Operation:    info.operation,
		TestSize:     info.state.CurrentTest,
		Error:        info.err.Error(),
		OperationLog: info.state.OpLog,
		Words:        info.state.Words,
	}

	if len(info.state.TID) > 0 {
		report.TID = formatHexString(info.state.TID)
		report.Manufacturer = string(uhf.GetManufacturer(info.state.TID))
	}
	if len(info.expected) > 0 {
		report.ExpectedHex = formatWords(info.expected)
	}
	if len(info.actual) > 0 {
		report.ActualHex = formatWords(info.actual)
	}
	if len(dump) > 0 {
		report.UserDump = formatWordDump(dump)
	}
	return report
}

func writeCrashReportToFile(dir string, report *CrashReport) (string, error) {
	timestamp := report.Timestamp.Format("20060102_150405")
	filename := filepath.Join(dir, fmt.Sprintf("stress_test_crash_%s_%s.json", report.TagID, timestamp))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal crash report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write crash report: %w", err)
	}
	return filename, nil
}

func formatHexString(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

func formatWords(words []uint16) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = fmt.Sprintf("%04X", w)
	}
	return strings.Join(parts, " ")
}

// formatWordDump renders memory eight words per line.
func formatWordDump(words []uint16) []string {
	const perLine = 8
	lines := make([]string, 0, (len(words)+perLine-1)/perLine)
	for i := 0; i < len(words); i += perLine {
		end := min(i+perLine, len(words))
		lines = append(lines, fmt.Sprintf("Word %02d: %s", i, formatWords(words[i:end])))
	}
	return lines
}

func printTagTestSummary(out io.Writer, result *StressTestResult) {
	status := "PASS"
	if !result.Success {
		status = "FAIL"
	}
	_, _ = fmt.Fprintf(out, "\n  [%s] %s - %d/3 tests passed - %s\n",
		status, result.ID, result.Passed, result.Duration.Round(100*time.Millisecond))
}

func printFinalSummary(out io.Writer, results []*StressTestResult) {
	if len(results) == 0 {
		return
	}

	_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))
	_, _ = fmt.Fprintln(out, "                              STRESS TEST SUMMARY")
	_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))

	passCount, failCount, crashCount := 0, 0, 0
	_, _ = fmt.Fprintf(out, "Tags tested: %d\n", len(results))
	for _, r := range results {
		status := "PASS"
		if r.Success {
			passCount++
		} else {
			status = "FAIL"
			failCount++
			if r.CrashFile != "" {
				crashCount++
			}
		}
		_, _ = fmt.Fprintf(out, "  [%s] %s (%s) - %d/3 tests\n", status, r.ID, r.Protocol, r.Passed)
	}

	_, _ = fmt.Fprintf(out, "\nOverall: %d PASS, %d FAIL\n", passCount, failCount)
	if crashCount > 0 {
		_, _ = fmt.Fprintf(out, "Crash reports written: %d\n", crashCount)
	}
	_, _ = fmt.Fprintln(out, strings.Repeat("=", 80))
}
