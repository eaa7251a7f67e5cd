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

package detection

import (
	"path/filepath"
	"slices"
	"strings"
)

// Debug probes whose virtual COM port carries the probe's own target console.
const (
	stLinkV21VCP   = "0483:374B"
	stLinkV3VCP    = "0483:374E"
	picoDebugProbe = "2E8A:000C"
	seggerJLinkCDC = "1366:0105"
)

// DefaultBlocklist returns the VID:PID pairs of serial ports that are never
// offered as host link ports. Pairs are hexadecimal and case-insensitive.
func DefaultBlocklist() []string {
	return []string{stLinkV21VCP, stLinkV3VCP, picoDebugProbe, seggerJLinkCDC}
}

// IsBlocked reports whether vidpid is on the blocklist.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.TrimSpace(vidpid)
	return slices.ContainsFunc(blocklist, func(blocked string) bool {
		return strings.EqualFold(vidpid, strings.TrimSpace(blocked))
	})
}

// IsPathIgnored checks if a device path should be ignored. Paths are
// compared cleaned and case-insensitively.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" || len(ignorePaths) == 0 {
		return false
	}

	normalizedDevice := normalizedPath(devicePath)
	for _, ignorePath := range ignorePaths {
		if ignorePath == "" {
			continue
		}
		if devicePath == ignorePath || normalizedDevice == normalizedPath(ignorePath) {
			return true
		}
	}
	return false
}

func normalizedPath(path string) string {
	return strings.ToLower(filepath.Clean(path))
}
