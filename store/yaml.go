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

// Package store persists the channel list and its antenna tuning cache.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

const yamlVersion = 1

// ErrFormat is returned for stored data that cannot be decoded.
var ErrFormat = errors.New("stored channel data is invalid")

type channelDocument struct {
	Channels []uhf.ChannelEntry `yaml:"channels"`
	Version  int                `yaml:"version"`
}

// YAMLFile keeps the channel list in a YAML file. A missing file holds no
// entries.
type YAMLFile struct {
	path string
	mu   syncutil.Mutex
}

var _ uhf.ChannelStore = (*YAMLFile)(nil)

// NewYAMLFile returns a store backed by path. The file is created on the
// first save.
func NewYAMLFile(path string) *YAMLFile {
	return &YAMLFile{path: path}
}

// Path returns the backing file.
func (f *YAMLFile) Path() string {
	return f.path
}

// LoadChannels reads the stored entries.
func (f *YAMLFile) LoadChannels() ([]uhf.ChannelEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	var doc channelDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFormat, f.path, err)
	}
	if doc.Version != yamlVersion {
		return nil, fmt.Errorf("%w: %s: version %d", ErrFormat, f.path, doc.Version)
	}
	return doc.Channels, nil
}

// SaveChannels replaces the stored entries. The file is written next to
// its destination and renamed over it.
func (f *YAMLFile) SaveChannels(entries []uhf.ChannelEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(channelDocument{Version: yamlVersion, Channels: entries})
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".channels-*.yaml")
	if err != nil {
		return fmt.Errorf("save channels: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save channels: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save channels: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("save channels: %w", err)
	}
	uhf.Debugf("saved %d channel entries to %s", len(entries), f.path)
	return nil
}
