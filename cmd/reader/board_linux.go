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

//go:build linux

package main

import (
	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/transport/spi"
)

// openBoard opens the transceiver wired as described by the flags and
// builds a reader on it.
func openBoard(cfg *config, opts ...uhf.Option) (*uhf.Reader, error) {
	scfg := spi.DefaultConfig()
	scfg.Port = cfg.spiPort
	scfg.IRQPin = cfg.irqPin
	scfg.Chip = cfg.chip
	scfg.TXLine = cfg.txLine
	scfg.RXLine = cfg.rxLine
	scfg.LEDLine = cfg.ledLine
	scfg.AntennaLines = cfg.antennaLines

	board, err := spi.Open(scfg)
	if err != nil {
		return nil, err
	}

	opts = append(opts, uhf.WithIndicator(board))
	if board.DirectMode() {
		opts = append(opts, uhf.WithDirectModeLine(board))
	}
	if board.Antennas() > 1 {
		opts = append(opts, uhf.WithAntennaSwitch(board))
	}
	reader, err := uhf.New(board, opts...)
	if err != nil {
		_ = board.Close()
		return nil, err
	}
	return reader, nil
}
