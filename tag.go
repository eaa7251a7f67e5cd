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

package uhf

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

// Protocol is an air-interface standard.
type Protocol uint8

const (
	// ProtocolGen2 is EPC Gen2 / ISO 18000-6C, handled by the transceiver.
	ProtocolGen2 Protocol = iota
	// ProtocolGB29768 is GB/T 29768, bit-banged in software.
	ProtocolGB29768
)

func (p Protocol) String() string {
	switch p {
	case ProtocolGen2:
		return "Gen2"
	case ProtocolGB29768:
		return "GB29768"
	default:
		return fmt.Sprintf("Protocol(%d)", uint8(p))
	}
}

// ParseProtocol accepts "gen2" and "gb" style names.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gen2", "epc", "iso18000-6c", "6c":
		return ProtocolGen2, nil
	case "gb", "gb29768", "gbt29768":
		return ProtocolGB29768, nil
	default:
		return 0, fmt.Errorf("%w: unknown protocol %q", ErrConfig, s)
	}
}

// Area names a tag memory region independent of protocol.
type Area uint8

const (
	// AreaSecure holds passwords: Gen2 reserved bank, GB security area.
	AreaSecure Area = iota
	// AreaID holds the identifier: Gen2 EPC bank, GB coding area.
	AreaID
	// AreaTID holds the chip identifier: Gen2 TID bank, GB tag info area.
	AreaTID
	// AreaUser is user memory.
	AreaUser
)

func (a Area) String() string {
	switch a {
	case AreaSecure:
		return "secure"
	case AreaID:
		return "id"
	case AreaTID:
		return "tid"
	case AreaUser:
		return "user"
	default:
		return fmt.Sprintf("Area(%d)", uint8(a))
	}
}

func (a Area) gen2Bank() gen2.MemBank {
	switch a {
	case AreaSecure:
		return gen2.BankReserved
	case AreaID:
		return gen2.BankEPC
	case AreaTID:
		return gen2.BankTID
	default:
		return gen2.BankUser
	}
}

func (a Area) gbArea() gb29768.Area {
	switch a {
	case AreaSecure:
		return gb29768.AreaSecurity
	case AreaID:
		return gb29768.AreaCoding
	case AreaTID:
		return gb29768.AreaTagInfo
	default:
		return gb29768.AreaUser
	}
}

// RSSI is the receive strength of one reply. The log values are the raw
// nibbles reported by the transceiver for the I and Q channels.
type RSSI struct {
	LogI    uint8
	LogQ    uint8
	LinearI uint16
	LinearQ uint16
}

// rssiFromRegister splits the RSSI register into its two channels. Each
// nibble step is 2 dB, so the linear amplitude doubles every 3 steps.
func rssiFromRegister(v byte) RSSI {
	i, q := v>>4, v&0x0F
	return RSSI{LogI: i, LogQ: q, LinearI: linearRSSI(i), LinearQ: linearRSSI(q)}
}

func linearRSSI(n uint8) uint16 {
	if n == 0 {
		return 0
	}
	return uint16(1) << (n * 2 / 3)
}

// Sum returns LogI+LogQ, the figure used for averaging and LBT.
func (r RSSI) Sum() int {
	return int(r.LogI) + int(r.LogQ)
}

// Tag is one singulated transponder.
type Tag struct {
	Discovered time.Time
	TIDErr     error
	ID         []byte
	TID        []byte
	Protocol   Protocol
	Antenna    int
	ChannelKHz uint32
	RSSI       RSSI
	// RN is the slot reply: RN16 for Gen2, RN11 for GB/T 29768.
	RN     uint16
	PC     uint16
	Handle uint16
	AGC    uint8
}

// IDHex returns the identifier as upper case hex.
func (t *Tag) IDHex() string {
	return strings.ToUpper(hex.EncodeToString(t.ID))
}

// TIDHex returns the TID as upper case hex, or "" if it was not read.
func (t *Tag) TIDHex() string {
	return strings.ToUpper(hex.EncodeToString(t.TID))
}

// Clone returns a deep copy.
func (t *Tag) Clone() *Tag {
	c := *t
	c.ID = append([]byte(nil), t.ID...)
	if t.TID != nil {
		c.TID = append([]byte(nil), t.TID...)
	}
	return &c
}

func (t *Tag) String() string {
	return fmt.Sprintf("%s %s ant=%d rssi=%d/%d", t.Protocol, t.IDHex(), t.Antenna, t.RSSI.LogI, t.RSSI.LogQ)
}

// Manufacturer is the chip vendor derived from the TID mask designer ID.
type Manufacturer string

const (
	ManufacturerImpinj  Manufacturer = "Impinj"
	ManufacturerNXP     Manufacturer = "NXP"
	ManufacturerAlien   Manufacturer = "Alien"
	ManufacturerUnknown Manufacturer = "Unknown"
)

// GetManufacturer returns the chip vendor encoded in a Gen2 TID. Only TIDs
// of allocation class 0xE2 carry a mask designer ID.
func GetManufacturer(tid []byte) Manufacturer {
	if len(tid) < 3 || tid[0] != 0xE2 {
		return ManufacturerUnknown
	}
	mdid := (uint16(tid[1])<<4 | uint16(tid[2])>>4) & 0x1FF
	switch mdid {
	case 0x001:
		return ManufacturerImpinj
	case 0x003:
		return ManufacturerAlien
	case 0x006:
		return ManufacturerNXP
	default:
		return ManufacturerUnknown
	}
}
