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

// Package hostlink serves the reader to a host over a byte stream, usually a
// serial port. Requests and responses are length-prefixed frames carrying
// TLV records.
//
// Frame layout:
//
//	SOF(0xBB) LEN(2) PAYLOAD(LEN) CRC(2)
//
// The CRC-16 covers LEN and PAYLOAD. A request payload is CMD SEQ followed
// by records; a response payload is CMD|0x80 SEQ STATUS followed by records.
package hostlink

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	sof = 0xBB

	// MaxPayload is the largest payload a frame carries.
	MaxPayload = 1024

	responseBit = 0x80
)

// Command identifies a request.
type Command uint8

// Commands
const (
	CmdPing      Command = 0x01
	CmdInventory Command = 0x10
	CmdAccess    Command = 0x20
	CmdStop      Command = 0x30
)

func (c Command) String() string {
	switch c {
	case CmdPing:
		return "ping"
	case CmdInventory:
		return "inventory"
	case CmdAccess:
		return "access"
	case CmdStop:
		return "stop"
	default:
		return fmt.Sprintf("command 0x%02X", uint8(c))
	}
}

// Status is the outcome reported in a response.
type Status uint8

// Statuses
const (
	StatusOK Status = 0x00
	// StatusMore marks an intermediate response; more follow for the same
	// request.
	StatusMore Status = 0x01
	// StatusStopped ends an inventory cancelled by CmdStop.
	StatusStopped    Status = 0x02
	StatusBadFrame   Status = 0x10
	StatusBadRequest Status = 0x11
	StatusBusy       Status = 0x12
	StatusTagError   Status = 0x20
	StatusNoTag      Status = 0x21
	StatusRadio      Status = 0x30
	StatusFailed     Status = 0x3F
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMore:
		return "more"
	case StatusStopped:
		return "stopped"
	case StatusBadFrame:
		return "bad frame"
	case StatusBadRequest:
		return "bad request"
	case StatusBusy:
		return "busy"
	case StatusTagError:
		return "tag error"
	case StatusNoTag:
		return "no tag"
	case StatusRadio:
		return "radio"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status 0x%02X", uint8(s))
	}
}

// RecordType identifies a TLV record.
type RecordType uint8

// Record types
const (
	RecID        RecordType = 0x01
	RecTID       RecordType = 0x02
	RecProtocol  RecordType = 0x03
	RecAntenna   RecordType = 0x04
	RecChannel   RecordType = 0x05
	RecRSSI      RecordType = 0x06
	RecPC        RecordType = 0x07
	RecRounds    RecordType = 0x10
	RecReadTID   RecordType = 0x11
	RecOp        RecordType = 0x12
	RecArea      RecordType = 0x13
	RecPointer   RecordType = 0x14
	RecCount     RecordType = 0x15
	RecData      RecordType = 0x16
	RecPassword  RecordType = 0x17
	RecLock      RecordType = 0x18
	RecLockAct   RecordType = 0x19
	RecTagCode   RecordType = 0x20
	RecMessage   RecordType = 0x21
	RecVersion   RecordType = 0x22
	RecTagCount  RecordType = 0x23
	RecAttempts  RecordType = 0x24
	RecTIDStatus RecordType = 0x25
)

// Framing and record errors
var (
	ErrChecksum     = errors.New("frame checksum mismatch")
	ErrFrameLength  = errors.New("invalid frame length")
	ErrRecord       = errors.New("malformed record")
	ErrMissingField = errors.New("missing record")
)

// Record is one TLV record. Values are at most 255 bytes.
type Record struct {
	Value []byte
	Type  RecordType
}

// Uint8Record builds a one byte record.
func Uint8Record(t RecordType, v uint8) Record {
	return Record{Type: t, Value: []byte{v}}
}

// Uint16Record builds a big-endian two byte record.
func Uint16Record(t RecordType, v uint16) Record {
	return Record{Type: t, Value: binary.BigEndian.AppendUint16(nil, v)}
}

// Uint32Record builds a big-endian four byte record.
func Uint32Record(t RecordType, v uint32) Record {
	return Record{Type: t, Value: binary.BigEndian.AppendUint32(nil, v)}
}

// WordsRecord builds a record of big-endian 16-bit words.
func WordsRecord(t RecordType, words []uint16) Record {
	v := make([]byte, 0, 2*len(words))
	for _, w := range words {
		v = binary.BigEndian.AppendUint16(v, w)
	}
	return Record{Type: t, Value: v}
}

// Records is a decoded record list.
type Records []Record

// Find returns the value of the first record of type t.
func (rs Records) Find(t RecordType) ([]byte, bool) {
	for _, r := range rs {
		if r.Type == t {
			return r.Value, true
		}
	}
	return nil, false
}

// Uint reads a record of one, two or four bytes as an unsigned integer.
// def is returned when the record is absent.
func (rs Records) Uint(t RecordType, def uint32) (uint32, error) {
	v, ok := rs.Find(t)
	if !ok {
		return def, nil
	}
	switch len(v) {
	case 1:
		return uint32(v[0]), nil
	case 2:
		return uint32(binary.BigEndian.Uint16(v)), nil
	case 4:
		return binary.BigEndian.Uint32(v), nil
	default:
		return 0, fmt.Errorf("%w: type 0x%02X has %d bytes", ErrRecord, uint8(t), len(v))
	}
}

// Words reads a record of big-endian 16-bit words.
func (rs Records) Words(t RecordType) ([]uint16, error) {
	v, ok := rs.Find(t)
	if !ok {
		return nil, nil
	}
	if len(v)%2 != 0 {
		return nil, fmt.Errorf("%w: type 0x%02X has odd length %d", ErrRecord, uint8(t), len(v))
	}
	words := make([]uint16, len(v)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(v[2*i:])
	}
	return words, nil
}

func appendRecords(p []byte, rs []Record) ([]byte, error) {
	for _, r := range rs {
		if len(r.Value) > 0xFF {
			return nil, fmt.Errorf("%w: type 0x%02X value of %d bytes", ErrRecord, uint8(r.Type), len(r.Value))
		}
		p = append(p, byte(r.Type), byte(len(r.Value)))
		p = append(p, r.Value...)
	}
	if len(p) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrFrameLength, len(p))
	}
	return p, nil
}

func parseRecords(p []byte) (Records, error) {
	var rs Records
	for len(p) > 0 {
		if len(p) < 2 || len(p) < 2+int(p[1]) {
			return nil, fmt.Errorf("%w: truncated at %d bytes", ErrRecord, len(p))
		}
		n := int(p[1])
		rs = append(rs, Record{Type: RecordType(p[0]), Value: append([]byte(nil), p[2:2+n]...)})
		p = p[2+n:]
	}
	return rs, nil
}

// Request is a decoded request payload.
type Request struct {
	Records Records
	Cmd     Command
	Seq     uint8
}

// MarshalBinary encodes the request payload.
func (r Request) MarshalBinary() ([]byte, error) {
	return appendRecords([]byte{byte(r.Cmd), r.Seq}, r.Records)
}

// ParseRequest decodes a request payload.
func ParseRequest(p []byte) (Request, error) {
	if len(p) < 2 {
		return Request{}, fmt.Errorf("%w: request of %d bytes", ErrFrameLength, len(p))
	}
	req := Request{Cmd: Command(p[0]), Seq: p[1]}
	if req.Cmd&responseBit != 0 {
		return req, fmt.Errorf("%w: response code 0x%02X in request", ErrRecord, p[0])
	}
	rs, err := parseRecords(p[2:])
	if err != nil {
		return req, err
	}
	req.Records = rs
	return req, nil
}

// Response is a decoded response payload.
type Response struct {
	Records Records
	Cmd     Command
	Seq     uint8
	Status  Status
}

// MarshalBinary encodes the response payload.
func (r Response) MarshalBinary() ([]byte, error) {
	return appendRecords([]byte{byte(r.Cmd) | responseBit, r.Seq, byte(r.Status)}, r.Records)
}

// ParseResponse decodes a response payload.
func ParseResponse(p []byte) (Response, error) {
	if len(p) < 3 {
		return Response{}, fmt.Errorf("%w: response of %d bytes", ErrFrameLength, len(p))
	}
	if p[0]&responseBit == 0 {
		return Response{}, fmt.Errorf("%w: request code 0x%02X in response", ErrRecord, p[0])
	}
	resp := Response{Cmd: Command(p[0] &^ responseBit), Seq: p[1], Status: Status(p[2])}
	rs, err := parseRecords(p[3:])
	if err != nil {
		return resp, err
	}
	resp.Records = rs
	return resp, nil
}
