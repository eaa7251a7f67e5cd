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
	"context"
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/internal/softphy"
	"github.com/ZaparooProject/go-uhf/internal/syncutil"
)

// Option configures a Reader.
type Option func(*Reader) error

// WithEngineContext replaces the default configuration. The context is
// validated and copied.
func WithEngineContext(ec *EngineContext) Option {
	return func(r *Reader) error {
		if ec == nil {
			return fmt.Errorf("%w: nil engine context", ErrConfig)
		}
		if err := ec.Validate(); err != nil {
			return err
		}
		r.ec = ec.Clone()
		return nil
	}
}

// WithTuner attaches an antenna matching network.
func WithTuner(t Tuner) Option {
	return func(r *Reader) error {
		r.tuner = t
		return nil
	}
}

// WithAntennaSwitch attaches an antenna multiplexer.
func WithAntennaSwitch(s AntennaSwitch) Option {
	return func(r *Reader) error {
		r.antennas = s
		return nil
	}
}

// WithChannelStore persists channel tuning between runs.
func WithChannelStore(s ChannelStore) Option {
	return func(r *Reader) error {
		r.store = s
		return nil
	}
}

// WithClock replaces the system clock, mainly for simulation.
func WithClock(c Clock) Option {
	return func(r *Reader) error {
		if c == nil {
			return fmt.Errorf("%w: nil clock", ErrConfig)
		}
		r.clock = c
		return nil
	}
}

// WithIndicator reports activity to LEDs or similar.
func WithIndicator(i Indicator) Option {
	return func(r *Reader) error {
		r.indicator = i
		return nil
	}
}

// WithDirectModeLine enables GB/T 29768 through the bit-banged air
// interface.
func WithDirectModeLine(l DirectModeLine) Option {
	return func(r *Reader) error {
		r.line = l
		return nil
	}
}

// Reader drives one transceiver through inventory and access operations.
//
// Thread Safety: Reader methods are safe for concurrent use; operations are
// serialized. A sequence returned by RunInventory holds the Reader while it
// is being ranged over, so AccessTag must not be called from inside the loop
// body.
type Reader struct {
	xcvr      Transceiver
	line      DirectModeLine
	tuner     Tuner
	antennas  AntennaSwitch
	store     ChannelStore
	clock     Clock
	indicator Indicator
	ec        *EngineContext
	channels  *ChannelController
	session   protocolSession
	trace     *AirTrace
	capture   *softphy.Capture
	radio     radio
	work      Tag
	tx        frame.BitFrame
	raw       frame.BitFrame
	payload   frame.BitFrame
	train     softphy.PulseTrain
	decoder   softphy.Decoder
	antenna   int
	mu        syncutil.Mutex
	closed    bool
}

// New creates a Reader on top of a transceiver. The RF field stays off
// until the first operation.
func New(xcvr Transceiver, opts ...Option) (*Reader, error) {
	if xcvr == nil {
		return nil, fmt.Errorf("%w: nil transceiver", ErrConfig)
	}
	r := &Reader{
		xcvr:  xcvr,
		radio: radio{x: xcvr},
		clock: SystemClock(),
		ec:    DefaultEngineContext(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.antenna = r.ec.Antenna
	r.channels = NewChannelController(r.ec, xcvr, r.clock, r.tuner, r.store)
	if err := r.channels.LoadTuning(); err != nil {
		Debugf("channel tuning not loaded: %v", err)
	}
	if r.antennas != nil {
		if err := r.antennas.SelectAntenna(r.antenna); err != nil {
			return nil, fmt.Errorf("select antenna %d: %w", r.antenna, err)
		}
	}
	return r, nil
}

// Config returns a copy of the active configuration.
func (r *Reader) Config() *EngineContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ec.Clone()
}

// Clock returns the time source of the engine.
func (r *Reader) Clock() Clock {
	return r.clock
}

// Protocol returns the protocol of the open session and whether one is open.
func (r *Reader) Protocol() (Protocol, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return 0, false
	}
	return r.session.protocol(), true
}

// Open switches the air interface to protocol p. Operations open the
// protocol they need on their own; Open is for callers that want setup
// errors early.
func (r *Reader) Open(ctx context.Context, p Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked(ctx, p)
}

func (r *Reader) openLocked(ctx context.Context, p Protocol) error {
	if r.closed {
		return ErrTransceiverClosed
	}
	if r.session != nil && r.session.protocol() == p {
		return nil
	}
	if err := r.closeSessionLocked(); err != nil {
		return err
	}

	var s protocolSession
	switch p {
	case ProtocolGen2:
		s = &gen2Session{r: r}
	case ProtocolGB29768:
		if r.line == nil {
			return fmt.Errorf("%w: %s needs a direct mode line", ErrUnsupported, p)
		}
		if r.capture == nil {
			r.capture = new(softphy.Capture)
		}
		s = &gbSession{r: r}
	default:
		return fmt.Errorf("%w: protocol %d", ErrUnsupported, p)
	}
	if err := s.open(ctx); err != nil {
		return fmt.Errorf("open %s session: %w", p, err)
	}
	Debugf("%s session open", p)
	r.session = s
	return nil
}

func (r *Reader) closeSessionLocked() error {
	if r.session == nil {
		return nil
	}
	s := r.session
	r.session = nil
	if err := s.close(); err != nil {
		return fmt.Errorf("close %s session: %w", s.protocol(), err)
	}
	return nil
}

// SelectChannel runs channel selection for antenna without starting an
// inventory. The RF field is left on until the allocation time runs out or
// another operation releases it.
func (r *Reader) SelectChannel(ctx context.Context, antenna int) (ChannelStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ChannelStatus{}, ErrTransceiverClosed
	}
	if err := r.useAntenna(antenna); err != nil {
		return ChannelStatus{}, err
	}
	return r.channels.Select(ctx, r.antenna)
}

// Channels returns the channel controller. Its methods are not synchronized
// with the Reader.
func (r *Reader) Channels() *ChannelController {
	return r.channels
}

// ensureChannel holds a channel for the next exchange, selecting a new one
// when none is held or its allocation expired.
func (r *Reader) ensureChannel(ctx context.Context) (ChannelStatus, bool, error) {
	if st, ok := r.channels.Current(); ok && !r.channels.Expired() {
		return st, false, nil
	}
	st, err := r.channels.Select(ctx, r.antenna)
	return st, true, err
}

func (r *Reader) useAntenna(antenna int) error {
	if antenna == r.antenna {
		return nil
	}
	if r.antennas == nil || antenna < 0 || antenna >= r.antennas.Antennas() {
		return fmt.Errorf("%w: antenna %d", ErrInvalidRequest, antenna)
	}
	if err := r.channels.Release(); err != nil {
		return err
	}
	if err := r.antennas.SelectAntenna(antenna); err != nil {
		return fmt.Errorf("select antenna %d: %w", antenna, err)
	}
	r.antenna = antenna
	return nil
}

// Close switches the field off and releases the transceiver.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	if err := r.channels.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := r.closeSessionLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := r.xcvr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transceiver: %w", err))
	}
	return errors.Join(errs...)
}

// fillTag completes the work tag after a successful ACK.
func (r *Reader) fillTag(rn, pc uint16, id []byte) {
	r.work = Tag{
		Protocol:   r.session.protocol(),
		ID:         id,
		PC:         pc,
		RN:         rn,
		Antenna:    r.antenna,
		Discovered: r.clock.Now(),
	}
	if st, ok := r.channels.Current(); ok {
		r.work.ChannelKHz = st.FreqKHz
	}
	if rssi, err := r.radio.rssi(); err == nil {
		r.work.RSSI = rssi
	}
	if agc, err := r.radio.agc(); err == nil {
		r.work.AGC = agc
	}
}
