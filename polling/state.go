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

package polling

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/ZaparooProject/go-uhf"
)

// ErrNoTagInPoll indicates no tag was detected during polling (not an error condition)
var ErrNoTagInPoll = errors.New("no tag detected in polling cycle")

// ErrTagWaitTimeout is returned when no tag showed up in time.
var ErrTagWaitTimeout = errors.New("timeout waiting for tag")

// TagState tracks one tag in the field.
type TagState struct {
	FirstSeen time.Time
	LastSeen  time.Time
	// Tag is the latest sighting. A TID read earlier is kept when the
	// latest sighting has none.
	Tag       *uhf.Tag
	Sightings int
}

// presence is the set of tags in the field, keyed by protocol and ID.
type presence struct {
	tags     map[string]*TagState
	lastSeen time.Time
}

func newPresence() *presence {
	return &presence{tags: make(map[string]*TagState)}
}

func tagKey(t *uhf.Tag) string {
	return t.Protocol.String() + ":" + t.IDHex()
}

// sight records tag at now and reports whether it just arrived.
func (p *presence) sight(tag *uhf.Tag, now time.Time) bool {
	p.lastSeen = now
	key := tagKey(tag)
	st, ok := p.tags[key]
	if !ok {
		p.tags[key] = &TagState{Tag: tag.Clone(), FirstSeen: now, LastSeen: now, Sightings: 1}
		return true
	}
	tid := st.Tag.TID
	st.Tag = tag.Clone()
	if st.Tag.TID == nil {
		st.Tag.TID = tid
	}
	st.LastSeen = now
	st.Sightings++
	return false
}

// expire removes the tags unseen for longer than timeout.
func (p *presence) expire(now time.Time, timeout time.Duration) []*uhf.Tag {
	var gone []*uhf.Tag
	for key, st := range p.tags {
		if now.Sub(st.LastSeen) > timeout {
			gone = append(gone, st.Tag)
			delete(p.tags, key)
		}
	}
	sortTags(gone)
	return gone
}

// clear removes every tag.
func (p *presence) clear() []*uhf.Tag {
	gone := make([]*uhf.Tag, 0, len(p.tags))
	for _, st := range p.tags {
		gone = append(gone, st.Tag)
	}
	clear(p.tags)
	sortTags(gone)
	return gone
}

func (p *presence) snapshot() []TagState {
	out := make([]TagState, 0, len(p.tags))
	for _, st := range p.tags {
		c := *st
		c.Tag = st.Tag.Clone()
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b TagState) int {
		return strings.Compare(tagKey(a.Tag), tagKey(b.Tag))
	})
	return out
}

func sortTags(tags []*uhf.Tag) {
	slices.SortFunc(tags, func(a, b *uhf.Tag) int {
		return strings.Compare(tagKey(a), tagKey(b))
	})
}
