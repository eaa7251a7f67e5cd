package testing

import (
	"encoding/hex"
	"math/rand/v2"
	"strings"

	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

// TagProtocol selects the air protocol a virtual tag answers.
type TagProtocol uint8

// Tag protocols
const (
	TagGen2 TagProtocol = iota
	TagGB29768
)

// Memory areas, numbered as Gen2 banks. GB/T 29768 areas are mapped onto
// them: security to AreaSecure, coding to AreaID, tag info to AreaTID.
const (
	AreaSecure = 0
	AreaID     = 1
	AreaTID    = 2
	AreaUser   = 3
)

// LockLevel is the write protection of a memory area.
type LockLevel uint8

// Lock levels
const (
	Unlocked LockLevel = iota
	// PasswordLocked areas are writable in the secured state only.
	PasswordLocked
	// PermaLocked areas are never writable.
	PermaLocked
)

type tagState uint8

const (
	stateReady tagState = iota
	stateArbitrate
	stateReply
	stateAcknowledged
	stateOpen
	stateSecured
	stateKilled
)

// Word offsets of the passwords in the secure area. Gen2 keeps the kill
// password first and the access password second; GB/T 29768 keeps one
// password per access category.
const (
	gen2KillWord   = 0
	gen2AccessWord = 2
	userWords      = 32
)

// VirtualTag is a simulated UHF transponder. Memory and Lock may be set up
// before the tag is added to a VirtualReader; afterwards use the reader's
// accessors.
type VirtualTag struct {
	Memory [4][]uint16
	Lock   [4]LockLevel
	// Antenna is the antenna port the tag is visible on, or -1 for all.
	Antenna int
	// RSSI is the raw RSSI register value of the tag's replies.
	RSSI     byte
	Protocol TagProtocol
	Present  bool

	flags   [4]bool
	opened  [4]bool
	counter int
	q       int
	rn      uint16
	handle  uint16
	cover   uint16
	half    uint16
	halves  int
	session uint8
	state   tagState
	matched bool
}

// NewGen2Tag creates a Gen2 tag with the given EPC and TID and 32 words of
// user memory.
func NewGen2Tag(epc, tid []byte) *VirtualTag {
	t := &VirtualTag{Protocol: TagGen2, Antenna: -1, RSSI: 0xA9, Present: true}
	t.Memory[AreaSecure] = make([]uint16, 4)
	t.Memory[AreaID] = append([]uint16{0, gen2.PCForEPC(len(epc))}, bytesToWords(epc)...)
	t.Memory[AreaTID] = bytesToWords(tid)
	t.Memory[AreaUser] = make([]uint16, userWords)
	return t
}

// NewGBTag creates a GB/T 29768 tag with the given identifier and tag info.
func NewGBTag(id, tid []byte) *VirtualTag {
	t := &VirtualTag{Protocol: TagGB29768, Antenna: -1, RSSI: 0x98, Present: true}
	t.Memory[AreaSecure] = make([]uint16, 8)
	t.Memory[AreaID] = append([]uint16{gb29768.PCForID(len(id))}, bytesToWords(id)...)
	t.Memory[AreaTID] = bytesToWords(tid)
	t.Memory[AreaUser] = make([]uint16, userWords)
	return t
}

// idOffset is the word offset of the identifier in AreaID.
func (v *VirtualTag) idOffset() int {
	if v.Protocol == TagGB29768 {
		return 1
	}
	return 2
}

// ID returns the identifier as announced by the PC word.
func (v *VirtualTag) ID() []byte {
	mem := v.Memory[AreaID]
	off := v.idOffset()
	n := int(mem[off-1] >> 11)
	end := min(off+n, len(mem))
	return wordsToBytes(mem[off:end])
}

// IDHex returns the identifier as upper case hex.
func (v *VirtualTag) IDHex() string {
	return strings.ToUpper(hex.EncodeToString(v.ID()))
}

// SetAccessPassword sets the Gen2 access password.
func (v *VirtualTag) SetAccessPassword(p uint32) {
	v.setPassword(gen2AccessWord, p)
}

// SetKillPassword sets the Gen2 kill password.
func (v *VirtualTag) SetKillPassword(p uint32) {
	v.setPassword(gen2KillWord, p)
}

// SetCategoryPassword sets the GB/T 29768 password of an access category.
func (v *VirtualTag) SetCategoryPassword(c gb29768.Category, p uint32) {
	v.setPassword(2*int(c), p)
}

func (v *VirtualTag) setPassword(word int, p uint32) {
	v.Memory[AreaSecure][word] = uint16(p >> 16)
	v.Memory[AreaSecure][word+1] = uint16(p)
}

func (v *VirtualTag) password(word int) uint32 {
	return uint32(v.Memory[AreaSecure][word])<<16 | uint32(v.Memory[AreaSecure][word+1])
}

// Killed reports whether the tag was killed.
func (v *VirtualTag) Killed() bool {
	return v.state == stateKilled
}

func (v *VirtualTag) inAccess() bool {
	return v.state == stateAcknowledged || v.state == stateOpen || v.state == stateSecured
}

// powerDown drops the volatile state when the field goes off. Session 0
// flags do not survive.
func (v *VirtualTag) powerDown() {
	if v.state != stateKilled {
		v.state = stateReady
	}
	v.flags[0] = false
	v.matched = false
	v.opened = [4]bool{}
}

// endRound leaves the access states when a new round starts or the
// reader moves on, flipping the inventoried flag of the round's session.
func (v *VirtualTag) endRound() {
	if v.inAccess() {
		v.flags[v.session] = !v.flags[v.session]
	}
	v.state = stateReady
	v.opened = [4]bool{}
}

// coverHalf accumulates one cover-coded password half. It returns the full
// password once both halves arrived.
func (v *VirtualTag) coverHalf(covered uint16) (uint32, bool) {
	half := covered ^ v.cover
	if v.halves == 0 {
		v.half = half
		v.halves = 1
		return 0, false
	}
	v.halves = 0
	return uint32(v.half)<<16 | uint32(half), true
}

// inRange reports whether count words from pointer fit in area.
func (v *VirtualTag) inRange(area int, pointer, count int) bool {
	return area >= 0 && area < len(v.Memory) && pointer >= 0 && pointer+count <= len(v.Memory[area])
}

func (v *VirtualTag) newRN(rng *rand.Rand) uint16 {
	return uint16(rng.Uint32())
}

func bytesToWords(p []byte) []uint16 {
	out := make([]uint16, 0, (len(p)+1)/2)
	for i := 0; i < len(p); i += 2 {
		w := uint16(p[i]) << 8
		if i+1 < len(p) {
			w |= uint16(p[i+1])
		}
		out = append(out, w)
	}
	return out
}

func wordsToBytes(words []uint16) []byte {
	out := make([]byte, 0, len(words)*2)
	for _, w := range words {
		out = append(out, byte(w>>8), byte(w))
	}
	return out
}
