package testing

import (
	"math/rand/v2"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/pkg/gb29768"
)

// gbAreas maps GB/T 29768 storage areas onto the tag's memory areas.
var gbAreas = [4]int{
	gb29768.AreaTagInfo:  AreaTID,
	gb29768.AreaCoding:   AreaID,
	gb29768.AreaSecurity: AreaSecure,
	gb29768.AreaUser:     AreaUser,
}

// handleGB applies one GB/T 29768 command and writes the tag's reply into
// out. It reports whether the tag replies.
//
//nolint:gocognit,cyclop // tag state machine
func (v *VirtualTag) handleGB(cmd gb29768.Command, rng *rand.Rand, out *frame.BitFrame) bool {
	if v.state == stateKilled {
		return false
	}
	switch cmd.Code {
	case gb29768.CodeSort:
		s := cmd.Sort
		match := v.matchMask(gbAreas[s.Area&3], int(s.Pointer), s.Mask, int(s.MaskBits))
		v.matched = match == (s.Action == gb29768.SortAssertMatching)
	case gb29768.CodeQuery:
		q := cmd.Query
		v.endRound()
		if !v.gbParticipates(q) {
			return false
		}
		v.session = q.Session
		v.counter = 0
		return v.gbSlot(rng, out)
	case gb29768.CodeQueryRep, gb29768.CodeDivide, gb29768.CodeDisperse, gb29768.CodeShrink:
		if cmd.Session != v.session {
			return false
		}
		switch v.state {
		case stateAcknowledged, stateOpen, stateSecured:
			v.endRound()
			return false
		case stateArbitrate, stateReply:
		default:
			return false
		}
		switch cmd.Code {
		case gb29768.CodeQueryRep:
			v.counter = max(v.counter-1, 0)
		case gb29768.CodeDivide:
			if v.counter == 0 {
				v.counter = rng.IntN(2)
			} else {
				v.counter++
			}
		case gb29768.CodeDisperse:
			v.counter = 2*v.counter + rng.IntN(2)
		case gb29768.CodeShrink:
			v.counter /= 2
		}
		return v.gbSlot(rng, out)
	case gb29768.CodeACK:
		if v.state != stateReply {
			return false
		}
		if cmd.RN11 != v.rn {
			v.state = stateArbitrate
			return false
		}
		v.state = stateAcknowledged
		mem := v.Memory[AreaID]
		return gb29768.BuildACKReply(out, mem[0], v.ID()) == nil
	case gb29768.CodeGetRN:
		switch {
		case v.state == stateAcknowledged && cmd.Handle == v.rn:
			v.handle = v.newRN(rng)
			v.halves = 0
			v.state = stateOpen
		case (v.state == stateOpen || v.state == stateSecured) && cmd.Handle == v.handle:
		default:
			return false
		}
		v.cover = v.newRN(rng)
		return gb29768.BuildGetRNReply(out, v.cover, v.handle) == nil
	default:
		if (v.state == stateOpen || v.state == stateSecured) && cmd.Handle == v.handle {
			return v.gbAccess(cmd, out)
		}
	}
	return false
}

func (v *VirtualTag) gbSlot(rng *rand.Rand, out *frame.BitFrame) bool {
	if v.counter != 0 {
		v.state = stateArbitrate
		return false
	}
	v.state = stateReply
	v.rn = v.newRN(rng) & 0x7FF
	return gb29768.BuildSlotReply(out, v.rn) == nil
}

func (v *VirtualTag) gbParticipates(q gb29768.Query) bool {
	switch q.Condition {
	case gb29768.ConditionMatching:
		if !v.matched {
			return false
		}
	case gb29768.ConditionOther:
		if v.matched {
			return false
		}
	}
	return v.flags[q.Session] == q.Target
}

// permitted reports whether the category is open: it has no password or an
// Access with the password succeeded since the tag was acknowledged.
func (v *VirtualTag) permitted(c gb29768.Category) bool {
	return v.password(2*int(c)) == 0 || v.opened[c]
}

//nolint:gocognit,cyclop // one case per access command
func (v *VirtualTag) gbAccess(cmd gb29768.Command, out *frame.BitFrame) bool {
	status := func(code gb29768.ErrorCode, data []uint16) bool {
		return gb29768.BuildStatusReply(out, gb29768.StatusReply{Status: code, Data: data, Handle: v.handle}) == nil
	}
	area, ptr, count := gbAreas[cmd.Area&3], int(cmd.Pointer), int(cmd.Count)

	switch cmd.Code {
	case gb29768.CodeAccess:
		p, done := v.coverHalf(cmd.Covered)
		if !done {
			return status(gb29768.StatusOK, nil)
		}
		if cmd.Category > gb29768.CategoryKill {
			return status(gb29768.ErrorOther, nil)
		}
		if p != v.password(2*int(cmd.Category)) {
			return status(gb29768.ErrorPassword, nil)
		}
		v.opened[cmd.Category] = true
		v.state = stateSecured
		return status(gb29768.StatusOK, nil)
	case gb29768.CodeRead:
		if !v.permitted(gb29768.CategoryRead) {
			return status(gb29768.ErrorPermissionDenied, nil)
		}
		if count == 0 && v.inRange(area, ptr, 0) {
			count = len(v.Memory[area]) - ptr
		}
		if !v.inRange(area, ptr, count) {
			return status(gb29768.ErrorStorageOverflow, nil)
		}
		return status(gb29768.StatusOK, append([]uint16(nil), v.Memory[area][ptr:ptr+count]...))
	case gb29768.CodeWrite, gb29768.CodeErase:
		if !v.permitted(gb29768.CategoryWrite) {
			return status(gb29768.ErrorPermissionDenied, nil)
		}
		if !v.inRange(area, ptr, count) {
			return status(gb29768.ErrorStorageOverflow, nil)
		}
		if v.Lock[area] != Unlocked {
			return status(gb29768.ErrorStorageLocked, nil)
		}
		for i := range count {
			var w uint16
			if cmd.Code == gb29768.CodeWrite {
				w = cmd.Data[i]
			}
			v.Memory[area][ptr+i] = w
		}
		return status(gb29768.StatusOK, nil)
	case gb29768.CodeLock:
		if !v.permitted(gb29768.CategoryLock) {
			return status(gb29768.ErrorPermissionDenied, nil)
		}
		if v.Lock[area] == PermaLocked {
			return status(gb29768.ErrorStorageLocked, nil)
		}
		switch cmd.Lock {
		case gb29768.LockReadWrite:
			v.Lock[area] = Unlocked
		case gb29768.LockPermanent:
			v.Lock[area] = PermaLocked
		default:
			v.Lock[area] = PasswordLocked
		}
		return status(gb29768.StatusOK, nil)
	case gb29768.CodeKill:
		if !v.permitted(gb29768.CategoryKill) {
			return status(gb29768.ErrorPermissionDenied, nil)
		}
		v.state = stateKilled
		return status(gb29768.StatusOK, nil)
	default:
		return false
	}
}
