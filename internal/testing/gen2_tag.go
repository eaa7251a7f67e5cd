package testing

import (
	"math/rand/v2"

	"github.com/ZaparooProject/go-uhf/internal/frame"
	"github.com/ZaparooProject/go-uhf/pkg/gen2"
)

const selectTargetSL = 4

// handleGen2 applies one Gen2 command and writes the tag's reply into out.
// It reports whether the tag replies.
//
//nolint:gocognit,gocyclo,cyclop // tag state machine
func (v *VirtualTag) handleGen2(req gen2.Request, rng *rand.Rand, out *frame.BitFrame) bool {
	if v.state == stateKilled {
		return false
	}
	switch req.Cmd {
	case gen2.CmdSelect:
		v.gen2Select(req.Select)
	case gen2.CmdQuery:
		q := req.Query
		v.endRound()
		if !v.gen2Participates(q) {
			return false
		}
		v.session, v.q = q.Session, int(q.Q)
		v.counter = rng.IntN(1 << v.q)
		return v.gen2Slot(rng, out)
	case gen2.CmdQueryRep, gen2.CmdQueryAdjust:
		if req.Session != v.session {
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
		if req.Cmd == gen2.CmdQueryRep {
			v.counter--
		} else {
			v.q = min(max(v.q+int(req.UpDn), 0), gen2.MaxQ)
			v.counter = rng.IntN(1 << v.q)
		}
		return v.gen2Slot(rng, out)
	case gen2.CmdACK:
		if v.state != stateReply && v.state != stateAcknowledged {
			return false
		}
		if req.RN != v.rn {
			v.state = stateArbitrate
			return false
		}
		v.state = stateAcknowledged
		return gen2.BuildEPCReply(out, v.Memory[AreaID][1], v.ID()) == nil
	case gen2.CmdNAK:
		if v.state != stateReady {
			v.state = stateArbitrate
		}
	case gen2.CmdReqRN:
		switch {
		case v.state == stateAcknowledged && req.RN == v.rn:
			v.handle = v.newRN(rng)
			v.halves = 0
			v.state = stateOpen
			if v.password(gen2AccessWord) == 0 {
				v.state = stateSecured
			}
			return gen2.BuildHandleReply(out, v.handle) == nil
		case (v.state == stateOpen || v.state == stateSecured) && req.RN == v.handle:
			v.cover = v.newRN(rng)
			return gen2.BuildHandleReply(out, v.cover) == nil
		}
	default:
		if (v.state == stateOpen || v.state == stateSecured) && req.RN == v.handle {
			return v.gen2Access(req, out)
		}
	}
	return false
}

func (v *VirtualTag) gen2Slot(rng *rand.Rand, out *frame.BitFrame) bool {
	if v.counter != 0 {
		v.state = stateArbitrate
		return false
	}
	v.state = stateReply
	v.rn = v.newRN(rng)
	return gen2.BuildRN16Reply(out, v.rn) == nil
}

func (v *VirtualTag) gen2Participates(q gen2.Query) bool {
	switch q.Sel {
	case gen2.SelSL:
		if !v.matched {
			return false
		}
	case gen2.SelNotSL:
		if v.matched {
			return false
		}
	}
	return v.flags[q.Session] == q.Target
}

// gen2Select implements action 0: matching tags assert, others deassert.
func (v *VirtualTag) gen2Select(s gen2.Select) {
	match := v.matchMask(int(s.Bank), int(s.Pointer), s.Mask, int(s.MaskBits))
	if s.Target == selectTargetSL {
		v.matched = match
		return
	}
	if s.Target < selectTargetSL {
		v.flags[s.Target] = !match
	}
}

// matchMask compares nbits of mask against area starting at bit pointer.
func (v *VirtualTag) matchMask(area, pointer int, mask []byte, nbits int) bool {
	if area < 0 || area >= len(v.Memory) {
		return false
	}
	mem := v.Memory[area]
	for i := range nbits {
		pos := pointer + i
		if pos/16 >= len(mem) {
			return false
		}
		have := mem[pos/16]&(0x8000>>(pos%16)) != 0
		want := mask[i/8]&(0x80>>(i%8)) != 0
		if have != want {
			return false
		}
	}
	return true
}

func (v *VirtualTag) writable(area int) bool {
	switch v.Lock[area] {
	case PermaLocked:
		return false
	case PasswordLocked:
		return v.state == stateSecured
	default:
		return true
	}
}

//nolint:gocognit,cyclop // one case per access command
func (v *VirtualTag) gen2Access(req gen2.Request, out *frame.BitFrame) bool {
	fail := func(code gen2.ErrorCode) bool {
		return gen2.BuildErrorReply(out, code, v.handle) == nil
	}
	bank, ptr := int(req.Bank), int(req.Pointer)

	switch req.Cmd {
	case gen2.CmdRead:
		count := int(req.Count)
		if bank >= 0 && bank < len(v.Memory) && count == 0 {
			count = len(v.Memory[bank]) - ptr
		}
		if !v.inRange(bank, ptr, count) {
			return fail(gen2.ErrorMemoryOverrun)
		}
		if bank == AreaSecure && v.state != stateSecured {
			return fail(gen2.ErrorMemoryLocked)
		}
		words := append([]uint16(nil), v.Memory[bank][ptr:ptr+count]...)
		return gen2.BuildReadReply(out, words, v.handle) == nil
	case gen2.CmdWrite:
		word := req.Word ^ v.cover
		if !v.inRange(bank, ptr, 1) {
			return fail(gen2.ErrorMemoryOverrun)
		}
		if !v.writable(bank) {
			return fail(gen2.ErrorMemoryLocked)
		}
		v.Memory[bank][ptr] = word
		return gen2.BuildDelayedReply(out, v.handle) == nil
	case gen2.CmdAccess:
		p, done := v.coverHalf(req.Word)
		if !done {
			return gen2.BuildHandleReply(out, v.handle) == nil
		}
		if p != v.password(gen2AccessWord) {
			v.state = stateArbitrate
			return false
		}
		v.state = stateSecured
		return gen2.BuildHandleReply(out, v.handle) == nil
	case gen2.CmdKill:
		p, done := v.coverHalf(req.Word)
		if !done {
			return gen2.BuildHandleReply(out, v.handle) == nil
		}
		kill := v.password(gen2KillWord)
		if kill == 0 {
			return fail(gen2.ErrorOther)
		}
		if p != kill {
			v.state = stateArbitrate
			return false
		}
		v.state = stateKilled
		return gen2.BuildDelayedReply(out, v.handle) == nil
	case gen2.CmdLock:
		if v.state != stateSecured {
			return fail(gen2.ErrorInsufficientPrivs)
		}
		v.applyGen2Lock(req.Lock)
		return gen2.BuildDelayedReply(out, v.handle) == nil
	default:
		return false
	}
}

// gen2LockAreas maps the five mask/action field pairs of a Lock payload,
// most significant first, to memory areas.
var gen2LockAreas = [5]int{AreaSecure, AreaSecure, AreaID, AreaTID, AreaUser}

// applyGen2Lock applies a 20-bit payload: ten mask bits followed by ten
// action bits, one (password-write, permalock) pair per field.
func (v *VirtualTag) applyGen2Lock(payload uint32) {
	mask, action := payload>>10&0x3FF, payload&0x3FF
	for k, area := range gen2LockAreas {
		shift := 8 - 2*k
		if mask>>shift&0b11 == 0 {
			continue
		}
		pw, perma := action>>(shift+1)&1 == 1, action>>shift&1 == 1
		switch {
		case pw && perma:
			v.Lock[area] = PermaLocked
		case pw:
			v.Lock[area] = PasswordLocked
		default:
			v.Lock[area] = Unlocked
		}
	}
}
