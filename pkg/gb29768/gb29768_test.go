package gb29768

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-uhf/internal/frame"
)

func TestBuildSlot_Layout(t *testing.T) {
	t.Parallel()

	var f frame.BitFrame
	require.NoError(t, BuildSlot(&f, CodeDivide, 2, 5))
	assert.Equal(t, SlotCommandBits, f.Len())

	cmd, err := ParseCommand(&f)
	require.NoError(t, err)
	assert.Equal(t, CodeDivide, cmd.Code)
	assert.Equal(t, uint8(2), cmd.Session)
	assert.Equal(t, uint8(5), cmd.Arg)

	require.Error(t, BuildSlot(&f, CodeQuery, 0, 0))
}

func TestParseCommand_LongCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		build func(*frame.BitFrame) error
		check func(*testing.T, Command)
		name  string
	}{
		{
			name: "Query",
			build: func(f *frame.BitFrame) error {
				return BuildQuery(f, Query{Condition: ConditionMatching, Session: 1, Target: true, BLFCode: 5, Coding: CodingMiller4, TRext: true})
			},
			check: func(t *testing.T, c Command) {
				assert.Equal(t, Query{Condition: ConditionMatching, Session: 1, Target: true, BLFCode: 5, Coding: CodingMiller4, TRext: true}, c.Query)
			},
		},
		{
			name: "Sort",
			build: func(f *frame.BitFrame) error {
				return BuildSort(f, Sort{Target: 4, Area: AreaCoding, Pointer: 32, Mask: []byte{0xE2, 0x80}, MaskBits: 12})
			},
			check: func(t *testing.T, c Command) {
				assert.Equal(t, AreaCoding, c.Sort.Area)
				assert.Equal(t, uint16(32), c.Sort.Pointer)
				assert.Equal(t, uint8(12), c.Sort.MaskBits)
				assert.Equal(t, []byte{0xE2, 0x80}, c.Sort.Mask)
			},
		},
		{
			name:  "ACK",
			build: func(f *frame.BitFrame) error { return BuildACK(f, 0x5A5) },
			check: func(t *testing.T, c Command) { assert.Equal(t, uint16(0x5A5), c.RN11) },
		},
		{
			name:  "Access",
			build: func(f *frame.BitFrame) error { return BuildAccess(f, CategoryKill, 0xCAFE, 0x1234) },
			check: func(t *testing.T, c Command) {
				assert.Equal(t, CategoryKill, c.Category)
				assert.Equal(t, uint16(0xCAFE), c.Covered)
				assert.Equal(t, uint16(0x1234), c.Handle)
			},
		},
		{
			name:  "Write",
			build: func(f *frame.BitFrame) error { return BuildWrite(f, AreaUser, 3, []uint16{0x1111, 0x2222}, 0xBEEF) },
			check: func(t *testing.T, c Command) {
				assert.Equal(t, AreaUser, c.Area)
				assert.Equal(t, uint16(3), c.Pointer)
				assert.Equal(t, []uint16{0x1111, 0x2222}, c.Data)
				assert.Equal(t, uint16(0xBEEF), c.Handle)
			},
		},
		{
			name:  "Lock",
			build: func(f *frame.BitFrame) error { return BuildLock(f, AreaSecurity, LockPermanent, 0x0042) },
			check: func(t *testing.T, c Command) {
				assert.Equal(t, AreaSecurity, c.Area)
				assert.Equal(t, LockPermanent, c.Lock)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f frame.BitFrame
			require.NoError(t, tt.build(&f))
			assert.Zero(t, f.Len()%2, "long commands are even aligned")

			cmd, err := ParseCommand(&f)
			require.NoError(t, err)
			assert.Equal(t, tt.name, cmd.Code.String())
			tt.check(t, cmd)
		})
	}
}

func TestParseCommand_RejectsCorruptCRC(t *testing.T) {
	t.Parallel()

	var f frame.BitFrame
	require.NoError(t, BuildRead(&f, AreaTagInfo, 0, 4, 0x7777))

	var bad frame.BitFrame
	for i := range f.Len() {
		require.NoError(t, bad.AppendBit(f.Bit(i) != (i == 20)))
	}
	_, err := ParseCommand(&bad)
	require.ErrorIs(t, err, frame.ErrCRC)
}

func TestStatusReply_RoundTrip(t *testing.T) {
	t.Parallel()

	var f, payload frame.BitFrame
	want := StatusReply{Status: StatusOK, Data: []uint16{0xE280, 0x1100}, Handle: 0x4321}
	require.NoError(t, BuildStatusReply(&f, want))
	require.NoError(t, frame.ExtractReply(&f, ReplySpec(CodeRead, 2), &payload))

	got, err := ParseStatusReply(&payload)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStatusReply_ErrorCarriesNoData(t *testing.T) {
	t.Parallel()

	var f, payload frame.BitFrame
	require.NoError(t, BuildStatusReply(&f, StatusReply{Status: ErrorStorageLocked, Handle: 9}))
	require.NoError(t, frame.ExtractReply(&f, ReplySpec(CodeRead, 4), &payload))

	got, err := ParseStatusReply(&payload)
	require.NoError(t, err)
	assert.Equal(t, ErrorStorageLocked, got.Status)
	assert.Empty(t, got.Data)
	assert.Equal(t, uint16(9), got.Handle)
	assert.Equal(t, "storage locked", got.Status.String())
}

func TestACKReply(t *testing.T) {
	t.Parallel()

	id := []byte{0x30, 0x08, 0x33, 0xB2, 0xDD, 0xD9, 0x01, 0x40, 0x00, 0x00, 0x00, 0x01}
	var f, payload frame.BitFrame
	require.NoError(t, BuildACKReply(&f, PCForID(len(id)), id))
	require.NoError(t, frame.ExtractReply(&f, ReplySpec(CodeACK, 0), &payload))

	pc, got, err := ParseACKReply(&payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(6<<11), pc)
	assert.Equal(t, id, got)
}

func TestGetRNReply(t *testing.T) {
	t.Parallel()

	var f, payload frame.BitFrame
	require.NoError(t, BuildGetRNReply(&f, 0xA5A5, 0x0F0F))
	assert.Equal(t, GetRNReplyBits, f.Len())
	require.NoError(t, frame.ExtractReply(&f, ReplySpec(CodeGetRN, 0), &payload))

	rn, handle, err := ParseGetRNReply(&payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xA5A5), rn)
	assert.Equal(t, uint16(0x0F0F), handle)
}
