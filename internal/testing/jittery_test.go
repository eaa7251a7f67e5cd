package testing

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func readAll(t require.TestingT, r io.Reader, n int) []byte {
	out := make([]byte, 0, n)
	buf := make([]byte, 256)
	for len(out) < n {
		got, err := r.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:got]...)
	}
	return out
}

func TestJitteryConnection_NoDataLoss(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 1, 900).Draw(t, "payload")
		var backend bytes.Buffer
		backend.Write(payload)
		j := NewJitteryConnection(&backend, JitterConfig{
			Seed:              rapid.Uint64Min(1).Draw(t, "seed"),
			FragmentReads:     true,
			FragmentMinBytes:  rapid.IntRange(1, 8).Draw(t, "min"),
			USBBoundaryStress: rapid.Bool().Draw(t, "usb"),
		})
		assert.Equal(t, payload, readAll(t, j, len(payload)))
	})
}

func TestJitteryConnection_USBBoundaryStress(t *testing.T) {
	t.Parallel()

	var backend bytes.Buffer
	backend.Write(make([]byte, 200))
	j := NewJitteryConnection(&backend, JitterConfig{Seed: 7, USBBoundaryStress: true})

	buf := make([]byte, 256)
	n, err := j.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	n, err = j.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
}

func TestJitteryConnection_StallAfterBytes(t *testing.T) {
	t.Parallel()

	var backend bytes.Buffer
	backend.Write(make([]byte, 32))
	j := NewJitteryConnection(&backend, JitterConfig{
		Seed:            3,
		StallAfterBytes: 10,
		StallDuration:   20 * time.Millisecond,
	})

	buf := make([]byte, 32)
	n, err := j.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	start := time.Now()
	n, err = j.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 22, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestJitteryConnection_EOFPassesThrough(t *testing.T) {
	t.Parallel()

	j := NewJitteryConnection(&bytes.Buffer{}, DefaultJitterConfig())
	n, err := j.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, j.Close())
}
