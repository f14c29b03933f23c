package segment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	cases := []struct {
		size     int64
		payload  int
		expected uint32
	}{
		{0, 1024, 1},
		{1, 1024, 1},
		{1023, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{1 << 20, 1024, 1024},
		{3000, 1024, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, Count(tc.size, tc.payload))
	}
}

func TestSegmenterPayloads(t *testing.T) {
	src := make([]byte, 2500)
	for i := range src {
		src[i] = byte(i)
	}

	s := NewSegmenter(bytes.NewReader(src), int64(len(src)), 1024)
	require.Equal(t, uint32(3), s.Total())

	p0, err := s.Payload(0)
	require.NoError(t, err)
	assert.Equal(t, src[:1024], p0)
	assert.False(t, s.Last(0))

	p2, err := s.Payload(2)
	require.NoError(t, err)
	assert.Equal(t, src[2048:], p2)
	assert.True(t, s.Last(2))

	_, err = s.Payload(3)
	assert.Error(t, err)
}

func TestSegmenterEmptySource(t *testing.T) {
	s := NewSegmenter(bytes.NewReader(nil), 0, 1024)
	require.Equal(t, uint32(1), s.Total())
	assert.True(t, s.Last(0))

	p, err := s.Payload(0)
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestReassemblerAnyPermutation(t *testing.T) {
	src := make([]byte, 4*1024+17)
	rng := rand.New(rand.NewSource(1))
	rng.Read(src)

	s := NewSegmenter(bytes.NewReader(src), int64(len(src)), 1024)

	order := rng.Perm(int(s.Total()))
	r := NewReassembler()
	r.SetTotal(s.Total())

	for _, i := range order {
		p, err := s.Payload(uint32(i))
		require.NoError(t, err)
		added, err := r.Add(uint32(i), p)
		require.NoError(t, err)
		require.True(t, added)
	}

	require.True(t, r.Complete())
	var out bytes.Buffer
	n, err := r.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)), n)
	assert.True(t, bytes.Equal(src, out.Bytes()))
}

func TestReassemblerIdempotentAdd(t *testing.T) {
	r := NewReassembler()
	r.SetTotal(2)

	added, err := r.Add(0, []byte("abc"))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Add(0, []byte("abc"))
	require.NoError(t, err)
	assert.False(t, added)

	_, err = r.Add(0, []byte("xyz"))
	assert.Equal(t, ErrInconsistentPayload, err)

	_, err = r.Add(2, []byte("zzz"))
	assert.Equal(t, ErrSeqOutOfRange, err)
}

func TestReassemblerMissing(t *testing.T) {
	r := NewReassembler()
	assert.Nil(t, r.Missing(0))

	r.SetTotal(6)
	_, err := r.Add(1, []byte("b"))
	require.NoError(t, err)
	_, err = r.Add(4, []byte("e"))
	require.NoError(t, err)

	assert.Equal(t, []uint32{0, 2, 3, 5}, r.Missing(0))
	assert.Equal(t, []uint32{0, 2}, r.Missing(2))

	var out bytes.Buffer
	_, err = r.WriteTo(&out)
	assert.Equal(t, ErrIncomplete, err)
}
