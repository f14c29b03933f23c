package transfer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLogStore(t *testing.T) {
	ls := InMemoryLogStore()
	id := uuid.New()

	_, err := ls.Entry(id)
	assert.Error(t, err)

	entry := &LogEntry{File: "a.dat", Remote: "127.0.0.1:4000", TotalSegs: 3}
	entry.AddSent(3072)
	entry.AddRetransmit()
	require.NoError(t, ls.Record(id, entry))

	got, err := ls.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3072), got.SentBytes)
	assert.Equal(t, uint64(1), got.Retransmits)
}

func TestBoltLogStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "translog.db")

	ls, err := BoltLogStore(path)
	require.NoError(t, err)

	id := uuid.New()
	entry := &LogEntry{
		File:       "b.dat",
		Remote:     "127.0.0.1:5000",
		TotalSegs:  7,
		SentBytes:  7 * 1024,
		StartedAt:  time.Unix(100, 0).UTC(),
		FinishedAt: time.Unix(101, 0).UTC(),
	}
	require.NoError(t, ls.Record(id, entry))

	got, err := ls.Entry(id)
	require.NoError(t, err)
	assert.Equal(t, entry.File, got.File)
	assert.Equal(t, entry.Remote, got.Remote)
	assert.Equal(t, entry.TotalSegs, got.TotalSegs)
	assert.Equal(t, entry.SentBytes, got.SentBytes)
	assert.True(t, entry.StartedAt.Equal(got.StartedAt))
	assert.True(t, entry.FinishedAt.Equal(got.FinishedAt))

	_, err = ls.Entry(uuid.New())
	assert.Error(t, err)
}
