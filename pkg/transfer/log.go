// Package transfer records per-session transfer outcomes for later
// consumption by the status API and operators.
package transfer

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// LogEntry captures one session's transfer counters. SentBytes and
// Retransmits are updated live by the send engine; FinishedAt and Err are
// filled when the session ends, the other fields when it is created.
type LogEntry struct {
	File        string    `json:"file"`
	Remote      string    `json:"remote"`
	TotalSegs   uint32    `json:"total_segs"`
	SentBytes   uint64    `json:"sent_bytes"`
	Retransmits uint64    `json:"retransmits"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Err         string    `json:"error,omitempty"`
}

// AddSent adds b to the sent-bytes counter.
func (e *LogEntry) AddSent(b uint64) { atomic.AddUint64(&e.SentBytes, b) }

// AddRetransmit bumps the retransmission counter.
func (e *LogEntry) AddRetransmit() { atomic.AddUint64(&e.Retransmits, 1) }

// LogStore stores transfer log entries keyed by session nonce.
type LogStore interface {
	Entry(id uuid.UUID) (*LogEntry, error)
	Record(id uuid.UUID, entry *LogEntry) error
}

type inMemoryLogStore struct {
	entries map[uuid.UUID]*LogEntry
	mu      sync.Mutex
}

// InMemoryLogStore implements an in-memory LogStore.
func InMemoryLogStore() LogStore {
	return &inMemoryLogStore{entries: map[uuid.UUID]*LogEntry{}}
}

func (ls *inMemoryLogStore) Entry(id uuid.UUID) (*LogEntry, error) {
	ls.mu.Lock()
	entry := ls.entries[id]
	ls.mu.Unlock()

	if entry == nil {
		return nil, fmt.Errorf("no entry for %s", id)
	}
	return entry, nil
}

func (ls *inMemoryLogStore) Record(id uuid.UUID, entry *LogEntry) error {
	ls.mu.Lock()
	ls.entries[id] = entry
	ls.mu.Unlock()
	return nil
}

var transfersBucket = []byte("transfers")

type boltLogStore struct {
	path string
}

// BoltLogStore implements a LogStore backed by a bbolt database at path.
func BoltLogStore(path string) (LogStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %v", err)
	}

	return &boltLogStore{path: path}, nil
}

func (ls *boltLogStore) Entry(id uuid.UUID) (*LogEntry, error) {
	db, err := bbolt.Open(ls.path, 0600, nil)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck

	entry := new(LogEntry)
	err = db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(transfersBucket).Get(id[:])
		if v == nil {
			return fmt.Errorf("no entry for %s", id)
		}
		return json.Unmarshal(v, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (ls *boltLogStore) Record(id uuid.UUID, entry *LogEntry) error {
	db, err := bbolt.Open(ls.path, 0600, nil)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	v, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).Put(id[:], v)
	})
}
