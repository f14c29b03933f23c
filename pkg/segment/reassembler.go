package segment

import (
	"bytes"
	"errors"
	"io"
	"sort"
)

var (
	// ErrInconsistentPayload is returned when the same sequence number is
	// delivered twice with differing bytes. This is fatal for the transfer.
	ErrInconsistentPayload = errors.New("conflicting payload for same segment")

	// ErrIncomplete is returned when the reassembled stream is requested
	// before every segment has been stored.
	ErrIncomplete = errors.New("reassembly incomplete")

	// ErrSeqOutOfRange is returned for sequence numbers at or beyond the
	// announced total.
	ErrSeqOutOfRange = errors.New("sequence out of range")
)

// Reassembler buffers out-of-order segments and produces the original byte
// stream once every sequence number in [0, total) has been stored exactly
// once. Inserts are idempotent: an identical duplicate is ignored, a
// conflicting one is an error.
type Reassembler struct {
	total    uint32
	hasTotal bool
	parts    map[uint32][]byte
}

// NewReassembler creates an empty Reassembler. The segment total is learned
// later, from the first accepted segment.
func NewReassembler() *Reassembler {
	return &Reassembler{parts: make(map[uint32][]byte)}
}

// SetTotal records the announced segment count. Only the first call has an
// effect.
func (r *Reassembler) SetTotal(total uint32) {
	if r.hasTotal {
		return
	}
	r.total = total
	r.hasTotal = true
}

// Total returns the announced segment count, if known.
func (r *Reassembler) Total() (uint32, bool) { return r.total, r.hasTotal }

// Received returns the number of distinct segments stored so far.
func (r *Reassembler) Received() int { return len(r.parts) }

// Add stores the payload of segment seq. It reports whether the segment was
// new. A duplicate with identical bytes is dropped silently; a duplicate
// with differing bytes returns ErrInconsistentPayload.
func (r *Reassembler) Add(seq uint32, payload []byte) (bool, error) {
	if r.hasTotal && seq >= r.total {
		return false, ErrSeqOutOfRange
	}
	if prev, ok := r.parts[seq]; ok {
		if !bytes.Equal(prev, payload) {
			return false, ErrInconsistentPayload
		}
		return false, nil
	}
	b := make([]byte, len(payload))
	copy(b, payload)
	r.parts[seq] = b
	return true, nil
}

// Complete reports whether every segment in [0, total) has been stored.
func (r *Reassembler) Complete() bool {
	return r.hasTotal && uint32(len(r.parts)) == r.total
}

// Missing returns the ordered sequence numbers still absent from [0, total),
// up to limit entries. A limit <= 0 means no limit.
func (r *Reassembler) Missing(limit int) []uint32 {
	if !r.hasTotal {
		return nil
	}
	var missing []uint32
	for seq := uint32(0); seq < r.total; seq++ {
		if _, ok := r.parts[seq]; !ok {
			missing = append(missing, seq)
			if limit > 0 && len(missing) == limit {
				break
			}
		}
	}
	return missing
}

// WriteTo streams the reassembled byte sequence to w in segment order.
// It fails with ErrIncomplete unless Complete.
func (r *Reassembler) WriteTo(w io.Writer) (int64, error) {
	if !r.Complete() {
		return 0, ErrIncomplete
	}

	seqs := make([]uint32, 0, len(r.parts))
	for seq := range r.parts {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var written int64
	for _, seq := range seqs {
		n, err := w.Write(r.parts[seq])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
