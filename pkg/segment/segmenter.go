// Package segment splits a byte source into sequence-numbered segments and
// rebuilds the original stream from segments arriving in any order.
package segment

import (
	"fmt"
	"io"
)

// Count returns the number of segments a source of the given size occupies
// with the given payload size. An empty source still occupies one (empty)
// segment so the LAST flag has a carrier.
func Count(size int64, payloadSize int) uint32 {
	if size == 0 {
		return 1
	}
	p := int64(payloadSize)
	return uint32((size + p - 1) / p)
}

// Segmenter yields the payload of any segment of a random-access byte
// source. It performs no buffering of its own; each payload is read
// directly from the source.
type Segmenter struct {
	src         io.ReaderAt
	size        int64
	payloadSize int
	total       uint32
}

// NewSegmenter creates a Segmenter over src, which holds size bytes.
func NewSegmenter(src io.ReaderAt, size int64, payloadSize int) *Segmenter {
	return &Segmenter{
		src:         src,
		size:        size,
		payloadSize: payloadSize,
		total:       Count(size, payloadSize),
	}
}

// Total returns the segment count of the source.
func (s *Segmenter) Total() uint32 { return s.total }

// Size returns the source size in bytes.
func (s *Segmenter) Size() int64 { return s.size }

// Last reports whether seq addresses the final segment.
func (s *Segmenter) Last(seq uint32) bool { return seq == s.total-1 }

// Payload reads the payload of segment seq.
func (s *Segmenter) Payload(seq uint32) ([]byte, error) {
	if seq >= s.total {
		return nil, fmt.Errorf("segment %d out of range [0,%d)", seq, s.total)
	}

	off := int64(seq) * int64(s.payloadSize)
	n := s.size - off
	if n > int64(s.payloadSize) {
		n = int64(s.payloadSize)
	}
	if n <= 0 {
		return nil, nil
	}

	b := make([]byte, n)
	if _, err := s.src.ReadAt(b, off); err != nil {
		return nil, fmt.Errorf("read segment %d: %v", seq, err)
	}
	return b, nil
}
