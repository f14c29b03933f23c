// Package sender implements the server-side send engine of a single
// transfer session: the pipelined initial send, per-segment retransmission
// timers, selective resends and the linger window after the final segment.
package sender

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudft/rudft/pkg/segment"
	"github.com/rudft/rudft/pkg/transfer"
	"github.com/rudft/rudft/pkg/wire"
)

var (
	// ErrPeerUnreachable is returned when a segment exceeds the retry
	// budget without being acknowledged.
	ErrPeerUnreachable = errors.New("peer unreachable: segment retry budget exhausted")

	// ErrIncompleteDelivery is returned when the linger window elapses
	// with unacknowledged segments outstanding.
	ErrIncompleteDelivery = errors.New("linger window elapsed with unacked segments")

	// ErrNotStarted is returned by operations invoked before Start.
	ErrNotStarted = errors.New("session not started")
)

// PacketWriter writes one datagram to the session's peer.
type PacketWriter interface {
	WritePacket(b []byte) error
}

// Config holds the send-engine tunables.
type Config struct {
	RetransmitTimeout time.Duration
	MaxRetries        int
	LingerWindow      time.Duration
	// SendPacing spaces out the packets of the initial pipelined burst so
	// loopback kernel buffers are not overrun. Zero disables pacing.
	SendPacing time.Duration
}

// DefaultConfig returns the default send-engine tunables.
func DefaultConfig() Config {
	return Config{
		RetransmitTimeout: 500 * time.Millisecond,
		MaxRetries:        10,
		LingerWindow:      5 * time.Second,
	}
}

type segState struct {
	lastSend time.Time
	retries  int
}

// Session owns the send state of one transfer. It is not safe for
// concurrent use; the owning worker serialises all calls.
type Session struct {
	log *logrus.Entry
	cfg Config

	seg   *segment.Segmenter
	out   PacketWriter
	entry *transfer.LogEntry

	unacked  map[uint32]*segState
	started  bool
	lingerAt time.Time
}

// NewSession creates a send session over seg, writing datagrams through out.
// entry may be nil if no transfer log is kept.
func NewSession(log *logrus.Entry, cfg Config, seg *segment.Segmenter, out PacketWriter, entry *transfer.LogEntry) *Session {
	return &Session{
		log:     log,
		cfg:     cfg,
		seg:     seg,
		out:     out,
		entry:   entry,
		unacked: make(map[uint32]*segState),
	}
}

// Start transmits every segment once, in increasing seq order, without
// waiting for acknowledgements, then opens the linger window.
func (s *Session) Start(now time.Time) error {
	total := s.seg.Total()
	for seq := uint32(0); seq < total; seq++ {
		s.unacked[seq] = &segState{}
	}
	s.started = true

	for seq := uint32(0); seq < total; seq++ {
		if err := s.sendSegment(seq, now); err != nil {
			return err
		}
		if s.cfg.SendPacing > 0 {
			time.Sleep(s.cfg.SendPacing)
		}
	}

	s.lingerAt = now.Add(s.cfg.LingerWindow)
	s.log.Infof("initial send complete: %d segments, %d bytes", total, s.seg.Size())
	return nil
}

// OnAck removes seq from the unacknowledged set. Unknown or repeated seqs
// are ignored.
func (s *Session) OnAck(seq uint32) {
	if _, ok := s.unacked[seq]; !ok {
		return
	}
	delete(s.unacked, seq)
	s.log.Debugf("ack: seq(%d) outstanding(%d)", seq, len(s.unacked))
}

// OnResend immediately retransmits the listed segments. Seqs outside
// [0, total) are silently ignored; timers of unrelated segments are left
// alone.
func (s *Session) OnResend(seqs []uint32, now time.Time) error {
	if !s.started {
		return ErrNotStarted
	}
	for _, seq := range seqs {
		if seq >= s.seg.Total() {
			continue
		}
		if err := s.sendSegment(seq, now); err != nil {
			return err
		}
		if s.entry != nil {
			s.entry.AddRetransmit()
		}
	}
	s.log.Debugf("resend request served: %d seqs", len(seqs))
	return nil
}

// Tick drives the timers. It retransmits unacknowledged segments whose last
// send is older than RetransmitTimeout and reports session termination:
// done is true once every segment has been acknowledged; ErrPeerUnreachable
// is returned when a segment runs out of retries, ErrIncompleteDelivery
// when the linger window closes over outstanding segments.
func (s *Session) Tick(now time.Time) (done bool, err error) {
	if !s.started {
		return false, ErrNotStarted
	}
	if len(s.unacked) == 0 {
		return true, nil
	}
	if !s.lingerAt.IsZero() && now.After(s.lingerAt) {
		return false, fmt.Errorf("%w: %d of %d", ErrIncompleteDelivery, len(s.unacked), s.seg.Total())
	}

	for seq, st := range s.unacked {
		if now.Sub(st.lastSend) < s.cfg.RetransmitTimeout {
			continue
		}
		if st.retries >= s.cfg.MaxRetries {
			return false, fmt.Errorf("%w: seq %d", ErrPeerUnreachable, seq)
		}
		st.retries++
		if s.entry != nil {
			s.entry.AddRetransmit()
		}
		s.log.Warnf("retransmit: seq(%d) retry(%d/%d)", seq, st.retries, s.cfg.MaxRetries)
		if err := s.sendSegment(seq, now); err != nil {
			return false, err
		}
	}
	return len(s.unacked) == 0, nil
}

// Done reports whether every segment has been acknowledged.
func (s *Session) Done() bool { return s.started && len(s.unacked) == 0 }

// Outstanding returns the number of unacknowledged segments.
func (s *Session) Outstanding() int { return len(s.unacked) }

// Total returns the session's segment count.
func (s *Session) Total() uint32 { return s.seg.Total() }

func (s *Session) sendSegment(seq uint32, now time.Time) error {
	payload, err := s.seg.Payload(seq)
	if err != nil {
		return err
	}

	h := wire.Header{
		Type:      wire.TypeData,
		Seq:       seq,
		TotalSegs: s.seg.Total(),
	}
	if s.seg.Last(seq) {
		h.Flags |= wire.FlagLast
	}

	b, err := wire.Encode(h, payload)
	if err != nil {
		return err
	}
	if err := s.out.WritePacket(b); err != nil {
		return fmt.Errorf("send seq %d: %v", seq, err)
	}

	if st, ok := s.unacked[seq]; ok {
		st.lastSend = now
	}
	if s.entry != nil {
		s.entry.AddSent(uint64(len(b)))
	}
	return nil
}
