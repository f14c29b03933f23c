// Package receiver implements the client-side receive engine: validation
// and buffering of incoming segments, ACK emission, gap detection with
// selective resend requests, and the completion/stall state machine.
package receiver

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudft/rudft/pkg/segment"
	"github.com/rudft/rudft/pkg/wire"
)

// ErrTransferStalled is returned when no progress is made for the idle
// timeout.
var ErrTransferStalled = errors.New("transfer stalled: no progress within idle timeout")

// ServerError carries the diagnostic message of an ERR packet. It
// terminates the transfer.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return fmt.Sprintf("server error: %s", e.Msg) }

// State is the receive engine's lifecycle state.
type State int

// Engine states.
const (
	AwaitingFirst State = iota // no DATA seen yet
	Receiving                  // total known, missing set non-empty
	Complete                   // everything stored
)

func (s State) String() string {
	switch s {
	case AwaitingFirst:
		return "AWAITING_FIRST"
	case Receiving:
		return "RECEIVING"
	case Complete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// PacketWriter writes one datagram back to the server.
type PacketWriter interface {
	WritePacket(b []byte) error
}

// Config holds the receive-engine tunables.
type Config struct {
	// LossPct discards each incoming datagram with the given percent
	// probability before any processing, simulating a lossy link.
	LossPct         int
	GapScanInterval time.Duration
	IdleTimeout     time.Duration
	MaxResendBatch  int
	MaxPayload      int
}

// DefaultConfig returns the default receive-engine tunables.
func DefaultConfig() Config {
	return Config{
		GapScanInterval: 500 * time.Millisecond,
		IdleTimeout:     10 * time.Second,
		MaxResendBatch:  64,
		MaxPayload:      wire.MaxPayload,
	}
}

// Stats holds the engine's diagnostic counters.
type Stats struct {
	DataPackets   uint64
	Duplicates    uint64
	BadPackets    uint64
	InjectedDrops uint64
	ResendsSent   uint64
}

// Engine drives one transfer's receive side. It is not safe for concurrent
// use; the driver serialises OnPacket and ProgressTick.
type Engine struct {
	log *logrus.Entry
	cfg Config
	out PacketWriter
	rng *rand.Rand

	asm   *segment.Reassembler
	state State
	stats Stats

	startedAt    time.Time
	lastProgress time.Time
	lastResend   time.Time
}

// New creates a receive engine writing ACKs and RESENDs through out. rng is
// only consulted for loss injection; nil gets a time-seeded source.
func New(log *logrus.Entry, cfg Config, out PacketWriter, rng *rand.Rand) *Engine {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = wire.MaxPayload
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		log:   log,
		cfg:   cfg,
		out:   out,
		rng:   rng,
		asm:   segment.NewReassembler(),
		state: AwaitingFirst,
	}
}

// Start marks the beginning of the transfer for stall accounting. The
// driver calls it when the request goes out.
func (e *Engine) Start(now time.Time) {
	e.startedAt = now
	e.lastProgress = now
}

// State returns the engine state.
func (e *Engine) State() State { return e.state }

// Stats returns a copy of the diagnostic counters.
func (e *Engine) Stats() Stats { return e.stats }

// Total returns the announced segment count, if known.
func (e *Engine) Total() (uint32, bool) { return e.asm.Total() }

// Received returns the number of distinct segments stored.
func (e *Engine) Received() int { return e.asm.Received() }

// OnPacket processes one inbound datagram. Invalid packets are dropped
// silently apart from the diagnostic counters. A fatal protocol fault or a
// server ERR terminates the transfer with an error.
func (e *Engine) OnPacket(now time.Time, datagram []byte) error {
	if e.cfg.LossPct > 0 && e.rng.Intn(100) < e.cfg.LossPct {
		e.stats.InjectedDrops++
		e.log.Debugf("loss injection: dropped %d-byte datagram", len(datagram))
		return nil
	}

	h, payload, err := wire.Decode(datagram)
	if err != nil {
		e.stats.BadPackets++
		e.log.Debugf("dropped packet: %v", err)
		return nil
	}

	switch h.Type {
	case wire.TypeData:
		return e.onData(now, h, payload)
	case wire.TypeErr:
		return &ServerError{Msg: string(payload)}
	default:
		e.stats.BadPackets++
		return nil
	}
}

func (e *Engine) onData(now time.Time, h wire.Header, payload []byte) error {
	if h.TotalSegs == 0 || h.Seq >= h.TotalSegs || len(payload) > e.cfg.MaxPayload {
		e.stats.BadPackets++
		return nil
	}
	if total, ok := e.asm.Total(); ok && total != h.TotalSegs {
		e.stats.BadPackets++
		return nil
	}

	if e.state == AwaitingFirst {
		e.asm.SetTotal(h.TotalSegs)
		e.state = Receiving
		e.log.Infof("transfer started: %d segments expected", h.TotalSegs)
	}

	added, err := e.asm.Add(h.Seq, payload)
	if err != nil {
		if err == segment.ErrSeqOutOfRange {
			e.stats.BadPackets++
			return nil
		}
		return err
	}

	e.stats.DataPackets++
	// ACK unconditionally so a lost ACK never stalls the sender.
	if ackErr := e.sendAck(h.Seq); ackErr != nil {
		return ackErr
	}

	if !added {
		e.stats.Duplicates++
		return nil
	}
	e.lastProgress = now

	if e.asm.Complete() {
		e.state = Complete
		e.log.Infof("transfer complete: %d segments", e.asm.Received())
	}
	return nil
}

// ProgressTick drives gap detection and the stall timeout. When segments
// have stopped arriving for GapScanInterval it requests up to
// MaxResendBatch missing seqs, at most once per interval.
func (e *Engine) ProgressTick(now time.Time) error {
	if e.state == Complete {
		return nil
	}
	if e.cfg.IdleTimeout > 0 && !e.lastProgress.IsZero() && now.Sub(e.lastProgress) >= e.cfg.IdleTimeout {
		return ErrTransferStalled
	}
	if e.state != Receiving {
		return nil
	}
	if now.Sub(e.lastProgress) < e.cfg.GapScanInterval {
		return nil
	}
	if !e.lastResend.IsZero() && now.Sub(e.lastResend) < e.cfg.GapScanInterval {
		return nil
	}

	missing := e.asm.Missing(e.cfg.MaxResendBatch)
	if len(missing) == 0 {
		return nil
	}

	b, err := wire.Encode(wire.Header{Type: wire.TypeReq}, wire.FormatResend(missing))
	if err != nil {
		return err
	}
	if err := e.out.WritePacket(b); err != nil {
		return fmt.Errorf("send resend request: %v", err)
	}
	e.lastResend = now
	e.stats.ResendsSent++
	e.log.Infof("requested resend of %d missing segments (first %d)", len(missing), missing[0])
	return nil
}

// WriteTo streams the reassembled bytes to w. It fails unless the engine
// is Complete, so a partial transfer can never reach the sink.
func (e *Engine) WriteTo(w io.Writer) (int64, error) {
	return e.asm.WriteTo(w)
}

func (e *Engine) sendAck(seq uint32) error {
	b, err := wire.Encode(wire.Header{Type: wire.TypeAck, Seq: seq}, nil)
	if err != nil {
		return err
	}
	if err := e.out.WritePacket(b); err != nil {
		return fmt.Errorf("send ack %d: %v", seq, err)
	}
	return nil
}
