// Package server implements the serving endpoint: one UDP socket whose
// inbound datagrams are demultiplexed to per-client session workers, each
// running a send engine for one requested file.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rudft/rudft/pkg/segment"
	"github.com/rudft/rudft/pkg/sender"
	"github.com/rudft/rudft/pkg/transfer"
	"github.com/rudft/rudft/pkg/util/pathutil"
	"github.com/rudft/rudft/pkg/wire"
)

var (
	// ErrUnknownFile is reported to peers requesting a file the serving
	// root does not hold.
	ErrUnknownFile = errors.New("unknown file")

	// ErrForbiddenPath is reported to peers whose requested name escapes
	// the serving root.
	ErrForbiddenPath = errors.New("forbidden path")
)

// Config holds the server tunables.
type Config struct {
	// Addr is the UDP listen address, e.g. ":5000".
	Addr string
	// Dir is the serving root. Created if absent.
	Dir string
	// PayloadSize is the DATA segment payload size.
	PayloadSize int
	// InboxSize is the per-session inbox capacity. The dispatcher never
	// blocks on a full inbox; overflow datagrams are dropped and the
	// retransmission path recovers.
	InboxSize int
	// TickInterval is the cadence of the send engine's timer tick.
	TickInterval time.Duration
	// Sender holds the send-engine tunables.
	Sender sender.Config
}

// DefaultConfig returns the default server tunables.
func DefaultConfig() Config {
	return Config{
		Dir:          "files",
		PayloadSize:  wire.MaxPayload,
		InboxSize:    64,
		TickInterval: 100 * time.Millisecond,
		Sender:       sender.DefaultConfig(),
	}
}

// session pairs a remote peer with its worker's inbox. The worker owns all
// engine state; the dispatcher only pushes datagrams into the inbox.
type session struct {
	nonce   uuid.UUID
	remote  *net.UDPAddr
	name    string
	inbox   chan []byte
	entry   *transfer.LogEntry
	started time.Time
}

// Server binds one datagram endpoint and serves transfer sessions from it.
type Server struct {
	log  *logrus.Entry
	cfg  Config
	conn *net.UDPConn

	translog transfer.LogStore

	mu       sync.Mutex
	sessions map[string]*session

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates the serving directory if needed and binds the UDP endpoint.
// A bind failure is returned here so callers can distinguish it from
// serve-time faults.
func New(log *logrus.Entry, cfg Config, translog transfer.LogStore) (*Server, error) {
	if err := pathutil.EnsureDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("serving dir: %v", err)
	}
	if translog == nil {
		translog = transfer.InMemoryLogStore()
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %v", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %v", cfg.Addr, err)
	}

	return &Server{
		log:      log,
		cfg:      cfg,
		conn:     conn,
		translog: translog,
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the inbound loop until ctx is cancelled or the socket fails.
// The loop never blocks on session work beyond parsing one header.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Infof("serving %q on udp %s", s.cfg.Dir, s.Addr())

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	buf := make([]byte, wire.MaxDatagram+1)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				s.wg.Wait()
				return nil
			default:
			}
			return fmt.Errorf("read: %v", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.route(ctx, remote, datagram)
	}
}

// route hands a datagram to the matching session's inbox, or treats it as a
// fresh request when the remote has none.
func (s *Server) route(ctx context.Context, remote *net.UDPAddr, datagram []byte) {
	s.mu.Lock()
	sess, ok := s.sessions[remote.String()]
	s.mu.Unlock()

	if ok {
		select {
		case sess.inbox <- datagram:
		default:
			s.log.Warnf("%s: inbox full, dropped %d-byte datagram", remote, len(datagram))
		}
		return
	}

	s.handleRequest(ctx, remote, datagram)
}

func (s *Server) handleRequest(ctx context.Context, remote *net.UDPAddr, datagram []byte) {
	h, payload, err := wire.Decode(datagram)
	if err != nil {
		s.log.Debugf("%s: dropped packet: %v", remote, err)
		return
	}
	if h.Type != wire.TypeReq {
		s.log.Debugf("%s: %s packet without session, dropped", remote, h.Type)
		return
	}

	name, ok := wire.ParseGet(payload)
	if !ok {
		s.log.Debugf("%s: unrecognised request %q", remote, payload)
		return
	}

	path, err := pathutil.ResolveServed(s.cfg.Dir, name)
	if err != nil {
		s.log.Warnf("%s: %v: %q", remote, ErrForbiddenPath, name)
		s.sendErr(remote, fmt.Sprintf("'%s' is not an allowed path", name))
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		s.log.Warnf("%s: %v: %q", remote, ErrUnknownFile, name)
		s.sendErr(remote, fmt.Sprintf("'%s' not found", name))
		return
	}

	sess := &session{
		nonce:   uuid.New(),
		remote:  remote,
		name:    name,
		inbox:   make(chan []byte, s.cfg.InboxSize),
		started: time.Now(),
		entry: &transfer.LogEntry{
			File:      name,
			Remote:    remote.String(),
			TotalSegs: segment.Count(info.Size(), s.cfg.PayloadSize),
			StartedAt: time.Now(),
		},
	}

	s.mu.Lock()
	s.sessions[remote.String()] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSession(ctx, sess, path, info.Size())
}

// runSession executes the send engine for one session. It owns every piece
// of the session's state; the dispatcher only feeds the inbox.
func (s *Server) runSession(ctx context.Context, sess *session, path string, size int64) {
	log := s.log.WithField("session", sess.nonce.String()[:8])

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.remote.String())
		s.mu.Unlock()

		sess.entry.FinishedAt = time.Now()
		if err := s.translog.Record(sess.nonce, sess.entry); err != nil {
			log.Warnf("Failed to record transfer log: %v", err)
		}
		s.wg.Done()
	}()

	f, err := os.Open(path)
	if err != nil {
		log.Warnf("open %q: %v", path, err)
		s.sendErr(sess.remote, fmt.Sprintf("'%s' not readable", sess.name))
		sess.entry.Err = err.Error()
		return
	}
	defer f.Close() //nolint:errcheck

	seg := segment.NewSegmenter(f, size, s.cfg.PayloadSize)
	log.Infof("%s: sending %q (%dB in %d segments)", sess.remote, sess.name, size, seg.Total())

	snd := sender.NewSession(log, s.cfg.Sender, seg, &addrWriter{conn: s.conn, addr: sess.remote}, sess.entry)
	if err := snd.Start(time.Now()); err != nil {
		log.Warnf("initial send failed: %v", err)
		sess.entry.Err = err.Error()
		return
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sess.entry.Err = ctx.Err().Error()
			return

		case <-s.done:
			sess.entry.Err = "server closed"
			return

		case now := <-ticker.C:
			done, err := snd.Tick(now)
			if err != nil {
				log.Warnf("session aborted: %v", err)
				sess.entry.Err = err.Error()
				return
			}
			if done {
				log.Infof("%s: transfer of %q complete", sess.remote, sess.name)
				return
			}

		case datagram := <-sess.inbox:
			if err := s.onSessionPacket(log, snd, datagram); err != nil {
				log.Warnf("session aborted: %v", err)
				sess.entry.Err = err.Error()
				return
			}
			if snd.Done() {
				log.Infof("%s: transfer of %q complete", sess.remote, sess.name)
				return
			}
		}
	}
}

func (s *Server) onSessionPacket(log *logrus.Entry, snd *sender.Session, datagram []byte) error {
	h, payload, err := wire.Decode(datagram)
	if err != nil {
		log.Debugf("dropped packet: %v", err)
		return nil
	}

	switch h.Type {
	case wire.TypeAck:
		snd.OnAck(h.Seq)
	case wire.TypeReq:
		seqs, isResend, err := wire.ParseResend(payload)
		if err != nil {
			log.Debugf("bad RESEND request: %v", err)
			return nil
		}
		if !isResend {
			// A repeated GET mid-session; the pipelined send already
			// answers it.
			log.Debugf("repeated request %q ignored", payload)
			return nil
		}
		return snd.OnResend(seqs, time.Now())
	default:
		log.Debugf("unexpected %s packet, dropped", h.Type)
	}
	return nil
}

func (s *Server) sendErr(remote *net.UDPAddr, msg string) {
	b, err := wire.Encode(wire.Header{Type: wire.TypeErr}, []byte(msg))
	if err != nil {
		s.log.Warnf("%s: encode ERR: %v", remote, err)
		return
	}
	if _, err := s.conn.WriteToUDP(b, remote); err != nil {
		s.log.Warnf("%s: send ERR: %v", remote, err)
	}
}

// Close shuts the socket down and signals session workers to stop. It does
// not wait for them; Serve waits for the workers before it returns.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close() //nolint:errcheck
	})
}

// addrWriter binds the shared socket to one peer address. Datagram writes
// are atomic, so workers share the socket without extra locking.
type addrWriter struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (w *addrWriter) WritePacket(b []byte) error {
	_, err := w.conn.WriteToUDP(b, w.addr)
	return err
}
