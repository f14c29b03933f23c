// Package client implements the fetch driver: it issues the request,
// drives the receive engine over a single UDP socket, and hands the
// reassembled bytes to the caller's sink.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudft/rudft/internal/netutil"
	"github.com/rudft/rudft/pkg/receiver"
	"github.com/rudft/rudft/pkg/wire"
)

var errAwaitingFirstData = errors.New("no data received yet")

// Target identifies the file to fetch: host, port and a name relative to
// the server's serving root, parsed from "host:port/name".
type Target struct {
	Host string
	Port int
	Name string
}

// ParseTarget parses "host:port/name".
func ParseTarget(s string) (Target, error) {
	hostport, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return Target{}, fmt.Errorf("target %q: want host:port/name", s)
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Target{}, fmt.Errorf("target %q: %v", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Target{}, fmt.Errorf("target %q: invalid port %q", s, portStr)
	}
	return Target{Host: host, Port: port, Name: name}, nil
}

func (t Target) addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// Config holds the fetch tunables.
type Config struct {
	Receiver receiver.Config
	// ReadInterval bounds a single socket read so ProgressTick keeps
	// firing while the link is quiet.
	ReadInterval time.Duration
	// ReqBackoff and ReqThreshold drive request retransmission until the
	// first DATA arrives; the initial REQ is as lossy as anything else.
	ReqBackoff   time.Duration
	ReqThreshold time.Duration
}

// DefaultConfig returns the default fetch tunables.
func DefaultConfig() Config {
	return Config{
		Receiver:     receiver.DefaultConfig(),
		ReadInterval: 100 * time.Millisecond,
		ReqBackoff:   500 * time.Millisecond,
		ReqThreshold: 8 * time.Second,
	}
}

// Result summarises a completed fetch.
type Result struct {
	Bytes    int64
	Segments uint32
	Duration time.Duration
	Stats    receiver.Stats
}

// connWriter sends datagrams over the connected socket.
type connWriter struct {
	conn *net.UDPConn
}

func (w *connWriter) WritePacket(b []byte) error {
	_, err := w.conn.Write(b)
	return err
}

// Fetch downloads target into sink. It returns once the transfer is
// complete and flushed, or with the receive engine's error. rng seeds the
// loss injection; nil means a time-seeded source.
func Fetch(ctx context.Context, log *logrus.Entry, cfg Config, target Target, sink io.Writer, rng *rand.Rand) (*Result, error) {
	raddr, err := net.ResolveUDPAddr("udp", target.addr())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %v", target.addr(), err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v", target.addr(), err)
	}
	defer conn.Close() //nolint:errcheck

	eng := receiver.New(log, cfg.Receiver, &connWriter{conn: conn}, rng)

	req, err := wire.Encode(wire.Header{Type: wire.TypeReq}, wire.FormatGet(target.Name))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	eng.Start(start)
	log.Infof("requesting %q from %s", target.Name, target.addr())

	// Issue the request, re-sending with backoff until the first DATA
	// arrives. The retrier runs beside the receive loop and only touches
	// the socket, which is safe for concurrent writes.
	reqCtx, stopReq := context.WithCancel(ctx)
	defer stopReq()
	retrier := netutil.NewRetrier(log, cfg.ReqBackoff, cfg.ReqThreshold, 2).
		WithErrWhitelist(context.Canceled)
	reqDone := make(chan error, 1)
	go func() {
		reqDone <- retrier.Do(reqCtx, func() error {
			select {
			case <-reqCtx.Done():
				return context.Canceled
			default:
			}
			if _, err := conn.Write(req); err != nil {
				return err
			}
			return errAwaitingFirstData
		})
	}()

	buf := make([]byte, wire.MaxDatagram+1)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(cfg.ReadInterval)); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		now := time.Now()

		if err != nil {
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				return nil, fmt.Errorf("read: %v", err)
			}
		} else {
			if procErr := eng.OnPacket(now, buf[:n]); procErr != nil {
				return nil, procErr
			}
			if eng.State() != receiver.AwaitingFirst {
				stopReq()
			}
		}

		if err := eng.ProgressTick(now); err != nil {
			return nil, err
		}

		if eng.State() == receiver.Complete {
			stopReq()
			<-reqDone

			written, err := eng.WriteTo(sink)
			if err != nil {
				return nil, err
			}
			total, _ := eng.Total()
			res := &Result{
				Bytes:    written,
				Segments: total,
				Duration: time.Since(start),
				Stats:    eng.Stats(),
			}
			log.Infof("received %d bytes in %d segments over %s (dups %d, injected drops %d, resends %d)",
				res.Bytes, res.Segments, res.Duration.Round(time.Millisecond),
				res.Stats.Duplicates, res.Stats.InjectedDrops, res.Stats.ResendsSent)
			return res, nil
		}
	}
}
