package client

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudft/rudft/internal/testhelpers"
	"github.com/rudft/rudft/pkg/receiver"
	"github.com/rudft/rudft/pkg/server"
)

func testLog(tag string) *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l.WithField("test", tag)
}

// startServer serves dir on an ephemeral loopback port with timers tuned
// for test wall-clock.
func startServer(t *testing.T, dir string) *server.Server {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Dir = dir
	cfg.TickInterval = 20 * time.Millisecond
	cfg.Sender.RetransmitTimeout = 100 * time.Millisecond
	cfg.Sender.LingerWindow = 2 * time.Second

	srv, err := server.New(testLog("server"), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, testhelpers.WithinTimeout(t, serveErr, 5*time.Second))
	})
	return srv
}

func fastClientConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadInterval = 20 * time.Millisecond
	cfg.Receiver.GapScanInterval = 100 * time.Millisecond
	cfg.Receiver.IdleTimeout = 5 * time.Second
	cfg.ReqBackoff = 100 * time.Millisecond
	return cfg
}

func targetFor(t *testing.T, srv *server.Server, name string) Target {
	t.Helper()
	return Target{Host: "127.0.0.1", Port: srv.Addr().Port, Name: name}
}

func writeTestFile(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size) + 1)).Read(data)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0600))
	return data
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("10.0.0.1:5000/dir/file.dat")
	require.NoError(t, err)
	assert.Equal(t, Target{Host: "10.0.0.1", Port: 5000, Name: "dir/file.dat"}, tgt)

	for _, bad := range []string{"", "host:5000", "host/file", "host:x/file", "host:0/file", "host:70000/file"} {
		_, err := ParseTarget(bad)
		assert.Error(t, err, bad)
	}
}

func TestFetchSmallFile(t *testing.T) {
	dir := t.TempDir()
	data := writeTestFile(t, dir, "small.dat", 3000)
	srv := startServer(t, dir)

	var out bytes.Buffer
	res, err := Fetch(context.Background(), testLog("client"), fastClientConfig(), targetFor(t, srv, "small.dat"), &out, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(3000), res.Bytes)
	assert.Equal(t, uint32(3), res.Segments)
	assert.True(t, bytes.Equal(data, out.Bytes()))
}

func TestFetchEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "empty.dat", 0)
	srv := startServer(t, dir)

	var out bytes.Buffer
	res, err := Fetch(context.Background(), testLog("client"), fastClientConfig(), targetFor(t, srv, "empty.dat"), &out, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Bytes)
	assert.Equal(t, uint32(1), res.Segments)
	assert.Zero(t, out.Len())
}

func TestFetchUnknownFile(t *testing.T) {
	srv := startServer(t, t.TempDir())

	var out bytes.Buffer
	_, err := Fetch(context.Background(), testLog("client"), fastClientConfig(), targetFor(t, srv, "missing.dat"), &out, nil)
	require.Error(t, err)

	srvErr, ok := err.(*receiver.ServerError)
	require.True(t, ok, "want ServerError, got %v", err)
	assert.Contains(t, srvErr.Msg, "missing.dat")
	assert.Zero(t, out.Len(), "no bytes may reach the sink on failure")
}

func TestFetchWithInjectedLoss(t *testing.T) {
	dir := t.TempDir()
	data := writeTestFile(t, dir, "lossy.dat", 50*1024)
	srv := startServer(t, dir)

	cfg := fastClientConfig()
	cfg.Receiver.LossPct = 25

	var out bytes.Buffer
	res, err := Fetch(context.Background(), testLog("client"), cfg, targetFor(t, srv, "lossy.dat"), &out, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	assert.True(t, bytes.Equal(data, out.Bytes()))
	assert.Greater(t, res.Stats.InjectedDrops, uint64(0))
}

func TestConcurrentClients(t *testing.T) {
	dir := t.TempDir()
	dataA := writeTestFile(t, dir, "a.dat", 20*1024)
	dataB := writeTestFile(t, dir, "b.dat", 30*1024)
	srv := startServer(t, dir)

	type result struct {
		out bytes.Buffer
		ch  chan error
	}
	resA := &result{ch: make(chan error, 1)}
	resB := &result{ch: make(chan error, 1)}

	go func() {
		_, err := Fetch(context.Background(), testLog("clientA"), fastClientConfig(), targetFor(t, srv, "a.dat"), &resA.out, nil)
		resA.ch <- err
	}()
	go func() {
		_, err := Fetch(context.Background(), testLog("clientB"), fastClientConfig(), targetFor(t, srv, "b.dat"), &resB.out, nil)
		resB.ch <- err
	}()

	testhelpers.NoErrorN(t,
		testhelpers.WithinTimeout(t, resA.ch, 10*time.Second),
		testhelpers.WithinTimeout(t, resB.ch, 10*time.Second),
	)

	assert.True(t, bytes.Equal(dataA, resA.out.Bytes()), "client A output differs")
	assert.True(t, bytes.Equal(dataB, resB.out.Bytes()), "client B output differs")
}

func TestFetchCancelled(t *testing.T) {
	// No server at all; cancellation must win over the request retrier.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := Fetch(ctx, testLog("client"), fastClientConfig(), Target{Host: "127.0.0.1", Port: 1, Name: "x"}, &out, nil)
	assert.Equal(t, context.Canceled, err)
}
