//go:build linux
// +build linux

package node

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fzft/go-sft/client"
	"github.com/fzft/go-sft/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *config.Config, *fakeClock) {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	clock := newFakeClock()

	srv, err := NewServer(cfg,
		WithTicker(func(time.Duration, *SignalPipe) Ticker { return &manualTicker{} }),
		WithClock(clock.Now),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, cfg, clock
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readByte(t *testing.T, conn net.Conn) byte {
	t.Helper()
	var b [1]byte
	_, err := io.ReadFull(conn, b[:])
	require.NoError(t, err)
	return b[0]
}

func assertClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	var b [1]byte
	_, err := conn.Read(b[:])
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerUploadScenario(t *testing.T) {
	srv, cfg, _ := startServer(t, nil)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("f/report.txt/13\nHello, world!"))
	require.NoError(t, err)
	assert.Equal(t, byte('1'), readByte(t, conn))

	// the connection stays open for the next request
	_, err = conn.Write([]byte("m/ping\n"))
	require.NoError(t, err)
	assert.Equal(t, byte('1'), readByte(t, conn))

	data, err := os.ReadFile(filepath.Join(cfg.FileReceived, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", string(data))
}

func TestServerRoundTrip(t *testing.T) {
	srv, _, _ := startServer(t, func(cfg *config.Config) {
		cfg.UploadChunk = 512
		cfg.FileToSend = cfg.FileReceived
	})

	c, err := client.Dial(srv.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	for name, size := range map[string]int{"empty.bin": 0, "small.txt": 100, "large.bin": 3*512 + 7, "huge.bin": 3 << 20} {
		payload := bytes.Repeat([]byte{'a', 'b', 'c', 0, 0xff}, size/5+1)[:size]
		require.NoError(t, c.Upload(name, bytes.NewReader(payload), int64(size)), name)

		var got bytes.Buffer
		n, err := c.Download(name, &got)
		require.NoError(t, err, name)
		assert.Equal(t, int64(size), n, name)
		assert.True(t, bytes.Equal(payload, got.Bytes()), name)
	}
}

func TestServerMissingDownload(t *testing.T) {
	srv, _, _ := startServer(t, nil)

	c, err := client.Dial(srv.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Download("nope.txt", io.Discard)
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestServerMessage(t *testing.T) {
	for _, workers := range []int{0, 2} {
		srv, _, _ := startServer(t, func(cfg *config.Config) { cfg.Workers = workers })
		conn := dialServer(t, srv)

		_, err := conn.Write([]byte("m/ping\nm/pong\n"))
		require.NoError(t, err)
		assert.Equal(t, byte('1'), readByte(t, conn))
		assert.Equal(t, byte('1'), readByte(t, conn))
	}
}

func TestServerHTTPNotFoundKeepsAlive(t *testing.T) {
	srv, cfg, _ := startServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HttpPath, "index.html"), []byte("<h1>hi</h1>"), 0644))
	conn := dialServer(t, srv)
	br := bufio.NewReader(conn)

	_, err := conn.Write([]byte("GET /missing.html HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, notFoundPage, body)
	assert.Equal(t, "sft", resp.Header.Get("Server"))

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)
	resp, err = http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>hi</h1>", string(body))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	_, err = conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	resp, err = http.ReadResponse(br, nil)
	require.NoError(t, err)
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, resp.Close)

	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerHTTPWithStdlibClient(t *testing.T) {
	srv, cfg, _ := startServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HttpPath, "page.txt"), []byte("plain"), 0644))

	resp, err := http.Get("http://" + srv.Addr().String() + "/page.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "plain", string(body))
}

func TestServerUnknownProtocolCloses(t *testing.T) {
	srv, _, _ := startServer(t, nil)
	conn := dialServer(t, srv)

	_, err := conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	assertClosed(t, conn)
}

func TestServerIdleSweep(t *testing.T) {
	srv, _, clock := startServer(t, nil)

	idle := dialServer(t, srv)
	_, err := idle.Write([]byte("m/a\n"))
	require.NoError(t, err)
	require.Equal(t, byte('1'), readByte(t, idle))

	clock.Advance(20 * time.Second)
	busy := dialServer(t, srv)
	_, err = busy.Write([]byte("m/b\n"))
	require.NoError(t, err)
	require.Equal(t, byte('1'), readByte(t, busy))

	clock.Advance(15 * time.Second)
	require.NoError(t, srv.poll.pipe.Notify(SignalTick))
	assertClosed(t, idle)

	_, err = busy.Write([]byte("m/c\n"))
	require.NoError(t, err)
	assert.Equal(t, byte('1'), readByte(t, busy))
}

func TestServerStopClosesConnections(t *testing.T) {
	srv, _, _ := startServer(t, nil)
	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("m/hi\n"))
	require.NoError(t, err)
	require.Equal(t, byte('1'), readByte(t, conn))

	srv.Stop()
	<-srv.poll.Done()
	assertClosed(t, conn)
	assert.Equal(t, 0, srv.poll.ConnCount())

	srv.Stop()
}

func TestNewServerPortInUse(t *testing.T) {
	srv, _, _ := startServer(t, nil)
	port := srv.Addr().(*net.TCPAddr).Port

	cfg := testConfig(t)
	cfg.ListenPort = port
	_, err := NewServer(cfg, WithTicker(func(time.Duration, *SignalPipe) Ticker { return &manualTicker{} }))
	assert.Error(t, err)
}
