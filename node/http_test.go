//go:build linux
// +build linux

package node

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEnd(t *testing.T) {
	assert.Equal(t, -1, headerEnd([]byte("GET / HTTP/1.1\r\nHost: x\r\n")))
	assert.Equal(t, 27, headerEnd([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nrest")))
	assert.Equal(t, 16, headerEnd([]byte("GET / HTTP/1.0\n\n")))
}

func TestResponseHeader(t *testing.T) {
	got := string(ResponseHeader(404, 12, "text/html; charset=utf-8", true))
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\n"+
		"Content-Length: 12\r\n"+
		"Server: sft\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"Connection: keep-alive\r\n\r\n", got)

	got = string(ResponseHeader(200, 0, "text/plain", false))
	assert.Contains(t, got, "Connection: close\r\n")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", contentType("index.html"))
	assert.Equal(t, "application/octet-stream", contentType("blob"))
}

func httpPoll(t *testing.T) *Poll {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HttpPath, "index.html"), []byte("<h1>home</h1>"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.HttpPath, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HttpPath, "docs", "index.html"), []byte("<h1>docs</h1>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.HttpPath, "my page.txt"), []byte("spaced"), 0644))
	return &Poll{cfg: cfg}
}

func TestHTTPServesFile(t *testing.T) {
	p := httpPoll(t)
	for path, body := range map[string]string{
		"/":               "<h1>home</h1>",
		"/index.html":     "<h1>home</h1>",
		"/docs":           "<h1>docs</h1>",
		"/docs/":          "<h1>docs</h1>",
		"/my%20page.txt?": "spaced",
	} {
		sock := &fakeSocket{}
		c := fakeConn(sock, "GET "+path+" HTTP/1.1\r\nHost: x\r\n\r\n")
		task := newHTTPTask()
		require.Equal(t, TaskFinished, drive(t, p, c, task), path)
		task.Release()

		out := sock.out.String()
		assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), path)
		assert.Contains(t, out, "Connection: keep-alive\r\n", path)
		assert.True(t, strings.HasSuffix(out, "\r\n\r\n"+body), path)
	}
}

func TestHTTPNotFound(t *testing.T) {
	p := httpPoll(t)
	for _, path := range []string{"/missing.html", "/../etc/passwd", "/%2e%2e/secret"} {
		sock := &fakeSocket{}
		c := fakeConn(sock, "GET "+path+" HTTP/1.1\r\nHost: x\r\n\r\n")
		require.Equal(t, TaskFinished, drive(t, p, c, newHTTPTask()), path)

		out := sock.out.String()
		assert.True(t, strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n"), path)
		assert.True(t, strings.HasSuffix(out, string(notFoundPage)), path)
	}
}

func TestHTTPConnectionClose(t *testing.T) {
	p := httpPoll(t)
	sock := &fakeSocket{}
	c := fakeConn(sock, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	assert.Equal(t, TaskClose, drive(t, p, c, newHTTPTask()))
	assert.Contains(t, sock.out.String(), "Connection: close\r\n")
}

func TestHTTPHead(t *testing.T) {
	p := httpPoll(t)
	sock := &fakeSocket{}
	c := fakeConn(sock, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n")
	// HEAD starts with H, so the dispatcher never routes it here; the task
	// still answers it when driven directly.
	require.Equal(t, TaskFinished, drive(t, p, c, newHTTPTask()))
	out := sock.out.String()
	assert.Contains(t, out, "Content-Length: 13\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
}

func TestHTTPRefusals(t *testing.T) {
	p := httpPoll(t)

	sock := &fakeSocket{}
	c := fakeConn(sock, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n")
	assert.Equal(t, TaskClose, drive(t, p, c, newHTTPTask()))
	assert.True(t, strings.HasPrefix(sock.out.String(), "HTTP/1.1 405 Method Not Allowed\r\n"))

	sock = &fakeSocket{}
	c = fakeConn(sock, "GET\r\n\r\n")
	assert.Equal(t, TaskClose, drive(t, p, c, newHTTPTask()))
	assert.True(t, strings.HasPrefix(sock.out.String(), "HTTP/1.1 400 Bad Request\r\n"))
}

func TestHTTPHeadArrivesInPieces(t *testing.T) {
	p := httpPoll(t)
	sock := &fakeSocket{in: []byte("Host: x\r\n\r\n"), chunk: 3, throttle: true}
	c := fakeConn(sock, "GET / HTTP/1.1\r\n")
	task := newHTTPTask()
	require.Equal(t, TaskFinished, drive(t, p, c, task))
	task.Release()
	assert.True(t, strings.HasSuffix(sock.out.String(), "<h1>home</h1>"))
	assert.Greater(t, sock.blocked, 0)
}

func TestHTTPKeepsPipelinedRequest(t *testing.T) {
	p := httpPoll(t)
	sock := &fakeSocket{}
	c := fakeConn(sock, "GET / HTTP/1.1\r\nHost: x\r\n\r\nGET /docs HTTP/1.1\r\n")
	require.Equal(t, TaskFinished, drive(t, p, c, newHTTPTask()))
	assert.Equal(t, "GET /docs HTTP/1.1\r\n", string(c.Request()))
}
