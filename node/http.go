//go:build linux
// +build linux

package node

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fzft/go-sft/log"
	"go.uber.org/zap"
)

// MaxHTTPHeader bounds the request head buffered before parsing.
const MaxHTTPHeader = 64 * 1024

const serverName = "sft"

var notFoundPage = []byte("<!DOCTYPE html>\n<html lang=\"en\">\n\n<head>\n\t<meta charset=\"UTF-8\">\n\t<title>404</title>\n</head>\n\n<body>\n\t<div class=\"text\" style=\"text-align: center\">\n\t\t<h1> 404 Not Found </h1>\n\t\t<h1> Target file is not found on sft. </h1>\n\t</div>\n</body>\n\n</html>\n")

type httpPhase uint8

const (
	httpStart httpPhase = iota
	httpHead
	httpBody
	httpDone
)

// httpTask answers one HTTP/1.x request with a static file from HttpPath.
// The connection stays open for the next request unless the client asked
// for close or the request was refused.
type httpTask struct {
	phase  httpPhase
	out    pendingWrite
	body   pendingWrite
	sender fileSender

	status int
	target string
	close  bool
}

func newHTTPTask() *httpTask {
	return &httpTask{}
}

func (t *httpTask) Verb() string { return VerbHTTP }

// headerEnd returns the length of the request head including its blank
// line, or -1 when the head is not complete.
func headerEnd(b []byte) int {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// fillHead reads until the buffered request holds a complete head.
func (t *httpTask) fillHead(c *Connection) (int, error) {
	var buf [readChunk]byte
	for {
		if end := headerEnd(c.request); end >= 0 {
			return end, nil
		}
		if len(c.request) >= MaxHTTPHeader {
			return -1, ErrRequestTooLarge
		}
		n, err := c.sock.Read(buf[:])
		if err != nil {
			if IsTemporaryError(err) {
				return -1, nil
			}
			return -1, err
		}
		if n == 0 {
			// a bare request line closed by EOF still gets an answer
			if len(c.request) == 0 {
				return -1, ErrPeerClosed
			}
			c.request = append(c.request, '\n', '\n')
			continue
		}
		c.request = append(c.request, buf[:n]...)
	}
}

func (t *httpTask) Resume(p *Poll, c *Connection) TaskState {
	for {
		switch t.phase {
		case httpStart:
			end, err := t.fillHead(c)
			if err != nil {
				if err == ErrPeerClosed {
					return TaskFailed
				}
				log.Logger.Warn("Bad HTTP request", zap.String("peer", c.peer), zap.Error(err))
				t.refuse(http.StatusBadRequest)
				continue
			}
			if end < 0 {
				return TaskSuspended
			}
			head := append([]byte(nil), c.request[:end]...)
			c.consume(end)
			t.prepare(p, c, head)

		case httpHead:
			done, err := t.out.flush(c)
			if err != nil {
				return t.fail(p, c, err)
			}
			if !done {
				return TaskSuspended
			}
			t.phase = httpBody

		case httpBody:
			done, err := t.body.flush(c)
			if err != nil {
				return t.fail(p, c, err)
			}
			if done && t.sender.file != nil {
				before := t.sender.offset
				done, err = t.sender.pump(c)
				p.metrics.BytesSent(VerbHTTP, int(t.sender.offset-before))
				if err != nil {
					return t.fail(p, c, err)
				}
			}
			if !done {
				return TaskSuspended
			}
			t.phase = httpDone

		case httpDone:
			if t.status == http.StatusOK {
				log.Logger.Info("Finish sending", zap.String("peer", c.peer), zap.String("file", t.target))
			}
			p.metrics.RequestDone(VerbHTTP, strconv.Itoa(t.status))
			if t.close {
				return TaskClose
			}
			return TaskFinished
		}
	}
}

// prepare parses the request head and queues the response.
func (t *httpTask) prepare(p *Poll, c *Connection, head []byte) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		log.Logger.Warn("Bad HTTP request", zap.String("peer", c.peer), zap.Error(err))
		t.refuse(http.StatusBadRequest)
		return
	}
	t.close = req.Close
	if req.ContentLength != 0 {
		// request bodies are not read, so the stream cannot be reused
		t.close = true
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		log.Logger.Warn("Unsupported HTTP method", zap.String("peer", c.peer), zap.String("method", req.Method))
		t.refuse(http.StatusMethodNotAllowed)
		return
	}
	headOnly := req.Method == http.MethodHead

	file, size, path, err := t.open(p, req.URL.EscapedPath())
	log.Logger.Info("Client requests HTTP", zap.String("peer", c.peer), zap.String("target", path))
	if err != nil {
		log.Logger.Error("HTTP target not served",
			zap.String("peer", c.peer),
			zap.String("target", path),
			zap.Error(err))
		t.status = http.StatusNotFound
		t.respond(http.StatusNotFound, int64(len(notFoundPage)), "text/html; charset=utf-8")
		if !headOnly {
			t.body.set(notFoundPage)
		}
		return
	}

	t.status = http.StatusOK
	t.target = path
	t.respond(http.StatusOK, size, contentType(path))
	if headOnly {
		_ = file.Close()
		return
	}
	t.sender = fileSender{file: file, size: size}
}

// open maps the request path onto HttpPath. The empty path and directories
// fall back to DefaultPage.
func (t *httpTask) open(p *Poll, escaped string) (*os.File, int64, string, error) {
	decoded, err := DecodePath(escaped)
	if err != nil {
		return nil, 0, escaped, err
	}
	name := strings.TrimLeft(decoded, "/")
	if name == "" {
		name = p.cfg.DefaultPage
	}
	path, err := ResolveBeneath(p.cfg.HttpPath, name)
	if err != nil {
		return nil, 0, name, err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, p.cfg.DefaultPage)
	}
	file, size, err := openRegular(filepath.Dir(path), filepath.Base(path))
	return file, size, path, err
}

// refuse answers with an error status and closes afterwards.
func (t *httpTask) refuse(status int) {
	body := []byte(fmt.Sprintf("%d %s\n", status, http.StatusText(status)))
	t.status = status
	t.close = true
	t.respond(status, int64(len(body)), "text/plain; charset=utf-8")
	t.body.set(body)
}

// respond queues the status line and headers and moves to the send phase.
func (t *httpTask) respond(status int, length int64, ctype string) {
	t.out.set(ResponseHeader(status, length, ctype, !t.close))
	t.phase = httpHead
}

// ResponseHeader renders a status line and the fixed header set.
func ResponseHeader(status int, length int64, ctype string, keepAlive bool) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Content-Length: %d\r\n", length)
	b.WriteString("Server: " + serverName + "\r\n")
	b.WriteString("Content-Type: " + ctype + "\r\n")
	if keepAlive {
		b.WriteString("Connection: keep-alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func contentType(path string) string {
	if ctype := mime.TypeByExtension(filepath.Ext(path)); ctype != "" {
		return ctype
	}
	return "application/octet-stream"
}

func (t *httpTask) fail(p *Poll, c *Connection, err error) TaskState {
	log.Logger.Error("HTTP response failed", zap.String("peer", c.peer), zap.Error(err))
	p.metrics.RequestDone(VerbHTTP, "failed")
	return TaskFailed
}

func (t *httpTask) Release() {
	t.sender.close()
}
