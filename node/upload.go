//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fzft/go-sft/log"
	"go.uber.org/zap"
)

const (
	ackOK   = '1'
	ackFail = '0'
)

type uploadPhase uint8

const (
	uploadStart uploadPhase = iota
	uploadAck
	uploadFailAck
	uploadReceive
	uploadDone
)

// uploadTask receives f/<name>/<size>\n followed by exactly size bytes.
// Payload is collected in a window of at most UploadChunk bytes which is
// flushed to disk each time it fills, so memory per upload stays bounded.
type uploadTask struct {
	phase uploadPhase
	ack   pendingWrite

	name     string
	path     string
	size     int64
	received int64

	file   *os.File
	buf    []byte
	filled int
}

func newUploadTask() *uploadTask {
	return &uploadTask{}
}

func (t *uploadTask) Verb() string { return VerbUpload }

// ParseUploadHeader splits "f/<name>/<size>". The size is the text after the
// last slash.
func ParseUploadHeader(line string) (name string, size int64, err error) {
	rest, ok := strings.CutPrefix(line, "f/")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	idx := strings.LastIndexByte(rest, '/')
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: missing size in %q", ErrMalformedRequest, line)
	}
	name = rest[:idx]
	if !ValidFileName(name) {
		return "", 0, fmt.Errorf("%w: invalid file name %q", ErrMalformedRequest, name)
	}
	size, err = strconv.ParseInt(strings.TrimSpace(rest[idx+1:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid size in %q", ErrMalformedRequest, line)
	}
	if size < 0 {
		return "", 0, fmt.Errorf("%w: negative size %d", ErrMalformedRequest, size)
	}
	return name, size, nil
}

func (t *uploadTask) Resume(p *Poll, c *Connection) TaskState {
	for {
		switch t.phase {
		case uploadStart:
			if !t.start(p, c) {
				return TaskFailed
			}

		case uploadAck, uploadFailAck:
			done, err := t.ack.flush(c)
			if err != nil {
				log.Logger.Error("Failed to send upload ack", zap.String("peer", c.peer), zap.Error(err))
				return TaskFailed
			}
			if !done {
				return TaskSuspended
			}
			if t.phase == uploadFailAck {
				return TaskFailed
			}
			t.phase = uploadReceive

		case uploadReceive:
			done, err := t.receive(p, c)
			if err != nil {
				log.Logger.Error("Not received complete file data",
					zap.String("peer", c.peer),
					zap.String("file", t.name),
					zap.Int64("received", t.received),
					zap.Int64("size", t.size),
					zap.Error(err))
				p.metrics.RequestDone(VerbUpload, "failed")
				return TaskFailed
			}
			if !done {
				return TaskSuspended
			}
			t.phase = uploadDone

		case uploadDone:
			log.Logger.Info("Success on receiving file",
				zap.String("peer", c.peer),
				zap.String("file", t.name),
				zap.Int64("size", t.size))
			p.metrics.RequestDone(VerbUpload, "ok")
			return TaskFinished
		}
	}
}

// start parses the header, creates the destination and queues the ack.
func (t *uploadTask) start(p *Poll, c *Connection) bool {
	line := c.takeLine()
	name, size, err := ParseUploadHeader(line)
	if err != nil {
		log.Logger.Warn("Rejected upload", zap.String("peer", c.peer), zap.Error(err))
		p.metrics.RequestDone(VerbUpload, "rejected")
		return false
	}
	if limit := p.cfg.MaxUploadSize; limit > 0 && size > limit {
		log.Logger.Warn("Rejected upload",
			zap.String("peer", c.peer),
			zap.String("file", name),
			zap.Int64("size", size),
			zap.Int64("limit", limit))
		p.metrics.RequestDone(VerbUpload, "rejected")
		return false
	}
	t.name, t.size = name, size

	log.Logger.Info("Receiving file", zap.String("peer", c.peer), zap.String("file", name), zap.Int64("size", size))

	t.path = p.uploadPath(name)
	file, err := os.OpenFile(t.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		log.Logger.Error("Failed to create upload file", zap.String("peer", c.peer), zap.String("path", t.path), zap.Error(err))
		p.metrics.RequestDone(VerbUpload, "failed")
		t.ack.set([]byte{ackFail})
		t.phase = uploadFailAck
		return true
	}
	t.file = file

	window := int64(p.cfg.UploadChunk)
	if size < window {
		window = size
	}
	t.buf = make([]byte, window)

	t.ack.set([]byte{ackOK})
	t.phase = uploadAck
	return true
}

// receive reads payload until size bytes arrived or the socket would block.
// Payload buffered together with the header is drained before the socket.
func (t *uploadTask) receive(p *Poll, c *Connection) (bool, error) {
	for t.received < t.size {
		if t.filled == len(t.buf) {
			if err := t.flush(); err != nil {
				return false, err
			}
		}
		want := int64(len(t.buf) - t.filled)
		if left := t.size - t.received; left < want {
			want = left
		}
		window := t.buf[t.filled : t.filled+int(want)]

		var n int
		if len(c.request) > 0 {
			n = copy(window, c.request)
			c.consume(n)
		} else {
			var err error
			n, err = c.sock.Read(window)
			if err != nil {
				if IsTemporaryError(err) {
					return false, nil
				}
				return false, err
			}
			if n == 0 {
				return false, ErrIncomplete
			}
		}
		t.filled += n
		t.received += int64(n)
		p.metrics.BytesReceived(VerbUpload, n)
	}
	if err := t.flush(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *uploadTask) flush() error {
	if t.filled == 0 {
		return nil
	}
	if _, err := t.file.Write(t.buf[:t.filled]); err != nil {
		return err
	}
	t.filled = 0
	return nil
}

func (t *uploadTask) Release() {
	if t.file == nil {
		return
	}
	if t.phase != uploadDone {
		log.Logger.Warn("Upload left incomplete",
			zap.String("path", t.path),
			zap.Int64("received", t.received),
			zap.Int64("size", t.size))
	}
	if err := t.file.Close(); err != nil {
		log.Logger.Error("Failed to close upload file", zap.String("path", t.path), zap.Error(err))
	}
	t.file = nil
	t.buf = nil
}
