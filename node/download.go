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

type downloadPhase uint8

const (
	downloadStart downloadPhase = iota
	downloadHeader
	downloadGoAhead
	downloadTransfer
	downloadDone
)

// downloadTask serves g/<name>\n: it answers "/<size>\0", waits for the
// client's '1' go-ahead and then streams the file with sendfile. A missing
// file gets no answer at all; the connection is closed.
type downloadTask struct {
	phase  downloadPhase
	header pendingWrite
	sender fileSender
	name   string
}

func newDownloadTask() *downloadTask {
	return &downloadTask{}
}

func (t *downloadTask) Verb() string { return VerbDownload }

// ParseDownloadRequest extracts the name from "g/<name>".
func ParseDownloadRequest(line string) (string, error) {
	name, ok := strings.CutPrefix(line, "g/")
	if !ok || name == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	return name, nil
}

// SizeHeader is the answer sent before a download body.
func SizeHeader(size int64) []byte {
	return []byte("/" + strconv.FormatInt(size, 10) + "\x00")
}

func (t *downloadTask) Resume(p *Poll, c *Connection) TaskState {
	for {
		switch t.phase {
		case downloadStart:
			if !t.start(p, c) {
				return TaskFailed
			}

		case downloadHeader:
			done, err := t.header.flush(c)
			if err != nil {
				log.Logger.Error("Failed to send size header", zap.String("peer", c.peer), zap.Error(err))
				p.metrics.RequestDone(VerbDownload, "failed")
				return TaskFailed
			}
			if !done {
				return TaskSuspended
			}
			t.phase = downloadGoAhead

		case downloadGoAhead:
			ready, err := t.goAhead(c)
			if err != nil {
				log.Logger.Error("Client did not confirm download",
					zap.String("peer", c.peer),
					zap.String("file", t.name),
					zap.Error(err))
				p.metrics.RequestDone(VerbDownload, "failed")
				return TaskFailed
			}
			if !ready {
				return TaskSuspended
			}
			t.phase = downloadTransfer

		case downloadTransfer:
			before := t.sender.offset
			done, err := t.sender.pump(c)
			p.metrics.BytesSent(VerbDownload, int(t.sender.offset-before))
			if err != nil {
				log.Logger.Error("Not sent complete file data",
					zap.String("peer", c.peer),
					zap.String("file", t.name),
					zap.Int64("sent", t.sender.offset),
					zap.Int64("size", t.sender.size),
					zap.Error(err))
				p.metrics.RequestDone(VerbDownload, "failed")
				return TaskFailed
			}
			if !done {
				return TaskSuspended
			}
			t.phase = downloadDone

		case downloadDone:
			log.Logger.Info("Success on sending file",
				zap.String("peer", c.peer),
				zap.String("file", t.name),
				zap.Int64("size", t.sender.size))
			p.metrics.RequestDone(VerbDownload, "ok")
			return TaskFinished
		}
	}
}

// start resolves and opens the requested file and queues the size header.
func (t *downloadTask) start(p *Poll, c *Connection) bool {
	name, err := ParseDownloadRequest(c.takeLine())
	if err != nil {
		log.Logger.Warn("Rejected download", zap.String("peer", c.peer), zap.Error(err))
		p.metrics.RequestDone(VerbDownload, "rejected")
		return false
	}
	t.name = name
	log.Logger.Info("Receive file request", zap.String("peer", c.peer), zap.String("file", name))

	file, size, err := openRegular(p.cfg.FileToSend, name)
	if err != nil {
		log.Logger.Error("Requested file is not accessible",
			zap.String("peer", c.peer),
			zap.String("file", name),
			zap.Error(err))
		p.metrics.RequestDone(VerbDownload, "not_found")
		return false
	}
	t.sender = fileSender{file: file, size: size}
	t.header.set(SizeHeader(size))
	t.phase = downloadHeader
	return true
}

// goAhead consumes the one byte confirmation, which may already be buffered.
func (t *downloadTask) goAhead(c *Connection) (bool, error) {
	var flag byte
	if len(c.request) > 0 {
		flag = c.request[0]
		c.consume(1)
	} else {
		var b [1]byte
		n, err := c.sock.Read(b[:])
		if err != nil {
			if IsTemporaryError(err) {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return false, ErrGoAheadMissing
		}
		flag = b[0]
	}
	if flag != ackOK {
		return false, fmt.Errorf("%w: got %q", ErrGoAheadMissing, flag)
	}
	return true, nil
}

func (t *downloadTask) Release() {
	if t.sender.file != nil && t.phase != downloadDone && t.phase > downloadHeader {
		log.Logger.Warn("Download left incomplete",
			zap.String("file", t.name),
			zap.Int64("sent", t.sender.offset),
			zap.Int64("size", t.sender.size))
	}
	t.sender.close()
}

// openRegular opens name beneath root and checks it is a readable regular
// file.
func openRegular(root, name string) (*os.File, int64, error) {
	path, err := ResolveBeneath(root, name)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		_ = file.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}
	return file, info.Size(), nil
}
