//go:build linux
// +build linux

package node

import (
	"os"
)

// TaskState is what a handler reports back to the loop after each step.
type TaskState uint8

const (
	// TaskSuspended: the socket would block; resume on the next readiness event.
	TaskSuspended TaskState = iota
	// TaskFinished: the request completed and the connection stays open.
	TaskFinished
	// TaskClose: the request completed and the connection must be closed.
	TaskClose
	// TaskFailed: the request failed and the connection must be closed.
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskSuspended:
		return "suspended"
	case TaskFinished:
		return "finished"
	case TaskClose:
		return "close"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is a resumable handler bound to one connection. Resume continues from
// the phase the task stopped in; it never blocks. Release frees whatever the
// task owns and is called exactly once, on every exit path including a
// forced close mid-transfer.
type Task interface {
	Verb() string
	Resume(p *Poll, c *Connection) TaskState
	Release()
}

// pendingWrite holds outbound bytes that survive a would-block.
type pendingWrite struct {
	out []byte
}

func (w *pendingWrite) set(b []byte) {
	w.out = b
}

// flush writes as much as the socket accepts. done is false when the socket
// would block with bytes left.
func (w *pendingWrite) flush(c *Connection) (done bool, err error) {
	for len(w.out) > 0 {
		n, err := c.sock.Write(w.out)
		if err != nil {
			if IsTemporaryError(err) {
				return false, nil
			}
			return false, err
		}
		w.out = w.out[n:]
	}
	return true, nil
}

// maxSendfileChunk keeps a single sendfile call under the kernel limit.
const maxSendfileChunk = 1 << 30

// fileSender streams an open file to the socket with sendfile, resuming at
// the saved offset.
type fileSender struct {
	file   *os.File
	offset int64
	size   int64
}

func (s *fileSender) remaining() int64 {
	return s.size - s.offset
}

// pump sends until the file is exhausted or the socket would block.
func (s *fileSender) pump(c *Connection) (done bool, err error) {
	for s.offset < s.size {
		count := s.remaining()
		if count > maxSendfileChunk {
			count = maxSendfileChunk
		}
		n, err := c.sock.SendFile(int(s.file.Fd()), &s.offset, int(count))
		if err != nil {
			if IsTemporaryError(err) {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			// the file shrank underneath us
			return false, ErrIncomplete
		}
	}
	return true, nil
}

func (s *fileSender) close() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}
