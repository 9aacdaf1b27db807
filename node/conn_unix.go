//go:build linux
// +build linux

package node

import (
	"bytes"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readChunk = 1024

	// MaxRequestLine bounds the bytes buffered while waiting for a newline.
	MaxRequestLine = 8 * 1024
)

// SocketIO is the non-blocking I/O surface handlers use. Every call returns
// unix.EAGAIN instead of blocking.
type SocketIO interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// SendFile copies up to count bytes of src starting at *offset and
	// advances *offset.
	SendFile(src int, offset *int64, count int) (int, error)
}

type rawSocket int

func (s rawSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(int(s), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s rawSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(int(s), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s rawSocket) SendFile(src int, offset *int64, count int) (int, error) {
	n, err := unix.Sendfile(int(s), src, offset, count)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Connection is the per-descriptor record owned by the connection table.
type Connection struct {
	fd       int
	id       uint64
	peer     string
	accepted time.Time

	sock    SocketIO
	request []byte
	task    Task
}

func newConnection(fd int, id uint64, peer string, now time.Time) *Connection {
	return &Connection{
		fd:       fd,
		id:       id,
		peer:     peer,
		accepted: now,
		sock:     rawSocket(fd),
	}
}

// Request returns the bytes buffered but not yet consumed by a handler.
func (c *Connection) Request() []byte {
	return c.request
}

// fillLine reads into the request buffer until it holds a newline or the
// socket would block. It returns true when a full line is buffered. EOF with
// a partial line terminates the line; EOF on an empty buffer is
// ErrPeerClosed.
func (c *Connection) fillLine() (bool, error) {
	var buf [readChunk]byte
	for bytes.IndexByte(c.request, '\n') < 0 {
		if len(c.request) >= MaxRequestLine {
			return false, ErrRequestTooLarge
		}
		n, err := c.sock.Read(buf[:])
		if err != nil {
			if IsTemporaryError(err) {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			if len(c.request) == 0 {
				return false, ErrPeerClosed
			}
			c.request = append(c.request, '\n')
			break
		}
		c.request = append(c.request, buf[:n]...)
	}
	return true, nil
}

// takeLine removes the first line from the request buffer and returns it
// without its terminator.
func (c *Connection) takeLine() string {
	i := bytes.IndexByte(c.request, '\n')
	if i < 0 {
		line := string(c.request)
		c.request = c.request[:0]
		return line
	}
	line := string(bytes.TrimSuffix(c.request[:i], []byte{'\r'}))
	c.consume(i + 1)
	return line
}

// consume drops the first n buffered bytes.
func (c *Connection) consume(n int) {
	rest := copy(c.request, c.request[n:])
	c.request = c.request[:rest]
	if rest == 0 && cap(c.request) > MaxRequestLine {
		c.request = nil
	}
}
