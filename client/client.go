// Package client speaks the sft line protocol from the sending side.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrRejected is returned when the server refuses a request or closes
	// the connection without answering.
	ErrRejected = errors.New("request rejected by server")
	// ErrNotFound is returned by Download when the server has no such file.
	ErrNotFound = errors.New("file not found on server")
)

const ackOK = '1'

// Client is a single connection to an sft server. Requests are serialised;
// the server keeps the connection open between them.
type Client struct {
	conn    net.Conn
	rd      *bufio.Reader
	timeout time.Duration
	mu      sync.Mutex
}

// Dial connects to address. A zero timeout disables I/O deadlines.
func Dial(address string, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", address, dialTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return &Client{conn: nc, rd: bufio.NewReader(nc), timeout: timeout}, nil
}

func dialTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}

func (c *Client) deadline() {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *Client) readAck() (byte, error) {
	b, err := c.rd.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrRejected
		}
		return 0, err
	}
	return b, nil
}

// Upload sends size bytes from r to be stored as name.
func (c *Client) Upload(name string, r io.Reader, size int64) error {
	if name == "" || strings.ContainsAny(name, "/\\\n\x00") {
		return fmt.Errorf("invalid file name %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deadline()
	if _, err := fmt.Fprintf(c.conn, "f/%s/%d\n", name, size); err != nil {
		return err
	}
	ack, err := c.readAck()
	if err != nil {
		return err
	}
	if ack != ackOK {
		return fmt.Errorf("%w: server could not store %q", ErrRejected, name)
	}

	for sent := int64(0); sent < size; {
		c.deadline()
		n, err := io.CopyN(c.conn, r, min(size-sent, 1<<20))
		sent += n
		if err != nil {
			return fmt.Errorf("sent %d of %d bytes: %w", sent, size, err)
		}
	}
	return nil
}

// UploadFile uploads the local file at path under its base name.
func (c *Client) UploadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return c.Upload(filepath.Base(path), f, info.Size())
}

// Download fetches name into w and returns the number of bytes written.
func (c *Client) Download(name string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deadline()
	if _, err := fmt.Fprintf(c.conn, "g/%s\n", name); err != nil {
		return 0, err
	}

	header, err := c.rd.ReadString(0)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, err
	}
	size, err := ParseSizeHeader(header)
	if err != nil {
		return 0, err
	}

	if _, err := c.conn.Write([]byte{ackOK}); err != nil {
		return 0, err
	}

	var got int64
	for got < size {
		c.deadline()
		n, err := io.CopyN(w, c.rd, min(size-got, 1<<20))
		got += n
		if err != nil {
			return got, fmt.Errorf("received %d of %d bytes: %w", got, size, err)
		}
	}
	return got, nil
}

// ParseSizeHeader parses the "/<size>\0" answer to a download request.
func ParseSizeHeader(header string) (int64, error) {
	digits, ok := strings.CutPrefix(strings.TrimSuffix(header, "\x00"), "/")
	if !ok {
		return 0, fmt.Errorf("unexpected download header %q", header)
	}
	size, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("unexpected download size %q", digits)
	}
	return size, nil
}

// DownloadFile fetches name into dir, replacing any existing file.
func (c *Client) DownloadFile(name, dir string) (string, error) {
	dest := filepath.Join(dir, filepath.Base(name))
	tmp, err := os.CreateTemp(dir, ".sft-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := c.Download(name, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return dest, os.Rename(tmp.Name(), dest)
}

// Message sends one line of text and waits for the acknowledgement.
func (c *Client) Message(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("message must be a single line")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deadline()
	if _, err := fmt.Fprintf(c.conn, "m/%s\n", text); err != nil {
		return err
	}
	ack, err := c.readAck()
	if err != nil {
		return err
	}
	if ack != ackOK {
		return ErrRejected
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
