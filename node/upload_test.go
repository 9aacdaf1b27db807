//go:build linux
// +build linux

package node

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fzft/go-sft/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.GetDefaultConfig()
	cfg.ListenAddr = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.FileReceived = filepath.Join(root, "received")
	cfg.FileToSend = filepath.Join(root, "send")
	cfg.HttpPath = filepath.Join(root, "www")
	require.NoError(t, cfg.EnsureDirs())
	return cfg
}

func TestParseUploadHeader(t *testing.T) {
	name, size, err := ParseUploadHeader("f/report.txt/13")
	require.NoError(t, err)
	assert.Equal(t, "report.txt", name)
	assert.Equal(t, int64(13), size)

	name, size, err = ParseUploadHeader("f/empty/0")
	require.NoError(t, err)
	assert.Equal(t, "empty", name)
	assert.Equal(t, int64(0), size)
}

func TestParseUploadHeaderRejects(t *testing.T) {
	for _, line := range []string{
		"f/",
		"f/nosize",
		"f//10",
		"f/../10",
		"f/a/b/10",
		"f/a/-1",
		"f/a/ten",
		"g/a/10",
	} {
		_, _, err := ParseUploadHeader(line)
		assert.ErrorIs(t, err, ErrMalformedRequest, line)
	}
}

func TestUploadWritesFile(t *testing.T) {
	cfg := testConfig(t)
	p := &Poll{cfg: cfg}

	sock := &fakeSocket{in: []byte(", world!")}
	c := fakeConn(sock, "f/report.txt/13\nHello")

	state := drive(t, p, c, newUploadTask())
	require.Equal(t, TaskFinished, state)
	assert.Equal(t, "1", sock.out.String())
	assert.Empty(t, c.Request())

	data, err := os.ReadFile(filepath.Join(cfg.FileReceived, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", string(data))
}

func TestUploadKeepsPipelinedBytes(t *testing.T) {
	cfg := testConfig(t)
	p := &Poll{cfg: cfg}

	c := fakeConn(&fakeSocket{}, "f/a.txt/3\nabcm/next\n")
	require.Equal(t, TaskFinished, drive(t, p, c, newUploadTask()))
	assert.Equal(t, "m/next\n", string(c.Request()))
}

func TestUploadThrottledWindowed(t *testing.T) {
	cfg := testConfig(t)
	cfg.UploadChunk = 512
	p := &Poll{cfg: cfg}

	payload := strings.Repeat("0123456789abcdef", 300) // several windows
	sock := &fakeSocket{in: []byte(payload), chunk: 97, throttle: true}
	c := fakeConn(sock, "f/big.bin/4800\n")

	task := newUploadTask()
	state := drive(t, p, c, task)
	require.Equal(t, TaskFinished, state)
	assert.Greater(t, sock.blocked, 0)
	assert.Equal(t, 512, len(task.buf))
	task.Release()

	data, err := os.ReadFile(filepath.Join(cfg.FileReceived, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestUploadBufferedPayloadLargerThanWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.UploadChunk = 512
	p := &Poll{cfg: cfg}

	payload := strings.Repeat("abcdefghij", 200)
	// 1000 bytes arrived with the header, the rest comes from the socket
	sock := &fakeSocket{in: []byte(payload[1000:]), chunk: 300}
	c := fakeConn(sock, "f/mixed.bin/2000\n"+payload[:1000])

	task := newUploadTask()
	require.Equal(t, TaskFinished, drive(t, p, c, task))
	assert.Empty(t, c.Request())
	assert.Equal(t, int64(2000), task.received)
	task.Release()

	data, err := os.ReadFile(filepath.Join(cfg.FileReceived, "mixed.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestUploadEmptyFile(t *testing.T) {
	cfg := testConfig(t)
	p := &Poll{cfg: cfg}

	sock := &fakeSocket{}
	c := fakeConn(sock, "f/empty.txt/0\n")
	require.Equal(t, TaskFinished, drive(t, p, c, newUploadTask()))
	assert.Equal(t, "1", sock.out.String())

	info, err := os.Stat(filepath.Join(cfg.FileReceived, "empty.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestUploadIncompleteOnEOF(t *testing.T) {
	cfg := testConfig(t)
	p := &Poll{cfg: cfg}

	sock := &fakeSocket{in: []byte("short"), eof: true}
	c := fakeConn(sock, "f/cut.txt/100\n")
	task := newUploadTask()
	assert.Equal(t, TaskFailed, drive(t, p, c, task))
	assert.Equal(t, int64(5), task.received)
	task.Release()
	assert.Nil(t, task.file)
}

func TestUploadRejectsOversize(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxUploadSize = 10
	p := &Poll{cfg: cfg}

	sock := &fakeSocket{}
	c := fakeConn(sock, "f/huge.bin/11\n")
	assert.Equal(t, TaskFailed, drive(t, p, c, newUploadTask()))
	assert.Empty(t, sock.out.String())
	assert.NoFileExists(t, filepath.Join(cfg.FileReceived, "huge.bin"))
}

func TestUploadCreateFailureSendsZero(t *testing.T) {
	cfg := testConfig(t)
	cfg.FileReceived = filepath.Join(cfg.FileReceived, "missing", "dir")
	p := &Poll{cfg: cfg}

	sock := &fakeSocket{}
	c := fakeConn(sock, "f/a.txt/3\n")
	assert.Equal(t, TaskFailed, drive(t, p, c, newUploadTask()))
	assert.Equal(t, "0", sock.out.String())
}
