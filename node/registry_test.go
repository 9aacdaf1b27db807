//go:build linux
// +build linux

package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = CloseFd(fds[0])
		_ = CloseFd(fds[1])
	})
	return fds[0], fds[1]
}

func TestRegistryAddAndModify(t *testing.T) {
	r, err := NewRegistry(8)
	require.NoError(t, err)
	defer r.Close()

	rfd, _ := newTestPipe(t)

	require.NoError(t, r.Register(rfd, false, false, 0))
	ev, ok := r.Interest(rfd)
	require.True(t, ok)
	assert.Equal(t, uint32(readEvents), ev)

	// a second registration rearms the descriptor
	require.NoError(t, r.Register(rfd, true, true, 0))
	ev, _ = r.Interest(rfd)
	assert.NotZero(t, ev&unix.EPOLLET)
	assert.NotZero(t, ev&unix.EPOLLONESHOT)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryDeregisterIsIdempotent(t *testing.T) {
	r, err := NewRegistry(8)
	require.NoError(t, err)
	defer r.Close()

	rfd, _ := newTestPipe(t)
	require.NoError(t, r.Register(rfd, false, false, 0))

	require.NoError(t, r.Deregister(rfd))
	assert.False(t, r.Registered(rfd))
	assert.NoError(t, r.Deregister(rfd))
	assert.NoError(t, r.Deregister(12345))
}

func TestRegistryWaitReportsReadable(t *testing.T) {
	r, err := NewRegistry(8)
	require.NoError(t, err)
	defer r.Close()

	rfd, wfd := newTestPipe(t)
	require.NoError(t, r.Register(rfd, false, false, 0))

	events, err := r.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = unix.Write(wfd, []byte{'x'})
	require.NoError(t, err)

	events, err = r.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int32(rfd), events[0].Fd)
	assert.NotZero(t, events[0].Events&unix.EPOLLIN)
}

func TestNewRegistryRejectsEmptyBatch(t *testing.T) {
	_, err := NewRegistry(0)
	assert.Error(t, err)
}
