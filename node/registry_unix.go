//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR
	hupEvents   = unix.EPOLLHUP | unix.EPOLLRDHUP
)

// Registry is a wrapper around epoll. It keeps track of the descriptors that
// are registered and the interest set each one was registered with.
type Registry struct {
	epollFd  int
	epollSet map[int]uint32
	events   []unix.EpollEvent
}

// NewRegistry creates the epoll instance. maxEvents bounds the batch one
// Wait call returns.
func NewRegistry(maxEvents int) (*Registry, error) {
	if maxEvents <= 0 {
		return nil, fmt.Errorf("invalid epoll batch size %d", maxEvents)
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Registry{
		epollFd:  epfd,
		epollSet: make(map[int]uint32),
		events:   make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Register adds fd with read interest plus extra, or rearms it when it is
// already registered. Read interest always includes peer hangup.
func (r *Registry) Register(fd int, oneShot, edgeTriggered bool, extra uint32) error {
	events := uint32(readEvents) | extra
	if edgeTriggered {
		events |= unix.EPOLLET
	}
	if oneShot {
		events |= unix.EPOLLONESHOT
	}

	op, name := unix.EPOLL_CTL_ADD, "epoll_ctl add"
	if _, ok := r.epollSet[fd]; ok {
		op, name = unix.EPOLL_CTL_MOD, "epoll_ctl mod"
	}
	if err := unix.EpollCtl(r.epollFd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}); err != nil {
		return os.NewSyscallError(name, err)
	}

	r.epollSet[fd] = events
	return nil
}

// Deregister removes fd from epoll. Unknown descriptors are ignored, and a
// descriptor the kernel already dropped counts as removed.
func (r *Registry) Deregister(fd int) error {
	if _, ok := r.epollSet[fd]; !ok {
		return nil
	}
	delete(r.epollSet, fd)

	err := unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready or msec elapses
// (-1 blocks indefinitely). An interrupted wait returns an empty batch.
// The returned slice is reused by the next call.
func (r *Registry) Wait(msec int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(r.epollFd, r.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}
	return r.events[:n], nil
}

// Registered reports whether fd has an active registration.
func (r *Registry) Registered(fd int) bool {
	_, ok := r.epollSet[fd]
	return ok
}

// Interest returns the events fd was registered with.
func (r *Registry) Interest(fd int) (uint32, bool) {
	ev, ok := r.epollSet[fd]
	return ev, ok
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	return len(r.epollSet)
}

// Close releases the epoll descriptor. Registered descriptors are not closed.
func (r *Registry) Close() error {
	r.epollSet = make(map[int]uint32)
	return CloseFd(r.epollFd)
}
