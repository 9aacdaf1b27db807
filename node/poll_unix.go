//go:build linux
// +build linux

package node

import (
	"errors"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fzft/go-sft/config"
	"github.com/fzft/go-sft/log"
	"github.com/fzft/go-sft/metrics"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Close reasons reported in logs and metrics.
const (
	reasonHangup   = "hangup"
	reasonError    = "error"
	reasonProtocol = "protocol"
	reasonTimeout  = "timeout"
	reasonDone     = "done"
	reasonShutdown = "shutdown"
)

// Poll is the event loop. Everything it owns (registry, connection table,
// idle timer and the tasks) is touched only from the loop goroutine.
type Poll struct {
	cfg      *config.Config
	registry *Registry
	listenFD int
	addr     *net.TCPAddr

	// pipeMu guards the pipe's lifetime against notifiers on other goroutines
	pipeMu sync.Mutex
	pipe   *SignalPipe

	ticker   Ticker
	timer    *IdleTimer
	conns    map[int]*Connection
	nextID   uint64
	workers  *WorkerPool
	metrics  *metrics.Metrics

	done chan struct{}
	now  func() time.Time
}

// NewPoll opens the listener, the self-pipe and the epoll instance. Any
// failure is fatal for the server and is returned after releasing what was
// already created.
func NewPoll(cfg *config.Config, o *options) (p *Poll, err error) {
	p = &Poll{
		cfg:      cfg,
		listenFD: -1,
		timer:    NewIdleTimer(cfg.IdleTimeout),
		conns:    make(map[int]*Connection),
		metrics:  o.metrics,
		done:     make(chan struct{}),
		now:      o.now,
	}
	defer func() {
		if err != nil {
			p.release()
		}
	}()

	if p.registry, err = NewRegistry(cfg.MaxEvents); err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, err
	}
	if p.pipe, err = NewSignalPipe(); err != nil {
		log.Logger.Error("Failed to create signal pipe", zap.Error(err))
		return nil, err
	}
	if p.listenFD, p.addr, err = openListener(cfg.ListenAddress()); err != nil {
		log.Logger.Error("Failed to listen", zap.String("addr", cfg.ListenAddress()), zap.Error(err))
		return nil, err
	}

	if err = p.registry.Register(p.pipe.Fd(), false, false, 0); err != nil {
		log.Logger.Error("Failed to add signal pipe to epoll", zap.Error(err))
		return nil, err
	}
	if err = p.registry.Register(p.listenFD, false, false, 0); err != nil {
		log.Logger.Error("Failed to add listener to epoll", zap.Error(err))
		return nil, err
	}

	p.ticker = o.newTicker(cfg.AlarmInterval, p.pipe)
	if cfg.Workers > 0 {
		p.workers = NewWorkerPool(cfg.Workers, func() {
			if err := p.notify(SignalWork); err != nil {
				log.Logger.Error("Failed to signal worker result", zap.Error(err))
			}
		})
	}
	return p, nil
}

// Addr is the address the listener is bound to.
func (p *Poll) Addr() *net.TCPAddr {
	return p.addr
}

// Done is closed once the loop has exited and released its descriptors.
func (p *Poll) Done() <-chan struct{} {
	return p.done
}

// Stop asks the loop to exit. It may be called from any goroutine; once the
// loop is gone it does nothing.
func (p *Poll) Stop() error {
	return p.notify(SignalStop)
}

// notify writes sig to the self-pipe unless it was already released.
func (p *Poll) notify(sig pipeSignal) error {
	p.pipeMu.Lock()
	defer p.pipeMu.Unlock()
	if p.pipe == nil {
		return nil
	}
	return p.pipe.Notify(sig)
}

// Loop runs until a stop signal arrives.
func (p *Poll) Loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(p.done)

	// handle cleanup if necessary,
	defer p.CloseGracefully()

	if err := p.ticker.Start(); err != nil {
		log.Logger.Error("Failed to start idle alarm", zap.Error(err))
	}

	for {
		events, err := p.registry.Wait(-1)
		if err != nil {
			log.Logger.Error("epoll wait error", zap.Error(err))
			if errors.Is(err, unix.EBADF) || errors.Is(err, unix.EINVAL) {
				return
			}
			continue
		}

		for i := range events {
			if err := p.processEvent(&events[i]); errors.Is(err, ErrSignalStopped) {
				return
			}
		}
	}
}

func (p *Poll) processEvent(ev *unix.EpollEvent) error {
	fd := int(ev.Fd)

	switch fd {
	case p.pipe.Fd():
		return p.handleSignal()
	case p.listenFD:
		p.accept()
		return nil
	}

	c, ok := p.conns[fd]
	if !ok {
		// closed earlier in this batch
		if err := p.registry.Deregister(fd); err != nil {
			log.Logger.Debug("Failed to deregister stale fd", zap.Int("fd", fd), zap.Error(err))
		}
		return nil
	}

	if ev.Events&errEvents != 0 {
		log.Logger.Debug("epoll error event for fd", zap.Int("fd", fd), zap.String("peer", c.peer))
		p.closeConn(fd, reasonError)
		return nil
	}

	p.timer.Touch(fd, p.now())

	if ev.Events&(unix.EPOLLIN|unix.EPOLLOUT) != 0 {
		if !p.serve(c) {
			return nil
		}
	}

	if ev.Events&hupEvents != 0 {
		// a peer that only shut down its write side still reads the rest of
		// an unfinished response; the task sees EOF if it needs more input
		if ev.Events&unix.EPOLLHUP == 0 && c.task != nil {
			log.Logger.Debug("peer half closed, finishing task",
				zap.String("peer", c.peer), zap.String("verb", c.task.Verb()))
			return nil
		}
		p.closeConn(fd, reasonHangup)
	}
	return nil
}

// accept takes every pending connection off the listener.
func (p *Poll) accept() {
	for {
		connFd, sa, err := unix.Accept4(p.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case IsTemporaryError(err):
			case errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EINTR):
				continue
			default:
				log.Logger.Error("accept error", zap.Error(err))
			}
			return
		}

		if err := p.registry.Register(connFd, false, true, writeEvents); err != nil {
			log.Logger.Error("register error", zap.Int("fd", connFd), zap.Error(err))
			_ = unix.Close(connFd)
			continue
		}

		p.nextID++
		now := p.now()
		c := newConnection(connFd, p.nextID, sockaddrString(sa), now)
		p.conns[connFd] = c
		p.timer.Touch(connFd, now)
		p.metrics.ConnAccepted()

		log.Logger.Debug("new connection", zap.Int("fd", connFd), zap.String("peer", c.peer))
	}
}

// serve advances the connection until it would block or is closed. It
// returns false when the connection was closed.
func (p *Poll) serve(c *Connection) bool {
	for {
		if c.task == nil {
			task, err := p.dispatch(c)
			if err != nil {
				reason := reasonError
				switch {
				case errors.Is(err, ErrPeerClosed):
					reason = reasonHangup
				case errors.Is(err, ErrUnknownProtocol), errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrRequestTooLarge):
					log.Logger.Warn("Protocol error", zap.String("peer", c.peer), zap.Error(err))
					reason = reasonProtocol
				default:
					log.Logger.Error("read error", zap.String("peer", c.peer), zap.Error(err))
				}
				p.closeConn(c.fd, reason)
				return false
			}
			if task == nil {
				return true
			}
			c.task = task
		}

		switch c.task.Resume(p, c) {
		case TaskSuspended:
			return true
		case TaskFinished:
			task := c.task
			c.task = nil
			task.Release()
		case TaskClose:
			p.closeConn(c.fd, reasonDone)
			return false
		default:
			p.closeConn(c.fd, reasonError)
			return false
		}
	}
}

// closeConn is the only place a connection is torn down. Closing an fd that
// is not in the table does nothing.
func (p *Poll) closeConn(fd int, reason string) {
	c, ok := p.conns[fd]
	if !ok {
		return
	}

	if err := p.registry.Deregister(fd); err != nil {
		log.Logger.Debug("Failed to deregister connection", zap.Int("fd", fd), zap.Error(err))
	}
	p.timer.Remove(fd)
	verb := ""
	if c.task != nil {
		verb = c.task.Verb()
		c.task.Release()
		c.task = nil
	}
	delete(p.conns, fd)
	if err := CloseFd(fd); err != nil {
		log.Logger.Debug("Failed to close connection", zap.Int("fd", fd), zap.Error(err))
	}
	p.metrics.ConnClosed(reason)

	log.Logger.Info("Close connection",
		zap.String("peer", c.peer),
		zap.String("reason", reason),
		zap.String("task", verb),
		zap.Duration("age", p.now().Sub(c.accepted)))
}

// handleSignal drains the self-pipe. Worker results are delivered before the
// idle sweep so a connection whose answer is ready is not evicted with it.
func (p *Poll) handleSignal() error {
	sigs, err := p.pipe.Drain()
	if err != nil {
		log.Logger.Error("Failed to read from signal pipe", zap.Error(err))
	}

	var tick, work, stop bool
	for _, sig := range sigs {
		switch sig {
		case SignalTick:
			tick = true
		case SignalWork:
			work = true
		case SignalStop:
			stop = true
		}
	}

	if work {
		p.deliverResults()
	}
	if tick {
		p.sweep()
	}
	if stop {
		return ErrSignalStopped
	}
	return nil
}

func (p *Poll) deliverResults() {
	if p.workers == nil {
		return
	}
	for _, r := range p.workers.Drain() {
		c, ok := p.conns[r.fd]
		if !ok || c.id != r.id {
			continue
		}
		task, ok := c.task.(*messageTask)
		if !ok || !task.deliver(r.text) {
			continue
		}
		p.timer.Touch(c.fd, p.now())
		p.serve(c)
	}
}

func (p *Poll) sweep() {
	expired := p.timer.Sweep(p.now())
	for _, fd := range expired {
		if c, ok := p.conns[fd]; ok {
			log.Logger.Info("Connection timed out", zap.String("peer", c.peer))
		}
		p.closeConn(fd, reasonTimeout)
	}
	p.metrics.Evicted(len(expired))

	if err := p.ticker.Arm(); err != nil {
		log.Logger.Error("Failed to rearm idle alarm", zap.Error(err))
	}
}

func (p *Poll) uploadPath(name string) string {
	return filepath.Join(p.cfg.FileReceived, name)
}

// CloseGracefully order: alarm, workers, connections, listener, pipe, epoll
// prevent the fd leak
func (p *Poll) CloseGracefully() error {
	var errs MultiError

	p.ticker.Stop()

	if p.workers != nil {
		if err := p.workers.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for fd := range p.conns {
		p.closeConn(fd, reasonShutdown)
	}

	p.release()

	if len(errs) > 0 {
		log.Logger.Debug("Errors while closing", zap.Error(errs))
		return errs
	}
	return nil
}

// release closes the descriptors the poll was created with.
func (p *Poll) release() {
	if p.listenFD >= 0 {
		if p.registry != nil {
			_ = p.registry.Deregister(p.listenFD)
		}
		if err := CloseFd(p.listenFD); err != nil {
			log.Logger.Debug("Failed to close listener", zap.Error(err))
		}
		p.listenFD = -1
	}
	p.pipeMu.Lock()
	if p.pipe != nil {
		if p.registry != nil {
			_ = p.registry.Deregister(p.pipe.Fd())
		}
		if err := p.pipe.Close(); err != nil {
			log.Logger.Debug("Failed to close signal pipe", zap.Error(err))
		}
		p.pipe = nil
	}
	p.pipeMu.Unlock()
	if p.registry != nil {
		if err := p.registry.Close(); err != nil {
			log.Logger.Info("Failed to close epoll", zap.Error(err))
		}
		p.registry = nil
	}
}

// ConnCount returns the size of the connection table. Only safe from the
// loop goroutine or after Done.
func (p *Poll) ConnCount() int {
	return len(p.conns)
}
