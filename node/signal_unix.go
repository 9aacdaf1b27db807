//go:build linux
// +build linux

package node

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/fzft/go-sft/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type pipeSignal byte

const (
	SignalTick pipeSignal = 'T' // idle sweep alarm fired
	SignalWork pipeSignal = 'W' // worker results are queued
	SignalStop pipeSignal = 'S' // leave the event loop
)

// SignalPipe turns asynchronous notifications into a readable descriptor the
// event loop waits on. Both ends are non-blocking.
type SignalPipe struct {
	r, w int
}

func NewSignalPipe() (*SignalPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("pipe2", err)
	}
	return &SignalPipe{r: fds[0], w: fds[1]}, nil
}

// Fd returns the read end registered with the reactor.
func (p *SignalPipe) Fd() int {
	return p.r
}

// Notify writes one byte. A full pipe already guarantees a wakeup, so would
// block is not reported.
func (p *SignalPipe) Notify(sig pipeSignal) error {
	_, err := unix.Write(p.w, []byte{byte(sig)})
	if err != nil && !IsTemporaryError(err) {
		return os.NewSyscallError("write", err)
	}
	return nil
}

// Drain reads every pending byte.
func (p *SignalPipe) Drain() ([]pipeSignal, error) {
	var (
		buf  [64]byte
		sigs []pipeSignal
	)
	for {
		n, err := unix.Read(p.r, buf[:])
		if err != nil {
			if IsTemporaryError(err) {
				return sigs, nil
			}
			return sigs, os.NewSyscallError("read", err)
		}
		if n <= 0 {
			return sigs, nil
		}
		for _, b := range buf[:n] {
			sigs = append(sigs, pipeSignal(b))
		}
	}
}

func (p *SignalPipe) Close() error {
	var errs MultiError
	if err := CloseFd(p.r); err != nil {
		errs = append(errs, err)
	}
	if err := CloseFd(p.w); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Ticker periodically wakes the loop for an idle sweep.
type Ticker interface {
	// Start begins delivering ticks and arms the first one.
	Start() error
	// Arm schedules the next tick.
	Arm() error
	Stop()
}

// Alarm delivers SIGALRM driven ticks through a SignalPipe. The real timer
// is one-shot (setitimer ITIMER_REAL) and rearmed by the loop after each
// sweep. The only work done on signal delivery is writing one byte to the
// pipe; the sweep itself runs on the loop.
//
// ITIMER_REAL is per process, so at most one Alarm should be running.
type Alarm struct {
	interval time.Duration
	pipe     *SignalPipe

	sigCh    chan os.Signal
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func NewAlarm(interval time.Duration, pipe *SignalPipe) *Alarm {
	return &Alarm{
		interval: interval,
		pipe:     pipe,
		sigCh:    make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}
}

func (a *Alarm) Start() error {
	signal.Notify(a.sigCh, unix.SIGALRM)
	a.exited = make(chan struct{})
	go a.bridge()
	return a.Arm()
}

func (a *Alarm) bridge() {
	defer close(a.exited)
	for {
		select {
		case <-a.sigCh:
			if err := a.pipe.Notify(SignalTick); err != nil {
				log.Logger.Error("Failed to forward alarm", zap.Error(err))
			}
		case <-a.done:
			return
		}
	}
}

func (a *Alarm) Arm() error {
	it := unix.Itimerval{Value: unix.NsecToTimeval(a.interval.Nanoseconds())}
	if _, err := unix.Setitimer(unix.ItimerReal, it); err != nil {
		return os.NewSyscallError("setitimer", err)
	}
	return nil
}

// Stop disarms the timer before releasing SIGALRM, so a late alarm cannot
// reach the default handler. It returns once the bridge stopped writing to
// the pipe.
func (a *Alarm) Stop() {
	a.stopOnce.Do(func() {
		if _, err := unix.Setitimer(unix.ItimerReal, unix.Itimerval{}); err != nil {
			log.Logger.Warn("Failed to disarm alarm", zap.Error(err))
		}
		signal.Stop(a.sigCh)
		close(a.done)
		if a.exited != nil {
			<-a.exited
		}
	})
}
