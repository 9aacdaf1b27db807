//go:build linux
// +build linux

package node

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fzft/go-sft/config"
	"github.com/fzft/go-sft/log"
	"github.com/fzft/go-sft/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type options struct {
	metrics   *metrics.Metrics
	newTicker func(interval time.Duration, pipe *SignalPipe) Ticker
	now       func() time.Time
}

// Option customises a Server.
type Option func(*options)

// WithMetrics records into m instead of a registry owned by the server.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTicker replaces the SIGALRM driven idle alarm.
func WithTicker(fn func(interval time.Duration, pipe *SignalPipe) Ticker) Option {
	return func(o *options) { o.newTicker = fn }
}

// WithClock replaces time.Now for idle bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func defaultOptions() *options {
	return &options{
		newTicker: func(interval time.Duration, pipe *SignalPipe) Ticker {
			return NewAlarm(interval, pipe)
		},
		now: time.Now,
	}
}

// Server serves upload, download, message and HTTP requests on a single
// port from one event loop.
type Server struct {
	cfg      *config.Config
	poll     *Poll
	gatherer prometheus.Gatherer

	stopOnce sync.Once
}

// NewServer creates the serving directories and opens the listener. The
// returned server accepts nothing until Run is called.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg}
	if o.metrics == nil && cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		o.metrics = metrics.New(reg)
		s.gatherer = reg
	}

	poll, err := NewPoll(cfg, o)
	if err != nil {
		return nil, err
	}
	s.poll = poll
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.poll.Addr()
}

// Run serves until ctx is cancelled or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.gatherer != nil {
		go func() {
			if err := metrics.Serve(ctx, s.cfg.MetricsAddr, s.gatherer); err != nil {
				log.Logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go s.poll.Loop()
	log.Logger.Info("listening on", zap.String("addr", s.poll.Addr().String()))

	select {
	case <-ctx.Done():
		s.Stop()
		<-s.poll.Done()
	case <-s.poll.Done():
	}

	log.Logger.Info("shutting down server")
	return nil
}

// Stop asks the event loop to exit. Run returns once it has.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if err := s.poll.Stop(); err != nil {
			log.Logger.Error("Failed to stop event loop", zap.Error(err))
		}
	})
}

// Close releases the descriptors of a server that was never run.
func (s *Server) Close() {
	select {
	case <-s.poll.Done():
	default:
		s.poll.release()
	}
}
