package node

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/eapache/queue"
	"github.com/fzft/go-sft/log"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool closed")

// NormalizeMessage strips control characters and invalid UTF-8 so a message
// logs as a single clean line.
func NormalizeMessage(text string) string {
	text = strings.ToValidUTF8(text, "�")
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}

func logMessage(peer, text string) {
	log.Logger.Info("Message", zap.String("peer", peer), zap.String("text", text))
}

type messageJob struct {
	fd   int
	id   uint64
	peer string
	text string
}

type messageResult struct {
	fd   int
	id   uint64
	text string
}

// WorkerPool runs message handling off the loop goroutine. Finished results
// are parked in a mutex guarded queue and the loop is woken through wake;
// workers never touch connection state.
type WorkerPool struct {
	jobs chan messageJob
	wake func()

	mu      sync.Mutex
	results *queue.Queue

	wg     sync.WaitGroup
	closed int32
}

// NewWorkerPool starts size workers. wake is called once per finished job.
func NewWorkerPool(size int, wake func()) *WorkerPool {
	wp := &WorkerPool{
		jobs:    make(chan messageJob, size*4),
		wake:    wake,
		results: queue.New(),
	}
	for i := 0; i < size; i++ {
		wp.wg.Add(1)
		go wp.run()
	}
	return wp
}

func (wp *WorkerPool) run() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		text := NormalizeMessage(job.text)
		logMessage(job.peer, text)

		wp.mu.Lock()
		wp.results.Add(messageResult{fd: job.fd, id: job.id, text: text})
		wp.mu.Unlock()
		wp.wake()
	}
}

// Submit queues a job without blocking. It returns false when the pool is
// saturated or closed; the caller handles the message itself.
func (wp *WorkerPool) Submit(job messageJob) bool {
	if atomic.LoadInt32(&wp.closed) == 1 {
		return false
	}
	select {
	case wp.jobs <- job:
		return true
	default:
		return false
	}
}

// Drain removes every finished result.
func (wp *WorkerPool) Drain() []messageResult {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	out := make([]messageResult, 0, wp.results.Length())
	for wp.results.Length() > 0 {
		out = append(out, wp.results.Remove().(messageResult))
	}
	return out
}

// Close stops accepting jobs and waits for the workers to finish. It must be
// called from the goroutine that calls Submit.
func (wp *WorkerPool) Close() error {
	if !atomic.CompareAndSwapInt32(&wp.closed, 0, 1) {
		return ErrPoolClosed
	}
	close(wp.jobs)
	wp.wg.Wait()
	return nil
}
