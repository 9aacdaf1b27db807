//go:build linux
// +build linux

package node

import (
	"strings"

	"github.com/fzft/go-sft/log"
	"go.uber.org/zap"
)

type messagePhase uint8

const (
	messageStart messagePhase = iota
	messageWaitWorker
	messageAck
	messageDone
)

// messageTask handles m/<text>\n. The text is logged against the peer and
// acknowledged with '1'. It never waits on the socket for input; with a
// worker pool configured it waits for the pool's result instead.
type messageTask struct {
	phase messagePhase
	ack   pendingWrite
	text  string
}

func newMessageTask() *messageTask {
	return &messageTask{}
}

func (t *messageTask) Verb() string { return VerbMessage }

func (t *messageTask) Resume(p *Poll, c *Connection) TaskState {
	for {
		switch t.phase {
		case messageStart:
			line := c.takeLine()
			raw := strings.TrimPrefix(line, "m/")
			if p.workers != nil && p.workers.Submit(messageJob{fd: c.fd, id: c.id, peer: c.peer, text: raw}) {
				t.phase = messageWaitWorker
				return TaskSuspended
			}
			t.text = NormalizeMessage(raw)
			logMessage(c.peer, t.text)
			t.ack.set([]byte{ackOK})
			t.phase = messageAck

		case messageWaitWorker:
			// woken by socket readiness before the pool answered
			return TaskSuspended

		case messageAck:
			done, err := t.ack.flush(c)
			if err != nil {
				log.Logger.Error("Failed to ack message", zap.String("peer", c.peer), zap.Error(err))
				p.metrics.RequestDone(VerbMessage, "failed")
				return TaskFailed
			}
			if !done {
				return TaskSuspended
			}
			t.phase = messageDone

		case messageDone:
			p.metrics.RequestDone(VerbMessage, "ok")
			return TaskFinished
		}
	}
}

// deliver hands the worker's result to a task waiting for it.
func (t *messageTask) deliver(text string) bool {
	if t.phase != messageWaitWorker {
		return false
	}
	t.text = text
	t.ack.set([]byte{ackOK})
	t.phase = messageAck
	return true
}

func (t *messageTask) Release() {}
