package node

import (
	"time"

	"github.com/fzft/go-sft/dlist"
)

type idleEntry struct {
	fd        int
	lastTouch time.Time
}

// IdleTimer tracks the last activity of every connection. Entries are kept
// in touch order, so the head is always the least recently active one and a
// sweep stops at the first entry that has not expired.
type IdleTimer struct {
	threshold time.Duration
	order     *dlist.List[idleEntry]
	index     map[int]*dlist.ListNode[idleEntry]
}

func NewIdleTimer(threshold time.Duration) *IdleTimer {
	return &IdleTimer{
		threshold: threshold,
		order:     dlist.NewList[idleEntry](),
		index:     make(map[int]*dlist.ListNode[idleEntry]),
	}
}

// Touch inserts fd or refreshes its last activity.
func (t *IdleTimer) Touch(fd int, now time.Time) {
	if node, ok := t.index[fd]; ok {
		node.Value.lastTouch = now
		t.order.MoveToTail(node)
		return
	}
	t.index[fd] = t.order.AddNodeTail(idleEntry{fd: fd, lastTouch: now})
}

// Remove forgets fd. Unknown descriptors are ignored.
func (t *IdleTimer) Remove(fd int) {
	node, ok := t.index[fd]
	if !ok {
		return
	}
	t.order.RemoveNode(node)
	delete(t.index, fd)
}

// Sweep removes and returns every descriptor idle for at least the threshold.
func (t *IdleTimer) Sweep(now time.Time) []int {
	var expired []int
	for t.order.Head != nil {
		entry := t.order.Head.Value
		if now.Sub(entry.lastTouch) < t.threshold {
			break
		}
		t.order.PopHead()
		delete(t.index, entry.fd)
		expired = append(expired, entry.fd)
	}
	return expired
}

func (t *IdleTimer) Has(fd int) bool {
	_, ok := t.index[fd]
	return ok
}

func (t *IdleTimer) Len() int {
	return t.order.Len()
}
