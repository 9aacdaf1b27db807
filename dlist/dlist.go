package dlist

// ListNode is an element of List. Prev and Next are nil at the ends.
type ListNode[T any] struct {
	Prev  *ListNode[T]
	Next  *ListNode[T]
	Value T
}

// List is a doubly linked list ordered by insertion; nodes can be moved to
// the tail in O(1), which makes it usable as a recency queue.
type List[T any] struct {
	Head   *ListNode[T]
	Tail   *ListNode[T]
	Length int
}

func NewList[T any]() *List[T] {
	return &List[T]{}
}

func (l *List[T]) AddNodeTail(value T) *ListNode[T] {
	node := &ListNode[T]{Value: value}
	l.linkTail(node)
	return node
}

// RemoveNode unlinks node from the list.
func (l *List[T]) RemoveNode(node *ListNode[T]) {
	l.unlink(node)
}

// MoveToTail moves an existing node to the tail.
func (l *List[T]) MoveToTail(node *ListNode[T]) {
	if l.Tail == node {
		return
	}
	l.unlink(node)
	l.linkTail(node)
}

// PopHead removes and returns the head node, or nil when the list is empty.
func (l *List[T]) PopHead() *ListNode[T] {
	node := l.Head
	if node == nil {
		return nil
	}
	l.RemoveNode(node)
	return node
}

// Len ...
func (l *List[T]) Len() int {
	return l.Length
}

func (l *List[T]) linkTail(node *ListNode[T]) {
	if l.Tail == nil {
		l.Head, l.Tail = node, node
	} else {
		node.Prev, l.Tail.Next, l.Tail = l.Tail, node, node
	}
	l.Length++
}

func (l *List[T]) unlink(node *ListNode[T]) {
	if node.Prev != nil {
		node.Prev.Next = node.Next
	} else {
		l.Head = node.Next
	}
	if node.Next != nil {
		node.Next.Prev = node.Prev
	} else {
		l.Tail = node.Prev
	}
	node.Next, node.Prev = nil, nil
	l.Length--
}
