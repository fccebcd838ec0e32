package cache

// linkedListNode is a node of the circular buffer the CLOCK hand sweeps over.
type linkedListNode[V any] struct {
	next  *linkedListNode[V]
	prev  *linkedListNode[V]
	Value V
}

// linkedList is a doubly linked list whose traversal wraps around from the tail to the head.
type linkedList[V any] struct {
	head *linkedListNode[V]
	tail *linkedListNode[V]
	size int
}

// Len returns the number of elements in the list.
func (l *linkedList[V]) Len() int {
	return l.size
}

// Front returns the first node of the list or nil if the list is empty.
func (l *linkedList[V]) Front() *linkedListNode[V] {
	return l.head
}

// Following returns the node after `n`, wrapping around to the front at the tail. It returns nil when `n` is the only
// node left, so a hand parked on it never points at itself after removal.
func (l *linkedList[V]) Following(n *linkedListNode[V]) *linkedListNode[V] {
	next := n.next
	if next == nil {
		next = l.head
	}
	if next == n {
		return nil
	}
	return next
}

// Remove unlinks `n` from the list.
func (l *linkedList[V]) Remove(n *linkedListNode[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else { // Node is the head.
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else { // Node is the tail.
		l.tail = n.prev
	}
	n.next = nil
	n.prev = nil
	l.size--
}

// PushBack adds a new value to the back of the list.
func (l *linkedList[V]) PushBack(v V) *linkedListNode[V] {
	n := &linkedListNode[V]{Value: v, prev: l.tail}
	if l.tail != nil {
		l.tail.next = n
	} else { // List was empty.
		l.head = n
	}
	l.tail = n
	l.size++
	return n
}

// Clear drops every node.
func (l *linkedList[V]) Clear() {
	l.head, l.tail, l.size = nil, nil, 0
}
