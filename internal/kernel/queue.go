package kernel

// priorityQueue holds pending messages in four FIFO buckets, one per
// priority level. Not safe for concurrent use; the bus serializes access.
type priorityQueue struct {
	buckets [4][]*Message
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

// Enqueue appends to the bucket for the message's priority
func (q *priorityQueue) Enqueue(m *Message) {
	q.buckets[m.Priority] = append(q.buckets[m.Priority], m)
}

// DequeueAll empties the queue, returning URGENT, HIGH, NORMAL, LOW in
// that order with FIFO preserved within each level
func (q *priorityQueue) DequeueAll() []*Message {
	out := make([]*Message, 0, q.Size())
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		out = append(out, q.buckets[p]...)
		q.buckets[p] = nil
	}
	return out
}

// Size returns the total number of queued messages
func (q *priorityQueue) Size() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

// SizeAt returns the number of messages at one priority level
func (q *priorityQueue) SizeAt(p Priority) int {
	if !p.Valid() {
		return 0
	}
	return len(q.buckets[p])
}

// Peek returns the next message DequeueAll would yield without removing it
func (q *priorityQueue) Peek() *Message {
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		if len(q.buckets[p]) > 0 {
			return q.buckets[p][0]
		}
	}
	return nil
}

// Clear drops all queued messages
func (q *priorityQueue) Clear() {
	for p := range q.buckets {
		q.buckets[p] = nil
	}
}

// drainInto moves everything from q into dst preserving priority and FIFO
// order. Used by the bus to promote staged messages at tick boundaries.
func (q *priorityQueue) drainInto(dst *priorityQueue) {
	for p := range q.buckets {
		dst.buckets[p] = append(dst.buckets[p], q.buckets[p]...)
		q.buckets[p] = nil
	}
}
