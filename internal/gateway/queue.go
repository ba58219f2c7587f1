package gateway

// messageQueue is a bounded, priority-stable queue of inbound messages
// awaiting batch processing. Within a priority messages keep arrival
// order; higher priorities drain first. When full, the oldest message of
// the lowest occupied priority is evicted to make room.
//
// One queue per connection, used only from that connection's goroutines
// under the connection's lock.
type messageQueue struct {
	limit   int
	buckets [PriorityCritical + 1][]Message // critical never queues, slot kept for symmetry
	size    int
	dropped uint64
}

// defaultQueueLimit caps per-connection queues when configuration does
// not set one.
const defaultQueueLimit = 64

func newMessageQueue(limit int) *messageQueue {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &messageQueue{limit: limit}
}

// push enqueues a message, evicting when at capacity. The returned
// message is the evicted one, if any.
func (q *messageQueue) push(msg Message) (evicted *Message) {
	if q.size >= q.limit {
		evicted = q.evictLowest()
	}
	q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
	q.size++
	return evicted
}

// evictLowest drops the oldest message of the lowest occupied priority.
func (q *messageQueue) evictLowest() *Message {
	for p := PriorityLow; p <= PriorityCritical; p++ {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		victim := bucket[0]
		q.buckets[p] = bucket[1:]
		q.size--
		q.dropped++
		return &victim
	}
	return nil
}

// drain pops up to n messages, highest priority first, arrival order
// within each priority.
func (q *messageQueue) drain(n int) []Message {
	if n <= 0 || q.size == 0 {
		return nil
	}
	out := make([]Message, 0, min(n, q.size))
	for p := PriorityCritical; p >= PriorityLow && len(out) < n; p-- {
		bucket := q.buckets[p]
		take := min(n-len(out), len(bucket))
		out = append(out, bucket[:take]...)
		q.buckets[p] = bucket[take:]
		q.size -= take
	}
	return out
}

// depth returns the number of queued messages.
func (q *messageQueue) depth() int {
	return q.size
}

// droppedCount returns how many messages eviction has discarded.
func (q *messageQueue) droppedCount() uint64 {
	return q.dropped
}
