package redis

import "sync"

// Encoding names a text decoding applied to bulk/simple strings in a
// reply. The zero value (empty string) means "no decoding" — the caller
// gets raw bytes.
type Encoding string

// UTF8 decodes bulk/simple strings as UTF-8 text.
const UTF8 Encoding = "utf-8"

// waiter is a one-shot sink for a single in-flight command's reply. It is
// resolved by the reader goroutine in enqueue order, which is the
// pipelining invariant.
type waiter struct {
	ch     chan waiterResult
	decode Encoding
	pubsub bool // true for SUBSCRIBE/UNSUBSCRIBE/PSUBSCRIBE/PUNSUBSCRIBE
}

type waiterResult struct {
	value Value
	err   error
}

func newWaiter(decode Encoding, pubsub bool) *waiter {
	return &waiter{ch: make(chan waiterResult, 1), decode: decode, pubsub: pubsub}
}

func (w *waiter) resolve(v Value, err error) {
	w.ch <- waiterResult{value: v, err: err}
}

// waiterQueue is a FIFO enqueued by callers holding the Connection's write
// lock (so enqueue order matches wire send order) and dequeued solely by
// the reader goroutine. A mutex guards the slice itself since, unlike the
// single-threaded event loop this design generalizes, Go callers and the
// reader goroutine run concurrently.
type waiterQueue struct {
	mu    sync.Mutex
	items []*waiter
}

func (q *waiterQueue) push(w *waiter) {
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()
}

func (q *waiterQueue) pop() (*waiter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return w, true
}

func (q *waiterQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *waiterQueue) drain() []*waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
