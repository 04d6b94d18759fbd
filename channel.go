package redis

import (
	"context"
	"fmt"
	"sync"
)

// PatternMessage is the payload delivered to a pattern-subscribed Channel:
// the concrete channel name a publish arrived on, plus the message body.
type PatternMessage struct {
	Channel []byte
	Payload []byte
}

// Channel is a consumer-facing inbound queue for one subscribed channel
// name or pattern. It is created on first SUBSCRIBE/PSUBSCRIBE of a name
// and deactivated on matching unsubscribe or Connection close; its
// lifetime as a readable object is tied to the longest holder.
//
// For a plain channel subscription, Get returns []byte payloads. For a
// pattern subscription, Get returns PatternMessage values.
type Channel struct {
	name      []byte
	isPattern bool

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []interface{}
	active bool
}

func newChannel(name []byte, isPattern bool) *Channel {
	c := &Channel{name: name, isPattern: isPattern, active: true}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Name returns the subscribed channel name or pattern.
func (c *Channel) Name() []byte { return c.name }

// IsPattern reports whether this Channel was created via PSUBSCRIBE.
func (c *Channel) IsPattern() bool { return c.isPattern }

// IsActive reports whether the subscription is still live. It flips to
// false on matching unsubscribe or Connection close; queued-but-undelivered
// messages remain available to Get until drained.
func (c *Channel) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// qsize reports the number of undelivered messages, for the repr below.
func (c *Channel) qsize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) String() string {
	return fmt.Sprintf("<Channel name:%q, is_pattern:%v, qsize:%d>", c.name, c.isPattern, c.qsize())
}

// push appends a message to the queue. It is called only from the owning
// Connection's reader goroutine, which is always the sole producer.
func (c *Channel) push(msg interface{}) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.cond.Signal()
	c.mu.Unlock()
}

// deactivate marks the Channel inactive and wakes any blocked Get calls so
// they can observe the empty-and-inactive condition.
func (c *Channel) deactivate() {
	c.mu.Lock()
	c.active = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Get awaits the next message. Messages are delivered in arrival order;
// with multiple concurrent Get callers each message still goes to exactly
// one of them. Once the Channel is deactivated and the queue has drained,
// Get returns ErrChannelClosed. Get also returns early if ctx is canceled.
func (c *Channel) Get(ctx context.Context) (interface{}, error) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 {
		if !c.active {
			return nil, ErrChannelClosed
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		c.cond.Wait()
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	return msg, nil
}
