package tunnel

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull reports a saturated outbound channel (slow consumer);
	// the caller treats the push as a failed attempt and retries later.
	ErrQueueFull = errors.New("tunnel: outbound queue full")
	// ErrNoAgent reports that no live connection serves the subscriber.
	ErrNoAgent = errors.New("tunnel: no agent connected")
)

// Conn is one live agent connection. The outbound channel is bounded; the
// socket writer goroutine drains it.
type Conn struct {
	ID           string
	SubscriberID string
	ConnectedAt  time.Time

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeReason string
}

func NewConn(id, subscriberID string, queueCapacity int) *Conn {
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	return &Conn{
		ID:           id,
		SubscriberID: subscriberID,
		ConnectedAt:  time.Now().UTC(),
		send:         make(chan Message, queueCapacity),
		done:         make(chan struct{}),
	}
}

// Enqueue hands a message to the connection's writer without blocking.
func (c *Conn) Enqueue(msg Message) error {
	select {
	case <-c.done:
		return ErrNoAgent
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrNoAgent
	default:
		return ErrQueueFull
	}
}

// Close marks the connection closed; only the first reason sticks.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Outbound is consumed by the socket writer goroutine only.
func (c *Conn) Outbound() <-chan Message { return c.send }

// Registry maps subscriber ids to their live connection. Lookups are the
// worker hot path and take the read lock; register/unregister take the
// write lock only long enough to mutate the map.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Conn)}
}

// Register installs the connection and returns any prior connection for
// the same subscriber, which the caller must close with a displacement
// reason.
func (r *Registry) Register(conn *Conn) (displaced *Conn) {
	r.mu.Lock()
	displaced = r.agents[conn.SubscriberID]
	r.agents[conn.SubscriberID] = conn
	r.mu.Unlock()
	if displaced == conn {
		return nil
	}
	return displaced
}

// Unregister removes the entry only if it still points at conn, so a
// teardown never clobbers a replacement connection.
func (r *Registry) Unregister(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.agents[conn.SubscriberID]; ok && current == conn {
		delete(r.agents, conn.SubscriberID)
		return true
	}
	return false
}

func (r *Registry) Lookup(subscriberID string) (*Conn, bool) {
	r.mu.RLock()
	conn, ok := r.agents[subscriberID]
	r.mu.RUnlock()
	return conn, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
