package realtime

import (
	"sync"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	v1 "github.com/flexerosint/flexer-osint/shared/contracts/realtime/v1"
)

// Client represents one connected websocket.
//
// Send is never closed: subscription callbacks may still be running when the connection
// shuts down, so writers select on Done instead.
type Client struct {
	ConnectionID string
	Principal    docstore.Principal
	Send         chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]docstore.Subscription
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		done:         make(chan struct{}),
		subs:         make(map[string]docstore.Subscription),
	}
}

// Authenticated reports whether hello (or the handshake token) has bound a principal.
func (c *Client) Authenticated() bool {
	return c.Principal.SubjectID != ""
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop and releases every subscription (idempotent).
// It returns how many live subscriptions were released.
func (c *Client) Close() int {
	if c == nil {
		return 0
	}
	n := 0
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]docstore.Subscription)
		c.mu.Unlock()
		for _, s := range subs {
			if s != nil {
				s.Unsubscribe()
				n++
			}
		}
	})
	return n
}

// reserve records a placeholder for subID; false when the id is taken or the cap is reached.
func (c *Client) reserve(subID string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.subs[subID]; taken {
		return false
	}
	if max > 0 && len(c.subs) >= max {
		return false
	}
	c.subs[subID] = nil
	return true
}

// bind attaches a live subscription to a reserved id. It returns false (and the caller must
// unsubscribe) if the id was released meanwhile.
func (c *Client) bind(subID string, sub docstore.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.subs[subID]
	if !ok || cur != nil {
		return false
	}
	c.subs[subID] = sub
	return true
}

// release removes subID and returns its subscription (nil when it was only reserved).
func (c *Client) release(subID string) (docstore.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	return sub, ok
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
