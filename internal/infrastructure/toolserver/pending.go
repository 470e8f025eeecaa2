package toolserver

import "sync"

// correlator matches responses to in-flight requests by id. Both transports
// share it: register before writing the request, then wait on the returned
// channel.
type correlator struct {
	mu      sync.Mutex
	pending map[int64]chan *Response
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]chan *Response)}
}

// register reserves an id and returns the channel its response will arrive
// on. Returns false if the id is already in flight.
func (c *correlator) register(id int64) (chan *Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, false
	}
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	return ch, true
}

// drop abandons an in-flight id, typically after a context cancellation.
func (c *correlator) drop(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolve delivers a response to its waiter. Returns false if the id is
// unknown, which the caller treats as a protocol violation.
func (c *correlator) resolve(id int64, resp *Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// failAll drains every waiter; each sees a closed channel and reports the
// transport's stored failure.
func (c *correlator) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
