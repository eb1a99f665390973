package server

import "sync"

// outbox serializes one session's outbound writes through a single
// goroutine. Ordinary messages (replies, set_difficulty) always queue in
// full; mining.notify frames coalesce into a single pending slot once the
// queue backs up past a high-water mark, so a session that can't keep up
// falls behind on job freshness rather than growing its write buffer
// without bound.
type outbox struct {
	mu            sync.Mutex
	queue         [][]byte
	pendingNotify []byte
	signal        chan struct{}
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) enqueue(payload []byte, coalesce bool, highWaterMark int) {
	o.mu.Lock()
	if coalesce && len(o.queue) >= highWaterMark {
		o.pendingNotify = payload
	} else {
		o.queue = append(o.queue, payload)
	}
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// drain returns the queued messages in arrival order, followed by any
// coalesced notify. That notify is newer than every message queued before
// it, but messages queued after it are still returned ahead of it.
func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := o.queue
	o.queue = nil
	if o.pendingNotify != nil {
		out = append(out, o.pendingNotify)
		o.pendingNotify = nil
	}
	return out
}

func (o *outbox) depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.queue)
	if o.pendingNotify != nil {
		n++
	}
	return n
}
