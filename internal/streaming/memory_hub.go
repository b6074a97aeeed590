package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultBuffer is the per-subscriber queue length. A seven-step run
// publishes sixteen events, so a few runs fit before anything is dropped.
const DefaultBuffer = 64

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
	ended  atomic.Bool
	once   sync.Once
}

// MemoryHub fans events out to subscribers over buffered channels. Publish
// never blocks: an event that does not fit a subscriber's queue is dropped
// for that subscriber and counted.
type MemoryHub struct {
	buffer int

	mu   sync.RWMutex
	subs map[*subscription]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

var _ EventHub = (*MemoryHub)(nil)

// NewMemoryHub creates a hub with DefaultBuffer queues.
func NewMemoryHub() *MemoryHub {
	return NewMemoryHubWithBuffer(DefaultBuffer)
}

// NewMemoryHubWithBuffer creates a hub whose subscribers queue up to buffer
// events. buffer <= 0 selects DefaultBuffer.
func NewMemoryHubWithBuffer(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryHub{buffer: buffer, subs: make(map[*subscription]struct{})}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.published.Add(1)

	var finished []*subscription
	h.mu.RLock()
	for sub := range h.subs {
		if sub.ended.Load() {
			continue
		}
		if sub.filter.Match(event) {
			select {
			case sub.ch <- event:
			default:
				h.dropped.Add(1)
			}
		}
		if sub.filter.ends(event) {
			sub.ended.Store(true)
			finished = append(finished, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range finished {
		h.remove(sub)
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if filter.UntilRunEnd && filter.RunID == "" {
		return nil, nil, schema.NewError(schema.ErrCodeInvariant, "a subscription that ends with its run needs a run id")
	}

	sub := &subscription{ch: make(chan StreamEvent, h.buffer), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(sub) }, nil
}

func (h *MemoryHub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{Subscribers: n, Published: h.published.Load(), Dropped: h.dropped.Load()}
}

// remove unregisters sub and closes its channel. Closing happens after the
// write lock is released, so no Publish can still be sending to it.
func (h *MemoryHub) remove(sub *subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.ch)
	})
}
