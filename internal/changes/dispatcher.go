package changes

import (
	"context"
	"sync"
)

const defaultStreamBuffer = 16

// Dispatcher fans committed batches out to channel subscribers. Slow subscribers miss batches
// rather than block the writer.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	watchers    sync.WaitGroup
}

type subscriber struct {
	id     int64
	docIDs map[string]struct{}
	stream chan Batch
}

// NewDispatcher returns a dispatcher with the default per-subscriber buffer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe returns a stream of batches, restricted to docIDs when any are given. The
// subscription ends when ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, docIDs ...string) (<-chan Batch, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Batch, d.bufferSize),
	}
	if len(docIDs) > 0 {
		sub.docIDs = make(map[string]struct{}, len(docIDs))
		for _, docID := range docIDs {
			sub.docIDs[docID] = struct{}{}
		}
	}
	d.register(sub)
	stop := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(sub.id)
			close(stop)
		})
	}
	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-stop:
		}
	}()
	return sub.stream, cleanup
}

// Publish offers batch to every subscriber without blocking.
func (d *Dispatcher) Publish(batch Batch) {
	if len(batch.Changes) == 0 {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		filtered, ok := sub.filter(batch)
		if !ok {
			continue
		}
		select {
		case sub.stream <- filtered:
		default:
		}
	}
}

func (sub *subscriber) filter(batch Batch) (Batch, bool) {
	if sub.docIDs == nil {
		return batch, true
	}
	matching := make([]Change, 0, len(batch.Changes))
	for _, change := range batch.Changes {
		if _, ok := sub.docIDs[change.DocID]; ok {
			matching = append(matching, change)
		}
	}
	if len(matching) == 0 {
		return Batch{}, false
	}
	return newBatch(matching), true
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[sub.id] = sub
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	delete(d.subscribers, id)
	d.mu.Unlock()
}
