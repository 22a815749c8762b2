package changes

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives committed batches. It runs on the goroutine that flushes and may write to the
// store again.
type Listener func(batch Batch)

// Tracker is told about revision pointers: tentatively while the transaction is open, for real
// after commit, and to forget after a rollback.
type Tracker interface {
	RevisionAdded(change Change, committed bool)
	ForgetCurrentRevision(docID string)
}

// NotifierConfig configures NewNotifier.
type NotifierConfig struct {
	Tracker    Tracker
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// Notifier collects changes recorded inside a transaction. Commit and Rollback must be called by
// the owner of the transaction; Flush delivers committed batches and is safe to call from any
// goroutine, including from a listener.
type Notifier struct {
	tracker    Tracker
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu        sync.Mutex
	pending   []Change
	ready     []Change
	posting   bool
	listeners map[int64]Listener
	nextID    int64
}

// NewNotifier builds a notifier.
func NewNotifier(config NotifierConfig) *Notifier {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		tracker:    config.Tracker,
		dispatcher: config.Dispatcher,
		logger:     logger,
		listeners:  make(map[int64]Listener),
	}
}

// AddListener registers listener and returns a function that removes it.
func (notifier *Notifier) AddListener(listener Listener) func() {
	notifier.mu.Lock()
	notifier.nextID++
	id := notifier.nextID
	notifier.listeners[id] = listener
	notifier.mu.Unlock()
	return func() {
		notifier.mu.Lock()
		delete(notifier.listeners, id)
		notifier.mu.Unlock()
	}
}

// Record queues a change made inside the open transaction and gives the tracker a tentative update.
func (notifier *Notifier) Record(change Change) {
	notifier.mu.Lock()
	notifier.pending = append(notifier.pending, change)
	notifier.mu.Unlock()
	if notifier.tracker != nil {
		notifier.tracker.RevisionAdded(change, false)
	}
}

// Commit moves the changes of the finished transaction to the delivery queue.
func (notifier *Notifier) Commit() {
	notifier.mu.Lock()
	notifier.ready = append(notifier.ready, notifier.pending...)
	notifier.pending = nil
	notifier.mu.Unlock()
}

// Rollback drops the changes of the aborted transaction and reverts tentative tracker updates.
func (notifier *Notifier) Rollback() {
	notifier.mu.Lock()
	discarded := notifier.pending
	notifier.pending = nil
	notifier.mu.Unlock()
	if len(discarded) == 0 {
		return
	}
	notifier.logger.Debug("discarding changes of rolled back transaction", zap.Int("changes", len(discarded)))
	if notifier.tracker == nil {
		return
	}
	for _, change := range discarded {
		notifier.tracker.ForgetCurrentRevision(change.DocID)
	}
}

// Pending reports how many changes are waiting for the open transaction.
func (notifier *Notifier) Pending() int {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	return len(notifier.pending)
}

// Flush delivers every committed change. A call made while another flush is running returns at
// once; the running flush keeps draining until the queue stays empty.
func (notifier *Notifier) Flush() {
	notifier.mu.Lock()
	if notifier.posting {
		notifier.mu.Unlock()
		return
	}
	notifier.posting = true
	for len(notifier.ready) > 0 {
		batch := newBatch(notifier.ready)
		notifier.ready = nil
		listeners := make([]Listener, 0, len(notifier.listeners))
		for _, listener := range notifier.listeners {
			listeners = append(listeners, listener)
		}
		notifier.mu.Unlock()

		notifier.deliver(batch, listeners)

		notifier.mu.Lock()
	}
	notifier.posting = false
	notifier.mu.Unlock()
}

func (notifier *Notifier) deliver(batch Batch, listeners []Listener) {
	if notifier.tracker != nil {
		for _, change := range batch.Changes {
			notifier.tracker.RevisionAdded(change, true)
		}
	}
	notifier.logger.Debug("posting change batch",
		zap.Int("changes", len(batch.Changes)),
		zap.Bool("external", batch.IsExternal))
	for _, listener := range listeners {
		notifier.invoke(listener, batch)
	}
	if notifier.dispatcher != nil {
		notifier.dispatcher.Publish(batch)
	}
}

func (notifier *Notifier) invoke(listener Listener, batch Batch) {
	defer func() {
		if recovered := recover(); recovered != nil {
			notifier.logger.Error("change listener panicked", zap.Any("panic", recovered))
		}
	}()
	listener(batch)
}
