package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/revdb/internal/changes"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage/memstore"
)

type engineFactory struct {
	name string
	dsn  string
	open func() storage.Engine
}

func engineFactories() []engineFactory {
	return []engineFactory{
		{name: "memory", open: func() storage.Engine { return memstore.New() }},
		{name: "sqlite", dsn: "sqlite::memory:"},
	}
}

func newTestStore(testContext *testing.T, config Config) *Store {
	testContext.Helper()
	if config.Engine == nil && config.DSN == "" {
		config.Engine = memstore.New()
	}
	if config.BlobDir == "" {
		config.BlobDir = filepath.Join(testContext.TempDir(), "attachments")
	}
	store, err := Open(context.Background(), config)
	if err != nil {
		testContext.Fatalf("open store: %v", err)
	}
	testContext.Cleanup(func() { store.Close() })
	return store
}

func newStoreFor(testContext *testing.T, factory engineFactory, config Config) *Store {
	testContext.Helper()
	if factory.open != nil {
		config.Engine = factory.open()
	} else {
		config.DSN = factory.dsn
	}
	return newTestStore(testContext, config)
}

func mustPut(testContext *testing.T, store *Store, docID string, properties map[string]any, prevRevID string) *revision.Revision {
	testContext.Helper()
	rev, err := store.PutRevision(context.Background(), docID, properties, prevRevID, false)
	if err != nil {
		testContext.Fatalf("put %s on %q: %v", docID, prevRevID, err)
	}
	return rev
}

func mustGet(testContext *testing.T, store *Store, docID, revID string) *revision.Revision {
	testContext.Helper()
	rev, err := store.GetRevision(context.Background(), docID, revID, GetOptions{})
	if err != nil {
		testContext.Fatalf("get %s/%s: %v", docID, revID, err)
	}
	return rev
}

func expectKind(testContext *testing.T, err error, kind error) {
	testContext.Helper()
	if err == nil {
		testContext.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		testContext.Fatalf("expected %v, got %v", kind, err)
	}
}

func mustLastSequence(testContext *testing.T, store *Store) uint64 {
	testContext.Helper()
	sequence, err := store.LastSequence(context.Background())
	if err != nil {
		testContext.Fatalf("last sequence: %v", err)
	}
	return sequence
}

type batchRecorder struct {
	mu      sync.Mutex
	batches []changes.Batch
}

func recordBatches(testContext *testing.T, store *Store) *batchRecorder {
	testContext.Helper()
	recorder := &batchRecorder{}
	remove := store.AddChangeListener(func(batch changes.Batch) {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		recorder.batches = append(recorder.batches, batch)
	})
	testContext.Cleanup(remove)
	return recorder
}

func (recorder *batchRecorder) snapshot() []changes.Batch {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]changes.Batch(nil), recorder.batches...)
}

func statusMessage(err error) string {
	var coded *status.Error
	if !errors.As(err, &coded) {
		return ""
	}
	return coded.Message()
}
