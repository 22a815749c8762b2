package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/revdb/internal/changes"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

func TestPanickingTransactionReleasesWriteLock(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			recorder := recordBatches(testContext, store)
			ctx := context.Background()

			recovered := func() (value any) {
				defer func() { value = recover() }()
				_, _ = store.RunInTransaction(ctx, func(ctx context.Context) error {
					if _, err := store.PutRevision(ctx, "lost", map[string]any{"n": 1}, "", false); err != nil {
						return err
					}
					panic("boom")
				})
				return nil
			}()
			if recovered != "boom" {
				testContext.Fatalf("expected the panic to propagate, got %v", recovered)
			}

			done := make(chan error, 1)
			go func() {
				_, err := store.PutRevision(ctx, "after", map[string]any{"n": 2}, "", false)
				done <- err
			}()
			select {
			case err := <-done:
				if err != nil {
					testContext.Fatalf("put after panic: %v", err)
				}
			case <-time.After(2 * time.Second):
				testContext.Fatalf("write lock still held after a panicking transaction")
			}

			_, err := store.GetRevision(ctx, "lost", "", GetOptions{})
			expectKind(testContext, err, status.ErrNotFound)
			batches := recorder.snapshot()
			if len(batches) != 1 {
				testContext.Fatalf("expected only the later batch, got %d", len(batches))
			}
			if docIDs := batches[0].DocIDs(); len(docIDs) != 1 || docIDs[0] != "after" {
				testContext.Fatalf("unexpected batch %+v", batches[0])
			}
		})
	}
}

func TestTransactionDeliversOneBatch(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			recorder := recordBatches(testContext, store)
			ctx := context.Background()

			committed, err := store.RunInTransaction(ctx, func(ctx context.Context) error {
				if _, err := store.PutRevision(ctx, "a", map[string]any{"n": 1}, "", false); err != nil {
					return err
				}
				if _, err := store.PutRevision(ctx, "b", map[string]any{"n": 2}, "", false); err != nil {
					return err
				}
				if !store.InTransaction(ctx) {
					testContext.Errorf("expected transaction scope inside fn")
				}
				if got := len(recorder.snapshot()); got != 0 {
					testContext.Errorf("expected no delivery while the transaction is open, got %d", got)
				}
				return nil
			})
			if err != nil || !committed {
				testContext.Fatalf("transaction: committed=%v err=%v", committed, err)
			}

			batches := recorder.snapshot()
			if len(batches) != 1 {
				testContext.Fatalf("expected one batch, got %d", len(batches))
			}
			docIDs := batches[0].DocIDs()
			if len(docIDs) != 2 || docIDs[0] != "a" || docIDs[1] != "b" {
				testContext.Fatalf("unexpected batch %+v", batches[0])
			}
			if batches[0].IsExternal {
				testContext.Fatalf("expected local batch")
			}
		})
	}
}

func TestRolledBackTransactionDeliversNothing(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			recorder := recordBatches(testContext, store)
			ctx := context.Background()
			errAbort := errors.New("abort")

			committed, err := store.RunInTransaction(ctx, func(ctx context.Context) error {
				if _, err := store.PutRevision(ctx, "a", map[string]any{"n": 1}, "", false); err != nil {
					return err
				}
				return errAbort
			})
			if committed || !errors.Is(err, errAbort) {
				testContext.Fatalf("expected rollback, got committed=%v err=%v", committed, err)
			}
			if got := len(recorder.snapshot()); got != 0 {
				testContext.Fatalf("expected no batches, got %d", got)
			}
			_, err = store.GetRevision(ctx, "a", "", GetOptions{})
			expectKind(testContext, err, status.ErrNotFound)
		})
	}
}

func TestListenerWritesAreDeliveredAfterTheirTrigger(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	recorder := recordBatches(testContext, store)
	store.AddChangeListener(func(batch changes.Batch) {
		for _, change := range batch.Changes {
			if change.DocID != "trigger" {
				continue
			}
			if _, err := store.PutRevision(context.Background(), "audit", map[string]any{"saw": change.RevID}, "", false); err != nil {
				testContext.Errorf("listener write: %v", err)
			}
		}
	})

	trigger := mustPut(testContext, store, "trigger", map[string]any{"n": 1}, "")

	batches := recorder.snapshot()
	if len(batches) != 2 {
		testContext.Fatalf("expected trigger and audit batches, got %d", len(batches))
	}
	if batches[0].Changes[0].DocID != "trigger" || batches[1].Changes[0].DocID != "audit" {
		testContext.Fatalf("unexpected batch order %+v", batches)
	}
	audit := mustGet(testContext, store, "audit", "")
	if audit.Body["saw"] != trigger.ID.String() {
		testContext.Fatalf("unexpected audit body %v", audit.Body)
	}
}

func TestChangeCarriesConflictState(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	recorder := recordBatches(testContext, store)
	ctx := context.Background()

	root := mustPut(testContext, store, "doc", map[string]any{"n": 0}, "")
	mustPut(testContext, store, "doc", map[string]any{"n": 1}, root.ID.String())
	branch, err := store.PutRevision(ctx, "doc", map[string]any{"n": 2}, root.ID.String(), true)
	if err != nil {
		testContext.Fatalf("branch: %v", err)
	}

	batches := recorder.snapshot()
	last := batches[len(batches)-1].Changes[0]
	if !last.IsConflict || last.RevID != branch.ID.String() || last.Sequence != branch.Sequence {
		testContext.Fatalf("unexpected change %+v", last)
	}
	if batches[0].Changes[0].IsConflict {
		testContext.Fatalf("expected first change without conflict")
	}
}

func TestSubscribeChangesStreamsBatches(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := store.SubscribeChanges(ctx, "watched")
	defer cleanup()

	mustPut(testContext, store, "ignored", map[string]any{"n": 1}, "")
	watched := mustPut(testContext, store, "watched", map[string]any{"n": 1}, "")

	select {
	case batch := <-stream:
		if len(batch.Changes) != 1 || batch.Changes[0].RevID != watched.ID.String() {
			testContext.Fatalf("unexpected batch %+v", batch)
		}
	case <-time.After(time.Second):
		testContext.Fatalf("expected a batch for the watched document")
	}
}

func TestChangesSince(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			ctx := context.Background()

			a1 := mustPut(testContext, store, "a", map[string]any{"kind": "x"}, "")
			b1 := mustPut(testContext, store, "b", map[string]any{"kind": "y"}, "")
			a2 := mustPut(testContext, store, "a", map[string]any{"kind": "x", "v": 2}, a1.ID.String())

			all, err := store.ChangesSince(ctx, 0, ChangesOptions{})
			if err != nil {
				testContext.Fatalf("changes: %v", err)
			}
			if len(all) != 2 || all[0].ID != b1.ID || all[1].ID != a2.ID {
				testContext.Fatalf("unexpected changes %v", all)
			}
			if all[0].Body != nil {
				testContext.Fatalf("expected bodies to be omitted")
			}

			since, err := store.ChangesSince(ctx, b1.Sequence, ChangesOptions{IncludeDocs: true})
			if err != nil || len(since) != 1 || since[0].Body["v"] == nil {
				testContext.Fatalf("unexpected changes since %d: %v %v", b1.Sequence, since, err)
			}

			store.Registry().SetFilter("by-kind", func(rev *revision.Revision, params map[string]any) bool {
				return rev.Body["kind"] == params["kind"]
			})
			filtered, err := store.ChangesSince(ctx, 0, ChangesOptions{FilterName: "by-kind", FilterParams: map[string]any{"kind": "y"}})
			if err != nil || len(filtered) != 1 || filtered[0].DocID != "b" || filtered[0].Body != nil {
				testContext.Fatalf("unexpected filtered changes %v %v", filtered, err)
			}

			limited, err := store.ChangesSince(ctx, 0, ChangesOptions{Limit: 1})
			if err != nil || len(limited) != 1 {
				testContext.Fatalf("unexpected limited changes %v %v", limited, err)
			}

			_, err = store.ChangesSince(ctx, 0, ChangesOptions{FilterName: "missing"})
			expectKind(testContext, err, status.ErrNotFound)
		})
	}
}
