// Package storagetest holds the behavioural checks every storage engine must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
)

// Factory opens a fresh, empty engine for one subtest.
type Factory func(testContext *testing.T) storage.Engine

// Run exercises engine semantics shared by all implementations.
func Run(testContext *testing.T, open Factory) {
	testContext.Run("InsertTracksCurrentAndSequence", func(testContext *testing.T) {
		testInsertTracksCurrentAndSequence(testContext, open(testContext))
	})
	testContext.Run("PlaceholderIsReplaced", func(testContext *testing.T) {
		testPlaceholderIsReplaced(testContext, open(testContext))
	})
	testContext.Run("RollbackDiscardsWrites", func(testContext *testing.T) {
		testRollbackDiscardsWrites(testContext, open(testContext))
	})
	testContext.Run("NestedTransactionsJoin", func(testContext *testing.T) {
		testNestedTransactionsJoin(testContext, open(testContext))
	})
	testContext.Run("PruneAndCompact", func(testContext *testing.T) {
		testPruneAndCompact(testContext, open(testContext))
	})
	testContext.Run("ChangesSince", func(testContext *testing.T) {
		testChangesSince(testContext, open(testContext))
	})
	testContext.Run("InfoAndDepth", func(testContext *testing.T) {
		testInfoAndDepth(testContext, open(testContext))
	})
	testContext.Run("AttachmentDigests", func(testContext *testing.T) {
		testAttachmentDigests(testContext, open(testContext))
	})
}

func testInsertTracksCurrentAndSequence(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	root := mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "1-a", Body: []byte(`{"n":1}`)})
	child := mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "2-b", ParentRevID: "1-a", Body: []byte(`{"n":2}`)})
	mustUpdateDocument(testContext, engine, storage.DocumentRow{DocID: "doc", WinningRevID: "2-b"})

	if child.Sequence <= root.Sequence {
		testContext.Fatalf("expected increasing sequences, got %d then %d", root.Sequence, child.Sequence)
	}
	if !child.Current {
		testContext.Fatalf("expected new leaf to be current")
	}

	storedRoot, err := engine.GetRevision(ctx, "doc", "1-a", true)
	if err != nil {
		testContext.Fatalf("get root: %v", err)
	}
	if storedRoot.Current {
		testContext.Fatalf("expected parent to lose current flag")
	}
	if string(storedRoot.Body) != `{"n":1}` {
		testContext.Fatalf("unexpected body %s", storedRoot.Body)
	}

	winner, err := engine.GetRevision(ctx, "doc", "", false)
	if err != nil {
		testContext.Fatalf("get winner: %v", err)
	}
	if winner.RevID != "2-b" || winner.Body != nil {
		testContext.Fatalf("unexpected winner %+v", winner)
	}

	rows, err := engine.LoadRevisions(ctx, "doc")
	if err != nil {
		testContext.Fatalf("load revisions: %v", err)
	}
	if len(rows) != 2 || rows[0].RevID != "1-a" || rows[1].ParentRevID != "1-a" {
		testContext.Fatalf("unexpected rows %+v", rows)
	}

	if _, err := engine.GetRevision(ctx, "doc", "9-z", false); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
	if _, err := engine.GetDocument(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected not found for missing document, got %v", err)
	}
	duplicate := storage.RevisionRow{DocID: "doc", RevID: "1-a"}
	if _, err := engine.RunInTransaction(ctx, func(txCtx context.Context) error {
		return engine.InsertRevision(txCtx, &duplicate)
	}); !errors.Is(err, storage.ErrDuplicateRevision) {
		testContext.Fatalf("expected duplicate revision error, got %v", err)
	}

	last, err := engine.LastSequence(ctx)
	if err != nil {
		testContext.Fatalf("last sequence: %v", err)
	}
	if last != child.Sequence {
		testContext.Fatalf("expected last sequence %d, got %d", child.Sequence, last)
	}
	count, err := engine.DocumentCount(ctx)
	if err != nil || count != 1 {
		testContext.Fatalf("expected one document, got %d, %v", count, err)
	}
}

func testPlaceholderIsReplaced(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "1-a", Missing: true})
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "2-b", ParentRevID: "1-a"})
	filled := mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "1-a", Body: []byte(`{}`)})
	if filled.Current {
		testContext.Fatalf("expected filled placeholder with a child not to be current")
	}
	stored, err := engine.GetRevision(ctx, "doc", "1-a", true)
	if err != nil {
		testContext.Fatalf("get filled placeholder: %v", err)
	}
	if stored.Missing || string(stored.Body) != `{}` {
		testContext.Fatalf("unexpected filled placeholder %+v", stored)
	}
}

func testRollbackDiscardsWrites(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "keep", RevID: "1-a"})
	before, err := engine.LastSequence(ctx)
	if err != nil {
		testContext.Fatalf("last sequence: %v", err)
	}

	failure := errors.New("validation failed")
	committed, err := engine.RunInTransaction(ctx, func(txCtx context.Context) error {
		row := storage.RevisionRow{DocID: "drop", RevID: "1-x"}
		if err := engine.InsertRevision(txCtx, &row); err != nil {
			return err
		}
		if err := engine.UpdateDocument(txCtx, storage.DocumentRow{DocID: "drop", WinningRevID: "1-x"}); err != nil {
			return err
		}
		if err := engine.SetInfo(txCtx, "scratch", "value"); err != nil {
			return err
		}
		return failure
	})
	if committed || !errors.Is(err, failure) {
		testContext.Fatalf("expected rollback with original error, got %v, %v", committed, err)
	}

	if _, err := engine.GetRevision(ctx, "drop", "1-x", false); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected rolled back revision to be gone, got %v", err)
	}
	if _, err := engine.GetDocument(ctx, "drop"); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected rolled back document to be gone, got %v", err)
	}
	if _, err := engine.GetInfo(ctx, "scratch"); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected rolled back info to be gone, got %v", err)
	}
	after, err := engine.LastSequence(ctx)
	if err != nil || after != before {
		testContext.Fatalf("expected sequence %d after rollback, got %d, %v", before, after, err)
	}
}

func testNestedTransactionsJoin(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	failure := errors.New("outer failure")
	_, err := engine.RunInTransaction(ctx, func(outer context.Context) error {
		if !engine.InTransaction(outer) {
			testContext.Fatalf("expected outer context to carry a transaction")
		}
		committed, err := engine.RunInTransaction(outer, func(inner context.Context) error {
			row := storage.RevisionRow{DocID: "nested", RevID: "1-a"}
			return engine.InsertRevision(inner, &row)
		})
		if err != nil || !committed {
			testContext.Fatalf("inner transaction failed: %v", err)
		}
		if _, err := engine.GetRevision(outer, "nested", "1-a", false); err != nil {
			testContext.Fatalf("expected inner write to be visible in outer transaction: %v", err)
		}
		return failure
	})
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected outer failure, got %v", err)
	}
	if engine.InTransaction(ctx) {
		testContext.Fatalf("background context must not carry a transaction")
	}
	if _, err := engine.GetRevision(ctx, "nested", "1-a", false); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected inner write to roll back with outer, got %v", err)
	}
}

func testPruneAndCompact(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "1-a", Body: []byte(`{"g":1}`)})
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "2-b", ParentRevID: "1-a", Body: []byte(`{"g":2}`)})
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "doc", RevID: "3-c", ParentRevID: "2-b", Body: []byte(`{"g":3}`)})

	var removed int
	_, err := engine.RunInTransaction(ctx, func(txCtx context.Context) error {
		var pruneErr error
		removed, pruneErr = engine.PruneRevisions(txCtx, "doc", []string{"1-a"}, []string{"2-b"})
		return pruneErr
	})
	if err != nil || removed != 1 {
		testContext.Fatalf("expected one pruned revision, got %d, %v", removed, err)
	}
	detached, err := engine.GetRevision(ctx, "doc", "2-b", false)
	if err != nil {
		testContext.Fatalf("get detached: %v", err)
	}
	if detached.ParentRevID != "" {
		testContext.Fatalf("expected parent link to be cleared, got %q", detached.ParentRevID)
	}

	var compacted int
	_, err = engine.RunInTransaction(ctx, func(txCtx context.Context) error {
		var compactErr error
		compacted, compactErr = engine.CompactBodies(txCtx)
		return compactErr
	})
	if err != nil || compacted != 1 {
		testContext.Fatalf("expected one compacted body, got %d, %v", compacted, err)
	}
	compactedRow, err := engine.GetRevision(ctx, "doc", "2-b", true)
	if err != nil || compactedRow.Body != nil {
		testContext.Fatalf("expected non-leaf body to be dropped, got %+v, %v", compactedRow, err)
	}
	leaf, err := engine.GetRevision(ctx, "doc", "3-c", true)
	if err != nil || string(leaf.Body) != `{"g":3}` {
		testContext.Fatalf("expected leaf body to survive, got %+v, %v", leaf, err)
	}
}

func testChangesSince(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "a", RevID: "1-a", Body: []byte(`{"doc":"a"}`)})
	mustUpdateDocument(testContext, engine, storage.DocumentRow{DocID: "a", WinningRevID: "1-a"})
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "b", RevID: "1-b", Body: []byte(`{"doc":"b"}`)})
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "b", RevID: "2-y", ParentRevID: "1-b"})
	mustInsert(testContext, engine, storage.RevisionRow{DocID: "b", RevID: "2-x", ParentRevID: "1-b"})
	mustUpdateDocument(testContext, engine, storage.DocumentRow{DocID: "b", WinningRevID: "2-y", Conflicted: true})

	changes, err := engine.ChangesSince(ctx, 0, storage.ChangesOptions{}, nil)
	if err != nil {
		testContext.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 || changes[0].DocID != "a" || changes[1].RevID != "2-y" {
		testContext.Fatalf("unexpected winner changes %+v", changes)
	}
	if changes[1].Sequence != 4 {
		testContext.Fatalf("expected document change at its latest sequence 4, got %d", changes[1].Sequence)
	}
	if changes[0].Body != nil {
		testContext.Fatalf("expected no bodies without IncludeDocs")
	}

	conflicts, err := engine.ChangesSince(ctx, 1, storage.ChangesOptions{IncludeConflicts: true, IncludeDocs: true}, nil)
	if err != nil {
		testContext.Fatalf("changes with conflicts: %v", err)
	}
	if len(conflicts) != 2 || conflicts[0].RevID != "2-y" || conflicts[1].RevID != "2-x" {
		testContext.Fatalf("unexpected conflict changes %+v", conflicts)
	}

	limited, err := engine.ChangesSince(ctx, 0, storage.ChangesOptions{Limit: 1}, nil)
	if err != nil || len(limited) != 1 {
		testContext.Fatalf("expected one limited change, got %+v, %v", limited, err)
	}

	filtered, err := engine.ChangesSince(ctx, 0, storage.ChangesOptions{}, func(row storage.RevisionRow) bool {
		return row.DocID == "b"
	})
	if err != nil || len(filtered) != 1 || filtered[0].DocID != "b" {
		testContext.Fatalf("unexpected filtered changes %+v, %v", filtered, err)
	}

	ids, err := engine.DocumentIDs(ctx)
	if err != nil || len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		testContext.Fatalf("unexpected document ids %v, %v", ids, err)
	}
}

func testInfoAndDepth(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	if _, err := engine.GetInfo(ctx, "checkpoint/x"); !errors.Is(err, storage.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
	if err := engine.SetInfo(ctx, "checkpoint/x", "12"); err != nil {
		testContext.Fatalf("set info: %v", err)
	}
	if err := engine.SetInfo(ctx, "checkpoint/x", "13"); err != nil {
		testContext.Fatalf("overwrite info: %v", err)
	}
	if value, err := engine.GetInfo(ctx, "checkpoint/x"); err != nil || value != "13" {
		testContext.Fatalf("unexpected info %q, %v", value, err)
	}

	depth, err := engine.MaxRevTreeDepth(ctx)
	if err != nil || depth != storage.DefaultMaxRevTreeDepth {
		testContext.Fatalf("expected default depth, got %d, %v", depth, err)
	}
	if err := engine.SetMaxRevTreeDepth(ctx, 5); err != nil {
		testContext.Fatalf("set depth: %v", err)
	}
	if depth, err := engine.MaxRevTreeDepth(ctx); err != nil || depth != 5 {
		testContext.Fatalf("expected depth 5, got %d, %v", depth, err)
	}
}

func testAttachmentDigests(testContext *testing.T, engine storage.Engine) {
	ctx := context.Background()
	mustInsert(testContext, engine, storage.RevisionRow{
		DocID: "doc", RevID: "1-a",
		Body: []byte(`{"_attachments":{"a.txt":{"digest":"sha256-one","stub":true},"b.txt":{"digest":"sha256-two","stub":true}}}`),
	})
	mustInsert(testContext, engine, storage.RevisionRow{
		DocID: "other", RevID: "1-a",
		Body: []byte(`{"_attachments":{"c.txt":{"digest":"sha256-one","stub":true}}}`),
	})
	digests, err := engine.FindAllAttachmentDigests(ctx)
	if err != nil {
		testContext.Fatalf("find digests: %v", err)
	}
	if len(digests) != 2 {
		testContext.Fatalf("expected 2 distinct digests, got %v", digests)
	}
	for _, digest := range []string{"sha256-one", "sha256-two"} {
		if _, ok := digests[digest]; !ok {
			testContext.Fatalf("expected digest %s", digest)
		}
	}
}

func mustInsert(testContext *testing.T, engine storage.Engine, row storage.RevisionRow) storage.RevisionRow {
	testContext.Helper()
	_, err := engine.RunInTransaction(context.Background(), func(txCtx context.Context) error {
		return engine.InsertRevision(txCtx, &row)
	})
	if err != nil {
		testContext.Fatalf("insert %s/%s: %v", row.DocID, row.RevID, err)
	}
	return row
}

func mustUpdateDocument(testContext *testing.T, engine storage.Engine, document storage.DocumentRow) {
	testContext.Helper()
	_, err := engine.RunInTransaction(context.Background(), func(txCtx context.Context) error {
		return engine.UpdateDocument(txCtx, document)
	})
	if err != nil {
		testContext.Fatalf("update document %s: %v", document.DocID, err)
	}
}
