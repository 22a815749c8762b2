package docstore

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/revdb/internal/attachments"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

func TestPutRevisionBuildsConflictingBranches(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			ctx := context.Background()

			first := mustPut(testContext, store, "doc", map[string]any{"title": "one"}, "")
			if first.Generation() != 1 || first.Sequence == 0 {
				testContext.Fatalf("unexpected first revision %+v", first)
			}
			second := mustPut(testContext, store, "doc", map[string]any{"title": "two"}, first.ID.String())
			if second.Generation() != 2 || second.ParentID != first.ID {
				testContext.Fatalf("unexpected second revision %+v", second)
			}
			if winner := mustGet(testContext, store, "doc", ""); winner.ID != second.ID {
				testContext.Fatalf("expected %s to win, got %s", second.ID, winner.ID)
			}

			_, err := store.PutRevision(ctx, "doc", map[string]any{"title": "branch"}, first.ID.String(), false)
			expectKind(testContext, err, status.ErrConflict)

			branch, err := store.PutRevision(ctx, "doc", map[string]any{"title": "branch"}, first.ID.String(), true)
			if err != nil {
				testContext.Fatalf("conflicting put: %v", err)
			}
			if branch.Generation() != 2 {
				testContext.Fatalf("expected generation 2, got %d", branch.Generation())
			}
			conflicted, err := store.IsConflicted(ctx, "doc")
			if err != nil || !conflicted {
				testContext.Fatalf("expected conflicted document, got %v %v", conflicted, err)
			}

			expected := second.ID
			if revision.Compare(branch.ID, second.ID) > 0 {
				expected = branch.ID
			}
			if winner := mustGet(testContext, store, "doc", ""); winner.ID != expected {
				testContext.Fatalf("expected digest tie-break winner %s, got %s", expected, winner.ID)
			}
			leaves, err := store.Leaves(ctx, "doc")
			if err != nil || len(leaves) != 2 || leaves[0].ID != expected {
				testContext.Fatalf("unexpected leaves %v %v", leaves, err)
			}
			conflicts, err := store.Conflicts(ctx, "doc")
			if err != nil || len(conflicts) != 1 || conflicts[0].ID == expected {
				testContext.Fatalf("unexpected conflicts %v %v", conflicts, err)
			}
		})
	}
}

func TestPutRevisionRejectsSecondRootWithoutAllowConflict(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	mustPut(testContext, store, "doc", map[string]any{"n": 1}, "")

	_, err := store.PutRevision(context.Background(), "doc", map[string]any{"n": 2}, "", false)
	expectKind(testContext, err, status.ErrConflict)

	_, err = store.PutRevision(context.Background(), "doc", map[string]any{"n": 2}, "7-abc", false)
	expectKind(testContext, err, status.ErrConflict)
}

func TestPutRevisionRejectsGenerationOverflow(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()
	last := revision.ID{Generation: math.MaxUint32, Digest: "ffff"}
	if _, err := store.ForceInsertRevision(ctx, "doc", map[string]any{"n": 1}, []string{last.String()}, "peer"); err != nil {
		testContext.Fatalf("force insert: %v", err)
	}
	before := mustLastSequence(testContext, store)
	_, err := store.PutRevision(ctx, "doc", map[string]any{"n": 2}, last.String(), false)
	expectKind(testContext, err, status.ErrBadID)
	if after := mustLastSequence(testContext, store); after != before {
		testContext.Fatalf("rejected write advanced the sequence from %d to %d", before, after)
	}
}

func TestPutRevisionUnknownParent(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	_, err := store.PutRevision(ctx, "ghost", map[string]any{"n": 1}, "1-abc", false)
	expectKind(testContext, err, status.ErrNotFound)

	first := mustPut(testContext, store, "doc", map[string]any{"n": 1}, "")
	before := mustLastSequence(testContext, store)
	_, err = store.PutRevision(ctx, "doc", map[string]any{"n": 2}, "1-doesnotexist", false)
	expectKind(testContext, err, status.ErrConflict)
	_, err = store.PutRevision(ctx, "doc", map[string]any{"n": 2}, "1-doesnotexist", true)
	expectKind(testContext, err, status.ErrConflict)
	_, err = store.UpdateAttachment(ctx, "doc", "1-doesnotexist", "a.txt", nil, "", attachments.EncodingNone)
	expectKind(testContext, err, status.ErrConflict)
	_, err = store.UpdateAttachment(ctx, "ghost", "1-abc", "a.txt", nil, "", attachments.EncodingNone)
	expectKind(testContext, err, status.ErrNotFound)

	if after := mustLastSequence(testContext, store); after != before {
		testContext.Fatalf("rejected writes advanced the sequence from %d to %d", before, after)
	}
	if winner := mustGet(testContext, store, "doc", ""); winner.ID != first.ID {
		testContext.Fatalf("expected %s to stay current, got %s", first.ID, winner.ID)
	}
}

func TestConcurrentPutsOnOneParentHaveOneWinner(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			root := mustPut(testContext, store, "race", map[string]any{"n": 0}, "")

			const writers = 8
			var waitGroup sync.WaitGroup
			results := make(chan error, writers)
			for index := 0; index < writers; index++ {
				waitGroup.Add(1)
				go func(index int) {
					defer waitGroup.Done()
					_, err := store.PutRevision(context.Background(), "race", map[string]any{"n": index + 1}, root.ID.String(), false)
					results <- err
				}(index)
			}
			waitGroup.Wait()
			close(results)

			succeeded, conflicted := 0, 0
			for err := range results {
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, status.ErrConflict):
					conflicted++
				default:
					testContext.Fatalf("unexpected error: %v", err)
				}
			}
			if succeeded != 1 || conflicted != writers-1 {
				testContext.Fatalf("expected 1 success and %d conflicts, got %d and %d", writers-1, succeeded, conflicted)
			}
		})
	}
}

func TestRevisionIDsAreDeterministicAcrossStores(testContext *testing.T) {
	left := newTestStore(testContext, Config{})
	right := newTestStore(testContext, Config{})
	body := map[string]any{"title": "same", "tags": []any{"a", "b"}, "count": 3}

	leftFirst := mustPut(testContext, left, "doc", body, "")
	rightFirst := mustPut(testContext, right, "doc", body, "")
	if leftFirst.ID != rightFirst.ID {
		testContext.Fatalf("expected identical ids, got %s and %s", leftFirst.ID, rightFirst.ID)
	}
	leftSecond := mustPut(testContext, left, "doc", map[string]any{"title": "next"}, leftFirst.ID.String())
	rightSecond := mustPut(testContext, right, "doc", map[string]any{"title": "next"}, rightFirst.ID.String())
	if leftSecond.ID != rightSecond.ID {
		testContext.Fatalf("expected identical child ids, got %s and %s", leftSecond.ID, rightSecond.ID)
	}
}

func TestPutRevisionValidatesInput(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	_, err := store.PutRevision(ctx, "", map[string]any{"a": 1}, "", false)
	expectKind(testContext, err, status.ErrBadID)
	_, err = store.PutRevision(ctx, "_private", map[string]any{"a": 1}, "", false)
	expectKind(testContext, err, status.ErrBadID)
	_, err = store.PutRevision(ctx, "doc", map[string]any{"a": 1}, "not-a-rev", false)
	expectKind(testContext, err, status.ErrBadID)
	_, err = store.PutRevision(ctx, "doc", map[string]any{"_secret": 1}, "", false)
	expectKind(testContext, err, status.ErrBadRequest)

	rev := mustPut(testContext, store, "doc", map[string]any{"_id": "ignored", "_rev": "9-zzz", "a": 1}, "")
	if _, ok := rev.Body["_id"]; ok {
		testContext.Fatalf("expected _id to be stripped from %v", rev.Body)
	}
	if mustLastSequence(testContext, store) != rev.Sequence {
		testContext.Fatalf("expected failed writes to assign no sequence")
	}
}

func TestPutDocumentGeneratesIDAndFollowsRev(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	created, err := store.PutDocument(ctx, "", map[string]any{"kind": "note"})
	if err != nil {
		testContext.Fatalf("put document: %v", err)
	}
	if created.DocID == "" {
		testContext.Fatalf("expected generated document id")
	}
	updated, err := store.PutDocument(ctx, "", map[string]any{
		"_id":  created.DocID,
		"_rev": created.ID.String(),
		"kind": "note",
		"body": "hello",
	})
	if err != nil {
		testContext.Fatalf("update document: %v", err)
	}
	if updated.DocID != created.DocID || updated.ParentID != created.ID {
		testContext.Fatalf("unexpected update %+v", updated)
	}
}

func TestDeleteAndRecreateDocument(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			ctx := context.Background()

			live := mustPut(testContext, store, "doc", map[string]any{"v": 1}, "")
			deleted, err := store.DeleteDocument(ctx, "doc", live.ID.String())
			if err != nil {
				testContext.Fatalf("delete: %v", err)
			}
			if !deleted.Deleted || deleted.Generation() != 2 {
				testContext.Fatalf("unexpected deletion %+v", deleted)
			}
			_, err = store.GetDocument(ctx, "doc", GetOptions{})
			expectKind(testContext, err, status.ErrNotFound)
			if winner := mustGet(testContext, store, "doc", ""); !winner.Deleted {
				testContext.Fatalf("expected deleted winner")
			}
			count, err := store.DocumentCount(ctx)
			if err != nil || count != 0 {
				testContext.Fatalf("expected no live documents, got %d %v", count, err)
			}

			_, err = store.PutRevision(ctx, "doc", nil, "", false)
			expectKind(testContext, err, status.ErrNotFound)

			recreated := mustPut(testContext, store, "doc", map[string]any{"v": 2}, "")
			if recreated.Generation() != 3 || recreated.ParentID != deleted.ID {
				testContext.Fatalf("expected recreation on top of the deletion, got %+v", recreated)
			}
		})
	}
}

func TestDeleteMissingDocumentIsNotFound(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	_, err := store.DeleteDocument(context.Background(), "ghost", "1-abc")
	expectKind(testContext, err, status.ErrNotFound)
	_, err = store.DeleteDocument(context.Background(), "ghost", "")
	expectKind(testContext, err, status.ErrBadID)
}

func TestForceInsertCreatesPlaceholders(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			recorder := recordBatches(testContext, store)
			ctx := context.Background()

			history := []string{"3-ccc", "2-bbb", "1-aaa"}
			inserted, err := store.ForceInsertRevision(ctx, "remote", map[string]any{"v": 3}, history, "peer-a")
			if err != nil {
				testContext.Fatalf("force insert: %v", err)
			}
			if inserted.ID.String() != "3-ccc" || inserted.ParentID.String() != "2-bbb" {
				testContext.Fatalf("unexpected inserted revision %+v", inserted)
			}
			chain, err := store.RevisionHistory(ctx, "remote", "3-ccc")
			if err != nil {
				testContext.Fatalf("history: %v", err)
			}
			if len(chain) != 3 || chain[0].String() != "1-aaa" || chain[2].String() != "3-ccc" {
				testContext.Fatalf("unexpected history %v", chain)
			}
			_, err = store.GetRevision(ctx, "remote", "2-bbb", GetOptions{})
			expectKind(testContext, err, status.ErrNotFound)

			again, err := store.ForceInsertRevision(ctx, "remote", map[string]any{"v": 3}, history, "peer-a")
			if err != nil || again.Sequence != inserted.Sequence {
				testContext.Fatalf("expected idempotent force insert, got %+v %v", again, err)
			}

			filled, err := store.ForceInsertRevision(ctx, "remote", map[string]any{"v": 2}, []string{"2-bbb", "1-aaa"}, "peer-a")
			if err != nil {
				testContext.Fatalf("fill placeholder: %v", err)
			}
			if got := mustGet(testContext, store, "remote", "2-bbb"); got.Missing || got.Sequence != filled.Sequence {
				testContext.Fatalf("expected filled placeholder, got %+v", got)
			}
			if winner := mustGet(testContext, store, "remote", ""); winner.ID.String() != "3-ccc" {
				testContext.Fatalf("expected 3-ccc to stay the winner, got %s", winner.ID)
			}

			batches := recorder.snapshot()
			if len(batches) != 2 {
				testContext.Fatalf("expected two batches, got %d", len(batches))
			}
			change := batches[0].Changes[0]
			if !batches[0].IsExternal || !change.IsExternal || change.Source != "peer-a" || change.RevID != "3-ccc" {
				testContext.Fatalf("unexpected external change %+v", change)
			}
		})
	}
}

func TestForceInsertRejectsBadHistory(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	_, err := store.ForceInsertRevision(ctx, "doc", map[string]any{}, nil, "")
	expectKind(testContext, err, status.ErrBadID)
	_, err = store.ForceInsertRevision(ctx, "doc", map[string]any{}, []string{"2-bbb", "2-aaa"}, "")
	expectKind(testContext, err, status.ErrBadID)
	_, err = store.ForceInsertRevision(ctx, "doc", map[string]any{"_rev": "5-eee"}, []string{"2-bbb", "1-aaa"}, "")
	expectKind(testContext, err, status.ErrBadID)
}

func TestForceInsertCreatesConflictBranch(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	local := mustPut(testContext, store, "doc", map[string]any{"v": 1}, "")
	mustPut(testContext, store, "doc", map[string]any{"v": 2}, local.ID.String())

	remote := revision.ID{Generation: 2, Digest: "ffffffffffffffffffffffffffffffff"}
	if _, err := store.ForceInsertRevision(ctx, "doc", map[string]any{"v": "remote"}, []string{remote.String(), local.ID.String()}, "peer"); err != nil {
		testContext.Fatalf("force insert: %v", err)
	}
	conflicted, err := store.IsConflicted(ctx, "doc")
	if err != nil || !conflicted {
		testContext.Fatalf("expected conflict, got %v %v", conflicted, err)
	}
	if winner := mustGet(testContext, store, "doc", ""); winner.ID != remote {
		testContext.Fatalf("expected highest digest %s to win, got %s", remote, winner.ID)
	}
}

func TestPutPrunesLinearHistory(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{MaxRevTreeDepth: 5})
			revisions := make([]*revision.Revision, 0, 10)
			previous := ""
			for generation := 1; generation <= 10; generation++ {
				rev := mustPut(testContext, store, "deep", map[string]any{"generation": generation}, previous)
				revisions = append(revisions, rev)
				previous = rev.ID.String()
			}

			for index, rev := range revisions {
				_, err := store.GetRevision(context.Background(), "deep", rev.ID.String(), GetOptions{})
				if index < 5 {
					expectKind(testContext, err, status.ErrNotFound)
					continue
				}
				if err != nil {
					testContext.Fatalf("expected generation %d to remain: %v", index+1, err)
				}
			}
			history, err := store.RevisionHistory(context.Background(), "deep", revisions[9].ID.String())
			if err != nil || len(history) != 5 {
				testContext.Fatalf("expected 5 revisions of history, got %v %v", history, err)
			}
			kept := mustGet(testContext, store, "deep", revisions[5].ID.String())
			if !kept.ParentID.IsZero() {
				testContext.Fatalf("expected the oldest kept revision to be detached, got parent %s", kept.ParentID)
			}
		})
	}
}

func TestCompactKeepsConflictBranchReachable(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	root := mustPut(testContext, store, "doc", map[string]any{"branch": "root"}, "")
	short, err := store.PutRevision(ctx, "doc", map[string]any{"branch": "short"}, root.ID.String(), true)
	if err != nil {
		testContext.Fatalf("short branch: %v", err)
	}
	previous := root.ID.String()
	for step := 0; step < 29; step++ {
		rev, err := store.PutRevision(ctx, "doc", map[string]any{"branch": "long", "step": step}, previous, true)
		if err != nil {
			testContext.Fatalf("long branch step %d: %v", step, err)
		}
		previous = rev.ID.String()
	}
	if err := store.SetMaxRevTreeDepth(ctx, 1); err != nil {
		testContext.Fatalf("set depth: %v", err)
	}
	if _, err := store.Compact(ctx); err != nil {
		testContext.Fatalf("compact: %v", err)
	}

	kept := mustGet(testContext, store, "doc", short.ID.String())
	if kept.ParentID != root.ID {
		testContext.Fatalf("expected short leaf to keep its parent link, got %s", kept.ParentID)
	}
	conflicts, err := store.Conflicts(ctx, "doc")
	if err != nil || len(conflicts) != 1 || conflicts[0].ID != short.ID {
		testContext.Fatalf("expected short leaf as conflict, got %v %v", conflicts, err)
	}
}
