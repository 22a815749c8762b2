package revtree

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

func TestInsertScenarioReportsConflict(testContext *testing.T) {
	tree := New("doc")
	root := mustInsert(testContext, tree, "1-abc", "", false)
	if root.ID.Generation != 1 {
		testContext.Fatalf("expected generation 1, got %d", root.ID.Generation)
	}

	second := mustInsert(testContext, tree, "2-def", "1-abc", false)
	if tree.Winner() != second {
		testContext.Fatalf("expected 2-def to win")
	}
	if tree.IsConflicted() {
		testContext.Fatalf("did not expect conflict")
	}

	if _, err := tree.ResolveParent(revision.MustParseID("1-abc"), false); !errors.Is(err, status.ErrConflict) {
		testContext.Fatalf("expected conflict for non-leaf parent, got %v", err)
	}

	mustInsert(testContext, tree, "2-xyz", "1-abc", true)
	if !tree.IsConflicted() {
		testContext.Fatalf("expected conflict after sibling insert")
	}
	if tree.Winner().ID.String() != "2-xyz" {
		testContext.Fatalf("expected digest-greater 2-xyz to win, got %s", tree.Winner().ID)
	}
	conflicts := tree.Conflicts()
	if len(conflicts) != 1 || conflicts[0].ID.String() != "2-def" {
		testContext.Fatalf("unexpected conflicts %+v", conflicts)
	}
}

func TestResolveParentRules(testContext *testing.T) {
	tree := New("doc")
	if parent, err := tree.ResolveParent(revision.ID{}, false); err != nil || parent != nil {
		testContext.Fatalf("expected new root for empty tree, got %v, %v", parent, err)
	}
	if _, err := tree.ResolveParent(revision.MustParseID("1-missing"), false); !errors.Is(err, status.ErrNotFound) {
		testContext.Fatalf("expected not found for unknown parent, got %v", err)
	}

	mustInsert(testContext, tree, "1-abc", "", false)
	if _, err := tree.ResolveParent(revision.ID{}, false); !errors.Is(err, status.ErrConflict) {
		testContext.Fatalf("expected conflict when document exists, got %v", err)
	}
	if _, err := tree.ResolveParent(revision.MustParseID("1-missing"), true); !errors.Is(err, status.ErrConflict) {
		testContext.Fatalf("expected conflict for unknown parent of existing document, got %v", err)
	}
	if parent, err := tree.ResolveParent(revision.ID{}, true); err != nil || parent != nil {
		testContext.Fatalf("expected new branch root with allowConflict, got %v, %v", parent, err)
	}

	mustInsert(testContext, tree, "2-del", "1-abc", true)
	tree.Get(revision.MustParseID("2-del")).Deleted = true
	parent, err := tree.ResolveParent(revision.ID{}, false)
	if err != nil {
		testContext.Fatalf("expected recreate to continue from deleted leaf: %v", err)
	}
	if parent == nil || parent.ID.String() != "2-del" {
		testContext.Fatalf("expected parent 2-del, got %+v", parent)
	}
}

func TestInsertRejectsWrongGeneration(testContext *testing.T) {
	tree := New("doc")
	mustInsert(testContext, tree, "1-abc", "", false)
	parent := tree.Get(revision.MustParseID("1-abc"))
	if _, err := tree.Insert(revision.MustParseID("3-abc"), parent, false); !errors.Is(err, status.ErrBadID) {
		testContext.Fatalf("expected bad id, got %v", err)
	}
}

func TestWinnerIgnoresInsertionOrder(testContext *testing.T) {
	nodes := []Node{
		{ID: revision.MustParseID("1-root")},
		{ID: revision.MustParseID("2-aaa"), Parent: revision.MustParseID("1-root")},
		{ID: revision.MustParseID("2-bbb"), Parent: revision.MustParseID("1-root")},
		{ID: revision.MustParseID("3-zzz"), Parent: revision.MustParseID("2-aaa"), Deleted: true},
		{ID: revision.MustParseID("2-ccc"), Parent: revision.MustParseID("1-root")},
	}
	random := rand.New(rand.NewSource(7))
	for attempt := 0; attempt < 20; attempt++ {
		shuffled := append([]Node(nil), nodes...)
		random.Shuffle(len(shuffled), func(left, right int) {
			shuffled[left], shuffled[right] = shuffled[right], shuffled[left]
		})
		tree := Build("doc", shuffled)
		if winner := tree.Winner(); winner.ID.String() != "2-ccc" {
			testContext.Fatalf("attempt %d: expected live 2-ccc to beat deleted 3-zzz, got %s", attempt, winner.ID)
		}
	}
}

func TestDeletedWinnerOnlyWhenAllLeavesDeleted(testContext *testing.T) {
	tree := Build("doc", []Node{
		{ID: revision.MustParseID("1-root")},
		{ID: revision.MustParseID("2-aaa"), Parent: revision.MustParseID("1-root"), Deleted: true},
		{ID: revision.MustParseID("2-bbb"), Parent: revision.MustParseID("1-root"), Deleted: true},
	})
	if winner := tree.Winner(); winner.ID.String() != "2-bbb" || !winner.Deleted {
		testContext.Fatalf("expected deleted 2-bbb to win, got %+v", winner)
	}
	if tree.IsConflicted() {
		testContext.Fatalf("deleted leaves are not conflicts")
	}
}

func TestForceInsertCreatesPlaceholders(testContext *testing.T) {
	tree := New("doc")
	mustInsert(testContext, tree, "1-abc", "", false)

	created, err := tree.ForceInsert(revision.MustParseID("4-ddd"), false, []revision.ID{
		revision.MustParseID("3-ccc"),
		revision.MustParseID("2-bbb"),
		revision.MustParseID("1-abc"),
	})
	if err != nil {
		testContext.Fatalf("force insert failed: %v", err)
	}
	if len(created) != 3 {
		testContext.Fatalf("expected 3 created nodes, got %d", len(created))
	}
	if created[0].ID.String() != "2-bbb" || !created[0].Missing || created[0].Parent.String() != "1-abc" {
		testContext.Fatalf("unexpected first placeholder %+v", created[0])
	}
	if created[2].ID.String() != "4-ddd" || created[2].Missing {
		testContext.Fatalf("unexpected leaf %+v", created[2])
	}
	if tree.Winner().ID.String() != "4-ddd" {
		testContext.Fatalf("expected forced revision to win")
	}
	history := mustHistory(testContext, tree, "4-ddd")
	if fmt.Sprint(history) != "[1-abc 2-bbb 3-ccc 4-ddd]" {
		testContext.Fatalf("unexpected history %v", history)
	}

	again, err := tree.ForceInsert(revision.MustParseID("4-ddd"), false, nil)
	if err != nil || len(again) != 0 {
		testContext.Fatalf("expected no-op for existing revision, got %v, %v", again, err)
	}

	filled, err := tree.ForceInsert(revision.MustParseID("3-ccc"), false, nil)
	if err != nil || len(filled) != 1 || filled[0].Missing {
		testContext.Fatalf("expected placeholder to be filled, got %v, %v", filled, err)
	}
}

func TestInsertRejectsChildAtGenerationLimit(testContext *testing.T) {
	tree := New("doc")
	last := revision.ID{Generation: math.MaxUint32, Digest: "zzz"}
	if _, err := tree.ForceInsert(last, false, nil); err != nil {
		testContext.Fatalf("force insert: %v", err)
	}
	_, err := tree.Insert(revision.ID{Generation: 1, Digest: "wrapped"}, tree.Get(last), false)
	if !errors.Is(err, status.ErrBadID) {
		testContext.Fatalf("expected bad id past the last generation, got %v", err)
	}
	if tree.Len() != 1 {
		testContext.Fatalf("expected tree to stay at one node, got %d", tree.Len())
	}
}

func TestForceInsertRejectsBadAncestry(testContext *testing.T) {
	tree := New("doc")
	_, err := tree.ForceInsert(revision.MustParseID("2-bbb"), false, []revision.ID{revision.MustParseID("3-ccc")})
	if !errors.Is(err, status.ErrBadID) {
		testContext.Fatalf("expected bad id, got %v", err)
	}
	if !tree.IsEmpty() {
		testContext.Fatalf("expected rejected insert to leave tree untouched")
	}
}

func TestPruneLinearHistory(testContext *testing.T) {
	tree := New("doc")
	parent := ""
	for generation := 1; generation <= 10; generation++ {
		id := fmt.Sprintf("%d-rev%d", generation, generation)
		mustInsert(testContext, tree, id, parent, false)
		parent = id
	}

	plan := tree.Prune(5)
	if len(plan.Remove) != 5 || tree.Len() != 5 {
		testContext.Fatalf("expected 5 removed and 5 kept revisions, got %d and %d", len(plan.Remove), tree.Len())
	}
	for generation := 1; generation <= 10; generation++ {
		present := tree.Get(revision.MustParseID(fmt.Sprintf("%d-rev%d", generation, generation))) != nil
		if present != (generation > 5) {
			testContext.Fatalf("generation %d: present=%v", generation, present)
		}
	}
	if len(plan.Detach) != 1 || plan.Detach[0].String() != "6-rev6" {
		testContext.Fatalf("expected 6-rev6 to be detached, got %v", plan.Detach)
	}

	plan = tree.Prune(1)
	if len(plan.Remove) != 4 || tree.Len() != 1 {
		testContext.Fatalf("expected only the leaf to remain, got %d nodes after removing %v", tree.Len(), plan.Remove)
	}
	if len(plan.Detach) != 1 || plan.Detach[0].String() != "10-rev10" {
		testContext.Fatalf("expected 10-rev10 to be detached, got %v", plan.Detach)
	}
	if history := mustHistory(testContext, tree, "10-rev10"); len(history) != 1 {
		testContext.Fatalf("expected history of 1, got %v", history)
	}
}

func TestPrunePreservesConflictBranch(testContext *testing.T) {
	tree := New("doc")
	mustInsert(testContext, tree, "1-root", "", false)
	mustInsert(testContext, tree, "2-short", "1-root", false)
	parent := "1-root"
	for generation := 2; generation <= 30; generation++ {
		id := fmt.Sprintf("%d-long", generation)
		mustInsert(testContext, tree, id, parent, true)
		parent = id
	}
	if tree.Winner().ID.String() != "30-long" {
		testContext.Fatalf("expected 30-long to win, got %s", tree.Winner().ID)
	}

	tree.Prune(1)

	short := tree.Get(revision.MustParseID("2-short"))
	if short == nil {
		testContext.Fatalf("expected conflict leaf to survive pruning")
	}
	if short.Parent.IsZero() || tree.Get(short.Parent) == nil {
		testContext.Fatalf("expected conflict leaf to keep its parent link")
	}
	if !tree.IsConflicted() {
		testContext.Fatalf("expected document to remain conflicted")
	}
	if tree.Get(revision.MustParseID("15-long")) != nil {
		testContext.Fatalf("expected deep winner ancestors to be pruned")
	}
}

func TestPruneDisabledForNonPositiveDepth(testContext *testing.T) {
	tree := New("doc")
	mustInsert(testContext, tree, "1-a", "", false)
	mustInsert(testContext, tree, "2-b", "1-a", false)
	if plan := tree.Prune(0); !plan.IsEmpty() || tree.Len() != 2 {
		testContext.Fatalf("expected no pruning, got %+v", plan)
	}
}

func TestHistoryUnknownRevision(testContext *testing.T) {
	tree := New("doc")
	if _, err := tree.History(revision.MustParseID("1-none")); !errors.Is(err, status.ErrNotFound) {
		testContext.Fatalf("expected not found, got %v", err)
	}
}

func mustInsert(testContext *testing.T, tree *Tree, rawID, rawParent string, allowConflict bool) *Node {
	testContext.Helper()
	parent, err := tree.ResolveParent(revision.MustParseID(rawParent), allowConflict)
	if err != nil {
		testContext.Fatalf("resolve parent %q: %v", rawParent, err)
	}
	node, err := tree.Insert(revision.MustParseID(rawID), parent, false)
	if err != nil {
		testContext.Fatalf("insert %q: %v", rawID, err)
	}
	return node
}

func mustHistory(testContext *testing.T, tree *Tree, rawID string) []revision.ID {
	testContext.Helper()
	history, err := tree.History(revision.MustParseID(rawID))
	if err != nil {
		testContext.Fatalf("history %q: %v", rawID, err)
	}
	return history
}
