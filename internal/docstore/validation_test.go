package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

func TestValidatorRejectionIsForbiddenAndLeavesTreeUnchanged(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()
	first := mustPut(testContext, store, "doc", map[string]any{"kind": "good"}, "")

	var seen ValidationCandidate
	store.Registry().SetValidator("kind", func(_ context.Context, candidate ValidationCandidate) (Verdict, error) {
		seen = candidate
		if candidate.New.Body["kind"] == "bad" {
			return Reject("kind must not be bad"), nil
		}
		return Accept(), nil
	})

	before := mustLastSequence(testContext, store)
	_, err := store.PutRevision(ctx, "doc", map[string]any{"kind": "bad"}, first.ID.String(), false)
	expectKind(testContext, err, status.ErrForbidden)
	if message := statusMessage(err); message != "kind must not be bad" {
		testContext.Fatalf("unexpected rejection message %q", message)
	}
	if seen.Previous == nil || seen.Previous.ID != first.ID || seen.ParentID != first.ID {
		testContext.Fatalf("expected previous revision in candidate, got %+v", seen)
	}
	if mustLastSequence(testContext, store) != before {
		testContext.Fatalf("expected rejected write to leave storage unchanged")
	}
	if winner := mustGet(testContext, store, "doc", ""); winner.ID != first.ID {
		testContext.Fatalf("expected winner to stay %s, got %s", first.ID, winner.ID)
	}

	mustPut(testContext, store, "doc", map[string]any{"kind": "better"}, first.ID.String())
}

func TestValidatorFaultsAreExceptions(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	store.Registry().SetValidator("broken", func(context.Context, ValidationCandidate) (Verdict, error) {
		return Verdict{}, errors.New("validator backend down")
	})
	_, err := store.PutRevision(ctx, "doc", map[string]any{"a": 1}, "", false)
	expectKind(testContext, err, status.ErrException)

	store.Registry().SetValidator("broken", func(context.Context, ValidationCandidate) (Verdict, error) {
		panic("boom")
	})
	_, err = store.PutRevision(ctx, "doc", map[string]any{"a": 1}, "", false)
	expectKind(testContext, err, status.ErrException)

	store.Registry().SetValidator("broken", nil)
	mustPut(testContext, store, "doc", map[string]any{"a": 1}, "")
}

func TestValidatorsRunInNameOrder(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	var order []string
	for _, name := range []string{"c", "a", "b"} {
		name := name
		store.Registry().SetValidator(name, func(context.Context, ValidationCandidate) (Verdict, error) {
			order = append(order, name)
			return Accept(), nil
		})
	}
	mustPut(testContext, store, "doc", map[string]any{"a": 1}, "")
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		testContext.Fatalf("unexpected validator order %v", order)
	}
}

func TestChangedKeys(testContext *testing.T) {
	candidate := ValidationCandidate{
		Previous: &revision.Revision{Body: revision.Body{"same": 1, "changed": "old", "removed": true}},
		New:      &revision.Revision{Body: revision.Body{"same": 1, "changed": "new", "added": []any{"x"}}},
	}
	if got := candidate.ChangedKeys(); !reflect.DeepEqual(got, []string{"added", "changed", "removed"}) {
		testContext.Fatalf("unexpected changed keys %v", got)
	}

	stored := ValidationCandidate{
		Previous: &revision.Revision{Body: revision.Body{"count": json.Number("2"), "tags": []any{"a"}}},
		New:      &revision.Revision{Body: revision.Body{"count": 2, "tags": []any{"a"}}},
	}
	if got := stored.ChangedKeys(); len(got) != 0 {
		testContext.Fatalf("expected decoded numbers to equal caller numbers, got %v", got)
	}

	created := ValidationCandidate{New: &revision.Revision{Body: revision.Body{"a": 1}}}
	if got := created.ChangedKeys(); !reflect.DeepEqual(got, []string{"a"}) {
		testContext.Fatalf("unexpected changed keys for new document %v", got)
	}
}

func TestSchemaValidator(testContext *testing.T) {
	validator, err := NewSchemaValidator([]byte(`{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"count": {"type": "integer", "minimum": 0}
		}
	}`))
	if err != nil {
		testContext.Fatalf("compile schema: %v", err)
	}
	store := newTestStore(testContext, Config{})
	store.Registry().SetValidator("schema", validator)
	ctx := context.Background()

	_, err = store.PutRevision(ctx, "doc", map[string]any{"count": 2}, "", false)
	expectKind(testContext, err, status.ErrForbidden)
	_, err = store.PutRevision(ctx, "doc", map[string]any{"title": "ok", "count": -1}, "", false)
	expectKind(testContext, err, status.ErrForbidden)

	rev := mustPut(testContext, store, "doc", map[string]any{"title": "ok", "count": 2}, "")
	if _, err := store.DeleteDocument(ctx, "doc", rev.ID.String()); err != nil {
		testContext.Fatalf("expected deletions to bypass the schema: %v", err)
	}

	if _, err := NewSchemaValidator([]byte(`{"type": 12}`)); err == nil {
		testContext.Fatalf("expected invalid schema to fail")
	}
}

func TestRegistryFilters(testContext *testing.T) {
	registry := NewRegistry()
	registry.SetFilter("all", func(*revision.Revision, map[string]any) bool { return true })
	if _, ok := registry.Filter("all"); !ok {
		testContext.Fatalf("expected registered filter")
	}
	registry.SetFilter("all", nil)
	if _, ok := registry.Filter("all"); ok {
		testContext.Fatalf("expected filter removal")
	}
	if _, ok := registry.Validator("none"); ok {
		testContext.Fatalf("expected no validator")
	}
}
