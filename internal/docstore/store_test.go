package docstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/revdb/internal/blobstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage/memstore"
)

type sequenceIDs struct {
	next int
}

func (provider *sequenceIDs) NewID() (string, error) {
	provider.next++
	return fmt.Sprintf("generated-%d", provider.next), nil
}

func TestOpenRequiresConfiguration(testContext *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{Engine: memstore.New()})
	expectKind(testContext, err, status.ErrBadRequest)

	_, err = Open(ctx, Config{BlobDir: testContext.TempDir()})
	expectKind(testContext, err, status.ErrBadRequest)

	_, err = Open(ctx, Config{BlobDir: testContext.TempDir(), DSN: "mysql://nowhere"})
	expectKind(testContext, err, status.ErrException)
}

func TestOpenLockedBlobStoreWithoutKey(testContext *testing.T) {
	blobDir := filepath.Join(testContext.TempDir(), "attachments")
	key, err := blobstore.GenerateEncryptionKey()
	if err != nil {
		testContext.Fatalf("generate key: %v", err)
	}
	encrypted := newTestStore(testContext, Config{BlobDir: blobDir, EncryptionKey: key})
	if err := encrypted.Close(); err != nil {
		testContext.Fatalf("close: %v", err)
	}

	_, err = Open(context.Background(), Config{Engine: memstore.New(), BlobDir: blobDir})
	expectKind(testContext, err, status.ErrUnauthorized)
}

func TestUUIDsArePersistentAndReplaceable(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	ctx := context.Background()

	private, err := store.PrivateUUID(ctx)
	if err != nil || private == "" {
		testContext.Fatalf("private uuid: %q %v", private, err)
	}
	public, err := store.PublicUUID(ctx)
	if err != nil || public == "" || public == private {
		testContext.Fatalf("public uuid: %q %v", public, err)
	}

	if err := store.ReplaceUUIDs(ctx); err != nil {
		testContext.Fatalf("replace: %v", err)
	}
	replacedPrivate, _ := store.PrivateUUID(ctx)
	replacedPublic, _ := store.PublicUUID(ctx)
	if replacedPrivate == private || replacedPublic == public {
		testContext.Fatalf("expected fresh identifiers")
	}
}

func TestCheckpoints(testContext *testing.T) {
	for _, factory := range engineFactories() {
		testContext.Run(factory.name, func(testContext *testing.T) {
			store := newStoreFor(testContext, factory, Config{})
			ctx := context.Background()

			value, err := store.LastSequenceWithCheckpointID(ctx, "pull-1")
			if err != nil || value != "" {
				testContext.Fatalf("expected no checkpoint, got %q %v", value, err)
			}
			if err := store.SetLastSequence(ctx, "42", "pull-1"); err != nil {
				testContext.Fatalf("set checkpoint: %v", err)
			}
			if err := store.SetLastSequence(ctx, "43", "pull-1"); err != nil {
				testContext.Fatalf("overwrite checkpoint: %v", err)
			}
			value, err = store.LastSequenceWithCheckpointID(ctx, "pull-1")
			if err != nil || value != "43" {
				testContext.Fatalf("expected checkpoint 43, got %q %v", value, err)
			}

			expectKind(testContext, store.SetLastSequence(ctx, "1", " "), status.ErrBadID)
			_, err = store.LastSequenceWithCheckpointID(ctx, "")
			expectKind(testContext, err, status.ErrBadID)
		})
	}
}

func TestDocumentCountAndDepth(testContext *testing.T) {
	store := newTestStore(testContext, Config{MaxRevTreeDepth: 7})
	ctx := context.Background()

	depth, err := store.MaxRevTreeDepth(ctx)
	if err != nil || depth != 7 {
		testContext.Fatalf("expected configured depth 7, got %d %v", depth, err)
	}
	if err := store.SetMaxRevTreeDepth(ctx, 3); err != nil {
		testContext.Fatalf("set depth: %v", err)
	}
	if depth, _ := store.MaxRevTreeDepth(ctx); depth != 3 {
		testContext.Fatalf("expected depth 3, got %d", depth)
	}

	a := mustPut(testContext, store, "a", map[string]any{"n": 1}, "")
	mustPut(testContext, store, "b", map[string]any{"n": 1}, "")
	if _, err := store.DeleteDocument(ctx, "a", a.ID.String()); err != nil {
		testContext.Fatalf("delete: %v", err)
	}
	count, err := store.DocumentCount(ctx)
	if err != nil || count != 1 {
		testContext.Fatalf("expected one live document, got %d %v", count, err)
	}
}

func TestPutDocumentUsesIDProvider(testContext *testing.T) {
	store := newTestStore(testContext, Config{IDProvider: &sequenceIDs{}})
	rev, err := store.PutDocument(context.Background(), "", map[string]any{"n": 1})
	if err != nil {
		testContext.Fatalf("put document: %v", err)
	}
	if rev.DocID != "generated-1" {
		testContext.Fatalf("expected provider ID, got %q", rev.DocID)
	}
}

func TestClosedStoreRejectsWrites(testContext *testing.T) {
	store := newTestStore(testContext, Config{})
	if err := store.Close(); err != nil {
		testContext.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		testContext.Fatalf("second close: %v", err)
	}
	_, err := store.PutRevision(context.Background(), "doc", map[string]any{"n": 1}, "", false)
	expectKind(testContext, err, status.ErrException)
}
