package docstore

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MarcoPoloResearchLab/revdb/internal/changes"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const opDocument = "docstore.document"

// Document is a cached handle on one document. Its current revision pointer follows committed
// writes made through any path of the store.
type Document struct {
	store *Store
	id    string

	mu sync.Mutex
	// currentID is the winner as last seen; tentative is set while a write is uncommitted.
	currentID revision.ID
	current   *revision.Revision
	tentative bool
}

// documentCache keeps recently used handles in a bounded LRU plus every handle with an uncommitted
// pointer update, so a rollback can always reach it.
type documentCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *Document]
	dirty map[string]*Document
}

func newDocumentCache(size int) (*documentCache, error) {
	cache, err := lru.New[string, *Document](size)
	if err != nil {
		return nil, err
	}
	return &documentCache{lru: cache, dirty: make(map[string]*Document)}, nil
}

func (cache *documentCache) get(docID string) (*Document, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if document, ok := cache.dirty[docID]; ok {
		return document, true
	}
	return cache.lru.Get(docID)
}

func (cache *documentCache) getOrAdd(docID string, create func() *Document) *Document {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if document, ok := cache.dirty[docID]; ok {
		return document
	}
	if document, ok := cache.lru.Get(docID); ok {
		return document
	}
	document := create()
	cache.lru.Add(docID, document)
	return document
}

func (cache *documentCache) markDirty(document *Document) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.dirty[document.id] = document
}

func (cache *documentCache) markClean(docID string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.dirty, docID)
}

func (cache *documentCache) len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.lru.Len()
}

// Document returns the handle of docID, creating it when it is not cached. The document need not
// exist yet.
func (s *Store) Document(docID string) (*Document, error) {
	if err := revision.ValidateDocumentID(docID); err != nil {
		return nil, status.New(opDocument, "invalid_doc_id", status.ErrBadID, err)
	}
	return s.documents.getOrAdd(docID, func() *Document {
		return &Document{store: s, id: docID}
	}), nil
}

// NewDocument returns a handle with a generated ID.
func (s *Store) NewDocument() (*Document, error) {
	docID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opDocument, "id_generation_failed", err)
		return nil, status.New(opDocument, "id_generation_failed", status.ErrException, err)
	}
	return s.Document(docID)
}

// RevisionAdded moves the pointer of a cached handle. Uncommitted updates keep the handle pinned
// until the transaction ends.
func (s *Store) RevisionAdded(change changes.Change, committed bool) {
	document, ok := s.documents.get(change.DocID)
	if !ok {
		return
	}
	winner, err := revision.ParseID(change.WinningRevID)
	if err != nil {
		return
	}
	if !committed {
		s.documents.markDirty(document)
	}
	document.advance(winner, !committed)
	if committed {
		s.documents.markClean(change.DocID)
	}
}

// ForgetCurrentRevision drops the pointer of a cached handle after a rollback.
func (s *Store) ForgetCurrentRevision(docID string) {
	document, ok := s.documents.get(docID)
	if !ok {
		return
	}
	document.forget()
	s.documents.markClean(docID)
}

func (document *Document) advance(winner revision.ID, tentative bool) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.currentID != winner {
		document.current = nil
	}
	document.currentID = winner
	document.tentative = tentative
}

func (document *Document) forget() {
	document.mu.Lock()
	defer document.mu.Unlock()
	document.currentID = revision.ID{}
	document.current = nil
	document.tentative = false
}

// ID returns the document ID.
func (document *Document) ID() string {
	return document.id
}

// CurrentRevisionID returns the cached winner ID, loading it when unknown. It is empty for a
// document that does not exist.
func (document *Document) CurrentRevisionID(ctx context.Context) (string, error) {
	rev, err := document.CurrentRevision(ctx)
	if err != nil {
		if status.KindOf(err) == status.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return rev.ID.String(), nil
}

// CurrentRevision returns the winning revision, deleted or not.
func (document *Document) CurrentRevision(ctx context.Context) (*revision.Revision, error) {
	document.mu.Lock()
	cached := document.current
	currentID := document.currentID
	document.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	rev, err := document.store.GetRevision(ctx, document.id, currentID.String(), GetOptions{})
	if err != nil {
		return nil, err
	}
	document.mu.Lock()
	if document.currentID == currentID || document.currentID.IsZero() {
		document.currentID = rev.ID
		document.current = rev
	}
	document.mu.Unlock()
	return rev, nil
}

// Properties returns the winner's properties including "_id" and "_rev".
func (document *Document) Properties(ctx context.Context) (map[string]any, error) {
	rev, err := document.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}
	return rev.Properties(), nil
}

// IsDeleted reports whether the winner is a deletion.
func (document *Document) IsDeleted(ctx context.Context) (bool, error) {
	rev, err := document.CurrentRevision(ctx)
	if err != nil {
		return false, err
	}
	return rev.Deleted, nil
}

// Put stores properties on top of the current revision.
func (document *Document) Put(ctx context.Context, properties map[string]any) (*revision.Revision, error) {
	prevRevID, err := document.CurrentRevisionID(ctx)
	if err != nil {
		return nil, err
	}
	if deleted, err := document.IsDeleted(ctx); err == nil && deleted {
		prevRevID = ""
	}
	return document.store.PutRevision(ctx, document.id, properties, prevRevID, false)
}

// Delete stores a deletion on top of the current revision.
func (document *Document) Delete(ctx context.Context) (*revision.Revision, error) {
	prevRevID, err := document.CurrentRevisionID(ctx)
	if err != nil {
		return nil, err
	}
	if prevRevID == "" {
		return nil, status.New(opDeleteDocument, "document_not_found", status.ErrNotFound, nil)
	}
	return document.store.DeleteDocument(ctx, document.id, prevRevID)
}

// Conflicts returns the live conflicting leaves.
func (document *Document) Conflicts(ctx context.Context) ([]*revision.Revision, error) {
	return document.store.Conflicts(ctx, document.id)
}

// History returns the ancestry of the current revision, root first.
func (document *Document) History(ctx context.Context) ([]revision.ID, error) {
	revID, err := document.CurrentRevisionID(ctx)
	if err != nil {
		return nil, err
	}
	if revID == "" {
		return nil, status.New(opHistory, "document_not_found", status.ErrNotFound, nil)
	}
	return document.store.RevisionHistory(ctx, document.id, revID)
}
