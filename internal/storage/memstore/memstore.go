// Package memstore is an in-memory storage engine. Transactions are serialized and rolled back
// through an undo log; readers outside a transaction wait for the open one to finish.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
)

type txKey struct{}

type transaction struct {
	engine *Engine
	undo   []func()
}

// Engine implements storage.Engine in memory.
type Engine struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	revisions map[string]map[string]*storage.RevisionRow
	documents map[string]storage.DocumentRow
	info      map[string]string
	sequence  uint64
	closed    bool
}

var _ storage.Engine = (*Engine)(nil)

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		revisions: make(map[string]map[string]*storage.RevisionRow),
		documents: make(map[string]storage.DocumentRow),
		info:      make(map[string]string),
	}
}

func (engine *Engine) currentTx(ctx context.Context) *transaction {
	tx, _ := ctx.Value(txKey{}).(*transaction)
	if tx == nil || tx.engine != engine {
		return nil
	}
	return tx
}

// RunInTransaction implements storage.Engine.
func (engine *Engine) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if engine.currentTx(ctx) != nil {
		err := fn(ctx)
		return err == nil, err
	}
	engine.txMu.Lock()
	defer engine.txMu.Unlock()
	if engine.isClosed() {
		return false, storage.ErrClosed
	}

	tx := &transaction{engine: engine}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (tx *transaction) rollback() {
	tx.engine.mu.Lock()
	defer tx.engine.mu.Unlock()
	for index := len(tx.undo) - 1; index >= 0; index-- {
		tx.undo[index]()
	}
}

// InTransaction implements storage.Engine.
func (engine *Engine) InTransaction(ctx context.Context) bool {
	return engine.currentTx(ctx) != nil
}

// read runs fn under the read lock, first waiting for any transaction not owned by ctx.
func (engine *Engine) read(ctx context.Context, fn func() error) error {
	if engine.currentTx(ctx) == nil {
		engine.txMu.Lock()
		defer engine.txMu.Unlock()
	}
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	if engine.closed {
		return storage.ErrClosed
	}
	return fn()
}

// write runs fn under the write lock inside the transaction carried by ctx, opening one when
// there is none.
func (engine *Engine) write(ctx context.Context, fn func(tx *transaction) error) error {
	tx := engine.currentTx(ctx)
	if tx == nil {
		_, err := engine.RunInTransaction(ctx, func(txCtx context.Context) error {
			return engine.write(txCtx, fn)
		})
		return err
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.closed {
		return storage.ErrClosed
	}
	return fn(tx)
}

func (engine *Engine) isClosed() bool {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.closed
}

// LoadRevisions implements storage.Engine.
func (engine *Engine) LoadRevisions(ctx context.Context, docID string) ([]storage.RevisionRow, error) {
	var rows []storage.RevisionRow
	err := engine.read(ctx, func() error {
		for _, row := range engine.revisions[docID] {
			copied := *row
			copied.Body = nil
			rows = append(rows, copied)
		}
		return nil
	})
	sort.Slice(rows, func(left, right int) bool { return rows[left].Sequence < rows[right].Sequence })
	return rows, err
}

// GetRevision implements storage.Engine.
func (engine *Engine) GetRevision(ctx context.Context, docID, revID string, withBody bool) (storage.RevisionRow, error) {
	var found storage.RevisionRow
	err := engine.read(ctx, func() error {
		if revID == "" {
			document, ok := engine.documents[docID]
			if !ok {
				return storage.ErrNotFound
			}
			revID = document.WinningRevID
		}
		row, ok := engine.revisions[docID][revID]
		if !ok {
			return storage.ErrNotFound
		}
		found = copyRow(row, withBody)
		return nil
	})
	return found, err
}

// GetDocument implements storage.Engine.
func (engine *Engine) GetDocument(ctx context.Context, docID string) (storage.DocumentRow, error) {
	var document storage.DocumentRow
	err := engine.read(ctx, func() error {
		stored, ok := engine.documents[docID]
		if !ok {
			return storage.ErrNotFound
		}
		document = stored
		return nil
	})
	return document, err
}

// InsertRevision implements storage.Engine.
func (engine *Engine) InsertRevision(ctx context.Context, row *storage.RevisionRow) error {
	return engine.write(ctx, func(tx *transaction) error {
		tree, ok := engine.revisions[row.DocID]
		if !ok {
			tree = make(map[string]*storage.RevisionRow)
			engine.revisions[row.DocID] = tree
			docID := row.DocID
			tx.undo = append(tx.undo, func() { delete(engine.revisions, docID) })
		}
		if existing, present := tree[row.RevID]; present {
			if !existing.Missing {
				return fmt.Errorf("%w: %s %s", storage.ErrDuplicateRevision, row.DocID, row.RevID)
			}
			previous := *existing
			tx.undo = append(tx.undo, func() { tree[previous.RevID] = &previous })
		} else {
			revID := row.RevID
			tx.undo = append(tx.undo, func() { delete(tree, revID) })
		}

		previousSequence := engine.sequence
		engine.sequence++
		tx.undo = append(tx.undo, func() { engine.sequence = previousSequence })
		row.Sequence = engine.sequence

		stored := copyRow(row, true)
		stored.Current = !row.Missing && !hasChild(tree, row.RevID)
		row.Current = stored.Current
		tree[row.RevID] = &stored

		if parent, ok := tree[row.ParentRevID]; ok && parent.Current {
			parent.Current = false
			tx.undo = append(tx.undo, func() { parent.Current = true })
		}
		return nil
	})
}

// UpdateDocument implements storage.Engine.
func (engine *Engine) UpdateDocument(ctx context.Context, document storage.DocumentRow) error {
	return engine.write(ctx, func(tx *transaction) error {
		previous, existed := engine.documents[document.DocID]
		engine.documents[document.DocID] = document
		tx.undo = append(tx.undo, func() {
			if existed {
				engine.documents[document.DocID] = previous
			} else {
				delete(engine.documents, document.DocID)
			}
		})
		return nil
	})
}

// PruneRevisions implements storage.Engine.
func (engine *Engine) PruneRevisions(ctx context.Context, docID string, remove, detach []string) (int, error) {
	removed := 0
	err := engine.write(ctx, func(tx *transaction) error {
		tree := engine.revisions[docID]
		for _, revID := range remove {
			row, ok := tree[revID]
			if !ok {
				continue
			}
			delete(tree, revID)
			tx.undo = append(tx.undo, func() { tree[row.RevID] = row })
			removed++
		}
		for _, revID := range detach {
			row, ok := tree[revID]
			if !ok {
				continue
			}
			previousParent := row.ParentRevID
			row.ParentRevID = ""
			tx.undo = append(tx.undo, func() { row.ParentRevID = previousParent })
		}
		return nil
	})
	return removed, err
}

// CompactBodies implements storage.Engine.
func (engine *Engine) CompactBodies(ctx context.Context) (int, error) {
	compacted := 0
	err := engine.write(ctx, func(tx *transaction) error {
		for _, tree := range engine.revisions {
			for _, row := range tree {
				if row.Current || row.Body == nil {
					continue
				}
				body := row.Body
				target := row
				row.Body = nil
				tx.undo = append(tx.undo, func() { target.Body = body })
				compacted++
			}
		}
		return nil
	})
	return compacted, err
}

// ChangesSince implements storage.Engine.
func (engine *Engine) ChangesSince(ctx context.Context, since uint64, options storage.ChangesOptions, filter storage.ChangeFilter) ([]storage.RevisionRow, error) {
	var changes []storage.RevisionRow
	err := engine.read(ctx, func() error {
		var candidates []storage.RevisionRow
		for docID, tree := range engine.revisions {
			winner := engine.documents[docID].WinningRevID
			latest := uint64(0)
			for _, row := range tree {
				if !row.Current || row.Sequence <= since {
					continue
				}
				if options.IncludeConflicts {
					candidates = append(candidates, copyRow(row, options.IncludeDocs))
				} else if row.Sequence > latest {
					latest = row.Sequence
				}
			}
			if !options.IncludeConflicts && latest > 0 {
				if row, ok := tree[winner]; ok {
					change := copyRow(row, options.IncludeDocs)
					change.Sequence = latest
					candidates = append(candidates, change)
				}
			}
		}
		changes = storage.FinishChanges(candidates, options, filter)
		return nil
	})
	return changes, err
}

// DocumentIDs implements storage.Engine.
func (engine *Engine) DocumentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := engine.read(ctx, func() error {
		for docID := range engine.documents {
			ids = append(ids, docID)
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// DocumentCount implements storage.Engine. Documents whose winner is deleted are not counted.
func (engine *Engine) DocumentCount(ctx context.Context) (int, error) {
	count := 0
	err := engine.read(ctx, func() error {
		for _, document := range engine.documents {
			if !document.Deleted {
				count++
			}
		}
		return nil
	})
	return count, err
}

// LastSequence implements storage.Engine.
func (engine *Engine) LastSequence(ctx context.Context) (uint64, error) {
	var sequence uint64
	err := engine.read(ctx, func() error {
		sequence = engine.sequence
		return nil
	})
	return sequence, err
}

// GetInfo implements storage.Engine.
func (engine *Engine) GetInfo(ctx context.Context, key string) (string, error) {
	var value string
	err := engine.read(ctx, func() error {
		stored, ok := engine.info[key]
		if !ok {
			return storage.ErrNotFound
		}
		value = stored
		return nil
	})
	return value, err
}

// SetInfo implements storage.Engine.
func (engine *Engine) SetInfo(ctx context.Context, key, value string) error {
	return engine.write(ctx, func(tx *transaction) error {
		previous, existed := engine.info[key]
		engine.info[key] = value
		tx.undo = append(tx.undo, func() {
			if existed {
				engine.info[key] = previous
			} else {
				delete(engine.info, key)
			}
		})
		return nil
	})
}

// FindAllAttachmentDigests implements storage.Engine.
func (engine *Engine) FindAllAttachmentDigests(ctx context.Context) (map[string]struct{}, error) {
	digests := make(map[string]struct{})
	err := engine.read(ctx, func() error {
		for _, tree := range engine.revisions {
			for _, row := range tree {
				found, err := storage.AttachmentDigests(row.Body)
				if err != nil {
					return err
				}
				for _, digest := range found {
					digests[digest] = struct{}{}
				}
			}
		}
		return nil
	})
	return digests, err
}

// MaxRevTreeDepth implements storage.Engine.
func (engine *Engine) MaxRevTreeDepth(ctx context.Context) (int, error) {
	raw, err := engine.GetInfo(ctx, storage.InfoKeyMaxRevTreeDepth)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.DefaultMaxRevTreeDepth, nil
	}
	if err != nil {
		return 0, err
	}
	return storage.ParseDepth(raw), nil
}

// SetMaxRevTreeDepth implements storage.Engine.
func (engine *Engine) SetMaxRevTreeDepth(ctx context.Context, depth int) error {
	return engine.SetInfo(ctx, storage.InfoKeyMaxRevTreeDepth, strconv.Itoa(depth))
}

// Close implements storage.Engine.
func (engine *Engine) Close() error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.closed = true
	return nil
}

func copyRow(row *storage.RevisionRow, withBody bool) storage.RevisionRow {
	copied := *row
	if withBody && row.Body != nil {
		copied.Body = append([]byte(nil), row.Body...)
	} else {
		copied.Body = nil
	}
	return copied
}

func hasChild(tree map[string]*storage.RevisionRow, revID string) bool {
	for _, row := range tree {
		if row.ParentRevID == revID {
			return true
		}
	}
	return false
}
