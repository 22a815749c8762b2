// Package storage defines the contract between the document store and the engine that persists
// revision rows.
package storage

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
)

var (
	// ErrNotFound indicates a missing document, revision or info key.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateRevision indicates an insert of a revision that is already stored.
	ErrDuplicateRevision = errors.New("storage: duplicate revision")
	// ErrClosed indicates use of a closed engine.
	ErrClosed = errors.New("storage: engine closed")
)

// DefaultMaxRevTreeDepth applies when no depth has been stored.
const DefaultMaxRevTreeDepth = 20

// RevisionRow is one stored revision. Body is nil for placeholders, compacted revisions and rows
// loaded without bodies.
type RevisionRow struct {
	DocID       string
	RevID       string
	ParentRevID string
	Sequence    uint64
	Deleted     bool
	Missing     bool
	// Current marks leaves.
	Current bool
	Body    []byte
}

// DocumentRow is the per-document summary kept in step with the revision tree.
type DocumentRow struct {
	DocID        string
	WinningRevID string
	Deleted      bool
	Conflicted   bool
}

// ChangesOptions controls ChangesSince.
type ChangesOptions struct {
	// Limit caps the number of rows; zero means unlimited.
	Limit int
	// IncludeConflicts returns every leaf changed after since, not only winners.
	IncludeConflicts bool
	// IncludeDocs loads bodies.
	IncludeDocs bool
}

// ChangeFilter drops rows from a changes feed when it returns false.
type ChangeFilter func(row RevisionRow) bool

// Engine persists revision trees. Every mutating call must run inside RunInTransaction.
type Engine interface {
	// RunInTransaction runs fn in a transaction. A call made with a context that already carries
	// a transaction joins it and only the outermost call commits. committed is false when fn or
	// the commit failed.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (committed bool, err error)
	// InTransaction reports whether ctx carries an open transaction.
	InTransaction(ctx context.Context) bool

	// LoadRevisions returns every revision of a document, without bodies.
	LoadRevisions(ctx context.Context, docID string) ([]RevisionRow, error)
	// GetRevision returns one revision; an empty revID selects the winner.
	GetRevision(ctx context.Context, docID, revID string, withBody bool) (RevisionRow, error)
	GetDocument(ctx context.Context, docID string) (DocumentRow, error)
	// InsertRevision stores row, assigns row.Sequence and clears Current on its parent. A stored
	// placeholder with the same ID is replaced.
	InsertRevision(ctx context.Context, row *RevisionRow) error
	UpdateDocument(ctx context.Context, document DocumentRow) error
	// PruneRevisions deletes the remove revisions and clears the parent of the detach ones.
	PruneRevisions(ctx context.Context, docID string, remove, detach []string) (int, error)
	// CompactBodies drops the bodies of non-leaf revisions.
	CompactBodies(ctx context.Context) (int, error)

	ChangesSince(ctx context.Context, since uint64, options ChangesOptions, filter ChangeFilter) ([]RevisionRow, error)
	DocumentIDs(ctx context.Context) ([]string, error)
	DocumentCount(ctx context.Context) (int, error)
	LastSequence(ctx context.Context) (uint64, error)

	GetInfo(ctx context.Context, key string) (string, error)
	SetInfo(ctx context.Context, key, value string) error

	// FindAllAttachmentDigests returns every attachment digest referenced by a stored body.
	FindAllAttachmentDigests(ctx context.Context) (map[string]struct{}, error)
	MaxRevTreeDepth(ctx context.Context) (int, error)
	SetMaxRevTreeDepth(ctx context.Context, depth int) error

	Close() error
}

// Info keys shared by the engines.
const (
	InfoKeyMaxRevTreeDepth = "max_rev_tree_depth"
	InfoKeyPrivateUUID     = "private_uuid"
	InfoKeyPublicUUID      = "public_uuid"
)

// AttachmentDigests extracts the attachment digests referenced by a stored body.
func AttachmentDigests(body []byte) ([]string, error) {
	if len(body) == 0 {
		return nil, nil
	}
	decoded, err := revision.DecodeBody(body)
	if err != nil {
		return nil, err
	}
	attachments := decoded.Attachments()
	digests := make([]string, 0, len(attachments))
	for _, raw := range attachments {
		metadata, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if digest, ok := metadata["digest"].(string); ok && digest != "" {
			digests = append(digests, digest)
		}
	}
	return digests, nil
}

// ParseDepth decodes a stored max depth, falling back to the default.
func ParseDepth(raw string) int {
	depth, err := strconv.Atoi(raw)
	if err != nil || depth < 0 {
		return DefaultMaxRevTreeDepth
	}
	return depth
}

// CompareRevIDs orders revision ID strings the way the revision tree does. Unparseable IDs sort
// first.
func CompareRevIDs(left, right string) int {
	leftID, leftErr := revision.ParseID(left)
	rightID, rightErr := revision.ParseID(right)
	switch {
	case leftErr != nil && rightErr != nil:
		return 0
	case leftErr != nil:
		return -1
	case rightErr != nil:
		return 1
	}
	return revision.Compare(leftID, rightID)
}

// FinishChanges orders candidate change rows by sequence, applies filter and then the limit.
func FinishChanges(candidates []RevisionRow, options ChangesOptions, filter ChangeFilter) []RevisionRow {
	sort.Slice(candidates, func(left, right int) bool {
		if candidates[left].Sequence != candidates[right].Sequence {
			return candidates[left].Sequence < candidates[right].Sequence
		}
		return CompareRevIDs(candidates[left].RevID, candidates[right].RevID) > 0
	})
	changes := make([]RevisionRow, 0, len(candidates))
	for _, row := range candidates {
		if filter != nil && !filter(row) {
			continue
		}
		changes = append(changes, row)
		if options.Limit > 0 && len(changes) >= options.Limit {
			break
		}
	}
	return changes
}
