package docstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/revdb/internal/attachments"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const (
	opGetRevision = "docstore.get_revision"
	opGetDocument = "docstore.get_document"
	opHistory     = "docstore.history"
	opLeaves      = "docstore.leaves"
)

// GetOptions controls how a revision is returned.
type GetOptions struct {
	// Attachments expands attachment metadata into inline data or follows markers. Nil returns the
	// stored stubs.
	Attachments *attachments.ExpandOptions
}

// GetRevision returns one revision of docID with its body; an empty revID selects the winner,
// which may be a deletion.
func (s *Store) GetRevision(ctx context.Context, docID, revID string, options GetOptions) (*revision.Revision, error) {
	if err := revision.ValidateDocumentID(docID); err != nil {
		return nil, status.New(opGetRevision, "invalid_doc_id", status.ErrBadID, err)
	}
	if _, err := revision.ParseID(revID); err != nil {
		return nil, status.New(opGetRevision, "invalid_rev_id", status.ErrBadID, err)
	}
	row, err := s.engine.GetRevision(ctx, docID, revID, true)
	if err != nil {
		return nil, s.fail(opGetRevision, "revision_not_found", err, docID, zap.String("rev_id", revID))
	}
	if row.Missing {
		return nil, status.New(opGetRevision, "revision_missing", status.ErrNotFound, nil)
	}
	rev, err := revisionFromRow(row)
	if err != nil {
		return nil, s.fail(opGetRevision, "decode_failed", err, docID, zap.String("rev_id", row.RevID))
	}
	if options.Attachments == nil || len(rev.Body.Attachments()) == 0 {
		return rev, nil
	}
	expandOptions := *options.Attachments
	if expandOptions.InlineLimit <= 0 {
		expandOptions.InlineLimit = s.inlineLimit
	}
	expanded, err := attachments.Expand(rev.Body.Attachments(), expandOptions, s.readBlob)
	if err != nil {
		return nil, s.fail(opGetRevision, "expand_failed", err, docID, zap.String("rev_id", row.RevID))
	}
	return rev.WithBody(rev.Body.WithAttachments(expanded)), nil
}

// GetDocument returns the winning revision of docID. A deleted document is not found.
func (s *Store) GetDocument(ctx context.Context, docID string, options GetOptions) (*revision.Revision, error) {
	rev, err := s.GetRevision(ctx, docID, "", options)
	if err != nil {
		return nil, err
	}
	if rev.Deleted {
		return nil, status.New(opGetDocument, "document_deleted", status.ErrNotFound, nil)
	}
	return rev, nil
}

// RevisionHistory returns the ancestry of revID in root-to-leaf order, placeholders included.
func (s *Store) RevisionHistory(ctx context.Context, docID, revID string) ([]revision.ID, error) {
	id, err := revision.ParseID(revID)
	if err != nil || id.IsZero() {
		return nil, status.New(opHistory, "invalid_rev_id", status.ErrBadID, err)
	}
	tree, err := s.loadTree(ctx, docID)
	if err != nil {
		return nil, s.fail(opHistory, "load_tree_failed", err, docID)
	}
	history, err := tree.History(id)
	if err != nil {
		return nil, s.fail(opHistory, "revision_not_found", err, docID, zap.String("rev_id", revID))
	}
	return history, nil
}

// Leaves returns the leaf revisions of docID without bodies, the winner first.
func (s *Store) Leaves(ctx context.Context, docID string) ([]*revision.Revision, error) {
	tree, err := s.loadTree(ctx, docID)
	if err != nil {
		return nil, s.fail(opLeaves, "load_tree_failed", err, docID)
	}
	if tree.IsEmpty() {
		return nil, status.New(opLeaves, "document_not_found", status.ErrNotFound, nil)
	}
	nodes := tree.Leaves()
	leaves := make([]*revision.Revision, 0, len(nodes))
	for _, node := range nodes {
		leaves = append(leaves, &revision.Revision{
			DocID:    docID,
			ID:       node.ID,
			ParentID: node.Parent,
			Sequence: node.Sequence,
			Deleted:  node.Deleted,
			Missing:  node.Missing,
		})
	}
	return leaves, nil
}

// Conflicts returns the live leaves of docID other than the winner, with bodies.
func (s *Store) Conflicts(ctx context.Context, docID string) ([]*revision.Revision, error) {
	tree, err := s.loadTree(ctx, docID)
	if err != nil {
		return nil, s.fail(opLeaves, "load_tree_failed", err, docID)
	}
	conflicts := make([]*revision.Revision, 0)
	for _, node := range tree.Conflicts() {
		rev, err := s.loadRevision(ctx, docID, node.ID)
		if err != nil {
			return nil, s.fail(opLeaves, "load_conflict_failed", err, docID, zap.String("rev_id", node.ID.String()))
		}
		conflicts = append(conflicts, rev)
	}
	return conflicts, nil
}

// IsConflicted reports whether docID has a live leaf other than its winner.
func (s *Store) IsConflicted(ctx context.Context, docID string) (bool, error) {
	document, err := s.engine.GetDocument(ctx, docID)
	if err != nil {
		return false, s.fail(opGetDocument, "document_not_found", err, docID)
	}
	return document.Conflicted, nil
}
