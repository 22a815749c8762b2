package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/revdb/internal/attachments"
	"github.com/MarcoPoloResearchLab/revdb/internal/blobstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/changes"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/revtree"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
)

const (
	opPutRevision      = "docstore.put_revision"
	opPutDocument      = "docstore.put_document"
	opDeleteDocument   = "docstore.delete_document"
	opForceInsert      = "docstore.force_insert_revision"
	opUpdateAttachment = "docstore.update_attachment"
)

// PutRevision stores a new revision of docID as a child of prevRevID (empty for a new document).
// Properties with "_deleted": true, or nil properties, request a deletion. With allowConflict the
// parent need not be a leaf and an existing document may get a second root.
func (s *Store) PutRevision(ctx context.Context, docID string, properties map[string]any, prevRevID string, allowConflict bool) (*revision.Revision, error) {
	if err := s.checkOpen(opPutRevision); err != nil {
		return nil, err
	}
	if err := revision.ValidateDocumentID(docID); err != nil {
		return nil, status.New(opPutRevision, "invalid_doc_id", status.ErrBadID, err)
	}
	prevID, err := revision.ParseID(prevRevID)
	if err != nil {
		return nil, status.New(opPutRevision, "invalid_prev_rev_id", status.ErrBadID, err)
	}
	deleting := revision.IsDeletion(properties)
	body, err := revision.StripBody(properties)
	if err != nil {
		return nil, status.New(opPutRevision, "invalid_body", status.ErrBadRequest, err)
	}
	if deleting {
		body = body.WithAttachments(nil)
	}

	var stored *revision.Revision
	_, err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		tree, err := s.loadTree(ctx, docID)
		if err != nil {
			return s.fail(opPutRevision, "load_tree_failed", err, docID)
		}
		if deleting && prevID.IsZero() {
			winner := tree.Winner()
			if winner == nil || winner.Deleted {
				return status.New(opPutRevision, "document_not_found", status.ErrNotFound, nil)
			}
		}
		parent, err := tree.ResolveParent(prevID, allowConflict)
		if err != nil {
			return s.fail(opPutRevision, "parent_rejected", err, docID, zap.String("prev_rev_id", prevRevID))
		}

		generation := uint32(1)
		parentID := revision.ID{}
		var ancestors []revision.ID
		if parent != nil {
			generation, err = revision.NextGeneration(parent.ID)
			if err != nil {
				return s.fail(opPutRevision, "generation_limit", status.New(opPutRevision, "generation_limit", status.ErrBadID, err), docID)
			}
			parentID = parent.ID
			ancestors = ancestorsOf(tree, parent)
		}

		if !deleting {
			processed, err := attachments.Process(body.Attachments(), generation,
				s.ancestorLookup(ctx, docID, ancestors), blobSink{store: s})
			if err != nil {
				return s.fail(opPutRevision, "attachments_rejected", err, docID)
			}
			body = body.WithAttachments(processed)
		}

		canonical, err := body.Canonical()
		if err != nil {
			return s.fail(opPutRevision, "invalid_body", status.New(opPutRevision, "encode_failed", status.ErrBadRequest, err), docID)
		}
		revID, err := revision.GenerateID(canonical, deleting, parentID)
		if err != nil {
			return s.fail(opPutRevision, "generation_limit", status.New(opPutRevision, "generation_limit", status.ErrBadID, err), docID)
		}
		candidate := &revision.Revision{
			DocID:    docID,
			ID:       revID,
			ParentID: parentID,
			Deleted:  deleting,
			Body:     body,
		}

		var previous *revision.Revision
		if parent != nil && !parent.Missing {
			previous, err = s.loadRevision(ctx, docID, parent.ID)
			if err != nil {
				return s.fail(opPutRevision, "load_parent_failed", err, docID)
			}
		}
		if err := s.validate(ctx, opPutRevision, candidate, previous, parentID); err != nil {
			return err
		}

		node, err := tree.Insert(candidate.ID, parent, deleting)
		if err != nil {
			return s.fail(opPutRevision, "insert_rejected", err, docID, zap.String("rev_id", candidate.ID.String()))
		}
		row := storage.RevisionRow{
			DocID:       docID,
			RevID:       candidate.ID.String(),
			ParentRevID: parentID.String(),
			Deleted:     deleting,
			Current:     true,
			Body:        canonical,
		}
		if err := s.engine.InsertRevision(ctx, &row); err != nil {
			return s.fail(opPutRevision, "insert_failed", err, docID, zap.String("rev_id", row.RevID))
		}
		node.Sequence = row.Sequence
		candidate.Sequence = row.Sequence

		if err := s.commitTree(ctx, opPutRevision, tree, candidate, false, ""); err != nil {
			return err
		}
		stored = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// PutDocument stores properties as the next revision of the document. The document ID comes from
// docID, or "_id", or is generated; the parent revision comes from "_rev".
func (s *Store) PutDocument(ctx context.Context, docID string, properties map[string]any) (*revision.Revision, error) {
	if docID == "" {
		docID, _ = properties[revision.KeyID].(string)
	}
	if docID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opPutDocument, "id_generation_failed", err)
			return nil, status.New(opPutDocument, "id_generation_failed", status.ErrException, err)
		}
		docID = generated
	}
	prevRevID, _ := properties[revision.KeyRev].(string)
	return s.PutRevision(ctx, docID, properties, prevRevID, false)
}

// DeleteDocument stores a deletion revision on top of revID, which must be a current leaf.
func (s *Store) DeleteDocument(ctx context.Context, docID, revID string) (*revision.Revision, error) {
	if revID == "" {
		return nil, status.New(opDeleteDocument, "missing_rev_id", status.ErrBadID, nil)
	}
	return s.PutRevision(ctx, docID, map[string]any{revision.KeyDeleted: true}, revID, false)
}

// ForceInsertRevision stores a revision received from elsewhere together with its history. history
// lists revision IDs newest first and starts with the revision's own ID. Ancestors this store has
// never seen are kept as placeholders. Storing a revision that already exists is a no-op that
// returns the stored revision.
func (s *Store) ForceInsertRevision(ctx context.Context, docID string, properties map[string]any, history []string, source string) (*revision.Revision, error) {
	if err := s.checkOpen(opForceInsert); err != nil {
		return nil, err
	}
	if err := revision.ValidateDocumentID(docID); err != nil {
		return nil, status.New(opForceInsert, "invalid_doc_id", status.ErrBadID, err)
	}
	if len(history) == 0 {
		return nil, status.New(opForceInsert, "missing_history", status.ErrBadID, nil)
	}
	chain := make([]revision.ID, 0, len(history))
	for _, raw := range history {
		id, err := revision.ParseID(raw)
		if err != nil || id.IsZero() {
			return nil, status.New(opForceInsert, "invalid_history", status.ErrBadID, fmt.Errorf("revision %q", raw))
		}
		chain = append(chain, id)
	}
	if declared, ok := properties[revision.KeyRev].(string); ok && declared != "" && declared != history[0] {
		return nil, status.New(opForceInsert, "rev_mismatch", status.ErrBadID, fmt.Errorf("%s != %s", declared, history[0]))
	}
	revID, ancestry := chain[0], chain[1:]
	deleting := revision.IsDeletion(properties)
	body, err := revision.StripBody(properties)
	if err != nil {
		return nil, status.New(opForceInsert, "invalid_body", status.ErrBadRequest, err)
	}
	if deleting {
		body = body.WithAttachments(nil)
	}

	var stored *revision.Revision
	_, err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		tree, err := s.loadTree(ctx, docID)
		if err != nil {
			return s.fail(opForceInsert, "load_tree_failed", err, docID)
		}
		if existing := tree.Get(revID); existing != nil && !existing.Missing {
			stored, err = s.loadRevision(ctx, docID, revID)
			if err != nil {
				return s.fail(opForceInsert, "load_existing_failed", err, docID)
			}
			return nil
		}

		known := make([]revision.ID, 0, len(ancestry))
		var previous *revision.Revision
		for _, ancestor := range ancestry {
			node := tree.Get(ancestor)
			if node == nil || node.Missing {
				continue
			}
			known = append(known, ancestor)
			if previous == nil {
				previous, err = s.loadRevision(ctx, docID, ancestor)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return s.fail(opForceInsert, "load_parent_failed", err, docID)
				}
			}
		}

		if !deleting {
			processed, err := attachments.Process(body.Attachments(), revID.Generation,
				s.ancestorLookup(ctx, docID, known), blobSink{store: s})
			if err != nil {
				return s.fail(opForceInsert, "attachments_rejected", err, docID)
			}
			body = body.WithAttachments(processed)
		}
		canonical, err := body.Canonical()
		if err != nil {
			return s.fail(opForceInsert, "invalid_body", status.New(opForceInsert, "encode_failed", status.ErrBadRequest, err), docID)
		}
		parentID := revision.ID{}
		if len(ancestry) > 0 {
			parentID = ancestry[0]
		}
		candidate := &revision.Revision{DocID: docID, ID: revID, ParentID: parentID, Deleted: deleting, Body: body}
		if err := s.validate(ctx, opForceInsert, candidate, previous, parentID); err != nil {
			return err
		}

		nodes, err := tree.ForceInsert(revID, deleting, ancestry)
		if err != nil {
			return s.fail(opForceInsert, "insert_rejected", err, docID, zap.String("rev_id", revID.String()))
		}
		for _, node := range nodes {
			row := storage.RevisionRow{
				DocID:       docID,
				RevID:       node.ID.String(),
				ParentRevID: node.Parent.String(),
				Deleted:     node.Deleted,
				Missing:     node.Missing,
				Current:     tree.IsLeaf(node.ID),
			}
			if node.ID == revID {
				row.Body = canonical
			}
			if err := s.engine.InsertRevision(ctx, &row); err != nil {
				return s.fail(opForceInsert, "insert_failed", err, docID, zap.String("rev_id", row.RevID))
			}
			node.Sequence = row.Sequence
			if node.ID == revID {
				candidate.Sequence = row.Sequence
				candidate.ParentID = node.Parent
			}
		}

		if err := s.commitTree(ctx, opForceInsert, tree, candidate, true, source); err != nil {
			return err
		}
		stored = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateAttachment creates a revision of docID on top of prevRevID that adds or replaces the
// attachment name with the staged writer, or removes it when writer is nil.
func (s *Store) UpdateAttachment(ctx context.Context, docID, prevRevID, name string, writer *blobstore.Writer, contentType string, encoding attachments.Encoding) (*revision.Revision, error) {
	if name == "" {
		return nil, status.New(opUpdateAttachment, "missing_name", status.ErrBadAttachment, nil)
	}
	if err := revision.ValidateDocumentID(docID); err != nil {
		return nil, status.New(opUpdateAttachment, "invalid_doc_id", status.ErrBadID, err)
	}

	var stored *revision.Revision
	_, err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		body := revision.Body{}
		generation := uint32(1)
		if prevRevID != "" {
			previous, err := s.GetRevision(ctx, docID, prevRevID, GetOptions{})
			if errors.Is(err, status.ErrNotFound) {
				tree, loadErr := s.loadTree(ctx, docID)
				if loadErr == nil && !tree.IsEmpty() {
					return status.New(opUpdateAttachment, "parent_not_found", status.ErrConflict, nil)
				}
			}
			if err != nil {
				return err
			}
			if previous.Deleted {
				return status.New(opUpdateAttachment, "document_deleted", status.ErrNotFound, nil)
			}
			body = previous.Body.Clone()
			if body == nil {
				body = revision.Body{}
			}
			generation = previous.Generation() + 1
		}

		updated := make(map[string]any, len(body.Attachments())+1)
		for existingName, metadata := range body.Attachments() {
			updated[existingName] = metadata
		}
		if writer == nil {
			if _, ok := updated[name]; !ok {
				return status.New(opUpdateAttachment, "attachment_not_found", status.ErrNotFound, nil)
			}
			delete(updated, name)
		} else {
			digest, err := s.RegisterPendingAttachment(writer)
			if err != nil {
				return err
			}
			staged := &attachments.Attachment{
				Name:        name,
				ContentType: contentType,
				Digest:      digest,
				Encoding:    encoding,
				RevPos:      generation,
				State:       attachments.StateFollows,
			}
			updated[name] = staged.FollowsMetadata()
		}

		properties := map[string]any(body.WithAttachments(updated))
		rev, err := s.PutRevision(ctx, docID, properties, prevRevID, false)
		if err != nil {
			return err
		}
		stored = rev
		return nil
	})
	if err != nil {
		if writer != nil {
			s.pending.remove(writer.Digest())
		}
		return nil, err
	}
	return stored, nil
}

// commitTree writes the document summary, prunes when the new generation is deep enough and
// records the change.
func (s *Store) commitTree(ctx context.Context, operation string, tree *revtree.Tree, rev *revision.Revision, external bool, source string) error {
	winner, err := s.saveDocumentSummary(ctx, tree)
	if err != nil {
		return s.fail(operation, "update_document_failed", err, rev.DocID)
	}
	pruned, err := s.pruneIfDeep(ctx, tree, rev.Generation())
	if err != nil {
		return s.fail(operation, "prune_failed", err, rev.DocID)
	}
	if pruned > 0 {
		s.logger.Debug("revision tree pruned", zap.String("doc_id", rev.DocID), zap.Int("removed", pruned))
	}
	s.notifier.Record(changes.Change{
		DocID:        rev.DocID,
		RevID:        rev.ID.String(),
		WinningRevID: winner.ID.String(),
		Sequence:     rev.Sequence,
		IsConflict:   tree.IsConflicted(),
		IsExternal:   external,
		Source:       source,
	})
	return nil
}

// fail logs err and wraps it with the operation code. Coded errors keep their kind.
func (s *Store) fail(operation, reason string, err error, docID string, fields ...zap.Field) error {
	s.logError(operation, reason, err, append(fields, zap.String("doc_id", docID))...)
	return status.New(operation, reason, kindOf(err), err)
}
