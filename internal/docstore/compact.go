package docstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/revdb/internal/blobstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const (
	opCompact          = "docstore.compact"
	opCollectGarbage   = "docstore.collect_garbage"
	opChangeEncryption = "docstore.change_encryption_key"
)

// CompactResult reports what Compact removed.
type CompactResult struct {
	PrunedRevisions int
	CompactedBodies int
	DeletedBlobs    int
}

// Compact prunes every revision tree to the configured depth, drops the bodies of non-leaf
// revisions and deletes blobs no stored revision references.
func (s *Store) Compact(ctx context.Context) (CompactResult, error) {
	if err := s.checkOpen(opCompact); err != nil {
		return CompactResult{}, err
	}
	var result CompactResult
	_, err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		depth, err := s.engine.MaxRevTreeDepth(ctx)
		if err != nil {
			return s.fail(opCompact, "depth_lookup_failed", err, "")
		}
		docIDs, err := s.engine.DocumentIDs(ctx)
		if err != nil {
			return s.fail(opCompact, "list_documents_failed", err, "")
		}
		for _, docID := range docIDs {
			tree, err := s.loadTree(ctx, docID)
			if err != nil {
				return s.fail(opCompact, "load_tree_failed", err, docID)
			}
			pruned, err := s.pruneTree(ctx, tree, depth)
			if err != nil {
				return s.fail(opCompact, "prune_failed", err, docID)
			}
			result.PrunedRevisions += pruned
		}
		compacted, err := s.engine.CompactBodies(ctx)
		if err != nil {
			return s.fail(opCompact, "compact_bodies_failed", err, "")
		}
		result.CompactedBodies = compacted

		deleted, err := s.collectGarbage(ctx)
		if err != nil {
			return err
		}
		result.DeletedBlobs = deleted
		return nil
	})
	if err != nil {
		return CompactResult{}, err
	}
	s.logger.Info("store compacted",
		zap.Int("pruned_revisions", result.PrunedRevisions),
		zap.Int("compacted_bodies", result.CompactedBodies),
		zap.Int("deleted_blobs", result.DeletedBlobs))
	return result, nil
}

// collectGarbage deletes every blob not referenced by a stored body. It runs under the write lock
// so no revision can reference a blob between the scan and the sweep.
func (s *Store) collectGarbage(ctx context.Context) (int, error) {
	digests, err := s.engine.FindAllAttachmentDigests(ctx)
	if err != nil {
		return 0, s.fail(opCollectGarbage, "find_digests_failed", err, "")
	}
	keep := make(map[blobstore.Key]struct{}, len(digests))
	for digest := range digests {
		key, err := blobstore.ParseDigest(digest)
		if err != nil {
			s.logger.Warn("skipping unparseable attachment digest",
				zap.String("operation", opCollectGarbage),
				zap.String("digest", digest))
			continue
		}
		keep[key] = struct{}{}
	}
	deleted, err := s.blobs.DeleteExcept(keep)
	if err != nil {
		s.logError(opCollectGarbage, "sweep_failed", err)
		return deleted, status.New(opCollectGarbage, "sweep_failed", status.ErrAttachmentError, err)
	}
	return deleted, nil
}

// ChangeEncryptionKey re-encrypts every blob under newKey; nil decrypts the store. Writes wait
// until the change has finished.
func (s *Store) ChangeEncryptionKey(ctx context.Context, newKey *blobstore.EncryptionKey) error {
	if err := s.checkOpen(opChangeEncryption); err != nil {
		return err
	}
	_, err := s.RunInTransaction(ctx, func(context.Context) error {
		s.pending.cancelAll()
		if err := s.blobs.ChangeEncryptionKey(newKey); err != nil {
			s.logError(opChangeEncryption, "rekey_failed", err)
			return status.New(opChangeEncryption, "rekey_failed", status.ErrAttachmentError, err)
		}
		return nil
	})
	return err
}
