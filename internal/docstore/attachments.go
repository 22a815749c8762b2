package docstore

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/revdb/internal/attachments"
	"github.com/MarcoPoloResearchLab/revdb/internal/blobstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/revtree"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const (
	opStageAttachment   = "docstore.stage_attachment"
	opAttachmentContent = "docstore.attachment_content"
	opAttachmentPath    = "docstore.attachment_path"
)

// pendingWriters holds finished uploads waiting for a revision that names them as follows. A writer
// installed by the open transaction stays registered until that transaction commits, so a rejected
// write can be retried with the same upload.
type pendingWriters struct {
	mu      sync.Mutex
	writers map[string]*blobstore.Writer
	claimed map[string]*blobstore.Writer
	group   singleflight.Group
}

func newPendingWriters() *pendingWriters {
	return &pendingWriters{
		writers: make(map[string]*blobstore.Writer),
		claimed: make(map[string]*blobstore.Writer),
	}
}

func (pending *pendingWriters) register(writer *blobstore.Writer) {
	pending.mu.Lock()
	defer pending.mu.Unlock()
	if previous, ok := pending.writers[writer.Digest()]; ok && previous != writer {
		previous.Cancel()
	}
	pending.writers[writer.Digest()] = writer
}

func (pending *pendingWriters) lookup(digest string) (*blobstore.Writer, bool) {
	pending.mu.Lock()
	defer pending.mu.Unlock()
	writer, ok := pending.writers[digest]
	return writer, ok
}

// install promotes the writer registered under digest. Concurrent installs of one digest share a
// single rename.
func (pending *pendingWriters) install(digest string) (int64, error) {
	length, err, _ := pending.group.Do(digest, func() (any, error) {
		writer, ok := pending.lookup(digest)
		if !ok {
			return int64(0), attachments.ErrNoPendingWriter
		}
		if err := writer.Install(); err != nil {
			return int64(0), err
		}
		pending.mu.Lock()
		pending.claimed[digest] = writer
		pending.mu.Unlock()
		return writer.Length(), nil
	})
	return length.(int64), err
}

// commit forgets the writers installed by the transaction that just committed.
func (pending *pendingWriters) commit() {
	pending.mu.Lock()
	defer pending.mu.Unlock()
	for digest, writer := range pending.claimed {
		if pending.writers[digest] == writer {
			delete(pending.writers, digest)
		}
	}
	pending.claimed = make(map[string]*blobstore.Writer)
}

// rollback keeps the writers of an aborted transaction registered for a retry.
func (pending *pendingWriters) rollback() {
	pending.mu.Lock()
	defer pending.mu.Unlock()
	pending.claimed = make(map[string]*blobstore.Writer)
}

func (pending *pendingWriters) remove(digest string) {
	pending.mu.Lock()
	writer, ok := pending.writers[digest]
	delete(pending.writers, digest)
	pending.mu.Unlock()
	if ok {
		writer.Cancel()
	}
}

func (pending *pendingWriters) cancelAll() {
	pending.mu.Lock()
	writers := pending.writers
	pending.writers = make(map[string]*blobstore.Writer)
	pending.claimed = make(map[string]*blobstore.Writer)
	pending.mu.Unlock()
	for _, writer := range writers {
		writer.Cancel()
	}
}

// NewAttachmentWriter starts staging an attachment upload in the blob store directory.
func (s *Store) NewAttachmentWriter() (*blobstore.Writer, error) {
	if err := s.checkOpen(opStageAttachment); err != nil {
		return nil, err
	}
	writer, err := s.blobs.NewWriter()
	if err != nil {
		s.logError(opStageAttachment, "writer_create_failed", err)
		return nil, status.New(opStageAttachment, "writer_create_failed", status.ErrAttachmentError, err)
	}
	return writer, nil
}

// RegisterPendingAttachment finishes writer and makes it available, by digest, to the next
// revision that declares an attachment with "follows": true.
func (s *Store) RegisterPendingAttachment(writer *blobstore.Writer) (string, error) {
	if writer == nil {
		return "", status.New(opStageAttachment, "missing_writer", status.ErrBadAttachment, nil)
	}
	if err := writer.Finish(); err != nil {
		writer.Cancel()
		s.logError(opStageAttachment, "writer_finish_failed", err)
		return "", status.New(opStageAttachment, "writer_finish_failed", status.ErrAttachmentError, err)
	}
	s.pending.register(writer)
	s.logger.Debug("attachment staged",
		zap.String("digest", writer.Digest()),
		zap.Int64("length", writer.Length()))
	return writer.Digest(), nil
}

// CancelPendingAttachment discards a staged upload.
func (s *Store) CancelPendingAttachment(digest string) {
	s.pending.remove(digest)
}

// blobSink installs attachment bytes for attachments.Process.
type blobSink struct {
	store *Store
}

func (sink blobSink) StoreInline(data []byte) (string, error) {
	key, err := sink.store.blobs.Put(data)
	if err != nil {
		return "", err
	}
	return key.Digest(), nil
}

func (sink blobSink) InstallPending(digest string) (int64, error) {
	return sink.store.pending.install(digest)
}

func (sink blobSink) HasDigest(digest string) bool {
	key, err := blobstore.ParseDigest(digest)
	if err != nil {
		return false
	}
	return sink.store.blobs.Has(key)
}

func (sink blobSink) Load(digest string) ([]byte, error) {
	key, err := blobstore.ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	return sink.store.blobs.ReadAll(key)
}

// ancestorLookup resolves attachment stubs against the stored bodies of ancestors, nearest first.
func (s *Store) ancestorLookup(ctx context.Context, docID string, ancestors []revision.ID) attachments.AncestorLookup {
	loaded := make(map[revision.ID]revision.Body, len(ancestors))
	return func(name string) (map[string]any, bool) {
		for _, id := range ancestors {
			body, ok := loaded[id]
			if !ok {
				rev, err := s.loadRevision(ctx, docID, id)
				if err != nil {
					loaded[id] = nil
					continue
				}
				body = rev.Body
				loaded[id] = body
			}
			if metadata, ok := body.Attachments()[name].(map[string]any); ok {
				return metadata, true
			}
		}
		return nil, false
	}
}

// ancestorsOf lists the stored ancestors of node, nearest first, skipping placeholders.
func ancestorsOf(tree *revtree.Tree, node *revtree.Node) []revision.ID {
	var ids []revision.ID
	for current := node; current != nil; {
		if !current.Missing {
			ids = append(ids, current.ID)
		}
		if current.Parent.IsZero() {
			break
		}
		current = tree.Get(current.Parent)
	}
	return ids
}

// GetAttachmentContent returns the bytes of one attachment of a revision (the winner when revID is
// empty). With decode set, gzip-encoded content is decompressed.
func (s *Store) GetAttachmentContent(ctx context.Context, docID, revID, name string, decode bool) ([]byte, *attachments.Attachment, error) {
	rev, err := s.GetRevision(ctx, docID, revID, GetOptions{})
	if err != nil {
		return nil, nil, err
	}
	metadata, ok := rev.Body.Attachments()[name].(map[string]any)
	if !ok {
		return nil, nil, status.New(opAttachmentContent, "attachment_not_found", status.ErrNotFound, nil)
	}
	attachment, err := attachments.FromMetadata(name, metadata)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.readBlob(attachment)
	if err != nil {
		s.logError(opAttachmentContent, "blob_read_failed", err,
			zap.String("doc_id", docID),
			zap.String("digest", attachment.Digest))
		return nil, nil, status.New(opAttachmentContent, "blob_read_failed", blobKind(err), err)
	}
	if decode && attachment.Encoding == attachments.EncodingGzip {
		decoded, err := attachments.Decode(data)
		if err != nil {
			s.logError(opAttachmentContent, "decode_failed", err, zap.String("doc_id", docID))
			return nil, nil, status.New(opAttachmentContent, "decode_failed", status.ErrAttachmentError, err)
		}
		return decoded, attachment, nil
	}
	return data, attachment, nil
}

// AttachmentPath returns the file holding digest: the temp file of a staged upload or the
// installed blob.
func (s *Store) AttachmentPath(digest string) (string, error) {
	if writer, ok := s.pending.lookup(digest); ok && !writer.Installed() {
		return writer.TempPath(), nil
	}
	key, err := blobstore.ParseDigest(digest)
	if err != nil {
		return "", status.New(opAttachmentPath, "invalid_digest", status.ErrBadAttachment, err)
	}
	if !s.blobs.Has(key) {
		return "", status.New(opAttachmentPath, "blob_not_found", status.ErrNotFound, nil)
	}
	return s.blobs.PathFor(key), nil
}

func (s *Store) readBlob(attachment *attachments.Attachment) ([]byte, error) {
	key, err := blobstore.ParseDigest(attachment.Digest)
	if err != nil {
		return nil, err
	}
	return s.blobs.ReadAll(key)
}

func blobKind(err error) error {
	if errors.Is(err, blobstore.ErrNotFound) {
		return status.ErrNotFound
	}
	if errors.Is(err, blobstore.ErrInvalidKey) {
		return status.ErrBadAttachment
	}
	return status.ErrAttachmentError
}
