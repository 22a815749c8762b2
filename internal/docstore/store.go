// Package docstore is the document store: it validates writes, installs attachment payloads, keeps
// each document's revision tree in the storage engine and reports committed changes.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/revdb/internal/attachments"
	"github.com/MarcoPoloResearchLab/revdb/internal/blobstore"
	"github.com/MarcoPoloResearchLab/revdb/internal/changes"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage/backend"
)

var (
	errMissingStorage = errors.New("storage engine or dsn is required")
	errMissingBlobDir = errors.New("blob directory is required")
	errStoreClosed    = errors.New("document store is closed")
	noOpLogger        = zap.NewNop()
)

const (
	opOpen              = "docstore.open"
	opClose             = "docstore.close"
	opUUIDs             = "docstore.uuids"
	opCheckpoint        = "docstore.checkpoint"
	opMaxRevTreeDepth   = "docstore.max_rev_tree_depth"
	checkpointKeyPrefix = "checkpoint/"
	defaultCacheSize    = 50
)

// Config configures Open. Either Engine or DSN selects the storage engine.
type Config struct {
	Engine storage.Engine
	DSN    string
	// BlobDir is the attachment blob directory.
	BlobDir       string
	EncryptionKey *blobstore.EncryptionKey
	// MaxRevTreeDepth overrides the stored depth when positive.
	MaxRevTreeDepth       int
	DocumentCacheSize     int
	InlineAttachmentLimit int64
	IDProvider            IDProvider
	Logger                *zap.Logger
}

// IDProvider issues document IDs for documents created without one.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Store is an open document store. It is safe for concurrent use.
type Store struct {
	engine      storage.Engine
	blobs       *blobstore.Store
	idProvider  IDProvider
	logger      *zap.Logger
	inlineLimit int64

	// writeMu is held for the outermost transaction of every write.
	writeMu    sync.Mutex
	registry   *Registry
	notifier   *changes.Notifier
	dispatcher *changes.Dispatcher
	documents  *documentCache
	pending    *pendingWriters
	closed     atomic.Bool
}

// Open opens the storage engine and the blob store described by config.
func Open(ctx context.Context, config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if strings.TrimSpace(config.BlobDir) == "" {
		return nil, status.New(opOpen, "missing_blob_dir", status.ErrBadRequest, errMissingBlobDir)
	}

	engine := config.Engine
	if engine == nil {
		if strings.TrimSpace(config.DSN) == "" {
			return nil, status.New(opOpen, "missing_storage", status.ErrBadRequest, errMissingStorage)
		}
		opened, err := backend.Open(ctx, config.DSN, logger)
		if err != nil {
			logger.Error("storage open failed", zap.String("operation", opOpen), zap.Error(err))
			return nil, status.New(opOpen, "storage_open_failed", status.ErrException, err)
		}
		engine = opened
	}

	blobs, err := blobstore.Open(config.BlobDir, blobstore.Options{EncryptionKey: config.EncryptionKey, Logger: logger})
	if err != nil {
		if config.Engine == nil {
			engine.Close()
		}
		if errors.Is(err, blobstore.ErrUnauthorized) {
			return nil, status.New(opOpen, "blob_store_locked", status.ErrUnauthorized, err)
		}
		logger.Error("blob store open failed", zap.String("operation", opOpen), zap.Error(err))
		return nil, status.New(opOpen, "blob_store_open_failed", status.ErrAttachmentError, err)
	}

	cacheSize := config.DocumentCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	documents, err := newDocumentCache(cacheSize)
	if err != nil {
		return nil, status.New(opOpen, "document_cache_failed", status.ErrException, err)
	}

	inlineLimit := config.InlineAttachmentLimit
	if inlineLimit <= 0 {
		inlineLimit = attachments.DefaultInlineLimit
	}
	idProvider := config.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	store := &Store{
		engine:      engine,
		blobs:       blobs,
		idProvider:  idProvider,
		logger:      logger,
		inlineLimit: inlineLimit,
		registry:    NewRegistry(),
		dispatcher:  changes.NewDispatcher(),
		documents:   documents,
		pending:     newPendingWriters(),
	}
	store.notifier = changes.NewNotifier(changes.NotifierConfig{
		Tracker:    store,
		Dispatcher: store.dispatcher,
		Logger:     logger,
	})

	if _, err := store.RunInTransaction(ctx, func(ctx context.Context) error {
		if config.MaxRevTreeDepth > 0 {
			if err := engine.SetMaxRevTreeDepth(ctx, config.MaxRevTreeDepth); err != nil {
				return err
			}
		}
		return store.ensureUUIDs(ctx)
	}); err != nil {
		store.Close()
		logger.Error("store initialisation failed", zap.String("operation", opOpen), zap.Error(err))
		return nil, status.New(opOpen, "initialise_failed", status.ErrException, err)
	}
	return store, nil
}

// Close releases the storage engine and discards staged attachment uploads.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pending.cancelAll()
	if err := s.engine.Close(); err != nil {
		s.logError(opClose, "engine_close_failed", err)
		return status.New(opClose, "engine_close_failed", status.ErrException, err)
	}
	return nil
}

// Registry returns the validators and filters of this store.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Blobs returns the attachment blob store.
func (s *Store) Blobs() *blobstore.Store {
	return s.blobs
}

// AddChangeListener registers listener for committed change batches.
func (s *Store) AddChangeListener(listener changes.Listener) func() {
	return s.notifier.AddListener(listener)
}

// SubscribeChanges streams committed batches, restricted to docIDs when any are given.
func (s *Store) SubscribeChanges(ctx context.Context, docIDs ...string) (<-chan changes.Batch, func()) {
	return s.dispatcher.Subscribe(ctx, docIDs...)
}

// DocumentCount returns the number of documents whose winner is not deleted.
func (s *Store) DocumentCount(ctx context.Context) (int, error) {
	return s.engine.DocumentCount(ctx)
}

// LastSequence returns the highest assigned sequence.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	return s.engine.LastSequence(ctx)
}

// MaxRevTreeDepth returns the depth revision trees are pruned to.
func (s *Store) MaxRevTreeDepth(ctx context.Context) (int, error) {
	return s.engine.MaxRevTreeDepth(ctx)
}

// SetMaxRevTreeDepth changes the depth revision trees are pruned to.
func (s *Store) SetMaxRevTreeDepth(ctx context.Context, depth int) error {
	if depth < 0 {
		return status.New(opMaxRevTreeDepth, "negative_depth", status.ErrBadRequest, fmt.Errorf("depth %d", depth))
	}
	_, err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.engine.SetMaxRevTreeDepth(ctx, depth)
	})
	if err != nil {
		s.logError(opMaxRevTreeDepth, "set_failed", err)
		return status.New(opMaxRevTreeDepth, "set_failed", kindOf(err), err)
	}
	return nil
}

// PrivateUUID returns the store's private identifier.
func (s *Store) PrivateUUID(ctx context.Context) (string, error) {
	return s.info(ctx, opUUIDs, storage.InfoKeyPrivateUUID)
}

// PublicUUID returns the store's public identifier.
func (s *Store) PublicUUID(ctx context.Context) (string, error) {
	return s.info(ctx, opUUIDs, storage.InfoKeyPublicUUID)
}

// ReplaceUUIDs assigns fresh private and public identifiers.
func (s *Store) ReplaceUUIDs(ctx context.Context) error {
	_, err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.engine.SetInfo(ctx, storage.InfoKeyPrivateUUID, uuid.NewString()); err != nil {
			return err
		}
		return s.engine.SetInfo(ctx, storage.InfoKeyPublicUUID, uuid.NewString())
	})
	if err != nil {
		s.logError(opUUIDs, "replace_failed", err)
		return status.New(opUUIDs, "replace_failed", kindOf(err), err)
	}
	return nil
}

// LastSequenceWithCheckpointID returns the value stored for a local checkpoint, or "" when none
// has been saved.
func (s *Store) LastSequenceWithCheckpointID(ctx context.Context, checkpointID string) (string, error) {
	if strings.TrimSpace(checkpointID) == "" {
		return "", status.New(opCheckpoint, "missing_checkpoint_id", status.ErrBadID, nil)
	}
	value, err := s.engine.GetInfo(ctx, checkpointKeyPrefix+checkpointID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		s.logError(opCheckpoint, "get_failed", err, zap.String("checkpoint_id", checkpointID))
		return "", status.New(opCheckpoint, "get_failed", kindOf(err), err)
	}
	return value, nil
}

// SetLastSequence stores lastSequence under a local checkpoint.
func (s *Store) SetLastSequence(ctx context.Context, lastSequence, checkpointID string) error {
	if strings.TrimSpace(checkpointID) == "" {
		return status.New(opCheckpoint, "missing_checkpoint_id", status.ErrBadID, nil)
	}
	_, err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		return s.engine.SetInfo(ctx, checkpointKeyPrefix+checkpointID, lastSequence)
	})
	if err != nil {
		s.logError(opCheckpoint, "set_failed", err, zap.String("checkpoint_id", checkpointID))
		return status.New(opCheckpoint, "set_failed", kindOf(err), err)
	}
	return nil
}

func (s *Store) ensureUUIDs(ctx context.Context) error {
	for _, key := range []string{storage.InfoKeyPrivateUUID, storage.InfoKeyPublicUUID} {
		_, err := s.engine.GetInfo(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := s.engine.SetInfo(ctx, key, uuid.NewString()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) info(ctx context.Context, operation, key string) (string, error) {
	value, err := s.engine.GetInfo(ctx, key)
	if err != nil {
		s.logError(operation, "get_info_failed", err, zap.String("key", key))
		return "", status.New(operation, "get_info_failed", kindOf(err), err)
	}
	return value, nil
}

func (s *Store) checkOpen(operation string) error {
	if s.closed.Load() {
		return status.New(operation, "closed", status.ErrException, errStoreClosed)
	}
	return nil
}

// kindOf maps engine and blob store errors onto the status kinds.
func kindOf(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		return status.ErrNotFound
	case errors.Is(err, storage.ErrDuplicateRevision):
		return status.ErrConflict
	case errors.Is(err, blobstore.ErrUnauthorized):
		return status.ErrUnauthorized
	}
	return status.KindOf(err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	if kindOf(err) == status.ErrException {
		s.logger.Error("document store operation failed", allFields...)
		return
	}
	s.logger.Debug("document store operation rejected", allFields...)
}
