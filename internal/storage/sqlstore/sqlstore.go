// Package sqlstore implements the storage engine on gorm. The same code serves SQLite and
// Postgres; the transaction in progress travels in the context.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
)

const (
	infoKeyLastSequence = "last_sequence"
	digestBatchSize     = 200
)

type txKey struct{}

// Engine implements storage.Engine on a migrated gorm connection.
type Engine struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ storage.Engine = (*Engine)(nil)

// New wraps db. The schema must already be migrated.
func New(db *gorm.DB, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, logger: logger}
}

func (engine *Engine) currentTx(ctx context.Context) *gorm.DB {
	tx, _ := ctx.Value(txKey{}).(*gorm.DB)
	return tx
}

func (engine *Engine) conn(ctx context.Context) *gorm.DB {
	if tx := engine.currentTx(ctx); tx != nil {
		return tx
	}
	return engine.db.WithContext(ctx)
}

// RunInTransaction implements storage.Engine.
func (engine *Engine) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if engine.currentTx(ctx) != nil {
		err := fn(ctx)
		return err == nil, err
	}
	err := engine.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	return err == nil, err
}

// InTransaction implements storage.Engine.
func (engine *Engine) InTransaction(ctx context.Context) bool {
	return engine.currentTx(ctx) != nil
}

func (engine *Engine) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if tx := engine.currentTx(ctx); tx != nil {
		return fn(tx)
	}
	_, err := engine.RunInTransaction(ctx, func(txCtx context.Context) error {
		return fn(engine.currentTx(txCtx))
	})
	return err
}

// LoadRevisions implements storage.Engine.
func (engine *Engine) LoadRevisions(ctx context.Context, docID string) ([]storage.RevisionRow, error) {
	var records []RevisionRecord
	err := engine.conn(ctx).
		Omit("body").
		Where("doc_id = ?", docID).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load revisions: %w", err)
	}
	rows := make([]storage.RevisionRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, toRow(record, false))
	}
	return rows, nil
}

// GetRevision implements storage.Engine.
func (engine *Engine) GetRevision(ctx context.Context, docID, revID string, withBody bool) (storage.RevisionRow, error) {
	if revID == "" {
		document, err := engine.GetDocument(ctx, docID)
		if err != nil {
			return storage.RevisionRow{}, err
		}
		revID = document.WinningRevID
	}
	query := engine.conn(ctx).Where("doc_id = ? AND rev_id = ?", docID, revID)
	if !withBody {
		query = query.Omit("body")
	}
	var record RevisionRecord
	if err := query.Take(&record).Error; err != nil {
		return storage.RevisionRow{}, translate("get revision", err)
	}
	return toRow(record, withBody), nil
}

// GetDocument implements storage.Engine.
func (engine *Engine) GetDocument(ctx context.Context, docID string) (storage.DocumentRow, error) {
	var record DocumentRecord
	if err := engine.conn(ctx).Where("doc_id = ?", docID).Take(&record).Error; err != nil {
		return storage.DocumentRow{}, translate("get document", err)
	}
	return storage.DocumentRow{
		DocID:        record.DocID,
		WinningRevID: record.WinningRevID,
		Deleted:      record.Deleted,
		Conflicted:   record.Conflicted,
	}, nil
}

// InsertRevision implements storage.Engine.
func (engine *Engine) InsertRevision(ctx context.Context, row *storage.RevisionRow) error {
	return engine.write(ctx, func(tx *gorm.DB) error {
		var existing RevisionRecord
		err := tx.Omit("body").Where("doc_id = ? AND rev_id = ?", row.DocID, row.RevID).Take(&existing).Error
		switch {
		case err == nil:
			if !existing.Missing {
				return fmt.Errorf("%w: %s %s", storage.ErrDuplicateRevision, row.DocID, row.RevID)
			}
			if err := tx.Delete(&RevisionRecord{}, "seq = ?", existing.Seq).Error; err != nil {
				return fmt.Errorf("sqlstore: replace placeholder: %w", err)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("sqlstore: find revision: %w", err)
		}

		sequence, err := engine.nextSequence(tx)
		if err != nil {
			return err
		}
		var children int64
		if err := tx.Model(&RevisionRecord{}).
			Where("doc_id = ? AND parent_rev_id = ?", row.DocID, row.RevID).
			Count(&children).Error; err != nil {
			return fmt.Errorf("sqlstore: count children: %w", err)
		}

		row.Sequence = sequence
		row.Current = !row.Missing && children == 0
		record := RevisionRecord{
			Seq:         sequence,
			DocID:       row.DocID,
			RevID:       row.RevID,
			ParentRevID: row.ParentRevID,
			IsCurrent:   row.Current,
			Deleted:     row.Deleted,
			Missing:     row.Missing,
			Body:        row.Body,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("sqlstore: insert revision: %w", err)
		}
		if row.ParentRevID == "" {
			return nil
		}
		if err := tx.Model(&RevisionRecord{}).
			Where("doc_id = ? AND rev_id = ?", row.DocID, row.ParentRevID).
			Update("is_current", false).Error; err != nil {
			return fmt.Errorf("sqlstore: clear parent current flag: %w", err)
		}
		return nil
	})
}

func (engine *Engine) nextSequence(tx *gorm.DB) (uint64, error) {
	var info InfoRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("info_key = ?", infoKeyLastSequence).Take(&info).Error
	last := uint64(0)
	switch {
	case err == nil:
		parsed, parseErr := strconv.ParseUint(info.Value, 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("sqlstore: corrupt sequence %q: %w", info.Value, parseErr)
		}
		last = parsed
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, fmt.Errorf("sqlstore: read sequence: %w", err)
	}
	next := last + 1
	if err := upsertInfo(tx, infoKeyLastSequence, strconv.FormatUint(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}

// UpdateDocument implements storage.Engine.
func (engine *Engine) UpdateDocument(ctx context.Context, document storage.DocumentRow) error {
	return engine.write(ctx, func(tx *gorm.DB) error {
		record := DocumentRecord{
			DocID:        document.DocID,
			WinningRevID: document.WinningRevID,
			Deleted:      document.Deleted,
			Conflicted:   document.Conflicted,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"winning_rev_id", "deleted", "conflicted"}),
		}).Create(&record).Error
		if err != nil {
			return fmt.Errorf("sqlstore: update document: %w", err)
		}
		return nil
	})
}

// PruneRevisions implements storage.Engine.
func (engine *Engine) PruneRevisions(ctx context.Context, docID string, remove, detach []string) (int, error) {
	removed := 0
	err := engine.write(ctx, func(tx *gorm.DB) error {
		if len(remove) > 0 {
			result := tx.Where("doc_id = ? AND rev_id IN ?", docID, remove).Delete(&RevisionRecord{})
			if result.Error != nil {
				return fmt.Errorf("sqlstore: prune revisions: %w", result.Error)
			}
			removed = int(result.RowsAffected)
		}
		if len(detach) > 0 {
			err := tx.Model(&RevisionRecord{}).
				Where("doc_id = ? AND rev_id IN ?", docID, detach).
				Update("parent_rev_id", "").Error
			if err != nil {
				return fmt.Errorf("sqlstore: detach revisions: %w", err)
			}
		}
		return nil
	})
	return removed, err
}

// CompactBodies implements storage.Engine.
func (engine *Engine) CompactBodies(ctx context.Context) (int, error) {
	compacted := 0
	err := engine.write(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&RevisionRecord{}).
			Where("is_current = ? AND body IS NOT NULL", false).
			Update("body", nil)
		if result.Error != nil {
			return fmt.Errorf("sqlstore: compact bodies: %w", result.Error)
		}
		compacted = int(result.RowsAffected)
		return nil
	})
	return compacted, err
}

// ChangesSince implements storage.Engine.
func (engine *Engine) ChangesSince(ctx context.Context, since uint64, options storage.ChangesOptions, filter storage.ChangeFilter) ([]storage.RevisionRow, error) {
	query := engine.conn(ctx).
		Where("is_current = ? AND seq > ?", true, since).
		Order("seq ASC")
	if !options.IncludeDocs {
		query = query.Omit("body")
	}
	var records []RevisionRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: changes since %d: %w", since, err)
	}

	candidates := make([]storage.RevisionRow, 0, len(records))
	if options.IncludeConflicts {
		for _, record := range records {
			candidates = append(candidates, toRow(record, options.IncludeDocs))
		}
		return storage.FinishChanges(candidates, options, filter), nil
	}

	latest := make(map[string]uint64)
	order := make([]string, 0)
	for _, record := range records {
		if _, seen := latest[record.DocID]; !seen {
			order = append(order, record.DocID)
		}
		if record.Seq > latest[record.DocID] {
			latest[record.DocID] = record.Seq
		}
	}
	for _, docID := range order {
		winner, err := engine.GetRevision(ctx, docID, "", options.IncludeDocs)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		winner.Sequence = latest[docID]
		candidates = append(candidates, winner)
	}
	return storage.FinishChanges(candidates, options, filter), nil
}

// DocumentIDs implements storage.Engine.
func (engine *Engine) DocumentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := engine.conn(ctx).Model(&DocumentRecord{}).Order("doc_id ASC").Pluck("doc_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: document ids: %w", err)
	}
	return ids, nil
}

// DocumentCount implements storage.Engine. Documents whose winner is deleted are not counted.
func (engine *Engine) DocumentCount(ctx context.Context) (int, error) {
	var count int64
	if err := engine.conn(ctx).Model(&DocumentRecord{}).Where("deleted = ?", false).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("sqlstore: document count: %w", err)
	}
	return int(count), nil
}

// LastSequence implements storage.Engine.
func (engine *Engine) LastSequence(ctx context.Context) (uint64, error) {
	raw, err := engine.GetInfo(ctx, infoKeyLastSequence)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	sequence, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: corrupt sequence %q: %w", raw, err)
	}
	return sequence, nil
}

// GetInfo implements storage.Engine.
func (engine *Engine) GetInfo(ctx context.Context, key string) (string, error) {
	var info InfoRecord
	if err := engine.conn(ctx).Where("info_key = ?", key).Take(&info).Error; err != nil {
		return "", translate("get info", err)
	}
	return info.Value, nil
}

// SetInfo implements storage.Engine.
func (engine *Engine) SetInfo(ctx context.Context, key, value string) error {
	return engine.write(ctx, func(tx *gorm.DB) error {
		return upsertInfo(tx, key, value)
	})
}

// FindAllAttachmentDigests implements storage.Engine.
func (engine *Engine) FindAllAttachmentDigests(ctx context.Context) (map[string]struct{}, error) {
	digests := make(map[string]struct{})
	var batch []RevisionRecord
	result := engine.conn(ctx).
		Select("seq", "body").
		Where("body IS NOT NULL").
		FindInBatches(&batch, digestBatchSize, func(_ *gorm.DB, _ int) error {
			for _, record := range batch {
				found, err := storage.AttachmentDigests(record.Body)
				if err != nil {
					return err
				}
				for _, digest := range found {
					digests[digest] = struct{}{}
				}
			}
			return nil
		})
	if result.Error != nil {
		return nil, fmt.Errorf("sqlstore: scan attachment digests: %w", result.Error)
	}
	return digests, nil
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
	sqlDB, err := engine.db.DB()
	if err != nil {
		return err
	}
	engine.logger.Debug("closing sql storage engine")
	return sqlDB.Close()
}

func upsertInfo(tx *gorm.DB, key, value string) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "info_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"info_value"}),
	}).Create(&InfoRecord{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("sqlstore: set info %s: %w", key, err)
	}
	return nil
}

func toRow(record RevisionRecord, withBody bool) storage.RevisionRow {
	row := storage.RevisionRow{
		DocID:       record.DocID,
		RevID:       record.RevID,
		ParentRevID: record.ParentRevID,
		Sequence:    record.Seq,
		Deleted:     record.Deleted,
		Missing:     record.Missing,
		Current:     record.IsCurrent,
	}
	if withBody {
		row.Body = record.Body
	}
	return row
}

func translate(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("sqlstore: %s: %w", operation, err)
}
