package docstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
)

const opChangesSince = "docstore.changes_since"

// ChangesOptions controls ChangesSince.
type ChangesOptions struct {
	Limit            int
	IncludeConflicts bool
	IncludeDocs      bool
	// FilterName selects a filter from the registry; FilterParams are passed to it.
	FilterName   string
	FilterParams map[string]any
}

// ChangesSince returns the revisions changed after sequence since, in sequence order. Without
// IncludeConflicts each document appears once, as its winner.
func (s *Store) ChangesSince(ctx context.Context, since uint64, options ChangesOptions) ([]*revision.Revision, error) {
	var filter Filter
	if options.FilterName != "" {
		registered, ok := s.registry.Filter(options.FilterName)
		if !ok {
			return nil, status.New(opChangesSince, "filter_not_found", status.ErrNotFound, nil)
		}
		filter = registered
	}

	engineOptions := storage.ChangesOptions{
		Limit:            options.Limit,
		IncludeConflicts: options.IncludeConflicts,
		IncludeDocs:      options.IncludeDocs || filter != nil,
	}
	var filterErr error
	var engineFilter storage.ChangeFilter
	if filter != nil {
		engineFilter = func(row storage.RevisionRow) bool {
			rev, err := revisionFromRow(row)
			if err != nil {
				filterErr = err
				return false
			}
			return s.runFilter(filter, rev, options.FilterParams)
		}
	}

	rows, err := s.engine.ChangesSince(ctx, since, engineOptions, engineFilter)
	if err == nil {
		err = filterErr
	}
	if err != nil {
		s.logError(opChangesSince, "changes_failed", err, zap.Uint64("since", since))
		return nil, status.New(opChangesSince, "changes_failed", kindOf(err), err)
	}

	revisions := make([]*revision.Revision, 0, len(rows))
	for _, row := range rows {
		if !options.IncludeDocs {
			row.Body = nil
		}
		rev, err := revisionFromRow(row)
		if err != nil {
			s.logError(opChangesSince, "decode_failed", err, zap.String("doc_id", row.DocID))
			return nil, status.New(opChangesSince, "decode_failed", status.ErrException, err)
		}
		revisions = append(revisions, rev)
	}
	return revisions, nil
}

func (s *Store) runFilter(filter Filter, rev *revision.Revision, params map[string]any) (accepted bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("changes filter panicked",
				zap.String("operation", opChangesSince),
				zap.String("doc_id", rev.DocID),
				zap.Any("panic", recovered))
			accepted = false
		}
	}()
	return filter(rev, params)
}
