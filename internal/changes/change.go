// Package changes batches document changes per storage transaction and delivers them to
// listeners once the transaction has committed.
package changes

// Change describes one committed revision insert.
type Change struct {
	DocID        string
	RevID        string
	WinningRevID string
	Sequence     uint64
	// IsConflict is set when the document has a live conflicting leaf after the insert.
	IsConflict bool
	// IsExternal is set for revisions received through ForceInsertRevision.
	IsExternal bool
	// Source is the caller supplied origin tag of an external revision.
	Source string
}

// Batch is the unit delivered to listeners: every change of one or more committed transactions.
type Batch struct {
	Changes    []Change
	IsExternal bool
}

// DocIDs returns the distinct document IDs of the batch in order of first appearance.
func (batch Batch) DocIDs() []string {
	seen := make(map[string]struct{}, len(batch.Changes))
	ids := make([]string, 0, len(batch.Changes))
	for _, change := range batch.Changes {
		if _, ok := seen[change.DocID]; ok {
			continue
		}
		seen[change.DocID] = struct{}{}
		ids = append(ids, change.DocID)
	}
	return ids
}

func newBatch(changes []Change) Batch {
	batch := Batch{Changes: changes}
	for _, change := range changes {
		if change.IsExternal {
			batch.IsExternal = true
			break
		}
	}
	return batch
}
