package docstore

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/revtree"
	"github.com/MarcoPoloResearchLab/revdb/internal/storage"
)

// loadTree builds the revision tree of docID from its stored rows. A document without rows yields
// an empty tree.
func (s *Store) loadTree(ctx context.Context, docID string) (*revtree.Tree, error) {
	rows, err := s.engine.LoadRevisions(ctx, docID)
	if err != nil {
		return nil, err
	}
	nodes := make([]revtree.Node, 0, len(rows))
	for _, row := range rows {
		node, err := nodeFromRow(row)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return revtree.Build(docID, nodes), nil
}

func nodeFromRow(row storage.RevisionRow) (revtree.Node, error) {
	id, err := revision.ParseID(row.RevID)
	if err != nil {
		return revtree.Node{}, fmt.Errorf("stored revision %s/%s: %w", row.DocID, row.RevID, err)
	}
	parent, err := revision.ParseID(row.ParentRevID)
	if err != nil {
		return revtree.Node{}, fmt.Errorf("stored parent of %s/%s: %w", row.DocID, row.RevID, err)
	}
	return revtree.Node{
		ID:       id,
		Parent:   parent,
		Deleted:  row.Deleted,
		Missing:  row.Missing,
		Sequence: row.Sequence,
	}, nil
}

func revisionFromRow(row storage.RevisionRow) (*revision.Revision, error) {
	node, err := nodeFromRow(row)
	if err != nil {
		return nil, err
	}
	body, err := revision.DecodeBody(row.Body)
	if err != nil {
		return nil, err
	}
	return &revision.Revision{
		DocID:    row.DocID,
		ID:       node.ID,
		ParentID: node.Parent,
		Sequence: row.Sequence,
		Deleted:  row.Deleted,
		Missing:  row.Missing,
		Body:     body,
	}, nil
}

// loadRevision reads one revision with its body. Placeholders are reported as not found.
func (s *Store) loadRevision(ctx context.Context, docID string, id revision.ID) (*revision.Revision, error) {
	row, err := s.engine.GetRevision(ctx, docID, id.String(), true)
	if err != nil {
		return nil, err
	}
	if row.Missing {
		return nil, storage.ErrNotFound
	}
	return revisionFromRow(row)
}

// saveDocumentSummary stores the winner and conflict state derived from tree.
func (s *Store) saveDocumentSummary(ctx context.Context, tree *revtree.Tree) (*revtree.Node, error) {
	winner := tree.Winner()
	if winner == nil {
		return nil, fmt.Errorf("document %s has no leaf", tree.DocID())
	}
	err := s.engine.UpdateDocument(ctx, storage.DocumentRow{
		DocID:        tree.DocID(),
		WinningRevID: winner.ID.String(),
		Deleted:      winner.Deleted,
		Conflicted:   tree.IsConflicted(),
	})
	return winner, err
}

// pruneIfDeep prunes tree once a new revision's generation passes the configured depth.
func (s *Store) pruneIfDeep(ctx context.Context, tree *revtree.Tree, generation uint32) (int, error) {
	depth, err := s.engine.MaxRevTreeDepth(ctx)
	if err != nil {
		return 0, err
	}
	if depth < 1 || int(generation) <= depth {
		return 0, nil
	}
	return s.pruneTree(ctx, tree, depth)
}

func (s *Store) pruneTree(ctx context.Context, tree *revtree.Tree, depth int) (int, error) {
	plan := tree.Prune(depth)
	if plan.IsEmpty() {
		return 0, nil
	}
	return s.engine.PruneRevisions(ctx, tree.DocID(), idStrings(plan.Remove), idStrings(plan.Detach))
}

func idStrings(ids []revision.ID) []string {
	values := make([]string, len(ids))
	for index, id := range ids {
		values[index] = id.String()
	}
	return values
}
