package revtree

import (
	"sort"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
)

// PrunePlan lists what a prune removed. Detach names kept nodes whose parent link was cleared.
type PrunePlan struct {
	Remove []revision.ID
	Detach []revision.ID
}

// IsEmpty reports whether the prune changed nothing.
func (plan PrunePlan) IsEmpty() bool {
	return len(plan.Remove) == 0 && len(plan.Detach) == 0
}

// Prune keeps the newest maxDepth revisions of every branch, leaf included, plus the full path from
// each live conflicting leaf up to its nearest ancestor shared with the winner. Everything else is
// removed from the tree and reported. maxDepth below 1 disables pruning.
func (tree *Tree) Prune(maxDepth int) PrunePlan {
	if maxDepth < 1 || tree.IsEmpty() {
		return PrunePlan{}
	}
	keep := make(map[revision.ID]struct{}, len(tree.nodes))
	leaves := tree.Leaves()
	for _, leaf := range leaves {
		node := leaf
		for distance := 0; node != nil && distance < maxDepth; distance++ {
			keep[node.ID] = struct{}{}
			node = tree.parentOf(node)
		}
	}

	if len(leaves) > 1 {
		winnerPath := make(map[revision.ID]struct{})
		for node := leaves[0]; node != nil; node = tree.parentOf(node) {
			winnerPath[node.ID] = struct{}{}
		}
		for _, conflict := range leaves[1:] {
			if conflict.Deleted {
				continue
			}
			for node := conflict; node != nil; node = tree.parentOf(node) {
				keep[node.ID] = struct{}{}
				if _, shared := winnerPath[node.ID]; shared {
					break
				}
			}
		}
	}

	plan := PrunePlan{}
	for id := range tree.nodes {
		if _, kept := keep[id]; !kept {
			plan.Remove = append(plan.Remove, id)
		}
	}
	if len(plan.Remove) == 0 {
		return plan
	}
	for _, id := range plan.Remove {
		tree.remove(id)
	}
	for id, node := range tree.nodes {
		if node.Parent.IsZero() {
			continue
		}
		if _, present := tree.nodes[node.Parent]; !present {
			delete(tree.children, node.Parent)
			node.Parent = revision.ID{}
			plan.Detach = append(plan.Detach, id)
		}
	}
	sortIDs(plan.Remove)
	sortIDs(plan.Detach)
	return plan
}

func (tree *Tree) parentOf(node *Node) *Node {
	if node.Parent.IsZero() {
		return nil
	}
	return tree.nodes[node.Parent]
}

func sortIDs(ids []revision.ID) {
	sort.Slice(ids, func(left, right int) bool {
		return revision.Compare(ids[left], ids[right]) < 0
	})
}
