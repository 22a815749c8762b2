// Package revtree holds the ancestry graph of one document's revisions and the conflict rules over it.
package revtree

import (
	"sort"

	"github.com/MarcoPoloResearchLab/revdb/internal/revision"
	"github.com/MarcoPoloResearchLab/revdb/internal/status"
)

const (
	opInsert        = "revtree.insert"
	opForceInsert   = "revtree.force_insert"
	opHistory       = "revtree.history"
	opResolveParent = "revtree.resolve_parent"
)

// Node is one revision in the tree. Parent is zero for roots and for nodes whose ancestor was pruned.
type Node struct {
	ID       revision.ID
	Parent   revision.ID
	Deleted  bool
	Missing  bool
	Sequence uint64
}

// Tree is the revision graph of a single document. It is not safe for concurrent use.
type Tree struct {
	docID    string
	nodes    map[revision.ID]*Node
	children map[revision.ID]int
}

// New returns an empty tree for docID.
func New(docID string) *Tree {
	return &Tree{
		docID:    docID,
		nodes:    make(map[revision.ID]*Node),
		children: make(map[revision.ID]int),
	}
}

// Build assembles a tree from stored nodes in any order.
func Build(docID string, nodes []Node) *Tree {
	tree := New(docID)
	for index := range nodes {
		node := nodes[index]
		tree.add(&node)
	}
	return tree
}

// DocID returns the document the tree belongs to.
func (tree *Tree) DocID() string {
	return tree.docID
}

// Len returns the number of stored nodes, placeholders included.
func (tree *Tree) Len() int {
	return len(tree.nodes)
}

// IsEmpty reports whether the document has no revisions.
func (tree *Tree) IsEmpty() bool {
	return len(tree.nodes) == 0
}

// Get returns the node for id, or nil.
func (tree *Tree) Get(id revision.ID) *Node {
	return tree.nodes[id]
}

// Contains reports whether id is present and not a placeholder.
func (tree *Tree) Contains(id revision.ID) bool {
	node := tree.nodes[id]
	return node != nil && !node.Missing
}

// IsLeaf reports whether id is present and has no children.
func (tree *Tree) IsLeaf(id revision.ID) bool {
	_, present := tree.nodes[id]
	return present && tree.children[id] == 0
}

// Leaves returns every leaf, winner first, then in descending winner order.
func (tree *Tree) Leaves() []*Node {
	leaves := make([]*Node, 0, 1)
	for id, node := range tree.nodes {
		if tree.children[id] == 0 && !node.Missing {
			leaves = append(leaves, node)
		}
	}
	sort.Slice(leaves, func(left, right int) bool {
		return beats(leaves[left], leaves[right])
	})
	return leaves
}

// Winner returns the current revision of the document, or nil for an empty tree.
func (tree *Tree) Winner() *Node {
	var winner *Node
	for id, node := range tree.nodes {
		if tree.children[id] != 0 || node.Missing {
			continue
		}
		if winner == nil || beats(node, winner) {
			winner = node
		}
	}
	return winner
}

// Conflicts returns the live leaves other than the winner.
func (tree *Tree) Conflicts() []*Node {
	leaves := tree.Leaves()
	if len(leaves) < 2 {
		return nil
	}
	conflicts := make([]*Node, 0, len(leaves)-1)
	for _, leaf := range leaves[1:] {
		if !leaf.Deleted {
			conflicts = append(conflicts, leaf)
		}
	}
	return conflicts
}

// IsConflicted reports whether a live leaf other than the winner exists.
func (tree *Tree) IsConflicted() bool {
	return len(tree.Conflicts()) > 0
}

// History returns the ancestry of id in root-to-leaf order, ending with id itself.
func (tree *Tree) History(id revision.ID) ([]revision.ID, error) {
	node := tree.nodes[id]
	if node == nil {
		return nil, status.New(opHistory, "revision_not_found", status.ErrNotFound, nil)
	}
	reversed := make([]revision.ID, 0, node.ID.Generation)
	for node != nil {
		reversed = append(reversed, node.ID)
		if node.Parent.IsZero() {
			break
		}
		node = tree.nodes[node.Parent]
	}
	history := make([]revision.ID, len(reversed))
	for index, ancestor := range reversed {
		history[len(reversed)-1-index] = ancestor
	}
	return history, nil
}

// ResolveParent applies the insert rules to a requested parent and returns the parent the new
// revision attaches to, or nil for a new root. A zero parentID on a document whose winner is
// deleted continues from that deleted leaf. An unknown parent is NotFound for an empty tree and a
// Conflict otherwise.
func (tree *Tree) ResolveParent(parentID revision.ID, allowConflict bool) (*Node, error) {
	if !parentID.IsZero() {
		parent := tree.nodes[parentID]
		if parent == nil {
			if tree.IsEmpty() {
				return nil, status.New(opResolveParent, "document_not_found", status.ErrNotFound, nil)
			}
			return nil, status.New(opResolveParent, "parent_not_found", status.ErrConflict, nil)
		}
		if tree.children[parentID] != 0 && !allowConflict {
			return nil, status.New(opResolveParent, "parent_not_leaf", status.ErrConflict, nil)
		}
		return parent, nil
	}
	winner := tree.Winner()
	if winner == nil {
		return nil, nil
	}
	if !winner.Deleted {
		if !allowConflict {
			return nil, status.New(opResolveParent, "document_exists", status.ErrConflict, nil)
		}
		return nil, nil
	}
	return winner, nil
}

// Insert appends a new leaf under parent (nil for a root). The ID must not exist yet.
func (tree *Tree) Insert(id revision.ID, parent *Node, deleted bool) (*Node, error) {
	expected := uint32(1)
	parentID := revision.ID{}
	if parent != nil {
		next, err := revision.NextGeneration(parent.ID)
		if err != nil {
			return nil, status.New(opInsert, "generation_limit", status.ErrBadID, err)
		}
		expected = next
		parentID = parent.ID
	}
	if id.Generation != expected {
		return nil, status.New(opInsert, "generation_mismatch", status.ErrBadID, nil)
	}
	if _, exists := tree.nodes[id]; exists {
		return nil, status.New(opInsert, "revision_exists", status.ErrConflict, nil)
	}
	node := &Node{ID: id, Parent: parentID, Deleted: deleted}
	tree.add(node)
	return node, nil
}

// ForceInsert splices id and its ancestry into the tree. ancestry lists ancestors newest first and
// excludes id. Ancestors not yet present become placeholders. The returned nodes are the ones
// created or filled in, in root-to-leaf order; it is empty when id was already stored.
func (tree *Tree) ForceInsert(id revision.ID, deleted bool, ancestry []revision.ID) ([]*Node, error) {
	if id.Generation == 0 {
		return nil, status.New(opForceInsert, "invalid_revision", status.ErrBadID, nil)
	}
	previous := id
	for _, ancestor := range ancestry {
		if ancestor.Generation == 0 || ancestor.Generation >= previous.Generation {
			return nil, status.New(opForceInsert, "invalid_ancestry", status.ErrBadID, nil)
		}
		previous = ancestor
	}

	if existing := tree.nodes[id]; existing != nil {
		if !existing.Missing {
			return nil, nil
		}
		existing.Missing = false
		existing.Deleted = deleted
		return []*Node{existing}, nil
	}

	created := make([]*Node, 0, len(ancestry)+1)
	child := &Node{ID: id, Deleted: deleted}
	created = append(created, child)
	for _, ancestor := range ancestry {
		child.Parent = ancestor
		if _, exists := tree.nodes[ancestor]; exists {
			break
		}
		placeholder := &Node{ID: ancestor, Missing: true}
		created = append(created, placeholder)
		child = placeholder
	}

	for index := len(created) - 1; index >= 0; index-- {
		tree.add(created[index])
	}
	for left, right := 0, len(created)-1; left < right; left, right = left+1, right-1 {
		created[left], created[right] = created[right], created[left]
	}
	return created, nil
}

func (tree *Tree) add(node *Node) {
	tree.nodes[node.ID] = node
	if !node.Parent.IsZero() {
		tree.children[node.Parent]++
	}
}

func (tree *Tree) remove(id revision.ID) {
	node := tree.nodes[id]
	if node == nil {
		return
	}
	if !node.Parent.IsZero() {
		if tree.children[node.Parent] <= 1 {
			delete(tree.children, node.Parent)
		} else {
			tree.children[node.Parent]--
		}
	}
	delete(tree.nodes, id)
}

// beats orders leaves: live before deleted, then by revision ID descending.
func beats(left, right *Node) bool {
	if left.Deleted != right.Deleted {
		return !left.Deleted
	}
	return revision.Compare(left.ID, right.ID) > 0
}
