package replica

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/markhive/markhive/pkg/orderkey"
	"github.com/markhive/markhive/pkg/types"
)

// ErrInvalidOp is returned when an operation cannot be applied: unknown
// referent, cycle creation, wrong node kind, or touching the root.
var ErrInvalidOp = errors.New("replica: invalid operation")

// Replica holds one namespace's node set and applies operations
// optimistically. A failed apply leaves the replica unchanged.
type Replica struct {
	mu        sync.RWMutex
	namespace string
	nodes     map[string]*types.Node
}

// New creates a replica for a namespace with a fresh root folder
func New(namespace, rootTitle string) *Replica {
	r := &Replica{
		namespace: namespace,
		nodes:     make(map[string]*types.Node),
	}
	root := types.NewRootNode(rootTitle)
	r.nodes[root.ID] = root
	return r
}

// Namespace returns the namespace this replica belongs to
func (r *Replica) Namespace() string {
	return r.namespace
}

// Get returns a copy of one node
func (r *Replica) Get(nodeID string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Len returns the number of nodes in the replica
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Children returns copies of a folder's children sorted by order key,
// id as tiebreaker.
func (r *Replica) Children(parentID string) []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.childrenLocked(parentID, "")
}

func (r *Replica) childrenLocked(parentID, exclude string) []*types.Node {
	var out []*types.Node
	for _, n := range r.nodes {
		if n.ParentID == parentID && n.ID != exclude && !n.IsRoot() {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderKey != out[j].OrderKey {
			return out[i].OrderKey < out[j].OrderKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetSubtree returns a snapshot of the subtree rooted at rootID in
// depth-first order, children ordered by order key.
func (r *Replica) GetSubtree(rootID string) ([]*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, ok := r.nodes[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %s", ErrInvalidOp, rootID)
	}

	var out []*types.Node
	var walk func(n *types.Node)
	walk = func(n *types.Node) {
		out = append(out, n.Clone())
		for _, c := range r.childrenLocked(n.ID, "") {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

// Apply optimistically mutates local state and returns the post-image node
// (nil for removals). Validation happens before any mutation so a failed
// apply leaves the replica unchanged.
func (r *Replica) Apply(op types.Operation, ts int64) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch op.Type {
	case types.OpCreateFolder:
		return r.applyCreate(op, ts, types.NodeKindFolder)
	case types.OpCreateBookmark:
		return r.applyCreate(op, ts, types.NodeKindBookmark)
	case types.OpMoveNode:
		return r.applyMove(op, ts)
	case types.OpUpdateNode:
		return r.applyUpdate(op, ts)
	case types.OpToggleFolder:
		return r.applyToggle(op, ts)
	case types.OpRemoveNode:
		return nil, r.applyRemove(op)
	default:
		return nil, fmt.Errorf("%w: unknown op type %q", ErrInvalidOp, op.Type)
	}
}

func (r *Replica) applyCreate(op types.Operation, ts int64, kind types.NodeKind) (*types.Node, error) {
	if op.ID == "" {
		return nil, fmt.Errorf("%w: create requires an id", ErrInvalidOp)
	}
	if _, exists := r.nodes[op.ID]; exists {
		return nil, fmt.Errorf("%w: node %s already exists", ErrInvalidOp, op.ID)
	}
	parentID := op.ParentID
	if parentID == "" {
		parentID = types.RootNodeID
	}
	parent, ok := r.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown parent %s", ErrInvalidOp, parentID)
	}
	if parent.Kind != types.NodeKindFolder {
		return nil, fmt.Errorf("%w: parent %s is not a folder", ErrInvalidOp, parentID)
	}
	if kind == types.NodeKindBookmark && (op.URL == nil || *op.URL == "") {
		return nil, fmt.Errorf("%w: bookmark requires a url", ErrInvalidOp)
	}

	key, err := r.placementKey(parentID, op, "")
	if err != nil {
		return nil, err
	}

	n := &types.Node{
		ID:        op.ID,
		ParentID:  parentID,
		Kind:      kind,
		OrderKey:  key,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if op.Title != nil {
		n.Title = *op.Title
	}
	if kind == types.NodeKindBookmark {
		n.URL = *op.URL
	}
	if kind == types.NodeKindFolder && op.IsOpen != nil {
		n.IsOpen = *op.IsOpen
	}

	r.nodes[n.ID] = n
	return n.Clone(), nil
}

func (r *Replica) applyMove(op types.Operation, ts int64) (*types.Node, error) {
	n, ok := r.nodes[op.NodeID]
	if !ok {
		// The node may belong to a subtree a concurrent removal already
		// deleted; late moves into nowhere are no-ops.
		return nil, nil
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("%w: cannot move root", ErrInvalidOp)
	}
	target, ok := r.nodes[op.ToFolderID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown target folder %s", ErrInvalidOp, op.ToFolderID)
	}
	if target.Kind != types.NodeKindFolder {
		return nil, fmt.Errorf("%w: target %s is not a folder", ErrInvalidOp, op.ToFolderID)
	}
	if op.ToFolderID == op.NodeID || r.isDescendantLocked(op.NodeID, op.ToFolderID) {
		return nil, fmt.Errorf("%w: move would create a cycle", ErrInvalidOp)
	}

	// The moving node is excluded from the sibling list before picking
	// neighbors.
	key, err := r.placementKey(op.ToFolderID, op, op.NodeID)
	if err != nil {
		return nil, err
	}

	n.ParentID = op.ToFolderID
	n.OrderKey = key
	if ts > n.UpdatedAt {
		n.UpdatedAt = ts
	}
	return n.Clone(), nil
}

func (r *Replica) applyUpdate(op types.Operation, ts int64) (*types.Node, error) {
	n, ok := r.nodes[op.NodeID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %s", ErrInvalidOp, op.NodeID)
	}
	// Last-writer-wins by envelope timestamp. Equal timestamps apply in
	// arrival order; the server's apply order is authoritative either way
	// and flows back through Upsert.
	if ts < n.UpdatedAt {
		return n.Clone(), nil
	}
	// Patch a copy. The live node is replaced only once every field has
	// validated, so a rejected update leaves the replica untouched.
	patched := n.Clone()
	if op.Title != nil {
		patched.Title = *op.Title
	}
	if op.URL != nil {
		if n.Kind != types.NodeKindBookmark {
			return nil, fmt.Errorf("%w: cannot set url on a folder", ErrInvalidOp)
		}
		patched.URL = *op.URL
	}
	if op.IsOpen != nil {
		if n.Kind != types.NodeKindFolder {
			return nil, fmt.Errorf("%w: cannot set isOpen on a bookmark", ErrInvalidOp)
		}
		patched.IsOpen = *op.IsOpen
	}
	if op.IsFavorite != nil {
		if n.Kind != types.NodeKindBookmark {
			return nil, fmt.Errorf("%w: cannot set isFavorite on a folder", ErrInvalidOp)
		}
		patched.IsFavorite = *op.IsFavorite
	}
	patched.UpdatedAt = ts
	r.nodes[patched.ID] = patched
	return patched.Clone(), nil
}

func (r *Replica) applyToggle(op types.Operation, ts int64) (*types.Node, error) {
	n, ok := r.nodes[op.FolderID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown folder %s", ErrInvalidOp, op.FolderID)
	}
	if n.Kind != types.NodeKindFolder {
		return nil, fmt.Errorf("%w: %s is not a folder", ErrInvalidOp, op.FolderID)
	}
	if op.Open != nil {
		n.IsOpen = *op.Open
	} else {
		n.IsOpen = !n.IsOpen
	}
	if ts > n.UpdatedAt {
		n.UpdatedAt = ts
	}
	return n.Clone(), nil
}

func (r *Replica) applyRemove(op types.Operation) error {
	n, ok := r.nodes[op.NodeID]
	if !ok {
		return fmt.Errorf("%w: unknown node %s", ErrInvalidOp, op.NodeID)
	}
	if n.IsRoot() {
		return fmt.Errorf("%w: cannot remove root", ErrInvalidOp)
	}
	r.removeSubtreeLocked(op.NodeID)
	return nil
}

func (r *Replica) removeSubtreeLocked(nodeID string) {
	for _, c := range r.childrenLocked(nodeID, "") {
		r.removeSubtreeLocked(c.ID)
	}
	delete(r.nodes, nodeID)
}

// placementKey resolves the order key for an insert or move: an explicit
// orderKey is authoritative, otherwise index names the insertion position
// among current siblings, otherwise the node is appended.
func (r *Replica) placementKey(parentID string, op types.Operation, exclude string) (string, error) {
	if op.OrderKey != "" {
		if err := orderkey.Validate(op.OrderKey); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidOp, err)
		}
		return op.OrderKey, nil
	}

	siblings := r.childrenLocked(parentID, exclude)
	idx := len(siblings)
	if op.Index != nil {
		idx = *op.Index
		if idx < 0 {
			idx = 0
		}
		if idx > len(siblings) {
			idx = len(siblings)
		}
	}

	var left, right string
	if idx > 0 {
		left = siblings[idx-1].OrderKey
	}
	if idx < len(siblings) {
		right = siblings[idx].OrderKey
	}

	key, err := orderkey.KeyBetween(left, right)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	return key, nil
}

func (r *Replica) isDescendantLocked(ancestorID, nodeID string) bool {
	seen := 0
	for id := nodeID; id != ""; {
		n, ok := r.nodes[id]
		if !ok {
			return false
		}
		if n.ParentID == ancestorID {
			return true
		}
		id = n.ParentID
		// Cycle guard for corrupted state.
		if seen++; seen > len(r.nodes) {
			return false
		}
	}
	return false
}

// Upsert inserts or replaces a node verbatim. Used when dispatching
// server-authoritative events into the replica; updatedAt stays monotonic.
func (r *Replica) Upsert(node *types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.nodes[node.ID]; ok && node.UpdatedAt < prev.UpdatedAt {
		return
	}
	r.nodes[node.ID] = node.Clone()
}

// Remove deletes a subtree without root-of-operation validation. Used when
// dispatching server-authoritative removal events.
func (r *Replica) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; !ok || n.IsRoot() {
		return
	}
	r.removeSubtreeLocked(nodeID)
}

// RemapID rewrites a node id and every child reference to it. Called when
// the server maps a temporary id to a real one.
func (r *Replica) RemapID(oldID, newID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[oldID]
	if !ok {
		return
	}
	delete(r.nodes, oldID)
	n.ID = newID
	r.nodes[newID] = n

	for _, c := range r.nodes {
		if c.ParentID == oldID {
			c.ParentID = newID
		}
	}
}

// Reconcile replaces the node set with server-authoritative nodes,
// preserving nodes named in preserve (their originating op is still
// pending locally).
func (r *Replica) Reconcile(serverNodes map[string]*types.Node, preserve map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make(map[string]*types.Node, len(serverNodes))
	for id, n := range serverNodes {
		kept[id] = n.Clone()
	}
	for id := range preserve {
		if n, ok := r.nodes[id]; ok {
			kept[id] = n
		}
	}
	// The root must survive a reconcile against an empty server set.
	if _, ok := kept[types.RootNodeID]; !ok {
		if root, ok := r.nodes[types.RootNodeID]; ok {
			kept[types.RootNodeID] = root
		}
	}
	r.nodes = kept
}
