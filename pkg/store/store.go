package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/markhive/markhive/pkg/types"
)

// ErrNotFound is returned when a node or namespace does not exist
var ErrNotFound = errors.New("store: not found")

// Store is the server-side persistent tree store backed by BadgerDB. Keys
// are namespace-prefixed so namespaces stay fully isolated:
//
//	ns/<namespace>/node/<nodeID>  -> Node JSON
//	ns/<namespace>/env/<envID>    -> OperationEnvelope JSON
//	namespace/<namespace>         -> namespace marker (root title)
type Store struct {
	db *badger.DB

	// Serializes read-modify-write transactions. Badger detects write
	// conflicts but the applicator wants deterministic ordering, not
	// retries.
	mu sync.Mutex
}

func keyNode(ns, id string) []byte {
	return []byte("ns/" + ns + "/node/" + id)
}

func prefixNodes(ns string) []byte {
	return []byte("ns/" + ns + "/node/")
}

func keyEnvelope(ns, id string) []byte {
	return []byte("ns/" + ns + "/env/" + id)
}

func keyNamespace(ns string) []byte {
	return []byte("namespace/" + ns)
}

var prefixNamespace = []byte("namespace/")

// Open opens (or creates) the store under dataDir
func Open(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "tree"))
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open tree store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Txn wraps a badger transaction with typed helpers
type Txn struct {
	ns  string
	btx *badger.Txn
}

// Update runs fn inside one serialized read-write transaction scoped to a
// namespace. All mutations of fn commit or roll back together.
func (s *Store) Update(ns string, fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(btx *badger.Txn) error {
		return fn(&Txn{ns: ns, btx: btx})
	})
}

// View runs fn inside a read-only transaction scoped to a namespace
func (s *Store) View(ns string, fn func(tx *Txn) error) error {
	return s.db.View(func(btx *badger.Txn) error {
		return fn(&Txn{ns: ns, btx: btx})
	})
}

// EnsureNamespace creates the namespace marker and root folder if missing
// and returns the root node.
func (s *Store) EnsureNamespace(ns, rootTitle string) (*types.Node, error) {
	var root *types.Node
	err := s.Update(ns, func(tx *Txn) error {
		n, err := tx.GetNode(types.RootNodeID)
		if err == nil {
			root = n
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		root = types.NewRootNode(rootTitle)
		if err := tx.PutNode(root); err != nil {
			return err
		}
		return tx.btx.Set(keyNamespace(ns), []byte(rootTitle))
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

// ListNamespaces returns every namespace with its root info
func (s *Store) ListNamespaces() ([]types.NamespaceInfo, error) {
	var out []types.NamespaceInfo
	err := s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefixNamespace); it.ValidForPrefix(prefixNamespace); it.Next() {
			item := it.Item()
			ns := string(item.Key()[len(prefixNamespace):])
			var title string
			if err := item.Value(func(v []byte) error {
				title = string(v)
				return nil
			}); err != nil {
				return err
			}
			out = append(out, types.NamespaceInfo{
				Namespace:     ns,
				RootNodeID:    types.RootNodeID,
				RootNodeTitle: title,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

// GetNode returns one node
func (tx *Txn) GetNode(id string) (*types.Node, error) {
	item, err := tx.btx.Get(keyNode(tx.ns, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var n types.Node
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &n)
	}); err != nil {
		return nil, err
	}
	return &n, nil
}

// PutNode writes one node
func (tx *Txn) PutNode(n *types.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return tx.btx.Set(keyNode(tx.ns, n.ID), data)
}

// Children returns a folder's children sorted by order key, id tiebreak.
// exclude removes one node id from the sibling list (used for moves).
func (tx *Txn) Children(parentID, exclude string) ([]*types.Node, error) {
	var out []*types.Node
	prefix := prefixNodes(tx.ns)
	it := tx.btx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var n types.Node
		if err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &n)
		}); err != nil {
			return nil, err
		}
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
	return out, nil
}

// DeleteSubtree removes a node and all descendants, returning the removed
// ids in deletion order (leaves first).
func (tx *Txn) DeleteSubtree(nodeID string) ([]string, error) {
	var removed []string
	var walk func(id string) error
	walk = func(id string) error {
		children, err := tx.Children(id, "")
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c.ID); err != nil {
				return err
			}
		}
		if err := tx.btx.Delete(keyNode(tx.ns, id)); err != nil {
			return err
		}
		removed = append(removed, id)
		return nil
	}
	if err := walk(nodeID); err != nil {
		return nil, err
	}
	return removed, nil
}

// IsDescendant reports whether nodeID sits below ancestorID
func (tx *Txn) IsDescendant(ancestorID, nodeID string) (bool, error) {
	for id := nodeID; id != ""; {
		n, err := tx.GetNode(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if n.ParentID == ancestorID {
			return true, nil
		}
		id = n.ParentID
	}
	return false, nil
}

// HasEnvelope reports whether an envelope id was already applied
func (tx *Txn) HasEnvelope(envID string) (bool, error) {
	_, err := tx.btx.Get(keyEnvelope(tx.ns, envID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutEnvelope records an applied envelope for idempotency and audit
func (tx *Txn) PutEnvelope(env *types.OperationEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return tx.btx.Set(keyEnvelope(tx.ns, env.ID), data)
}

// GetSubtree returns the subtree rooted at rootID as an id-keyed map.
// Children are loaded for the requested root and below open folders only.
func (s *Store) GetSubtree(ns, rootID string) (*types.SubtreeResponse, error) {
	nodes := make(map[string]*types.Node)
	err := s.View(ns, func(tx *Txn) error {
		root, err := tx.GetNode(rootID)
		if err != nil {
			return err
		}
		nodes[root.ID] = root

		var walk func(n *types.Node, force bool) error
		walk = func(n *types.Node, force bool) error {
			if n.Kind != types.NodeKindFolder {
				return nil
			}
			if !force && !n.IsOpen {
				return nil
			}
			children, err := tx.Children(n.ID, "")
			if err != nil {
				return err
			}
			for _, c := range children {
				nodes[c.ID] = c
				if err := walk(c, false); err != nil {
					return err
				}
			}
			return nil
		}
		return walk(root, true)
	})
	if err != nil {
		return nil, err
	}
	return &types.SubtreeResponse{RootID: rootID, Nodes: nodes}, nil
}
