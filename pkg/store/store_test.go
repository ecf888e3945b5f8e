package store

import (
	"testing"

	"github.com/markhive/markhive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putNode(t *testing.T, s *Store, ns string, n *types.Node) {
	t.Helper()
	require.NoError(t, s.Update(ns, func(tx *Txn) error {
		return tx.PutNode(n)
	}))
}

func folder(id, parentID, title, orderKey string) *types.Node {
	return &types.Node{
		ID: id, ParentID: parentID, Kind: types.NodeKindFolder,
		Title: title, OrderKey: orderKey,
	}
}

func bookmark(id, parentID, title, orderKey string) *types.Node {
	return &types.Node{
		ID: id, ParentID: parentID, Kind: types.NodeKindBookmark,
		Title: title, URL: "https://example.com", OrderKey: orderKey,
	}
}

func TestEnsureNamespace(t *testing.T) {
	s := openTestStore(t)

	root, err := s.EnsureNamespace("default", "Bookmarks")
	require.NoError(t, err)
	assert.Equal(t, types.RootNodeID, root.ID)
	assert.Equal(t, "Bookmarks", root.Title)
	assert.True(t, root.IsOpen)

	// Idempotent: the existing root is returned, not recreated.
	again, err := s.EnsureNamespace("default", "Other Title")
	require.NoError(t, err)
	assert.Equal(t, "Bookmarks", again.Title)
}

func TestListNamespaces(t *testing.T) {
	s := openTestStore(t)

	_, err := s.EnsureNamespace("work", "Work")
	require.NoError(t, err)
	_, err = s.EnsureNamespace("default", "Bookmarks")
	require.NoError(t, err)

	infos, err := s.ListNamespaces()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "default", infos[0].Namespace)
	assert.Equal(t, "Bookmarks", infos[0].RootNodeTitle)
	assert.Equal(t, "work", infos[1].Namespace)
}

func TestNamespaceIsolation(t *testing.T) {
	s := openTestStore(t)
	_, err := s.EnsureNamespace("a", "A")
	require.NoError(t, err)
	_, err = s.EnsureNamespace("b", "B")
	require.NoError(t, err)

	putNode(t, s, "a", folder("f1", types.RootNodeID, "Only in A", "U"))

	err = s.View("b", func(tx *Txn) error {
		_, err := tx.GetNode("f1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChildrenSorted(t *testing.T) {
	s := openTestStore(t)
	_, err := s.EnsureNamespace("default", "Bookmarks")
	require.NoError(t, err)

	putNode(t, s, "default", folder("f-b", types.RootNodeID, "B", "h"))
	putNode(t, s, "default", folder("f-a", types.RootNodeID, "A", "U"))
	putNode(t, s, "default", bookmark("b-c", types.RootNodeID, "C", "q"))

	var children []*types.Node
	require.NoError(t, s.View("default", func(tx *Txn) error {
		var err error
		children, err = tx.Children(types.RootNodeID, "")
		return err
	}))
	require.Len(t, children, 3)
	assert.Equal(t, "f-a", children[0].ID)
	assert.Equal(t, "f-b", children[1].ID)
	assert.Equal(t, "b-c", children[2].ID)

	// exclude removes one id from the sibling list.
	require.NoError(t, s.View("default", func(tx *Txn) error {
		var err error
		children, err = tx.Children(types.RootNodeID, "f-b")
		return err
	}))
	require.Len(t, children, 2)
	assert.Equal(t, "f-a", children[0].ID)
	assert.Equal(t, "b-c", children[1].ID)
}

func TestDeleteSubtree(t *testing.T) {
	s := openTestStore(t)
	_, err := s.EnsureNamespace("default", "Bookmarks")
	require.NoError(t, err)

	putNode(t, s, "default", folder("f1", types.RootNodeID, "A", "U"))
	putNode(t, s, "default", folder("f2", "f1", "B", "U"))
	putNode(t, s, "default", bookmark("b1", "f2", "Site", "U"))
	putNode(t, s, "default", bookmark("keep", types.RootNodeID, "Keep", "h"))

	var removed []string
	require.NoError(t, s.Update("default", func(tx *Txn) error {
		var err error
		removed, err = tx.DeleteSubtree("f1")
		return err
	}))

	// Leaves first, root of the removal last.
	assert.Equal(t, []string{"b1", "f2", "f1"}, removed)

	err = s.View("default", func(tx *Txn) error {
		_, err := tx.GetNode("f1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.View("default", func(tx *Txn) error {
		_, err := tx.GetNode("keep")
		return err
	}))
}

func TestIsDescendant(t *testing.T) {
	s := openTestStore(t)
	_, err := s.EnsureNamespace("default", "Bookmarks")
	require.NoError(t, err)

	putNode(t, s, "default", folder("f1", types.RootNodeID, "A", "U"))
	putNode(t, s, "default", folder("f2", "f1", "B", "U"))
	putNode(t, s, "default", folder("f3", "f2", "C", "U"))

	require.NoError(t, s.View("default", func(tx *Txn) error {
		desc, err := tx.IsDescendant("f1", "f3")
		require.NoError(t, err)
		assert.True(t, desc)

		desc, err = tx.IsDescendant("f3", "f1")
		require.NoError(t, err)
		assert.False(t, desc)

		desc, err = tx.IsDescendant("f1", "ghost")
		require.NoError(t, err)
		assert.False(t, desc)
		return nil
	}))
}

func TestEnvelopeIdempotencyRecord(t *testing.T) {
	s := openTestStore(t)
	_, err := s.EnsureNamespace("default", "Bookmarks")
	require.NoError(t, err)

	env := &types.OperationEnvelope{
		ID: "e1", TS: 100, Namespace: "default",
		Op:     types.Operation{Type: types.OpRemoveNode, NodeID: "x"},
		Status: types.StatusSynced,
	}

	require.NoError(t, s.Update("default", func(tx *Txn) error {
		has, err := tx.HasEnvelope("e1")
		require.NoError(t, err)
		assert.False(t, has)
		return tx.PutEnvelope(env)
	}))

	require.NoError(t, s.View("default", func(tx *Txn) error {
		has, err := tx.HasEnvelope("e1")
		require.NoError(t, err)
		assert.True(t, has)
		return nil
	}))
}

func TestGetSubtreeRespectsOpenState(t *testing.T) {
	s := openTestStore(t)
	_, err := s.EnsureNamespace("default", "Bookmarks")
	require.NoError(t, err)

	open := folder("open", types.RootNodeID, "Open", "U")
	open.IsOpen = true
	putNode(t, s, "default", open)
	putNode(t, s, "default", bookmark("b-open", "open", "Visible", "U"))

	closed := folder("closed", types.RootNodeID, "Closed", "h")
	putNode(t, s, "default", closed)
	putNode(t, s, "default", bookmark("b-closed", "closed", "Hidden", "U"))

	resp, err := s.GetSubtree("default", types.RootNodeID)
	require.NoError(t, err)
	assert.Equal(t, types.RootNodeID, resp.RootID)
	assert.Contains(t, resp.Nodes, "open")
	assert.Contains(t, resp.Nodes, "b-open")
	assert.Contains(t, resp.Nodes, "closed")
	assert.NotContains(t, resp.Nodes, "b-closed", "children of closed folders stay unloaded")

	// Requesting the closed folder directly forces loading its children.
	resp, err = s.GetSubtree("default", "closed")
	require.NoError(t, err)
	assert.Contains(t, resp.Nodes, "b-closed")

	_, err = s.GetSubtree("default", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
