package applicator

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/markhive/markhive/pkg/broker"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/metrics"
	"github.com/markhive/markhive/pkg/orderkey"
	"github.com/markhive/markhive/pkg/store"
	"github.com/markhive/markhive/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrValidation marks malformed envelopes; never retried
	ErrValidation = errors.New("applicator: validation error")

	// ErrConflict marks operations whose referents are missing or that
	// would corrupt the tree; reported to the caller without retry.
	ErrConflict = errors.New("applicator: conflict")
)

// Applicator consumes operation envelopes, applies them transactionally
// against the tree store and publishes the resulting events. Application is
// idempotent by envelope id.
type Applicator struct {
	store    *store.Store
	broker   *broker.Broker
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates an applicator
func New(st *store.Store, br *broker.Broker) *Applicator {
	return &Applicator{
		store:    st,
		broker:   br,
		validate: validator.New(),
		logger:   log.WithComponent("applicator"),
	}
}

// result carries what a committed envelope produced
type result struct {
	event    *types.Event
	mappings map[string]string
}

// Apply applies one envelope to a namespace. The second application of the
// same envelope id reports success without re-executing or re-publishing.
func (a *Applicator) Apply(ns string, env *types.OperationEnvelope) *types.ApplyResponse {
	res, err := a.applyOne(ns, env, nil)
	if err != nil {
		metrics.OperationsAppliedTotal.WithLabelValues(string(env.Op.Type), "failed").Inc()
		return &types.ApplyResponse{
			Success:     false,
			OperationID: env.ID,
			Error:       err.Error(),
		}
	}
	if res.event == nil {
		// Duplicate envelope id: already applied.
		return &types.ApplyResponse{
			Success:        true,
			OperationID:    env.ID,
			AlreadyApplied: true,
		}
	}

	metrics.OperationsAppliedTotal.WithLabelValues(string(env.Op.Type), "success").Inc()
	a.broker.Publish(ns, res.event)
	return &types.ApplyResponse{Success: true, OperationID: env.ID}
}

// ApplyBatch applies a batch of envelopes in submission order. Temporary id
// mappings established by earlier envelopes are visible to later ones in the
// same batch.
func (a *Applicator) ApplyBatch(ns string, req *types.SyncRequest) *types.SyncResponse {
	resp := &types.SyncResponse{
		Mappings:        make(map[string]string),
		ServerTimestamp: time.Now().UnixMilli(),
	}

	for _, env := range req.Operations {
		rewriteRefs(&env.Op, resp.Mappings)

		res, err := a.applyOne(ns, env, resp.Mappings)
		if err != nil {
			metrics.OperationsAppliedTotal.WithLabelValues(string(env.Op.Type), "failed").Inc()
			resp.Applied = append(resp.Applied, types.AppliedResult{
				OperationID: env.ID,
				Status:      types.AppliedFailed,
				Error:       err.Error(),
			})
			continue
		}

		metrics.OperationsAppliedTotal.WithLabelValues(string(env.Op.Type), "success").Inc()
		resp.Applied = append(resp.Applied, types.AppliedResult{
			OperationID: env.ID,
			Status:      types.AppliedSuccess,
		})
		if res.event != nil {
			a.broker.Publish(ns, res.event)
		}
	}

	a.logger.Debug().
		Str("namespace", ns).
		Str("client_id", req.ClientID).
		Int("operations", len(req.Operations)).
		Int("mappings", len(resp.Mappings)).
		Msg("batch applied")
	return resp
}

// applyOne validates and commits one envelope. It returns a nil event when
// the envelope was already applied. mappings, when non-nil, accumulates
// temp->real id substitutions.
func (a *Applicator) applyOne(ns string, env *types.OperationEnvelope, mappings map[string]string) (*result, error) {
	if err := a.validateEnvelope(env); err != nil {
		return nil, err
	}

	res := &result{mappings: mappings}
	err := a.store.Update(ns, func(tx *store.Txn) error {
		applied, err := tx.HasEnvelope(env.ID)
		if err != nil {
			return err
		}
		if applied {
			res.event = nil
			return nil
		}

		event, err := a.execute(tx, env, res)
		if err != nil {
			return err
		}
		res.event = event

		// The durable envelope record is what makes re-application a no-op.
		return tx.PutEnvelope(&types.OperationEnvelope{
			ID:        env.ID,
			TS:        env.TS,
			Namespace: ns,
			Op:        env.Op,
			Status:    types.StatusSynced,
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// execute runs the operation against the store inside tx and builds the
// event to publish after commit.
func (a *Applicator) execute(tx *store.Txn, env *types.OperationEnvelope, res *result) (*types.Event, error) {
	op := &env.Op
	switch op.Type {
	case types.OpCreateFolder:
		return a.execCreate(tx, env, res, types.NodeKindFolder)
	case types.OpCreateBookmark:
		return a.execCreate(tx, env, res, types.NodeKindBookmark)
	case types.OpMoveNode:
		return a.execMove(tx, env)
	case types.OpUpdateNode:
		return a.execUpdate(tx, env)
	case types.OpToggleFolder:
		return a.execToggle(tx, env)
	case types.OpRemoveNode:
		return a.execRemove(tx, env)
	default:
		return nil, fmt.Errorf("%w: unknown op type %q", ErrValidation, op.Type)
	}
}

func (a *Applicator) execCreate(tx *store.Txn, env *types.OperationEnvelope, res *result, kind types.NodeKind) (*types.Event, error) {
	op := &env.Op

	id := op.ID
	switch {
	case id == "":
		id = uuid.New().String()
	case types.IsTempID(id):
		real := uuid.New().String()
		if res.mappings != nil {
			res.mappings[id] = real
		}
		id = real
	}

	parentID := op.ParentID
	if parentID == "" {
		parentID = types.RootNodeID
	}
	parent, err := tx.GetNode(parentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: parent %s does not exist", ErrConflict, parentID)
		}
		return nil, err
	}
	if parent.Kind != types.NodeKindFolder {
		return nil, fmt.Errorf("%w: parent %s is not a folder", ErrConflict, parentID)
	}
	if _, err := tx.GetNode(id); err == nil {
		return nil, fmt.Errorf("%w: node %s already exists", ErrConflict, id)
	}

	key, err := placementKey(tx, parentID, op, "")
	if err != nil {
		return nil, err
	}

	n := &types.Node{
		ID:        id,
		ParentID:  parentID,
		Kind:      kind,
		OrderKey:  key,
		CreatedAt: env.TS,
		UpdatedAt: env.TS,
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
	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	eventType := types.EventFolderCreated
	if kind == types.NodeKindBookmark {
		eventType = types.EventBookmarkCreated
	}
	return &types.Event{
		Type: eventType,
		Data: map[string]any{"id": n.ID, "node": n},
	}, nil
}

func (a *Applicator) execMove(tx *store.Txn, env *types.OperationEnvelope) (*types.Event, error) {
	op := &env.Op
	n, err := tx.GetNode(op.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: node %s does not exist", ErrConflict, op.NodeID)
		}
		return nil, err
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("%w: cannot move root", ErrConflict)
	}
	target, err := tx.GetNode(op.ToFolderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: target folder %s does not exist", ErrConflict, op.ToFolderID)
		}
		return nil, err
	}
	if target.Kind != types.NodeKindFolder {
		return nil, fmt.Errorf("%w: target %s is not a folder", ErrConflict, op.ToFolderID)
	}
	if op.ToFolderID == op.NodeID {
		return nil, fmt.Errorf("%w: cannot move node into itself", ErrConflict)
	}
	desc, err := tx.IsDescendant(op.NodeID, op.ToFolderID)
	if err != nil {
		return nil, err
	}
	if desc {
		return nil, fmt.Errorf("%w: move would create a cycle", ErrConflict)
	}

	key, err := placementKey(tx, op.ToFolderID, op, op.NodeID)
	if err != nil {
		return nil, err
	}

	n.ParentID = op.ToFolderID
	n.OrderKey = key
	if env.TS > n.UpdatedAt {
		n.UpdatedAt = env.TS
	}
	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	return &types.Event{
		Type: types.EventItemMoved,
		Data: map[string]any{
			"nodeId":     n.ID,
			"toFolderId": n.ParentID,
			"orderKey":   n.OrderKey,
			"node":       n,
		},
	}, nil
}

func (a *Applicator) execUpdate(tx *store.Txn, env *types.OperationEnvelope) (*types.Event, error) {
	op := &env.Op
	n, err := tx.GetNode(op.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: node %s does not exist", ErrConflict, op.NodeID)
		}
		return nil, err
	}

	// Merging is node-level, not per-field: envelopes apply in submission
	// order and UpdatedAt keeps the max envelope timestamp. Clients see
	// the same resolution through the event stream.
	favoriteFlipped := false
	if op.Title != nil {
		n.Title = *op.Title
	}
	if op.URL != nil {
		if n.Kind != types.NodeKindBookmark {
			return nil, fmt.Errorf("%w: cannot set url on a folder", ErrConflict)
		}
		n.URL = *op.URL
	}
	if op.IsOpen != nil {
		if n.Kind != types.NodeKindFolder {
			return nil, fmt.Errorf("%w: cannot set isOpen on a bookmark", ErrConflict)
		}
		n.IsOpen = *op.IsOpen
	}
	if op.IsFavorite != nil {
		if n.Kind != types.NodeKindBookmark {
			return nil, fmt.Errorf("%w: cannot set isFavorite on a folder", ErrConflict)
		}
		favoriteFlipped = n.IsFavorite != *op.IsFavorite
		n.IsFavorite = *op.IsFavorite
	}
	if env.TS > n.UpdatedAt {
		n.UpdatedAt = env.TS
	}
	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	eventType := types.EventFolderUpdated
	switch {
	case favoriteFlipped:
		eventType = types.EventBookmarkFavoriteToggled
	case n.Kind == types.NodeKindBookmark:
		eventType = types.EventBookmarkUpdated
	}
	return &types.Event{
		Type: eventType,
		Data: map[string]any{"id": n.ID, "node": n},
	}, nil
}

func (a *Applicator) execToggle(tx *store.Txn, env *types.OperationEnvelope) (*types.Event, error) {
	op := &env.Op
	n, err := tx.GetNode(op.FolderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: folder %s does not exist", ErrConflict, op.FolderID)
		}
		return nil, err
	}
	if n.Kind != types.NodeKindFolder {
		return nil, fmt.Errorf("%w: %s is not a folder", ErrConflict, op.FolderID)
	}
	if op.Open != nil {
		n.IsOpen = *op.Open
	} else {
		n.IsOpen = !n.IsOpen
	}
	if env.TS > n.UpdatedAt {
		n.UpdatedAt = env.TS
	}
	if err := tx.PutNode(n); err != nil {
		return nil, err
	}

	return &types.Event{
		Type: types.EventFolderToggled,
		Data: map[string]any{"id": n.ID, "isOpen": n.IsOpen, "node": n},
	}, nil
}

func (a *Applicator) execRemove(tx *store.Txn, env *types.OperationEnvelope) (*types.Event, error) {
	op := &env.Op
	n, err := tx.GetNode(op.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: node %s does not exist", ErrConflict, op.NodeID)
		}
		return nil, err
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("%w: cannot remove root", ErrConflict)
	}

	removed, err := tx.DeleteSubtree(op.NodeID)
	if err != nil {
		return nil, err
	}
	return &types.Event{
		Type: types.EventItemDeleted,
		Data: map[string]any{"nodeId": op.NodeID, "removedIds": removed},
	}, nil
}

// placementKey resolves the order key for an insert or move against the
// server's current sibling list.
func placementKey(tx *store.Txn, parentID string, op *types.Operation, exclude string) (string, error) {
	if op.OrderKey != "" {
		return op.OrderKey, nil
	}
	siblings, err := tx.Children(parentID, exclude)
	if err != nil {
		return "", err
	}
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
		return "", fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return key, nil
}

func (a *Applicator) validateEnvelope(env *types.OperationEnvelope) error {
	if err := a.validate.Struct(env); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	op := &env.Op
	switch op.Type {
	case types.OpCreateFolder:
		if op.Title == nil || *op.Title == "" {
			return fmt.Errorf("%w: create_folder requires a title", ErrValidation)
		}
	case types.OpCreateBookmark:
		if op.Title == nil || *op.Title == "" {
			return fmt.Errorf("%w: create_bookmark requires a title", ErrValidation)
		}
		if op.URL == nil || *op.URL == "" {
			return fmt.Errorf("%w: create_bookmark requires a url", ErrValidation)
		}
	case types.OpMoveNode:
		if op.NodeID == "" || op.ToFolderID == "" {
			return fmt.Errorf("%w: move_node requires nodeId and toFolderId", ErrValidation)
		}
	case types.OpUpdateNode:
		if op.NodeID == "" {
			return fmt.Errorf("%w: update_node requires nodeId", ErrValidation)
		}
		if op.Title == nil && op.URL == nil && op.IsOpen == nil && op.IsFavorite == nil {
			return fmt.Errorf("%w: update_node requires at least one field", ErrValidation)
		}
	case types.OpToggleFolder:
		if op.FolderID == "" {
			return fmt.Errorf("%w: toggle_folder requires folderId", ErrValidation)
		}
	case types.OpRemoveNode:
		if op.NodeID == "" {
			return fmt.Errorf("%w: remove_node requires nodeId", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrValidation, op.Type)
	}
	return nil
}

// rewriteRefs substitutes already-mapped temporary ids inside an operation
func rewriteRefs(op *types.Operation, mappings map[string]string) {
	if len(mappings) == 0 {
		return
	}
	for _, f := range []*string{&op.ID, &op.ParentID, &op.NodeID, &op.ToFolderID, &op.FolderID} {
		if real, ok := mappings[*f]; ok {
			*f = real
		}
	}
}
