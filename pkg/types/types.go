package types

import (
	"strings"
	"time"
)

// RootNodeID is the sentinel id of every namespace's root folder.
const RootNodeID = "root"

// TempIDPrefix marks client-generated placeholder ids. The server replaces
// them with real ids and reports the substitution in SyncResponse.Mappings.
const TempIDPrefix = "temp_"

// NodeKind discriminates the node tagged union
type NodeKind string

const (
	NodeKindFolder   NodeKind = "folder"
	NodeKindBookmark NodeKind = "bookmark"
)

// Node represents one entry of a namespace's bookmarks tree. Folder and
// bookmark share a single struct dispatched on Kind; URL is only meaningful
// for bookmarks and IsOpen only for folders.
type Node struct {
	ID         string   `json:"id"`
	ParentID   string   `json:"parentId,omitempty"` // empty for the root
	Kind       NodeKind `json:"kind"`
	Title      string   `json:"title"`
	URL        string   `json:"url,omitempty"`
	IsOpen     bool     `json:"isOpen,omitempty"`
	IsFavorite bool     `json:"isFavorite,omitempty"`
	OrderKey   string   `json:"orderKey"`
	CreatedAt  int64    `json:"createdAt"` // unix milliseconds
	UpdatedAt  int64    `json:"updatedAt"` // unix milliseconds
}

// IsRoot reports whether the node is a namespace root
func (n *Node) IsRoot() bool {
	return n.ParentID == "" && n.ID == RootNodeID
}

// Clone returns a copy of the node
func (n *Node) Clone() *Node {
	c := *n
	return &c
}

// IsTempID reports whether id is a client-side placeholder id
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewRootNode returns the root folder for a fresh namespace
func NewRootNode(title string) *Node {
	now := time.Now().UnixMilli()
	return &Node{
		ID:        RootNodeID,
		Kind:      NodeKindFolder,
		Title:     title,
		IsOpen:    true,
		OrderKey:  "a0",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// OpType identifies a tree mutation
type OpType string

const (
	OpCreateFolder   OpType = "create_folder"
	OpCreateBookmark OpType = "create_bookmark"
	OpMoveNode       OpType = "move_node"
	OpUpdateNode     OpType = "update_node"
	OpToggleFolder   OpType = "toggle_folder"
	OpRemoveNode     OpType = "remove_node"
)

// Operation is the tagged union of tree mutations. Fields are pointers where
// absence and zero value must be told apart (patches and toggles). Index and
// OrderKey are alternatives for sibling placement: OrderKey wins when both
// are present, Index is resolved against the current sibling list at apply
// time.
type Operation struct {
	Type OpType `json:"type" validate:"required"`

	// create_folder / create_bookmark
	ID         string  `json:"id,omitempty"`
	ParentID   string  `json:"parentId,omitempty"`
	Title      *string `json:"title,omitempty"`
	URL        *string `json:"url,omitempty" validate:"omitempty,url"`
	IsOpen     *bool   `json:"isOpen,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`

	// move_node / update_node / remove_node
	NodeID     string `json:"nodeId,omitempty"`
	ToFolderID string `json:"toFolderId,omitempty"`

	// toggle_folder
	FolderID string `json:"folderId,omitempty"`
	Open     *bool  `json:"open,omitempty"`

	// sibling placement
	Index    *int   `json:"index,omitempty"`
	OrderKey string `json:"orderKey,omitempty"`
}

// EnvelopeStatus is the lifecycle state of an operation envelope
type EnvelopeStatus string

const (
	StatusPending EnvelopeStatus = "pending"
	StatusSynced  EnvelopeStatus = "synced"
	StatusFailed  EnvelopeStatus = "failed"
)

// OperationEnvelope wraps one operation with identity, timestamp and
// lifecycle status. Content is immutable after creation; only Status,
// RetryCount and LastError change.
type OperationEnvelope struct {
	ID         string         `json:"id" validate:"required"`
	TS         int64          `json:"ts" validate:"required"` // unix milliseconds, client clock
	Namespace  string         `json:"namespace" validate:"required"`
	Op         Operation      `json:"op"`
	Status     EnvelopeStatus `json:"status"`
	RetryCount int            `json:"retryCount"`
	LastError  string         `json:"lastError,omitempty"`
}

// EventType identifies an SSE event emitted by the broker
type EventType string

const (
	EventConnection              EventType = "connection"
	EventHeartbeat               EventType = "heartbeat"
	EventClose                   EventType = "close"
	EventFolderCreated           EventType = "folder_created"
	EventBookmarkCreated         EventType = "bookmark_created"
	EventFolderUpdated           EventType = "folder_updated"
	EventBookmarkUpdated         EventType = "bookmark_updated"
	EventItemMoved               EventType = "item_moved"
	EventFolderToggled           EventType = "folder_toggled"
	EventBookmarkFavoriteToggled EventType = "bookmark_favorite_toggled"
	EventItemDeleted             EventType = "item_deleted"
	EventTrigger                 EventType = "trigger"
	EventNotification            EventType = "notification"
)

// Event is one namespace-scoped broker event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Namespace string         `json:"namespace"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorKind classifies failures for retry policy
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation" // bad shape, never retried
	ErrKindConflict   ErrorKind = "conflict"   // referent missing, cycle, wrong kind
	ErrKindTransient  ErrorKind = "transient"  // network/timeout/5xx, retried
	ErrKindPermanent  ErrorKind = "permanent"  // non-validation 4xx
	ErrKindFatal      ErrorKind = "fatal"      // local store corruption
)

// SyncRequest is the batched sync payload POSTed to the server
type SyncRequest struct {
	ClientID   string               `json:"clientId"`
	Operations []*OperationEnvelope `json:"operations"`
}

// AppliedResult reports the outcome of one envelope in a sync batch
type AppliedResult struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"` // "success" or "failed"
	Error       string `json:"error,omitempty"`
}

const (
	AppliedSuccess = "success"
	AppliedFailed  = "failed"
)

// SyncResponse is the server's answer to a sync batch
type SyncResponse struct {
	Applied         []AppliedResult   `json:"applied"`
	Mappings        map[string]string `json:"mappings"`
	ServerTimestamp int64             `json:"serverTimestamp"`
}

// ApplyResponse is the server's answer to a single-envelope apply
type ApplyResponse struct {
	Success        bool   `json:"success"`
	OperationID    string `json:"operationId"`
	AlreadyApplied bool   `json:"alreadyApplied,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SubtreeResponse carries a tree snapshot rooted at RootID
type SubtreeResponse struct {
	RootID string           `json:"rootId"`
	Nodes  map[string]*Node `json:"nodes"`
}

// NamespaceInfo describes one namespace for listing
type NamespaceInfo struct {
	Namespace     string `json:"namespace"`
	RootNodeID    string `json:"rootNodeId"`
	RootNodeTitle string `json:"rootNodeTitle"`
}

// ConnectionsResponse reports live SSE subscriber counts
type ConnectionsResponse struct {
	Connections int `json:"connections"`
}

// SyncState is the user-visible sync status of a namespace
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncError   SyncState = "error"
)

// ConnState is the user-visible connection status of a namespace
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)
