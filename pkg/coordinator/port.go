package coordinator

import (
	"github.com/markhive/markhive/pkg/types"
	"github.com/rs/zerolog"
)

// Inbound message types (tab to coordinator).
const (
	MsgConnect          = "connect"
	MsgDisconnect       = "disconnect"
	MsgEnqueueOperation = "enqueueOperation"
	MsgSyncNow          = "syncNow"
	MsgGetStatus        = "getStatus"
	MsgGetPendingCount  = "getPendingCount"
	MsgResetDatabase    = "resetDatabase"
	MsgFetchInitialData = "fetchInitialData"
)

// Outbound message types (coordinator to tab).
const (
	MsgConnected           = "connected"
	MsgDisconnected        = "disconnected"
	MsgConnecting          = "connecting"
	MsgReconnecting        = "reconnecting"
	MsgEvent               = "event"
	MsgConnectionCount     = "connection-count"
	MsgConnectivityChanged = "connectivityChanged"
	MsgDataChanged         = "dataChanged"
	MsgPendingCount        = "pendingCount"
	MsgSyncStatus          = "syncStatus"
	MsgError               = "error"
	MsgAck                 = "ack"
)

// Message is one port-protocol frame. RequestID, when present on an inbound
// message, is echoed on the reply so callers can correlate.
type Message struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Namespace string           `json:"namespace,omitempty"`
	Op        *types.Operation `json:"op,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Port is one tab's connection to the coordinator. Outbound messages are
// delivered on Messages; a slow consumer drops messages rather than
// stalling the coordinator loop.
type Port struct {
	ID        string
	namespace string

	coord  *Coordinator
	logger zerolog.Logger
	out    chan *Message
	closed bool
}

// Messages returns the outbound message channel. It is closed when the
// port detaches.
func (p *Port) Messages() <-chan *Message {
	return p.out
}

// Namespace returns the namespace the port connected to, empty before the
// first connect message.
func (p *Port) Namespace() string {
	var ns string
	p.coord.call(func() { ns = p.namespace })
	return ns
}

// Send delivers an inbound message to the coordinator loop
func (p *Port) Send(msg *Message) {
	p.coord.post(func() { p.coord.handleMessage(p, msg) })
}

// Close detaches the port. The last port of a namespace tears down its
// upstream stream.
func (p *Port) Close() {
	p.coord.post(func() { p.coord.detachPort(p) })
}

// deliver is called from the coordinator loop only
func (p *Port) deliver(msg *Message) {
	if p.closed {
		return
	}
	select {
	case p.out <- msg:
	default:
		// Tab is not draining; dropping beats blocking the loop.
		p.logger.Debug().Str("type", msg.Type).Msg("outbound message dropped")
	}
}
