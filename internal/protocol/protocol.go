// ABOUTME: Wire message definitions for the relay protocol.
// ABOUTME: Every frame is a tagged envelope; tags map to the payload structs here.

package protocol

import "time"

// Role identifies which side of the relay a connection speaks for.
type Role string

const (
	// RoleClient is a remote automation agent that executes actions.
	RoleClient Role = "client"
	// RoleController submits action sequences and consumes results.
	RoleController Role = "controller"
)

// Valid reports whether the role is one the relay accepts at registration.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleController
}

// ClientStatus is the relay's view of a client session.
type ClientStatus string

const (
	StatusIdle         ClientStatus = "idle"
	StatusBusy         ClientStatus = "busy"
	StatusDisconnected ClientStatus = "disconnected"
)

// ActionStatus is the outcome of a single dispatched action.
type ActionStatus string

const (
	ActionOK      ActionStatus = "ok"
	ActionError   ActionStatus = "error"
	ActionTimeout ActionStatus = "timeout"
	ActionAborted ActionStatus = "aborted"
)

// RejectReason explains an immediate EXECUTE_SEQUENCE rejection.
type RejectReason string

const (
	RejectBusy             RejectReason = "busy"
	RejectNotFound         RejectReason = "not_found"
	RejectQueueFull        RejectReason = "queue_full"
	RejectDuplicateRequest RejectReason = "duplicate_request"
)

// FailReason explains a terminal SEQUENCE_FAILED.
type FailReason string

const (
	FailError        FailReason = "error"
	FailTimeout      FailReason = "timeout"
	FailDisconnected FailReason = "disconnected"
	FailCancelled    FailReason = "cancelled"
)

// StatusEvent is a client lifecycle event broadcast to controllers.
type StatusEvent string

const (
	EventConnected    StatusEvent = "connected"
	EventDisconnected StatusEvent = "disconnected"
)

// Kind is the envelope discriminant tag.
type Kind string

const (
	KindRegister         Kind = "register"
	KindRegisterAck      Kind = "register_ack"
	KindListClients      Kind = "list_clients"
	KindClientList       Kind = "client_list"
	KindExecuteSequence  Kind = "execute_sequence"
	KindExecuteAck       Kind = "execute_ack"
	KindActionDispatch   Kind = "action_dispatch"
	KindActionResult     Kind = "action_result"
	KindSequenceComplete Kind = "sequence_complete"
	KindSequenceFailed   Kind = "sequence_failed"
	KindCancelSequence   Kind = "cancel_sequence"
	KindClientStatus     Kind = "client_status"
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindProtocolError    Kind = "protocol_error"
)

// Message is implemented by every decodable payload type.
type Message interface {
	Kind() Kind
}

// Action is one atomic automation step. The relay treats the name and
// params as opaque; only the client's executor interprets them.
type Action struct {
	Name       string         `cbor:"name"`
	Screenshot bool           `cbor:"screenshot,omitempty"`
	Delay      float64        `cbor:"delay,omitempty"` // seconds, applied client-side after the action
	Params     map[string]any `cbor:"params,omitempty"`
}

// ActionResult reports the outcome of one dispatched action. Screenshot
// bytes ride as a native CBOR byte string.
type ActionResult struct {
	RequestID  string       `cbor:"request_id"`
	Index      int          `cbor:"index"`
	Status     ActionStatus `cbor:"status"`
	Screenshot []byte       `cbor:"screenshot,omitempty"`
	Error      string       `cbor:"error,omitempty"`
	Elapsed    float64      `cbor:"elapsed,omitempty"` // seconds
	Timestamp  time.Time    `cbor:"timestamp,omitempty"`
}

// OK reports whether the action completed successfully.
func (r ActionResult) OK() bool { return r.Status == ActionOK }

// Register is the mandatory first frame on every connection.
// ClientID is optional for clients (the relay assigns one if empty) and
// ignored for controllers.
type Register struct {
	Role     Role   `cbor:"role"`
	ClientID string `cbor:"id,omitempty"`
}

func (Register) Kind() Kind { return KindRegister }

// RegisterAck confirms registration. SessionID is the relay-assigned
// connection identity; ClientID echoes or assigns the client's id.
type RegisterAck struct {
	SessionID string `cbor:"session_id"`
	ClientID  string `cbor:"id,omitempty"`
}

func (RegisterAck) Kind() Kind { return KindRegisterAck }

// ListClients requests a snapshot of connected clients.
type ListClients struct{}

func (ListClients) Kind() Kind { return KindListClients }

// ClientInfo is one entry in a ClientList snapshot.
type ClientInfo struct {
	ID     string       `cbor:"id"`
	Status ClientStatus `cbor:"status"`
}

// ClientList is the reply to ListClients. It is also pushed unsolicited
// to a controller right after registration.
type ClientList struct {
	Clients []ClientInfo `cbor:"clients"`
}

func (ClientList) Kind() Kind { return KindClientList }

// ExecuteSequence submits an ordered set of actions for one client.
// RequestID must be unique per issuing controller connection.
type ExecuteSequence struct {
	RequestID string    `cbor:"request_id"`
	ClientID  string    `cbor:"client_id"`
	Actions   []Action  `cbor:"actions"`
	IssuedAt  time.Time `cbor:"issued_at,omitempty"`
}

func (ExecuteSequence) Kind() Kind { return KindExecuteSequence }

// ExecuteAck is the immediate accept/reject reply to ExecuteSequence.
type ExecuteAck struct {
	RequestID string       `cbor:"request_id"`
	Accepted  bool         `cbor:"accepted"`
	Reason    RejectReason `cbor:"reason,omitempty"`
}

func (ExecuteAck) Kind() Kind { return KindExecuteAck }

// ActionDispatch carries one action from the relay to a client.
type ActionDispatch struct {
	RequestID string `cbor:"request_id"`
	Index     int    `cbor:"index"`
	Action    Action `cbor:"action"`
}

func (ActionDispatch) Kind() Kind { return KindActionDispatch }

func (ActionResult) Kind() Kind { return KindActionResult }

// SequenceComplete is the terminal success signal for a request. Result
// entries repeat per-action metadata but omit screenshot bytes; those were
// already streamed in the per-action ActionResult frames.
type SequenceComplete struct {
	RequestID string         `cbor:"request_id"`
	Results   []ActionResult `cbor:"results"`
}

func (SequenceComplete) Kind() Kind { return KindSequenceComplete }

// SequenceFailed is the terminal failure signal for a request.
type SequenceFailed struct {
	RequestID string     `cbor:"request_id"`
	Reason    FailReason `cbor:"reason"`
	Detail    string     `cbor:"detail,omitempty"`
}

func (SequenceFailed) Kind() Kind { return KindSequenceFailed }

// CancelSequence asks the relay to abort a previously accepted request.
// Only the issuing controller may cancel it.
type CancelSequence struct {
	RequestID string `cbor:"request_id"`
}

func (CancelSequence) Kind() Kind { return KindCancelSequence }

// ClientStatusEvent announces a client connecting or disconnecting.
type ClientStatusEvent struct {
	ClientID  string      `cbor:"client_id"`
	Event     StatusEvent `cbor:"event"`
	Timestamp time.Time   `cbor:"timestamp,omitempty"`
}

func (ClientStatusEvent) Kind() Kind { return KindClientStatus }

// Ping is the application-level heartbeat probe.
type Ping struct {
	Seq uint64 `cbor:"seq"`
}

func (Ping) Kind() Kind { return KindPing }

// Pong answers a Ping, echoing its sequence number.
type Pong struct {
	Seq uint64 `cbor:"seq"`
}

func (Pong) Kind() Kind { return KindPong }

// ProtocolError is sent before a connection-scoped close.
type ProtocolError struct {
	Code   string `cbor:"code"`
	Detail string `cbor:"detail,omitempty"`
}

func (ProtocolError) Kind() Kind { return KindProtocolError }

// Unknown stands in for a frame whose tag the relay does not recognize.
// Receivers count it against the connection's violation budget instead of
// dropping the connection outright.
type Unknown struct {
	Tag string
}

func (Unknown) Kind() Kind { return Kind("unknown") }
