// ABOUTME: Controller-side relay client: submits sequences, streams results,
// ABOUTME: and surfaces client lifecycle events.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldhand/relay/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeDeadline    = 10 * time.Second
	maxFrameSize     = 32 << 20
	eventBufferSize  = 64
	resultBufferSize = 16
	// cancelGrace bounds the wait for SEQUENCE_FAILED after a
	// context-triggered cancellation.
	cancelGrace = 10 * time.Second
)

// ErrClosed indicates the controller connection is gone.
var ErrClosed = errors.New("controller connection closed")

// RejectionError is returned by Execute when the relay refuses the request
// up front.
type RejectionError struct {
	RequestID string
	Reason    protocol.RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("request %s rejected: %s", e.RequestID, e.Reason)
}

// FailureError is returned by Execute when an accepted sequence ends in
// SEQUENCE_FAILED.
type FailureError struct {
	RequestID string
	Reason    protocol.FailReason
	Detail    string
}

func (e *FailureError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("request %s failed: %s", e.RequestID, e.Reason)
	}
	return fmt.Sprintf("request %s failed: %s: %s", e.RequestID, e.Reason, e.Detail)
}

// call tracks one in-flight Execute.
type call struct {
	ack      chan protocol.ExecuteAck
	results  chan protocol.ActionResult
	complete chan protocol.SequenceComplete
	failed   chan protocol.SequenceFailed
}

func newCall() *call {
	return &call{
		ack:      make(chan protocol.ExecuteAck, 1),
		results:  make(chan protocol.ActionResult, resultBufferSize),
		complete: make(chan protocol.SequenceComplete, 1),
		failed:   make(chan protocol.SequenceFailed, 1),
	}
}

// Controller is a relay connection with the controller role. Safe for
// concurrent use; each Execute call runs independently.
type Controller struct {
	ws        *websocket.Conn
	logger    *slog.Logger
	sessionID string

	writeMu sync.Mutex

	mu          sync.Mutex
	calls       map[string]*call
	listWaiters []chan protocol.ClientList
	latest      *protocol.ClientList

	events    chan protocol.ClientStatusEvent
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the relay at url (ws://host:port/ws), registers as a
// controller, and starts the read loop.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	c := &Controller{
		ws:     ws,
		logger: logger.With("component", "controller"),
		calls:  make(map[string]*call),
		events: make(chan protocol.ClientStatusEvent, eventBufferSize),
		closed: make(chan struct{}),
	}

	if err := c.send(&protocol.Register{Role: protocol.RoleController}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sending register: %w", err)
	}

	ack, err := c.readAck()
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.sessionID = ack.SessionID
	c.logger = c.logger.With("session_id", ack.SessionID)

	go c.readLoop()
	return c, nil
}

// SessionID returns the relay-assigned identity of this connection.
func (c *Controller) SessionID() string { return c.sessionID }

// Events returns the stream of client connect/disconnect notifications.
// The channel closes when the connection does.
func (c *Controller) Events() <-chan protocol.ClientStatusEvent { return c.events }

// Close tears down the connection. Outstanding Execute calls return
// ErrClosed.
func (c *Controller) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// ListClients requests a fresh snapshot of connected clients.
func (c *Controller) ListClients(ctx context.Context) ([]protocol.ClientInfo, error) {
	waiter := make(chan protocol.ClientList, 1)
	c.mu.Lock()
	c.listWaiters = append(c.listWaiters, waiter)
	c.mu.Unlock()

	if err := c.send(&protocol.ListClients{}); err != nil {
		c.mu.Lock()
		for i, w := range c.listWaiters {
			if w == waiter {
				c.listWaiters = append(c.listWaiters[:i], c.listWaiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.err()
	case list := <-waiter:
		return list.Clients, nil
	}
}

// Clients returns the most recent snapshot pushed by the relay, which may
// be stale. Use ListClients for a fresh one.
func (c *Controller) Clients() []protocol.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil
	}
	return c.latest.Clients
}

// Execute submits an action sequence to clientID and blocks until the
// terminal signal. Per-action results are passed to onResult as they
// stream in, including screenshot bytes; onResult may be nil. Cancelling
// ctx sends CANCEL_SEQUENCE and returns once the relay confirms the
// failure, or with ctx.Err() if the relay does not answer.
func (c *Controller) Execute(ctx context.Context, clientID, requestID string, actions []protocol.Action, onResult func(protocol.ActionResult)) ([]protocol.ActionResult, error) {
	cl := newCall()
	c.mu.Lock()
	if _, exists := c.calls[requestID]; exists {
		c.mu.Unlock()
		return nil, &RejectionError{RequestID: requestID, Reason: protocol.RejectDuplicateRequest}
	}
	c.calls[requestID] = cl
	c.mu.Unlock()
	defer c.dropCall(requestID)

	req := &protocol.ExecuteSequence{
		RequestID: requestID,
		ClientID:  clientID,
		Actions:   actions,
		IssuedAt:  time.Now().UTC(),
	}
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.err()
	case ack := <-cl.ack:
		if !ack.Accepted {
			return nil, &RejectionError{RequestID: requestID, Reason: ack.Reason}
		}
	}

	results := make([]protocol.ActionResult, 0, len(actions))
	done := ctx.Done()
	var grace <-chan time.Time
	for {
		select {
		case <-done:
			if err := c.Cancel(requestID); err != nil {
				return results, ctx.Err()
			}
			// Keep draining until the relay's terminal failure arrives,
			// but only for so long.
			done = nil
			timer := time.NewTimer(cancelGrace)
			defer timer.Stop()
			grace = timer.C

		case <-grace:
			return results, ctx.Err()

		case <-c.closed:
			return results, c.err()

		case res := <-cl.results:
			results = append(results, res)
			if onResult != nil {
				onResult(res)
			}

		case comp := <-cl.complete:
			// The terminal summary omits screenshots; the streamed results
			// carry them, so prefer those when complete.
			if len(results) == len(comp.Results) {
				return results, nil
			}
			return comp.Results, nil

		case fail := <-cl.failed:
			return results, &FailureError{RequestID: requestID, Reason: fail.Reason, Detail: fail.Detail}
		}
	}
}

// Cancel asks the relay to abort a previously accepted request.
func (c *Controller) Cancel(requestID string) error {
	return c.send(&protocol.CancelSequence{RequestID: requestID})
}

func (c *Controller) dropCall(requestID string) {
	c.mu.Lock()
	delete(c.calls, requestID)
	c.mu.Unlock()
}

func (c *Controller) lookupCall(requestID string) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[requestID]
}

func (c *Controller) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

func (c *Controller) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeDeadline))
		_ = c.ws.Close()
	})
}

func (c *Controller) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return c.err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Kind(), err)
	}
	return nil
}

func (c *Controller) readAck() (*protocol.RegisterAck, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading register ack: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding register ack: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.RegisterAck:
		return m, nil
	case *protocol.ProtocolError:
		return nil, fmt.Errorf("registration rejected: %s: %s", m.Code, m.Detail)
	default:
		return nil, fmt.Errorf("unexpected %s during handshake", msg.Kind())
	}
}

func (c *Controller) readLoop() {
	// The read loop is the only sender on c.events, so it alone may close
	// the channel.
	defer func() {
		c.shutdown(ErrClosed)
		close(c.events)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("relay connection lost: %w", err))
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.route(msg)
	}
}

func (c *Controller) route(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ping:
		_ = c.send(&protocol.Pong{Seq: m.Seq})

	case *protocol.ClientList:
		c.mu.Lock()
		c.latest = m
		var waiter chan protocol.ClientList
		if len(c.listWaiters) > 0 {
			waiter = c.listWaiters[0]
			c.listWaiters = c.listWaiters[1:]
		}
		c.mu.Unlock()
		if waiter != nil {
			waiter <- *m
		}

	case *protocol.ExecuteAck:
		if cl := c.lookupCall(m.RequestID); cl != nil {
			cl.ack <- *m
		}

	case *protocol.ActionResult:
		cl := c.lookupCall(m.RequestID)
		if cl == nil {
			c.logger.Debug("result for unknown request", "request_id", m.RequestID)
			return
		}
		select {
		case cl.results <- *m:
		case <-c.closed:
		}

	case *protocol.SequenceComplete:
		if cl := c.lookupCall(m.RequestID); cl != nil {
			cl.complete <- *m
		}

	case *protocol.SequenceFailed:
		if cl := c.lookupCall(m.RequestID); cl != nil {
			cl.failed <- *m
		}

	case *protocol.ClientStatusEvent:
		select {
		case c.events <- *m:
		default:
			c.logger.Debug("dropping status event, consumer behind", "client_id", m.ClientID)
		}

	case *protocol.ProtocolError:
		c.logger.Warn("protocol error from relay", "code", m.Code, "detail", m.Detail)

	case *protocol.Pong:
		// Relay-initiated heartbeat is answered above; our own pings are
		// not sent, so ignore.

	default:
		c.logger.Debug("ignoring unexpected message", "kind", msg.Kind())
	}
}
