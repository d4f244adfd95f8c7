// ABOUTME: Agent-side relay client: registers with the client role, executes
// ABOUTME: dispatched actions one at a time, and reports results.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldhand/relay/internal/protocol"
)

const (
	// reconnect backoff bounds for Run.
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	// dispatchBufferSize absorbs back-to-back dispatches around sequence
	// boundaries; the relay sends at most one action per outstanding
	// result.
	dispatchBufferSize = 4
)

// Executor performs one action on the agent's machine. Returning an error
// marks the action failed and aborts the rest of its sequence. When
// action.Screenshot is set the returned bytes are attached to the result.
type Executor interface {
	Execute(ctx context.Context, action protocol.Action) (screenshot []byte, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action protocol.Action) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, action protocol.Action) ([]byte, error) {
	return f(ctx, action)
}

// Agent maintains a client-role connection to the relay and feeds
// dispatched actions to its Executor.
type Agent struct {
	ID       string // requested client id; empty lets the relay assign one
	URL      string
	Executor Executor
	Logger   *slog.Logger
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff when the relay drops the connection.
func (a *Agent) Run(ctx context.Context) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "client_id", a.ID)

	backoff := reconnectMin
	for {
		start := time.Now()
		err := a.runOnce(ctx, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > reconnectMax {
			backoff = reconnectMin
		}

		logger.Warn("relay connection lost, reconnecting",
			"error", err,
			"backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// runOnce serves a single connection until it fails or ctx is cancelled.
func (a *Agent) runOnce(ctx context.Context, logger *slog.Logger) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, a.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	conn := &agentConn{
		agent:  a,
		ws:     ws,
		logger: logger,
		work:   make(chan protocol.ActionDispatch, dispatchBufferSize),
		done:   make(chan struct{}),
	}
	defer conn.close()

	if err := conn.send(&protocol.Register{Role: protocol.RoleClient, ClientID: a.ID}); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}
	ack, err := conn.readAck()
	if err != nil {
		return err
	}
	logger.Info("registered with relay",
		"session_id", ack.SessionID,
		"assigned_id", ack.ClientID)

	go conn.worker(ctx)
	return conn.readLoop(ctx)
}

// agentConn is the per-connection state for one Run attempt.
type agentConn struct {
	agent  *Agent
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	work      chan protocol.ActionDispatch
	done      chan struct{}
	closeOnce sync.Once
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *agentConn) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *agentConn) readAck() (*protocol.RegisterAck, error) {
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

// readLoop keeps the connection responsive: heartbeats are answered here
// while the worker goroutine runs actions.
func (c *agentConn) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Ping:
			if err := c.send(&protocol.Pong{Seq: m.Seq}); err != nil {
				return fmt.Errorf("answering ping: %w", err)
			}
		case *protocol.ActionDispatch:
			select {
			case c.work <- *m:
			default:
				// The relay never exceeds one outstanding action; a full
				// buffer means this connection is stale. Drop it.
				return fmt.Errorf("dispatch buffer overflow")
			}
		case *protocol.ProtocolError:
			c.logger.Warn("protocol error from relay", "code", m.Code, "detail", m.Detail)
		case *protocol.Pong:
		default:
			c.logger.Debug("ignoring unexpected message", "kind", msg.Kind())
		}
	}
}

// worker executes dispatched actions in order, keeping the read loop free
// to answer heartbeats during long actions.
func (c *agentConn) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case d := <-c.work:
			res := c.execute(ctx, d)
			if err := c.send(&res); err != nil {
				c.logger.Warn("sending result failed",
					"request_id", d.RequestID,
					"index", d.Index,
					"error", err)
				c.close()
				return
			}
			if d.Action.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-c.done:
					return
				case <-time.After(time.Duration(d.Action.Delay * float64(time.Second))):
				}
			}
		}
	}
}

func (c *agentConn) execute(ctx context.Context, d protocol.ActionDispatch) protocol.ActionResult {
	c.logger.Info("executing action",
		"request_id", d.RequestID,
		"index", d.Index,
		"action", d.Action.Name)

	start := time.Now()
	screenshot, err := c.agent.Executor.Execute(ctx, d.Action)
	res := protocol.ActionResult{
		RequestID: d.RequestID,
		Index:     d.Index,
		Status:    protocol.ActionOK,
		Elapsed:   time.Since(start).Seconds(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		res.Status = protocol.ActionError
		res.Error = err.Error()
		return res
	}
	if d.Action.Screenshot {
		res.Screenshot = screenshot
	}
	return res
}
