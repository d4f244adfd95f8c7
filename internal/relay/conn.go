// ABOUTME: One websocket connection: registration handshake, read/write pumps,
// ABOUTME: app-level heartbeat, violation budget, role-based message routing.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fieldhand/relay/internal/protocol"
	"github.com/fieldhand/relay/internal/session"
)

// ErrConnClosed indicates a send on a connection that is shutting down.
var ErrConnClosed = errors.New("connection closed")

const (
	// registerTimeout bounds the wait for the initial REGISTER frame.
	registerTimeout = 10 * time.Second
	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second
	// maxFrameSize accommodates screenshot payloads.
	maxFrameSize = 32 << 20
	// sendBufferSize is the per-connection outbound frame buffer. A
	// consumer that falls this far behind is closed rather than throttling
	// the relay.
	sendBufferSize = 256
)

type conn struct {
	srv       *Server
	ws        *websocket.Conn
	logger    *slog.Logger
	sessionID string
	role      protocol.Role
	clientID  string

	// session is set for client connections only.
	session *session.Session

	send       chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	cancel     context.CancelFunc
	registered bool

	lastPong uint64 // atomic; highest pong seq seen

	// violations is touched only by the read pump.
	violations int
}

// SessionID implements registry.Conn.
func (c *conn) SessionID() string { return c.sessionID }

// Role implements registry.Conn.
func (c *conn) Role() protocol.Role { return c.role }

// ClientID implements registry.Conn.
func (c *conn) ClientID() string { return c.clientID }

// Send encodes and queues a message for the write pump. A full buffer
// means the peer cannot keep up; the connection is closed rather than
// blocking the sender or silently dropping frames.
func (c *conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	case c.send <- data:
		c.srv.metrics.frames.WithLabelValues("out", string(msg.Kind())).Inc()
		return nil
	default:
		c.logger.Warn("send buffer full, closing connection", "kind", msg.Kind())
		c.close("send buffer overflow")
		return ErrConnClosed
	}
}

// close tears the connection down exactly once: unregisters it, terminates
// the owning session or drops the controller's outstanding requests, and
// releases both pumps.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.cancel != nil {
			c.cancel()
		}
		c.logger.Info("connection closing", "reason", reason)

		_, wasLive := c.srv.registry.Unregister(c.sessionID)
		if c.registered {
			c.srv.metrics.sessions.WithLabelValues(string(c.role)).Dec()
		}

		switch c.role {
		case protocol.RoleClient:
			if c.session != nil {
				c.session.Close(reason)
			}
			if wasLive {
				c.srv.notifier.Publish(protocol.ClientStatusEvent{
					ClientID:  c.clientID,
					Event:     protocol.EventDisconnected,
					Timestamp: time.Now().UTC(),
				})
			}
		case protocol.RoleController:
			for _, p := range c.srv.correlator.DropController(c.sessionID) {
				if target, ok := c.srv.registry.LookupClient(p.ClientID); ok {
					if tc, ok := target.(*conn); ok {
						tc.session.Cancel(p.RequestID)
					}
				}
			}
		}
	})
}

// writePump is the only goroutine writing to the websocket.
func (c *conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.close("write failed: " + err.Error())
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump decodes inbound frames and routes them by role until the
// connection dies.
func (c *conn) readPump() {
	defer c.close("connection closed by peer")

	_ = c.ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if !c.violation("malformed_frame", err.Error()) {
				return
			}
			continue
		}
		c.srv.metrics.frames.WithLabelValues("in", string(msg.Kind())).Inc()

		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one decoded message. Returns false when the connection
// has been closed and the read pump should stop.
func (c *conn) dispatch(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.Pong:
		atomic.StoreUint64(&c.lastPong, m.Seq)

	case *protocol.Ping:
		_ = c.Send(&protocol.Pong{Seq: m.Seq})

	case *protocol.ActionResult:
		if c.role != protocol.RoleClient {
			return c.violation("unexpected_message", "action_result from controller")
		}
		c.session.HandleResult(*m)

	case *protocol.ListClients:
		if c.role != protocol.RoleController {
			return c.violation("unexpected_message", "list_clients from client")
		}
		_ = c.Send(c.srv.clientList())

	case *protocol.ExecuteSequence:
		if c.role != protocol.RoleController {
			return c.violation("unexpected_message", "execute_sequence from client")
		}
		c.srv.handleExecute(c, m)

	case *protocol.CancelSequence:
		if c.role != protocol.RoleController {
			return c.violation("unexpected_message", "cancel_sequence from client")
		}
		c.srv.handleCancel(c, m)

	case *protocol.Register:
		return c.violation("already_registered", "register after handshake")

	case *protocol.Unknown:
		return c.violation("unknown_tag", "unrecognized message tag "+m.Tag)

	default:
		return c.violation("unexpected_message", string(msg.Kind())+" not valid for role "+string(c.role))
	}
	return true
}

// violation reports a protocol error to the peer and closes the connection
// once the budget is exhausted. Returns false when closed.
func (c *conn) violation(code, detail string) bool {
	c.violations++
	c.logger.Warn("protocol violation",
		"code", code,
		"detail", detail,
		"count", c.violations)
	_ = c.Send(&protocol.ProtocolError{Code: code, Detail: detail})
	if c.violations >= c.srv.cfg.Relay.MaxProtocolViolations {
		c.close("protocol violation budget exhausted")
		return false
	}
	return true
}

// heartbeatLoop pings on a fixed interval. Each tick first checks whether
// the previous ping was answered; max_heartbeat_misses consecutive
// unanswered pings force a disconnect.
func (c *conn) heartbeatLoop() {
	interval := c.srv.cfg.Relay.HeartbeatInterval
	maxMisses := c.srv.cfg.Relay.MaxHeartbeatMisses

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	misses := 0
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if seq > 0 && atomic.LoadUint64(&c.lastPong) < seq {
				misses++
			} else {
				misses = 0
			}
			if misses >= maxMisses {
				c.logger.Warn("heartbeat timeout",
					"misses", misses,
					"last_seq", seq)
				c.srv.metrics.heartbeatDisconnects.Inc()
				c.close("heartbeat timeout")
				return
			}
			seq++
			if err := c.Send(&protocol.Ping{Seq: seq}); err != nil {
				return
			}
		}
	}
}

// forwardEvents relays client status events from the notifier to a
// controller connection.
func (c *conn) forwardEvents(ch <-chan protocol.ClientStatusEvent) {
	for {
		select {
		case <-c.closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = c.Send(&ev)
		}
	}
}

func newSessionID() string { return uuid.New().String() }
