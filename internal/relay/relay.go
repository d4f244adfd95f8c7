// ABOUTME: The relay server: HTTP listener, websocket handshake, and the
// ABOUTME: routing glue between registry, sessions, correlator, and notifier.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldhand/relay/internal/config"
	"github.com/fieldhand/relay/internal/correlator"
	"github.com/fieldhand/relay/internal/events"
	"github.com/fieldhand/relay/internal/protocol"
	"github.com/fieldhand/relay/internal/registry"
	"github.com/fieldhand/relay/internal/session"
)

// Server relays action sequences from controllers to clients and results
// back. One Server owns all connection state; it is safe for concurrent
// use by its connection goroutines.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *registry.Registry
	correlator *correlator.Correlator
	notifier   *events.Notifier
	metrics    *metrics
	promReg    *prometheus.Registry
	upgrader   websocket.Upgrader
	httpSrv    *http.Server
}

// New wires up a Server from configuration. Call Run to serve.
func New(cfg *config.Config, logger *slog.Logger) *Server {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "relay"),
		registry:   registry.New(logger.With("component", "registry")),
		correlator: correlator.New(logger),
		notifier:   events.New(logger),
		metrics:    newMetrics(promReg),
		promReg:    promReg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay fronts trusted automation tooling, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Handler returns the HTTP routing tree: the websocket endpoint plus
// health, readiness, and metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(s.cfg.Server.WSPath, s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, s.cfg.Metrics.Path,
			promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.logger.Info("relay server listening",
		"addr", s.cfg.Server.Addr,
		"ws_path", s.cfg.Server.WSPath)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting connections and drains the existing ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	s.notifier.Close()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}
	go s.serveConn(ws, r.RemoteAddr)
}

// serveConn runs the registration handshake and, on success, the
// connection's pumps. The first frame must be REGISTER.
func (s *Server) serveConn(ws *websocket.Conn, remote string) {
	ws.SetReadLimit(maxFrameSize)

	reg, err := s.readRegister(ws)
	if err != nil {
		s.logger.Warn("registration failed", "remote", remote, "error", err)
		s.rejectHandshake(ws, err.Error())
		return
	}

	sessionID := newSessionID()
	clientID := reg.ClientID
	if reg.Role == protocol.RoleClient && clientID == "" {
		clientID = newSessionID()
	}
	if reg.Role == protocol.RoleController {
		clientID = ""
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:       s,
		ws:        ws,
		sessionID: sessionID,
		role:      reg.Role,
		clientID:  clientID,
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
		cancel:    cancel,
		logger: s.logger.With(
			"session_id", sessionID,
			"role", reg.Role,
			"client_id", clientID,
			"remote", remote,
		),
	}
	if reg.Role == protocol.RoleClient {
		c.session = session.New(clientID, c, &reporter{s: s}, session.Config{
			ActionTimeout:    s.cfg.Relay.ActionTimeout,
			MaxExecutionTime: s.cfg.Relay.MaxExecutionTime,
			QueueDepth:       s.cfg.Relay.MaxQueueDepth,
		}, s.logger)
	}

	displaced := s.registry.Register(c)
	c.registered = true
	s.metrics.sessions.WithLabelValues(string(c.role)).Inc()
	if displaced != nil {
		if old, ok := displaced.(*conn); ok {
			old.close("displaced by new registration for client " + clientID)
		}
	}

	go c.writePump()
	_ = c.Send(&protocol.RegisterAck{SessionID: sessionID, ClientID: clientID})

	switch c.role {
	case protocol.RoleClient:
		s.notifier.Publish(protocol.ClientStatusEvent{
			ClientID:  clientID,
			Event:     protocol.EventConnected,
			Timestamp: time.Now().UTC(),
		})
	case protocol.RoleController:
		ch, _ := s.notifier.Subscribe(ctx)
		go c.forwardEvents(ch)
		_ = c.Send(s.clientList())
	}

	go c.heartbeatLoop()
	c.readPump()
}

// readRegister reads and validates the handshake frame.
func (s *Server) readRegister(ws *websocket.Conn) (*protocol.Register, error) {
	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errors.New("no register frame: " + err.Error())
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, errors.New("malformed register frame")
	}
	reg, ok := msg.(*protocol.Register)
	if !ok {
		return nil, errors.New("first frame must be register, got " + string(msg.Kind()))
	}
	if !reg.Role.Valid() {
		return nil, errors.New("invalid role " + string(reg.Role))
	}
	return reg, nil
}

// rejectHandshake sends a protocol error and closes an unregistered socket.
func (s *Server) rejectHandshake(ws *websocket.Conn, detail string) {
	if data, err := protocol.Encode(&protocol.ProtocolError{Code: "registration_failed", Detail: detail}); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteMessage(websocket.BinaryMessage, data)
	}
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "registration failed"))
	_ = ws.Close()
}

// handleExecute validates an execute request, reserves its id, and hands
// the sequence to the target client's session. The controller always gets
// an immediate EXECUTE_ACK.
func (s *Server) handleExecute(c *conn, req *protocol.ExecuteSequence) {
	reject := func(reason protocol.RejectReason) {
		s.metrics.sequences.WithLabelValues("rejected_" + string(reason)).Inc()
		_ = c.Send(&protocol.ExecuteAck{RequestID: req.RequestID, Accepted: false, Reason: reason})
	}

	target, ok := s.registry.LookupClient(req.ClientID)
	if !ok {
		reject(protocol.RejectNotFound)
		return
	}
	tc, ok := target.(*conn)
	if !ok || tc.session == nil {
		reject(protocol.RejectNotFound)
		return
	}

	if err := s.correlator.Register(req.RequestID, c.sessionID, req.ClientID, c); err != nil {
		reject(protocol.RejectDuplicateRequest)
		return
	}

	seq := session.NewSequence(req.RequestID, c.sessionID, req.Actions)
	if err := tc.session.Enqueue(seq); err != nil {
		s.correlator.Discard(req.RequestID)
		switch {
		case errors.Is(err, session.ErrBusy):
			reject(protocol.RejectBusy)
		case errors.Is(err, session.ErrQueueFull):
			reject(protocol.RejectQueueFull)
		default:
			reject(protocol.RejectNotFound)
		}
		return
	}

	s.metrics.sequences.WithLabelValues("accepted").Inc()
	_ = c.Send(&protocol.ExecuteAck{RequestID: req.RequestID, Accepted: true})
	s.logger.Info("sequence accepted",
		"request_id", req.RequestID,
		"client_id", req.ClientID,
		"actions", len(req.Actions))
}

// handleCancel aborts a pending request if the caller issued it. Cancel
// attempts against unknown or foreign requests are logged and dropped.
func (s *Server) handleCancel(c *conn, msg *protocol.CancelSequence) {
	owner, ok := s.correlator.Owner(msg.RequestID)
	if !ok || owner != c.sessionID {
		s.logger.Warn("cancel for unknown or foreign request",
			"request_id", msg.RequestID,
			"controller_id", c.sessionID)
		return
	}

	clientID, ok := s.correlator.Target(msg.RequestID)
	if !ok {
		return
	}
	if target, found := s.registry.LookupClient(clientID); found {
		if tc, isConn := target.(*conn); isConn && tc.session.Cancel(msg.RequestID) {
			return
		}
	}
	// The owning session is gone; fail the request directly.
	s.correlator.Fail(msg.RequestID, protocol.FailCancelled, "cancelled by controller")
}

// clientList snapshots connected clients, sorted by id.
func (s *Server) clientList() *protocol.ClientList {
	conns := s.registry.Clients()
	infos := make([]protocol.ClientInfo, 0, len(conns))
	for _, cn := range conns {
		cc, ok := cn.(*conn)
		if !ok || cc.session == nil {
			continue
		}
		infos = append(infos, protocol.ClientInfo{ID: cc.clientID, Status: cc.session.Status()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return &protocol.ClientList{Clients: infos}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"clients":     s.registry.Count(protocol.RoleClient),
		"controllers": s.registry.Count(protocol.RoleController),
		"outstanding": s.correlator.OutstandingCount(),
	})
}

// reporter adapts the correlator as the sessions' result sink, adding
// metrics on the way through.
type reporter struct {
	s *Server
}

func (r *reporter) Route(res protocol.ActionResult) {
	if res.Status == protocol.ActionOK && res.Elapsed > 0 {
		r.s.metrics.actionSeconds.Observe(res.Elapsed)
	}
	r.s.correlator.Route(res)
}

func (r *reporter) Complete(requestID string, results []protocol.ActionResult) {
	r.s.metrics.sequences.WithLabelValues("completed").Inc()
	r.s.correlator.Complete(requestID, results)
}

func (r *reporter) Fail(requestID string, reason protocol.FailReason, detail string) {
	r.s.metrics.sequences.WithLabelValues("failed_" + string(reason)).Inc()
	r.s.correlator.Fail(requestID, reason, detail)
}
