// ABOUTME: Matches controller requests to the asynchronous result stream from clients.
// ABOUTME: Guarantees exactly-once per-result delivery and exactly one terminal signal.

package correlator

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fieldhand/relay/internal/protocol"
)

// ErrDuplicateRequest indicates the request id is already pending or was
// recently used by any controller.
var ErrDuplicateRequest = errors.New("duplicate request id")

// Sender delivers protocol messages to one controller connection.
type Sender interface {
	Send(msg protocol.Message) error
}

// Pending describes one outstanding request, as returned by DropController
// so the relay can abort the owning client session.
type Pending struct {
	RequestID string
	ClientID  string
}

type entry struct {
	controllerID string // controller session id
	clientID     string // target client id
	sender       Sender
}

// Correlator owns the requestID -> controller map. Results route to the
// issuing controller only; completion or failure removes the entry, so a
// second terminal call for the same request is a logged no-op.
type Correlator struct {
	mu           sync.Mutex
	pending      map[string]*entry
	byController map[string]map[string]struct{} // controller session id -> request ids
	seen         *seenCache
	logger       *slog.Logger
}

// New creates a Correlator. Recently completed request ids are remembered
// for the seen-cache TTL to reject duplicate submissions.
func New(logger *slog.Logger) *Correlator {
	return &Correlator{
		pending:      make(map[string]*entry),
		byController: make(map[string]map[string]struct{}),
		seen:         newSeenCache(),
		logger:       logger.With("component", "correlator"),
	}
}

// Register records a request before its first action is dispatched.
// Returns ErrDuplicateRequest if the id is pending or recently completed.
func (c *Correlator) Register(requestID, controllerID, clientID string, sender Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[requestID]; ok {
		return ErrDuplicateRequest
	}
	if c.seen.checkAndMark(requestID) {
		return ErrDuplicateRequest
	}

	c.pending[requestID] = &entry{controllerID: controllerID, clientID: clientID, sender: sender}
	if _, ok := c.byController[controllerID]; !ok {
		c.byController[controllerID] = make(map[string]struct{})
	}
	c.byController[controllerID][requestID] = struct{}{}
	return nil
}

// Discard removes bookkeeping for a request without sending a terminal
// signal. Used when enqueueing fails and the controller already received
// an immediate rejection. The request never executed, so its id is also
// released from the seen cache for immediate reuse.
func (c *Correlator) Discard(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(requestID)
	c.seen.forget(requestID)
}

// Owner returns the controller session id that issued a request, or false
// if the request is not pending.
func (c *Correlator) Owner(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[requestID]
	if !ok {
		return "", false
	}
	return e.controllerID, true
}

// Target returns the client id a pending request executes on, or false if
// the request is not pending.
func (c *Correlator) Target(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[requestID]
	if !ok {
		return "", false
	}
	return e.clientID, true
}

// Route forwards one per-action result to the issuing controller. A result
// for an unknown request id (late arrival after a timeout or cancellation)
// is logged and dropped.
func (c *Correlator) Route(res protocol.ActionResult) {
	c.mu.Lock()
	e, ok := c.pending[res.RequestID]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("result for unknown request",
			"request_id", res.RequestID,
			"index", res.Index)
		return
	}

	if err := e.sender.Send(&res); err != nil {
		c.logger.Warn("forwarding result to controller failed",
			"request_id", res.RequestID,
			"controller_id", e.controllerID,
			"error", err)
	}
}

// Complete delivers the terminal success signal and clears bookkeeping.
func (c *Correlator) Complete(requestID string, results []protocol.ActionResult) {
	e := c.take(requestID)
	if e == nil {
		return
	}

	// Screenshots were streamed per-action; the terminal summary carries
	// only metadata.
	summary := make([]protocol.ActionResult, len(results))
	for i, r := range results {
		r.Screenshot = nil
		summary[i] = r
	}

	if err := e.sender.Send(&protocol.SequenceComplete{RequestID: requestID, Results: summary}); err != nil {
		c.logger.Warn("delivering sequence completion failed",
			"request_id", requestID,
			"controller_id", e.controllerID,
			"error", err)
	}
}

// Fail delivers the terminal failure signal and clears bookkeeping.
func (c *Correlator) Fail(requestID string, reason protocol.FailReason, detail string) {
	e := c.take(requestID)
	if e == nil {
		return
	}

	if err := e.sender.Send(&protocol.SequenceFailed{RequestID: requestID, Reason: reason, Detail: detail}); err != nil {
		c.logger.Warn("delivering sequence failure failed",
			"request_id", requestID,
			"controller_id", e.controllerID,
			"error", err)
	}
}

// DropController removes every outstanding request issued by a controller
// session and returns them so the relay can abort the owning client
// sessions. No terminal signal is sent: the controller is gone.
func (c *Correlator) DropController(controllerID string) []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, ok := c.byController[controllerID]
	if !ok {
		return nil
	}

	dropped := make([]Pending, 0, len(ids))
	for id := range ids {
		if e, ok := c.pending[id]; ok {
			dropped = append(dropped, Pending{RequestID: id, ClientID: e.clientID})
			delete(c.pending, id)
		}
	}
	delete(c.byController, controllerID)
	return dropped
}

// OutstandingCount reports the number of pending requests, for tests and
// readiness checks.
func (c *Correlator) OutstandingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take atomically removes and returns the entry for a request, logging
// when the terminal signal was already delivered.
func (c *Correlator) take(requestID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[requestID]
	if !ok {
		c.logger.Debug("terminal signal for unknown request", "request_id", requestID)
		return nil
	}
	c.removeLocked(requestID)
	return e
}

// removeLocked drops all bookkeeping for a request. Must hold mu.
func (c *Correlator) removeLocked(requestID string) {
	e, ok := c.pending[requestID]
	if !ok {
		return
	}
	delete(c.pending, requestID)
	if ids, ok := c.byController[e.controllerID]; ok {
		delete(ids, requestID)
		if len(ids) == 0 {
			delete(c.byController, e.controllerID)
		}
	}
}
