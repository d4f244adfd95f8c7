// ABOUTME: Per-client session: state machine, bounded sequence queue, dispatch loop.
// ABOUTME: Enforces at most one in-flight action per client and per-action timeouts.

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldhand/relay/internal/protocol"
)

// ErrBusy indicates the session is executing and queueing is disabled.
var ErrBusy = errors.New("client busy")

// ErrQueueFull indicates the session's bounded sequence queue is full.
var ErrQueueFull = errors.New("client queue full")

// ErrDisconnected indicates the session has terminated.
var ErrDisconnected = errors.New("client disconnected")

// resultBufferSize is the in-flight result channel buffer. Stale results
// beyond it are dropped; the dispatch loop consumes promptly while a
// sequence runs.
const resultBufferSize = 16

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Sender delivers protocol messages to the client connection.
type Sender interface {
	Send(msg protocol.Message) error
}

// Reporter receives per-action results and exactly one terminal signal per
// request. Satisfied by the correlator.
type Reporter interface {
	Route(res protocol.ActionResult)
	Complete(requestID string, results []protocol.ActionResult)
	Fail(requestID string, reason protocol.FailReason, detail string)
}

// Config bounds a session's execution.
type Config struct {
	// ActionTimeout is the maximum wait for one action's result.
	ActionTimeout time.Duration
	// MaxExecutionTime caps a whole sequence.
	MaxExecutionTime time.Duration
	// QueueDepth is the number of sequences that may wait behind the
	// running one. Zero means reject with ErrBusy while executing.
	QueueDepth int
}

// Sequence is one accepted execute request, immutable once enqueued.
type Sequence struct {
	RequestID    string
	ControllerID string
	Actions      []protocol.Action

	cancel     chan struct{}
	cancelOnce sync.Once
}

// NewSequence builds a Sequence ready for Enqueue.
func NewSequence(requestID, controllerID string, actions []protocol.Action) *Sequence {
	return &Sequence{
		RequestID:    requestID,
		ControllerID: controllerID,
		Actions:      actions,
		cancel:       make(chan struct{}),
	}
}

// Cancel marks the sequence cancelled. Safe to call multiple times.
func (q *Sequence) Cancel() {
	q.cancelOnce.Do(func() { close(q.cancel) })
}

// Cancelled reports whether Cancel was called.
func (q *Sequence) Cancelled() bool {
	select {
	case <-q.cancel:
		return true
	default:
		return false
	}
}

// Session owns the execution state for one connected client. A single
// dispatch goroutine sends one action at a time and waits for its result,
// so no two dispatch loops ever run concurrently for the same client.
type Session struct {
	clientID string
	sender   Sender
	reporter Reporter
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	queue   []*Sequence
	current *Sequence

	wake      chan struct{}
	results   chan protocol.ActionResult
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Session and starts its dispatch loop.
func New(clientID string, sender Sender, reporter Reporter, cfg Config, logger *slog.Logger) *Session {
	s := &Session{
		clientID: clientID,
		sender:   sender,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.With("component", "session", "client_id", clientID),
		state:    StateIdle,
		wake:     make(chan struct{}, 1),
		results:  make(chan protocol.ActionResult, resultBufferSize),
		closed:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// ClientID returns the agent identity this session executes for.
func (s *Session) ClientID() string { return s.clientID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status maps the lifecycle state to its wire representation.
func (s *Session) Status() protocol.ClientStatus {
	switch s.State() {
	case StateBusy:
		return protocol.StatusBusy
	case StateDisconnected:
		return protocol.StatusDisconnected
	default:
		return protocol.StatusIdle
	}
}

// Enqueue appends a sequence to the bounded FIFO queue. While the session
// is executing, a zero queue depth rejects with ErrBusy and a full queue
// rejects with ErrQueueFull.
func (s *Session) Enqueue(seq *Sequence) error {
	s.mu.Lock()
	switch {
	case s.state == StateDisconnected:
		s.mu.Unlock()
		return ErrDisconnected
	case s.state == StateBusy && s.cfg.QueueDepth == 0:
		s.mu.Unlock()
		return ErrBusy
	case s.state == StateBusy && len(s.queue) >= s.cfg.QueueDepth:
		s.mu.Unlock()
		return ErrQueueFull
	}
	s.queue = append(s.queue, seq)
	s.state = StateBusy
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// HandleResult feeds an incoming action result to the dispatch loop.
// Non-blocking: if no sequence is consuming, excess stale results are
// dropped with a log line.
func (s *Session) HandleResult(res protocol.ActionResult) {
	select {
	case s.results <- res:
	default:
		s.logger.Warn("result channel full, dropping result",
			"request_id", res.RequestID,
			"index", res.Index)
	}
}

// Cancel aborts the named request if this session owns it. A queued
// sequence is flushed immediately; the in-flight one is interrupted at
// the current action, whose eventual result is discarded, not interrupted
// client-side. Returns false if the request is not held here.
func (s *Session) Cancel(requestID string) bool {
	s.mu.Lock()
	if s.current != nil && s.current.RequestID == requestID {
		seq := s.current
		s.mu.Unlock()
		seq.Cancel()
		return true
	}
	for i, q := range s.queue {
		if q.RequestID == requestID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			q.Cancel()
			s.flushAborted(q, 0)
			s.reporter.Fail(q.RequestID, protocol.FailCancelled, "cancelled by controller")
			return true
		}
	}
	s.mu.Unlock()
	return false
}

// Close transitions the session to its terminal state, failing every
// queued sequence with the given detail. The in-flight sequence, if any,
// is failed by the dispatch loop. Idempotent.
func (s *Session) Close(detail string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisconnected
		queued := s.queue
		s.queue = nil
		s.mu.Unlock()

		close(s.closed)

		for _, q := range queued {
			s.flushAborted(q, 0)
			s.reporter.Fail(q.RequestID, protocol.FailDisconnected, detail)
		}
		s.logger.Info("session closed", "detail", detail, "aborted_queued", len(queued))
	})
}

// loop is the single dispatch goroutine for this client.
func (s *Session) loop() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		}

		for {
			seq := s.next()
			if seq == nil {
				break
			}
			s.run(seq)
			s.finish(seq)

			select {
			case <-s.closed:
				return
			default:
			}
		}
	}
}

// next pops the head of the queue, or returns the session to IDLE when
// the queue is empty.
func (s *Session) next() *Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return nil
	}
	if len(s.queue) == 0 {
		s.state = StateIdle
		return nil
	}
	seq := s.queue[0]
	s.queue = s.queue[1:]
	s.current = seq
	s.state = StateBusy
	return seq
}

func (s *Session) finish(seq *Sequence) {
	s.mu.Lock()
	if s.current == seq {
		s.current = nil
	}
	s.mu.Unlock()
}

// run dispatches one sequence, one action at a time, waiting for each
// result before sending the next.
func (s *Session) run(seq *Sequence) {
	results := make([]protocol.ActionResult, 0, len(seq.Actions))
	overall := time.NewTimer(s.cfg.MaxExecutionTime)
	defer overall.Stop()

	for i := range seq.Actions {
		if seq.Cancelled() {
			s.flushAborted(seq, i)
			s.reporter.Fail(seq.RequestID, protocol.FailCancelled, "cancelled by controller")
			return
		}
		select {
		case <-s.closed:
			s.reporter.Fail(seq.RequestID, protocol.FailDisconnected, "client disconnected")
			return
		default:
		}

		dispatch := &protocol.ActionDispatch{
			RequestID: seq.RequestID,
			Index:     i,
			Action:    seq.Actions[i],
		}
		if err := s.sender.Send(dispatch); err != nil {
			s.logger.Warn("action dispatch failed",
				"request_id", seq.RequestID,
				"index", i,
				"error", err)
			s.flushAborted(seq, i)
			s.reporter.Fail(seq.RequestID, protocol.FailDisconnected, "dispatch failed: "+err.Error())
			return
		}

		res, ok := s.await(seq, i, overall)
		if !ok {
			return
		}
		results = append(results, res)
	}

	s.reporter.Complete(seq.RequestID, results)
}

// await blocks until the matching result for action i arrives, or the
// sequence is terminated by timeout, cancellation, or disconnect. The
// second return value is false when the sequence is over.
func (s *Session) await(seq *Sequence, i int, overall *time.Timer) (protocol.ActionResult, bool) {
	timer := time.NewTimer(s.cfg.ActionTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.closed:
			s.reporter.Fail(seq.RequestID, protocol.FailDisconnected, "client disconnected")
			return protocol.ActionResult{}, false

		case <-seq.cancel:
			// The dispatched action keeps running client-side; its eventual
			// result is discarded as stale.
			s.flushAborted(seq, i+1)
			s.reporter.Fail(seq.RequestID, protocol.FailCancelled, "cancelled by controller")
			return protocol.ActionResult{}, false

		case <-overall.C:
			s.timeoutAction(seq, i, "max execution time exceeded")
			return protocol.ActionResult{}, false

		case <-timer.C:
			s.timeoutAction(seq, i, fmt.Sprintf("action %d (%s) timed out", i, seq.Actions[i].Name))
			return protocol.ActionResult{}, false

		case res := <-s.results:
			if res.RequestID != seq.RequestID || res.Index != i {
				s.logger.Debug("discarding stale result",
					"request_id", res.RequestID,
					"index", res.Index,
					"want_request_id", seq.RequestID,
					"want_index", i)
				continue
			}
			s.reporter.Route(res)
			if res.Status == protocol.ActionError {
				s.flushAborted(seq, i+1)
				s.reporter.Fail(seq.RequestID, protocol.FailError, res.Error)
				return protocol.ActionResult{}, false
			}
			return res, true
		}
	}
}

// timeoutAction reports a TIMEOUT result for action i, flushes the
// remainder as ABORTED, and fails the sequence.
func (s *Session) timeoutAction(seq *Sequence, i int, detail string) {
	s.reporter.Route(protocol.ActionResult{
		RequestID: seq.RequestID,
		Index:     i,
		Status:    protocol.ActionTimeout,
		Error:     detail,
		Timestamp: time.Now().UTC(),
	})
	s.flushAborted(seq, i+1)
	s.reporter.Fail(seq.RequestID, protocol.FailTimeout, detail)
}

// flushAborted streams ABORTED results for every action from index on.
func (s *Session) flushAborted(seq *Sequence, from int) {
	now := time.Now().UTC()
	for i := from; i < len(seq.Actions); i++ {
		s.reporter.Route(protocol.ActionResult{
			RequestID: seq.RequestID,
			Index:     i,
			Status:    protocol.ActionAborted,
			Timestamp: now,
		})
	}
}
