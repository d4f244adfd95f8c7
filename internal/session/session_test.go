// ABOUTME: Tests for the per-client session state machine.
// ABOUTME: Covers queueing, timeouts, cancellation, abort-on-error, teardown.

package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldhand/relay/internal/protocol"
)

// fakeSender records dispatches and optionally auto-responds via onSend.
type fakeSender struct {
	mu         sync.Mutex
	dispatches []protocol.ActionDispatch
	onSend     func(protocol.ActionDispatch)
	err        error
}

func (f *fakeSender) Send(msg protocol.Message) error {
	f.mu.Lock()
	if f.err != nil {
		defer f.mu.Unlock()
		return f.err
	}
	d, ok := msg.(*protocol.ActionDispatch)
	if !ok {
		f.mu.Unlock()
		return nil
	}
	f.dispatches = append(f.dispatches, *d)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(*d)
	}
	return nil
}

func (f *fakeSender) all() []protocol.ActionDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ActionDispatch(nil), f.dispatches...)
}

type terminal struct {
	requestID string
	failed    bool
	reason    protocol.FailReason
	detail    string
	results   []protocol.ActionResult
}

// fakeReporter records routed results and terminal signals.
type fakeReporter struct {
	mu      sync.Mutex
	routed  []protocol.ActionResult
	done    chan terminal
	byReqID map[string][]protocol.ActionResult
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{
		done:    make(chan terminal, 8),
		byReqID: make(map[string][]protocol.ActionResult),
	}
}

func (f *fakeReporter) Route(res protocol.ActionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, res)
	f.byReqID[res.RequestID] = append(f.byReqID[res.RequestID], res)
}

func (f *fakeReporter) Complete(requestID string, results []protocol.ActionResult) {
	f.done <- terminal{requestID: requestID, results: results}
}

func (f *fakeReporter) Fail(requestID string, reason protocol.FailReason, detail string) {
	f.done <- terminal{requestID: requestID, failed: true, reason: reason, detail: detail}
}

func (f *fakeReporter) resultsFor(requestID string) []protocol.ActionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ActionResult(nil), f.byReqID[requestID]...)
}

func waitTerminal(t *testing.T, r *fakeReporter) terminal {
	t.Helper()
	select {
	case term := <-r.done:
		return term
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal signal")
		return terminal{}
	}
}

func testConfig() Config {
	return Config{
		ActionTimeout:    time.Second,
		MaxExecutionTime: 5 * time.Second,
		QueueDepth:       4,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoOK wires a sender that immediately reports success for each dispatch.
func echoOK(s *Session) func(protocol.ActionDispatch) {
	return func(d protocol.ActionDispatch) {
		go s.HandleResult(protocol.ActionResult{
			RequestID: d.RequestID,
			Index:     d.Index,
			Status:    protocol.ActionOK,
			Elapsed:   0.01,
		})
	}
}

func actions(names ...string) []protocol.Action {
	out := make([]protocol.Action, len(names))
	for i, n := range names {
		out[i] = protocol.Action{Name: n}
	}
	return out
}

// waitDispatched blocks until the sender has seen n dispatches.
func waitDispatched(t *testing.T, sender *fakeSender, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sender.all()) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHappyPath(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")
	sender.onSend = echoOK(s)

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("open", "click", "close"))))

	term := waitTerminal(t, reporter)
	assert.False(t, term.failed)
	assert.Equal(t, "r1", term.requestID)
	require.Len(t, term.results, 3)

	// One dispatch per action, in order.
	dispatches := sender.all()
	require.Len(t, dispatches, 3)
	for i, d := range dispatches {
		assert.Equal(t, i, d.Index)
		assert.Equal(t, "r1", d.RequestID)
	}

	// Every result was routed before the terminal signal.
	assert.Len(t, reporter.resultsFor("r1"), 3)

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.StatusIdle, s.Status())
}

func TestEmptySequenceCompletesImmediately(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", nil)))

	term := waitTerminal(t, reporter)
	assert.False(t, term.failed)
	assert.Empty(t, term.results)
	assert.Empty(t, sender.all())
}

func TestErrorAbortsRemainder(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")

	sender.onSend = func(d protocol.ActionDispatch) {
		res := protocol.ActionResult{RequestID: d.RequestID, Index: d.Index, Status: protocol.ActionOK}
		if d.Index == 1 {
			res.Status = protocol.ActionError
			res.Error = "element not found"
		}
		go s.HandleResult(res)
	}

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("a", "b", "c", "d"))))

	term := waitTerminal(t, reporter)
	require.True(t, term.failed)
	assert.Equal(t, protocol.FailError, term.reason)
	assert.Equal(t, "element not found", term.detail)

	// Actions c and d were never dispatched.
	assert.Len(t, sender.all(), 2)

	routed := reporter.resultsFor("r1")
	require.Len(t, routed, 4)
	assert.Equal(t, protocol.ActionOK, routed[0].Status)
	assert.Equal(t, protocol.ActionError, routed[1].Status)
	assert.Equal(t, protocol.ActionAborted, routed[2].Status)
	assert.Equal(t, protocol.ActionAborted, routed[3].Status)

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestActionTimeout_NextSequenceProceeds(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	cfg := testConfig()
	cfg.ActionTimeout = 50 * time.Millisecond
	s := New("desk-1", sender, reporter, cfg, discard())
	defer s.Close("test over")

	// r1 never gets a response; r2 succeeds.
	sender.onSend = func(d protocol.ActionDispatch) {
		if d.RequestID == "r2" {
			go s.HandleResult(protocol.ActionResult{RequestID: d.RequestID, Index: d.Index, Status: protocol.ActionOK})
		}
	}

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("hang", "never"))))
	waitDispatched(t, sender, 1)
	require.NoError(t, s.Enqueue(NewSequence("r2", "ctrl-1", actions("ok"))))

	term := waitTerminal(t, reporter)
	require.True(t, term.failed)
	assert.Equal(t, "r1", term.requestID)
	assert.Equal(t, protocol.FailTimeout, term.reason)

	r1 := reporter.resultsFor("r1")
	require.Len(t, r1, 2)
	assert.Equal(t, protocol.ActionTimeout, r1[0].Status)
	assert.Equal(t, protocol.ActionAborted, r1[1].Status)

	// The queued sequence runs after the timeout.
	term = waitTerminal(t, reporter)
	assert.False(t, term.failed)
	assert.Equal(t, "r2", term.requestID)
}

func TestMaxExecutionTime(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	cfg := testConfig()
	cfg.ActionTimeout = 10 * time.Second
	cfg.MaxExecutionTime = 100 * time.Millisecond
	s := New("desk-1", sender, reporter, cfg, discard())
	defer s.Close("test over")

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("hang"))))

	term := waitTerminal(t, reporter)
	require.True(t, term.failed)
	assert.Equal(t, protocol.FailTimeout, term.reason)
	assert.Contains(t, term.detail, "max execution time")
}

func TestEnqueue_BusyWithZeroDepth(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	cfg := testConfig()
	cfg.QueueDepth = 0
	s := New("desk-1", sender, reporter, cfg, discard())
	defer s.Close("test over")

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("hang"))))
	waitDispatched(t, sender, 1)

	err := s.Enqueue(NewSequence("r2", "ctrl-1", actions("x")))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestEnqueue_QueueFull(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	cfg := testConfig()
	cfg.QueueDepth = 1
	s := New("desk-1", sender, reporter, cfg, discard())
	defer s.Close("test over")

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("hang"))))
	waitDispatched(t, sender, 1)
	assert.Equal(t, StateBusy, s.State())

	require.NoError(t, s.Enqueue(NewSequence("r2", "ctrl-1", actions("x"))))

	err := s.Enqueue(NewSequence("r3", "ctrl-1", actions("y")))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCancel_InFlight(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("hang", "b", "c"))))
	waitDispatched(t, sender, 1)

	assert.True(t, s.Cancel("r1"))

	term := waitTerminal(t, reporter)
	require.True(t, term.failed)
	assert.Equal(t, protocol.FailCancelled, term.reason)

	// The in-flight action gets no result; the undispatched tail is aborted.
	routed := reporter.resultsFor("r1")
	require.Len(t, routed, 2)
	assert.Equal(t, 1, routed[0].Index)
	assert.Equal(t, protocol.ActionAborted, routed[0].Status)
	assert.Equal(t, 2, routed[1].Index)

	require.Eventually(t, func() bool {
		return s.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestCancel_Queued(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("hang"))))
	waitDispatched(t, sender, 1)
	require.NoError(t, s.Enqueue(NewSequence("r2", "ctrl-2", actions("x", "y"))))

	assert.True(t, s.Cancel("r2"))

	term := waitTerminal(t, reporter)
	require.True(t, term.failed)
	assert.Equal(t, "r2", term.requestID)
	assert.Equal(t, protocol.FailCancelled, term.reason)

	routed := reporter.resultsFor("r2")
	require.Len(t, routed, 2)
	for _, r := range routed {
		assert.Equal(t, protocol.ActionAborted, r.Status)
	}

	// r1 keeps running.
	assert.Equal(t, StateBusy, s.State())
}

func TestCancel_Unknown(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")

	assert.False(t, s.Cancel("ghost"))
}

func TestClose_FailsInFlightAndQueued(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("hang"))))
	waitDispatched(t, sender, 1)
	require.NoError(t, s.Enqueue(NewSequence("r2", "ctrl-1", actions("x"))))

	s.Close("websocket closed")

	failed := map[string]protocol.FailReason{}
	for i := 0; i < 2; i++ {
		term := waitTerminal(t, reporter)
		require.True(t, term.failed)
		failed[term.requestID] = term.reason
	}
	assert.Equal(t, protocol.FailDisconnected, failed["r1"])
	assert.Equal(t, protocol.FailDisconnected, failed["r2"])

	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, protocol.StatusDisconnected, s.Status())

	err := s.Enqueue(NewSequence("r3", "ctrl-1", actions("x")))
	assert.ErrorIs(t, err, ErrDisconnected)

	// Idempotent.
	s.Close("again")
}

func TestStaleResultsIgnored(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")

	sender.onSend = func(d protocol.ActionDispatch) {
		go func() {
			// A leftover result from an earlier, timed-out request arrives
			// first; the loop must skip it and accept the real one.
			s.HandleResult(protocol.ActionResult{RequestID: "old-request", Index: d.Index, Status: protocol.ActionOK})
			s.HandleResult(protocol.ActionResult{RequestID: d.RequestID, Index: d.Index + 7, Status: protocol.ActionOK})
			s.HandleResult(protocol.ActionResult{RequestID: d.RequestID, Index: d.Index, Status: protocol.ActionOK})
		}()
	}

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("a", "b"))))

	term := waitTerminal(t, reporter)
	assert.False(t, term.failed)
	require.Len(t, term.results, 2)

	for i, r := range reporter.resultsFor("r1") {
		assert.Equal(t, "r1", r.RequestID)
		assert.Equal(t, i, r.Index)
	}
}

func TestDispatchFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("broken pipe")}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("a", "b"))))

	term := waitTerminal(t, reporter)
	require.True(t, term.failed)
	assert.Equal(t, protocol.FailDisconnected, term.reason)
	assert.Contains(t, term.detail, "broken pipe")

	routed := reporter.resultsFor("r1")
	require.Len(t, routed, 2)
	for _, r := range routed {
		assert.Equal(t, protocol.ActionAborted, r.Status)
	}
}

func TestFIFOAcrossSequences(t *testing.T) {
	sender := &fakeSender{}
	reporter := newFakeReporter()
	s := New("desk-1", sender, reporter, testConfig(), discard())
	defer s.Close("test over")
	sender.onSend = echoOK(s)

	require.NoError(t, s.Enqueue(NewSequence("r1", "ctrl-1", actions("a"))))
	require.NoError(t, s.Enqueue(NewSequence("r2", "ctrl-1", actions("b"))))
	require.NoError(t, s.Enqueue(NewSequence("r3", "ctrl-1", actions("c"))))

	var order []string
	for i := 0; i < 3; i++ {
		term := waitTerminal(t, reporter)
		assert.False(t, term.failed)
		order = append(order, term.requestID)
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, order)
}
