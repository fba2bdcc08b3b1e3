// Package monitor is the top-level loop tying the coordination
// protocol, document writer, terminal projector, and runtime client
// together: it watches the shared executions map, claims work, drives
// executions against a runtime, and projects their output back into
// the shared text.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrmd/monitor/internal/audit"
	"github.com/mrmd/monitor/internal/coord"
	"github.com/mrmd/monitor/internal/crdt"
	"github.com/mrmd/monitor/internal/docwriter"
	"github.com/mrmd/monitor/internal/runtimeclient"
	"github.com/mrmd/monitor/internal/term"
)

const sharedTextName = "content"

const (
	outputBlockPollInterval = 100 * time.Millisecond
	outputBlockMaxPolls     = 50
)

// Monitor is one peer's claim-and-execute loop over a shared document.
type Monitor struct {
	self    string
	coord   *coord.Coordinator
	writer  *docwriter.Writer
	runtime *runtimeclient.Client
	audit   *audit.Log
	log     *slog.Logger

	mu         sync.Mutex
	connected  bool
	processing map[string]struct{}
	forwarding map[string]struct{}
	cancels    map[string]context.CancelFunc

	lifeline   context.Context
	rootCancel context.CancelFunc
	group      *errgroup.Group
	unobserve  func()

	// pollInterval and maxPolls default to outputBlockPollInterval and
	// outputBlockMaxPolls; tests may shrink them to avoid waiting out
	// the real timeout.
	pollInterval time.Duration
	maxPolls     int
}

// New returns a Monitor acting as peer self over doc's "executions" map
// and "content" shared text, driving executions through runtime.
// auditLog may be nil, in which case status transitions are only
// logged, not persisted.
func New(doc crdt.Doc, self string, runtime *runtimeclient.Client, auditLog *audit.Log, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		self:         self,
		coord:        coord.New(doc, self),
		writer:       docwriter.New(doc.Text(sharedTextName)),
		runtime:      runtime,
		audit:        auditLog,
		log:          log,
		processing:   make(map[string]struct{}),
		forwarding:   make(map[string]struct{}),
		cancels:      make(map[string]context.CancelFunc),
		pollInterval: outputBlockPollInterval,
		maxPolls:     outputBlockMaxPolls,
	}
}

// Connect installs the coordination observer and reconciles existing
// records with this peer's state, then returns. It does not block; work
// proceeds on background goroutines until Disconnect is called or ctx
// is cancelled.
func (m *Monitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	rootCtx, cancel := context.WithCancel(ctx)
	m.lifeline = rootCtx
	m.rootCancel = cancel
	m.group = &errgroup.Group{}
	m.connected = true
	m.mu.Unlock()

	m.unobserve = m.coord.Observe(m.onRecordChange)
	m.reconcile(rootCtx)

	go func() {
		<-ctx.Done()
		m.Disconnect()
	}()

	return nil
}

// IsConnected reports whether this monitor has an installed observer
// and has not yet been disconnected.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ActiveExecutions returns the number of executions this peer currently
// has a running drive for.
func (m *Monitor) ActiveExecutions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}

// Disconnect cancels every in-flight execution, removes the
// coordination observer, and waits for all execution-drive goroutines
// to finish.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	unobserve := m.unobserve
	rootCancel := m.rootCancel
	group := m.group
	m.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	if rootCancel != nil {
		rootCancel()
	}
	m.runtime.CancelAll()
	if group != nil {
		group.Wait()
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	for _, rec := range m.coord.GetExecutionsByStatus(coord.StatusRequested) {
		m.tryClaim(ctx, rec.Id)
	}
	for _, rec := range m.coord.GetExecutionsByStatus(coord.StatusReady) {
		if rec.ClaimedBy == m.self {
			m.beginExecution(ctx, rec.Id)
		}
	}
	// Records left running by a crashed prior instance are not resumed.
}

func (m *Monitor) onRecordChange(execId string, record *coord.Record, action crdt.ChangeAction) {
	if record == nil {
		return
	}

	switch {
	case record.Status == coord.StatusRequested:
		m.tryClaim(m.lifelineCtx(), execId)
	case record.Status == coord.StatusReady && record.ClaimedBy == m.self:
		if !m.runtime.IsActive(execId) {
			m.beginExecution(m.lifelineCtx(), execId)
		}
	}

	if record.StdinResponse != nil && record.ClaimedBy == m.self {
		m.forwardStdin(execId, record)
	}
}

// lifelineCtx returns the context under which execution-drive
// goroutines should run: the one established by the last Connect call,
// or a background context if this Monitor was never connected (as in
// unit tests driving onRecordChange directly).
func (m *Monitor) lifelineCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lifeline != nil {
		return m.lifeline
	}
	return context.Background()
}

func (m *Monitor) tryClaim(ctx context.Context, execId string) {
	m.mu.Lock()
	if _, already := m.processing[execId]; already {
		m.mu.Unlock()
		return
	}
	m.processing[execId] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.processing, execId)
		m.mu.Unlock()
	}()

	if m.coord.ClaimExecution(execId) {
		m.log.Info("claimed execution", "execId", execId)
		m.recordTransition(execId, coord.StatusClaimed, "")
	}
}

func (m *Monitor) beginExecution(ctx context.Context, execId string) {
	m.mu.Lock()
	if _, active := m.cancels[execId]; active {
		m.mu.Unlock()
		return
	}
	execCtx, cancel := context.WithCancel(ctx)
	m.cancels[execId] = cancel
	group := m.group
	m.mu.Unlock()

	if group == nil {
		go func() {
			defer m.finishExecution(execId)
			m.runExecutionDrive(execCtx, execId)
		}()
		return
	}

	group.Go(func() error {
		defer m.finishExecution(execId)
		m.runExecutionDrive(execCtx, execId)
		return nil
	})
}

func (m *Monitor) finishExecution(execId string) {
	m.mu.Lock()
	delete(m.cancels, execId)
	m.mu.Unlock()
}

func (m *Monitor) runExecutionDrive(ctx context.Context, execId string) {
	defer func() {
		if r := recover(); r != nil {
			m.coord.SetError(execId, coord.ExecError{Kind: coord.ErrorKindMonitor, Message: fmt.Sprintf("%v", r)})
			m.recordTransition(execId, coord.StatusError, fmt.Sprintf("panic: %v", r))
		}
	}()

	found := false
	for i := 0; i < m.maxPolls; i++ {
		if m.writer.HasOutputBlock(execId) {
			found = true
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}
	if !found {
		m.coord.SetError(execId, coord.ExecError{Kind: coord.ErrorKindSync, Message: "output region never appeared"})
		m.recordTransition(execId, coord.StatusError, "output region never appeared")
		return
	}

	m.coord.SetRunning(execId)
	m.recordTransition(execId, coord.StatusRunning, "")

	rec, ok := m.coord.GetExecution(execId)
	if !ok {
		return
	}

	projector := term.NewProjector()
	// The snapshot has no trailing newline; add one so the closing fence
	// stays at the start of its own line.
	render := func() {
		out := projector.Snapshot()
		if out != "" {
			out += "\n"
		}
		m.writer.ReplaceOutput(execId, out)
	}
	cb := runtimeclient.Callbacks{
		OnStdout: func(chunk, _ string) {
			projector.Write([]byte(chunk))
			render()
		},
		OnStderr: func(chunk, _ string) {
			projector.Write([]byte(chunk))
			render()
		},
		OnStdinRequest: func(req runtimeclient.StdinRequest) {
			m.coord.RequestStdin(execId, req.Prompt, req.Password)
		},
		OnDisplay: func(d runtimeclient.Display) {
			m.coord.AddDisplayData(execId, coord.Display{
				MimeType: d.MimeType,
				Data:     d.Data,
				AssetId:  d.AssetId,
				URL:      d.URL,
			})
		},
		OnResult: func(res runtimeclient.Result) {
			m.coord.SetCompleted(execId, coord.CompletedUpdate{Result: res.Raw})
		},
		OnError: func(e runtimeclient.Error) {
			m.coord.SetError(execId, coord.ExecError{Kind: runtimeErrorKind(e.Type), Message: e.Message, Detail: e.Type})
		},
	}

	_, err := m.runtime.Execute(ctx, rec.RuntimeURL, rec.Code, runtimeclient.ExecuteOptions{
		Session:   rec.Session,
		ExecId:    execId,
		Callbacks: cb,
	})
	if err != nil {
		m.coord.SetError(execId, coord.ExecError{Kind: coord.ErrorKindConnection, Message: err.Error()})
	}

	if final, ok := m.coord.GetExecution(execId); ok {
		m.recordTransition(execId, final.Status, "")
	}
}

func (m *Monitor) forwardStdin(execId string, record *coord.Record) {
	m.mu.Lock()
	if _, already := m.forwarding[execId]; already {
		m.mu.Unlock()
		return
	}
	m.forwarding[execId] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.forwarding, execId)
			m.mu.Unlock()
		}()
		_, err := m.runtime.SendInput(context.Background(), record.RuntimeURL, record.Session, execId, record.StdinResponse.Text)
		if err != nil {
			m.log.Warn("failed to forward stdin", "execId", execId, "error", err)
		}
		m.coord.ClearStdinRequest(execId)
	}()
}

// CancelExecution cancels execId locally (aborting its runtime request
// and execution-drive goroutine without invoking OnError) and records
// the cancellation in the shared record, attributing it to by.
func (m *Monitor) CancelExecution(execId, by string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[execId]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	m.runtime.Cancel(execId)
	result := m.coord.CancelExecution(execId, by)
	if result {
		m.recordTransition(execId, coord.StatusCancelled, "cancelled by "+by)
	}
	return result
}

// runtimeErrorKind maps a runtime-reported error type onto the closed
// coordination error kinds, falling back to the runtime kind itself
// (carried in ExecError.Detail) when it isn't one the protocol names.
func runtimeErrorKind(runtimeType string) coord.ErrorKind {
	switch runtimeType {
	case "ConnectionError":
		return coord.ErrorKindConnection
	case "Aborted":
		return coord.ErrorKindAborted
	default:
		return coord.ErrorKindRuntime
	}
}

func (m *Monitor) recordTransition(execId string, status coord.Status, detail string) {
	m.log.Info("execution transition", "execId", execId, "status", status, "detail", detail)
	if m.audit == nil {
		return
	}
	if err := m.audit.RecordTransition(execId, status, detail, time.Now()); err != nil {
		m.log.Warn("failed to record audit transition", "execId", execId, "error", err)
	}
}
