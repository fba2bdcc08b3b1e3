// Package coord implements the coordination protocol that browsers and
// monitors use to agree on who runs a piece of code and what happened:
// a state machine over records in one shared map, with last-writer-wins
// semantics resolved by the underlying CRDT and idempotence required of
// every write in this package.
package coord

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/mrmd/monitor/internal/crdt"
)

const executionsMap = "executions"

const execIdAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Coordinator is a peer's view over the shared executions map. self is
// this peer's id, used to stamp requestedBy/claimedBy and to recognize
// records this peer owns.
type Coordinator struct {
	m    crdt.SharedMap
	self string
	now  func() time.Time
}

// New returns a Coordinator bound to the executions map of doc, acting
// as peer self.
func New(doc crdt.Doc, self string) *Coordinator {
	return &Coordinator{
		m:    doc.Map(executionsMap),
		self: self,
		now:  time.Now,
	}
}

func (c *Coordinator) nowMillis() int64 {
	return c.now().UnixMilli()
}

// GenerateExecId returns an id of the form exec-<millis>-<6 base36
// chars>, unique enough for this protocol's purposes without a central
// allocator.
func (c *Coordinator) GenerateExecId() string {
	return fmt.Sprintf("exec-%d-%s", c.nowMillis(), randomBase36(6))
}

func randomBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(execIdAlphabet))))
		if err != nil {
			// crypto/rand failing is not something this protocol can
			// recover from; fall back to a fixed character rather than
			// panic so id generation never blocks execution requests.
			b[i] = execIdAlphabet[0]
			continue
		}
		b[i] = execIdAlphabet[idx.Int64()]
	}
	return string(b)
}

// ExecutionRequest is the input to RequestExecution.
type ExecutionRequest struct {
	Code       string
	Language   string
	RuntimeURL string
	Session    string
	CellId     string
}

// RequestExecution creates a new record with status=requested, acting
// as the browser role, and returns its id.
func (c *Coordinator) RequestExecution(req ExecutionRequest) string {
	session := req.Session
	if session == "" {
		session = "default"
	}
	id := c.GenerateExecId()
	rec := &Record{
		Id:          id,
		CellId:      req.CellId,
		Code:        req.Code,
		Language:    req.Language,
		RuntimeURL:  req.RuntimeURL,
		Session:     session,
		Status:      StatusRequested,
		RequestedBy: c.self,
		RequestedAt: c.nowMillis(),
		DisplayData: []Display{},
	}
	c.m.Set(id, rec)
	return id
}

// GetExecution returns the current record for execId, or ok=false if no
// such record exists.
func (c *Coordinator) GetExecution(execId string) (*Record, bool) {
	v, ok := c.m.Get(execId)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*Record)
	return rec, ok
}

// GetExecutionsByStatus returns every record currently in status.
func (c *Coordinator) GetExecutionsByStatus(status Status) []*Record {
	var out []*Record
	for _, key := range c.m.Keys() {
		rec, ok := c.GetExecution(key)
		if ok && rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// ClaimExecution attempts to claim execId as the monitor role. It
// returns false if the record is absent, not in status=requested, or
// already claimed by someone — including by this peer, since a claim
// is confirmed only by re-reading the converged value, never by the
// optimism of having just written it.
func (c *Coordinator) ClaimExecution(execId string) bool {
	rec, ok := c.GetExecution(execId)
	if !ok || rec.Status != StatusRequested || rec.ClaimedBy != "" {
		return false
	}

	claimed := rec.clone()
	claimed.Status = StatusClaimed
	claimed.ClaimedBy = c.self
	at := c.nowMillis()
	claimed.ClaimedAt = &at
	c.m.Set(execId, claimed)

	// Re-read: the CRDT's last-writer-wins may have handed the record
	// to a competing monitor's write that converged after ours.
	converged, ok := c.GetExecution(execId)
	return ok && converged.ClaimedBy == c.self
}

// SetOutputBlockReady transitions claimed -> ready, as the browser
// role, once the fenced output region exists in the shared text.
func (c *Coordinator) SetOutputBlockReady(execId string, position crdt.Position) bool {
	rec, ok := c.GetExecution(execId)
	if !ok || rec.Status != StatusClaimed {
		return false
	}
	next := rec.clone()
	next.Status = StatusReady
	next.OutputBlockReady = true
	next.OutputPosition = position
	c.m.Set(execId, next)
	return true
}

// SetRunning marks execId running, as the monitor role. Idempotent: a
// record already at or past running is left untouched.
func (c *Coordinator) SetRunning(execId string) bool {
	rec, ok := c.GetExecution(execId)
	if !ok || rec.Status != StatusReady {
		return false
	}
	next := rec.clone()
	next.Status = StatusRunning
	at := c.nowMillis()
	next.StartedAt = &at
	c.m.Set(execId, next)
	return true
}

// CompletedUpdate carries the optional result/display payload for
// SetCompleted.
type CompletedUpdate struct {
	Result      any
	DisplayData []Display
}

// SetCompleted marks execId completed, as the monitor role. Idempotent:
// a no-op on a record already in a terminal status.
func (c *Coordinator) SetCompleted(execId string, update CompletedUpdate) bool {
	rec, ok := c.GetExecution(execId)
	if !ok || rec.Status.Terminal() {
		return false
	}
	next := rec.clone()
	next.Status = StatusCompleted
	at := c.nowMillis()
	next.CompletedAt = &at
	if update.Result != nil {
		next.Result = update.Result
	}
	if len(update.DisplayData) > 0 {
		next.DisplayData = append(next.DisplayData, update.DisplayData...)
	}
	c.m.Set(execId, next)
	return true
}

// SetError marks execId errored, as the monitor role. Idempotent: a
// no-op on a record already in a terminal status.
func (c *Coordinator) SetError(execId string, execErr ExecError) bool {
	rec, ok := c.GetExecution(execId)
	if !ok || rec.Status.Terminal() {
		return false
	}
	next := rec.clone()
	next.Status = StatusError
	at := c.nowMillis()
	next.CompletedAt = &at
	next.Error = &execErr
	c.m.Set(execId, next)
	return true
}

// CancelExecution transitions execId to cancelled from claimed, ready,
// or running, recording by as the actor that requested the
// cancellation. Returns false if execId is absent or already terminal.
func (c *Coordinator) CancelExecution(execId, by string) bool {
	rec, ok := c.GetExecution(execId)
	if !ok || rec.Status.Terminal() {
		return false
	}
	switch rec.Status {
	case StatusClaimed, StatusReady, StatusRunning:
	default:
		return false
	}
	next := rec.clone()
	next.Status = StatusCancelled
	at := c.nowMillis()
	next.CompletedAt = &at
	next.Error = &ExecError{Kind: ErrorKindCancelled, Message: "execution cancelled by " + by}
	c.m.Set(execId, next)
	return true
}

// RequestStdin sets execId's stdinRequest and clears any stale
// stdinResponse, as the monitor role.
func (c *Coordinator) RequestStdin(execId, prompt string, password bool) bool {
	rec, ok := c.GetExecution(execId)
	if !ok || rec.Status.Terminal() {
		return false
	}
	next := rec.clone()
	next.StdinRequest = &StdinRequest{Prompt: prompt, Password: password, RequestedAt: c.nowMillis()}
	next.StdinResponse = nil
	c.m.Set(execId, next)
	return true
}

// RespondStdin records the browser's answer to an outstanding stdin
// request.
func (c *Coordinator) RespondStdin(execId, text string) bool {
	rec, ok := c.GetExecution(execId)
	if !ok {
		return false
	}
	next := rec.clone()
	next.StdinResponse = &StdinResponse{Text: text, RespondedAt: c.nowMillis()}
	c.m.Set(execId, next)
	return true
}

// ClearStdinRequest nulls both stdinRequest and stdinResponse once the
// monitor has forwarded the response text to the runtime.
func (c *Coordinator) ClearStdinRequest(execId string) bool {
	rec, ok := c.GetExecution(execId)
	if !ok {
		return false
	}
	next := rec.clone()
	next.StdinRequest = nil
	next.StdinResponse = nil
	c.m.Set(execId, next)
	return true
}

// AddDisplayData appends one display entry to execId's displayData.
func (c *Coordinator) AddDisplayData(execId string, display Display) bool {
	rec, ok := c.GetExecution(execId)
	if !ok {
		return false
	}
	next := rec.clone()
	next.DisplayData = append(next.DisplayData, display)
	c.m.Set(execId, next)
	return true
}

// Observe subscribes to changes on the executions map. action mirrors
// crdt.ChangeAction; the record passed to fn is the value at the time
// of the callback, or nil for a delete.
func (c *Coordinator) Observe(fn func(execId string, record *Record, action crdt.ChangeAction)) func() {
	return c.m.Observe(func(key string, action crdt.ChangeAction) {
		if action == crdt.ActionDelete {
			fn(key, nil, action)
			return
		}
		rec, _ := c.GetExecution(key)
		fn(key, rec, action)
	})
}
