package coord

import (
	"regexp"
	"testing"

	"github.com/mrmd/monitor/internal/crdt"
	"github.com/mrmd/monitor/internal/crdt/memdoc"
)

var execIdPattern = regexp.MustCompile(`^exec-\d+-[0-9a-z]{6}$`)

func TestGenerateExecIdFormat(t *testing.T) {
	c := New(memdoc.New(1), "browser-1")
	id := c.GenerateExecId()
	if !execIdPattern.MatchString(id) {
		t.Errorf("GenerateExecId() = %q, does not match expected format", id)
	}
}

func TestRequestExecutionCreatesRequestedRecord(t *testing.T) {
	c := New(memdoc.New(1), "browser-1")
	id := c.RequestExecution(ExecutionRequest{Code: "print(1)", Language: "python", RuntimeURL: "http://rt"})

	rec, ok := c.GetExecution(id)
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.Status != StatusRequested {
		t.Errorf("Status = %q, want %q", rec.Status, StatusRequested)
	}
	if rec.RequestedBy != "browser-1" {
		t.Errorf("RequestedBy = %q, want browser-1", rec.RequestedBy)
	}
	if rec.ClaimedBy != "" {
		t.Errorf("ClaimedBy = %q, want empty", rec.ClaimedBy)
	}
	if rec.Session != "default" {
		t.Errorf("Session = %q, want default", rec.Session)
	}
	if rec.DisplayData == nil || len(rec.DisplayData) != 0 {
		t.Errorf("DisplayData = %v, want empty non-nil slice", rec.DisplayData)
	}
}

func TestClaimExecutionSucceedsOnce(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	id := browser.RequestExecution(ExecutionRequest{Code: "x"})

	monitorA := New(doc, "monitor-a")
	monitorB := New(doc, "monitor-b")

	if !monitorA.ClaimExecution(id) {
		t.Fatal("expected monitor-a to win the claim")
	}
	if monitorB.ClaimExecution(id) {
		t.Error("expected monitor-b to lose the claim")
	}

	rec, _ := browser.GetExecution(id)
	if rec.Status != StatusClaimed || rec.ClaimedBy != "monitor-a" {
		t.Errorf("record = %+v, want claimed by monitor-a", rec)
	}
}

func TestClaimExecutionFailsIfNotRequested(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	id := browser.RequestExecution(ExecutionRequest{Code: "x"})
	monitor := New(doc, "monitor-a")
	monitor.ClaimExecution(id)

	if monitor.ClaimExecution(id) {
		t.Error("expected re-claiming an already-claimed record to fail")
	}
}

func TestFullLifecycleHappyPath(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	id := browser.RequestExecution(ExecutionRequest{Code: "print('hi')"})
	if !monitor.ClaimExecution(id) {
		t.Fatal("claim failed")
	}
	if !browser.SetOutputBlockReady(id, "pos-1") {
		t.Fatal("SetOutputBlockReady failed")
	}
	if !monitor.SetRunning(id) {
		t.Fatal("SetRunning failed")
	}
	if !monitor.SetCompleted(id, CompletedUpdate{Result: map[string]any{"success": true}}) {
		t.Fatal("SetCompleted failed")
	}

	rec, _ := browser.GetExecution(id)
	if rec.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Error("expected StartedAt and CompletedAt to be set")
	}
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	id := browser.RequestExecution(ExecutionRequest{Code: "x"})
	monitor.ClaimExecution(id)
	browser.SetOutputBlockReady(id, "pos-1")
	monitor.SetRunning(id)
	monitor.SetCompleted(id, CompletedUpdate{})

	if monitor.SetError(id, ExecError{Kind: ErrorKindMonitor, Message: "late"}) {
		t.Error("expected SetError on a completed record to be a no-op")
	}
	if monitor.SetRunning(id) {
		t.Error("expected SetRunning on a completed record to be a no-op")
	}
	rec, _ := browser.GetExecution(id)
	if rec.Status != StatusCompleted {
		t.Errorf("Status changed to %q after terminal, want completed", rec.Status)
	}
}

func TestSetCompletedIsIdempotentUnderDuplicateObservation(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	id := browser.RequestExecution(ExecutionRequest{Code: "x"})
	monitor.ClaimExecution(id)
	browser.SetOutputBlockReady(id, "pos-1")
	monitor.SetRunning(id)

	first := monitor.SetCompleted(id, CompletedUpdate{Result: "ok"})
	second := monitor.SetCompleted(id, CompletedUpdate{Result: "ok-again"})

	if !first {
		t.Fatal("expected first SetCompleted to succeed")
	}
	if second {
		t.Error("expected second SetCompleted (duplicate observation) to be a no-op")
	}
	rec, _ := browser.GetExecution(id)
	if rec.Result != "ok" {
		t.Errorf("Result = %v, want the first completion's result to stick", rec.Result)
	}
}

func TestCancelExecutionFromClaimed(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	id := browser.RequestExecution(ExecutionRequest{Code: "x"})
	monitor.ClaimExecution(id)

	if !browser.CancelExecution(id, "browser-1") {
		t.Fatal("expected cancel from claimed to succeed")
	}
	rec, _ := browser.GetExecution(id)
	if rec.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", rec.Status)
	}
}

func TestCancelExecutionFailsFromRequested(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	id := browser.RequestExecution(ExecutionRequest{Code: "x"})

	if browser.CancelExecution(id, "browser-1") {
		t.Error("expected cancel from requested (not yet claimed) to fail")
	}
}

func TestStdinRoundTrip(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	id := browser.RequestExecution(ExecutionRequest{Code: "x"})
	monitor.ClaimExecution(id)
	browser.SetOutputBlockReady(id, "pos-1")
	monitor.SetRunning(id)

	monitor.RequestStdin(id, "name?", false)
	rec, _ := browser.GetExecution(id)
	if rec.StdinRequest == nil || rec.StdinRequest.Prompt != "name?" {
		t.Fatal("expected stdinRequest to be set")
	}

	browser.RespondStdin(id, "ada")
	rec, _ = browser.GetExecution(id)
	if rec.StdinResponse == nil || rec.StdinResponse.Text != "ada" {
		t.Fatal("expected stdinResponse to be set")
	}

	monitor.ClearStdinRequest(id)
	rec, _ = browser.GetExecution(id)
	if rec.StdinRequest != nil || rec.StdinResponse != nil {
		t.Error("expected both stdinRequest and stdinResponse to be cleared")
	}
}

func TestAddDisplayDataIsAppendOnly(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	id := browser.RequestExecution(ExecutionRequest{Code: "x"})
	monitor.AddDisplayData(id, Display{MimeType: "text/plain", Data: "a"})
	monitor.AddDisplayData(id, Display{MimeType: "text/plain", Data: "b"})

	rec, _ := browser.GetExecution(id)
	if len(rec.DisplayData) != 2 {
		t.Fatalf("len(DisplayData) = %d, want 2", len(rec.DisplayData))
	}
	if rec.DisplayData[0].Data != "a" || rec.DisplayData[1].Data != "b" {
		t.Errorf("DisplayData = %+v, want [a b] in order", rec.DisplayData)
	}
}

func TestGetExecutionsByStatus(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	id1 := browser.RequestExecution(ExecutionRequest{Code: "a"})
	id2 := browser.RequestExecution(ExecutionRequest{Code: "b"})
	monitor.ClaimExecution(id1)

	requested := browser.GetExecutionsByStatus(StatusRequested)
	if len(requested) != 1 || requested[0].Id != id2 {
		t.Errorf("GetExecutionsByStatus(requested) = %+v, want just %s", requested, id2)
	}

	claimed := browser.GetExecutionsByStatus(StatusClaimed)
	if len(claimed) != 1 || claimed[0].Id != id1 {
		t.Errorf("GetExecutionsByStatus(claimed) = %+v, want just %s", claimed, id1)
	}
}

func TestObserveReportsStatusTransitions(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	monitor := New(doc, "monitor-a")

	var statuses []Status
	cancel := browser.Observe(func(execId string, record *Record, action crdt.ChangeAction) {
		if record != nil {
			statuses = append(statuses, record.Status)
		}
	})
	defer cancel()

	id := browser.RequestExecution(ExecutionRequest{Code: "x"})
	monitor.ClaimExecution(id)

	want := []Status{StatusRequested, StatusClaimed}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %q, want %q", i, statuses[i], want[i])
		}
	}
}

func TestTwoMonitorRace(t *testing.T) {
	doc := memdoc.New(1)
	browser := New(doc, "browser-1")
	id := browser.RequestExecution(ExecutionRequest{Code: "x"})

	monitors := make([]*Coordinator, 5)
	for i := range monitors {
		monitors[i] = New(doc, "monitor-"+string(rune('a'+i)))
	}

	wins := 0
	for _, m := range monitors {
		if m.ClaimExecution(id) {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}
