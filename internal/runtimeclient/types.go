package runtimeclient

// StdinRequest is what the runtime asks for when code blocks on input().
type StdinRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// Display is one rich output emitted by the runtime mid-execution.
type Display struct {
	MimeType string `json:"mimeType"`
	Data     any    `json:"data,omitempty"`
	AssetId  string `json:"assetId,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Error is a failure reported either by the runtime over SSE or
// synthesized locally on a connection failure. A cancelled execution
// produces no Error; Execute returns an aborted Result instead.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the execution's final outcome, as decoded from the
// "result" SSE event. Fields beyond Success are runtime-specific and
// carried opaquely.
type Result struct {
	Success bool           `json:"success"`
	Raw     map[string]any `json:"-"`
}

// Callbacks are the typed hooks Execute invokes as SSE events arrive.
// Every field is optional; a nil callback is simply not invoked.
type Callbacks struct {
	OnStart        func()
	OnStdout       func(chunk, accumulated string)
	OnStderr       func(chunk, accumulated string)
	OnStdinRequest func(req StdinRequest)
	OnDisplay      func(display Display)
	OnResult       func(result Result)
	OnError        func(err Error)
	OnDone         func()
}

// ExecuteOptions configures one Execute call.
type ExecuteOptions struct {
	Session   string
	ExecId    string
	Callbacks Callbacks
}

type assetPayload struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}
