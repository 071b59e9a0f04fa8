package events

// Payload shapes for the built-in event types. These mirror what the
// ingestion collaborators produce; the core never depends on them.

// WebSocketPayload is the payload of a ws.message event.
type WebSocketPayload struct {
	ConnectionID string `json:"connectionId"`
	Content      string `json:"content"`
}

// HTTPPayload is the payload of an http.request event.
type HTTPPayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// TimerPayload is the payload of a timer.tick event.
type TimerPayload struct {
	TimerName string `json:"timerName"`
	TickCount int    `json:"tickCount"`
}

// Lifecycle actions.
const (
	LifecycleStarted = "started"
	LifecycleStopped = "stopped"
	LifecycleError   = "error"
)

// LifecyclePayload is the payload of a lifecycle event.
type LifecyclePayload struct {
	Action  string `json:"action"` // started, stopped, error
	Details string `json:"details,omitempty"`
}
