package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	EventParentFill   = "parent_fill"
	EventChildFill    = "child_fill"
	EventStatusChange = "status_change"
	EventBreakeven    = "breakeven"
	EventFreeRunner   = "free_runner"
	EventPnL          = "pnl"
)

// Notifier is a fire-and-forget sink for engine events. Implementations log
// delivery failures and never return them; classification and formatting
// beyond the payload is out of scope.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]any)
}

// WithEventID stamps a payload with a unique event id, shared by every sink.
func WithEventID(payload map[string]any) map[string]any {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	if _, ok := payload["event_id"]; !ok {
		payload["event_id"] = uuid.NewString()
	}
	return payload
}

// LogNotifier writes events to the structured log. It is the default sink.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, eventType string, payload map[string]any) {
	payload = WithEventID(payload)
	n.logger.Info("[NOTIFY] Event",
		"event_type", eventType,
		"payload", payload,
	)
}

// Multi fans out to several sinks in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, eventType string, payload map[string]any) {
	payload = WithEventID(payload)
	for _, n := range m {
		n.Notify(ctx, eventType, payload)
	}
}

// Recorded is one captured notification.
type Recorded struct {
	EventType string
	Payload   map[string]any
}

// Recorder captures notifications for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements Notifier.
func (r *Recorder) Notify(ctx context.Context, eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{EventType: eventType, Payload: payload})
}

// Events returns all captured notifications.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns captured notifications of one event type.
func (r *Recorder) ByType(eventType string) []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Recorded
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
