package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// Session events
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"
	EventSessionStale        EventType = "session.stale"
	EventConnectFailed       EventType = "session.connect_failed"

	// Inbound traffic events
	EventFrameRejected EventType = "security.frame_rejected"

	// Admission events
	EventCommandDropped  EventType = "admission.dropped"
	EventCapacityChanged EventType = "admission.capacity_changed"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is a notable occurrence in the agent's session lifecycle
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	SessionID string `json:"session_id,omitempty"`
	CommandID string `json:"command_id,omitempty"`

	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// EventStream keeps a bounded in-memory history of events and fans them out
// to watchers. A nil *EventStream discards everything.
type EventStream struct {
	logger   *zap.Logger
	events   []Event
	mu       sync.RWMutex
	maxSize  int
	watchers []chan Event
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize int
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}

	return &EventStream{
		logger:  logger,
		events:  make([]Event, 0, cfg.MaxSize),
		maxSize: cfg.MaxSize,
	}
}

// RecordEvent records a new event to the stream
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if es == nil {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateID()
	}
	if event.SessionID == "" {
		event.SessionID = GetSessionID(ctx)
	}
	if event.CommandID == "" {
		event.CommandID = GetCommandID(ctx)
	}

	es.events = append(es.events, event)
	if len(es.events) > es.maxSize {
		es.events = es.events[len(es.events)-es.maxSize:]
	}

	es.logEvent(event)

	for _, ch := range es.watchers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (es *EventStream) logEvent(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.CommandID != "" {
		fields = append(fields, zap.String("command_id", event.CommandID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	default:
		es.logger.Debug(event.Description, fields...)
	}
}

// GetEvents retrieves events with optional filtering
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	if es == nil {
		return nil
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// Watch creates a channel that receives new events
func (es *EventStream) Watch() chan Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Event, 100)
	es.watchers = append(es.watchers, ch)
	return ch
}

// Unwatch removes a watcher channel
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, watcher := range es.watchers {
		if watcher == ch {
			es.watchers = append(es.watchers[:i], es.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Export exports events as JSON
func (es *EventStream) Export() ([]byte, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return json.MarshalIndent(es.events, "", "  ")
}

// EventFilter defines filtering criteria for events
type EventFilter struct {
	Types     []EventType
	SessionID string
	StartTime time.Time
	Limit     int
}

// Matches checks if an event matches the filter
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.SessionID != "" && event.SessionID != f.SessionID {
		return false
	}

	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}

	return true
}

// NewSessionConnectedEvent creates a session connected event
func NewSessionConnectedEvent(sessionID string) Event {
	return Event{
		Type:        EventSessionConnected,
		Severity:    SeverityInfo,
		SessionID:   sessionID,
		Description: fmt.Sprintf("Session %s connected", sessionID),
	}
}

// NewSessionDisconnectedEvent creates a session disconnected event carrying
// the delay before the next connection attempt
func NewSessionDisconnectedEvent(sessionID string, reconnectIn time.Duration) Event {
	return Event{
		Type:        EventSessionDisconnected,
		Severity:    SeverityWarning,
		SessionID:   sessionID,
		Description: fmt.Sprintf("Session %s disconnected, reconnecting in %s", sessionID, reconnectIn),
		Metadata: map[string]interface{}{
			"reconnect_in_ms": reconnectIn.Milliseconds(),
		},
	}
}

// NewConnectFailedEvent creates a connection failure event
func NewConnectFailedEvent(err error, reconnectIn time.Duration) Event {
	return Event{
		Type:        EventConnectFailed,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("Connection attempt failed, retrying in %s", reconnectIn),
		Metadata: map[string]interface{}{
			"reconnect_in_ms": reconnectIn.Milliseconds(),
		},
		Error: err.Error(),
	}
}

// NewFrameRejectedEvent creates an event for an inbound frame dropped by the
// identity check
func NewFrameRejectedEvent(reason string) Event {
	return Event{
		Type:        EventFrameRejected,
		Severity:    SeverityWarning,
		Description: "Inbound frame rejected",
		Metadata: map[string]interface{}{
			"reason": reason,
		},
		Error: reason,
	}
}

// NewCommandDroppedEvent creates an event for a command dropped at capacity
func NewCommandDroppedEvent(commandID, action string, capacity, inflight int) Event {
	return Event{
		Type:        EventCommandDropped,
		Severity:    SeverityWarning,
		CommandID:   commandID,
		Description: fmt.Sprintf("Command %s dropped: %d/%d credits in use", action, inflight, capacity),
		Metadata: map[string]interface{}{
			"action":   action,
			"capacity": capacity,
			"inflight": inflight,
		},
	}
}

// NewCapacityChangedEvent creates an event for a capacity adjustment
func NewCapacityChangedEvent(previous, current int) Event {
	return Event{
		Type:        EventCapacityChanged,
		Severity:    SeverityInfo,
		Description: fmt.Sprintf("Capacity changed from %d to %d", previous, current),
		Metadata: map[string]interface{}{
			"previous": previous,
			"current":  current,
		},
	}
}
