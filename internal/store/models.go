package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the derived lifecycle state of a task.
type TaskStatus string

const (
	StatusDraft          TaskStatus = "draft"
	StatusRefining       TaskStatus = "refining"
	StatusReadyToHandoff TaskStatus = "ready_to_handoff"
	StatusHandedOff      TaskStatus = "handed_off"
	StatusRunning        TaskStatus = "running"
	StatusAwaitingGate   TaskStatus = "awaiting_gate"
	StatusAwaitingUser   TaskStatus = "awaiting_user"
	StatusDone           TaskStatus = "done"
	StatusFailed         TaskStatus = "failed"
	StatusCanceled       TaskStatus = "canceled"
)

// Terminal reports whether no further events can change the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// EventType enumerates the append-only event union.
type EventType string

const (
	EventTaskCreated          EventType = "TaskCreated"
	EventWorkingPromptUpdated EventType = "WorkingPromptUpdated"
	EventQuestionsRaised      EventType = "QuestionsRaised"
	EventUserAnswered         EventType = "UserAnswered"
	EventHandoffFrozen        EventType = "HandoffFrozen"
	EventBeadsTaskLinked      EventType = "BeadsTaskLinked"
	EventBuilderDispatched    EventType = "BuilderDispatched"
	EventBuilderStatusChanged EventType = "BuilderStatusChanged"
	EventGateRequested        EventType = "GateRequested"
	EventGateApproved         EventType = "GateApproved"
	EventGateDenied           EventType = "GateDenied"
	EventBuildCompleted       EventType = "BuildCompleted"
	EventBuildFailed          EventType = "BuildFailed"
	EventTaskCanceled         EventType = "TaskCanceled"
)

// Payload keys read by the event fold. Producers must use these so the
// derived tables pick the values up.
const (
	PayloadHandoffMDPath   = "handoff_md_path"
	PayloadHandoffJSONPath = "handoff_json_path"
)

// Severity levels for inbox items.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityBlocking Severity = "blocking"
)

// TaskEvent is one row of the append-only log. EventID is assigned by the
// database on insert; zero means "not yet persisted".
type TaskEvent struct {
	EventID int64          `json:"event_id"`
	Time    time.Time      `json:"time"`
	Type    EventType      `json:"type"`
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload"`
}

// Task is the derived row for one unit of work. It is a pure fold of the
// events carrying its TaskID and must never be mutated directly.
type Task struct {
	TaskID            string     `json:"task_id"`
	BeadsID           string     `json:"beads_id,omitempty"`
	Title             string     `json:"title"`
	Status            TaskStatus `json:"status"`
	Priority          int        `json:"priority"`
	ProjectRoot       string     `json:"project_root,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	WorkingPromptPath string     `json:"working_prompt_path,omitempty"`
	HandoffPromptPath string     `json:"handoff_prompt_path,omitempty"`
	BuilderSessionID  string     `json:"builder_session_id,omitempty"`
	LastEventID       int64      `json:"last_event_id"`
}

// InboxItem is a user-facing notification. Unread iff AcknowledgedAt is nil.
type InboxItem struct {
	InboxID        string         `json:"inbox_id"`
	Severity       Severity       `json:"severity"`
	Summary        string         `json:"summary"`
	Refs           map[string]any `json:"refs,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// TaskMapping links a task to its external tracker id and builder session.
type TaskMapping struct {
	TaskID    string `json:"task_id"`
	BeadsID   string `json:"beads_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// NewTaskEvent builds an unpersisted event with the current time.
func NewTaskEvent(typ EventType, taskID string, payload map[string]any) TaskEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return TaskEvent{
		Time:    time.Now().UTC(),
		Type:    typ,
		TaskID:  taskID,
		Payload: payload,
	}
}

// NewInboxItem builds an inbox item with a fresh id.
func NewInboxItem(severity Severity, summary string, refs map[string]any) InboxItem {
	return InboxItem{
		InboxID:   uuid.NewString(),
		Severity:  severity,
		Summary:   summary,
		Refs:      refs,
		CreatedAt: time.Now().UTC(),
	}
}

// payloadString extracts a string field from an event payload.
func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func marshalPayload(p map[string]any) (string, error) {
	if p == nil {
		p = map[string]any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPayload(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return map[string]any{}
	}
	return p
}
