// Package relay holds the ephemeral voice-session state: subagent
// threads, staged drafts, the multi-question conversation flow and the
// announcement queue with its safe-point delivery rule.
//
// Nothing in this package is persisted. Durable task and inbox state
// lives in the event store; relay state is rebuilt fresh each run.
package relay

import (
	"time"

	"github.com/google/uuid"
)

// ThreadStatus tracks where a subagent thread is in its request cycle.
type ThreadStatus string

const (
	ThreadIdle            ThreadStatus = "idle"
	ThreadWaitingResponse ThreadStatus = "waiting_response"
	ThreadHasResponse     ThreadStatus = "has_response"
	ThreadAwaitingUser    ThreadStatus = "awaiting_user"
	ThreadError           ThreadStatus = "error"
)

// Thread is one subagent session plus its relay metadata. A voice session
// can hold several threads concurrently, with at most one focused.
type Thread struct {
	ThreadID  string
	Subagent  string
	Topic     string
	SessionID string

	Status    ThreadStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	LastUserMessage string
	LastResponse    string
	LastError       string
}

func newThread(subagent, topic, sessionID string) *Thread {
	now := time.Now().UTC()
	return &Thread{
		ThreadID:  uuid.NewString(),
		Subagent:  subagent,
		Topic:     topic,
		SessionID: sessionID,
		Status:    ThreadIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AnnouncementKind classifies queued voice announcements.
type AnnouncementKind string

const (
	AnnounceWaitStarted   AnnouncementKind = "wait_started"
	AnnounceResponseReady AnnouncementKind = "response_ready"
	AnnounceInfo          AnnouncementKind = "info"
	AnnounceError         AnnouncementKind = "error"
)

// Announcement is a short spoken notice delivered at the next safe point.
type Announcement struct {
	Text      string
	Kind      AnnouncementKind
	ThreadID  string
	CreatedAt time.Time
}
