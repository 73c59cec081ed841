// Package dashboard serves the monitoring surface: a REST API over the
// task store and builders, a WebSocket fan-out of live events, and an
// in-memory conversation transcript.
package dashboard

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Conversation entry roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolCall   = "tool_call"
	RoleToolResult = "tool_result"
	RoleSystem     = "system"
)

// defaultMaxEntries bounds the in-memory transcript ring.
const defaultMaxEntries = 1000

// Entry is one item in the conversation log.
type Entry struct {
	EntryID    int64          `json:"entry_id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	ToolError  string         `json:"tool_error,omitempty"`
	DurationMS float64        `json:"duration_ms,omitempty"`
}

func (e Entry) dict() map[string]any {
	return map[string]any{
		"entry_id":    e.EntryID,
		"role":        e.Role,
		"content":     e.Content,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":    e.Metadata,
		"tool_name":   e.ToolName,
		"tool_args":   e.ToolArgs,
		"tool_error":  e.ToolError,
		"duration_ms": e.DurationMS,
	}
}

// EntryListener observes appended or updated entries.
type EntryListener func(Entry)

// ConversationLog keeps a bounded transcript of the voice session for the
// dashboard: user speech, assistant replies, tool invocations and system
// notes. Safe for concurrent use.
type ConversationLog struct {
	mu        sync.Mutex
	entries   []Entry
	max       int
	nextID    int64
	pending   map[string]int64 // tool name -> entry id awaiting completion
	listeners []EntryListener
}

// NewConversationLog creates a transcript ring holding up to maxEntries.
// Zero means the default capacity.
func NewConversationLog(maxEntries int) *ConversationLog {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &ConversationLog{
		max:     maxEntries,
		nextID:  1,
		pending: make(map[string]int64),
	}
}

// AddListener registers a callback for new and updated entries. Listener
// errors cannot occur; listeners must not block.
func (l *ConversationLog) AddListener(fn EntryListener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *ConversationLog) append(e Entry) Entry {
	e.EntryID = l.nextID
	l.nextID++
	e.Timestamp = time.Now().UTC()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	return e
}

func (l *ConversationLog) notify(e Entry, fns []EntryListener) {
	for _, fn := range fns {
		fn(e)
	}
}

// LogUserSpeech records a user transcription.
func (l *ConversationLog) LogUserSpeech(transcript string, audioLevel float64, final bool) {
	l.mu.Lock()
	e := l.append(Entry{
		Role:     RoleUser,
		Content:  transcript,
		Metadata: map[string]any{"audio_level": audioLevel, "is_final": final},
	})
	fns := l.listeners
	l.mu.Unlock()
	l.notify(e, fns)
}

// LogAssistantResponse records assistant output (or its transcript).
func (l *ConversationLog) LogAssistantResponse(text string, isAudio bool) {
	l.mu.Lock()
	e := l.append(Entry{
		Role:     RoleAssistant,
		Content:  text,
		Metadata: map[string]any{"is_audio": isAudio},
	})
	fns := l.listeners
	l.mu.Unlock()
	l.notify(e, fns)
}

// LogSystemEvent records an out-of-band note (connect, reconnect, error).
func (l *ConversationLog) LogSystemEvent(message, kind string) {
	l.mu.Lock()
	e := l.append(Entry{
		Role:     RoleSystem,
		Content:  message,
		Metadata: map[string]any{"event_type": kind},
	})
	fns := l.listeners
	l.mu.Unlock()
	l.notify(e, fns)
}

// ToolStarted records the start of a tool invocation. Together with
// ToolFinished this satisfies the tool dispatcher's recorder contract.
func (l *ConversationLog) ToolStarted(name string, args map[string]any) {
	l.mu.Lock()
	e := l.append(Entry{
		Role:     RoleToolCall,
		Content:  fmt.Sprintf("Calling %s...", name),
		ToolName: name,
		ToolArgs: args,
	})
	l.pending[name] = e.EntryID
	fns := l.listeners
	l.mu.Unlock()
	l.notify(e, fns)
}

// ToolFinished resolves a pending tool call, updating its entry in place.
// A completion with no matching start is recorded as a standalone result.
func (l *ConversationLog) ToolFinished(name string, duration time.Duration, errText string) {
	status := "completed"
	if errText != "" {
		status = "failed"
	}

	l.mu.Lock()
	id, ok := l.pending[name]
	if ok {
		delete(l.pending, name)
		for i := range l.entries {
			if l.entries[i].EntryID != id {
				continue
			}
			l.entries[i].Content = fmt.Sprintf("%s %s", name, status)
			l.entries[i].DurationMS = float64(duration) / float64(time.Millisecond)
			l.entries[i].ToolError = errText
			e := l.entries[i]
			fns := l.listeners
			l.mu.Unlock()
			l.notify(e, fns)
			return
		}
		// Entry rotated out of the ring while the tool ran.
		ok = false
	}
	e := l.append(Entry{
		Role:       RoleToolResult,
		Content:    fmt.Sprintf("%s %s", name, status),
		ToolName:   name,
		ToolError:  errText,
		DurationMS: float64(duration) / float64(time.Millisecond),
	})
	fns := l.listeners
	l.mu.Unlock()
	l.notify(e, fns)
}

// Entries returns entries newest first, optionally filtered by role.
func (l *ConversationLog) Entries(limit, offset int, roles []string) []Entry {
	if limit <= 0 {
		limit = 100
	}
	want := map[string]bool{}
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			want[r] = true
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if len(want) > 0 && !want[l.entries[i].Role] {
			continue
		}
		out = append(out, l.entries[i])
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of buffered entries.
func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RecentTranscript renders the last count entries as plain text, oldest
// first, for summarization context.
func (l *ConversationLog) RecentTranscript(count int) string {
	entries := l.Entries(count, 0, nil)

	var lines []string
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.Role {
		case RoleUser:
			lines = append(lines, "User: "+e.Content)
		case RoleAssistant:
			lines = append(lines, "Assistant: "+e.Content)
		case RoleToolCall:
			lines = append(lines, fmt.Sprintf("[Tool: %s]", e.ToolName))
		case RoleSystem:
			lines = append(lines, fmt.Sprintf("[System: %s]", e.Content))
		}
	}
	return strings.Join(lines, "\n")
}

// Clear drops all entries and pending tool calls.
func (l *ConversationLog) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.pending = make(map[string]int64)
	l.mu.Unlock()
}
