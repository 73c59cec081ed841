// Package ssemux aggregates live session events from one or more subagent
// servers and relays them to the dashboard.
//
// Each server is wrapped in a [Source] that connects to its SSE event
// stream, normalizes the events (payload shapes vary across server builds)
// and broadcasts dashboard updates. When a stream keeps failing the source
// degrades to polling the session list until SSE recovers. A [Mux] groups
// sources and exposes a flattened, instance-tagged session view.
package ssemux

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broadcaster receives normalized events for fan-out to dashboard clients.
type Broadcaster interface {
	Broadcast(eventType string, data map[string]any)
}

// Session source classifications derived from the agent name or title.
const (
	SourceConversator = "conversator"
	SourceBuilder     = "builder"
	SourceExternal    = "external"
)

// Session is one tracked subagent server session.
type Session struct {
	SessionID    string    `json:"session_id"`
	AgentName    string    `json:"agent_name"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	TaskID       string    `json:"task_id,omitempty"`
	MessageCount int       `json:"message_count"`
	Source       string    `json:"source"`
}

// Message is one tracked message within a session.
type Message struct {
	MessageID  string           `json:"message_id"`
	SessionID  string           `json:"session_id"`
	Role       string           `json:"role"`
	Parts      []map[string]any `json:"parts"`
	CreatedAt  time.Time        `json:"created_at"`
	IsComplete bool             `json:"is_complete"`
}

const (
	maxSSEFailures    = 3
	pollInterval      = 5 * time.Second
	reconnectInitial  = time.Second
	reconnectMax      = 30 * time.Second
	sessionFetchLimit = 10 * time.Second
)

// sseEndpoints are tried in order; servers have exposed the stream under
// different paths across builds.
var sseEndpoints = []string{"/event", "/global/event", "/event/subscribe", "/api/event/subscribe"}

// Source follows one subagent server's event stream.
type Source struct {
	name    string
	baseURL string
	bc      Broadcaster

	// fetchClient handles bounded REST calls; streamClient has no timeout
	// because SSE connections are expected to stay open.
	fetchClient  *http.Client
	streamClient *http.Client

	mu          sync.Mutex
	sessions    map[string]*Session
	messages    map[string]map[string]*Message
	running     bool
	pollingMode bool
	sseFailures int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource creates a source for the server at baseURL. bc may be nil.
func NewSource(name, baseURL string, bc Broadcaster) *Source {
	return &Source{
		name:         name,
		baseURL:      baseURL,
		bc:           bc,
		fetchClient:  &http.Client{Timeout: sessionFetchLimit},
		streamClient: &http.Client{},
		sessions:     make(map[string]*Session),
		messages:     make(map[string]map[string]*Message),
	}
}

// Start pre-loads existing sessions (best effort) and begins following the
// event stream in the background. Calling Start on a running source is a
// no-op.
func (s *Source) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if sessions, err := s.FetchAllSessions(runCtx); err == nil && len(sessions) > 0 {
		slog.Info("pre-loaded existing sessions", "source", s.name, "count", len(sessions))
	}

	go s.listenLoop(runCtx)
	slog.Info("session event source started", "source", s.name, "url", s.baseURL)
}

// Stop tears down the stream and waits for the background loop to exit.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("session event source stopped", "source", s.name)
}

// Sessions returns a snapshot of all tracked sessions.
func (s *Source) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// Session returns a tracked session by id.
func (s *Source) Session(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// SessionMessages returns a session's tracked messages ordered by creation.
func (s *Source) SessionMessages(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages[sessionID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ConnectionStatus reports connection diagnostics for the status surface.
func (s *Source) ConnectionStatus() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode := "sse"
	if s.pollingMode {
		mode = "polling"
	}
	return map[string]any{
		"running":          s.running,
		"mode":             mode,
		"sse_failures":     s.sseFailures,
		"max_sse_failures": maxSSEFailures,
		"session_count":    len(s.sessions),
		"base_url":         s.baseURL,
	}
}

// ─── stream loop ─────────────────────────────────────────────────────────────

func (s *Source) listenLoop(ctx context.Context) {
	defer close(s.done)

	delay := reconnectInitial
	for ctx.Err() == nil {
		s.mu.Lock()
		polling := s.pollingMode
		s.mu.Unlock()

		if polling {
			s.pollOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		err := s.listenSSE(ctx, &delay)
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if err != nil {
			s.sseFailures++
			failures := s.sseFailures
			if failures >= maxSSEFailures {
				s.pollingMode = true
				s.mu.Unlock()
				slog.Warn("event stream failing, switching to polling",
					"source", s.name, "failures", failures)
				continue
			}
			s.mu.Unlock()
			slog.Warn("event stream error", "source", s.name,
				"failures", failures, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMax)
			continue
		}
		s.sseFailures = 0
		s.mu.Unlock()
	}
}

// pollOnce refreshes the session list and nudges the failure counter down;
// once it reaches zero SSE is retried.
func (s *Source) pollOnce(ctx context.Context) {
	if _, err := s.FetchAllSessions(ctx); err != nil {
		slog.Debug("session poll failed", "source", s.name, "error", err)
	}

	s.mu.Lock()
	if s.sseFailures > 0 {
		s.sseFailures--
	}
	if s.sseFailures == 0 {
		s.pollingMode = false
		slog.Info("retrying event stream", "source", s.name)
	}
	s.mu.Unlock()
}

// listenSSE connects to the first endpoint candidate serving an event
// stream and processes it until it ends. Returns nil only on a clean
// context cancellation.
func (s *Source) listenSSE(ctx context.Context, delay *time.Duration) error {
	var lastErr error

	for _, path := range sseEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := s.streamClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK ||
			!strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
			resp.Body.Close()
			lastErr = fmt.Errorf("endpoint %s: HTTP %d (%s)",
				path, resp.StatusCode, resp.Header.Get("Content-Type"))
			continue
		}

		slog.Info("connected to event stream", "source", s.name, "endpoint", path)
		*delay = reconnectInitial

		err = s.readStream(ctx, resp)
		resp.Body.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("event stream ended")
		}
		return err
	}
	return fmt.Errorf("ssemux: no event endpoint available: %w", lastErr)
}

func (s *Source) readStream(ctx context.Context, resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, eventData string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimSpace(line[len("data:"):])
			if eventData != "" {
				eventData = eventData + "\n" + chunk
			} else {
				eventData = chunk
			}
		case line == "" && eventData != "":
			var data map[string]any
			if err := json.Unmarshal([]byte(eventData), &data); err != nil {
				slog.Warn("unparseable event payload", "source", s.name, "error", err)
			} else {
				resolved := eventType
				if t, ok := data["type"].(string); ok && t != "" {
					resolved = t
				}
				s.handleEvent(resolved, data)
			}
			eventType, eventData = "", ""
		}
	}
	return scanner.Err()
}

// ─── event handling ──────────────────────────────────────────────────────────

func (s *Source) handleEvent(eventType string, data map[string]any) {
	switch eventType {
	case "session.updated", "session.status":
		s.onSessionUpdated(data)
	case "message.updated":
		s.onMessageUpdated(data)
	case "message.part.updated", "message.part", "message.delta":
		s.onMessagePartUpdated(data)
	case "permission.updated":
		s.onPermissionUpdated(data)
	case "session.error", "session.status.error":
		s.onSessionError(data)
	default:
		slog.Debug("unhandled stream event", "source", s.name, "type", eventType)
	}
}

func (s *Source) broadcast(eventType string, data map[string]any) {
	if s.bc != nil {
		s.bc.Broadcast(eventType, data)
	}
}

func (s *Source) onSessionUpdated(data map[string]any) {
	props := properties(data)
	info := asMap(props["info"])

	sessionID := firstString(info, "id", "sessionID", "session_id")
	if sessionID == "" {
		sessionID = firstString(props, "sessionID", "session_id")
	}
	if sessionID == "" {
		return
	}

	title := firstString(info, "title")
	if title == "" {
		title = firstString(props, "title")
	}
	agentName := firstString(info, "agent")
	if agentName == "" {
		agentName = firstString(props, "agent")
	}
	if agentName == "" {
		agentName = "unknown"
	}
	if strings.HasPrefix(title, "Conversator:") {
		agentName = strings.TrimSpace(strings.TrimPrefix(title, "Conversator:"))
	}

	status := statusType(props["status"])

	s.mu.Lock()
	sess, exists := s.sessions[sessionID]
	if !exists {
		now := time.Now().UTC()
		sess = &Session{
			SessionID: sessionID,
			AgentName: agentName,
			Status:    "active",
			CreatedAt: now,
			UpdatedAt: now,
			Source:    classifySource(agentName),
		}
		if status != "" {
			sess.Status = status
		}
		s.sessions[sessionID] = sess
		s.messages[sessionID] = make(map[string]*Message)
		payload := sessionDict(sess)
		s.mu.Unlock()

		s.broadcast("opencode_session_created", payload)
		slog.Info("new session tracked", "source", s.name,
			"session", shorten(sessionID), "agent", agentName)
		return
	}

	sess.UpdatedAt = time.Now().UTC()
	if status != "" {
		sess.Status = status
	}
	payload := map[string]any{
		"session_id":    sessionID,
		"status":        sess.Status,
		"message_count": sess.MessageCount,
		"updated_at":    sess.UpdatedAt.Format(time.RFC3339),
	}
	s.mu.Unlock()
	s.broadcast("opencode_session_updated", payload)
}

func (s *Source) onMessageUpdated(data map[string]any) {
	props := properties(data)
	info := asMap(props["info"])
	if len(info) == 0 {
		info = props
	}

	sessionID := firstString(info, "sessionID", "session_id")
	if sessionID == "" {
		sessionID = firstString(props, "sessionID", "session_id")
	}
	messageID := firstString(info, "id", "messageID", "message_id")
	if messageID == "" {
		messageID = firstString(props, "messageID", "message_id")
	}
	if sessionID == "" || messageID == "" {
		return
	}

	role := firstString(info, "role", "sender")
	if role == "" {
		role = firstString(props, "role")
	}
	if role == "" {
		role = "unknown"
	}

	parts := asMapSlice(props["parts"])
	content := partsText(parts)
	complete := isComplete(info)

	s.mu.Lock()
	if s.messages[sessionID] == nil {
		s.messages[sessionID] = make(map[string]*Message)
	}
	msgs := s.messages[sessionID]

	var delta string
	if msg, ok := msgs[messageID]; ok {
		oldLen := len(partsText(msg.Parts))
		msg.Parts = parts
		msg.IsComplete = complete
		if len(content) > oldLen {
			delta = content[oldLen:]
		}
	} else {
		msgs[messageID] = &Message{
			MessageID:  messageID,
			SessionID:  sessionID,
			Role:       role,
			Parts:      parts,
			CreatedAt:  time.Now().UTC(),
			IsComplete: complete,
		}
		if sess, ok := s.sessions[sessionID]; ok {
			sess.MessageCount = len(msgs)
		}
	}

	if complete && role == "assistant" {
		if sess, ok := s.sessions[sessionID]; ok {
			if sess.Status == "active" {
				sess.Status = "completed"
			}
			sess.UpdatedAt = time.Now().UTC()
		}
	}
	s.mu.Unlock()

	if delta != "" {
		s.broadcast("opencode_message_chunk", map[string]any{
			"session_id":    sessionID,
			"message_id":    messageID,
			"content_delta": delta,
			"is_complete":   complete,
		})
	}
}

func (s *Source) onMessagePartUpdated(data map[string]any) {
	props := properties(data)

	sessionID := firstString(props, "sessionID", "session_id")
	if sessionID == "" {
		return
	}
	messageID := firstString(props, "messageID", "message_id", "id")
	if messageID == "" {
		messageID = firstString(asMap(props["info"]), "id")
	}
	if messageID == "" {
		messageID = "part_" + uuid.NewString()[:8]
	}

	part := asMap(props["part"])
	delta := firstString(props, "delta")
	if delta == "" {
		delta = firstString(part, "delta")
	}

	s.mu.Lock()
	if s.messages[sessionID] == nil {
		s.messages[sessionID] = make(map[string]*Message)
	}
	msg, ok := s.messages[sessionID][messageID]
	if !ok {
		role := firstString(props, "role")
		if role == "" {
			role = "assistant"
		}
		msg = &Message{
			MessageID: messageID,
			SessionID: sessionID,
			Role:      role,
			CreatedAt: time.Now().UTC(),
		}
		s.messages[sessionID][messageID] = msg
	}
	msg.Parts = append(msg.Parts, part)
	s.mu.Unlock()

	if delta != "" {
		s.broadcast("opencode_message_chunk", map[string]any{
			"session_id":    sessionID,
			"message_id":    messageID,
			"content_delta": delta,
			"is_complete":   false,
			"source_event":  "message.part.updated",
		})
	}
	if firstString(part, "type") == "tool" {
		s.broadcast("opencode_tool_updated", map[string]any{
			"session_id": sessionID,
			"message_id": messageID,
			"tool":       part["tool"],
			"status":     firstString(asMap(part["state"]), "status"),
			"part":       part,
		})
	}
}

func (s *Source) onPermissionUpdated(data map[string]any) {
	props := properties(data)
	s.broadcast("opencode_permission_updated", map[string]any{
		"title":      props["title"],
		"permission": props,
	})
}

func (s *Source) onSessionError(data map[string]any) {
	props := properties(data)
	sessionID := firstString(props, "sessionID", "session_id")
	if sessionID == "" {
		return
	}
	errText := firstString(props, "error")
	if errText == "" {
		errText = "Unknown error"
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.Status = "error"
	sess.UpdatedAt = time.Now().UTC()
	payload := map[string]any{
		"session_id": sessionID,
		"status":     "error",
		"error":      errText,
		"updated_at": sess.UpdatedAt.Format(time.RFC3339),
	}
	s.mu.Unlock()

	s.broadcast("opencode_session_updated", payload)
	slog.Error("session error", "source", s.name,
		"session", shorten(sessionID), "error", errText)
}

// ─── REST fallbacks ──────────────────────────────────────────────────────────

// FetchAllSessions loads the server's session list, tracking each entry.
func (s *Source) FetchAllSessions(ctx context.Context) ([]Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/session", nil)
	if err != nil {
		return nil, fmt.Errorf("ssemux: fetch sessions: %w", err)
	}
	resp, err := s.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ssemux: fetch sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ssemux: fetch sessions: HTTP %d", resp.StatusCode)
	}

	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("ssemux: fetch sessions: %w", err)
	}

	var out []Session
	s.mu.Lock()
	for _, entry := range raw {
		info := asMap(entry["info"])
		if len(info) == 0 {
			info = entry
		}
		sessionID := firstString(info, "id", "session_id")
		if sessionID == "" {
			continue
		}
		title := firstString(info, "title")
		agentName := firstString(info, "agent")
		if agentName == "" {
			agentName = "unknown"
		}
		if strings.HasPrefix(title, "Conversator:") {
			agentName = strings.TrimSpace(strings.TrimPrefix(title, "Conversator:"))
		}

		now := time.Now().UTC()
		sess := &Session{
			SessionID: sessionID,
			AgentName: agentName,
			Status:    "active",
			CreatedAt: now,
			UpdatedAt: now,
			Source:    classifySource(agentName),
		}
		s.sessions[sessionID] = sess
		out = append(out, *sess)
	}
	s.mu.Unlock()
	return out, nil
}

// FetchSessionMessages loads a session's message history, marking entries
// complete (history is never mid-stream).
func (s *Source) FetchSessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	url := fmt.Sprintf("%s/session/%s/message", s.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ssemux: fetch messages: %w", err)
	}
	resp, err := s.fetchClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ssemux: fetch messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ssemux: fetch messages: HTTP %d", resp.StatusCode)
	}

	var raw []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("ssemux: fetch messages: %w", err)
	}

	var out []Message
	s.mu.Lock()
	if s.messages[sessionID] == nil {
		s.messages[sessionID] = make(map[string]*Message)
	}
	for _, entry := range raw {
		info := asMap(entry["info"])
		if len(info) == 0 {
			info = entry
		}
		messageID := firstString(info, "id", "messageID")
		if messageID == "" {
			continue
		}
		role := firstString(info, "role")
		if role == "" {
			role = "unknown"
		}
		msg := &Message{
			MessageID:  messageID,
			SessionID:  sessionID,
			Role:       role,
			Parts:      asMapSlice(entry["parts"]),
			CreatedAt:  time.Now().UTC(),
			IsComplete: true,
		}
		s.messages[sessionID][messageID] = msg
		out = append(out, *msg)
	}
	s.mu.Unlock()
	return out, nil
}

// ─── payload helpers ─────────────────────────────────────────────────────────

// properties unwraps the optional {"properties": {...}} envelope.
func properties(data map[string]any) map[string]any {
	if p := asMap(data["properties"]); len(p) > 0 {
		return p
	}
	return data
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asMapSlice(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func statusType(v any) string {
	switch sv := v.(type) {
	case string:
		return sv
	case map[string]any:
		return firstString(sv, "type")
	}
	return ""
}

func partsText(parts []map[string]any) string {
	var b strings.Builder
	for _, p := range parts {
		typ := firstString(p, "type")
		text, hasText := p["text"].(string)
		if typ == "text" || (typ == "" && hasText) {
			b.WriteString(text)
		}
	}
	return b.String()
}

func isComplete(info map[string]any) bool {
	switch firstString(info, "status") {
	case "done", "complete", "finished", "success":
		return true
	}
	for _, key := range []string{"complete", "finished"} {
		if v, ok := info[key].(bool); ok && v {
			return true
		}
	}
	return false
}

func classifySource(agentName string) string {
	switch {
	case strings.HasPrefix(agentName, "cvtr-"):
		return SourceConversator
	case agentName == "build" || agentName == "builder":
		return SourceBuilder
	}
	return SourceExternal
}

func sessionDict(sess *Session) map[string]any {
	return map[string]any{
		"session_id":    sess.SessionID,
		"agent_name":    sess.AgentName,
		"status":        sess.Status,
		"created_at":    sess.CreatedAt.Format(time.RFC3339),
		"updated_at":    sess.UpdatedAt.Format(time.RFC3339),
		"task_id":       sess.TaskID,
		"message_count": sess.MessageCount,
		"source":        sess.Source,
	}
}

func shorten(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
