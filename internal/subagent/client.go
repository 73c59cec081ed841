// Package subagent provides the HTTP client used to converse with the
// orchestration server's agents (planner, context-reader, brainstormer,
// summarizer).
//
// The server exposes the session API: POST /session creates a session,
// POST /session/{id}/prompt_async submits a prompt without blocking, and
// GET /session/{id}/message lists the accumulated messages. Because the
// prompt endpoint is asynchronous, the client polls the message list until
// the assistant's reply is complete, streaming growing snapshots to the
// caller as it goes.
package subagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/logabell/conversator/internal/observe"
	"github.com/logabell/conversator/internal/resilience"
)

// ErrRemote is returned when a session message carries a server-side error
// payload. The poll loop terminates the turn when it sees one.
var ErrRemote = errors.New("subagent: remote error")

const (
	pollInitial = 500 * time.Millisecond
	pollFactor  = 1.2
	pollMax     = 2 * time.Second
	pollTimeout = 120 * time.Second

	// stablePollsDone is the heuristic completion fallback for servers that
	// never report a status: once the assistant text length has not changed
	// for this many consecutive polls, the turn is considered finished.
	stablePollsDone = 12
)

// EventType classifies events emitted while a subagent turn is in flight.
type EventType string

const (
	EventMessage  EventType = "message"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one update from an in-flight subagent turn. Message events carry
// the full accumulated assistant text so far; the final Complete event
// additionally reports the turn duration.
type Event struct {
	Type     EventType
	Content  string
	Duration time.Duration
}

// Activity phases reported through the activity callback, used to drive
// voice-side progress announcements.
const (
	ActivityStarted     = "started"
	ActivityRequestSent = "request_sent"
	ActivityCompleted   = "completed"
	ActivityError       = "error"
)

// ActivityFunc receives coarse progress notifications for a turn.
type ActivityFunc func(agent, phase, detail string)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPollTiming overrides the poll cadence, mainly for tests.
func WithPollTiming(initial, max, timeout time.Duration) Option {
	return func(c *Client) {
		c.pollInitial = initial
		c.pollMax = max
		c.pollTimeout = timeout
	}
}

// Client talks to one orchestration server. It caches one session per agent
// name so follow-up messages continue the same conversation. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker

	pollInitial time.Duration
	pollMax     time.Duration
	pollTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]string // agent name -> session id
	activity ActivityFunc
}

// New creates a Client for the orchestration server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("subagent: baseURL must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 300 * time.Second},
		breaker:     resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "subagent"}),
		pollInitial: pollInitial,
		pollMax:     pollMax,
		pollTimeout: pollTimeout,
		sessions:    make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetActivityCallback registers cb to receive turn progress notifications.
// Passing nil disables reporting.
func (c *Client) SetActivityCallback(cb ActivityFunc) {
	c.mu.Lock()
	c.activity = cb
	c.mu.Unlock()
}

func (c *Client) report(agent, phase, detail string) {
	c.mu.Lock()
	cb := c.activity
	c.mu.Unlock()
	if cb != nil {
		cb(agent, phase, detail)
	}
}

// Healthy reports whether the server answers its agent listing endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agent", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListAgents returns the agents the server advertises.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agent", nil)
	if err != nil {
		return nil, fmt.Errorf("subagent: list agents: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subagent: list agents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subagent: list agents: HTTP %d", resp.StatusCode)
	}
	var agents []AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return nil, fmt.Errorf("subagent: list agents: %w", err)
	}
	return agents, nil
}

// AgentInfo describes one agent the orchestration server hosts.
type AgentInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SessionID returns the cached session id for an agent, if any.
func (c *Client) SessionID(agent string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessions[agent]
	return id, ok
}

// ClearSession drops the cached session for an agent; the next Engage call
// starts a fresh conversation.
func (c *Client) ClearSession(agent string) {
	c.mu.Lock()
	delete(c.sessions, agent)
	c.mu.Unlock()
}

// Engage starts (or restarts) a conversation with the named agent and
// streams the reply on the returned channel. The first message to a fresh
// session carries an @agent mention so the server routes it.
//
// The channel is closed once the turn completes, errors, or ctx is done.
func (c *Client) Engage(ctx context.Context, agent, message string) (<-chan Event, error) {
	c.mu.Lock()
	sessionID, ok := c.sessions[agent]
	c.mu.Unlock()

	if !ok {
		id, err := c.createSession(ctx, "Conversator: "+agent)
		if err != nil {
			c.report(agent, ActivityError, err.Error())
			return nil, err
		}
		sessionID = id
		c.mu.Lock()
		c.sessions[agent] = sessionID
		c.mu.Unlock()
		message = "@" + agent + " " + message
	}

	return c.runTurn(ctx, agent, sessionID, message)
}

// Continue sends a follow-up message on the agent's existing session,
// falling back to Engage when no session is cached yet.
func (c *Client) Continue(ctx context.Context, agent, message string) (<-chan Event, error) {
	c.mu.Lock()
	sessionID, ok := c.sessions[agent]
	c.mu.Unlock()
	if !ok {
		return c.Engage(ctx, agent, message)
	}
	return c.runTurn(ctx, agent, sessionID, message)
}

// ContinueSession sends a message on an explicit session id, bypassing the
// per-agent cache. Used by thread-based relays that track sessions
// themselves.
func (c *Client) ContinueSession(ctx context.Context, sessionID, agent, message string) (<-chan Event, error) {
	return c.runTurn(ctx, agent, sessionID, message)
}

func (c *Client) runTurn(ctx context.Context, agent, sessionID, message string) (<-chan Event, error) {
	c.report(agent, ActivityStarted, "")

	baseline, err := c.assistantIDs(ctx, sessionID)
	if err != nil {
		c.report(agent, ActivityError, err.Error())
		return nil, err
	}

	if err := c.sendPrompt(ctx, sessionID, agent, message); err != nil {
		c.report(agent, ActivityError, err.Error())
		return nil, err
	}
	c.report(agent, ActivityRequestSent, "")

	events := make(chan Event, 16)
	go c.pollLoop(ctx, agent, sessionID, baseline, events)
	return events, nil
}

// pollLoop watches the session's message list until the assistant reply
// that appeared after the baseline snapshot is complete.
func (c *Client) pollLoop(ctx context.Context, agent, sessionID string, baseline map[string]bool, events chan<- Event) {
	defer close(events)

	start := time.Now()
	interval := c.pollInitial
	deadline := start.Add(c.pollTimeout)

	var (
		activeID    string
		lastText    string
		stableCount int
	)

	fail := func(msg string) {
		c.report(agent, ActivityError, msg)
		events <- Event{Type: EventError, Content: msg}
	}

	for {
		select {
		case <-ctx.Done():
			fail(ctx.Err().Error())
			return
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			fail("timed out waiting for subagent response")
			return
		}

		msgs, err := c.messages(ctx, sessionID)
		if err != nil {
			// Transient; keep polling until the deadline.
			interval = nextInterval(interval, c.pollMax)
			continue
		}

		var active *sessionMessage
		for i := range msgs {
			m := &msgs[i]
			if m.errorText() != "" {
				fail(fmt.Sprintf("%v: %s", ErrRemote, m.errorText()))
				return
			}
			if m.role() != "assistant" || baseline[m.id()] {
				continue
			}
			// Stick to the earliest new assistant message for this turn.
			if activeID == "" || m.id() == activeID {
				active = m
				if activeID == "" {
					activeID = m.id()
				}
				break
			}
		}

		if active != nil {
			text := active.text()
			if text != lastText {
				lastText = text
				stableCount = 0
				events <- Event{Type: EventMessage, Content: text}
			} else {
				stableCount++
			}

			done := active.finished()
			if !done && active.status() == "" && lastText != "" && stableCount >= stablePollsDone {
				done = true
			}
			if done {
				c.report(agent, ActivityCompleted, "")
				observe.DefaultMetrics().RecordSubagentPoll(ctx, agent, time.Since(start))
				events <- Event{Type: EventComplete, Content: lastText, Duration: time.Since(start)}
				return
			}
		}

		interval = nextInterval(interval, c.pollMax)
	}
}

func nextInterval(cur, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * pollFactor)
	if next > max {
		return max
	}
	return next
}

// ─── HTTP plumbing ───────────────────────────────────────────────────────────

func (c *Client) createSession(ctx context.Context, title string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})

	var sessionID string
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("subagent: create session: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("subagent: create session: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("subagent: create session: HTTP %d", resp.StatusCode)
		}

		var session struct {
			ID        string `json:"id"`
			SessionID string `json:"session_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return fmt.Errorf("subagent: create session: %w", err)
		}
		sessionID = session.ID
		if sessionID == "" {
			sessionID = session.SessionID
		}
		if sessionID == "" {
			return errors.New("subagent: create session: response carried no id")
		}
		return nil
	})
	return sessionID, err
}

func (c *Client) sendPrompt(ctx context.Context, sessionID, agent, message string) error {
	payload := map[string]any{
		"agent": agent,
		"parts": []map[string]string{{"type": "text", "text": message}},
	}
	body, _ := json.Marshal(payload)

	return c.breaker.Execute(func() error {
		url := fmt.Sprintf("%s/session/%s/prompt_async", c.baseURL, sessionID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("subagent: send prompt: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("subagent: send prompt: %w", err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
			return nil
		}
		return fmt.Errorf("subagent: send prompt: HTTP %d", resp.StatusCode)
	})
}

func (c *Client) messages(ctx context.Context, sessionID string) ([]sessionMessage, error) {
	url := fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("subagent: list messages: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subagent: list messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subagent: list messages: HTTP %d", resp.StatusCode)
	}
	var msgs []sessionMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("subagent: list messages: %w", err)
	}
	return msgs, nil
}

func (c *Client) assistantIDs(ctx context.Context, sessionID string) (map[string]bool, error) {
	msgs, err := c.messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for i := range msgs {
		if msgs[i].role() == "assistant" {
			ids[msgs[i].id()] = true
		}
	}
	return ids, nil
}

// ─── wire shapes ─────────────────────────────────────────────────────────────

// sessionMessage tolerates both flat messages and the wrapped shape where
// metadata lives under an "info" object.
type sessionMessage struct {
	ID    string         `json:"id"`
	Role  string         `json:"role"`
	Info  map[string]any `json:"info"`
	Parts []messagePart  `json:"parts"`
	Error string         `json:"error"`
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m *sessionMessage) field(key string) string {
	if m.Info != nil {
		if v, ok := m.Info[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (m *sessionMessage) id() string {
	if v := m.field("id"); v != "" {
		return v
	}
	return m.ID
}

func (m *sessionMessage) role() string {
	if v := m.field("role"); v != "" {
		return v
	}
	return m.Role
}

func (m *sessionMessage) status() string {
	return m.field("status")
}

func (m *sessionMessage) errorText() string {
	if m.Error != "" {
		return m.Error
	}
	if m.Info != nil {
		if e, ok := m.Info["error"].(map[string]any); ok {
			if msg, ok := e["message"].(string); ok {
				return msg
			}
			return "unknown remote error"
		}
		if msg, ok := m.Info["error"].(string); ok {
			return msg
		}
	}
	return ""
}

// finished reports whether the server explicitly marked the message done.
func (m *sessionMessage) finished() bool {
	switch m.status() {
	case "done", "complete", "finished", "success":
		return true
	}
	if m.Info != nil {
		for _, key := range []string{"complete", "finished"} {
			if v, ok := m.Info[key].(bool); ok && v {
				return true
			}
		}
		// An assistant message with a recorded completion timestamp is done.
		if _, ok := m.Info["time"].(map[string]any); ok {
			if t := m.Info["time"].(map[string]any); t["completed"] != nil {
				return true
			}
		}
	}
	return false
}

// text returns the concatenated text parts of the message.
func (m *sessionMessage) text() string {
	var b []byte
	for _, p := range m.Parts {
		if p.Type == "text" {
			b = append(b, p.Text...)
		}
	}
	return string(b)
}
