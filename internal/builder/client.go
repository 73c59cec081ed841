// Package builder provides HTTP clients for code-writing backend servers
// and the background monitor that watches dispatched tasks to completion.
//
// A builder server exposes the same session API as the orchestration
// server plus POST /session/{id}/abort. Tasks are dispatched either
// directly to the "build" agent or in plan mode, where the "plan" agent
// drafts an approach the user reviews before approving the build.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/logabell/conversator/internal/resilience"
)

// ErrNoSession is returned when an operation references a task with no
// live builder session.
var ErrNoSession = errors.New("builder: no session for task")

// Dispatch describes the outcome of sending a task to a builder.
type Dispatch struct {
	SessionID      string `json:"session_id"`
	Mode           string `json:"mode,omitempty"`
	AwaitingReview bool   `json:"awaiting_review,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client talks to one builder server. It tracks which session belongs to
// which task, keeping plan-mode sessions separate from active build
// sessions until the plan is approved. Safe for concurrent use.
type Client struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker

	mu          sync.Mutex
	active      map[string]string // task id -> session id (building)
	planning    map[string]string // task id -> session id (plan review)
	directories map[string]string // task id -> project root
}

// NewClient creates a client for the named builder at baseURL.
func NewClient(name, baseURL, model string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("builder: baseURL must not be empty")
	}
	c := &Client{
		name:    name,
		baseURL: baseURL,
		model:   model,
		// Builds run long; the timeout covers a single HTTP exchange, not
		// the build itself.
		httpClient:  &http.Client{Timeout: 600 * time.Second},
		breaker:     resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "builder-" + name}),
		active:      make(map[string]string),
		planning:    make(map[string]string),
		directories: make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name returns the builder's configured name.
func (c *Client) Name() string { return c.name }

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

// SessionFor returns the session id currently serving a task, if any.
func (c *Client) SessionFor(taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.active[taskID]; ok {
		return id, true
	}
	id, ok := c.planning[taskID]
	return id, ok
}

// ActiveSessions lists the task ids with a live build session.
func (c *Client) ActiveSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for taskID := range c.active {
		out = append(out, taskID)
	}
	return out
}

// PlanSessions lists the task ids with a plan awaiting review.
func (c *Client) PlanSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.planning))
	for taskID := range c.planning {
		out = append(out, taskID)
	}
	return out
}

// projectPreamble is prepended to every dispatched prompt so the builder
// works in the right directory.
func projectPreamble(projectRoot string) string {
	return fmt.Sprintf(`## Project Context
Working directory: %s
All file operations should be relative to this directory.

---

`, projectRoot)
}

// DispatchTask sends the frozen handoff prompt at promptPath to the
// builder's "build" agent. projectRoot, when set, is passed as the session
// working directory and prepended to the prompt as context.
func (c *Client) DispatchTask(ctx context.Context, taskID, promptPath, projectRoot string) (*Dispatch, error) {
	return c.dispatch(ctx, taskID, promptPath, projectRoot, "build")
}

// DispatchPlan sends the prompt to the builder's "plan" agent. The
// resulting session awaits user review before any code is written.
func (c *Client) DispatchPlan(ctx context.Context, taskID, promptPath, projectRoot string) (*Dispatch, error) {
	d, err := c.dispatch(ctx, taskID, promptPath, projectRoot, "plan")
	if err != nil {
		return nil, err
	}
	d.Mode = "plan"
	d.AwaitingReview = true
	return d, nil
}

func (c *Client) dispatch(ctx context.Context, taskID, promptPath, projectRoot, agent string) (*Dispatch, error) {
	raw, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, fmt.Errorf("builder: read prompt: %w", err)
	}
	prompt := string(raw)
	if projectRoot != "" {
		prompt = projectPreamble(projectRoot) + prompt
		c.mu.Lock()
		c.directories[taskID] = projectRoot
		c.mu.Unlock()
	}

	titlePrefix := "Task"
	if agent == "plan" {
		titlePrefix = "Plan"
	}
	sessionID, err := c.createSession(ctx, fmt.Sprintf("%s: %s", titlePrefix, shortID(taskID)), projectRoot)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if agent == "plan" {
		c.planning[taskID] = sessionID
	} else {
		c.active[taskID] = sessionID
	}
	c.mu.Unlock()

	if err := c.promptAsync(ctx, sessionID, agent, prompt, projectRoot); err != nil {
		return nil, fmt.Errorf("builder: send prompt: %w", err)
	}
	return &Dispatch{SessionID: sessionID}, nil
}

// ApproveAndBuild tells a plan-mode session to implement its plan,
// optionally with user modifications, and promotes the session to active.
func (c *Client) ApproveAndBuild(ctx context.Context, taskID, modifications string) (*Dispatch, error) {
	c.mu.Lock()
	sessionID, ok := c.planning[taskID]
	dir := c.directories[taskID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (plan mode)", ErrNoSession, taskID)
	}

	msg := "implement the plan"
	if modifications != "" {
		msg = fmt.Sprintf("implement the plan\n\nModifications:\n%s", modifications)
	}
	if err := c.promptAsync(ctx, sessionID, "build", msg, dir); err != nil {
		return nil, fmt.Errorf("builder: send approval: %w", err)
	}

	c.mu.Lock()
	c.active[taskID] = sessionID
	delete(c.planning, taskID)
	c.mu.Unlock()
	return &Dispatch{SessionID: sessionID}, nil
}

// PlanResponse returns the latest assistant text from the task's session,
// i.e. the drafted plan awaiting review.
func (c *Client) PlanResponse(ctx context.Context, taskID string) (string, error) {
	c.mu.Lock()
	sessionID, ok := c.planning[taskID]
	if !ok {
		sessionID, ok = c.active[taskID]
	}
	dir := c.directories[taskID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSession, taskID)
	}

	msgs, err := c.sessionMessages(ctx, sessionID, dir)
	if err != nil {
		return "", err
	}

	var plan string
	for _, m := range msgs {
		if m.role() != "assistant" {
			continue
		}
		if text := m.text(); text != "" {
			plan = text
		}
	}
	if plan == "" {
		return "", errors.New("builder: no plan content found in session")
	}
	return plan, nil
}

// SendToTask sends a message into the task's session synchronously and
// returns the assistant's reply. Plan-mode sessions default to the "plan"
// agent, active ones to "build"; agent overrides both when non-empty.
func (c *Client) SendToTask(ctx context.Context, taskID, message, agent string) (string, error) {
	c.mu.Lock()
	sessionID, defaultAgent := "", "build"
	if id, ok := c.planning[taskID]; ok {
		sessionID, defaultAgent = id, "plan"
	} else if id, ok := c.active[taskID]; ok {
		sessionID = id
	}
	dir := c.directories[taskID]
	c.mu.Unlock()
	if sessionID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSession, taskID)
	}
	if agent == "" {
		agent = defaultAgent
	}

	payload, _ := json.Marshal(map[string]any{
		"agent": agent,
		"parts": []map[string]string{{"type": "text", "text": message}},
	})
	u := c.sessionURL(sessionID, "message", dir)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("builder: send message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("builder: send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("builder: send message: HTTP %d", resp.StatusCode)
	}

	var reply sessionMessage
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("builder: send message: %w", err)
	}
	return reply.text(), nil
}

// SessionStatus returns the builder-reported status for a task's session,
// or "" when unknown.
func (c *Client) SessionStatus(ctx context.Context, taskID string) string {
	sessionID, ok := c.SessionFor(taskID)
	if !ok {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/status", nil)
	if err != nil {
		return ""
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var statuses map[string]struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return ""
	}
	return statuses[sessionID].Type
}

// SessionMessages returns the task session's message history as raw maps
// for the dashboard.
func (c *Client) SessionMessages(ctx context.Context, taskID string) ([]map[string]any, error) {
	sessionID, ok := c.SessionFor(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, taskID)
	}
	c.mu.Lock()
	dir := c.directories[taskID]
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(sessionID, "message", dir), nil)
	if err != nil {
		return nil, fmt.Errorf("builder: list messages: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("builder: list messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("builder: list messages: HTTP %d", resp.StatusCode)
	}

	var msgs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("builder: list messages: %w", err)
	}
	return msgs, nil
}

// CancelSession aborts a task's running session and forgets the mappings.
func (c *Client) CancelSession(ctx context.Context, taskID string) error {
	sessionID, ok := c.SessionFor(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, taskID)
	}
	c.mu.Lock()
	dir := c.directories[taskID]
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(sessionID, "abort", dir), nil)
	if err != nil {
		return fmt.Errorf("builder: cancel: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("builder: cancel: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("builder: cancel: HTTP %d", resp.StatusCode)
	}

	c.mu.Lock()
	delete(c.active, taskID)
	delete(c.planning, taskID)
	delete(c.directories, taskID)
	c.mu.Unlock()
	return nil
}

// ─── HTTP plumbing ───────────────────────────────────────────────────────────

func (c *Client) sessionURL(sessionID, op, directory string) string {
	u := fmt.Sprintf("%s/session/%s/%s", c.baseURL, sessionID, op)
	if directory != "" {
		u += "?directory=" + url.QueryEscape(directory)
	}
	return u
}

func (c *Client) createSession(ctx context.Context, title, directory string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	u := c.baseURL + "/session"
	if directory != "" {
		u += "?directory=" + url.QueryEscape(directory)
	}

	var sessionID string
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("builder: create session: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("builder: create session: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("builder: create session: HTTP %d", resp.StatusCode)
		}

		var session struct {
			ID        string `json:"id"`
			SessionID string `json:"session_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return fmt.Errorf("builder: create session: %w", err)
		}
		sessionID = session.ID
		if sessionID == "" {
			sessionID = session.SessionID
		}
		if sessionID == "" {
			return errors.New("builder: create session: response carried no id")
		}
		return nil
	})
	return sessionID, err
}

func (c *Client) promptAsync(ctx context.Context, sessionID, agent, text, directory string) error {
	payload, _ := json.Marshal(map[string]any{
		"agent": agent,
		"parts": []map[string]string{{"type": "text", "text": text}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.sessionURL(sessionID, "prompt_async", directory), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) sessionMessages(ctx context.Context, sessionID, directory string) ([]sessionMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(sessionID, "message", directory), nil)
	if err != nil {
		return nil, fmt.Errorf("builder: list messages: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("builder: list messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("builder: list messages: HTTP %d", resp.StatusCode)
	}
	var msgs []sessionMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("builder: list messages: %w", err)
	}
	return msgs, nil
}

// sessionMessage tolerates both flat messages and the wrapped shape where
// metadata lives under an "info" object.
type sessionMessage struct {
	Role  string         `json:"role"`
	Info  map[string]any `json:"info"`
	Parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"parts"`
}

func (m *sessionMessage) role() string {
	if m.Info != nil {
		if r, ok := m.Info["role"].(string); ok && r != "" {
			return r
		}
	}
	return m.Role
}

func (m *sessionMessage) text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
