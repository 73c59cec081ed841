package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/logabell/conversator/internal/builder"
	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/internal/health"
	"github.com/logabell/conversator/internal/observe"
	"github.com/logabell/conversator/internal/ssemux"
	"github.com/logabell/conversator/internal/store"
	"github.com/logabell/conversator/internal/subagent"
	"github.com/logabell/conversator/internal/supervise"
)

// primarySourceName is the session source wired at startup; clients may
// register and remove extra sources but never this one.
const primarySourceName = "conversator"

// healthProbeTimeout bounds each upstream check in the health endpoints.
const healthProbeTimeout = 3 * time.Second

// Deps carries everything the dashboard server reads from.
type Deps struct {
	Config       *config.Config
	Store        *store.Store
	Conversation *ConversationLog
	Hub          *Hub
	Builders     *builder.Registry
	Agents       *subagent.Client
	Orchestrator *supervise.Supervisor
	Mux          *ssemux.Mux
	Logger       *slog.Logger

	// Health serves the liveness and readiness probes. Optional.
	Health *health.Handler

	// Metrics is the Prometheus scrape handler. Optional.
	Metrics http.Handler

	// VoiceConnected reports whether the speech session is live. Optional.
	VoiceConnected func() bool
}

// Server is the dashboard HTTP + WebSocket endpoint.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the server and wires live store and conversation
// updates into the WebSocket hub.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "dashboard"),
	}
	s.router = s.buildRouter()

	if deps.Store != nil && deps.Hub != nil {
		deps.Store.AddListener(func(e store.TaskEvent) {
			deps.Hub.Broadcast("task_event", map[string]any{
				"event_id": e.EventID,
				"type":     string(e.Type),
				"task_id":  e.TaskID,
				"payload":  e.Payload,
				"time":     e.Time.UTC().Format(time.RFC3339Nano),
			})
		})
	}
	if deps.Conversation != nil && deps.Hub != nil {
		deps.Conversation.AddListener(func(e Entry) {
			deps.Hub.Broadcast("conversation_entry", e.dict())
		})
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(observe.DefaultMetrics()))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.Healthz)
		r.Get("/readyz", s.deps.Health.Readyz)
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Get("/ws/events", s.deps.Hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/active", s.handleActiveTasks)
			r.Get("/{taskID}", s.handleGetTask)
			r.Get("/{taskID}/events", s.handleTaskEvents)
		})
		r.Route("/inbox", func(r chi.Router) {
			r.Get("/", s.handleListInbox)
			r.Get("/unread/count", s.handleUnreadCount)
			r.Post("/acknowledge", s.handleAcknowledge)
			r.Get("/{inboxID}", s.handleGetInboxItem)
		})
		r.Route("/builders", func(r chi.Router) {
			r.Get("/", s.handleListBuilders)
			r.Get("/health/all", s.handleBuilderHealth)
			r.Get("/{name}", s.handleGetBuilder)
		})
		r.Route("/events", func(r chi.Router) {
			r.Get("/recent", s.handleRecentEvents)
			r.Get("/conversation", s.handleConversation)
			r.Get("/conversation/transcript", s.handleTranscript)
			r.Get("/conversation/stats", s.handleConversationStats)
		})
		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.handleSystemHealth)
			r.Get("/config", s.handleSystemConfig)
			r.Get("/stats", s.handleSystemStats)
			r.Get("/ws/status", s.handleWSStatus)
			r.Get("/events/timeline", s.handleTimeline)
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/sources", s.handleListSources)
			r.Post("/sources/register", s.handleRegisterSource)
			r.Delete("/sources/{name}", s.handleDeregisterSource)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Get("/{sessionID}/messages", s.handleSessionMessages)
			r.Post("/{sessionID}/refresh", s.handleRefreshSession)
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.deps.Config.Dashboard.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.deps.Hub.CloseAll()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("dashboard: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard: serve: %w", err)
	}
}

// ─── Response helpers ────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func queryList(r *http.Request, key string) []string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := store.TaskStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	tasks, err := s.deps.Store.GetTasks(status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.GetActiveTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.deps.Store.GetTask(taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found: "+taskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.deps.Store.GetEvents(store.EventFilter{TaskID: taskID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "events": events})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	events, err := s.deps.Store.GetEvents(store.EventFilter{
		TaskID:  taskID,
		AfterID: queryInt64(r, "after_id", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// ─── Inbox ───────────────────────────────────────────────────────────────────

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.GetInbox(store.InboxFilter{
		UnreadOnly: queryBool(r, "unread_only"),
		Severity:   store.Severity(r.URL.Query().Get("severity")),
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unread, err := s.unreadCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        items,
		"count":        len(items),
		"unread_count": unread,
	})
}

func (s *Server) unreadCount() (int, error) {
	items, err := s.deps.Store.GetInbox(store.InboxFilter{UnreadOnly: true, Limit: 1000})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	unread, err := s.unreadCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread_count": unread})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InboxIDs []string `json:"inbox_ids"`
	}
	if r.Body != nil {
		// An empty body means "acknowledge everything".
		json.NewDecoder(r.Body).Decode(&req)
	}

	if len(req.InboxIDs) == 0 {
		n, err := s.deps.Store.AcknowledgeAllInbox()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": n})
		return
	}

	acked := 0
	for _, id := range req.InboxIDs {
		if err := s.deps.Store.AcknowledgeInbox(id); err == nil {
			acked++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": acked})
}

func (s *Server) handleGetInboxItem(w http.ResponseWriter, r *http.Request) {
	inboxID := chi.URLParam(r, "inboxID")
	items, err := s.deps.Store.GetInbox(store.InboxFilter{Limit: 1000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, item := range items {
		if item.InboxID == inboxID {
			writeJSON(w, http.StatusOK, item)
			return
		}
	}
	writeError(w, http.StatusNotFound, "inbox item not found: "+inboxID)
}

// ─── Builders ────────────────────────────────────────────────────────────────

func (s *Server) handleListBuilders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	health := s.deps.Builders.HealthCheckAll(ctx)

	var out []map[string]any
	for name, bc := range s.deps.Config.Builders {
		entry := map[string]any{
			"name":  name,
			"type":  bc.Type,
			"port":  bc.Port,
			"model": bc.Model,
		}
		if c := s.deps.Builders.Get(name); c != nil {
			entry["healthy"] = health[name]
			entry["active_tasks"] = len(c.ActiveSessions())
		} else {
			entry["healthy"] = false
			entry["active_tasks"] = 0
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) < out[j]["name"].(string)
	})
	writeJSON(w, http.StatusOK, map[string]any{"builders": out, "count": len(out)})
}

func (s *Server) handleBuilderHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.deps.Builders.HealthCheckAll(ctx))
}

func (s *Server) handleGetBuilder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	bc, configured := s.deps.Config.Builders[name]
	if !configured {
		writeError(w, http.StatusNotFound, "builder not found: "+name)
		return
	}

	entry := map[string]any{
		"name":  name,
		"type":  bc.Type,
		"port":  bc.Port,
		"model": bc.Model,
	}
	if c := s.deps.Builders.Get(name); c != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		entry["healthy"] = c.Healthy(ctx)
		entry["active_sessions"] = c.ActiveSessions()
		entry["plan_sessions"] = c.PlanSessions()
	} else {
		entry["healthy"] = false
		entry["active_sessions"] = []string{}
		entry["plan_sessions"] = []string{}
	}
	writeJSON(w, http.StatusOK, entry)
}

// ─── Events ──────────────────────────────────────────────────────────────────

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(store.EventFilter{
		AfterID: queryInt64(r, "after_id", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var latest int64
	if len(events) > 0 {
		latest = events[len(events)-1].EventID
	}
	if limit := queryInt(r, "limit", 100); len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"count":     len(events),
		"latest_id": latest,
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Conversation.Entries(
		queryInt(r, "limit", 100),
		queryInt(r, "offset", 0),
		queryList(r, "roles"),
	)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	count := queryInt(r, "count", 50)
	writeJSON(w, http.StatusOK, map[string]any{
		"transcript": s.deps.Conversation.RecentTranscript(count),
	})
}

func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Conversation.Entries(10000, 0, nil)
	byRole := map[string]int{}
	toolsCompleted, toolsFailed := 0, 0
	for _, e := range entries {
		byRole[e.Role]++
		if e.Role == RoleToolCall || e.Role == RoleToolResult {
			switch {
			case e.ToolError != "":
				toolsFailed++
			case e.DurationMS > 0:
				toolsCompleted++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_entries":   len(entries),
		"by_role":         byRole,
		"tools_completed": toolsCompleted,
		"tools_failed":    toolsFailed,
	})
}

// ─── System ──────────────────────────────────────────────────────────────────

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	degraded := false
	components := map[string]any{}

	// Prefer the supervisor's view; fall back to asking the orchestration
	// server directly when the process is externally managed.
	var orchHealthy bool
	switch {
	case s.deps.Orchestrator != nil:
		orchHealthy = s.deps.Orchestrator.Healthy(ctx)
	case s.deps.Agents != nil:
		orchHealthy = s.deps.Agents.Healthy(ctx)
	}
	orchStatus := "healthy"
	if !orchHealthy {
		orchStatus = "unreachable"
		degraded = true
	}
	orch := map[string]any{
		"status": orchStatus,
		"port":   s.deps.Config.Orchestrator.Port,
	}
	if s.deps.Orchestrator != nil {
		orch["managed"] = s.deps.Orchestrator.Managed()
		orch["running"] = s.deps.Orchestrator.Running()
	}
	components["opencode_orchestration"] = orch

	voice := "disconnected"
	if s.deps.VoiceConnected != nil && s.deps.VoiceConnected() {
		voice = "connected"
	}
	components["gemini_live"] = map[string]any{"status": voice}

	storeStatus := "healthy"
	if _, err := s.deps.Store.GetTasks("", 1); err != nil {
		storeStatus = "error"
		degraded = true
	}
	components["state_store"] = map[string]any{
		"status": storeStatus,
		"path":   s.deps.Config.StatePath,
	}

	health := s.deps.Builders.HealthCheckAll(ctx)
	builders := map[string]string{}
	for name := range s.deps.Config.Builders {
		switch {
		case s.deps.Builders.Get(name) == nil:
			// Configured but never started; expected, does not degrade.
			builders[name] = "not_started"
		case health[name]:
			builders[name] = "healthy"
		default:
			builders[name] = "unreachable"
			degraded = true
		}
	}
	components["builders"] = builders

	components["websocket"] = map[string]any{
		"active_connections": s.deps.Hub.Count(),
	}
	components["config"] = map[string]any{"status": "loaded"}

	overall := "healthy"
	if degraded {
		overall = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     overall,
		"components": components,
		"checked_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleSystemConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config
	builders := map[string]any{}
	for name, bc := range cfg.Builders {
		builders[name] = map[string]any{"type": bc.Type, "port": bc.Port, "model": bc.Model}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_root": cfg.WorkspaceRoot,
		"state_path":     cfg.StatePath,
		"orchestrator": map[string]any{
			"port":       cfg.Orchestrator.Port,
			"auto_start": cfg.Orchestrator.AutoStart,
		},
		"builders":  builders,
		"dashboard": map[string]any{"port": cfg.Dashboard.Port},
		"voice":     map[string]any{"model": cfg.Voice.Model},
	})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.GetTasks("", 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byStatus := map[string]int{}
	for _, t := range tasks {
		byStatus[string(t.Status)]++
	}

	items, err := s.deps.Store.GetInbox(store.InboxFilter{Limit: 1000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	bySeverity := map[string]int{}
	unread := 0
	for _, item := range items {
		bySeverity[string(item.Severity)]++
		if item.AcknowledgedAt == nil {
			unread++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": map[string]any{"total": len(tasks), "by_status": byStatus},
		"inbox": map[string]any{
			"total":       len(items),
			"by_severity": bySeverity,
			"unread":      unread,
		},
		"conversation": map[string]any{"entries": s.deps.Conversation.Len()},
	})
}

func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_connections": s.deps.Hub.Count(),
	})
}

// timelineItem is one merged row of the unified activity feed.
type timelineItem struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	types := queryList(r, "types")
	want := map[string]bool{}
	for _, t := range types {
		want[t] = true
	}
	include := func(t string) bool { return len(want) == 0 || want[t] }

	var items []timelineItem
	if include("task_event") {
		events, err := s.deps.Store.GetEvents(store.EventFilter{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, e := range events {
			items = append(items, timelineItem{
				ID:   fmt.Sprintf("task-%d", e.EventID),
				Type: "task_event",
				Time: e.Time,
				Data: map[string]any{
					"event_type": string(e.Type),
					"task_id":    e.TaskID,
					"payload":    e.Payload,
				},
			})
		}
	}
	if include("conversation") {
		for _, e := range s.deps.Conversation.Entries(limit, 0, nil) {
			items = append(items, timelineItem{
				ID:   fmt.Sprintf("conv-%d", e.EntryID),
				Type: "conversation",
				Time: e.Timestamp,
				Data: map[string]any{
					"role":    e.Role,
					"content": e.Content,
				},
			})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Time.After(items[j].Time) })
	if len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// ─── Sessions ────────────────────────────────────────────────────────────────

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Mux.AggregatedSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Mux.ConnectionStatus())
}

func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		BaseURL string `json:"base_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "name and base_url are required")
		return
	}
	if req.Name == primarySourceName {
		writeError(w, http.StatusConflict, "source name is reserved: "+req.Name)
		return
	}

	s.deps.Mux.AddSource(context.Background(), req.Name, req.BaseURL, true)
	s.deps.Hub.Broadcast("source_registered", map[string]any{
		"name":     req.Name,
		"base_url": req.BaseURL,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"registered": req.Name})
}

func (s *Server) handleDeregisterSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == primarySourceName {
		writeError(w, http.StatusForbidden, "cannot remove the primary source")
		return
	}
	s.deps.Mux.RemoveSource(name)
	s.deps.Hub.Broadcast("source_deregistered", map[string]any{"name": name})
	writeJSON(w, http.StatusOK, map[string]any{"deregistered": name})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	instance, sess, ok := s.deps.Mux.FindSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}
	writeJSON(w, http.StatusOK, ssemux.AggregatedSession{Session: sess, Instance: instance})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, _, ok := s.deps.Mux.FindSession(sessionID); !ok {
		writeError(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}
	msgs := s.deps.Mux.SessionMessages(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	msgs, err := s.deps.Mux.FetchSessionMessages(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}
