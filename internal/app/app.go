// Package app wires all Conversator subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects the
// subsystems, Run executes the core loops until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithModelSession,
// WithAmbient, WithSubagentClient). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/logabell/conversator/internal/builder"
	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/internal/dashboard"
	"github.com/logabell/conversator/internal/health"
	"github.com/logabell/conversator/internal/observe"
	"github.com/logabell/conversator/internal/prompt"
	"github.com/logabell/conversator/internal/relay"
	"github.com/logabell/conversator/internal/resilience"
	"github.com/logabell/conversator/internal/ssemux"
	"github.com/logabell/conversator/internal/store"
	"github.com/logabell/conversator/internal/subagent"
	"github.com/logabell/conversator/internal/supervise"
	"github.com/logabell/conversator/internal/tools"
	"github.com/logabell/conversator/pkg/provider/live"
	"github.com/logabell/conversator/pkg/voice"
)

// sessionTaskTitle names the task every voice session runs under.
const sessionTaskTitle = "Voice session"

// subagentHTTPTimeout bounds every request against the orchestration
// server, including the long message polls.
const subagentHTTPTimeout = 300 * time.Second

// monitorInterval is how often the builder monitor polls running tasks.
const monitorInterval = 5 * time.Second

// ModelSession is the slice of the live session the core loops consume.
// *live.Session implements it; tests use the live/mock package.
type ModelSession interface {
	Connect(ctx context.Context, tools []live.ToolDefinition, dispatcher live.Dispatcher, resumeHandle string) error
	SendAudio(pcm []byte) error
	SendAudioEnd() error
	SendText(text string) error
	ProcessResponses(ctx context.Context, onAudio func(pcm []byte), onText func(text string)) error
	Reconnect(ctx context.Context) bool
	Close() error

	OnInterrupt(fn func())
	OnInputTranscript(fn func(text string))

	Connected() bool
	Generating() bool
	ToolInFlight() bool
	LastTurnComplete() time.Time
	ResumeHandle() string
	Healthy(maxIdle time.Duration) bool
}

var _ ModelSession = (*live.Session)(nil)

// App owns all subsystem lifetimes and runs the voice orchestration
// loops.
type App struct {
	cfg    *config.Config
	source voice.Source
	logger *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	state        *store.Store
	prompts      *prompt.Manager
	agents       *subagent.Client
	builders     *builder.Registry
	monitor      *builder.Monitor
	relayState   *relay.State
	relay        *relay.Relay
	tools        *tools.Handler
	model        ModelSession
	ambient      voice.Ambient
	conversation *dashboard.ConversationLog
	hub          *dashboard.Hub
	dashboard    *dashboard.Server
	mux          *ssemux.Mux
	orchestrator *supervise.Supervisor

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithModelSession injects a model session instead of dialing the live API.
func WithModelSession(s ModelSession) Option {
	return func(a *App) { a.model = s }
}

// WithAmbient injects the waiting-music controller.
func WithAmbient(amb voice.Ambient) Option {
	return func(a *App) { a.ambient = amb }
}

// WithSubagentClient injects the orchestration-server client.
func WithSubagentClient(c *subagent.Client) Option {
	return func(a *App) { a.agents = c }
}

// WithStore injects an already-open event store.
func WithStore(s *store.Store) Option {
	return func(a *App) { a.state = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. apiKey is the
// speech-model credential; source is the single active audio source
// selected by the CLI.
func New(ctx context.Context, cfg *config.Config, apiKey string, source voice.Source, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		source: source,
		logger: slog.Default().With("component", "app"),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initAgents(); err != nil {
		return nil, fmt.Errorf("app: init agents: %w", err)
	}
	a.initBuilders()
	a.initRelay()
	a.initTools()
	if err := a.initModel(apiKey); err != nil {
		return nil, fmt.Errorf("app: init model: %w", err)
	}
	a.initSupervisor()
	if err := a.initDashboard(ctx); err != nil {
		return nil, fmt.Errorf("app: init dashboard: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore() error {
	if a.state == nil {
		st, err := store.Open(a.cfg.StatePath)
		if err != nil {
			return err
		}
		a.state = st
		a.closers = append(a.closers, st.Close)
	}
	a.prompts = prompt.NewManager(a.cfg.WorkspaceRoot, &storeSink{state: a.state})
	return nil
}

func (a *App) initAgents() error {
	a.conversation = dashboard.NewConversationLog(0)
	a.hub = dashboard.NewHub(slog.Default())

	if a.agents == nil {
		// Transport-level breaker: a dead orchestration server fails
		// fast instead of burning the 300s poll budget per call.
		tr := resilience.NewTransport(nil, resilience.CircuitBreakerConfig{Name: "orchestrator-http"})
		client, err := subagent.New(a.cfg.OrchestratorURL(),
			subagent.WithHTTPClient(&http.Client{Transport: tr, Timeout: subagentHTTPTimeout}))
		if err != nil {
			return err
		}
		a.agents = client
	}

	a.agents.SetActivityCallback(func(agent, phase, detail string) {
		a.hub.Broadcast("activity", map[string]any{
			"agent":  agent,
			"phase":  phase,
			"detail": detail,
		})
	})
	return nil
}

func (a *App) initBuilders() {
	a.builders = builder.NewRegistry()
	for name, bc := range a.cfg.Builders {
		c, err := builder.NewClient(name, a.cfg.BuilderURL(name), bc.Model)
		if err != nil {
			slog.Warn("skipping builder", "name", name, "error", err)
			continue
		}
		a.builders.Register(c)
	}
	a.monitor = builder.NewMonitor(a.state, a.builders, monitorInterval)
}

func (a *App) initRelay() {
	a.relayState = relay.NewState()
	a.relay = relay.NewRelay(a.relayState, a.agents, slog.Default())

	// Completed exchanges land in the inbox. Responses that were relayed
	// aloud (focused or only thread) are acknowledged right away so the
	// unread count only covers what the user has not heard.
	a.relay.SetResponseHook(func(t *relay.Thread, questionCount int) {
		severity := store.SeverityInfo
		if questionCount > 0 {
			severity = store.SeverityWarning
		}
		id, err := a.state.AddInboxItem(store.NewInboxItem(severity,
			fmt.Sprintf("%s replied on %s", t.Subagent, topicOr(t.Topic, "their thread")),
			map[string]any{"thread_id": t.ThreadID, "session_id": t.SessionID}))
		if err != nil {
			slog.Warn("inbox write failed", "thread", t.ThreadID, "error", err)
			return
		}
		focused := a.relayState.FocusedThread()
		if a.relayState.ThreadCount() == 1 || (focused != nil && focused.ThreadID == t.ThreadID) {
			if err := a.state.AcknowledgeInbox(id); err != nil {
				slog.Warn("inbox acknowledge failed", "inbox_id", id, "error", err)
			}
		}
	})
}

func (a *App) initTools() {
	a.tools = tools.NewHandler(tools.Deps{
		Config:   a.cfg,
		Store:    a.state,
		Prompts:  a.prompts,
		Agents:   a.agents,
		Builders: a.builders,
		Relay:    a.relay,
		Recorder: a.conversation,
		Logger:   slog.Default(),
	})
	if a.ambient == nil {
		a.ambient = &voice.NopAmbient{}
	}
}

func (a *App) initModel(apiKey string) error {
	if a.model != nil {
		return nil
	}
	instructions, err := a.systemInstructions()
	if err != nil {
		return err
	}
	opts := []live.Option{live.WithInstructions(instructions)}
	if a.cfg.Voice.Model != "" {
		opts = append(opts, live.WithModel(a.cfg.Voice.Model))
	}
	sess := live.New(apiKey, opts...)
	a.model = sess
	a.closers = append(a.closers, sess.Close)
	return nil
}

// systemInstructions loads the speech-model instructions file, or falls
// back to a minimal built-in prompt.
func (a *App) systemInstructions() (string, error) {
	if a.cfg.Voice.SystemPromptPath == "" {
		return defaultInstructions, nil
	}
	path := a.cfg.Voice.SystemPromptPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.cfg.WorkspaceRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt %q: %w", path, err)
	}
	return string(data), nil
}

const defaultInstructions = "You are Conversator, a voice assistant that coordinates " +
	"software work. Keep spoken replies short. Use the provided tools to inspect " +
	"projects, dispatch work to builders and relay messages to subagents."

func (a *App) initDashboard(ctx context.Context) error {
	a.mux = ssemux.NewMux(a.hub)
	a.mux.AddSource(ctx, "conversator", a.cfg.OrchestratorURL(), false)

	metricsHandler, otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "conversator",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelShutdown(shutCtx)
	})

	checks := health.New(
		health.Checker{Name: "store", Check: func(context.Context) error {
			_, err := a.state.GetTasks("", 1)
			return err
		}},
		health.Checker{Name: "orchestrator", Check: func(ctx context.Context) error {
			if !a.agents.Healthy(ctx) {
				return errors.New("orchestration server unreachable")
			}
			return nil
		}},
		health.Checker{Name: "model", Check: func(context.Context) error {
			if !a.model.Connected() {
				return errors.New("model session disconnected")
			}
			return nil
		}},
	)

	a.dashboard = dashboard.NewServer(dashboard.Deps{
		Config:         a.cfg,
		Store:          a.state,
		Conversation:   a.conversation,
		Hub:            a.hub,
		Builders:       a.builders,
		Agents:         a.agents,
		Orchestrator:   a.orchestrator,
		Mux:            a.mux,
		Logger:         slog.Default(),
		Health:         checks,
		Metrics:        metricsHandler,
		VoiceConnected: func() bool { return a.model.Connected() },
	})
	return nil
}

func (a *App) initSupervisor() {
	if !a.cfg.Orchestrator.AutoStart {
		return
	}
	a.orchestrator = supervise.New(supervise.Config{
		Name:         "orchestrator",
		Port:         a.cfg.Orchestrator.Port,
		WorkingDir:   a.cfg.WorkspaceRoot,
		ConfigDir:    joinWorkspace(a.cfg.WorkspaceRoot, a.cfg.Orchestrator.ConfigDir),
		AgentsSource: joinWorkspace(a.cfg.WorkspaceRoot, a.cfg.Orchestrator.AgentsSource),
		StartTimeout: time.Duration(a.cfg.Orchestrator.StartTimeout * float64(time.Second)),
	})
}

func joinWorkspace(workspace, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the orchestration server if managed, opens the model
// session, and drives the core loops until ctx is cancelled or any loop
// fails. Every loop exit is fatal.
func (a *App) Run(ctx context.Context) error {
	if a.orchestrator != nil {
		if err := a.orchestrator.Start(ctx); err != nil {
			return fmt.Errorf("app: start orchestration server: %w", err)
		}
		a.closers = append(a.closers, a.orchestrator.Stop)
	}

	if err := a.source.Start(ctx); err != nil {
		return fmt.Errorf("app: start audio source: %w", err)
	}
	defer a.source.Stop()

	if err := a.startSessionTask(); err != nil {
		return err
	}

	a.model.OnInterrupt(a.source.StopPlayback)
	a.model.OnInputTranscript(func(text string) {
		a.conversation.LogUserSpeech(text, 0, true)
		a.relayState.RecordUserSpeech(text, time.Now())
	})

	if err := a.model.Connect(ctx, a.toolDefinitions(), &toolDispatcher{app: a}, ""); err != nil {
		return fmt.Errorf("app: connect model: %w", err)
	}
	a.relayState.MarkSessionStarted()
	a.conversation.LogSystemEvent("voice session connected", "session")

	a.mux.StartAll(ctx)
	defer a.mux.StopAll()
	a.monitor.Start(ctx, a.onBuildCompletion)
	defer a.monitor.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.audioSendLoop(ctx) })
	g.Go(func() error { return a.responseLoop(ctx) })
	g.Go(func() error { return a.safePointLoop(ctx) })
	g.Go(func() error { return a.dashboard.Run(ctx) })

	slog.Info("conversator running",
		"dashboard_port", a.cfg.Dashboard.Port,
		"builders", a.builders.Len())
	return g.Wait()
}

// startSessionTask anchors the voice session on a task so prompt and
// dispatch tools have a target from the first utterance.
func (a *App) startSessionTask() error {
	taskID, err := a.state.CreateTask(sessionTaskTitle, "", "")
	if err != nil {
		return fmt.Errorf("app: create session task: %w", err)
	}
	if _, err := a.prompts.Init(taskID, sessionTaskTitle); err != nil {
		return fmt.Errorf("app: init session prompt: %w", err)
	}
	a.tools.SetCurrentTask(taskID)
	return nil
}

// toolDefinitions converts the declared tool surface into the live API
// declaration shape.
func (a *App) toolDefinitions() []live.ToolDefinition {
	defs := tools.Definitions()
	out := make([]live.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, live.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// onBuildCompletion turns monitor completions into spoken announcements.
func (a *App) onBuildCompletion(taskID, status, title string) {
	text := fmt.Sprintf("The build for %s finished.", titleOr(title, taskID))
	kind := relay.AnnounceInfo
	if status == "failed" {
		text = fmt.Sprintf("The build for %s failed. Details are in your inbox.", titleOr(title, taskID))
		kind = relay.AnnounceError
	}
	a.relayState.EnqueueAnnouncement(text, kind, "")
	a.hub.Broadcast("builder_status", map[string]any{
		"task_id": taskID,
		"status":  status,
		"title":   title,
	})
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects
// the context deadline: if ctx expires before all closers finish, the
// rest are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.model.Close(); err != nil {
			slog.Warn("model close error", "error", err)
		}
		if err := a.source.Stop(); err != nil {
			slog.Warn("audio source stop error", "error", err)
		}
		a.ambient.Stop()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// storeSink adapts the event store to the prompt manager's sink.
type storeSink struct {
	state *store.Store
}

func (s *storeSink) WorkingPromptUpdated(taskID, path, summary string) {
	if _, err := s.state.UpdateTaskStatus(taskID, store.EventWorkingPromptUpdated, map[string]any{
		"path":    path,
		"summary": summary,
	}); err != nil {
		slog.Warn("working prompt event failed", "task", taskID, "error", err)
	}
}

func (s *storeSink) HandoffFrozen(taskID, mdPath, jsonPath string) {
	if _, err := s.state.UpdateTaskStatus(taskID, store.EventHandoffFrozen, map[string]any{
		store.PayloadHandoffMDPath:   mdPath,
		store.PayloadHandoffJSONPath: jsonPath,
	}); err != nil {
		slog.Warn("handoff event failed", "task", taskID, "error", err)
	}
}

func topicOr(topic, fallback string) string {
	if topic != "" {
		return topic
	}
	return fallback
}

func titleOr(title, fallback string) string {
	if title != "" {
		return title
	}
	return fallback
}
