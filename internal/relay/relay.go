package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/logabell/conversator/internal/subagent"
)

// turnDebounce is the minimum quiet period after a model turn completes
// before an announcement may be spoken.
const turnDebounce = 200 * time.Millisecond

// waitPreamble is spoken once, before background audio starts, the first
// time a thread begins waiting.
const waitPreamble = "I've sent that off. I'll put on some music while we wait."

// SafePointInput captures the live-session facts that gate announcement
// delivery.
type SafePointInput struct {
	Generating       bool
	ToolInFlight     bool
	PlaybackComplete bool
	LastTurnComplete time.Time
}

// AtSafePoint reports whether an announcement may be interjected right
// now: the model must not be generating, no tool call may be in flight,
// playback must have drained, and at least the debounce interval must
// have passed since the last turn completed. A zero LastTurnComplete
// means no turn has finished yet and does not block delivery.
func AtSafePoint(in SafePointInput, now time.Time) bool {
	if in.Generating || in.ToolInFlight || !in.PlaybackComplete {
		return false
	}
	if !in.LastTurnComplete.IsZero() && now.Sub(in.LastTurnComplete) < turnDebounce {
		return false
	}
	return true
}

// Engager is the slice of the subagent client the relay needs. Separate
// so tests can script turns without an HTTP server.
type Engager interface {
	Engage(ctx context.Context, agent, message string) (<-chan subagent.Event, error)
	ContinueSession(ctx context.Context, sessionID, agent, message string) (<-chan subagent.Event, error)
	SessionID(agent string) (string, bool)
}

var _ Engager = (*subagent.Client)(nil)

// SendResult is returned to the caller immediately; the actual exchange
// runs in the background.
type SendResult struct {
	Status   string `json:"status"`
	ThreadID string `json:"thread_id"`
	Subagent string `json:"subagent"`
}

// Relay fans user messages out to subagent threads and funnels their
// responses back through the announcement queue. Responses for the
// focused (or only) thread are relayed in full; others get a short
// response_ready notice so the user can pull them when convenient.
type Relay struct {
	state  *State
	agents Engager
	logger *slog.Logger

	// onResponse, when set, observes every completed exchange (inbox
	// recording, dashboards). Called from the exchange goroutine.
	onResponse func(t *Thread, questionCount int)
}

// SetResponseHook registers an observer for completed exchanges.
func (r *Relay) SetResponseHook(fn func(t *Thread, questionCount int)) {
	r.onResponse = fn
}

// NewRelay wires a relay over the shared session state.
func NewRelay(state *State, agents Engager, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{state: state, agents: agents, logger: logger}
}

// State exposes the underlying session state.
func (r *Relay) State() *State { return r.state }

// SendToThread queues a message for a subagent thread and returns
// immediately. If threadID is empty a new thread is created for the
// named subagent (focused when it is the first). The thread is marked
// waiting, a wait preamble is queued the first time any thread waits,
// and a background goroutine runs the actual exchange.
func (r *Relay) SendToThread(ctx context.Context, threadID, agent, topic, message string) (SendResult, error) {
	var t *Thread
	if threadID != "" {
		t = r.state.Thread(threadID)
		if t == nil {
			return SendResult{}, fmt.Errorf("relay: unknown thread %q", threadID)
		}
	} else {
		if agent == "" {
			return SendResult{}, fmt.Errorf("relay: send needs a thread id or a subagent name")
		}
		sessionID, _ := r.agents.SessionID(agent)
		t = r.state.CreateThread(agent, topic, sessionID, r.state.ThreadCount() == 0)
	}

	r.state.UpdateThread(t.ThreadID, func(th *Thread) {
		th.Status = ThreadWaitingResponse
		th.LastUserMessage = message
		th.LastError = ""
	})
	r.state.SetThreadWaiting(t.ThreadID, true)

	if queued, _ := r.state.MusicPreamble(); !queued {
		r.state.MarkMusicPreambleQueued()
		r.state.EnqueueAnnouncement(waitPreamble, AnnounceWaitStarted, t.ThreadID)
	}

	go r.runExchange(ctx, t.ThreadID, t.Subagent, t.SessionID, message)

	return SendResult{Status: "queued", ThreadID: t.ThreadID, Subagent: t.Subagent}, nil
}

// runExchange performs the engage/continue turn and routes the outcome
// back into session state and the announcement queue.
func (r *Relay) runExchange(ctx context.Context, threadID, agent, sessionID, message string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("relay exchange panicked", "thread", threadID, "panic", p)
			r.failThread(threadID, agent, fmt.Sprintf("internal error: %v", p))
		}
	}()

	var (
		events <-chan subagent.Event
		err    error
	)
	if sessionID != "" {
		events, err = r.agents.ContinueSession(ctx, sessionID, agent, message)
	} else {
		events, err = r.agents.Engage(ctx, agent, message)
	}
	if err != nil {
		r.failThread(threadID, agent, err.Error())
		return
	}

	// Adopt the session the engage created so follow-ups continue it.
	if sessionID == "" {
		if id, ok := r.agents.SessionID(agent); ok {
			r.state.UpdateThread(threadID, func(th *Thread) { th.SessionID = id })
		}
	}

	var final string
	for ev := range events {
		switch ev.Type {
		case subagent.EventMessage, subagent.EventComplete:
			final = ev.Content
			if ev.Type == subagent.EventComplete {
				r.completeThread(threadID, agent, final)
				return
			}
		case subagent.EventError:
			r.failThread(threadID, agent, ev.Content)
			return
		}
	}
	// Channel closed without a terminal event (context cancellation).
	r.failThread(threadID, agent, "turn ended without a response")
}

func (r *Relay) completeThread(threadID, agent, response string) {
	r.state.SetThreadWaiting(threadID, false)
	if !r.state.AnyThreadWaiting() {
		r.state.ResetMusicPreamble()
	}

	questions := subagent.ParseQuestions(response)
	status := ThreadHasResponse
	if len(questions) > 0 {
		status = ThreadAwaitingUser
	}
	r.state.UpdateThread(threadID, func(th *Thread) {
		th.Status = status
		th.LastResponse = response
	})

	if len(questions) > 0 {
		t := r.state.Thread(threadID)
		conv := NewConversation(agent, t.SessionID, questions)
		r.state.SetConversation(conv)
	}

	if r.onResponse != nil {
		if t := r.state.Thread(threadID); t != nil {
			r.onResponse(t, len(questions))
		}
	}

	focused := r.state.FocusedThread()
	autoRelay := r.state.ThreadCount() == 1 || (focused != nil && focused.ThreadID == threadID)
	if autoRelay {
		r.state.EnqueueAnnouncement(relayText(agent, response), AnnounceInfo, threadID)
		return
	}

	t := r.state.Thread(threadID)
	topic := "their thread"
	if t != nil && t.Topic != "" {
		topic = t.Topic
	}
	r.state.EnqueueAnnouncement(
		fmt.Sprintf("%s has a response ready on %s. It's in your inbox when you want it.", agent, topic),
		AnnounceResponseReady, threadID)
}

func (r *Relay) failThread(threadID, agent, reason string) {
	r.state.SetThreadWaiting(threadID, false)
	if !r.state.AnyThreadWaiting() {
		r.state.ResetMusicPreamble()
	}
	r.state.UpdateThread(threadID, func(th *Thread) {
		th.Status = ThreadError
		th.LastError = reason
	})
	r.logger.Warn("subagent exchange failed", "thread", threadID, "agent", agent, "reason", reason)
	r.state.EnqueueAnnouncement(
		fmt.Sprintf("The %s hit a problem: %s", agent, shortenReason(reason)),
		AnnounceError, threadID)
}

// NextAnnouncement pops at most one queued announcement when the session
// is at a safe point. Call it on a short tick; one announcement per tick
// keeps interjections from piling up.
func (r *Relay) NextAnnouncement(in SafePointInput, now time.Time) (Announcement, bool) {
	if !AtSafePoint(in, now) {
		return Announcement{}, false
	}
	a, ok := r.state.PopAnnouncement()
	if !ok {
		return Announcement{}, false
	}
	if a.Kind == AnnounceWaitStarted {
		r.state.MarkMusicPreambleDelivered()
	}
	return a, true
}

// WaitingMusicShouldPlay reports whether background audio belongs on:
// some thread is waiting and the spoken preamble has already gone out.
func (r *Relay) WaitingMusicShouldPlay() bool {
	if !r.state.AnyThreadWaiting() {
		return false
	}
	_, delivered := r.state.MusicPreamble()
	return delivered
}

func relayText(agent, response string) string {
	return fmt.Sprintf("The %s says: %s", agent, response)
}

func shortenReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) > 160 {
		return reason[:157] + "..."
	}
	return reason
}
