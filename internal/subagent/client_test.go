package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer implements enough of the session API to drive the client: one
// session, a scripted sequence of assistant message snapshots returned on
// successive polls.
type fakeServer struct {
	mu        sync.Mutex
	prompts   []map[string]any
	snapshots [][]map[string]any // responses to successive GET message calls
	calls     int
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "ses_test"})
	})
	mux.HandleFunc("POST /session/{id}/prompt_async", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.prompts = append(f.prompts, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		i := f.calls
		if i >= len(f.snapshots) {
			i = len(f.snapshots) - 1
		}
		f.calls++
		snap := f.snapshots[i]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("GET /agent", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{{"name": "planner"}})
	})
	return mux
}

func assistantMsg(id, text, status string) map[string]any {
	info := map[string]any{"id": id, "role": "assistant"}
	if status != "" {
		info["status"] = status
	}
	return map[string]any{
		"info":  info,
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
}

func newTestClient(t *testing.T, srv *fakeServer) *Client {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	c, err := New(ts.URL, WithPollTiming(time.Millisecond, 5*time.Millisecond, 2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestEngageStreamsAndCompletes(t *testing.T) {
	srv := &fakeServer{snapshots: [][]map[string]any{
		{}, // baseline snapshot before the prompt is sent
		{assistantMsg("m1", "Thinking", "")},
		{assistantMsg("m1", "Thinking about the plan", "")},
		{assistantMsg("m1", "Thinking about the plan. Done.", "done")},
	}}
	c := newTestClient(t, srv)

	events, err := c.Engage(context.Background(), "planner", "plan the feature")
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
	got := drain(t, events)

	if len(got) == 0 || got[len(got)-1].Type != EventComplete {
		t.Fatalf("last event = %+v, want complete", got)
	}
	final := got[len(got)-1]
	if final.Content != "Thinking about the plan. Done." {
		t.Errorf("final content = %q", final.Content)
	}

	// First message to a fresh session must carry the @mention.
	srv.mu.Lock()
	defer srv.mu.Unlock()
	parts := srv.prompts[0]["parts"].([]any)
	text := parts[0].(map[string]any)["text"].(string)
	if !strings.HasPrefix(text, "@planner ") {
		t.Errorf("first prompt = %q, want @planner prefix", text)
	}
}

func TestContinueReusesSession(t *testing.T) {
	srv := &fakeServer{snapshots: [][]map[string]any{
		{},
		{assistantMsg("m1", "First reply", "done")},
	}}
	c := newTestClient(t, srv)

	events, err := c.Engage(context.Background(), "planner", "hello")
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
	drain(t, events)

	srv.mu.Lock()
	srv.snapshots = [][]map[string]any{
		{assistantMsg("m1", "First reply", "done")},
		{assistantMsg("m1", "First reply", "done"), assistantMsg("m2", "Second reply", "done")},
	}
	srv.calls = 0
	srv.mu.Unlock()

	events, err = c.Continue(context.Background(), "planner", "follow up")
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	got := drain(t, events)
	final := got[len(got)-1]
	if final.Type != EventComplete || final.Content != "Second reply" {
		t.Errorf("final = %+v, want complete with second reply", final)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	parts := srv.prompts[1]["parts"].([]any)
	text := parts[0].(map[string]any)["text"].(string)
	if strings.HasPrefix(text, "@") {
		t.Errorf("continue prompt = %q, should not carry @mention", text)
	}
}

func TestBaselineMessagesIgnored(t *testing.T) {
	old := assistantMsg("m0", "Stale answer from last turn", "done")
	srv := &fakeServer{snapshots: [][]map[string]any{
		{old},
		{old, assistantMsg("m1", "Fresh answer", "done")},
	}}
	c := newTestClient(t, srv)

	events, err := c.Engage(context.Background(), "planner", "hi")
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
	got := drain(t, events)
	final := got[len(got)-1]
	if final.Content != "Fresh answer" {
		t.Errorf("final content = %q, want fresh answer only", final.Content)
	}
}

func TestStableContentHeuristicCompletes(t *testing.T) {
	// No status field ever appears; completion must come from the
	// stable-content fallback.
	snaps := [][]map[string]any{{}}
	for range stablePollsDone + 2 {
		snaps = append(snaps, []map[string]any{assistantMsg("m1", "Settled text", "")})
	}
	srv := &fakeServer{snapshots: snaps}
	c := newTestClient(t, srv)

	events, err := c.Engage(context.Background(), "planner", "hi")
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
	got := drain(t, events)
	final := got[len(got)-1]
	if final.Type != EventComplete || final.Content != "Settled text" {
		t.Errorf("final = %+v, want heuristic completion", final)
	}
}

func TestRemoteErrorStopsTurn(t *testing.T) {
	srv := &fakeServer{snapshots: [][]map[string]any{
		{},
		{{
			"info":  map[string]any{"id": "m1", "role": "assistant", "error": map[string]any{"message": "model overloaded"}},
			"parts": []map[string]any{},
		}},
	}}
	c := newTestClient(t, srv)

	events, err := c.Engage(context.Background(), "planner", "hi")
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
	got := drain(t, events)
	final := got[len(got)-1]
	if final.Type != EventError || !strings.Contains(final.Content, "model overloaded") {
		t.Errorf("final = %+v, want remote error", final)
	}
}

func TestPollTimeout(t *testing.T) {
	srv := &fakeServer{snapshots: [][]map[string]any{{}}}
	c := newTestClient(t, srv)
	c.pollTimeout = 20 * time.Millisecond

	var phases []string
	c.SetActivityCallback(func(agent, phase, detail string) {
		phases = append(phases, phase)
	})

	events, err := c.Engage(context.Background(), "planner", "hi")
	if err != nil {
		t.Fatalf("Engage: %v", err)
	}
	got := drain(t, events)
	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("events = %+v, want single timeout error", got)
	}
	found := false
	for _, p := range phases {
		if p == ActivityError {
			found = true
		}
	}
	if !found {
		t.Errorf("activity phases %v missing error", phases)
	}
}

func TestNewRejectsEmptyURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") = nil error")
	}
}

func TestErrRemoteSentinel(t *testing.T) {
	err := errors.Join(ErrRemote, errors.New("detail"))
	if !errors.Is(err, ErrRemote) {
		t.Fatal("sentinel lost through join")
	}
}
