package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/logabell/conversator/internal/subagent"
)

// fakeEngager scripts subagent turns without an HTTP server.
type fakeEngager struct {
	mu        sync.Mutex
	events    []subagent.Event
	engaged   []string // messages passed to Engage
	continued []string // messages passed to ContinueSession
	sessionID string
}

func (f *fakeEngager) Engage(ctx context.Context, agent, message string) (<-chan subagent.Event, error) {
	f.mu.Lock()
	f.engaged = append(f.engaged, message)
	f.mu.Unlock()
	return f.stream(), nil
}

func (f *fakeEngager) ContinueSession(ctx context.Context, sessionID, agent, message string) (<-chan subagent.Event, error) {
	f.mu.Lock()
	f.continued = append(f.continued, message)
	f.mu.Unlock()
	return f.stream(), nil
}

func (f *fakeEngager) SessionID(agent string) (string, bool) {
	return f.sessionID, f.sessionID != ""
}

func (f *fakeEngager) stream() <-chan subagent.Event {
	ch := make(chan subagent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func waitForStatus(t *testing.T, s *State, threadID string, want ThreadStatus) *Thread {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if th := s.Thread(threadID); th != nil && th.Status == want {
			return th
		}
		time.Sleep(5 * time.Millisecond)
	}
	th := s.Thread(threadID)
	t.Fatalf("thread never reached %s (now %s)", want, th.Status)
	return nil
}

func TestAtSafePoint(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		in   SafePointInput
		want bool
	}{
		{"all clear", SafePointInput{PlaybackComplete: true}, true},
		{"generating", SafePointInput{Generating: true, PlaybackComplete: true}, false},
		{"tool in flight", SafePointInput{ToolInFlight: true, PlaybackComplete: true}, false},
		{"playback running", SafePointInput{PlaybackComplete: false}, false},
		{"inside debounce", SafePointInput{PlaybackComplete: true, LastTurnComplete: now.Add(-50 * time.Millisecond)}, false},
		{"past debounce", SafePointInput{PlaybackComplete: true, LastTurnComplete: now.Add(-300 * time.Millisecond)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AtSafePoint(tt.in, now); got != tt.want {
				t.Errorf("AtSafePoint = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendToThreadQueuesImmediately(t *testing.T) {
	state := NewState()
	eng := &fakeEngager{events: []subagent.Event{
		{Type: subagent.EventMessage, Content: "Looking into it."},
		{Type: subagent.EventComplete, Content: "Looking into it. Done: use chi for routing."},
	}}
	r := NewRelay(state, eng, nil)

	res, err := r.SendToThread(context.Background(), "", "planner", "routing", "which router?")
	if err != nil {
		t.Fatalf("SendToThread: %v", err)
	}
	if res.Status != "queued" {
		t.Errorf("Status = %q, want queued", res.Status)
	}

	// The wait preamble is queued before the response arrives.
	if state.PendingAnnouncements() == 0 {
		t.Error("no wait preamble queued")
	}

	th := waitForStatus(t, state, res.ThreadID, ThreadHasResponse)
	if !strings.Contains(th.LastResponse, "chi for routing") {
		t.Errorf("LastResponse = %q", th.LastResponse)
	}
	if state.AnyThreadWaiting() {
		t.Error("thread still marked waiting after completion")
	}
}

func TestSendToThreadAutoRelaysOnlyThread(t *testing.T) {
	state := NewState()
	eng := &fakeEngager{events: []subagent.Event{
		{Type: subagent.EventComplete, Content: "Ship it."},
	}}
	r := NewRelay(state, eng, nil)

	res, err := r.SendToThread(context.Background(), "", "planner", "release", "good to go?")
	if err != nil {
		t.Fatalf("SendToThread: %v", err)
	}
	waitForStatus(t, state, res.ThreadID, ThreadHasResponse)

	// Preamble first, then the full relayed response (only thread).
	first, ok := state.PopAnnouncement()
	if !ok || first.Kind != AnnounceWaitStarted {
		t.Fatalf("first announcement = %+v", first)
	}
	second, ok := state.PopAnnouncement()
	if !ok || second.Kind != AnnounceInfo {
		t.Fatalf("second announcement = %+v", second)
	}
	if !strings.Contains(second.Text, "Ship it.") {
		t.Errorf("relayed text = %q", second.Text)
	}
}

func TestSendToThreadUnfocusedGetsResponseReady(t *testing.T) {
	state := NewState()
	// An existing focused thread means the new one is in the background.
	state.CreateThread("planner", "main work", "ses_1", true)

	eng := &fakeEngager{events: []subagent.Event{
		{Type: subagent.EventComplete, Content: "Benchmarks attached."},
	}}
	r := NewRelay(state, eng, nil)

	res, err := r.SendToThread(context.Background(), "", "context-reader", "benchmarks", "how slow is it?")
	if err != nil {
		t.Fatalf("SendToThread: %v", err)
	}
	waitForStatus(t, state, res.ThreadID, ThreadHasResponse)

	var ready *Announcement
	for {
		a, ok := state.PopAnnouncement()
		if !ok {
			break
		}
		if a.Kind == AnnounceResponseReady {
			ready = &a
			break
		}
	}
	if ready == nil {
		t.Fatal("no response_ready announcement for background thread")
	}
	if !strings.Contains(ready.Text, "context-reader") || !strings.Contains(ready.Text, "benchmarks") {
		t.Errorf("announcement text = %q", ready.Text)
	}
}

func TestSendToThreadQuestionsStartConversation(t *testing.T) {
	state := NewState()
	eng := &fakeEngager{events: []subagent.Event{
		{Type: subagent.EventComplete, Content: "Before I plan this:\n1. Which database are you using?\n2. Should auth block the rollout?"},
	}}
	r := NewRelay(state, eng, nil)

	res, err := r.SendToThread(context.Background(), "", "planner", "migration", "plan the migration")
	if err != nil {
		t.Fatalf("SendToThread: %v", err)
	}
	waitForStatus(t, state, res.ThreadID, ThreadAwaitingUser)

	conv := state.Conversation()
	if conv == nil {
		t.Fatal("no conversation started for question batch")
	}
	if conv.TotalQuestions() != 2 {
		t.Errorf("TotalQuestions = %d, want 2", conv.TotalQuestions())
	}
	if conv.Subagent != "planner" {
		t.Errorf("Subagent = %q", conv.Subagent)
	}
}

func TestSendToThreadErrorMarksThread(t *testing.T) {
	state := NewState()
	eng := &fakeEngager{events: []subagent.Event{
		{Type: subagent.EventError, Content: "session expired"},
	}}
	r := NewRelay(state, eng, nil)

	res, err := r.SendToThread(context.Background(), "", "planner", "", "hello")
	if err != nil {
		t.Fatalf("SendToThread: %v", err)
	}
	th := waitForStatus(t, state, res.ThreadID, ThreadError)
	if th.LastError != "session expired" {
		t.Errorf("LastError = %q", th.LastError)
	}
	if state.AnyThreadWaiting() {
		t.Error("failed thread left in waiting set")
	}
}

func TestSendToThreadContinuesExistingSession(t *testing.T) {
	state := NewState()
	th := state.CreateThread("planner", "routing", "ses_42", true)

	eng := &fakeEngager{events: []subagent.Event{
		{Type: subagent.EventComplete, Content: "Continuing."},
	}}
	r := NewRelay(state, eng, nil)

	if _, err := r.SendToThread(context.Background(), th.ThreadID, "", "", "follow-up"); err != nil {
		t.Fatalf("SendToThread: %v", err)
	}
	waitForStatus(t, state, th.ThreadID, ThreadHasResponse)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.continued) != 1 || eng.continued[0] != "follow-up" {
		t.Errorf("continued = %v, want the follow-up on the existing session", eng.continued)
	}
	if len(eng.engaged) != 0 {
		t.Errorf("engaged = %v, want none", eng.engaged)
	}
}

func TestSendToThreadConcurrentDistinctThreads(t *testing.T) {
	state := NewState()
	eng := &fakeEngager{events: []subagent.Event{
		{Type: subagent.EventComplete, Content: "done"},
	}}
	r := NewRelay(state, eng, nil)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.SendToThread(context.Background(), "", "planner", "topic", "go")
			if err != nil {
				t.Errorf("SendToThread: %v", err)
				return
			}
			ids[i] = res.ThreadID
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("thread ids not distinct: %v", ids)
		}
		seen[id] = true
		th := waitForStatus(t, state, id, ThreadHasResponse)
		if th.LastUserMessage != "go" || th.LastResponse != "done" {
			t.Errorf("thread %s fields crossed: %+v", id, th)
		}
	}
}

func TestSendToThreadUnknownThread(t *testing.T) {
	r := NewRelay(NewState(), &fakeEngager{}, nil)
	if _, err := r.SendToThread(context.Background(), "nope", "", "", "hi"); err == nil {
		t.Error("unknown thread id accepted")
	}
	if _, err := r.SendToThread(context.Background(), "", "", "", "hi"); err == nil {
		t.Error("missing thread and subagent accepted")
	}
}

func TestNextAnnouncementRespectsSafePoint(t *testing.T) {
	state := NewState()
	state.EnqueueAnnouncement("hello", AnnounceInfo, "")
	r := NewRelay(state, &fakeEngager{}, nil)

	now := time.Now()
	if _, ok := r.NextAnnouncement(SafePointInput{Generating: true, PlaybackComplete: true}, now); ok {
		t.Error("announcement delivered while generating")
	}
	a, ok := r.NextAnnouncement(SafePointInput{PlaybackComplete: true}, now)
	if !ok || a.Text != "hello" {
		t.Errorf("NextAnnouncement = %+v, %v", a, ok)
	}
	if _, ok := r.NextAnnouncement(SafePointInput{PlaybackComplete: true}, now); ok {
		t.Error("empty queue produced an announcement")
	}
}

func TestWaitingMusicPolicy(t *testing.T) {
	state := NewState()
	eng := &fakeEngager{} // no events: the turn never completes in this test
	r := NewRelay(state, eng, nil)

	if r.WaitingMusicShouldPlay() {
		t.Error("music on with no waiting threads")
	}

	state.CreateThread("planner", "", "", true)
	th := state.FocusedThread()
	state.SetThreadWaiting(th.ThreadID, true)
	state.MarkMusicPreambleQueued()
	state.EnqueueAnnouncement(waitPreamble, AnnounceWaitStarted, th.ThreadID)

	// Preamble queued but not yet delivered: still silent.
	if r.WaitingMusicShouldPlay() {
		t.Error("music on before the preamble was spoken")
	}

	if _, ok := r.NextAnnouncement(SafePointInput{PlaybackComplete: true}, time.Now()); !ok {
		t.Fatal("preamble not delivered at safe point")
	}
	if !r.WaitingMusicShouldPlay() {
		t.Error("music off after preamble delivery with a waiting thread")
	}

	state.SetThreadWaiting(th.ThreadID, false)
	if r.WaitingMusicShouldPlay() {
		t.Error("music on after the last wait ended")
	}
}

func TestAnnouncementQueueFIFO(t *testing.T) {
	state := NewState()
	state.EnqueueAnnouncement("first", AnnounceInfo, "")
	state.EnqueueAnnouncement("second", AnnounceError, "")

	a, _ := state.PopAnnouncement()
	b, _ := state.PopAnnouncement()
	if a.Text != "first" || b.Text != "second" {
		t.Errorf("queue order = %q, %q", a.Text, b.Text)
	}
	if _, ok := state.PopAnnouncement(); ok {
		t.Error("pop from empty queue succeeded")
	}
}
