package relay

import (
	"context"
	"sync"
	"time"

	"github.com/logabell/conversator/internal/observe"
)

// DraftStage tracks where a staged relay draft is in its capture flow.
type DraftStage string

const (
	// DraftAwaitingDetail means we are waiting for the user to describe
	// what to send.
	DraftAwaitingDetail DraftStage = "awaiting_detail"

	// DraftAwaitingConfirmation means the message is staged and we are
	// waiting for an acknowledgement (or auto-confirm silence) to send it.
	DraftAwaitingConfirmation DraftStage = "awaiting_confirmation"
)

// Draft stages a user message bound for a subagent. The subagent remains
// the brain; the draft only captures what the user wants to send.
type Draft struct {
	TargetSubagent  string
	ProjectHint     string
	Topic           string
	Message         string
	Stage           DraftStage
	AutoConfirmSent bool
}

// State is the ephemeral container for one voice session: project
// selection, subagent threads, the announcement queue and the staged
// conversation flows. Safe for concurrent use; every mutator takes the
// single state mutex.
type State struct {
	mu sync.Mutex

	currentProject     string
	currentProjectPath string

	sessionStarted bool

	lastUserSpeechTime time.Time
	lastUserTranscript string

	activeConversation *Conversation
	activeDraft        *Draft

	threads         map[string]*Thread
	focusedThreadID string

	announcements []Announcement

	waitingThreadIDs              map[string]bool
	waitingMusicPreambleQueued    bool
	waitingMusicPreambleDelivered bool
}

// NewState creates an empty session state.
func NewState() *State {
	return &State{
		threads:          make(map[string]*Thread),
		waitingThreadIDs: make(map[string]bool),
	}
}

// ─── project selection ───────────────────────────────────────────────────────

// SelectProject records the active project.
func (s *State) SelectProject(name, path string) {
	s.mu.Lock()
	s.currentProject = name
	s.currentProjectPath = path
	s.mu.Unlock()
}

// Project returns the selected project name and path.
func (s *State) Project() (name, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentProject, s.currentProjectPath
}

// ProjectSelected reports whether a project is active.
func (s *State) ProjectSelected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentProject != "" && s.currentProjectPath != ""
}

// ClearProject drops the project selection.
func (s *State) ClearProject() {
	s.mu.Lock()
	s.currentProject = ""
	s.currentProjectPath = ""
	s.mu.Unlock()
}

// MarkSessionStarted flags that the voice session greeting has run.
func (s *State) MarkSessionStarted() {
	s.mu.Lock()
	s.sessionStarted = true
	s.mu.Unlock()
}

// SessionStarted reports whether the session greeting has run.
func (s *State) SessionStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionStarted
}

// RecordUserSpeech tracks the most recent user utterance. Gating logic
// (builder dispatch, freeze) checks this transcript for explicit intent.
func (s *State) RecordUserSpeech(transcript string, at time.Time) {
	s.mu.Lock()
	s.lastUserTranscript = transcript
	s.lastUserSpeechTime = at
	s.mu.Unlock()
}

// LastUserSpeech returns the most recent transcript and when it landed.
func (s *State) LastUserSpeech() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUserTranscript, s.lastUserSpeechTime
}

// ─── conversation + draft ────────────────────────────────────────────────────

// SetConversation makes conv the active subagent Q&A flow (nil clears).
func (s *State) SetConversation(conv *Conversation) {
	s.mu.Lock()
	s.activeConversation = conv
	s.mu.Unlock()
}

// Conversation returns the active subagent Q&A flow, or nil.
func (s *State) Conversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConversation
}

// SetDraft makes d the staged relay draft (nil clears).
func (s *State) SetDraft(d *Draft) {
	s.mu.Lock()
	s.activeDraft = d
	s.mu.Unlock()
}

// Draft returns the staged relay draft, or nil.
func (s *State) Draft() *Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeDraft
}

// ClearConversation drops the Q&A flow and any staged draft.
func (s *State) ClearConversation() {
	s.mu.Lock()
	s.activeConversation = nil
	s.activeDraft = nil
	s.mu.Unlock()
}

// ─── threads ─────────────────────────────────────────────────────────────────

// CreateThread tracks a new subagent thread, optionally focusing it.
func (s *State) CreateThread(subagent, topic, sessionID string, focus bool) *Thread {
	t := newThread(subagent, topic, sessionID)
	s.mu.Lock()
	s.threads[t.ThreadID] = t
	if focus {
		s.focusedThreadID = t.ThreadID
	}
	s.mu.Unlock()
	return t
}

// Thread returns a thread by id, or nil.
func (s *State) Thread(threadID string) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[threadID]
}

// FocusedThread returns the focused thread, or nil.
func (s *State) FocusedThread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.focusedThreadID == "" {
		return nil
	}
	return s.threads[s.focusedThreadID]
}

// FocusThread focuses an existing thread; unknown ids are ignored.
func (s *State) FocusThread(threadID string) {
	s.mu.Lock()
	if _, ok := s.threads[threadID]; ok {
		s.focusedThreadID = threadID
	}
	s.mu.Unlock()
}

// Threads returns a snapshot of all tracked threads.
func (s *State) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	return out
}

// ThreadCount returns the number of tracked threads.
func (s *State) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// UpdateThread applies fn to a thread under the state lock and bumps its
// UpdatedAt. Unknown ids are ignored.
func (s *State) UpdateThread(threadID string, fn func(*Thread)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
}

// ─── announcements ───────────────────────────────────────────────────────────

// EnqueueAnnouncement queues a short notice for the next safe point.
func (s *State) EnqueueAnnouncement(text string, kind AnnouncementKind, threadID string) {
	s.mu.Lock()
	s.announcements = append(s.announcements, Announcement{
		Text:      text,
		Kind:      kind,
		ThreadID:  threadID,
		CreatedAt: time.Now().UTC(),
	})
	s.mu.Unlock()
	observe.DefaultMetrics().AnnouncementQueued(context.Background())
}

// PopAnnouncement removes and returns the oldest queued announcement.
func (s *State) PopAnnouncement() (Announcement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.announcements) == 0 {
		return Announcement{}, false
	}
	a := s.announcements[0]
	s.announcements = s.announcements[1:]
	observe.DefaultMetrics().AnnouncementDelivered(context.Background())
	return a, true
}

// PendingAnnouncements returns the queue depth.
func (s *State) PendingAnnouncements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.announcements)
}

// ─── waiting-music policy ────────────────────────────────────────────────────

// SetThreadWaiting adds or removes a thread from the waiting set that
// drives background audio.
func (s *State) SetThreadWaiting(threadID string, waiting bool) {
	s.mu.Lock()
	if waiting {
		s.waitingThreadIDs[threadID] = true
	} else {
		delete(s.waitingThreadIDs, threadID)
	}
	s.mu.Unlock()
}

// AnyThreadWaiting reports whether at least one thread awaits a response.
func (s *State) AnyThreadWaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waitingThreadIDs) > 0
}

// MusicPreamble returns and updates the preamble flags: queued is set the
// first time a wait begins, delivered once the spoken preamble has gone
// out. Background audio may only start after delivery.
func (s *State) MusicPreamble() (queued, delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingMusicPreambleQueued, s.waitingMusicPreambleDelivered
}

// MarkMusicPreambleQueued records that the waiting preamble is in the
// announcement queue.
func (s *State) MarkMusicPreambleQueued() {
	s.mu.Lock()
	s.waitingMusicPreambleQueued = true
	s.mu.Unlock()
}

// MarkMusicPreambleDelivered records that the waiting preamble was spoken.
func (s *State) MarkMusicPreambleDelivered() {
	s.mu.Lock()
	s.waitingMusicPreambleDelivered = true
	s.mu.Unlock()
}

// ResetMusicPreamble clears both preamble flags once no threads wait.
func (s *State) ResetMusicPreamble() {
	s.mu.Lock()
	s.waitingMusicPreambleQueued = false
	s.waitingMusicPreambleDelivered = false
	s.mu.Unlock()
}

// Cleanup clears all session state at shutdown.
func (s *State) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentProject = ""
	s.currentProjectPath = ""
	s.lastUserTranscript = ""
	s.lastUserSpeechTime = time.Time{}
	s.activeConversation = nil
	s.activeDraft = nil
	s.announcements = nil
	s.threads = make(map[string]*Thread)
	s.focusedThreadID = ""
	s.waitingThreadIDs = make(map[string]bool)
	s.waitingMusicPreambleQueued = false
	s.waitingMusicPreambleDelivered = false
}
