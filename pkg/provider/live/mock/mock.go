// Package mock provides a test double for the live model session.
//
// Tests script turns with EnqueueTurn and drive the session core
// without a network connection:
//
//	sess := mock.New()
//	sess.EnqueueTurn(mock.Turn{Audio: [][]byte{pcm}})
//	app runs; sess.SentAudio records what the core sent upstream.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/logabell/conversator/pkg/provider/live"
)

// Turn scripts one ProcessResponses call: the audio and text the model
// "speaks", and the error the call ends with (nil means turn complete).
type Turn struct {
	Audio [][]byte
	Texts []string
	Err   error
}

// Session is a scriptable stand-in for *live.Session.
type Session struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// ReconnectResult is what Reconnect reports. Defaults to true.
	ReconnectResult bool

	connected    bool
	generating   bool
	toolInFlight bool
	lastTurn     time.Time
	handle       string
	tools        []live.ToolDefinition
	dispatcher   live.Dispatcher

	turns chan Turn

	// Recorded upstream traffic.
	SentAudio      [][]byte
	AudioEnds      int
	SentTexts      []string
	ConnectCalls   int
	ReconnectCalls int
	CloseCalls     int

	onInterrupt       func()
	onInputTranscript func(string)
}

// New creates a mock session with room for 16 scripted turns.
func New() *Session {
	return &Session{
		ReconnectResult: true,
		turns:           make(chan Turn, 16),
	}
}

// EnqueueTurn schedules the next ProcessResponses outcome.
func (s *Session) EnqueueTurn(t Turn) { s.turns <- t }

// Connect records the call and marks the session connected.
func (s *Session) Connect(_ context.Context, tools []live.ToolDefinition, dispatcher live.Dispatcher, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectCalls++
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.connected = true
	s.tools = tools
	s.dispatcher = dispatcher
	s.handle = handle
	return nil
}

// Dispatcher returns the dispatcher passed to Connect, letting tests
// drive tool calls directly.
func (s *Session) Dispatcher() live.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// Tools returns the tool list passed to Connect.
func (s *Session) Tools() []live.ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// SendAudio records the chunk. Returns live.ErrNotConnected when
// disconnected.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return live.ErrNotConnected
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.SentAudio = append(s.SentAudio, cp)
	return nil
}

// SendAudioEnd records the call.
func (s *Session) SendAudioEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return live.ErrNotConnected
	}
	s.AudioEnds++
	return nil
}

// SendText records the message.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return live.ErrNotConnected
	}
	s.SentTexts = append(s.SentTexts, text)
	return nil
}

// ProcessResponses plays the next scripted turn: audio to onAudio,
// texts to onText, then returns the turn's error.
func (s *Session) ProcessResponses(ctx context.Context, onAudio func([]byte), onText func(string)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case turn := <-s.turns:
		for _, pcm := range turn.Audio {
			s.SetGenerating(true)
			if onAudio != nil {
				onAudio(pcm)
			}
		}
		for _, text := range turn.Texts {
			if onText != nil {
				onText(text)
			}
		}
		s.SetGenerating(false)
		if turn.Err == nil {
			s.mu.Lock()
			s.lastTurn = time.Now()
			s.mu.Unlock()
		} else {
			s.SetConnected(false)
		}
		return turn.Err
	}
}

// Reconnect records the call and applies ReconnectResult.
func (s *Session) Reconnect(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReconnectCalls++
	if s.ReconnectResult {
		s.connected = true
	}
	return s.ReconnectResult
}

// Close records the call and disconnects.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.connected = false
	return nil
}

// OnInterrupt stores the callback; fire it with TriggerInterrupt.
func (s *Session) OnInterrupt(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInterrupt = fn
}

// OnInputTranscript stores the callback; fire it with TriggerInputTranscript.
func (s *Session) OnInputTranscript(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInputTranscript = fn
}

// TriggerInterrupt invokes the registered interrupt callback.
func (s *Session) TriggerInterrupt() {
	s.mu.Lock()
	fn := s.onInterrupt
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// TriggerInputTranscript invokes the registered transcript callback.
func (s *Session) TriggerInputTranscript(text string) {
	s.mu.Lock()
	fn := s.onInputTranscript
	s.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// SetConnected overrides the connected flag.
func (s *Session) SetConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

// SetGenerating overrides the generating flag.
func (s *Session) SetGenerating(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generating = v
}

// SetToolInFlight overrides the tool-in-flight flag.
func (s *Session) SetToolInFlight(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolInFlight = v
}

// SetResumeHandle overrides the resumption handle.
func (s *Session) SetResumeHandle(h string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// Connected reports the connected flag.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Generating reports the generating flag.
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// ToolInFlight reports the tool-in-flight flag.
func (s *Session) ToolInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolInFlight
}

// LastTurnComplete reports the time the last scripted turn finished.
func (s *Session) LastTurnComplete() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTurn
}

// ResumeHandle reports the current handle.
func (s *Session) ResumeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Healthy reports the connected flag; idle tracking is not simulated.
func (s *Session) Healthy(time.Duration) bool {
	return s.Connected()
}
