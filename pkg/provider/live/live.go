// Package live maintains a duplex session against the Gemini Live API
// (BidiGenerateContent over WebSocket). Audio travels as base64 PCM
// chunks, tool calls are dispatched through the [Dispatcher] and
// answered as a single batched tool response, and the server's
// resumption handle is tracked so a dropped connection can be resumed
// by [Session.Reconnect].
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultVoice   = "Puck"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Reconnect policy: exponential backoff, base 1 s, factor 2, cap 30 s.
	reconnectAttempts = 3
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
)

var (
	// ErrNotConnected is returned by upstream sends while the session is
	// disconnected.
	ErrNotConnected = errors.New("live: not connected")

	// ErrConnectionReset is returned by ProcessResponses when the server
	// channel ends before a turn completes: a goAway notice, a read
	// failure, or an unexpected stream end.
	ErrConnectionReset = errors.New("live: connection reset")
)

// ToolDefinition declares one function the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Dispatcher executes a model tool call and returns the response object
// sent back to the model. Implementations must not panic; errors are
// reported inside the returned map.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) map[string]any
}

// turnState tracks where ProcessResponses is within one model turn.
type turnState int

const (
	turnAwaiting turnState = iota
	turnReadingAudio
	turnReadingText
	turnReceivingToolCall
	turnSendingToolResponse
	turnDone
)

func (t turnState) String() string {
	switch t {
	case turnAwaiting:
		return "awaiting"
	case turnReadingAudio:
		return "readingAudio"
	case turnReadingText:
		return "readingText"
	case turnReceivingToolCall:
		return "receivingToolCall"
	case turnSendingToolResponse:
		return "sendingToolResponse"
	case turnDone:
		return "turnComplete"
	default:
		return "unknown"
	}
}

// Option configures a Session.
type Option func(*Session)

// WithModel sets the model used for the session.
func WithModel(model string) Option {
	return func(s *Session) {
		if model != "" {
			s.model = model
		}
	}
}

// WithVoice sets the prebuilt voice used for audio output.
func WithVoice(voice string) Option {
	return func(s *Session) {
		if voice != "" {
			s.voice = voice
		}
	}
}

// WithBaseURL overrides the WebSocket base URL. Used in tests to point
// at a local mock server.
func WithBaseURL(url string) Option {
	return func(s *Session) { s.baseURL = url }
}

// WithInstructions sets the system instruction sent at setup.
func WithInstructions(text string) Option {
	return func(s *Session) { s.instructions = text }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// Session is a duplex model session. Connect before use; SendAudio,
// SendAudioEnd and SendText may then be called from any goroutine.
// ProcessResponses must run from a single goroutine at a time — it owns
// the read side of the connection.
type Session struct {
	apiKey       string
	model        string
	voice        string
	baseURL      string
	instructions string
	logger       *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connCtx      context.Context
	connCancel   context.CancelFunc
	connected    bool
	goAway       bool
	generating   bool
	toolInFlight bool
	lastInbound  time.Time
	lastTurn     time.Time
	resumeHandle string
	tools        []ToolDefinition
	dispatcher   Dispatcher

	onInterrupt       func()
	onInputTranscript func(text string)
}

// New creates an unconnected session.
func New(apiKey string, opts ...Option) *Session {
	s := &Session{
		apiKey:  apiKey,
		model:   defaultModel,
		voice:   defaultVoice,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "live")
	return s
}

// OnInterrupt registers a callback invoked when the server reports the
// user interrupted generation. The core uses it to drop queued playback.
func (s *Session) OnInterrupt(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInterrupt = fn
}

// OnInputTranscript registers a callback for user speech transcriptions.
func (s *Session) OnInputTranscript(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInputTranscript = fn
}

// Connect opens the WebSocket and sends the setup message. The tools
// list and dispatcher are remembered for reconnection. A non-empty
// resumeHandle resumes a prior session; otherwise resumption tokens are
// requested for this one.
func (s *Session) Connect(ctx context.Context, tools []ToolDefinition, dispatcher Dispatcher, resumeHandle string) error {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		s.baseURL, s.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return fmt.Errorf("live: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20) // audio turns run large

	connCtx, connCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.connCancel = connCancel
	s.connected = true
	s.goAway = false
	s.generating = false
	s.toolInFlight = false
	s.lastInbound = time.Now()
	s.tools = tools
	s.dispatcher = dispatcher
	s.resumeHandle = resumeHandle
	s.mu.Unlock()

	if err := s.sendSetup(tools, resumeHandle); err != nil {
		s.teardown()
		return fmt.Errorf("live: setup: %w", err)
	}

	go s.keepaliveLoop(connCtx, conn)
	return nil
}

func (s *Session) sendSetup(tools []ToolDefinition, resumeHandle string) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", s.model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: s.voice},
					},
				},
			},
			SessionResumption:       &sessionResumption{Handle: resumeHandle},
			InputAudioTranscription: &struct{}{},
		},
	}
	if s.instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: s.instructions}},
		}
	}
	if len(tools) > 0 {
		decls := make([]functionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolGroup{{FunctionDeclarations: decls}}
	}
	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text frame.
func (s *Session) writeJSON(v any) error {
	s.mu.Lock()
	conn, ctx := s.conn, s.connCtx
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio delivers one raw PCM chunk (16 kHz, s16le, mono) upstream.
func (s *Session) SendAudio(pcm []byte) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	}
	return s.writeJSON(msg)
}

// SendAudioEnd signals the end of the audio stream, prompting the
// server's voice-activity detector to finalize the utterance.
func (s *Session) SendAudioEnd() error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{AudioStreamEnd: true},
	})
}

// SendText delivers a typed user message as a complete turn.
func (s *Session) SendText(text string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{
				{Role: "user", Parts: []part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// ProcessResponses consumes server messages for exactly one model turn.
// Audio parts go to onAudio, text parts and output transcriptions to
// onText. Tool calls are dispatched and answered before the turn ends.
// Returns nil on turn completion, ErrConnectionReset when the channel
// ends first, or ctx.Err on cancellation.
func (s *Session) ProcessResponses(ctx context.Context, onAudio func(pcm []byte), onText func(text string)) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	state := turnAwaiting
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.markDisconnected()
			return fmt.Errorf("%w: %v", ErrConnectionReset, err)
		}
		s.touch()

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			s.logger.Error("server error", "code", msg.Error.Code, "message", msg.Error.Message)
		}
		if msg.SessionResumptionUpdate != nil && msg.SessionResumptionUpdate.Resumable {
			s.mu.Lock()
			s.resumeHandle = msg.SessionResumptionUpdate.NewHandle
			s.mu.Unlock()
		}
		if msg.GoAway != nil {
			s.mu.Lock()
			s.goAway = true
			s.mu.Unlock()
			s.logger.Warn("server go-away received", "time_left", msg.GoAway.TimeLeft, "state", state.String())
			return ErrConnectionReset
		}

		if msg.ToolCall != nil {
			state = turnReceivingToolCall
			state = s.handleToolCall(ctx, msg.ToolCall)
			// The turn continues: the model speaks again after the
			// tool response, so keep consuming.
			continue
		}

		if sc := msg.ServerContent; sc != nil {
			state = s.handleServerContent(sc, state, onAudio, onText)
			if state == turnDone {
				return nil
			}
		}
	}
}

// handleServerContent applies one serverContent message and returns the
// next turn state.
func (s *Session) handleServerContent(sc *serverContent, state turnState, onAudio func([]byte), onText func(string)) turnState {
	if sc.Interrupted {
		s.mu.Lock()
		s.generating = false
		fn := s.onInterrupt
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				s.mu.Lock()
				s.generating = true
				s.mu.Unlock()
				state = turnReadingAudio
				if onAudio != nil {
					onAudio(pcm)
				}
			}
			if p.Text != "" {
				state = turnReadingText
				s.logger.Debug("model text", "text", p.Text)
				if onText != nil {
					onText(p.Text)
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.mu.Lock()
		fn := s.onInputTranscript
		s.mu.Unlock()
		if fn != nil {
			fn(sc.InputTranscription.Text)
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && onText != nil {
		onText(sc.OutputTranscription.Text)
	}

	if sc.GenerationComplete {
		s.mu.Lock()
		s.generating = false
		s.mu.Unlock()
	}
	if sc.TurnComplete {
		s.mu.Lock()
		s.generating = false
		s.lastTurn = time.Now()
		s.mu.Unlock()
		return turnDone
	}
	return state
}

// handleToolCall dispatches every call in the batch and sends a single
// tool response. Returns the state after the response write.
func (s *Session) handleToolCall(ctx context.Context, tc *toolCallMsg) turnState {
	s.mu.Lock()
	s.toolInFlight = true
	dispatcher := s.dispatcher
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.toolInFlight = false
		s.mu.Unlock()
	}()

	responses := make([]functionResponse, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		var result map[string]any
		if dispatcher != nil {
			result = dispatcher.Dispatch(ctx, fc.Name, fc.Args)
		}
		if result == nil {
			result = map[string]any{"error": fmt.Sprintf("unknown tool: %s", fc.Name)}
		}
		responses = append(responses, functionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: result,
		})
	}

	if err := s.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: responses},
	}); err != nil {
		s.logger.Warn("tool response write failed", "error", err)
	}
	return turnSendingToolResponse
}

// Reconnect tears down the prior channel and re-establishes the session
// with the remembered tools, dispatcher and resumption handle. Backoff
// is exponential; at most three attempts. Reports whether the session
// is connected again.
func (s *Session) Reconnect(ctx context.Context) bool {
	s.mu.Lock()
	tools := s.tools
	dispatcher := s.dispatcher
	handle := s.resumeHandle
	s.mu.Unlock()

	s.teardown()

	delay := reconnectBase
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		err := s.Connect(ctx, tools, dispatcher, handle)
		if err == nil {
			s.logger.Info("reconnected", "attempt", attempt, "resumed", handle != "")
			return true
		}
		s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		if attempt == reconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectCap)
	}
	return false
}

// keepaliveLoop pings the server while the connection is alive.
func (s *Session) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

// touch records inbound traffic for health tracking.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.mu.Unlock()
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.generating = false
	s.mu.Unlock()
}

// teardown closes the connection if open. Safe to call repeatedly.
func (s *Session) teardown() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.connCancel
	s.conn = nil
	s.connCancel = nil
	s.connected = false
	s.generating = false
	s.toolInFlight = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

// Connected reports whether the session currently holds an open channel.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Generating reports whether the model is mid-generation (audio parts
// seen, no generation-complete yet).
func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// ToolInFlight reports whether a tool-call batch is being dispatched.
func (s *Session) ToolInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolInFlight
}

// LastTurnComplete returns the time of the most recent turn completion.
func (s *Session) LastTurnComplete() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTurn
}

// ResumeHandle returns the most recent resumption handle, empty if the
// server never issued one.
func (s *Session) ResumeHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeHandle
}

// Healthy reports whether the channel is usable: connected, no go-away
// received, and inbound traffic within maxIdle.
func (s *Session) Healthy(maxIdle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.goAway {
		return false
	}
	return time.Since(s.lastInbound) <= maxIdle
}
