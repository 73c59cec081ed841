package live

import "encoding/json"

// BidiGenerateContent wire messages. Outgoing messages are text frames
// with exactly one top-level key; incoming frames may combine several.

// ── outgoing ──────────────────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                   string             `json:"model"`
	GenerationConfig        generationConfig   `json:"generationConfig"`
	SystemInstruction       *systemInstruction `json:"systemInstruction,omitempty"`
	Tools                   []toolGroup        `json:"tools,omitempty"`
	SessionResumption       *sessionResumption `json:"sessionResumption,omitempty"`
	InputAudioTranscription *struct{}          `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolGroup struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// sessionResumption with an empty handle requests resumption tokens for
// a fresh session; a non-empty handle resumes a prior one.
type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []mediaChunk `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool         `json:"audioStreamEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── incoming ──────────────────────────────────────────────────────────

type serverMessage struct {
	SetupComplete           *json.RawMessage  `json:"setupComplete,omitempty"`
	ServerContent           *serverContent    `json:"serverContent,omitempty"`
	ToolCall                *toolCallMsg      `json:"toolCall,omitempty"`
	ToolCallCancellation    *json.RawMessage  `json:"toolCallCancellation,omitempty"`
	SessionResumptionUpdate *resumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *goAwayMsg        `json:"goAway,omitempty"`
	Error                   *apiError         `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// goAway is the server's graceful shutdown notice: the connection is
// about to close and a new one must be established.
type goAwayMsg struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type resumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}
