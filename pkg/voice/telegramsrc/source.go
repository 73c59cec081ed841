// Package telegramsrc implements [voice.Source] over Telegram voice
// notes. Inbound voice messages are downloaded, transcoded to 16 kHz
// PCM16 mono with ffmpeg, and chunked into capture frames. Model audio
// is buffered per turn and sent back as a single OGG/Opus voice note
// when the turn's playback drains. Typed messages surface on the
// [voice.TextSource] channel.
package telegramsrc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/logabell/conversator/pkg/voice"
)

var (
	_ voice.Source     = (*Source)(nil)
	_ voice.TextSource = (*Source)(nil)
)

const (
	updateTimeout  = 30 // long-poll seconds
	captureBuffer  = 256
	downloadWindow = 30 * time.Second
)

// Config holds bot credentials and the user allow-list.
type Config struct {
	Token string

	// AllowedUsers restricts who may talk to the bot. Empty means anyone.
	AllowedUsers []int64
}

// Source is a Telegram-backed [voice.Source].
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	started    bool
	bot        *tgbotapi.BotAPI
	frames     chan voice.Frame
	texts      chan string
	cancel     context.CancelFunc
	chatID     int64
	replyPCM   []byte
	sendsBusy  int
	httpClient *http.Client
}

// New creates a Telegram source. Start connects the bot.
func New(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		cfg:        cfg,
		logger:     logger.With("component", "telegramsrc"),
		httpClient: &http.Client{Timeout: downloadWindow},
	}
}

// Start connects to the bot API and begins consuming updates. Idempotent.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(s.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegramsrc: connect bot: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.bot = bot
	s.cancel = cancel
	s.frames = make(chan voice.Frame, captureBuffer)
	s.texts = make(chan string, 16)

	go s.updateLoop(runCtx, bot, s.frames, s.texts)
	return nil
}

func (s *Source) updateLoop(ctx context.Context, bot *tgbotapi.BotAPI, frames chan<- voice.Frame, texts chan<- string) {
	defer close(frames)
	defer close(texts)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeout
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg := update.Message
			if msg == nil || !s.allowed(msg.From) {
				continue
			}

			s.mu.Lock()
			s.chatID = msg.Chat.ID
			s.mu.Unlock()

			switch {
			case msg.IsCommand() && msg.Command() == "start":
				reply := tgbotapi.NewMessage(msg.Chat.ID,
					"Hello! Send me voice messages and I'll help with your development tasks. Typed messages work too.")
				bot.Send(reply)
			case msg.Voice != nil:
				if err := s.ingestVoice(ctx, bot, msg.Voice.FileID, frames); err != nil {
					s.logger.Warn("voice note ingest failed", "error", err)
				}
			case msg.Text != "":
				select {
				case texts <- msg.Text:
				default:
					s.logger.Warn("text channel full, dropping message")
				}
			}
		}
	}
}

func (s *Source) allowed(user *tgbotapi.User) bool {
	if user == nil {
		return false
	}
	if len(s.cfg.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedUsers, user.ID)
}

// ingestVoice downloads one OGG/Opus voice note, transcodes it to
// capture-rate PCM, and chunks it onto the frame channel.
func (s *Source) ingestVoice(ctx context.Context, bot *tgbotapi.BotAPI, fileID string, frames chan<- voice.Frame) error {
	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return fmt.Errorf("telegramsrc: resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("telegramsrc: build download: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegramsrc: download voice note: %w", err)
	}
	defer resp.Body.Close()
	ogg, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegramsrc: read voice note: %w", err)
	}

	pcm, err := oggToPCM(ctx, ogg, voice.CaptureRate)
	if err != nil {
		return err
	}

	for _, chunk := range ChunkPCM(pcm, voice.CaptureFrameBytes) {
		select {
		case frames <- voice.Frame{Data: chunk, SampleRate: voice.CaptureRate}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ChunkPCM splits PCM bytes into frames of at most size bytes. The last
// chunk keeps its natural length; sample pairs are never split.
func ChunkPCM(pcm []byte, size int) [][]byte {
	if size < 2 {
		size = 2
	}
	size -= size % 2
	var out [][]byte
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		n -= n % 2
		if n == 0 {
			break
		}
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out
}

// oggToPCM shells out to ffmpeg for the OGG/Opus to raw PCM transcode.
func oggToPCM(ctx context.Context, ogg []byte, rate int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(rate), "-ac", "1",
		"pipe:1")
	cmd.Stdin = bytes.NewReader(ogg)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("telegramsrc: ffmpeg decode: %w: %s", err, errBuf.String())
	}
	return out.Bytes(), nil
}

// pcmToOGG encodes raw PCM back into an OGG/Opus voice note.
func pcmToOGG(ctx context.Context, pcm []byte, rate int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", strconv.Itoa(rate), "-ac", "1",
		"-i", "pipe:0",
		"-c:a", "libopus", "-f", "ogg",
		"pipe:1")
	cmd.Stdin = bytes.NewReader(pcm)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("telegramsrc: ffmpeg encode: %w: %s", err, errBuf.String())
	}
	return out.Bytes(), nil
}

// Stop shuts down the update loop. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.replyPCM = nil
	s.mu.Unlock()

	cancel()
	return nil
}

// Frames returns the capture stream.
func (s *Source) Frames() <-chan voice.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Texts returns typed user commands.
func (s *Source) Texts() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.texts
}

// Play buffers model audio for the current turn. The buffered PCM turns
// into one voice note when playback is waited on.
func (s *Source) Play(f voice.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("telegramsrc: source not started")
	}
	s.replyPCM = append(s.replyPCM, f.Data...)
	return nil
}

// StopPlayback discards the buffered reply.
func (s *Source) StopPlayback() {
	s.mu.Lock()
	s.replyPCM = nil
	s.mu.Unlock()
}

// PlaybackComplete reports whether no reply is buffered or being sent.
func (s *Source) PlaybackComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replyPCM) == 0 && s.sendsBusy == 0
}

// WaitPlaybackComplete flushes the buffered reply as a voice note and
// waits for the upload to finish.
func (s *Source) WaitPlaybackComplete(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	pcm := s.replyPCM
	s.replyPCM = nil
	bot := s.bot
	chatID := s.chatID
	if len(pcm) > 0 {
		s.sendsBusy++
	}
	s.mu.Unlock()

	if len(pcm) == 0 {
		return nil
	}
	defer func() {
		s.mu.Lock()
		s.sendsBusy--
		s.mu.Unlock()
	}()

	if bot == nil || chatID == 0 {
		return fmt.Errorf("telegramsrc: no chat to reply to")
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ogg, err := pcmToOGG(sendCtx, pcm, voice.PlaybackRate)
	if err != nil {
		return err
	}

	note := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "reply.ogg", Bytes: ogg})
	if _, err := bot.Send(note); err != nil {
		return fmt.Errorf("telegramsrc: send voice note: %w", err)
	}
	return nil
}
