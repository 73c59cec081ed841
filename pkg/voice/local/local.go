// Package local implements [voice.Source] for the machine's default
// microphone and speakers by piping PCM through the ALSA command-line
// tools (arecord / aplay). Keeping capture and playback in child
// processes isolates blocking device I/O from the session's goroutines.
//
// Echo handling: capture frames are dropped while playback is in
// progress and for a short cooldown afterwards, so the model does not
// hear its own voice. A loud utterance still gets through, which lets
// the user interrupt.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/logabell/conversator/pkg/voice"
)

var _ voice.Source = (*Source)(nil)

const (
	// interruptRMS is the capture level that counts as deliberate speech
	// during playback. Must sit above speaker echo.
	interruptRMS = 10000

	// echoCooldown suppresses capture after playback ends to catch the
	// echo tail.
	echoCooldown = 500 * time.Millisecond
)

// Option configures a Source.
type Option func(*Source)

// WithCaptureCommand overrides the capture command line. The command
// must write raw PCM16 mono at [voice.CaptureRate] to stdout.
func WithCaptureCommand(name string, args ...string) Option {
	return func(s *Source) { s.captureCmd = append([]string{name}, args...) }
}

// WithPlaybackCommand overrides the playback command line. The command
// must read raw PCM16 mono at [voice.PlaybackRate] from stdin.
func WithPlaybackCommand(name string, args ...string) Option {
	return func(s *Source) { s.playbackCmd = append([]string{name}, args...) }
}

// Source captures from the default microphone and plays through the
// default output device.
type Source struct {
	captureCmd  []string
	playbackCmd []string

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	capture    *exec.Cmd
	playback   *exec.Cmd
	playStdin  io.WriteCloser
	frames     chan voice.Frame
	queue      *voice.PlayQueue
	lastPlayed time.Time
}

// New creates a local source using arecord and aplay.
func New(opts ...Option) *Source {
	s := &Source{
		captureCmd: []string{
			"arecord", "-q", "-t", "raw", "-f", "S16_LE", "-c", "1",
			"-r", strconv.Itoa(voice.CaptureRate),
		},
		playbackCmd: []string{
			"aplay", "-q", "-t", "raw", "-f", "S16_LE", "-c", "1",
			"-r", strconv.Itoa(voice.PlaybackRate),
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns the capture and playback processes. Idempotent.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())

	capture := exec.CommandContext(runCtx, s.captureCmd[0], s.captureCmd[1:]...)
	stdout, err := capture.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("local: capture pipe: %w", err)
	}
	if err := capture.Start(); err != nil {
		cancel()
		return fmt.Errorf("local: start capture: %w", err)
	}

	playback := exec.CommandContext(runCtx, s.playbackCmd[0], s.playbackCmd[1:]...)
	stdin, err := playback.StdinPipe()
	if err != nil {
		cancel()
		capture.Wait()
		return fmt.Errorf("local: playback pipe: %w", err)
	}
	if err := playback.Start(); err != nil {
		cancel()
		capture.Wait()
		return fmt.Errorf("local: start playback: %w", err)
	}

	s.started = true
	s.cancel = cancel
	s.capture = capture
	s.playback = playback
	s.playStdin = stdin
	s.frames = make(chan voice.Frame, 64)
	s.queue = voice.NewPlayQueue(s.writeFrame)

	go s.captureLoop(stdout)
	return nil
}

// writeFrame pushes one frame into the player and blocks for roughly its
// duration, so queue drain tracks audible playback.
func (s *Source) writeFrame(f voice.Frame) {
	s.mu.Lock()
	w := s.playStdin
	s.lastPlayed = time.Now()
	s.mu.Unlock()
	if w == nil {
		return
	}
	if _, err := w.Write(f.Data); err != nil {
		slog.Warn("local: playback write failed", "error", err)
		return
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = voice.PlaybackRate
	}
	time.Sleep(time.Duration(len(f.Data)/2) * time.Second / time.Duration(rate))
	s.mu.Lock()
	s.lastPlayed = time.Now()
	s.mu.Unlock()
}

// captureLoop reads fixed-size PCM frames from the capture process and
// forwards them, applying echo suppression.
func (s *Source) captureLoop(r io.Reader) {
	defer close(s.frames)
	buf := make([]byte, voice.CaptureFrameBytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		frame := make([]byte, len(buf))
		copy(frame, buf)

		if s.suppress(frame) {
			continue
		}
		select {
		case s.frames <- voice.Frame{Data: frame, SampleRate: voice.CaptureRate}:
		default:
			// Consumer stalled; drop rather than block the device reader.
		}
	}
}

// suppress reports whether a capture frame should be dropped as echo.
func (s *Source) suppress(frame []byte) bool {
	s.mu.Lock()
	queue := s.queue
	last := s.lastPlayed
	s.mu.Unlock()
	if queue == nil {
		return false
	}
	playing := !queue.Complete() || time.Since(last) < echoCooldown
	if !playing {
		return false
	}
	// Loud speech during playback is an interruption, let it through.
	return voice.RMS(frame) < interruptRMS
}

// Stop tears down both child processes. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	queue := s.queue
	stdin := s.playStdin
	cancel := s.cancel
	capture, playback := s.capture, s.playback
	s.queue = nil
	s.playStdin = nil
	s.mu.Unlock()

	queue.Close()
	if stdin != nil {
		stdin.Close()
	}
	cancel()
	if capture != nil {
		capture.Wait()
	}
	if playback != nil {
		playback.Wait()
	}
	return nil
}

// Frames returns the capture stream.
func (s *Source) Frames() <-chan voice.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Play enqueues a PCM16 mono frame for FIFO playback.
func (s *Source) Play(f voice.Frame) error {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return fmt.Errorf("local: source not started")
	}
	queue.Enqueue(f)
	return nil
}

// StopPlayback drops all queued frames.
func (s *Source) StopPlayback() {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue != nil {
		queue.Clear()
	}
}

// PlaybackComplete reports whether the playback queue has drained.
func (s *Source) PlaybackComplete() bool {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	return queue == nil || queue.Complete()
}

// WaitPlaybackComplete blocks until playback drains or timeout elapses.
func (s *Source) WaitPlaybackComplete(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return nil
	}
	return queue.Wait(ctx, timeout)
}
