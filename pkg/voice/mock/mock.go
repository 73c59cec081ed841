// Package mock provides an in-memory implementation of [voice.Source]
// for unit tests.
//
// The mock is safe for concurrent use. Tests push capture frames through
// [Source.Capture], inspect played audio via [Source.Played], and control
// the playback-complete signal with [Source.SetPlaybackComplete].
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/logabell/conversator/pkg/voice"
)

// Compile-time interface assertions.
var (
	_ voice.Source     = (*Source)(nil)
	_ voice.TextSource = (*Source)(nil)
)

// Source is a mock implementation of [voice.Source] and [voice.TextSource].
type Source struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// PlayError is returned by Play.
	PlayError error

	frames chan voice.Frame
	texts  chan string

	played           []voice.Frame
	playbackComplete bool
	stopPlaybacks    int
	started          bool
	stopped          bool
}

// New creates a mock source with buffered capture and text channels.
func New() *Source {
	return &Source{
		frames:           make(chan voice.Frame, 64),
		texts:            make(chan string, 16),
		playbackComplete: true,
	}
}

// Capture queues a frame on the capture channel, as if the microphone
// produced it.
func (s *Source) Capture(data []byte) {
	s.frames <- voice.Frame{Data: data, SampleRate: voice.CaptureRate}
}

// TypeText queues a typed user command.
func (s *Source) TypeText(text string) { s.texts <- text }

// CloseCapture closes the capture stream, simulating source shutdown.
func (s *Source) CloseCapture() { close(s.frames) }

func (s *Source) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *Source) Frames() <-chan voice.Frame { return s.frames }

func (s *Source) Texts() <-chan string { return s.texts }

func (s *Source) Play(f voice.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayError != nil {
		return s.PlayError
	}
	s.played = append(s.played, f)
	return nil
}

func (s *Source) StopPlayback() {
	s.mu.Lock()
	s.stopPlaybacks++
	s.playbackComplete = true
	s.mu.Unlock()
}

func (s *Source) PlaybackComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackComplete
}

func (s *Source) WaitPlaybackComplete(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if s.PlaybackComplete() {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// SetPlaybackComplete controls the playback-complete signal.
func (s *Source) SetPlaybackComplete(done bool) {
	s.mu.Lock()
	s.playbackComplete = done
	s.mu.Unlock()
}

// Played returns a snapshot of every frame handed to Play.
func (s *Source) Played() []voice.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]voice.Frame, len(s.played))
	copy(out, s.played)
	return out
}

// StopPlaybackCalls reports how many times StopPlayback ran.
func (s *Source) StopPlaybackCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopPlaybacks
}

// Started reports whether Start succeeded at least once.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
