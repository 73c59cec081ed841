package local

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/logabell/conversator/pkg/voice"
)

// testSource wires the capture side to a fixed-size /dev/zero read and
// sinks playback into cat, so no audio hardware is needed.
func testSource(t *testing.T, captureFrames int) *Source {
	t.Helper()
	s := New(
		WithCaptureCommand("dd", "if=/dev/zero",
			"bs=3200", "count="+strconv.Itoa(captureFrames), "status=none"),
		WithPlaybackCommand("sh", "-c", "cat > /dev/null"),
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestCaptureFrames(t *testing.T) {
	t.Parallel()
	s := testSource(t, 3)

	var got int
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				if got != 3 {
					t.Fatalf("captured %d frames before close, want 3", got)
				}
				return
			}
			if len(f.Data) != voice.CaptureFrameBytes {
				t.Errorf("frame size = %d, want %d", len(f.Data), voice.CaptureFrameBytes)
			}
			if f.SampleRate != voice.CaptureRate {
				t.Errorf("frame rate = %d, want %d", f.SampleRate, voice.CaptureRate)
			}
			got++
		case <-timeout:
			t.Fatalf("captured %d frames, channel never closed", got)
		}
	}
}

func TestPlaybackDrains(t *testing.T) {
	t.Parallel()
	s := testSource(t, 1)

	// 10 ms of playback audio, enough to observe draining without
	// slowing the test.
	frame := voice.Frame{Data: make([]byte, 480), SampleRate: voice.PlaybackRate}
	for i := 0; i < 3; i++ {
		if err := s.Play(frame); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}

	if err := s.WaitPlaybackComplete(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitPlaybackComplete: %v", err)
	}
	if !s.PlaybackComplete() {
		t.Error("PlaybackComplete = false after drain")
	}
}

func TestStopPlaybackClearsQueue(t *testing.T) {
	t.Parallel()
	s := testSource(t, 1)

	// Half a second of audio, then cut it.
	frame := voice.Frame{Data: make([]byte, 24000), SampleRate: voice.PlaybackRate}
	for i := 0; i < 2; i++ {
		if err := s.Play(frame); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
	s.StopPlayback()

	if err := s.WaitPlaybackComplete(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("WaitPlaybackComplete after StopPlayback: %v", err)
	}
}

func TestStartIdempotent(t *testing.T) {
	t.Parallel()
	s := testSource(t, 1)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestPlayBeforeStart(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.Play(voice.Frame{Data: []byte{0, 0}}); err == nil {
		t.Error("Play before Start should error")
	}
}
