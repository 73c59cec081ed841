// Package voice defines the audio-source capability the orchestrator
// consumes: capture PCM frames from the user, play model audio back, and
// interrupt playback. Implementations live in the subpackages local,
// discordsrc and telegramsrc; tests use voice/mock.
//
// All sources speak little-endian PCM16 mono. Capture runs at
// [CaptureRate]; playback at [PlaybackRate]. The core treats each source
// as the authority on echo handling — a source may suppress or buffer
// capture while playback is in progress.
package voice

import (
	"context"
	"math"
	"time"
)

const (
	// CaptureRate is the microphone sample rate in Hz the model expects.
	CaptureRate = 16000

	// PlaybackRate is the sample rate in Hz of audio the model sends.
	PlaybackRate = 24000

	// FrameDuration is the nominal length of one capture frame.
	FrameDuration = 100 * time.Millisecond
)

// CaptureFrameBytes is the size of one capture frame: 100 ms of PCM16
// mono at 16 kHz.
const CaptureFrameBytes = CaptureRate / 10 * 2

// Frame is one chunk of PCM16 mono audio.
type Frame struct {
	Data       []byte
	SampleRate int
}

// Source is the audio capability the session core consumes.
//
// Start and Stop are idempotent. Frames returns the capture stream; the
// channel is closed when the source stops. Play enqueues a frame for FIFO
// playback, StopPlayback drops everything queued (model interruption),
// and the two playback probes let the core drain audio before yielding
// the turn.
//
// Implementations must be safe for concurrent use.
type Source interface {
	Start(ctx context.Context) error
	Stop() error

	Frames() <-chan Frame

	Play(f Frame) error
	StopPlayback()
	PlaybackComplete() bool
	WaitPlaybackComplete(ctx context.Context, timeout time.Duration) error
}

// TextSource is implemented by sources that can also deliver typed user
// commands (chat-platform bridges). The channel is closed on Stop.
type TextSource interface {
	Texts() <-chan string
}

// RMS returns the root-mean-square level of little-endian PCM16 samples.
// Used to classify frames as speech or silence.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
