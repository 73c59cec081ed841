package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/logabell/conversator/internal/relay"
	"github.com/logabell/conversator/pkg/provider/live"
	"github.com/logabell/conversator/pkg/voice"
)

const (
	// speechRMSThreshold separates speech frames from room noise.
	speechRMSThreshold = 1500.0

	// generatingRMSFactor raises the threshold while the model speaks, so
	// speaker bleed does not read as user speech.
	generatingRMSFactor = 3.0

	// idleFramesForEnd is how many consecutive sub-threshold frames
	// (~1s at 100ms frames) close an utterance with an audio-end signal.
	idleFramesForEnd = 10

	// maxSendErrors before the audio loop backs off.
	maxSendErrors   = 5
	sendErrorPause  = time.Second
	turnRetryPause  = 500 * time.Millisecond
	playbackTimeout = 10 * time.Second

	// safePointTick drives announcement delivery and ambient-audio
	// transitions; one announcement at most per tick.
	safePointTick = 100 * time.Millisecond
)

// toolDispatcher adapts the tool handler to the live session's dispatch
// callback and executes the side-effect half of each response: voice
// feedback goes through the announcement queue, ambient bits toggle the
// waiting music. Only Result travels back to the model.
type toolDispatcher struct {
	app *App
}

func (d *toolDispatcher) Dispatch(ctx context.Context, name string, args map[string]any) map[string]any {
	resp := d.app.tools.Dispatch(ctx, name, args)
	if resp.VoiceFeedback != "" {
		d.app.relayState.EnqueueAnnouncement(resp.VoiceFeedback, relay.AnnounceInfo, "")
	}
	if resp.StartAmbient {
		d.app.ambient.Start()
	}
	if resp.StopAmbient {
		d.app.ambient.Stop()
	}
	return resp.Result
}

// audioSendLoop drains capture frames, classifies speech by RMS level and
// forwards it upstream. Typed commands from chat-platform sources take
// the text path. The loop owns utterance boundaries: after an utterance,
// ten consecutive idle frames send one explicit audio-end.
func (a *App) audioSendLoop(ctx context.Context) error {
	frames := a.source.Frames()
	var texts <-chan string
	if ts, ok := a.source.(voice.TextSource); ok {
		texts = ts.Texts()
	}

	var (
		speaking   bool
		idleFrames int
		sendErrors int
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case text, ok := <-texts:
			if !ok {
				texts = nil
				continue
			}
			a.conversation.LogUserSpeech(text, 0, true)
			if err := a.model.SendText(text); err != nil {
				if !a.recoverSend(ctx, err, &sendErrors) {
					return fmt.Errorf("app: send text: %w", err)
				}
			}

		case f, ok := <-frames:
			if !ok {
				return errors.New("app: capture stream closed")
			}
			threshold := speechRMSThreshold
			if a.model.Generating() {
				threshold *= generatingRMSFactor
			}

			if voice.RMS(f.Data) >= threshold {
				speaking = true
				idleFrames = 0
				if err := a.model.SendAudio(f.Data); err != nil {
					if !a.recoverSend(ctx, err, &sendErrors) {
						return fmt.Errorf("app: send audio: %w", err)
					}
					continue
				}
				sendErrors = 0
				continue
			}

			if !speaking {
				continue
			}
			idleFrames++
			if idleFrames < idleFramesForEnd {
				continue
			}
			speaking = false
			idleFrames = 0
			if err := a.model.SendAudioEnd(); err != nil {
				if !a.recoverSend(ctx, err, &sendErrors) {
					return fmt.Errorf("app: send audio end: %w", err)
				}
			}
		}
	}
}

// recoverSend handles an upstream send failure. Disconnects trigger the
// reconnect policy; other errors accumulate and pause the loop after
// maxSendErrors. Returns false when the loop should die.
func (a *App) recoverSend(ctx context.Context, err error, sendErrors *int) bool {
	if !a.model.Connected() {
		slog.Warn("model disconnected, reconnecting", "error", err)
		if !a.model.Reconnect(ctx) {
			return false
		}
		*sendErrors = 0
		return true
	}

	*sendErrors++
	slog.Warn("audio send failed", "error", err, "consecutive", *sendErrors)
	if *sendErrors >= maxSendErrors {
		*sendErrors = 0
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sendErrorPause):
		}
	}
	return true
}

// responseLoop runs model turns back to back: play downstream audio,
// log text, and after each completed turn wait for playback to drain
// before yielding to the next. Connection resets go through the
// reconnect policy; exhausting it is fatal.
func (a *App) responseLoop(ctx context.Context) error {
	onAudio := func(pcm []byte) {
		if err := a.source.Play(voice.Frame{Data: pcm, SampleRate: voice.PlaybackRate}); err != nil {
			slog.Warn("playback enqueue failed", "error", err)
		}
	}
	onText := func(text string) {
		a.conversation.LogAssistantResponse(text, true)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := a.model.ProcessResponses(ctx, onAudio, onText)
		switch {
		case err == nil:
			if werr := a.source.WaitPlaybackComplete(ctx, playbackTimeout); werr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("playback did not drain", "error", werr)
			}

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err

		case errors.Is(err, live.ErrConnectionReset):
			slog.Warn("model connection reset", "error", err)
			if !a.model.Reconnect(ctx) {
				return fmt.Errorf("app: model reconnect exhausted: %w", err)
			}

		default:
			slog.Warn("turn failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(turnRetryPause):
			}
		}
	}
}

// safePointLoop delivers queued announcements at safe points — model
// quiet, no tool in flight, playback drained, debounce elapsed — one per
// tick, and keeps the waiting music in step with the waiting-thread set.
func (a *App) safePointLoop(ctx context.Context) error {
	ticker := time.NewTicker(safePointTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			in := relay.SafePointInput{
				Generating:       a.model.Generating(),
				ToolInFlight:     a.model.ToolInFlight(),
				PlaybackComplete: a.source.PlaybackComplete(),
				LastTurnComplete: a.model.LastTurnComplete(),
			}
			if ann, ok := a.relay.NextAnnouncement(in, now); ok {
				if err := a.model.SendText(ann.Text); err != nil {
					slog.Warn("announcement delivery failed", "error", err)
					a.relayState.EnqueueAnnouncement(ann.Text, ann.Kind, ann.ThreadID)
					continue
				}
				a.conversation.LogSystemEvent(ann.Text, "announcement")
				continue
			}

			if a.relay.WaitingMusicShouldPlay() {
				if !a.ambient.Playing() {
					a.ambient.Start()
				}
			} else if a.ambient.Playing() {
				a.ambient.Stop()
			}
		}
	}
}
