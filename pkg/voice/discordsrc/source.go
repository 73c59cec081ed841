// Package discordsrc implements [voice.Source] over a Discord voice
// channel. The bot joins the configured channel, decodes everything the
// participants say into 16 kHz mono capture frames, and speaks model
// audio back as 48 kHz stereo Opus.
//
// Echo never happens here: Discord does not loop the bot's own audio
// back into OpusRecv, so capture needs no suppression.
package discordsrc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/logabell/conversator/pkg/voice"
)

var _ voice.Source = (*Source)(nil)

const captureBuffer = 64

// Config identifies the voice channel the bot joins.
type Config struct {
	Token     string
	GuildID   string
	ChannelID string
}

// Source is a Discord-backed [voice.Source].
type Source struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	session *discordgo.Session
	vc      *discordgo.VoiceConnection
	frames  chan voice.Frame
	queue   *voice.PlayQueue
	done    chan struct{}

	// pcmRemainder carries partial Opus-frame bytes between Play calls.
	pcmRemainder []byte
	enc          *opusEncoder
}

// New creates a Discord source. Start performs the actual connection.
func New(cfg Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, logger: logger.With("component", "discordsrc")}
}

// Start opens the bot session and joins the voice channel. Idempotent.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return fmt.Errorf("discordsrc: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		return fmt.Errorf("discordsrc: open gateway: %w", err)
	}

	vc, err := session.ChannelVoiceJoin(s.cfg.GuildID, s.cfg.ChannelID, false, false)
	if err != nil {
		session.Close()
		return fmt.Errorf("discordsrc: join voice channel: %w", err)
	}

	enc, err := newOpusEncoder()
	if err != nil {
		vc.Disconnect()
		session.Close()
		return err
	}

	s.started = true
	s.session = session
	s.vc = vc
	s.enc = enc
	s.frames = make(chan voice.Frame, captureBuffer)
	s.done = make(chan struct{})
	s.queue = voice.NewPlayQueue(s.sendFrame)

	go s.recvLoop(vc, s.frames, s.done)
	return nil
}

// recvLoop decodes inbound Opus packets per participant and forwards
// them as 16 kHz mono capture frames.
func (s *Source) recvLoop(vc *discordgo.VoiceConnection, frames chan<- voice.Frame, done <-chan struct{}) {
	defer close(frames)
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-done:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					s.logger.Error("opus decoder create failed", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				s.logger.Warn("opus decode failed", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			mono := voice.StereoToMono(pcm)
			mono = voice.ResampleMono16(mono, opusSampleRate, voice.CaptureRate)
			select {
			case frames <- voice.Frame{Data: mono, SampleRate: voice.CaptureRate}:
			default:
				// Consumer stalled, drop rather than block the UDP reader.
			}
		}
	}
}

// sendFrame converts one model frame to Discord's wire format and ships
// complete Opus frames. Partial frames carry over to the next call.
func (s *Source) sendFrame(f voice.Frame) {
	rate := f.SampleRate
	if rate <= 0 {
		rate = voice.PlaybackRate
	}
	pcm := voice.ResampleMono16(f.Data, rate, opusSampleRate)
	pcm = voice.MonoToStereo(pcm)

	s.mu.Lock()
	buf := append(s.pcmRemainder, pcm...)
	vc := s.vc
	enc := s.enc
	done := s.done
	s.mu.Unlock()
	if vc == nil {
		return
	}

	for len(buf) >= opusFrameBytes {
		opus, err := enc.encode(buf[:opusFrameBytes])
		buf = buf[opusFrameBytes:]
		if err != nil {
			s.logger.Warn("opus encode failed", "error", err)
			continue
		}
		select {
		case vc.OpusSend <- opus:
		case <-done:
			return
		}
	}

	s.mu.Lock()
	s.pcmRemainder = buf
	s.mu.Unlock()
}

// Stop leaves the voice channel and closes the gateway. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	queue := s.queue
	vc, session, done := s.vc, s.session, s.done
	s.queue = nil
	s.vc = nil
	s.session = nil
	s.pcmRemainder = nil
	s.mu.Unlock()

	close(done)
	queue.Close()
	var err error
	if vc != nil {
		err = vc.Disconnect()
	}
	if session != nil {
		if cerr := session.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Frames returns the capture stream.
func (s *Source) Frames() <-chan voice.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Play enqueues one PCM16 mono frame for transmission.
func (s *Source) Play(f voice.Frame) error {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return fmt.Errorf("discordsrc: source not started")
	}
	queue.Enqueue(f)
	return nil
}

// StopPlayback drops queued frames and any partial Opus frame.
func (s *Source) StopPlayback() {
	s.mu.Lock()
	queue := s.queue
	s.pcmRemainder = nil
	s.mu.Unlock()
	if queue != nil {
		queue.Clear()
	}
}

// PlaybackComplete reports whether the transmit queue has drained.
func (s *Source) PlaybackComplete() bool {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	return queue == nil || queue.Complete()
}

// WaitPlaybackComplete blocks until the transmit queue drains.
func (s *Source) WaitPlaybackComplete(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return nil
	}
	return queue.Wait(ctx, timeout)
}
