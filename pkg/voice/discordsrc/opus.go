package discordsrc

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/logabell/conversator/pkg/voice"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusFrameBytes is the PCM input size of one Opus frame:
	// 960 samples/channel x 2 channels x 2 bytes/sample.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// opusDecoder wraps a gopus decoder for a single participant stream.
// Each participant gets its own decoder to keep decoder state intact
// across consecutive frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discordsrc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes an Opus packet into interleaved little-endian PCM16.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discordsrc: opus decode: %w", err)
	}
	return voice.Int16sToBytes(pcm), nil
}

// opusEncoder wraps a gopus encoder for the output stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discordsrc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes interleaved little-endian PCM16 into an Opus packet.
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	pcm := voice.BytesToInt16s(pcmBytes)
	opus, err := e.enc.Encode(pcm, opusFrameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("discordsrc: opus encode: %w", err)
	}
	return opus, nil
}
