package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Playback format constants.
const (
	// DefaultSampleRate is the PCM sample rate produced by the
	// synthesis service.
	DefaultSampleRate = 22050
	channelCount      = 1
	bytesPerSample    = 2

	pollInterval = 10 * time.Millisecond
)

// Sink plays one audio blob and returns when playback completes or the
// context is cancelled. Cancellation interrupts playback immediately.
type Sink interface {
	Play(ctx context.Context, pcm []byte, volume float64) error
}

// OtoSink plays PCM through the system audio device using oto. The oto
// context is created once and reused; creating it twice in a process is
// an error in oto.
type OtoSink struct {
	mu         sync.Mutex
	context    *oto.Context
	sampleRate int
}

// NewOtoSink creates a sink playing at the given sample rate.
func NewOtoSink(sampleRate int) (*OtoSink, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channelCount,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio context: %w", err)
	}
	<-ready

	return &OtoSink{context: otoCtx, sampleRate: sampleRate}, nil
}

// Play implements Sink. One playback at a time; the playback controller
// is strictly sequential so the lock never contends in practice.
func (s *OtoSink) Play(ctx context.Context, pcm []byte, volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scaled := ApplyVolume(pcm, volume)
	player := s.context.NewPlayer(bytes.NewReader(scaled))
	player.Play()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for player.IsPlaying() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			if err := player.Close(); err != nil {
				return fmt.Errorf("failed to stop playback: %w", err)
			}
			return ctx.Err()
		}
	}

	if err := player.Close(); err != nil {
		return fmt.Errorf("failed to close player: %w", err)
	}
	return nil
}

// ApplyVolume scales 16-bit little-endian PCM samples by volume,
// clamped to [0, 1]. Volume 1.0 returns the input unchanged.
func ApplyVolume(pcm []byte, volume float64) []byte {
	if volume >= 1.0 {
		return pcm
	}
	if volume < 0 {
		volume = 0
	}

	scaled := make([]byte, len(pcm))
	samples := len(pcm) / bytesPerSample
	for i := 0; i < samples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample : i*bytesPerSample+bytesPerSample]))
		out := int16(float64(sample) * volume)
		binary.LittleEndian.PutUint16(scaled[i*bytesPerSample:i*bytesPerSample+bytesPerSample], uint16(out))
	}
	// Preserve a trailing odd byte rather than dropping it.
	if len(pcm)%bytesPerSample != 0 {
		scaled[len(pcm)-1] = pcm[len(pcm)-1]
	}
	return scaled
}
