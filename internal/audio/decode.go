package audio

import (
	"errors"
	"time"
)

// Clip is a self-describing audio payload kept for review or replay.
type Clip struct {
	SampleRate int
	PCM        Buffer
	WAV        []byte
	Duration   time.Duration
}

// Decode turns a captured or received payload into a Clip at sampleRate.
// The payload may be a WAV stream or raw PCM16LE; raw payloads are assumed to
// already be at fromRate (sampleRate when fromRate is zero).
func Decode(payload []byte, sampleRate, fromRate int) (Clip, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if fromRate <= 0 {
		fromRate = sampleRate
	}

	var (
		pcm Buffer
		err error
	)
	if IsWAV(payload) {
		pcm, err = DecodeWAV(payload)
	} else {
		pcm, err = FromBytes(payload, fromRate)
	}
	if err != nil {
		return Clip{}, err
	}
	return ClipOf(Resample(pcm, sampleRate))
}

// ClipOf wraps an already decoded buffer.
func ClipOf(pcm Buffer) (Clip, error) {
	if pcm.SampleRate() <= 0 {
		return Clip{}, errors.New("clip requires a sample rate")
	}
	wav, err := EncodeWAV(pcm)
	if err != nil {
		return Clip{}, err
	}
	return Clip{
		SampleRate: pcm.SampleRate(),
		PCM:        pcm,
		WAV:        wav,
		Duration:   pcm.Duration(),
	}, nil
}
