package audio

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeWAVHeader(t *testing.T) {
	b := NewBuffer([]int16{1, 2, 3, 4}, 24000)
	wav, err := EncodeWAV(b)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if len(wav) != 44+8 {
		t.Fatalf("len(wav) = %d, want %d", len(wav), 52)
	}
	if !IsWAV(wav) {
		t.Fatalf("IsWAV() = false for encoded stream")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 24000 {
		t.Fatalf("sample rate = %d, want 24000", got)
	}
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	in := NewBuffer([]int16{-5, 7, 32000, -32000}, 16000)
	wav, err := EncodeWAV(in)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	out, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if out.SampleRate() != 16000 || out.Len() != in.Len() || out.At(2) != 32000 {
		t.Fatalf("unexpected decoded buffer: %v @%d", out.Samples(), out.SampleRate())
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("not a wav at all")); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("error = %v, want ErrNotWAV", err)
	}
}

func TestDecodeRawAndWAVPayloads(t *testing.T) {
	raw := NewBuffer(make([]int16, 1600), 16000)

	clip, err := Decode(raw.Bytes(), 24000, 16000)
	if err != nil {
		t.Fatalf("Decode(raw) error = %v", err)
	}
	if clip.SampleRate != 24000 || clip.PCM.Len() != 2400 {
		t.Fatalf("Decode(raw) = rate %d len %d, want 24000/2400", clip.SampleRate, clip.PCM.Len())
	}
	if !IsWAV(clip.WAV) {
		t.Fatalf("clip.WAV is not a wav stream")
	}

	wav, _ := EncodeWAV(raw)
	clip, err = Decode(wav, 16000, 0)
	if err != nil {
		t.Fatalf("Decode(wav) error = %v", err)
	}
	if clip.PCM.Len() != 1600 || clip.Duration.Milliseconds() != 100 {
		t.Fatalf("Decode(wav) len=%d duration=%v", clip.PCM.Len(), clip.Duration)
	}
}
