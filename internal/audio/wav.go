package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrNotWAV = errors.New("payload is not a pcm16 mono wav stream")

// EncodeWAV wraps a PCM buffer in a WAV container.
func EncodeWAV(b Buffer) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVTo writes b to out as a PCM16LE mono WAV stream.
func WriteWAVTo(out io.Writer, b Buffer) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	sampleRate := b.rate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	pcm := b.Bytes()

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fmtChunk := []any{
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
	}
	for _, v := range fmtChunk {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV parses a PCM16 mono WAV stream. Unknown chunks are skipped.
func DecodeWAV(data []byte) (Buffer, error) {
	if !IsWAV(data) {
		return Buffer{}, ErrNotWAV
	}
	var (
		rate     int
		channels uint16
		bits     uint16
		haveFmt  bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Buffer{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			rate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || channels != 1 || bits != 16 {
				return Buffer{}, fmt.Errorf("%w: format=%d channels=%d bits=%d", ErrNotWAV, format, channels, bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Buffer{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return FromBytes(data[body:body+size-size%2], rate)
		}
		pos = body + size + size%2
	}
	return Buffer{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}
