package audio

import (
	"fmt"
	"math"
	"math/cmplx"
)

// AnalysisKind selects how spectrum bins are grouped.
type AnalysisKind string

const (
	KindFrequency AnalysisKind = "frequency"
	KindMusic     AnalysisKind = "music"
	KindVoice     AnalysisKind = "voice"
)

const (
	// FFTSize is the analysis window length in samples.
	FFTSize     = 1024
	minDecibels = -100.0
	maxDecibels = -30.0

	voiceMinHz = 32.0
	voiceMaxHz = 2000.0
)

var noteNames = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Spectrum is a magnitude snapshot normalized to [0, 1].
type Spectrum struct {
	Values      []float64 `json:"values"`
	Frequencies []float64 `json:"frequencies"`
	Labels      []string  `json:"labels"`
}

// ParseAnalysisKind maps a user supplied name to a kind, defaulting to frequency.
func ParseAnalysisKind(s string) AnalysisKind {
	switch AnalysisKind(s) {
	case KindMusic:
		return KindMusic
	case KindVoice:
		return KindVoice
	default:
		return KindFrequency
	}
}

// Analyze computes a spectrum over the most recent FFTSize samples.
func Analyze(samples []int16, sampleRate int, kind AnalysisKind) Spectrum {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	bins := magnitudes(samples)
	binHz := float64(sampleRate) / FFTSize

	switch kind {
	case KindMusic, KindVoice:
		notes, labels := noteTable(kind == KindVoice)
		values := make([]float64, len(notes))
		for i, f := range notes {
			lo := f * math.Pow(2, -1.0/24)
			hi := f * math.Pow(2, 1.0/24)
			best := -1.0
			for b := int(lo / binHz); b <= int(hi/binHz) && b < len(bins); b++ {
				freq := float64(b) * binHz
				if freq < lo || freq >= hi {
					continue
				}
				best = math.Max(best, bins[b])
			}
			if best < 0 {
				nearest := int(math.Round(f / binHz))
				if nearest >= len(bins) {
					nearest = len(bins) - 1
				}
				best = bins[nearest]
			}
			values[i] = best
		}
		return Spectrum{Values: values, Frequencies: notes, Labels: labels}
	default:
		freqs := make([]float64, len(bins))
		labels := make([]string, len(bins))
		for i := range bins {
			freqs[i] = float64(i) * binHz
			labels[i] = fmt.Sprintf("%.0f Hz", freqs[i])
		}
		return Spectrum{Values: bins, Frequencies: freqs, Labels: labels}
	}
}

// magnitudes returns FFTSize/2 normalized dB magnitudes of a Hann-windowed frame.
func magnitudes(samples []int16) []float64 {
	frame := make([]complex128, FFTSize)
	offset := FFTSize - len(samples)
	start := 0
	if offset < 0 {
		start = -offset
		offset = 0
	}
	for i := start; i < len(samples); i++ {
		j := offset + i - start
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(j)/float64(FFTSize-1)))
		frame[j] = complex(float64(samples[i])/32768.0*w, 0)
	}
	fft(frame)

	out := make([]float64, FFTSize/2)
	for i := range out {
		mag := cmplx.Abs(frame[i]) / FFTSize
		db := minDecibels
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		v := (db - minDecibels) / (maxDecibels - minDecibels)
		out[i] = math.Max(0, math.Min(1, v))
	}
	return out
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform; len(x) must be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				a := x[start+k]
				b := x[start+k+size/2] * w
				x[start+k] = a + b
				x[start+k+size/2] = a - b
				w *= step
			}
		}
	}
}

func noteTable(voiceOnly bool) ([]float64, []string) {
	var (
		freqs  []float64
		labels []string
	)
	for octave := 1; octave <= 8; octave++ {
		for n, name := range noteNames {
			midi := 12*(octave+1) + n
			f := 440 * math.Pow(2, float64(midi-69)/12)
			if voiceOnly && (f < voiceMinHz || f > voiceMaxHz) {
				continue
			}
			freqs = append(freqs, f)
			labels = append(labels, fmt.Sprintf("%s%d", name, octave))
		}
	}
	return freqs, labels
}
