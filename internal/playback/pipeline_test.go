package playback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/device"
)

func ramp(from, n int) audio.Buffer {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(from + i)
	}
	return audio.NewBuffer(samples, audio.DefaultSampleRate)
}

func connected(t require.TestingT, speed float64) (*Pipeline, *device.Virtual) {
	dev := device.NewVirtual(device.VirtualConfig{Speed: speed})
	p := New(dev, Options{})
	require.NoError(t, p.Connect(context.Background()))
	return p, dev
}

func TestAddRequiresConnect(t *testing.T) {
	p := New(device.NewVirtual(device.VirtualConfig{}), Options{})
	require.ErrorIs(t, p.Add16BitPCM(ramp(0, 10), "a"), ErrNotConnected)

	_, ok := p.Interrupt()
	assert.False(t, ok)
	require.NoError(t, p.Close())
}

func TestConnectIsExclusive(t *testing.T) {
	p, dev := connected(t, 1)
	require.ErrorIs(t, p.Connect(context.Background()), ErrAlreadyConnected)
	require.NoError(t, p.Close())
	assert.False(t, dev.OutputHeld())
	require.NoError(t, p.Close())
}

func TestRejectsForeignSampleRate(t *testing.T) {
	p, _ := connected(t, 1)
	defer p.Close()
	err := p.Add16BitPCM(audio.NewBuffer([]int16{1, 2}, 16000), "a")
	require.ErrorIs(t, err, audio.ErrRateMismatch)
}

func TestInterruptOnIdlePipeline(t *testing.T) {
	p, _ := connected(t, 1)
	defer p.Close()
	res, ok := p.Interrupt()
	assert.False(t, ok)
	assert.Equal(t, Interruption{}, res)
}

func TestPlaysTracksInSubmissionOrder(t *testing.T) {
	p, dev := connected(t, 1)
	defer p.Close()

	require.NoError(t, p.Add16BitPCM(ramp(0, 500), "a"))
	require.NoError(t, p.Add16BitPCM(ramp(1000, 300), "b"))
	require.NoError(t, p.Add16BitPCM(ramp(500, 500), "a"))

	require.Eventually(t, func() bool { return len(dev.Rendered()) == 1300 }, 2*time.Second, 5*time.Millisecond)
	got := dev.Rendered()
	for i := 0; i < 1000; i++ {
		require.Equal(t, int16(i), got[i], "track a sample %d", i)
	}
	for i := 0; i < 300; i++ {
		require.Equal(t, int16(1000+i), got[1000+i], "track b sample %d", i)
	}
}

func TestInterruptReportsRenderedOffset(t *testing.T) {
	p, dev := connected(t, 1)
	defer p.Close()

	require.NoError(t, p.Add16BitPCM(ramp(0, audio.DefaultSampleRate), "resp-1"))
	time.Sleep(60 * time.Millisecond)

	res, ok := p.Interrupt()
	require.True(t, ok)
	assert.Equal(t, "resp-1", res.TrackID)
	assert.GreaterOrEqual(t, res.SamplesPlayed, 0)
	assert.Less(t, res.SamplesPlayed, audio.DefaultSampleRate)
	assert.Len(t, dev.Rendered(), res.SamplesPlayed)

	require.ErrorIs(t, p.Add16BitPCM(ramp(0, 240), "resp-1"), ErrTrackInterrupted)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, dev.Rendered(), res.SamplesPlayed, "interrupted track kept playing")

	require.NoError(t, p.Add16BitPCM(ramp(0, 240), "resp-2"))
	require.Eventually(t, func() bool { return len(dev.Rendered()) == res.SamplesPlayed+240 }, time.Second, 2*time.Millisecond)

	_, ok = p.Interrupt()
	assert.False(t, ok, "drained pipeline has nothing to interrupt")
}

func TestFrequenciesFollowRenderedAudio(t *testing.T) {
	p, _ := connected(t, 1)
	defer p.Close()

	tone := device.ToneSource(3000, audio.DefaultSampleRate, 12000)(0, audio.DefaultSampleRate/2)
	require.NoError(t, p.Add16BitPCM(audio.NewBuffer(tone, audio.DefaultSampleRate), "tone"))

	require.Eventually(t, func() bool {
		s := p.Frequencies(audio.KindFrequency)
		if len(s.Values) == 0 {
			return false
		}
		peak := 0
		for i, v := range s.Values {
			if v > s.Values[peak] {
				peak = i
			}
		}
		return peak == 128
	}, time.Second, 10*time.Millisecond)
}

// Whatever the timing, an interrupt reports exactly what the device rendered
// for the track, never more than was submitted.
func TestInterruptMatchesDeviceOutput(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p, dev := connected(rt, 20)
		defer p.Close()

		sizes := rapid.SliceOfN(rapid.IntRange(1, 2000), 1, 6).Draw(rt, "sizes")
		submitted := 0
		for _, n := range sizes {
			require.NoError(rt, p.Add16BitPCM(ramp(submitted, n), "t"))
			submitted += n
		}
		time.Sleep(time.Duration(rapid.IntRange(0, 8).Draw(rt, "wait_ms")) * time.Millisecond)

		res, ok := p.Interrupt()
		rendered := dev.Rendered()
		if !ok {
			if len(rendered) != 0 {
				require.Len(rt, rendered, submitted, "only a drained track may go unreported")
			}
			return
		}
		require.Equal(rt, "t", res.TrackID)
		require.LessOrEqual(rt, res.SamplesPlayed, submitted)
		require.Len(rt, rendered, res.SamplesPlayed)
		for i, v := range rendered {
			require.Equal(rt, int16(i), v)
		}
	})
}
