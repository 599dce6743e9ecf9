package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestVirtualInputIsExclusive(t *testing.T) {
	v := NewVirtual(VirtualConfig{})
	in, err := v.OpenInput(context.Background(), Format{SampleRate: 24000, FramesPerBuffer: 240})
	if err != nil {
		t.Fatalf("OpenInput() error = %v", err)
	}
	if _, err := v.OpenInput(context.Background(), Format{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second OpenInput() error = %v, want ErrBusy", err)
	}
	if err := in.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if v.InputHeld() {
		t.Fatalf("input still held after Close()")
	}
	again, err := v.OpenInput(context.Background(), Format{})
	if err != nil {
		t.Fatalf("OpenInput() after release error = %v", err)
	}
	_ = again.Close()
}

func TestVirtualUnavailable(t *testing.T) {
	v := NewVirtual(VirtualConfig{NoInput: true, NoOutput: true})
	if _, err := v.OpenInput(context.Background(), Format{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("OpenInput() error = %v, want ErrUnavailable", err)
	}
	if _, err := v.OpenOutput(context.Background(), Format{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("OpenOutput() error = %v, want ErrUnavailable", err)
	}
}

func TestVirtualOpenCancelReleasesClaim(t *testing.T) {
	v := NewVirtual(VirtualConfig{OpenDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := v.OpenOutput(ctx, Format{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("OpenOutput() error = %v, want context.Canceled", err)
	}
	if v.OutputHeld() {
		t.Fatalf("output claim leaked after cancelled open")
	}
}

func TestVirtualOutputRecordsRenderedSamples(t *testing.T) {
	v := NewVirtual(VirtualConfig{Speed: 10})
	out, err := v.OpenOutput(context.Background(), Format{SampleRate: 24000})
	if err != nil {
		t.Fatalf("OpenOutput() error = %v", err)
	}
	defer out.Close()

	if err := out.Write(context.Background(), []int16{1, 2, 3}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := out.Write(ctx, []int16{4, 5}); err == nil {
		t.Fatalf("Write() with cancelled context should fail")
	}
	if got := v.Rendered(); len(got) != 3 || got[2] != 3 {
		t.Fatalf("Rendered() = %v, want [1 2 3]", got)
	}
}

func TestVirtualInputSource(t *testing.T) {
	v := NewVirtual(VirtualConfig{Source: func(seq, n int) []int16 {
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(seq)
		}
		return out
	}})
	in, err := v.OpenInput(context.Background(), Format{SampleRate: 24000, FramesPerBuffer: 48})
	if err != nil {
		t.Fatalf("OpenInput() error = %v", err)
	}
	defer in.Close()
	for want := 0; want < 3; want++ {
		buf, err := in.Read(context.Background())
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if len(buf) != 48 || buf[0] != int16(want) {
			t.Fatalf("Read() #%d = len %d first %d", want, len(buf), buf[0])
		}
	}
	_ = in.Close()
	if _, err := in.Read(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read() after Close error = %v, want ErrClosed", err)
	}
}
