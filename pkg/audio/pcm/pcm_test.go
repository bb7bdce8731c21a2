package pcm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
)

func collect(t *testing.T, c audio.Capture) []audio.Frame {
	t.Helper()
	var out []audio.Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out waiting for frames channel to close")
		}
	}
}

func TestSource_FramesFile(t *testing.T) {
	t.Parallel()

	// 50 ms of 16 kHz mono s16le plus one odd trailing byte.
	data := make([]byte, 16000*2/20+1)
	path := filepath.Join(t.TempDir(), "speech.pcm")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	src := New(path, WithFrameMs(20))
	c, err := src.Open(context.Background(), audio.SessionConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	frames := collect(t, c)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if got := len(frames[0].Data); got != 640 {
		t.Errorf("first frame = %d bytes, want 640", got)
	}
	if got := len(frames[2].Data); got != 320 {
		t.Errorf("last frame = %d bytes, want 320", got)
	}
	if frames[1].Timestamp != 20*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 20ms", frames[1].Timestamp)
	}
}

func TestSource_OpenError(t *testing.T) {
	t.Parallel()

	want := errors.New("permission denied")
	src := New("mic", withOpener(func(string) (io.ReadCloser, error) { return nil, want }))
	_, err := src.Open(context.Background(), audio.DefaultSessionConfig())
	if !errors.Is(err, want) {
		t.Fatalf("got err = %v, want %v", err, want)
	}
}

type blockingReader struct {
	closed chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.closed
	return 0, os.ErrClosed
}

func (b *blockingReader) Close() error {
	close(b.closed)
	return nil
}

func TestCapture_CloseUnblocksReader(t *testing.T) {
	t.Parallel()

	br := &blockingReader{closed: make(chan struct{})}
	src := New("mic", withOpener(func(string) (io.ReadCloser, error) { return br, nil }))
	c, err := src.Open(context.Background(), audio.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if frames := collect(t, c); len(frames) != 0 {
		t.Errorf("got %d frames after close, want 0", len(frames))
	}
}

func TestSource_StdinCloseWhileIdle(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	src := New("-", withStdin(pr))

	c, err := src.Open(context.Background(), audio.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on idle stdin")
	}
	if frames := collect(t, c); len(frames) != 0 {
		t.Errorf("got %d frames after close, want 0", len(frames))
	}
}

func TestSource_StdinFeedsNextCapture(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	src := New("-", withStdin(pr), WithFrameMs(20))
	cfg := audio.SessionConfig{SampleRate: 16000, Channels: 1}

	first, err := src.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := src.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer second.Close()

	go func() {
		_, _ = pw.Write(make([]byte, 640))
		_ = pw.Close()
	}()

	frames := collect(t, second)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if got := len(frames[0].Data); got != 640 {
		t.Errorf("frame = %d bytes, want 640", got)
	}
}

func TestSource_Realtime(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0, 0}, 16000/1000*10*3) // 3 × 10 ms
	src := New("-", WithFrameMs(10), WithRealtime(true),
		withOpener(func(string) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}))
	start := time.Now()
	c, err := src.Open(context.Background(), audio.SessionConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	frames := collect(t, c)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("realtime delivery took %v, want at least 15ms", elapsed)
	}
}

func TestSource_ConvertsInputFormat(t *testing.T) {
	t.Parallel()

	// 40 ms of 48 kHz stereo.
	data := make([]byte, 48000*2*2*40/1000)
	src := New("-", WithFrameMs(20), WithInputFormat(audio.Format{SampleRate: 48000, Channels: 2}),
		withOpener(func(string) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}))
	c, err := src.Open(context.Background(), audio.SessionConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	frames := collect(t, c)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if f.SampleRate != 16000 || f.Channels != 1 || len(f.Data) != 640 {
			t.Errorf("frame %d = %dHz %dch %d bytes, want 16000Hz mono 640 bytes", i, f.SampleRate, f.Channels, len(f.Data))
		}
	}
	if frames[1].Timestamp != 20*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 20ms", frames[1].Timestamp)
	}
}
