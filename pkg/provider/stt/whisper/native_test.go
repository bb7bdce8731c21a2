package whisper_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/audio/mock"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_NilSource_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(nil); err == nil {
		t.Fatal("expected error for nil source, got nil")
	}
}

func TestNativeInitialize_EmptyPath_ReturnsError(t *testing.T) {
	e, err := whisper.NewNative(&mock.Source{})
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if _, err := e.Initialize(context.Background(), stt.ModelConfig{}); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNativeInitialize_InvalidPath_ReturnsError(t *testing.T) {
	testModelPath(t)
	e, _ := whisper.NewNative(&mock.Source{})
	if _, err := e.Initialize(context.Background(), stt.ModelConfig{ModelPath: "/nonexistent/model.bin"}); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNativeSpeechFollowedBySilence_EmitsFinal(t *testing.T) {
	modelPath := testModelPath(t)
	capture := mock.NewCapture(32)
	e, _ := whisper.NewNative(&mock.Source{OpenResult: capture},
		whisper.WithSilenceThresholdMs(300),
		whisper.WithPartialIntervalMs(0),
	)

	h := mustInitialize(t, e, stt.ModelConfig{ModelPath: modelPath, Language: "en"})
	defer h.Release()

	s, err := e.StartStream(context.Background(), h, audio.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer s.Stop()

	capture.Push(frame(makeSpeechPCM(16000)))
	capture.Push(frame(makeSilencePCM(8000)))
	capture.End()

	// A pure tone may transcribe to nothing; only the channel lifecycle is
	// asserted.
	timeout := time.After(60 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for the stream to end")
		}
	}
}
