package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/MrWong99/livescribe/pkg/audio"
)

func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	if want := []int16{150, -150, 32767}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMonoToStereo_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()
	pcm := append(samplesToBytes([]int16{100, 200}), 0xFF)
	got := bytesToSamples(audio.MonoToStereo(pcm))
	if want := []int16{100, 100, 200, 200}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	down := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 48000, 16000))
	if len(down) != 2 || down[0] != 100 {
		t.Errorf("48k->16k = %v, want 2 samples starting at 100", down)
	}

	up := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
	if len(up) != 6 || up[0] != 1000 {
		t.Fatalf("16k->48k = %v, want 6 samples starting at 1000", up)
	}
	if last := up[len(up)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample = %d, want close to 2000", last)
	}

	pcm := samplesToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{16000, 16000}, {0, 16000}, {16000, 0}, {-1, 16000}} {
		if out := audio.ResampleMono16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
			t.Errorf("rates %v: len = %d, want unchanged %d", rates, len(out), len(pcm))
		}
	}
}

func TestResampleStereo16(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.ResampleStereo16(samplesToBytes([]int16{100, 200, 300, 400}), 16000, 48000))
	if len(got) != 12 {
		t.Fatalf("got %d samples, want 12", len(got))
	}
	if got[0] != 100 || got[1] != 200 {
		t.Errorf("first frame = %v, want [100 200]", got[:2])
	}
}

func TestFormatConverter_MatchingFormatIsUnchanged(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	f := audio.Frame{Data: samplesToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1}
	if got := conv.Convert(f); &got.Data[0] != &f.Data[0] {
		t.Error("matching frame was copied")
	}
}

func TestFormatConverter_RecordingToWhisperFormat(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}

	// 6 stereo frames at 48 kHz: L=1000, R=3000.
	var in []int16
	for range 6 {
		in = append(in, 1000, 3000)
	}
	got := conv.Convert(audio.Frame{Data: samplesToBytes(in), SampleRate: 48000, Channels: 2, Timestamp: 40})

	if got.SampleRate != 16000 || got.Channels != 1 || got.Timestamp != 40 {
		t.Errorf("format = %dHz %dch ts=%v", got.SampleRate, got.Channels, got.Timestamp)
	}
	if want := []int16{2000, 2000}; !slices.Equal(bytesToSamples(got.Data), want) {
		t.Errorf("samples = %v, want %v", bytesToSamples(got.Data), want)
	}
}

func TestFormatConverter_OddByteCountDropped(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	for _, rate := range []int{16000, 22050} {
		got := conv.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: rate, Channels: 1})
		if len(got.Data) != 0 {
			t.Errorf("rate %d: got %d bytes, want none", rate, len(got.Data))
		}
		if got.SampleRate != 16000 || got.Channels != 1 {
			t.Errorf("rate %d: dropped frame format = %dHz %dch, want target", rate, got.SampleRate, got.Channels)
		}
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	for f, want := range map[audio.Format]string{
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	} {
		if got := f.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", f, got, want)
		}
	}
}
