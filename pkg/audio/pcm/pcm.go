// Package pcm provides an [audio.Source] that reads raw 16-bit signed
// little-endian PCM from a file or from standard input.
//
// It stands in for a microphone on hosts without one: pipe `arecord -f S16_LE
// -r 16000 -c 1` or `ffmpeg ... -f s16le -` into the process, or point the
// source at a recorded file and enable real-time pacing.
package pcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
)

const (
	defaultFrameMs    = 20
	defaultSampleRate = 16000
)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithFrameMs sets the duration of each delivered frame in milliseconds.
// Defaults to 20 ms.
func WithFrameMs(ms int) Option {
	return func(s *Source) { s.frameMs = ms }
}

// WithRealtime paces delivery at the audio's playback rate instead of reading
// as fast as possible. Use it for recorded files.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// WithInputFormat declares the format of the PCM input when it differs from
// the format sessions ask for (e.g., a 48 kHz stereo recording fed to a
// 16 kHz mono engine). Frames are converted on the fly. A zero field means
// "same as the session".
func WithInputFormat(f audio.Format) Option {
	return func(s *Source) { s.input = f }
}

// withOpener replaces the file opener. Used by tests.
func withOpener(fn func(path string) (io.ReadCloser, error)) Option {
	return func(s *Source) { s.open = fn }
}

// withStdin replaces standard input. Used by tests.
func withStdin(r io.Reader) Option {
	return func(s *Source) { s.stdin = r }
}

// Source opens captures over a PCM file. An empty path or "-" reads standard
// input.
//
// Standard input cannot be closed or reopened, so the Source reads it on one
// goroutine for its whole lifetime and hands the bytes to whichever capture
// is open. Closing such a capture only detaches it.
type Source struct {
	path     string
	frameMs  int
	realtime bool
	input    audio.Format
	open     func(path string) (io.ReadCloser, error)

	stdin    io.Reader
	pumpOnce sync.Once
	pump     *stdinPump
}

// New returns a Source reading from path.
func New(path string, opts ...Option) *Source {
	s := &Source{
		path:    path,
		frameMs: defaultFrameMs,
		open: func(path string) (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
		stdin: os.Stdin,
	}
	for _, o := range opts {
		o(s)
	}
	if s.frameMs <= 0 {
		s.frameMs = defaultFrameMs
	}
	return s
}

func (s *Source) readsStdin() bool { return s.path == "" || s.path == "-" }

func (s *Source) openReader() (io.ReadCloser, error) {
	if !s.readsStdin() {
		return s.open(s.path)
	}
	s.pumpOnce.Do(func() { s.pump = startPump(s.stdin) })
	return s.pump.attach(), nil
}

// Open implements [audio.Source]. The SessionConfig's category, options and
// mode have no meaning for a file and are only logged.
func (s *Source) Open(ctx context.Context, cfg audio.SessionConfig) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pcm: open: %w", err)
	}
	rc, err := s.openReader()
	if err != nil {
		return nil, fmt.Errorf("pcm: open %q: %w", s.path, err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	in := audio.Format{SampleRate: sr, Channels: ch}
	if s.input.SampleRate > 0 {
		in.SampleRate = s.input.SampleRate
	}
	if s.input.Channels > 0 {
		in.Channels = s.input.Channels
	}

	slog.Debug("pcm capture opened",
		"path", s.path,
		"category", cfg.Category,
		"options", cfg.Options,
		"mode", cfg.Mode,
		"sample_rate", sr,
		"channels", ch,
		"input", in,
	)

	c := &capture{
		r:          rc,
		in:         in,
		frameBytes: in.SampleRate * in.Channels * 2 * s.frameMs / 1000,
		frameDur:   time.Duration(s.frameMs) * time.Millisecond,
		realtime:   s.realtime,
		frames:     make(chan audio.Frame, 32),
		done:       make(chan struct{}),
	}
	if in.SampleRate != sr || in.Channels != ch {
		c.conv = &audio.FormatConverter{Target: audio.Format{SampleRate: sr, Channels: ch}}
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

var _ audio.Source = (*Source)(nil)

// capture streams frames from r until EOF or Close.
type capture struct {
	r          io.ReadCloser
	in         audio.Format
	conv       *audio.FormatConverter
	frameBytes int
	frameDur   time.Duration
	realtime   bool

	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (c *capture) Frames() <-chan audio.Frame { return c.frames }

// Close stops the read loop and closes the underlying file, or detaches from
// standard input.
func (c *capture) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.r.Close()
		c.wg.Wait()
	})
	return err
}

func (c *capture) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)

	var ticker *time.Ticker
	if c.realtime {
		ticker = time.NewTicker(c.frameDur)
		defer ticker.Stop()
	}

	var offset time.Duration
	for {
		buf := make([]byte, c.frameBytes)
		n, err := io.ReadFull(c.r, buf)
		if n > 0 {
			// Keep whole samples only.
			n -= n % (2 * c.in.Channels)
		}
		if n > 0 {
			f := audio.Frame{
				Data:       buf[:n],
				SampleRate: c.in.SampleRate,
				Channels:   c.in.Channels,
				Timestamp:  offset,
			}
			offset += f.Duration()
			if c.conv != nil {
				f = c.conv.Convert(f)
			}
			select {
			case c.frames <- f:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				select {
				case <-c.done:
				default:
					slog.Warn("pcm capture read failed", "err", err)
				}
			}
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-c.done:
				return
			}
		}
	}
}

// pumpChunk is the largest read from standard input.
const pumpChunk = 4096

// errDetached is returned by a pumpReader after Close.
var errDetached = errors.New("pcm: capture detached from stdin")

// stdinPump reads standard input until EOF and passes each chunk to the
// attached reader. While nothing is attached it blocks, leaving the input
// unread.
type stdinPump struct {
	chunks chan []byte
}

func startPump(r io.Reader) *stdinPump {
	p := &stdinPump{chunks: make(chan []byte)}
	go p.run(r)
	return p
}

func (p *stdinPump) run(r io.Reader) {
	defer close(p.chunks)
	for {
		buf := make([]byte, pumpChunk)
		n, err := r.Read(buf)
		if n > 0 {
			p.chunks <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("pcm stdin read failed", "err", err)
			}
			return
		}
	}
}

func (p *stdinPump) attach() *pumpReader {
	return &pumpReader{chunks: p.chunks, done: make(chan struct{})}
}

// pumpReader is one capture's view of standard input. Bytes of a chunk it
// has started but not finished reading are lost when it is closed.
type pumpReader struct {
	chunks <-chan []byte
	done   chan struct{}
	once   sync.Once
	rest   []byte
}

func (r *pumpReader) Read(b []byte) (int, error) {
	if len(r.rest) == 0 {
		select {
		case chunk, ok := <-r.chunks:
			if !ok {
				return 0, io.EOF
			}
			r.rest = chunk
		case <-r.done:
			return 0, errDetached
		}
	}
	n := copy(b, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}

// Close detaches the reader; standard input stays open.
func (r *pumpReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}
