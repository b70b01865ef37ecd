// Package wire frames a raw byte stream into discrete JSON values and back.
//
// Frames are newline-delimited JSON: the encoder emits exactly one newline
// per value so boundaries are unambiguous in both directions. A line that
// fails to parse as JSON is dropped and logged; it is never fatal and never
// blocks subsequent lines.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxLineBytes bounds a single frame. Oversized lines are dropped.
const DefaultMaxLineBytes = 1 << 20

// ErrLineTooLong reports a frame exceeding the configured line budget.
var ErrLineTooLong = errors.New("wire: line exceeds max bytes")

// Framer accumulates raw bytes and splits out complete JSON frames.
//
// Push returns zero or more complete frames; bytes after the last newline
// remain buffered as the unconsumed remainder until the next Push or Flush.
// Framer is not safe for concurrent use; each endpoint owns exactly one.
type Framer struct {
	buf      []byte
	max      int
	oversize bool
	logger   *zap.Logger
}

// NewFramer returns a framer with the default line budget.
func NewFramer(opts ...Option) *Framer {
	f := &Framer{max: DefaultMaxLineBytes, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&f.max, &f.logger)
	}
	return f
}

// Option configures a Framer, Decoder or Encoder.
type Option func(max *int, logger **zap.Logger)

// WithMaxLineBytes overrides the per-line byte budget.
func WithMaxLineBytes(n int) Option {
	return func(max *int, _ **zap.Logger) {
		if n > 0 {
			*max = n
		}
	}
}

// WithLogger attaches a logger for dropped-frame diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(_ *int, logger **zap.Logger) {
		if l != nil {
			*logger = l
		}
	}
}

// Push appends p to the internal buffer and returns every complete, valid
// JSON frame now available. Invalid lines are dropped and logged. Blank
// lines are ignored.
func (f *Framer) Push(p []byte) []json.RawMessage {
	f.buf = append(f.buf, p...)

	var frames []json.RawMessage
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			// Unterminated oversize line: drop what we have and keep
			// dropping until the terminating newline arrives.
			if len(f.buf) > f.max {
				f.buf = f.buf[:0]
				f.oversize = true
				f.logger.Warn("dropping oversize frame", zap.Int("max_bytes", f.max))
			}
			return frames
		}

		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]

		if f.oversize {
			// Tail of a previously dropped oversize line.
			f.oversize = false
			continue
		}
		if frame, ok := f.frame(line); ok {
			frames = append(frames, frame)
		}
	}
}

// Flush drains any buffered remainder as a final frame. Call at stream end
// to honor a trailing line without a newline.
func (f *Framer) Flush() (json.RawMessage, bool) {
	line := f.buf
	f.buf = nil
	if f.oversize {
		f.oversize = false
		return nil, false
	}
	return f.frame(line)
}

func (f *Framer) frame(line []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if len(trimmed) > f.max {
		f.logger.Warn("dropping oversize frame", zap.Int("max_bytes", f.max))
		return nil, false
	}
	if !json.Valid(trimmed) {
		f.logger.Warn("dropping malformed frame", zap.Int("bytes", len(trimmed)))
		return nil, false
	}
	out := make([]byte, len(trimmed))
	copy(out, trimmed)
	return out, true
}

// Decoder reads frames from an io.Reader, typically a worker's stdout pipe.
type Decoder struct {
	r  *bufio.Reader
	fr *Framer

	pending []json.RawMessage
	eof     bool
	chunk   []byte
}

// NewDecoder returns a decoder over r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	return &Decoder{
		r:     bufio.NewReader(r),
		fr:    NewFramer(opts...),
		chunk: make([]byte, 32*1024),
	}
}

// Next returns the next frame, blocking until one is available. It returns
// io.EOF once the stream is exhausted. Malformed lines are skipped, never
// surfaced as errors.
func (d *Decoder) Next() (json.RawMessage, error) {
	for {
		if len(d.pending) > 0 {
			frame := d.pending[0]
			d.pending = d.pending[1:]
			return frame, nil
		}
		if d.eof {
			return nil, io.EOF
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.pending = d.fr.Push(d.chunk[:n])
		}
		if err != nil {
			d.eof = true
			if frame, ok := d.fr.Flush(); ok {
				d.pending = append(d.pending, frame)
			}
			if !errors.Is(err, io.EOF) && len(d.pending) == 0 {
				return nil, err
			}
		}
	}
}

// Encoder writes values as newline-delimited JSON.
//
// Encoder is safe for concurrent use. Writes are serialized with a mutex so
// each frame reaches the stream as one unbroken line.
type Encoder struct {
	w      io.Writer
	mu     sync.Mutex
	logger *zap.Logger
}

// NewEncoder returns an encoder over w.
func NewEncoder(w io.Writer, opts ...Option) *Encoder {
	max := DefaultMaxLineBytes
	logger := zap.NewNop()
	for _, opt := range opts {
		opt(&max, &logger)
	}
	return &Encoder{w: w, logger: logger}
}

// Encode marshals v and writes it followed by exactly one newline.
func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	return writeAll(e.w, b)
}

// writeAll writes all of p, handling short writes. io.Writer may return
// n < len(p) with a nil error, which would truncate a frame mid-line.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
