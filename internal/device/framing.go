package device

import (
	"bytes"
	"errors"
	"strings"
)

// DefaultMaxFrame caps a single reply. The instruments answer in well under
// a hundred bytes; anything longer is line noise.
const DefaultMaxFrame = 256

var (
	ErrTimeout       = errors.New("device: response timeout")
	ErrFrameOverflow = errors.New("device: frame exceeds maximum length")
	ErrMalformed     = errors.New("device: malformed response")
)

// Framer turns a byte stream into replies. Feed may be called with arbitrary
// chunks; Reset drops any partial reply.
type Framer interface {
	Feed(p []byte) []string
	Reset()
}

// LineReader splits replies on a terminator byte, trimming surrounding
// whitespace. Empty lines are skipped.
type LineReader struct {
	term    byte
	max     int
	buf     []byte
	skip    bool
	dropped int
}

func NewLineReader(term byte, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &LineReader{term: term, max: max}
}

func (l *LineReader) Feed(p []byte) []string {
	var out []string
	for _, b := range p {
		if b != l.term {
			if l.skip {
				continue
			}
			if len(l.buf) >= l.max {
				// Overlong line: discard it up to the next terminator.
				l.buf = l.buf[:0]
				l.skip = true
				l.dropped++
				continue
			}
			l.buf = append(l.buf, b)
			continue
		}
		if l.skip {
			l.skip = false
			continue
		}
		if line := strings.TrimSpace(string(l.buf)); line != "" {
			out = append(out, line)
		}
		l.buf = l.buf[:0]
	}
	return out
}

func (l *LineReader) Reset() {
	l.buf = l.buf[:0]
	l.skip = false
}

// Dropped returns how many overlong lines were discarded.
func (l *LineReader) Dropped() int { return l.dropped }

// FrameReader extracts payloads written as <payload>. Bytes outside a frame
// are ignored. A frame that is never closed is discarded when the next '<'
// arrives or when it grows past the length cap, so one bad frame never
// leaks into the next reply.
type FrameReader struct {
	max     int
	in      bool
	buf     bytes.Buffer
	dropped int
}

func NewFrameReader(max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &FrameReader{max: max}
}

func (f *FrameReader) Feed(p []byte) []string {
	var out []string
	for _, b := range p {
		switch {
		case b == '<':
			if f.in {
				f.dropped++
			}
			f.in = true
			f.buf.Reset()
		case !f.in:
			// stray byte between frames
		case b == '>':
			out = append(out, strings.TrimSpace(f.buf.String()))
			f.in = false
			f.buf.Reset()
		case f.buf.Len() >= f.max:
			f.in = false
			f.buf.Reset()
			f.dropped++
		default:
			f.buf.WriteByte(b)
		}
	}
	return out
}

func (f *FrameReader) Reset() {
	f.in = false
	f.buf.Reset()
}

// Dropped returns how many frames were discarded as unterminated or
// overlong.
func (f *FrameReader) Dropped() int { return f.dropped }
