// Package stream implements the broker's output normalization pipeline (C2)
// and inbound keystroke validation (C3). Both operate purely on byte slices
// so they can be unit tested without any sandbox adapter.
package stream

import (
	"sync/atomic"
	"unicode/utf8"
)

// Options configures a Processor's behavior. A MaxChunkBytes of zero or less
// falls back to 4096; the zero value's boolean fields turn off line-ending
// normalization and strip ANSI and control characters, so start from
// DefaultOptions for the broker's default behavior.
type Options struct {
	// NormalizeLineEndings rewrites "\r\n" to "\n" and a lone "\r" to "\n",
	// except inside a CSI escape sequence. Default on.
	NormalizeLineEndings bool

	// PreserveControlChars, when false, strips C0 control bytes outside the
	// whitelist {TAB, LF, BS, CR}.
	PreserveControlChars bool

	// PreserveAnsi, when false, strips CSI escape sequences entirely.
	PreserveAnsi bool

	// MaxChunkBytes caps the size of each chunk passed to Emit.
	MaxChunkBytes int
}

// DefaultOptions matches the broker's default configuration: preserve
// everything, normalize line endings, chunk at 4096 bytes.
func DefaultOptions() Options {
	return Options{
		NormalizeLineEndings: true,
		PreserveControlChars: true,
		PreserveAnsi:         true,
		MaxChunkBytes:        4096,
	}
}

// Stats are the monotonically increasing counters a Processor tracks.
type Stats struct {
	BytesIn   uint64
	BytesOut  uint64
	ChunksOut uint64
	Errors    uint64
}

// escState tracks whether the byte scanner is inside an ANSI escape
// sequence, so line-ending normalization and control-char stripping never
// mangle a CSI sequence's bytes.
type escState int

const (
	escNone escState = iota
	escSawESC
	escInCSI
)

// Processor turns raw sandbox output into chunked, policy-compliant
// outbound data. It is not safe for concurrent Push/Flush/End calls — the
// Session's single reader task owns it.
type Processor struct {
	opts Options
	emit func(chunk []byte) error

	esc       escState
	pendingCR bool   // trailing lone '\r' from the previous Push, not yet resolved
	pending   []byte // trailing bytes not yet a complete UTF-8 codepoint
	out       []byte // normalized bytes buffered but not yet chunk-emitted

	stats Stats
}

// New creates a Processor that calls emit for each outbound chunk. emit may
// block (e.g. on a full outbound queue); Push propagates that blocking and
// any error emit returns.
func New(opts Options, emit func(chunk []byte) error) *Processor {
	return &Processor{opts: opts, emit: emit}
}

// Stats returns a snapshot of the processor's counters.
func (p *Processor) Stats() Stats {
	return Stats{
		BytesIn:   atomic.LoadUint64(&p.stats.BytesIn),
		BytesOut:  atomic.LoadUint64(&p.stats.BytesOut),
		ChunksOut: atomic.LoadUint64(&p.stats.ChunksOut),
		Errors:    atomic.LoadUint64(&p.stats.Errors),
	}
}

// Push buffers b, applies the configured policies, and emits zero or more
// complete chunks. It blocks for as long as emit blocks.
func (p *Processor) Push(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	atomic.AddUint64(&p.stats.BytesIn, uint64(len(b)))

	buf := append(p.pending, b...)
	p.pending = nil

	filtered := p.filter(buf)

	complete, pending := splitTrailingIncompleteRune(filtered)
	p.pending = append(p.pending[:0], pending...)

	p.out = append(p.out, complete...)
	return p.drain(true)
}

// Flush forces emission of any buffered complete bytes without waiting for
// more input. Bytes still pending completion of a UTF-8 codepoint are held.
func (p *Processor) Flush() error {
	return p.drain(true)
}

// End flushes all remaining buffered bytes, resolving any truncated
// trailing UTF-8 sequence to the Unicode replacement character rather than
// dropping it silently.
func (p *Processor) End() error {
	if p.pendingCR {
		p.pendingCR = false
		p.out = append(p.out, '\n')
	}
	if len(p.pending) > 0 {
		atomic.AddUint64(&p.stats.Errors, 1)
		p.out = append(p.out, []byte(string(utf8.RuneError))...)
		p.pending = nil
	}
	return p.drain(true)
}

// drain emits p.out in MaxChunkBytes pieces. When force is false the final
// partial chunk is retained; Push, Flush and End all pass force=true, so
// every complete byte is emitted as soon as it has been processed.
func (p *Processor) drain(force bool) error {
	max := p.opts.MaxChunkBytes
	if max <= 0 {
		max = 4096
	}
	for len(p.out) > max {
		chunk := p.out[:max]
		p.out = p.out[max:]
		if err := p.emitChunk(chunk); err != nil {
			return err
		}
	}
	if force && len(p.out) > 0 {
		chunk := p.out
		p.out = nil
		if err := p.emitChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) emitChunk(chunk []byte) error {
	atomic.AddUint64(&p.stats.BytesOut, uint64(len(chunk)))
	atomic.AddUint64(&p.stats.ChunksOut, 1)
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	return p.emit(cp)
}

// filter applies line-ending normalization and the control-char/ANSI policy
// in a single pass, tracking escape-sequence state across calls so a CSI
// sequence split across two Push calls is still recognized.
func (p *Processor) filter(buf []byte) []byte {
	out := make([]byte, 0, len(buf)+1)
	start := 0
	if p.pendingCR {
		p.pendingCR = false
		out = append(out, '\n')
		if len(buf) > 0 && buf[0] == '\n' {
			// The deferred CR already produced the newline; this LF is the
			// second half of the same CRLF pair and is absorbed, not doubled.
			start = 1
		}
	}
	for i := start; i < len(buf); i++ {
		b := buf[i]

		switch p.esc {
		case escSawESC:
			if b == '[' {
				if p.opts.PreserveAnsi {
					out = append(out, b)
				}
				p.esc = escInCSI
			} else {
				out = append(out, b)
				p.esc = escNone
			}
			continue
		case escInCSI:
			if p.opts.PreserveAnsi {
				out = append(out, b)
			}
			// CSI final bytes are 0x40-0x7E.
			if b >= 0x40 && b <= 0x7E {
				p.esc = escNone
			}
			continue
		}

		if b == 0x1b { // ESC
			p.esc = escSawESC
			if p.opts.PreserveAnsi {
				out = append(out, b)
			} else {
				// Defer: if this turns out to start a CSI we've already
				// dropped the ESC; strip the whole sequence by not
				// re-adding it. Consistent with "strips CSI sequences".
			}
			continue
		}

		if p.opts.NormalizeLineEndings && b == '\r' {
			if i+1 < len(buf) {
				if buf[i+1] == '\n' {
					out = append(out, '\n')
					i++
				} else {
					out = append(out, '\n')
				}
			} else {
				// Lone '\r' at the end of this Push: whether it collapses
				// with a following '\n' can only be known on the next call.
				p.pendingCR = true
			}
			continue
		}

		if !p.opts.PreserveControlChars && b < 0x20 {
			switch b {
			case '\t', '\n', '\b', '\r':
				out = append(out, b)
			default:
				// dropped
			}
			continue
		}

		out = append(out, b)
	}
	return out
}

// splitTrailingIncompleteRune separates buf into the longest complete-UTF-8
// prefix and a trailing incomplete multi-byte sequence (at most 3 bytes),
// so chunk boundaries never split a codepoint.
func splitTrailingIncompleteRune(buf []byte) (complete, pending []byte) {
	n := len(buf)
	if n == 0 {
		return buf, nil
	}
	lim := 3
	if n < lim {
		lim = n
	}
	for i := 1; i <= lim; i++ {
		start := n - i
		b := buf[start]
		if b < 0x80 {
			continue // ASCII byte can't be a multi-byte lead past position 0
		}
		if b >= 0xC0 {
			if !utf8.FullRune(buf[start:]) {
				return buf[:start], buf[start:]
			}
			break
		}
	}
	return buf, nil
}
