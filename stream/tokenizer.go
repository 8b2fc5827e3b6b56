package stream

import (
	"strings"
	"time"
)

const (
	rollingWindow = 8
	batchBytes    = 10
	batchInterval = 50 * time.Millisecond

	openTag  = "<think>"
	closeTag = "</think>"
)

// TokenEvent is one unit the tokenizer emits: either a content chunk, a
// thinking chunk, or a status change, processed in order by the caller.
type TokenEvent struct {
	Kind        string // content | thinking | status
	Content     string
	Action      string
	Description string
}

// Tokenizer implements §4.9's token-transformation rules: boundary-safe
// <think>/</think> detection across a rolling ≤8-byte window, leading
// whitespace suppression before the first non-whitespace content
// character, and the single-space chunk emitted when content resumes
// after a thinking block (so the client observes a content event before
// any whitespace filtering).
type Tokenizer struct {
	window       strings.Builder
	inThinking   bool
	seenThinking bool
	seenContent  bool
	pendingSpace bool
}

// NewTokenizer constructs a fresh per-generation tokenizer.
func NewTokenizer() *Tokenizer { return &Tokenizer{} }

// Feed processes one raw StreamToken's worth of text and returns the
// sequence of TokenEvents it produces.
func (t *Tokenizer) Feed(raw string) []TokenEvent {
	var out []TokenEvent
	for _, r := range raw {
		t.window.WriteRune(r)
		out = append(out, t.drain(false)...)
	}
	return out
}

// Flush processes whatever remains in the rolling window at end of stream
// (§4.9 "flush at end of stream").
func (t *Tokenizer) Flush() []TokenEvent {
	return t.drain(true)
}

// drain emits events for any window content that can no longer possibly
// be a partial tag match; final forces emission of everything remaining.
func (t *Tokenizer) drain(final bool) []TokenEvent {
	var out []TokenEvent
	for {
		s := t.window.String()
		if s == "" {
			return out
		}
		if !final && len(s) < rollingWindow {
			// Might still be a partial tag; wait for more bytes, unless the
			// buffer can be proven not to be a tag prefix.
			if !isTagPrefix(s) {
				// not a partial tag, safe to emit as much as we can
			} else {
				return out
			}
		}

		if t.inThinking {
			if idx := strings.Index(s, closeTag); idx >= 0 {
				if idx > 0 {
					out = append(out, t.emitThinking(s[:idx])...)
				}
				t.inThinking = false
				t.pendingSpace = true
				t.resetWindow(s[idx+len(closeTag):])
				continue
			}
			// emit one rune of thinking content at a time, keep a small
			// tail in case it starts forming </think>
			if len(s) > rollingWindow {
				emit := len(s) - rollingWindow
				out = append(out, t.emitThinking(s[:emit])...)
				t.resetWindow(s[emit:])
				continue
			}
			if final {
				out = append(out, t.emitThinking(s)...)
				t.resetWindow("")
			}
			return out
		}

		if idx := strings.Index(s, openTag); idx >= 0 {
			if idx > 0 {
				out = append(out, t.emitContent(s[:idx])...)
			}
			t.inThinking = true
			t.seenThinking = true
			out = append(out, TokenEvent{Kind: "status", Action: "thinking"})
			t.resetWindow(s[idx+len(openTag):])
			continue
		}

		if len(s) > rollingWindow {
			emit := len(s) - rollingWindow
			out = append(out, t.emitContent(s[:emit])...)
			t.resetWindow(s[emit:])
			continue
		}
		if final {
			out = append(out, t.emitContent(s)...)
			t.resetWindow("")
		}
		return out
	}
}

func (t *Tokenizer) resetWindow(remainder string) {
	t.window.Reset()
	t.window.WriteString(remainder)
}

func (t *Tokenizer) emitThinking(s string) []TokenEvent {
	if s == "" {
		return nil
	}
	out := make([]TokenEvent, 0, len(s))
	for _, r := range s {
		out = append(out, TokenEvent{Kind: "thinking", Content: string(r)})
	}
	return out
}

// emitContent applies leading-whitespace suppression and the
// post-thinking single-space guarantee before yielding content chunks.
func (t *Tokenizer) emitContent(s string) []TokenEvent {
	var out []TokenEvent
	if !t.seenContent {
		trimmed := strings.TrimLeft(s, " \t\r\n")
		if trimmed == "" {
			return nil // still all leading whitespace, drop entirely
		}
		s = trimmed
	}
	if t.pendingSpace {
		out = append(out, TokenEvent{Kind: "content", Content: " "})
		t.pendingSpace = false
	}
	if s == "" {
		return out
	}
	t.seenContent = true
	return append(out, TokenEvent{Kind: "content", Content: s})
}

// isTagPrefix reports whether s could be the start of either tag, so the
// caller should hold it in the window rather than emit it yet.
func isTagPrefix(s string) bool {
	return strings.HasPrefix(openTag, s) || strings.HasPrefix(closeTag, s)
}

// Batcher accumulates content chunks destined for the transport and yields
// them when the buffer reaches batchBytes or batchInterval elapses,
// whichever comes first (§4.9 "Batching").
type Batcher struct {
	buf        strings.Builder
	lastFlush  time.Time
	chunksIn   int
	chunksOut  int
	bytesOut   int
}

// NewBatcher constructs a Batcher with its flush clock armed at now.
func NewBatcher() *Batcher {
	return &Batcher{lastFlush: batcherNow()}
}

// batcherNow returns the current wall-clock time for the flush clock; it
// always calls time.Now.
func batcherNow() time.Time { return time.Now() }

// Add appends chunk and reports whether the buffer should be flushed now.
func (b *Batcher) Add(chunk string) bool {
	b.chunksIn++
	b.buf.WriteString(chunk)
	return b.buf.Len() >= batchBytes || batcherNow().Sub(b.lastFlush) >= batchInterval
}

// Flush drains and returns the accumulated buffer, resetting the clock.
func (b *Batcher) Flush() string {
	s := b.buf.String()
	b.buf.Reset()
	b.lastFlush = batcherNow()
	if s != "" {
		b.chunksOut++
		b.bytesOut += len(s)
	}
	return s
}

// Pending reports whether the buffer holds unflushed bytes (used to decide
// whether a final flush at end-of-stream is needed).
func (b *Batcher) Pending() bool { return b.buf.Len() > 0 }

// Metrics returns end-of-stream batching counters: chunks received, chunks
// yielded, and bytes yielded. Duration is not tracked, and Batcher does not
// log the counters itself.
func (b *Batcher) Metrics() (chunksIn, chunksOut, bytesOut int) {
	return b.chunksIn, b.chunksOut, b.bytesOut
}
