package stream

import "testing"

func collect(evs ...[]TokenEvent) []TokenEvent {
	var out []TokenEvent
	for _, e := range evs {
		out = append(out, e...)
	}
	return out
}

func TestTokenizer_ThinkBlockThenAnswer(t *testing.T) {
	tok := NewTokenizer()
	all := collect(tok.Feed("<think>plan</think> answer"), tok.Flush())

	var thinking, content string
	sawStatus := false
	for _, ev := range all {
		switch ev.Kind {
		case "thinking":
			thinking += ev.Content
		case "content":
			content += ev.Content
		case "status":
			if ev.Action == "thinking" {
				sawStatus = true
			}
		}
	}

	if !sawStatus {
		t.Fatalf("expected a thinking status event")
	}
	if thinking != "plan" {
		t.Fatalf("expected thinking buffer %q, got %q", "plan", thinking)
	}
	if content != " answer" {
		t.Fatalf("expected content %q, got %q", " answer", content)
	}
}

func TestTokenizer_LeadingWhitespaceDropped(t *testing.T) {
	tok := NewTokenizer()
	all := collect(tok.Feed("   hello world"), tok.Flush())

	var content string
	for _, ev := range all {
		if ev.Kind == "content" {
			content += ev.Content
		}
	}
	if content != "hello world" {
		t.Fatalf("expected leading whitespace dropped, got %q", content)
	}
}

func TestTokenizer_NoThinkTagPassesThrough(t *testing.T) {
	tok := NewTokenizer()
	all := collect(tok.Feed("just plain text"), tok.Flush())

	var content string
	for _, ev := range all {
		if ev.Kind == "content" {
			content += ev.Content
		}
		if ev.Kind == "thinking" || (ev.Kind == "status" && ev.Action == "thinking") {
			t.Fatalf("did not expect thinking events for plain text")
		}
	}
	if content != "just plain text" {
		t.Fatalf("expected full passthrough, got %q", content)
	}
}

func TestBatcher_FlushesAtByteThreshold(t *testing.T) {
	b := NewBatcher()
	if flush := b.Add("12345"); flush {
		t.Fatalf("did not expect flush at 5 bytes")
	}
	if flush := b.Add("67890"); !flush {
		t.Fatalf("expected flush at 10 bytes")
	}
	got := b.Flush()
	if got != "1234567890" {
		t.Fatalf("expected accumulated buffer, got %q", got)
	}
	if b.Pending() {
		t.Fatalf("expected empty buffer after flush")
	}
	chunksIn, chunksOut, bytesOut := b.Metrics()
	if chunksIn != 2 || chunksOut != 1 || bytesOut != 10 {
		t.Fatalf("unexpected metrics: in=%d out=%d bytes=%d", chunksIn, chunksOut, bytesOut)
	}
}
