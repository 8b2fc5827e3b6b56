package stream

import (
	"context"
	"testing"
	"time"

	"github.com/redbtn-io/ai/runtimeerr"
)

// Hub's Redis-backed methods require a live server and are exercised in
// integration testing, matching the teacher's convention of leaving
// store/postgres untested at the unit level (only the pure-Go sqlite
// backend gets package tests). The cancel-handle registry, however, has no
// external dependency and is covered directly here.

func TestHub_ArmTimeoutAndAbort(t *testing.T) {
	h := NewHub(nil)

	ctx, release := h.ArmTimeout(context.Background(), "gen-1")
	defer release()

	if err := h.AbortStream("gen-1"); err != nil {
		t.Fatalf("AbortStream: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected context to be cancelled after AbortStream")
	}
}

func TestHub_AbortUnknownGeneration(t *testing.T) {
	h := NewHub(nil)
	err := h.AbortStream("does-not-exist")
	if !runtimeerr.Is(err, runtimeerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
