package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
)

func TestSSEWriterFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	if err := w.WriteEvent(chat.TextDeltaEvent("Hello")); err != nil {
		t.Fatalf("WriteEvent delta: %v", err)
	}
	if err := w.WriteEvent(chat.FinishEvent(chat.FinishReasonStop, chat.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})); err != nil {
		t.Fatalf("WriteEvent finish: %v", err)
	}
	w.Ping()

	body := rec.Body.String()
	wantLines := []string{
		`data: {"type":"text-delta","textDelta":"Hello"}`,
		`data: {"type":"finish","finishReason":"stop","usage":{"inputTokens":1,"outputTokens":2,"totalTokens":3}}`,
		`: ping`,
	}
	for _, want := range wantLines {
		if !strings.Contains(body, want+"\n\n") {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
	if !rec.Flushed {
		t.Fatalf("writer never flushed")
	}
}

func TestSSEWriterRequiresFlusher(t *testing.T) {
	if _, err := NewSSEWriter(plainWriter{httptest.NewRecorder()}); err == nil {
		t.Fatalf("expected error for non-flushable writer")
	}
}

// plainWriter exposes only the ResponseWriter methods, hiding Flush.
type plainWriter struct{ http.ResponseWriter }
