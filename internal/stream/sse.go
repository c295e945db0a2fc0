package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
)

// SSEWriter frames stream events as newline-delimited `data: <json>` records
// (server-sent-events style) and flushes after every write.
type SSEWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
}

func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &SSEWriter{w: w, fl: fl}, nil
}

func (s *SSEWriter) WriteEvent(ev chat.StreamEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.fl.Flush()
	return nil
}

func (s *SSEWriter) Ping() {
	_, _ = fmt.Fprint(s.w, ": ping\n\n")
	s.fl.Flush()
}
