package openai

import (
	"errors"
	"strings"
	"testing"

	"github.com/yungbote/relaychat-backend/internal/stream"
)

type sseEvent struct {
	event string
	data  string
}

func TestStreamSSEParsesEvents(t *testing.T) {
	body := strings.Join([]string{
		": keepalive",
		"event: response.output_text.delta",
		`data: {"delta":"Hel"}`,
		"",
		"event: response.output_text.delta",
		`data: {"delta":"lo"}`,
		"",
		"data: line one",
		"data: line two",
		"",
		"event: response.completed",
		`data: {"response":{"status":"completed"}}`,
		"",
	}, "\n") + "\n"

	var got []sseEvent
	err := streamSSE(strings.NewReader(body), func(event, data string) error {
		got = append(got, sseEvent{event, data})
		return nil
	})
	if err != nil {
		t.Fatalf("streamSSE: %v", err)
	}

	want := []sseEvent{
		{"response.output_text.delta", `{"delta":"Hel"}`},
		{"response.output_text.delta", `{"delta":"lo"}`},
		{"", "line one\nline two"},
		{"response.completed", `{"response":{"status":"completed"}}`},
	}
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event #%d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStreamSSEFlushesTrailingEventAtEOF(t *testing.T) {
	body := "event: response.completed\ndata: {\"done\":true}"

	var got []sseEvent
	if err := streamSSE(strings.NewReader(body), func(event, data string) error {
		got = append(got, sseEvent{event, data})
		return nil
	}); err != nil {
		t.Fatalf("streamSSE: %v", err)
	}
	if len(got) != 1 || got[0].event != "response.completed" {
		t.Fatalf("events: %+v", got)
	}
}

func TestStreamSSEPropagatesCallbackError(t *testing.T) {
	body := "data: x\n\ndata: y\n\n"
	boom := errors.New("boom")

	calls := 0
	err := streamSSE(strings.NewReader(body), func(event, data string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback called %d times after error", calls)
	}
}

func TestAbsorbCompletionMapsStatusAndUsage(t *testing.T) {
	c := &Client{}

	out := &stream.ProviderResult{}
	c.absorbCompletion(map[string]any{
		"response": map[string]any{
			"status": "completed",
			"usage": map[string]any{
				"input_tokens":  float64(12),
				"output_tokens": float64(30),
				"total_tokens":  float64(42),
			},
		},
	}, out)
	if out.FinishReason != "stop" || out.Usage.TotalTokens != 42 {
		t.Fatalf("completed: %+v", out)
	}

	out = &stream.ProviderResult{}
	c.absorbCompletion(map[string]any{
		"response": map[string]any{
			"status": "incomplete",
			"incomplete_details": map[string]any{
				"reason": "max_output_tokens",
			},
		},
	}, out)
	if out.FinishReason != "length" {
		t.Fatalf("incomplete: %+v", out)
	}

	out = &stream.ProviderResult{}
	c.absorbCompletion(map[string]any{
		"response": map[string]any{
			"status": "incomplete",
			"incomplete_details": map[string]any{
				"reason": "content_filter",
			},
		},
	}, out)
	if out.FinishReason != "content_filter" {
		t.Fatalf("filtered: %+v", out)
	}
}
