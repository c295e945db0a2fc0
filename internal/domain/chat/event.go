package chat

// Stream event types as they appear on the wire. The event stream is a tagged
// union: fragment events carry text, the terminal event carries either finish
// metadata or error detail.
const (
	EventTextDelta = "text-delta"
	EventFinish    = "finish"
)

// Finish reasons surfaced to clients.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonContentFilter = "content_filter"
	FinishReasonError         = "error"
)

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

type TaskError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

// StreamEvent is one SSE payload. Exactly one of the variant fields is
// populated depending on Type.
type StreamEvent struct {
	Type string `json:"type"`

	// text-delta
	TextDelta string `json:"textDelta,omitempty"`

	// finish
	FinishReason string     `json:"finishReason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
}

func TextDeltaEvent(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, TextDelta: text}
}

func FinishEvent(reason string, usage Usage) StreamEvent {
	u := usage
	return StreamEvent{Type: EventFinish, FinishReason: reason, Usage: &u}
}

func ErrorFinishEvent(terr TaskError) StreamEvent {
	e := terr
	return StreamEvent{Type: EventFinish, FinishReason: FinishReasonError, Error: &e}
}
