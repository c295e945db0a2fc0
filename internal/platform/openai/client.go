package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/envutil"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
	"github.com/yungbote/relaychat-backend/internal/stream"
)

// Client streams assistant turns from the OpenAI Responses API. It implements
// stream.Provider.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ stream.Provider = (*Client)(nil)

func NewClient(log *logger.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := strings.TrimRight(envutil.String("OPENAI_BASE_URL", "https://api.openai.com"), "/")
	model := envutil.String("OPENAI_MODEL", "gpt-4o-mini")
	timeout := envutil.Duration("OPENAI_TIMEOUT", 10*time.Minute)

	return &Client{
		log:        log.With("service", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) DefaultModel() string { return c.model }

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model           string           `json:"model"`
	Instructions    string           `json:"instructions,omitempty"`
	Input           []responsesInput `json:"input"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

// StreamChat issues one streaming Responses API call and forwards every
// output_text delta to onDelta in arrival order. The returned result carries
// the full text plus usage and finish reason from the terminal event when the
// API provides them.
func (c *Client) StreamChat(ctx context.Context, req stream.ProviderRequest, onDelta func(delta string)) (stream.ProviderResult, error) {
	var out stream.ProviderResult

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	body := responsesRequest{
		Model:           model,
		Instructions:    strings.TrimSpace(req.System),
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		Stream:          true,
	}
	for _, m := range req.Messages {
		body.Input = append(body.Input, responsesInput{Role: m.Role, Content: m.Content})
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return out, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/responses", &buf)
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return out, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var full strings.Builder
	err = streamSSE(resp.Body, func(event string, data string) error {
		if strings.TrimSpace(data) == "" || strings.TrimSpace(data) == "[DONE]" {
			return nil
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil
		}

		evt := strings.TrimSpace(event)
		if t, ok := obj["type"].(string); ok && strings.TrimSpace(t) != "" {
			evt = strings.TrimSpace(t)
		}

		if r, ok := obj["refusal"].(string); ok && strings.TrimSpace(r) != "" {
			return fmt.Errorf("model refused: %s", r)
		}
		if eAny, ok := obj["error"]; ok && eAny != nil {
			b, _ := json.Marshal(eAny)
			return fmt.Errorf("openai stream error: %s", string(b))
		}

		if d, ok := obj["delta"].(string); ok && strings.Contains(evt, "output_text.delta") {
			if d == "" {
				return nil
			}
			full.WriteString(d)
			if onDelta != nil {
				onDelta(d)
			}
			return nil
		}

		if strings.HasSuffix(evt, "response.completed") || evt == "response.completed" || evt == "response.incomplete" {
			c.absorbCompletion(obj, &out)
		}

		return nil
	})
	if err != nil {
		return out, err
	}

	out.Text = full.String()
	if out.FinishReason == "" {
		out.FinishReason = chat.FinishReasonStop
	}
	return out, nil
}

// absorbCompletion pulls usage and finish detail out of the terminal
// response.* event.
func (c *Client) absorbCompletion(obj map[string]any, out *stream.ProviderResult) {
	respAny, ok := obj["response"].(map[string]any)
	if !ok {
		return
	}

	if usageAny, ok := respAny["usage"].(map[string]any); ok {
		out.Usage = chat.Usage{
			InputTokens:  intFromAny(usageAny["input_tokens"]),
			OutputTokens: intFromAny(usageAny["output_tokens"]),
			TotalTokens:  intFromAny(usageAny["total_tokens"]),
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = out.Usage.InputTokens + out.Usage.OutputTokens
		}
	}

	status, _ := respAny["status"].(string)
	switch strings.TrimSpace(status) {
	case "completed":
		out.FinishReason = chat.FinishReasonStop
	case "incomplete":
		out.FinishReason = chat.FinishReasonLength
		if det, ok := respAny["incomplete_details"].(map[string]any); ok {
			if reason, _ := det["reason"].(string); strings.Contains(reason, "content_filter") {
				out.FinishReason = chat.FinishReasonContentFilter
			}
		}
	}
}

func intFromAny(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}
