package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

// PromptMessage is one turn of validated conversation history handed to the
// provider.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ProviderRequest struct {
	Model       string
	System      string
	Messages    []PromptMessage
	Temperature *float64
	MaxTokens   int
}

type ProviderResult struct {
	Text         string
	FinishReason string
	Usage        chat.Usage
}

// Provider executes one streaming LLM call, invoking onDelta for every text
// fragment in order.
type Provider interface {
	StreamChat(ctx context.Context, req ProviderRequest, onDelta func(delta string)) (ProviderResult, error)
}

// TaskStore is the narrow slice of task persistence the producer needs.
type TaskStore interface {
	// MarkStreaming atomically claims the initializing -> streaming
	// transition. A false return means this producer does not own the task.
	MarkStreaming(ctx context.Context, taskID uuid.UUID) (bool, error)
	// Touch records fragment progress for staleness detection.
	Touch(ctx context.Context, taskID uuid.UUID, at time.Time) error
}

// Finalizer commits the terminal outcome exactly once (the reconciler).
type Finalizer interface {
	Complete(ctx context.Context, task *chat.GenerationTask, finalText string, usage chat.Usage, finishReason string) error
	Fail(ctx context.Context, task *chat.GenerationTask, partialText string, terr chat.TaskError) error
}

// Producer owns the production side of a generation task: it is the only
// component that calls the LLM provider for a task, the only writer of the
// task's fragment log, and the caller of the reconciler on terminal
// transition.
type Producer struct {
	log      *logger.Logger
	frags    FragmentLog
	tasks    TaskStore
	finalize Finalizer
	provider Provider

	// MaxDuration bounds one generation; on expiry the task fails through
	// the same path as a provider error.
	MaxDuration time.Duration
	// Retention keeps the fragment log around after terminal transition so
	// late resumes can still replay.
	Retention time.Duration
	// TouchInterval throttles last-fragment-at persistence.
	TouchInterval time.Duration
}

func NewProducer(log *logger.Logger, frags FragmentLog, tasks TaskStore, finalize Finalizer, provider Provider) *Producer {
	return &Producer{
		log:           log.With("component", "Producer"),
		frags:         frags,
		tasks:         tasks,
		finalize:      finalize,
		provider:      provider,
		MaxDuration:   5 * time.Minute,
		Retention:     time.Hour,
		TouchInterval: time.Second,
	}
}

// Start launches production in its own goroutine. The goroutine derives its
// context from context.Background(): a disconnecting client never cancels
// generation, only the MaxDuration deadline does.
func (p *Producer) Start(task *chat.GenerationTask, req ProviderRequest) {
	go p.Run(task, req)
}

// Run drives one generation task to a terminal state. Safe against duplicate
// invocation: only the caller that wins the initializing -> streaming claim
// produces.
func (p *Producer) Run(task *chat.GenerationTask, req ProviderRequest) {
	log := p.log.With("task_id", task.ID.String(), "thread_id", task.ThreadID.String())

	ctx, cancel := context.WithTimeout(context.Background(), p.MaxDuration)
	defer cancel()

	claimed, err := p.tasks.MarkStreaming(ctx, task.ID)
	if err != nil {
		log.Error("claim streaming failed", "error", err)
		p.fail(task, "", chat.TaskError{Message: "could not start generation", Code: "task_claim_failed", Retryable: true})
		return
	}
	if !claimed {
		log.Warn("task is not in initializing state; refusing duplicate producer")
		return
	}

	var sb strings.Builder
	var lastTouch time.Time
	onDelta := func(delta string) {
		if delta == "" {
			return
		}
		if _, aerr := p.frags.Append(ctx, task.ID, delta); aerr != nil {
			log.Warn("fragment append failed", "error", aerr)
			return
		}
		sb.WriteString(delta)
		if now := time.Now().UTC(); now.Sub(lastTouch) >= p.TouchInterval {
			lastTouch = now
			if terr := p.tasks.Touch(ctx, task.ID, now); terr != nil {
				log.Debug("task touch failed", "error", terr)
			}
		}
	}

	res, err := p.provider.StreamChat(ctx, req, onDelta)
	if err != nil {
		p.fail(task, sb.String(), classifyProviderError(err))
		return
	}

	finalText := res.Text
	if finalText == "" {
		finalText = sb.String()
	}
	usage := res.Usage
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req, finalText)
	}
	reason := res.FinishReason
	if reason == "" {
		reason = chat.FinishReasonStop
	}

	p.complete(task, finalText, usage, reason)
}

func (p *Producer) complete(task *chat.GenerationTask, finalText string, usage chat.Usage, reason string) {
	log := p.log.With("task_id", task.ID.String())

	// The producer context may already be dead (timeout); finalization gets
	// its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.finalize.Complete(ctx, task, finalText, usage, reason); err != nil {
		log.Error("reconcile completion failed", "error", err)
	}
	if err := p.frags.PublishFinish(ctx, task.ID, chat.FinishEvent(reason, usage)); err != nil {
		log.Warn("publish finish failed", "error", err)
	}
	if err := p.frags.Expire(ctx, task.ID, p.Retention); err != nil {
		log.Debug("fragment expire failed", "error", err)
	}
	log.Info("generation completed", "finish_reason", reason, "total_tokens", usage.TotalTokens)
}

func (p *Producer) fail(task *chat.GenerationTask, partialText string, terr chat.TaskError) {
	log := p.log.With("task_id", task.ID.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.finalize.Fail(ctx, task, partialText, terr); err != nil {
		log.Error("reconcile failure failed", "error", err)
	}
	if err := p.frags.PublishFinish(ctx, task.ID, chat.ErrorFinishEvent(terr)); err != nil {
		log.Warn("publish finish failed", "error", err)
	}
	if err := p.frags.Expire(ctx, task.ID, p.Retention); err != nil {
		log.Debug("fragment expire failed", "error", err)
	}
	log.Warn("generation failed", "code", terr.Code, "error", terr.Message)
}

func classifyProviderError(err error) chat.TaskError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return chat.TaskError{
			Message:   "generation exceeded the maximum allowed duration",
			Code:      "timeout",
			Retryable: true,
		}
	case errors.Is(err, context.Canceled):
		return chat.TaskError{
			Message:   "generation was canceled",
			Code:      "canceled",
			Retryable: true,
		}
	default:
		return chat.TaskError{
			Message:   err.Error(),
			Code:      "provider_error",
			Retryable: true,
		}
	}
}

// estimateUsage approximates token counts when the provider omits usage in
// its stream (4 chars/token heuristic).
func estimateUsage(req ProviderRequest, output string) chat.Usage {
	in := len(req.System)
	for _, m := range req.Messages {
		in += len(m.Content)
	}
	u := chat.Usage{
		InputTokens:  in / 4,
		OutputTokens: len(output) / 4,
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}
