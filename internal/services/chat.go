package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	chatrepos "github.com/yungbote/relaychat-backend/internal/data/repos/chat"
	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/ctxutil"
	"github.com/yungbote/relaychat-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/relaychat-backend/internal/pkg/errors"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
	"github.com/yungbote/relaychat-backend/internal/stream"
)

// RateLimitError carries the gate's decision to the HTTP layer.
type RateLimitError struct {
	Decision RateLimitDecision
}

func (e *RateLimitError) Error() string {
	if e.Decision.Reason != "" {
		return e.Decision.Reason
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return pkgerrors.ErrRateLimited }

// StartGenerationParams is the validated input for one generation request.
type StartGenerationParams struct {
	Content     string
	Model       string
	Temperature *float64
	MaxTokens   int
}

type ChatService interface {
	CreateThread(dbc dbctx.Context, title string) (*types.ChatThread, error)
	ListThreads(dbc dbctx.Context, limit int) ([]*types.ChatThread, error)
	GetThread(dbc dbctx.Context, threadID uuid.UUID, limit int) (*types.ChatThread, []*types.ChatMessage, error)

	// StartGeneration persists the user message, creates an assistant
	// placeholder and the generation task, then launches the producer. The
	// rate limit gate is consulted before any side effect.
	StartGeneration(dbc dbctx.Context, threadID uuid.UUID, params StartGenerationParams) (*types.GenerationTask, error)

	// ResumeTask authorizes a resume request: the task must exist, belong to
	// the thread, and be owned by the caller.
	ResumeTask(dbc dbctx.Context, threadID, taskID uuid.UUID) (*types.GenerationTask, error)

	// ConsumerAttached / ConsumerDetached maintain the task's disconnected
	// marker from live consumer counts.
	ConsumerAttached(ctx context.Context, taskID uuid.UUID)
	ConsumerDetached(ctx context.Context, taskID uuid.UUID)

	// TaskState builds the tailer's terminal-state check for one task.
	TaskState(taskID uuid.UUID) stream.TaskStateFunc
}

type chatService struct {
	db       *gorm.DB
	log      *logger.Logger
	threads  chatrepos.ChatThreadRepo
	messages chatrepos.ChatMessageRepo
	tasks    chatrepos.GenerationTaskRepo
	gate     RateLimitGate
	producer *stream.Producer

	defaultModel string
	systemPrompt string
	historyLimit int

	// Live consumer refcounts per task, for the disconnected marker.
	consumersMu sync.Mutex
	consumers   map[uuid.UUID]int
}

func NewChatService(
	db *gorm.DB,
	baseLog *logger.Logger,
	threadRepo chatrepos.ChatThreadRepo,
	messageRepo chatrepos.ChatMessageRepo,
	taskRepo chatrepos.GenerationTaskRepo,
	gate RateLimitGate,
	producer *stream.Producer,
	defaultModel string,
	systemPrompt string,
) ChatService {
	return &chatService{
		db:           db,
		log:          baseLog.With("service", "ChatService"),
		threads:      threadRepo,
		messages:     messageRepo,
		tasks:        taskRepo,
		gate:         gate,
		producer:     producer,
		defaultModel: defaultModel,
		systemPrompt: systemPrompt,
		historyLimit: 50,
		consumers:    map[uuid.UUID]int{},
	}
}

func (s *chatService) CreateThread(dbc dbctx.Context, title string) (*types.ChatThread, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Chat"
	}

	thread := &types.ChatThread{
		ID:            uuid.New(),
		UserID:        rd.UserID,
		Title:         title,
		Status:        types.ThreadStatusActive,
		LastMessageAt: time.Now().UTC(),
	}
	created, err := s.threads.Create(dbc, []*types.ChatThread{thread})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return created[0], nil
}

func (s *chatService) ListThreads(dbc dbctx.Context, limit int) ([]*types.ChatThread, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}
	return s.threads.ListByUser(dbc, rd.UserID, limit)
}

func (s *chatService) GetThread(dbc dbctx.Context, threadID uuid.UUID, limit int) (*types.ChatThread, []*types.ChatMessage, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, nil, pkgerrors.ErrUnauthorized
	}

	thread, err := s.threads.GetByID(dbc, threadID)
	if err != nil {
		return nil, nil, err
	}
	if thread.UserID != rd.UserID {
		return nil, nil, pkgerrors.ErrForbidden
	}

	msgs, err := s.messages.ListByThread(dbc, threadID, limit)
	if err != nil {
		return nil, nil, err
	}
	return thread, msgs, nil
}

func (s *chatService) StartGeneration(dbc dbctx.Context, threadID uuid.UUID, params StartGenerationParams) (*types.GenerationTask, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}

	content := strings.TrimSpace(params.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content required", pkgerrors.ErrInvalidArgument)
	}

	// Gate first: a denied request must leave no trace.
	decision, err := s.gate.CheckRateLimit(dbc.Ctx, rd.UserID)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		return nil, &RateLimitError{Decision: decision}
	}

	model := strings.TrimSpace(params.Model)
	if model == "" {
		model = s.defaultModel
	}

	var task *types.GenerationTask
	var history []*types.ChatMessage
	if err := s.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}

		thread, err := s.threads.LockByID(txc, threadID)
		if err != nil {
			return err
		}
		if thread.UserID != rd.UserID {
			return pkgerrors.ErrForbidden
		}
		if thread.Status == types.ThreadStatusStreaming {
			return fmt.Errorf("%w: thread already has an active generation", pkgerrors.ErrConflict)
		}

		history, err = s.messages.ListByThread(txc, threadID, s.historyLimit)
		if err != nil {
			return err
		}

		userSeq := thread.NextSeq + 1
		placeholderSeq := thread.NextSeq + 2

		userMsg := &types.ChatMessage{
			ID:       uuid.New(),
			ThreadID: threadID,
			UserID:   rd.UserID,
			Seq:      userSeq,
			Role:     types.MessageRoleUser,
			Status:   types.MessageStatusSent,
			Content:  content,
		}
		placeholder := &types.ChatMessage{
			ID:       uuid.New(),
			ThreadID: threadID,
			UserID:   rd.UserID,
			Seq:      placeholderSeq,
			Role:     types.MessageRoleAssistant,
			Status:   types.MessageStatusStreaming,
			Model:    model,
		}
		if _, err := s.messages.Create(txc, []*types.ChatMessage{userMsg, placeholder}); err != nil {
			return err
		}

		task = &types.GenerationTask{
			ID:           uuid.New(),
			ThreadID:     threadID,
			UserID:       rd.UserID,
			MessageID:    &placeholder.ID,
			Status:       types.TaskStatusInitializing,
			Model:        model,
			SystemPrompt: s.systemPrompt,
			Temperature:  params.Temperature,
			MaxTokens:    params.MaxTokens,
			StartedAt:    time.Now().UTC(),
		}
		if _, err := s.tasks.Create(txc, []*types.GenerationTask{task}); err != nil {
			return err
		}

		history = append(history, userMsg)
		return s.threads.UpdateFields(txc, threadID, map[string]interface{}{
			"status":          types.ThreadStatusStreaming,
			"next_seq":        placeholderSeq,
			"last_message_at": time.Now().UTC(),
		})
	}); err != nil {
		return nil, err
	}

	if err := s.gate.IncrementUsage(dbc.Ctx, rd.UserID, 1); err != nil {
		s.log.Warn("usage increment failed", "user_id", rd.UserID.String(), "error", err)
	}

	s.producer.Start(task, stream.ProviderRequest{
		Model:       model,
		System:      s.systemPrompt,
		Messages:    promptHistory(history),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	return task, nil
}

func (s *chatService) ResumeTask(dbc dbctx.Context, threadID, taskID uuid.UUID) (*types.GenerationTask, error) {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, pkgerrors.ErrUnauthorized
	}

	task, err := s.tasks.GetByID(dbc, taskID)
	if err != nil {
		return nil, err
	}
	if task.ThreadID != threadID {
		return nil, pkgerrors.ErrNotFound
	}
	if task.UserID != rd.UserID {
		return nil, pkgerrors.ErrForbidden
	}
	return task, nil
}

func (s *chatService) ConsumerAttached(ctx context.Context, taskID uuid.UUID) {
	s.consumersMu.Lock()
	s.consumers[taskID]++
	first := s.consumers[taskID] == 1
	s.consumersMu.Unlock()
	if !first {
		return
	}
	// Re-attaching clears the disconnected marker.
	if _, err := s.tasks.ClaimStatus(dbctx.Context{Ctx: ctx}, taskID,
		[]string{types.TaskStatusDisconnected},
		map[string]interface{}{"status": types.TaskStatusStreaming},
	); err != nil {
		s.log.Debug("clear disconnected marker failed", "task_id", taskID.String(), "error", err)
	}
}

func (s *chatService) ConsumerDetached(ctx context.Context, taskID uuid.UUID) {
	s.consumersMu.Lock()
	s.consumers[taskID]--
	last := s.consumers[taskID] <= 0
	if last {
		delete(s.consumers, taskID)
	}
	s.consumersMu.Unlock()
	if !last {
		return
	}
	if _, err := s.tasks.ClaimStatus(dbctx.Context{Ctx: ctx}, taskID,
		[]string{types.TaskStatusStreaming},
		map[string]interface{}{"status": types.TaskStatusDisconnected},
	); err != nil {
		s.log.Debug("set disconnected marker failed", "task_id", taskID.String(), "error", err)
	}
}

// TaskState re-reads the task record so a tailer that missed the live finish
// note still terminates with the persisted outcome.
func (s *chatService) TaskState(taskID uuid.UUID) stream.TaskStateFunc {
	return func(ctx context.Context) (bool, types.StreamEvent, error) {
		task, err := s.tasks.GetByID(dbctx.Context{Ctx: ctx}, taskID)
		if err != nil {
			return false, types.StreamEvent{}, err
		}
		if !types.TaskStatusTerminal(task.Status) {
			return false, types.StreamEvent{}, nil
		}
		return true, s.finishFromRecord(ctx, task), nil
	}
}

func (s *chatService) finishFromRecord(ctx context.Context, task *types.GenerationTask) types.StreamEvent {
	if task.Status == types.TaskStatusFailed {
		terr := task.Err()
		if terr == nil {
			terr = &types.TaskError{Message: "generation failed", Code: "unknown"}
		}
		return types.ErrorFinishEvent(*terr)
	}

	var usage types.Usage
	if task.MessageID != nil {
		if msg, err := s.messages.GetByID(dbctx.Context{Ctx: ctx}, *task.MessageID); err == nil {
			var meta struct {
				Usage *types.Usage `json:"usage"`
			}
			if err := json.Unmarshal(msg.Metadata, &meta); err == nil && meta.Usage != nil {
				usage = *meta.Usage
			}
		}
	}

	reason := task.FinishReason
	if reason == "" {
		reason = types.FinishReasonStop
	}
	return types.FinishEvent(reason, usage)
}

// promptHistory converts persisted messages into provider turns, skipping
// placeholders and failed turns.
func promptHistory(msgs []*types.ChatMessage) []stream.PromptMessage {
	out := make([]stream.PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if m.Status != types.MessageStatusSent && m.Status != types.MessageStatusComplete {
			continue
		}
		out = append(out, stream.PromptMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
