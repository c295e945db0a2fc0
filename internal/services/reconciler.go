package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	chatrepos "github.com/yungbote/relaychat-backend/internal/data/repos/chat"
	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/dbctx"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
	"github.com/yungbote/relaychat-backend/internal/stream"
)

// Reconciler commits the terminal outcome of a generation task: it flips the
// task record to its terminal status, writes the assistant message, and marks
// the owning thread. The status flip is a conditional claim executed inside
// the same transaction as the message/thread writes, so either everything
// commits or the task stays claimable and the next attempt (producer retry,
// sweeper) redoes the whole transition. Reconciling an already-terminal task
// is a no-op.
type Reconciler struct {
	db       *gorm.DB
	log      *logger.Logger
	threads  chatrepos.ChatThreadRepo
	messages chatrepos.ChatMessageRepo
	tasks    chatrepos.GenerationTaskRepo
	frags    stream.FragmentLog
	gate     RateLimitGate

	// MaxTries bounds the transaction retries per invocation. An exhausted
	// invocation leaves the task non-terminal for the sweeper to finish.
	MaxTries uint
}

var _ stream.Finalizer = (*Reconciler)(nil)

func NewReconciler(
	db *gorm.DB,
	log *logger.Logger,
	threadRepo chatrepos.ChatThreadRepo,
	messageRepo chatrepos.ChatMessageRepo,
	taskRepo chatrepos.GenerationTaskRepo,
	frags stream.FragmentLog,
	gate RateLimitGate,
) *Reconciler {
	return &Reconciler{
		db:       db,
		log:      log.With("service", "Reconciler"),
		threads:  threadRepo,
		messages: messageRepo,
		tasks:    taskRepo,
		frags:    frags,
		gate:     gate,
		MaxTries: 4,
	}
}

// Complete records a successful generation. Idempotent: only the transaction
// that wins the non-terminal -> completed claim writes the message and thread
// and settles usage.
func (r *Reconciler) Complete(ctx context.Context, task *types.GenerationTask, finalText string, usage types.Usage, finishReason string) error {
	log := r.log.With("task_id", task.ID.String())

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":        types.TaskStatusCompleted,
		"finish_reason": finishReason,
		"cursor":        r.cursor(ctx, task),
		"completed_at":  now,
	}
	meta := messageMetadata(finishReason, &usage, nil)

	var claimed bool
	err := r.retry(ctx, func() error {
		claimed = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: tx}
			won, err := r.tasks.ClaimStatus(dbc, task.ID, types.TaskNonTerminalStatuses, updates)
			if err != nil {
				return err
			}
			if !won {
				return nil
			}
			claimed = true

			if task.MessageID != nil {
				if err := r.messages.UpdateFields(dbc, *task.MessageID, map[string]interface{}{
					"content":  finalText,
					"status":   types.MessageStatusComplete,
					"model":    task.Model,
					"metadata": meta,
				}); err != nil {
					return err
				}
			}
			return r.threads.UpdateFields(dbc, task.ThreadID, map[string]interface{}{
				"status":          types.ThreadStatusCompleted,
				"last_message_at": now,
			})
		})
	})
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("task already reconciled; skipping")
		return nil
	}

	if r.gate != nil {
		if serr := r.gate.SettleUsage(ctx, task.UserID, usage); serr != nil {
			log.Warn("usage settlement failed", "error", serr)
		}
	}
	return nil
}

// Fail records a failed generation, preserving whatever partial text had been
// produced. A failure that produced nothing refunds the user's credit.
func (r *Reconciler) Fail(ctx context.Context, task *types.GenerationTask, partialText string, terr types.TaskError) error {
	log := r.log.With("task_id", task.ID.String())

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          types.TaskStatusFailed,
		"finish_reason":   types.FinishReasonError,
		"cursor":          r.cursor(ctx, task),
		"completed_at":    now,
		"error_message":   terr.Message,
		"error_code":      terr.Code,
		"error_retryable": terr.Retryable,
	}
	meta := messageMetadata(types.FinishReasonError, nil, &terr)

	var claimed bool
	err := r.retry(ctx, func() error {
		claimed = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			dbc := dbctx.Context{Ctx: ctx, Tx: tx}
			won, err := r.tasks.ClaimStatus(dbc, task.ID, types.TaskNonTerminalStatuses, updates)
			if err != nil {
				return err
			}
			if !won {
				return nil
			}
			claimed = true

			if task.MessageID != nil {
				if err := r.messages.UpdateFields(dbc, *task.MessageID, map[string]interface{}{
					"content":  partialText,
					"status":   types.MessageStatusFailed,
					"model":    task.Model,
					"metadata": meta,
				}); err != nil {
					return err
				}
			}
			return r.threads.UpdateFields(dbc, task.ThreadID, map[string]interface{}{
				"status":          types.ThreadStatusFailed,
				"last_message_at": now,
			})
		})
	})
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("task already reconciled; skipping")
		return nil
	}

	if partialText == "" && r.gate != nil {
		if rerr := r.gate.RefundUsage(ctx, task.UserID, 1); rerr != nil {
			log.Warn("credit refund failed", "error", rerr)
		}
	}
	return nil
}

// cursor reads the authoritative fragment count for persistence on the task
// row. Best effort: a dead fragment log must not block reconciliation.
func (r *Reconciler) cursor(ctx context.Context, task *types.GenerationTask) int {
	if r.frags == nil {
		return task.Cursor
	}
	n, err := r.frags.Len(ctx, task.ID)
	if err != nil {
		return task.Cursor
	}
	return n
}

func (r *Reconciler) retry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(r.MaxTries),
	)
	return err
}

func messageMetadata(finishReason string, usage *types.Usage, terr *types.TaskError) datatypes.JSON {
	payload := map[string]interface{}{
		"finishReason": finishReason,
	}
	if usage != nil {
		payload["usage"] = usage
	}
	if terr != nil {
		payload["error"] = terr
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(b)
}
