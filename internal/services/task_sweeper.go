package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	chatrepos "github.com/yungbote/relaychat-backend/internal/data/repos/chat"
	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/dbctx"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
	"github.com/yungbote/relaychat-backend/internal/stream"
)

// TaskSweeper is the janitor for generation tasks: it fails orphaned
// non-terminal tasks whose producer died without reconciling, and garbage
// collects terminal task rows past their retention window. Failing an orphan
// goes through the reconciler, so it is safe even if the producer is merely
// slow; whoever claims the terminal transition first wins.
type TaskSweeper struct {
	log        *logger.Logger
	tasks      chatrepos.GenerationTaskRepo
	frags      stream.FragmentLog
	reconciler *Reconciler

	Interval   time.Duration
	StaleAfter time.Duration
	Retention  time.Duration
	BatchSize  int
}

func NewTaskSweeper(log *logger.Logger, taskRepo chatrepos.GenerationTaskRepo, frags stream.FragmentLog, reconciler *Reconciler) *TaskSweeper {
	return &TaskSweeper{
		log:        log.With("service", "TaskSweeper"),
		tasks:      taskRepo,
		frags:      frags,
		reconciler: reconciler,
		Interval:   time.Minute,
		StaleAfter: 10 * time.Minute,
		Retention:  24 * time.Hour,
		BatchSize:  100,
	}
}

// Run blocks until ctx is canceled, sweeping every Interval.
func (s *TaskSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of both phases.
func (s *TaskSweeper) Sweep(ctx context.Context) {
	s.failStale(ctx)
	s.purgeExpired(ctx)
}

func (s *TaskSweeper) failStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.StaleAfter)
	rows, err := s.tasks.ListStale(dbctx.Context{Ctx: ctx}, cutoff, s.BatchSize)
	if err != nil {
		s.log.Warn("list stale tasks failed", "error", err)
		return
	}
	for _, task := range rows {
		partial := s.partialText(ctx, task.ID)
		terr := types.TaskError{
			Message:   "generation abandoned: producer made no progress",
			Code:      "timeout",
			Retryable: true,
		}
		if err := s.reconciler.Fail(ctx, task, partial, terr); err != nil {
			s.log.Warn("fail stale task failed", "task_id", task.ID.String(), "error", err)
			continue
		}
		if err := s.frags.PublishFinish(ctx, task.ID, types.ErrorFinishEvent(terr)); err != nil {
			s.log.Debug("publish finish for stale task failed", "task_id", task.ID.String(), "error", err)
		}
		s.log.Info("failed stale task", "task_id", task.ID.String(), "thread_id", task.ThreadID.String())
	}
}

func (s *TaskSweeper) purgeExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.Retention)
	rows, err := s.tasks.ListExpired(dbctx.Context{Ctx: ctx}, cutoff, s.BatchSize)
	if err != nil {
		s.log.Warn("list expired tasks failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, task := range rows {
		ids = append(ids, task.ID)
		if err := s.frags.Expire(ctx, task.ID, time.Second); err != nil {
			s.log.Debug("expire fragment log failed", "task_id", task.ID.String(), "error", err)
		}
	}
	if err := s.tasks.DeleteByIDs(dbctx.Context{Ctx: ctx}, ids); err != nil {
		s.log.Warn("delete expired tasks failed", "error", err)
		return
	}
	s.log.Info("purged expired tasks", "count", len(ids))
}

func (s *TaskSweeper) partialText(ctx context.Context, taskID uuid.UUID) string {
	frags, err := s.frags.Snapshot(ctx, taskID)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, f := range frags {
		sb.WriteString(f.Text)
	}
	return sb.String()
}
