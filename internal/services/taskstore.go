package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	chatrepos "github.com/yungbote/relaychat-backend/internal/data/repos/chat"
	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/dbctx"
	"github.com/yungbote/relaychat-backend/internal/stream"
)

// taskStore adapts the generation task repo to the producer's TaskStore.
type taskStore struct {
	tasks chatrepos.GenerationTaskRepo
}

func NewTaskStore(tasks chatrepos.GenerationTaskRepo) stream.TaskStore {
	return &taskStore{tasks: tasks}
}

func (s *taskStore) MarkStreaming(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.tasks.ClaimStatus(dbctx.Context{Ctx: ctx}, taskID,
		[]string{types.TaskStatusInitializing},
		map[string]interface{}{"status": types.TaskStatusStreaming},
	)
}

func (s *taskStore) Touch(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	return s.tasks.UpdateFields(dbctx.Context{Ctx: ctx}, taskID, map[string]interface{}{
		"last_fragment_at": at,
	})
}
