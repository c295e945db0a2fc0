package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/data/repos/testutil"
	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/relaychat-backend/internal/pkg/errors"
)

func TestGenerationTaskRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewGenerationTaskRepo(db, testutil.Logger(t))

	userID := uuid.New()
	thread := testutil.SeedThread(t, ctx, tx, userID)

	task := &types.GenerationTask{
		ID:       uuid.New(),
		ThreadID: thread.ID,
		UserID:   userID,
		Status:   types.TaskStatusInitializing,
		Model:    "gpt-4o-mini",
	}
	if _, err := repo.Create(dbc, []*types.GenerationTask{task}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.TaskStatusInitializing {
		t.Fatalf("GetByID: status=%q", got.Status)
	}

	if _, err := repo.GetByID(dbc, uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("GetByID missing: expected ErrNotFound, got %v", err)
	}

	// First claim of initializing -> streaming wins, second loses.
	claimed, err := repo.ClaimStatus(dbc, task.ID, []string{types.TaskStatusInitializing}, map[string]interface{}{
		"status": types.TaskStatusStreaming,
	})
	if err != nil {
		t.Fatalf("ClaimStatus #1: %v", err)
	}
	if !claimed {
		t.Fatalf("ClaimStatus #1: expected claim to win")
	}
	claimed, err = repo.ClaimStatus(dbc, task.ID, []string{types.TaskStatusInitializing}, map[string]interface{}{
		"status": types.TaskStatusStreaming,
	})
	if err != nil {
		t.Fatalf("ClaimStatus #2: %v", err)
	}
	if claimed {
		t.Fatalf("ClaimStatus #2: expected duplicate claim to lose")
	}

	// Terminal transition claims any non-terminal status; a repeat is a no-op.
	now := time.Now().UTC()
	claimed, err = repo.ClaimStatus(dbc, task.ID, types.TaskNonTerminalStatuses, map[string]interface{}{
		"status":        types.TaskStatusCompleted,
		"finish_reason": types.FinishReasonStop,
		"completed_at":  now,
	})
	if err != nil {
		t.Fatalf("ClaimStatus terminal: %v", err)
	}
	if !claimed {
		t.Fatalf("ClaimStatus terminal: expected claim to win")
	}
	claimed, err = repo.ClaimStatus(dbc, task.ID, types.TaskNonTerminalStatuses, map[string]interface{}{
		"status": types.TaskStatusFailed,
	})
	if err != nil {
		t.Fatalf("ClaimStatus after terminal: %v", err)
	}
	if claimed {
		t.Fatalf("ClaimStatus after terminal: expected no-op")
	}
	got, err = repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID after terminal: %v", err)
	}
	if got.Status != types.TaskStatusCompleted || got.FinishReason != types.FinishReasonStop {
		t.Fatalf("terminal state not preserved: status=%q reason=%q", got.Status, got.FinishReason)
	}

	// UpdateFields
	if err := repo.UpdateFields(dbc, task.ID, map[string]interface{}{"cursor": 42}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	got, _ = repo.GetByID(dbc, task.ID)
	if got.Cursor != 42 {
		t.Fatalf("UpdateFields: cursor=%d", got.Cursor)
	}

	// ListStale only sees non-terminal tasks with no recent fragment progress.
	staleAt := now.Add(-10 * time.Minute)
	stale := testutil.SeedTask(t, ctx, tx, thread.ID, userID, types.TaskStatusStreaming)
	if err := repo.UpdateFields(dbc, stale.ID, map[string]interface{}{
		"started_at":       staleAt,
		"last_fragment_at": staleAt,
	}); err != nil {
		t.Fatalf("age stale task: %v", err)
	}
	fresh := testutil.SeedTask(t, ctx, tx, thread.ID, userID, types.TaskStatusStreaming)
	if err := repo.UpdateFields(dbc, fresh.ID, map[string]interface{}{"last_fragment_at": now}); err != nil {
		t.Fatalf("touch fresh task: %v", err)
	}

	staleRows, err := repo.ListStale(dbc, now.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(staleRows) != 1 || staleRows[0].ID != stale.ID {
		t.Fatalf("ListStale: expected only %v, got %d rows", stale.ID, len(staleRows))
	}

	// ListExpired sees only terminal tasks older than the cutoff.
	expiredRows, err := repo.ListExpired(dbc, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expiredRows) != 1 || expiredRows[0].ID != task.ID {
		t.Fatalf("ListExpired: expected only %v, got %d rows", task.ID, len(expiredRows))
	}

	if err := repo.DeleteByIDs(dbc, []uuid.UUID{task.ID}); err != nil {
		t.Fatalf("DeleteByIDs: %v", err)
	}
	if _, err := repo.GetByID(dbc, task.ID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("GetByID after delete: expected ErrNotFound, got %v", err)
	}
}
