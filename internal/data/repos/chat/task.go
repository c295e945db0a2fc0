package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/relaychat-backend/internal/pkg/errors"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

type GenerationTaskRepo interface {
	Create(dbc dbctx.Context, rows []*types.GenerationTask) ([]*types.GenerationTask, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationTask, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error

	// ClaimStatus applies updates only if the task is currently in one of
	// the given statuses. Returns whether this call won the transition; a
	// losing call must treat the transition as already taken.
	ClaimStatus(dbc dbctx.Context, id uuid.UUID, from []string, updates map[string]interface{}) (bool, error)

	// ListStale returns non-terminal tasks with no fragment progress since
	// the cutoff (orphans from crashed producers).
	ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationTask, error)

	// ListExpired returns terminal tasks finished before the cutoff.
	ListExpired(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationTask, error)

	DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error
}

type generationTaskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGenerationTaskRepo(db *gorm.DB, log *logger.Logger) GenerationTaskRepo {
	return &generationTaskRepo{db: db, log: log.With("repo", "GenerationTaskRepo")}
}

func (r *generationTaskRepo) Create(dbc dbctx.Context, rows []*types.GenerationTask) ([]*types.GenerationTask, error) {
	if len(rows) == 0 {
		return []*types.GenerationTask{}, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *generationTaskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationTask, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.GenerationTask
	if err := txx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *generationTaskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&types.GenerationTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *generationTaskRepo) ClaimStatus(dbc dbctx.Context, id uuid.UUID, from []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	if len(from) == 0 {
		return false, fmt.Errorf("missing from statuses")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).
		Model(&types.GenerationTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *generationTaskRepo) ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.GenerationTask
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.GenerationTask{}).
		Where("status IN ?", types.TaskNonTerminalStatuses).
		Where("COALESCE(last_fragment_at, started_at) < ?", cutoff).
		Order("started_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *generationTaskRepo) ListExpired(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.GenerationTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.GenerationTask
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.GenerationTask{}).
		Where("status IN ?", []string{types.TaskStatusCompleted, types.TaskStatusFailed}).
		Where("completed_at < ?", cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *generationTaskRepo) DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Delete(&types.GenerationTask{}).Error
}
