package stream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

// TaskStateFunc re-reads the task record and reports whether it reached a
// terminal state. When terminal, it also returns the finish event derived from
// the record, so a tailer that missed the live terminal publish still ends.
type TaskStateFunc func(ctx context.Context) (terminal bool, finish chat.StreamEvent, err error)

// Tailer serves the replay-then-live view of one task: full snapshot first,
// then live fragments in strictly increasing, gap-free index order.
type Tailer struct {
	log   *logger.Logger
	frags FragmentLog

	// PollInterval bounds how stale a consumer can get when live notes are
	// dropped or push delivery is unavailable.
	PollInterval time.Duration
}

func NewTailer(log *logger.Logger, frags FragmentLog) *Tailer {
	return &Tailer{
		log:          log.With("component", "Tailer"),
		frags:        frags,
		PollInterval: 2 * time.Second,
	}
}

// Tail emits every fragment of the task from index 0 in order, then the
// terminal finish event, calling emit for each. It subscribes before reading
// the snapshot and dedupes by index, so nothing produced in between is lost or
// repeated. Returns ctx.Err() if the consumer goes away first; the producer is
// unaffected either way.
func (t *Tailer) Tail(ctx context.Context, taskID uuid.UUID, state TaskStateFunc, emit func(chat.StreamEvent) error) error {
	sub, err := t.frags.Subscribe(ctx, taskID)
	if err != nil {
		return err
	}
	defer sub.Close()

	next := 0
	snap, err := t.frags.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}
	for _, f := range snap {
		if err := emit(chat.TextDeltaEvent(f.Text)); err != nil {
			return err
		}
		next++
	}

	// The task may already be terminal; its finish note predates our
	// subscription, so check the record before blocking on live notes.
	if done, err := t.checkState(ctx, taskID, state, &next, emit); done || err != nil {
		return err
	}

	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	live := sub.C()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case note, ok := <-live:
			if !ok {
				// Push path gone (e.g. bus connection dropped); degrade to polling.
				live = nil
				continue
			}
			if note.Finish != nil {
				if err := t.fill(ctx, taskID, &next, emit); err != nil {
					return err
				}
				return emit(*note.Finish)
			}
			if note.Fragment == nil || note.Fragment.Index < next {
				continue
			}
			if note.Fragment.Index > next {
				// Dropped notes; the log has everything, including this one.
				if err := t.fill(ctx, taskID, &next, emit); err != nil {
					return err
				}
				continue
			}
			if err := emit(chat.TextDeltaEvent(note.Fragment.Text)); err != nil {
				return err
			}
			next++

		case <-ticker.C:
			if err := t.fill(ctx, taskID, &next, emit); err != nil {
				return err
			}
			if done, err := t.checkState(ctx, taskID, state, &next, emit); done || err != nil {
				return err
			}
		}
	}
}

// fill emits any fragments the live path has not delivered yet.
func (t *Tailer) fill(ctx context.Context, taskID uuid.UUID, next *int, emit func(chat.StreamEvent) error) error {
	frags, err := t.frags.Range(ctx, taskID, *next)
	if err != nil {
		return err
	}
	for _, f := range frags {
		if f.Index < *next {
			continue
		}
		if err := emit(chat.TextDeltaEvent(f.Text)); err != nil {
			return err
		}
		*next = f.Index + 1
	}
	return nil
}

func (t *Tailer) checkState(ctx context.Context, taskID uuid.UUID, state TaskStateFunc, next *int, emit func(chat.StreamEvent) error) (bool, error) {
	terminal, finish, err := state(ctx)
	if err != nil {
		return false, err
	}
	if !terminal {
		return false, nil
	}
	// Fragments are frozen once terminal; drain the remainder, then finish.
	if err := t.fill(ctx, taskID, next, emit); err != nil {
		return true, err
	}
	return true, emit(finish)
}
