package stream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
)

// Fragment is one incremental chunk of generated text, identified by its
// position in the log. Positions are dense and start at zero.
type Fragment struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Note is the envelope published to live subscribers of a task. Exactly one
// field is set: a new fragment, or the terminal finish event.
type Note struct {
	Fragment *Fragment         `json:"fragment,omitempty"`
	Finish   *chat.StreamEvent `json:"finish,omitempty"`
}

type Subscription interface {
	// C yields live notes in publish order. The channel closes when the
	// subscription ends; delivery is best-effort (consumers gap-fill from
	// the log by index).
	C() <-chan Note
	Close()
}

// FragmentLog is the append-only accumulator for generation tasks. Appends are
// atomic and assign dense indexes; the append happens-before the matching
// publish, so a subscriber that snapshots after subscribing never sees a gap
// it cannot fill from the log.
type FragmentLog interface {
	// Append stores one fragment and publishes it to live subscribers.
	// Returns the fragment with its assigned index.
	Append(ctx context.Context, taskID uuid.UUID, text string) (Fragment, error)

	// Snapshot returns every fragment appended so far, in order.
	Snapshot(ctx context.Context, taskID uuid.UUID) ([]Fragment, error)

	// Range returns fragments with index >= from, in order.
	Range(ctx context.Context, taskID uuid.UUID, from int) ([]Fragment, error)

	// Len returns the fragment count (the task cursor).
	Len(ctx context.Context, taskID uuid.UUID) (int, error)

	// Subscribe attaches a live consumer. Must be called before Snapshot to
	// guarantee gap-free replay-then-live.
	Subscribe(ctx context.Context, taskID uuid.UUID) (Subscription, error)

	// PublishFinish broadcasts the terminal event to live subscribers. The
	// task record must already be terminal when this is called.
	PublishFinish(ctx context.Context, taskID uuid.UUID, ev chat.StreamEvent) error

	// Expire schedules the task's log for deletion after ttl.
	Expire(ctx context.Context, taskID uuid.UUID, ttl time.Duration) error
}
