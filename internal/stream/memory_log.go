package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

// memoryLog is the in-process fallback used when no Redis address is
// configured, and the test double for the streaming pipeline. Resumability
// does not survive a process restart in this mode.
type memoryLog struct {
	log *logger.Logger

	mu    sync.Mutex
	tasks map[uuid.UUID]*memoryTask
}

type memoryTask struct {
	frags  []string
	finish *chat.StreamEvent
	subs   map[*memorySub]struct{}
}

type memorySub struct {
	parent *memoryLog
	taskID uuid.UUID
	out    chan Note
	once   sync.Once
}

func NewMemoryFragmentLog(log *logger.Logger) FragmentLog {
	return &memoryLog{
		log:   log.With("component", "MemoryFragmentLog"),
		tasks: make(map[uuid.UUID]*memoryTask),
	}
}

func (l *memoryLog) task(taskID uuid.UUID) *memoryTask {
	t, ok := l.tasks[taskID]
	if !ok {
		t = &memoryTask{subs: make(map[*memorySub]struct{})}
		l.tasks[taskID] = t
	}
	return t
}

func (l *memoryLog) Append(ctx context.Context, taskID uuid.UUID, text string) (Fragment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.task(taskID)
	t.frags = append(t.frags, text)
	frag := Fragment{Index: len(t.frags) - 1, Text: text}
	l.fanout(t, Note{Fragment: &frag})
	return frag, nil
}

func (l *memoryLog) Snapshot(ctx context.Context, taskID uuid.UUID) ([]Fragment, error) {
	return l.Range(ctx, taskID, 0)
}

func (l *memoryLog) Range(ctx context.Context, taskID uuid.UUID, from int) ([]Fragment, error) {
	if from < 0 {
		from = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.task(taskID)
	if from >= len(t.frags) {
		return []Fragment{}, nil
	}
	out := make([]Fragment, 0, len(t.frags)-from)
	for i := from; i < len(t.frags); i++ {
		out = append(out, Fragment{Index: i, Text: t.frags[i]})
	}
	return out, nil
}

func (l *memoryLog) Len(ctx context.Context, taskID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.task(taskID).frags), nil
}

func (l *memoryLog) Subscribe(ctx context.Context, taskID uuid.UUID) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.task(taskID)
	s := &memorySub{parent: l, taskID: taskID, out: make(chan Note, 256)}
	t.subs[s] = struct{}{}

	// A subscriber attaching after the terminal publish still gets it.
	if t.finish != nil {
		fin := *t.finish
		s.out <- Note{Finish: &fin}
	}
	return s, nil
}

func (s *memorySub) C() <-chan Note { return s.out }

func (s *memorySub) Close() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		if t, ok := s.parent.tasks[s.taskID]; ok {
			delete(t.subs, s)
		}
		s.parent.mu.Unlock()
		close(s.out)
	})
}

func (l *memoryLog) PublishFinish(ctx context.Context, taskID uuid.UUID, ev chat.StreamEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.task(taskID)
	fin := ev
	t.finish = &fin
	l.fanout(t, Note{Finish: &fin})
	return nil
}

// fanout delivers under l.mu so subscribers observe notes in append order.
func (l *memoryLog) fanout(t *memoryTask, note Note) {
	for s := range t.subs {
		select {
		case s.out <- note:
		default:
			l.log.Debug("dropping fragment note; subscriber buffer full", "task_id", s.taskID.String())
		}
	}
}

func (l *memoryLog) Expire(ctx context.Context, taskID uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		l.mu.Lock()
		delete(l.tasks, taskID)
		l.mu.Unlock()
		return nil
	}
	time.AfterFunc(ttl, func() {
		l.mu.Lock()
		delete(l.tasks, taskID)
		l.mu.Unlock()
	})
	return nil
}
