package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
)

type fakeProvider struct {
	deltas []string
	err    error
	result ProviderResult
	calls  int32
}

func (p *fakeProvider) StreamChat(ctx context.Context, req ProviderRequest, onDelta func(delta string)) (ProviderResult, error) {
	atomic.AddInt32(&p.calls, 1)
	for _, d := range p.deltas {
		onDelta(d)
	}
	if p.err != nil {
		return ProviderResult{}, p.err
	}
	return p.result, nil
}

type fakeTaskStore struct {
	mu      sync.Mutex
	claimed map[uuid.UUID]bool
	touches int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{claimed: map[uuid.UUID]bool{}}
}

func (s *fakeTaskStore) MarkStreaming(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[taskID] {
		return false, nil
	}
	s.claimed[taskID] = true
	return true, nil
}

func (s *fakeTaskStore) Touch(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
	return nil
}

type fakeFinalizer struct {
	mu        sync.Mutex
	completed bool
	failed    bool
	finalText string
	partial   string
	reason    string
	taskErr   chat.TaskError
}

func (f *fakeFinalizer) Complete(ctx context.Context, task *chat.GenerationTask, finalText string, usage chat.Usage, finishReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	f.finalText = finalText
	f.reason = finishReason
	return nil
}

func (f *fakeFinalizer) Fail(ctx context.Context, task *chat.GenerationTask, partialText string, terr chat.TaskError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = true
	f.partial = partialText
	f.taskErr = terr
	return nil
}

func newTestProducer(t *testing.T, frags FragmentLog, tasks TaskStore, fin Finalizer, provider Provider) *Producer {
	t.Helper()
	p := NewProducer(testLogger(t), frags, tasks, fin, provider)
	p.MaxDuration = 5 * time.Second
	return p
}

func newTestTask() *chat.GenerationTask {
	return &chat.GenerationTask{
		ID:       uuid.New(),
		ThreadID: uuid.New(),
		UserID:   uuid.New(),
		Status:   chat.TaskStatusInitializing,
		Model:    "test-model",
	}
}

func TestProducerAppendsFragmentsAndCompletes(t *testing.T) {
	ctx := context.Background()
	frags := NewMemoryFragmentLog(testLogger(t))
	store := newFakeTaskStore()
	fin := &fakeFinalizer{}
	provider := &fakeProvider{
		deltas: []string{"Hel", "lo ", "there"},
		result: ProviderResult{FinishReason: chat.FinishReasonStop, Usage: chat.Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}},
	}
	p := newTestProducer(t, frags, store, fin, provider)
	task := newTestTask()

	// Subscribe first so the terminal publish is observable.
	sub, err := frags.Subscribe(ctx, task.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	p.Run(task, ProviderRequest{Model: task.Model})

	snap, err := frags.Snapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("fragments = %d", len(snap))
	}

	fin.mu.Lock()
	if !fin.completed || fin.finalText != "Hello there" || fin.reason != chat.FinishReasonStop {
		t.Fatalf("finalizer state: %+v", fin)
	}
	fin.mu.Unlock()

	// The finish note reaches subscribers only after reconciliation.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case note := <-sub.C():
			if note.Finish == nil {
				continue
			}
			if note.Finish.FinishReason != chat.FinishReasonStop {
				t.Fatalf("finish note: %+v", note.Finish)
			}
			return
		case <-deadline:
			t.Fatalf("no finish note published")
		}
	}
}

func TestProducerFailurePreservesPartialText(t *testing.T) {
	frags := NewMemoryFragmentLog(testLogger(t))
	store := newFakeTaskStore()
	fin := &fakeFinalizer{}
	provider := &fakeProvider{
		deltas: []string{"partial ", "output"},
		err:    errors.New("upstream hiccup"),
	}
	p := newTestProducer(t, frags, store, fin, provider)
	task := newTestTask()

	p.Run(task, ProviderRequest{Model: task.Model})

	fin.mu.Lock()
	defer fin.mu.Unlock()
	if fin.completed {
		t.Fatalf("completed on a failing stream")
	}
	if !fin.failed || fin.partial != "partial output" {
		t.Fatalf("failure state: failed=%v partial=%q", fin.failed, fin.partial)
	}
	if fin.taskErr.Code != "provider_error" || !fin.taskErr.Retryable {
		t.Fatalf("task error: %+v", fin.taskErr)
	}
}

func TestProducerTimeoutClassifiedAsTimeout(t *testing.T) {
	frags := NewMemoryFragmentLog(testLogger(t))
	store := newFakeTaskStore()
	fin := &fakeFinalizer{}
	provider := &fakeProvider{err: context.DeadlineExceeded}
	p := newTestProducer(t, frags, store, fin, provider)
	task := newTestTask()

	p.Run(task, ProviderRequest{Model: task.Model})

	fin.mu.Lock()
	defer fin.mu.Unlock()
	if !fin.failed || fin.taskErr.Code != "timeout" {
		t.Fatalf("expected timeout classification, got %+v", fin.taskErr)
	}
}

func TestProducerRefusesDuplicateClaim(t *testing.T) {
	frags := NewMemoryFragmentLog(testLogger(t))
	store := newFakeTaskStore()
	fin := &fakeFinalizer{}
	provider := &fakeProvider{deltas: []string{"once"}}
	p := newTestProducer(t, frags, store, fin, provider)
	task := newTestTask()

	p.Run(task, ProviderRequest{Model: task.Model})
	p.Run(task, ProviderRequest{Model: task.Model})

	if got := atomic.LoadInt32(&provider.calls); got != 1 {
		t.Fatalf("provider called %d times, want 1", got)
	}
}

func TestEstimateUsage(t *testing.T) {
	req := ProviderRequest{
		System:   "12345678",
		Messages: []PromptMessage{{Role: "user", Content: "12345678"}},
	}
	u := estimateUsage(req, "1234")
	if u.InputTokens != 4 || u.OutputTokens != 1 || u.TotalTokens != 5 {
		t.Fatalf("estimateUsage = %+v", u)
	}
}
