package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
)

// recordedState is a TaskStateFunc backed by a mutable flag, standing in for
// the task record.
type recordedState struct {
	mu       sync.Mutex
	terminal bool
	finish   chat.StreamEvent
}

func (s *recordedState) set(finish chat.StreamEvent) {
	s.mu.Lock()
	s.terminal = true
	s.finish = finish
	s.mu.Unlock()
}

func (s *recordedState) fn() TaskStateFunc {
	return func(ctx context.Context) (bool, chat.StreamEvent, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.terminal, s.finish, nil
	}
}

func collectEvents(t *testing.T, tailer *Tailer, taskID uuid.UUID, state TaskStateFunc) []chat.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []chat.StreamEvent
	if err := tailer.Tail(ctx, taskID, state, func(ev chat.StreamEvent) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("Tail: %v", err)
	}
	return events
}

func joinDeltas(events []chat.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == chat.EventTextDelta {
			sb.WriteString(ev.TextDelta)
		}
	}
	return sb.String()
}

func TestTailerReplaysCompletedTask(t *testing.T) {
	ctx := context.Background()
	log := testLogger(t)
	frags := NewMemoryFragmentLog(log)
	tailer := NewTailer(log, frags)
	taskID := uuid.New()

	for _, text := range []string{"The ", "answer ", "is ", "42."} {
		if _, err := frags.Append(ctx, taskID, text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	state := &recordedState{}
	state.set(chat.FinishEvent(chat.FinishReasonStop, chat.Usage{TotalTokens: 12}))

	events := collectEvents(t, tailer, taskID, state.fn())

	if got := joinDeltas(events); got != "The answer is 42." {
		t.Fatalf("replayed text = %q", got)
	}
	last := events[len(events)-1]
	if last.Type != chat.EventFinish || last.FinishReason != chat.FinishReasonStop {
		t.Fatalf("last event = %+v", last)
	}
}

func TestTailerBridgesSnapshotToLive(t *testing.T) {
	ctx := context.Background()
	log := testLogger(t)
	frags := NewMemoryFragmentLog(log)
	tailer := NewTailer(log, frags)
	taskID := uuid.New()

	// Part of the text exists before the consumer attaches.
	for _, text := range []string{"one ", "two "} {
		if _, err := frags.Append(ctx, taskID, text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	state := &recordedState{}
	done := make(chan []chat.StreamEvent, 1)
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var events []chat.StreamEvent
		_ = tailer.Tail(tctx, taskID, state.fn(), func(ev chat.StreamEvent) error {
			events = append(events, ev)
			return nil
		})
		done <- events
	}()

	// Let the consumer reach its live loop, then keep producing.
	time.Sleep(50 * time.Millisecond)
	for _, text := range []string{"three ", "four"} {
		if _, err := frags.Append(ctx, taskID, text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	state.set(chat.FinishEvent(chat.FinishReasonStop, chat.Usage{}))
	if err := frags.PublishFinish(ctx, taskID, chat.FinishEvent(chat.FinishReasonStop, chat.Usage{})); err != nil {
		t.Fatalf("PublishFinish: %v", err)
	}

	select {
	case events := <-done:
		if got := joinDeltas(events); got != "one two three four" {
			t.Fatalf("streamed text = %q", got)
		}
		if events[len(events)-1].Type != chat.EventFinish {
			t.Fatalf("expected trailing finish, got %+v", events[len(events)-1])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("tail never finished")
	}
}

func TestTailerConcurrentConsumersSeeSameStream(t *testing.T) {
	ctx := context.Background()
	log := testLogger(t)
	frags := NewMemoryFragmentLog(log)
	tailer := NewTailer(log, frags)
	taskID := uuid.New()

	state := &recordedState{}
	const consumers = 4
	results := make(chan string, consumers)

	for i := 0; i < consumers; i++ {
		go func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var events []chat.StreamEvent
			_ = tailer.Tail(tctx, taskID, state.fn(), func(ev chat.StreamEvent) error {
				events = append(events, ev)
				return nil
			})
			results <- joinDeltas(events)
		}()
	}
	time.Sleep(50 * time.Millisecond)

	want := "streams are append only"
	for _, text := range strings.SplitAfter(want, " ") {
		if _, err := frags.Append(ctx, taskID, text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	state.set(chat.FinishEvent(chat.FinishReasonStop, chat.Usage{}))
	if err := frags.PublishFinish(ctx, taskID, chat.FinishEvent(chat.FinishReasonStop, chat.Usage{})); err != nil {
		t.Fatalf("PublishFinish: %v", err)
	}

	for i := 0; i < consumers; i++ {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("consumer %d text = %q, want %q", i, got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("consumer %d never finished", i)
		}
	}
}

// A tailer that misses the live finish note still terminates via the task
// record poll.
func TestTailerFallsBackToTaskState(t *testing.T) {
	ctx := context.Background()
	log := testLogger(t)
	frags := NewMemoryFragmentLog(log)
	tailer := NewTailer(log, frags)
	tailer.PollInterval = 20 * time.Millisecond
	taskID := uuid.New()

	if _, err := frags.Append(ctx, taskID, "partial"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	state := &recordedState{}
	done := make(chan []chat.StreamEvent, 1)
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var events []chat.StreamEvent
		_ = tailer.Tail(tctx, taskID, state.fn(), func(ev chat.StreamEvent) error {
			events = append(events, ev)
			return nil
		})
		done <- events
	}()

	time.Sleep(50 * time.Millisecond)
	// Terminal state lands in the record, but no finish note is ever published.
	state.set(chat.ErrorFinishEvent(chat.TaskError{Message: "provider exploded", Code: "provider_error", Retryable: true}))

	select {
	case events := <-done:
		last := events[len(events)-1]
		if last.Type != chat.EventFinish || last.Error == nil || last.Error.Code != "provider_error" {
			t.Fatalf("expected error finish from record, got %+v", last)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("tail never finished via state poll")
	}
}
