package stream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("init logger: %v", err)
	}
	return log
}

func TestMemoryFragmentLogAppendAssignsDenseIndexes(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryFragmentLog(testLogger(t))
	taskID := uuid.New()

	for i, text := range []string{"Hello", ", ", "world"} {
		frag, err := l.Append(ctx, taskID, text)
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		if frag.Index != i {
			t.Fatalf("Append #%d: index=%d", i, frag.Index)
		}
	}

	n, err := l.Len(ctx, taskID)
	if err != nil || n != 3 {
		t.Fatalf("Len: n=%d err=%v", n, err)
	}

	snap, err := l.Snapshot(ctx, taskID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 3 || snap[0].Text != "Hello" || snap[2].Index != 2 {
		t.Fatalf("Snapshot: %+v", snap)
	}

	tail, err := l.Range(ctx, taskID, 2)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(tail) != 1 || tail[0].Index != 2 || tail[0].Text != "world" {
		t.Fatalf("Range from 2: %+v", tail)
	}

	if out, err := l.Range(ctx, taskID, 99); err != nil || len(out) != 0 {
		t.Fatalf("Range past end: %+v err=%v", out, err)
	}
}

func TestMemoryFragmentLogSubscribeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryFragmentLog(testLogger(t))
	taskID := uuid.New()

	sub, err := l.Subscribe(ctx, taskID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	texts := []string{"a", "b", "c"}
	for _, text := range texts {
		if _, err := l.Append(ctx, taskID, text); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.PublishFinish(ctx, taskID, chat.FinishEvent(chat.FinishReasonStop, chat.Usage{})); err != nil {
		t.Fatalf("PublishFinish: %v", err)
	}

	for i, want := range texts {
		select {
		case note := <-sub.C():
			if note.Fragment == nil || note.Fragment.Index != i || note.Fragment.Text != want {
				t.Fatalf("note #%d: %+v", i, note)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for note #%d", i)
		}
	}

	select {
	case note := <-sub.C():
		if note.Finish == nil || note.Finish.Type != chat.EventFinish {
			t.Fatalf("expected finish note, got %+v", note)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for finish note")
	}
}

func TestMemoryFragmentLogLateSubscriberGetsFinish(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryFragmentLog(testLogger(t))
	taskID := uuid.New()

	if _, err := l.Append(ctx, taskID, "done already"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.PublishFinish(ctx, taskID, chat.FinishEvent(chat.FinishReasonStop, chat.Usage{TotalTokens: 5})); err != nil {
		t.Fatalf("PublishFinish: %v", err)
	}

	sub, err := l.Subscribe(ctx, taskID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case note := <-sub.C():
		if note.Finish == nil || note.Finish.Usage == nil || note.Finish.Usage.TotalTokens != 5 {
			t.Fatalf("expected stored finish, got %+v", note)
		}
	case <-time.After(time.Second):
		t.Fatalf("late subscriber never saw finish")
	}
}

func TestMemoryFragmentLogExpireNowClears(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryFragmentLog(testLogger(t))
	taskID := uuid.New()

	if _, err := l.Append(ctx, taskID, "x"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Expire(ctx, taskID, 0); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if n, _ := l.Len(ctx, taskID); n != 0 {
		t.Fatalf("expected cleared log, len=%d", n)
	}
}
