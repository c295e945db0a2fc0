package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

// redisLog stores each task's fragments in a Redis list and fans live notes
// out over a per-task pub/sub channel. RPUSH is atomic and returns the new
// length, which assigns the fragment index; the publish follows the append,
// so subscribers can always fill gaps with LRANGE.
type redisLog struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRedisFragmentLog(log *logger.Logger, rdb *goredis.Client) (FragmentLog, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &redisLog{log: log.With("component", "RedisFragmentLog"), rdb: rdb}, nil
}

func fragmentsKey(taskID uuid.UUID) string { return "chat:task:" + taskID.String() + ":frags" }
func eventsChannel(taskID uuid.UUID) string { return "chat:task:" + taskID.String() + ":events" }

func (l *redisLog) Append(ctx context.Context, taskID uuid.UUID, text string) (Fragment, error) {
	n, err := l.rdb.RPush(ctx, fragmentsKey(taskID), text).Result()
	if err != nil {
		return Fragment{}, fmt.Errorf("append fragment: %w", err)
	}
	frag := Fragment{Index: int(n) - 1, Text: text}

	raw, err := json.Marshal(Note{Fragment: &frag})
	if err != nil {
		return frag, err
	}
	if err := l.rdb.Publish(ctx, eventsChannel(taskID), raw).Err(); err != nil {
		// Subscribers recover via Range; the append already succeeded.
		l.log.Warn("publish fragment failed", "task_id", taskID.String(), "error", err)
	}
	return frag, nil
}

func (l *redisLog) Snapshot(ctx context.Context, taskID uuid.UUID) ([]Fragment, error) {
	return l.Range(ctx, taskID, 0)
}

func (l *redisLog) Range(ctx context.Context, taskID uuid.UUID, from int) ([]Fragment, error) {
	if from < 0 {
		from = 0
	}
	vals, err := l.rdb.LRange(ctx, fragmentsKey(taskID), int64(from), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range fragments: %w", err)
	}
	out := make([]Fragment, 0, len(vals))
	for i, v := range vals {
		out = append(out, Fragment{Index: from + i, Text: v})
	}
	return out, nil
}

func (l *redisLog) Len(ctx context.Context, taskID uuid.UUID) (int, error) {
	n, err := l.rdb.LLen(ctx, fragmentsKey(taskID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (l *redisLog) Subscribe(ctx context.Context, taskID uuid.UUID) (Subscription, error) {
	sub := l.rdb.Subscribe(ctx, eventsChannel(taskID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Note, 256)
	rs := &redisSub{sub: sub, out: out}

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var note Note
				if err := json.Unmarshal([]byte(m.Payload), &note); err != nil {
					l.log.Warn("bad fragment note payload", "error", err)
					continue
				}
				select {
				case out <- note:
				default:
					// Slow consumer; it will gap-fill by index.
					l.log.Debug("dropping fragment note; subscriber buffer full", "task_id", taskID.String())
				}
			}
		}
	}()

	return rs, nil
}

type redisSub struct {
	sub *goredis.PubSub
	out chan Note
}

func (s *redisSub) C() <-chan Note { return s.out }
func (s *redisSub) Close()         { _ = s.sub.Close() }

func (l *redisLog) PublishFinish(ctx context.Context, taskID uuid.UUID, ev chat.StreamEvent) error {
	raw, err := json.Marshal(Note{Finish: &ev})
	if err != nil {
		return err
	}
	return l.rdb.Publish(ctx, eventsChannel(taskID), raw).Err()
}

func (l *redisLog) Expire(ctx context.Context, taskID uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		return l.rdb.Del(ctx, fragmentsKey(taskID)).Err()
	}
	return l.rdb.Expire(ctx, fragmentsKey(taskID), ttl).Err()
}
