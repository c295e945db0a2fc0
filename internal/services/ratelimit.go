package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	types "github.com/yungbote/relaychat-backend/internal/domain/chat"
	"github.com/yungbote/relaychat-backend/internal/pkg/logger"
)

// RateLimitDecision is the gate's verdict for one generation request.
type RateLimitDecision struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
	UpgradeRequired bool   `json:"upgrade_required,omitempty"`
	Remaining       int64  `json:"remaining"`
}

// RateLimitGate meters generation requests per user. CheckRateLimit must be
// called before any side effect of a generation request; IncrementUsage
// charges the credit once the request is accepted, RefundUsage returns it when
// the generation fails before producing anything, and SettleUsage accumulates
// the measured token cost once the reconciler commits a completed generation.
type RateLimitGate interface {
	CheckRateLimit(ctx context.Context, userID uuid.UUID) (RateLimitDecision, error)
	IncrementUsage(ctx context.Context, userID uuid.UUID, credits int64) error
	RefundUsage(ctx context.Context, userID uuid.UUID, credits int64) error
	SettleUsage(ctx context.Context, userID uuid.UUID, usage types.Usage) error
}

// redisRateLimitGate keeps a per-user credit ledger in a monthly window. The
// window key rolls over naturally at month boundaries; expiry is set past the
// window end so a ledger never outlives its month by much.
type redisRateLimitGate struct {
	log             *logger.Logger
	rdb             *redis.Client
	creditsPerMonth int64
}

func NewRedisRateLimitGate(log *logger.Logger, rdb *redis.Client, creditsPerMonth int64) RateLimitGate {
	return &redisRateLimitGate{
		log:             log.With("service", "RateLimitGate"),
		rdb:             rdb,
		creditsPerMonth: creditsPerMonth,
	}
}

func usageKey(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("chat:usage:%s:%s", userID.String(), now.UTC().Format("2006-01"))
}

func tokensKey(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("chat:tokens:%s:%s", userID.String(), now.UTC().Format("2006-01"))
}

func windowEnd(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func (g *redisRateLimitGate) CheckRateLimit(ctx context.Context, userID uuid.UUID) (RateLimitDecision, error) {
	if g.creditsPerMonth <= 0 {
		return RateLimitDecision{Allowed: true, Remaining: -1}, nil
	}

	used, err := g.rdb.Get(ctx, usageKey(userID, time.Now())).Int64()
	if err != nil && err != redis.Nil {
		return RateLimitDecision{}, fmt.Errorf("read usage: %w", err)
	}

	remaining := g.creditsPerMonth - used
	if remaining <= 0 {
		return RateLimitDecision{
			Allowed:         false,
			Reason:          "monthly message limit reached",
			UpgradeRequired: true,
			Remaining:       0,
		}, nil
	}
	return RateLimitDecision{Allowed: true, Remaining: remaining}, nil
}

func (g *redisRateLimitGate) IncrementUsage(ctx context.Context, userID uuid.UUID, credits int64) error {
	if g.creditsPerMonth <= 0 || credits <= 0 {
		return nil
	}
	now := time.Now()
	key := usageKey(userID, now)

	pipe := g.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, credits)
	// Keep the ledger a day past window end for late refunds.
	pipe.ExpireAt(ctx, key, windowEnd(now).Add(24*time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (g *redisRateLimitGate) RefundUsage(ctx context.Context, userID uuid.UUID, credits int64) error {
	if g.creditsPerMonth <= 0 || credits <= 0 {
		return nil
	}
	key := usageKey(userID, time.Now())
	val, err := g.rdb.DecrBy(ctx, key, credits).Result()
	if err != nil {
		return fmt.Errorf("refund usage: %w", err)
	}
	if val < 0 {
		// Refund raced the window rollover; clamp instead of granting credit.
		_ = g.rdb.Set(ctx, key, 0, redis.KeepTTL).Err()
	}
	return nil
}

// SettleUsage accumulates the measured token cost of one completed generation
// into the user's monthly token ledger. The per-message credit charged at
// start is the admission unit; this ledger is the billing record.
func (g *redisRateLimitGate) SettleUsage(ctx context.Context, userID uuid.UUID, usage types.Usage) error {
	total := int64(usage.TotalTokens)
	if total <= 0 {
		return nil
	}
	now := time.Now()
	key := tokensKey(userID, now)

	pipe := g.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, total)
	pipe.ExpireAt(ctx, key, windowEnd(now).Add(24*time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("settle usage: %w", err)
	}
	return nil
}

// openRateLimitGate admits everything. Used when no Redis is configured.
type openRateLimitGate struct{}

func NewOpenRateLimitGate() RateLimitGate { return openRateLimitGate{} }

func (openRateLimitGate) CheckRateLimit(context.Context, uuid.UUID) (RateLimitDecision, error) {
	return RateLimitDecision{Allowed: true, Remaining: -1}, nil
}
func (openRateLimitGate) IncrementUsage(context.Context, uuid.UUID, int64) error    { return nil }
func (openRateLimitGate) RefundUsage(context.Context, uuid.UUID, int64) error       { return nil }
func (openRateLimitGate) SettleUsage(context.Context, uuid.UUID, types.Usage) error { return nil }
