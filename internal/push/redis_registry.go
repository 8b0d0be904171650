package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// targetTTL bounds how long an unrefreshed token survives. Clients re-save
// their token on every app start, so a token idle this long is dead weight.
const targetTTL = 60 * 24 * time.Hour

// RedisRegistry keeps push targets in one hash per user, field = token,
// value = JSON target.
type RedisRegistry struct {
	client redis.UniversalClient
	log    *slog.Logger
}

func NewRedisRegistry(client redis.UniversalClient, log *slog.Logger) *RedisRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &RedisRegistry{client: client, log: log}
}

func targetKey(userID string) string {
	return fmt.Sprintf("push:targets:%s", userID)
}

func (r *RedisRegistry) Save(ctx context.Context, userID string, target Target) error {
	data, err := json.Marshal(target)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, targetKey(userID), target.Token, data)
	pipe.Expire(ctx, targetKey(userID), targetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save push target: %w", err)
	}
	return nil
}

func (r *RedisRegistry) MostRecent(ctx context.Context, userID string) (Target, error) {
	fields, err := r.client.HGetAll(ctx, targetKey(userID)).Result()
	if err != nil {
		return Target{}, fmt.Errorf("load push targets: %w", err)
	}
	var best Target
	found := false
	for token, raw := range fields {
		var t Target
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			r.log.Warn("dropping undecodable push target", "user", userID, "err", err)
			continue
		}
		t.Token = token
		if !found || t.LastUsed.After(best.LastUsed) {
			best = t
			found = true
		}
	}
	if !found {
		return Target{}, ErrNoTarget
	}
	return best, nil
}

func (r *RedisRegistry) Invalidate(ctx context.Context, userID, token string) error {
	if err := r.client.HDel(ctx, targetKey(userID), token).Err(); err != nil {
		return fmt.Errorf("invalidate push target: %w", err)
	}
	return nil
}
