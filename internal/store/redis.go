package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

const (
	// streamTTL expires call signaling streams well after any call could
	// still be ringing or reconnecting.
	streamTTL = 24 * time.Hour

	// readBlock bounds each blocking XREAD so subscription goroutines
	// notice cancellation promptly.
	readBlock = 5 * time.Second

	envelopeField = "env"
)

// RedisStore implements Store on Redis streams: XADD appends, XRANGE serves
// history, and a blocking XREAD tail serves live subscriptions. One stream
// per (call, recipient) keeps calls in independent key spaces.
type RedisStore struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisStore(rdb *redis.Client, log *slog.Logger) *RedisStore {
	if log == nil {
		log = slog.Default()
	}
	return &RedisStore{rdb: rdb, log: log}
}

func redisStreamKey(callID, to string) string {
	return fmt.Sprintf("call:%s:signals:%s", callID, to)
}

func (s *RedisStore) Append(ctx context.Context, env signal.Envelope) (string, error) {
	if env.Heartbeat() {
		return "", ErrHeartbeat
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	data, err := signal.Encode(env)
	if err != nil {
		return "", err
	}

	key := redisStreamKey(env.CallID, env.To)
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{envelopeField: data},
	})
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return env.ID, nil
}

func (s *RedisStore) History(ctx context.Context, callID, to string) ([]signal.Envelope, error) {
	msgs, err := s.rdb.XRange(ctx, redisStreamKey(callID, to), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]signal.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, ok := s.decodeMessage(msg)
		if !ok {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, callID, to string) (<-chan signal.Envelope, func(), error) {
	key := redisStreamKey(callID, to)

	// Resolve the current tail so the subscription only sees envelopes
	// appended after this point; history is replayed separately.
	lastID := "0-0"
	info, err := s.rdb.XInfoStream(ctx, key).Result()
	switch {
	case err == nil:
		lastID = info.LastGeneratedID
	case isRedisMissingKey(err):
		// No envelopes yet; tail from the beginning.
	default:
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	subCtx, cancelCtx := context.WithCancel(ctx)
	ch := make(chan signal.Envelope, subscriberBuffer)

	go func() {
		defer close(ch)
		for {
			res, err := s.rdb.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   int64(subscriberBuffer),
				Block:   readBlock,
			}).Result()
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				s.log.Warn("signal stream read failed", "stream", key, "err", err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					env, ok := s.decodeMessage(msg)
					if !ok {
						continue
					}
					select {
					case ch <- env:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() { once.Do(cancelCtx) }
	return ch, cancel, nil
}

func (s *RedisStore) decodeMessage(msg redis.XMessage) (signal.Envelope, bool) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		s.log.Warn("signal stream entry missing envelope field", "entry", msg.ID)
		return signal.Envelope{}, false
	}
	env, err := signal.Decode([]byte(raw))
	if err != nil {
		s.log.Warn("dropping undecodable stored envelope", "entry", msg.ID, "err", err)
		return signal.Envelope{}, false
	}
	return env, true
}

func isRedisMissingKey(err error) bool {
	if errors.Is(err, redis.Nil) {
		return true
	}
	// XINFO STREAM on a missing key returns a plain error rather than
	// redis.Nil on older server versions.
	return err != nil && err.Error() == "ERR no such key"
}
