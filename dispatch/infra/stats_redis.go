package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch-gateway/dispatch/domain"
)

// RedisStatsStore acumula desfechos de despacho em hashes do Redis:
//
//	<prefix>:total                 outcome -> contagem, attempts -> soma
//	<prefix>:minute:<YYYYMMDDhhmm> idem, por minuto (com TTL)
//	<prefix>:route                 "<METHOD> <rota>:<outcome>" -> contagem (rota é template, nunca o path)
type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas em chaves de série temporal.
	// total e route são cumulativos e não expiram.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "dispatch:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Outcome)
	if field == "" {
		field = string(domain.OutcomeFailed)
	}

	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, field, 1)
	if ev.Attempts > 0 {
		pipe.HIncrBy(ctx, totalKey, "attempts", int64(ev.Attempts))
	}

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	pipe.HIncrBy(ctx, s.prefix+":route", ev.MethodLabel()+" "+ev.RouteLabel()+":"+field, 1)

	_, err := pipe.Exec(ctx)
	return err
}

// Totals lê o hash cumulativo (útil para o endpoint de status e testes).
func (s *RedisStatsStore) Totals(ctx context.Context) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.prefix+":total").Result()
}
