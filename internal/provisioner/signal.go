package provisioner

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/market2agent/internal/domain"
	"github.com/xela07ax/market2agent/internal/infra"
	"go.uber.org/zap"
)

// RedisSignal публикует переходы в Pub/Sub канал.
// Формат сообщения "agent_id:status" — внешний нотификатор разбирает сам.
type RedisSignal struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisSignal(rdb *redis.Client, logger *zap.Logger) *RedisSignal {
	return &RedisSignal{rdb: rdb, logger: logger.Named("transition-signal")}
}

func (s *RedisSignal) PublishTransition(ctx context.Context, agentID string, status domain.AgentStatus) {
	payload := fmt.Sprintf("%s:%s", agentID, status)
	if err := s.rdb.Publish(ctx, infra.RedisChanTransitions, payload).Err(); err != nil {
		// Сигнал best-effort: переход уже в базе, подписчики доберут состояние поллингом
		s.logger.Warn("transition signal delivery failed",
			zap.String("agent_id", agentID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// NopSignal — заглушка для окружений без Redis (тесты, локальный console без сигналов).
type NopSignal struct{}

func (NopSignal) PublishTransition(context.Context, string, domain.AgentStatus) {}
