package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript атомарно удаляет ключ только если он все еще наш.
// Без сравнения токена возможен сценарий: TTL истек, блокировку взял другой
// процесс, а "воскресший" первый снимает уже чужую блокировку.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLock — блокировка на SET NX PX. TTL — единственный механизм
// восстановления после падения процесса: никто не чистит ключи вручную.
type RedisLock struct {
	rdb     *redis.Client
	release *redis.Script
}

func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{
		rdb:     rdb,
		release: redis.NewScript(releaseScript),
	}
}

// Acquire пытается захватить ключ. ok == false без ошибки — ключ занят.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release снимает блокировку, если токен совпал. false — ключ уже истек
// или перехвачен (информация для логов, не ошибка).
func (l *RedisLock) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := l.release.Run(ctx, l.rdb, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("lock: release %s: %w", key, err)
	}
	return res == 1, nil
}
