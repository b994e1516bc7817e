package lock

import (
	"context"
	"time"
)

// Locker — контракт распределенной блокировки исполнения.
// Acquire неблокирующий: занятый ключ — это штатная ситуация (другой тик
// или еще живое исполнение владеет агентом), а не ошибка.
// Вернувшийся token обязателен для Release: чужую блокировку снять нельзя.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) (bool, error)
}
