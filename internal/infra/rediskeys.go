package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "m2a"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanTransitions — канал трансляции переходов жизненного цикла.
	// Формат сообщения: "agent_id:status". Внешний нотификатор (алертинг
	// по errored и т.п.) подписывается сам, ядро ничего не шлет адресно.
	RedisChanTransitions = RedisNamespace + ":agents:transitions"
)

// AgentLockKey Ключ блокировки исполнения для конкретного агента
func AgentLockKey(agentID string) string {
	return fmt.Sprintf("%s:agents:lock:%s", RedisNamespace, agentID)
}
