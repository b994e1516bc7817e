package scheduler

import (
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
)

// Причины отказа в запуске. Используются и как лейбл метрики skipped_total.
const (
	SkipNotRunnable = "not_runnable"
	SkipNotDue      = "not_due"
	SkipLocked      = "locked"
)

// CheckExecutionAllowed решает, положен ли агенту прогон в момент now.
// Чистая функция без side effects: вся политика тарифа в одном месте,
// чтобы ее можно было прогнать таблицей в тестах.
func CheckExecutionAllowed(agent *domain.Agent, now time.Time) (bool, string) {
	if !agent.IsRunnable() {
		return false, SkipNotRunnable
	}

	// Первый прогон всегда разрешен
	if agent.LastRunAt == nil {
		return true, ""
	}

	limits := agent.Limits()
	if now.Sub(*agent.LastRunAt) < limits.ExecutionInterval {
		return false, SkipNotDue
	}
	return true, ""
}
