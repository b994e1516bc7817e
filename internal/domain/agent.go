package domain

import "time"

type AgentStatus string

const (
	StatusProvisioning AgentStatus = "provisioning" // Создан, но еще не активирован
	StatusRunning      AgentStatus = "running"      // Исполняется планировщиком
	StatusPaused       AgentStatus = "paused"       // Остановлен по биллингу (данные сохранены)
	StatusErrored      AgentStatus = "errored"      // Слишком много подряд неудачных запусков
	StatusStopped      AgentStatus = "stopped"      // Терминальное состояние (подписка завершена)
)

// RunStatus — итог одного цикла исполнения агента.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Agent — долгоживущая автоматизация клиента. Живет строго по подписке:
// биллинговые события двигают status, Runner пишет результаты запусков.
// Запись никогда не пересоздается — только мутируется (upsert по subscription_id).
type Agent struct {
	AgentID        string      `json:"agent_id"`        // UUID, неизменяемый
	OwnerID        string      `json:"owner_id"`        // Владелец (аккаунт)
	SubscriptionID string      `json:"subscription_id"` // Ключ идемпотентности для биллинга
	Plan           string      `json:"plan"`            // Тариф, ищется в таблице лимитов
	Status         AgentStatus `json:"status"`

	// PausedReason заполнен только в статусе paused
	PausedReason string `json:"paused_reason,omitempty"`

	// Бухгалтерия исполнения
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"` // Обновляется каждый тик планировщика
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorCount    int        `json:"error_count"` // Счетчик подряд идущих неудач, сбрасывается успехом

	// LastEventAt — таймстемп последнего примененного биллингового события.
	// Защита от out-of-order доставки: более старые события игнорируются.
	LastEventAt *time.Time `json:"last_event_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRunnable — единственный статус, в котором планировщик берет агента в работу.
func (a *Agent) IsRunnable() bool {
	return a.Status == StatusRunning
}

// Limits возвращает лимиты тарифа агента. Для уже созданного агента тариф
// гарантированно известен (проверен при провижининге), поэтому fallback на pro.
func (a *Agent) Limits() PlanLimits {
	if l, ok := LimitsFor(a.Plan); ok {
		return l
	}
	return planTable[PlanPro]
}

// RunOutcome — агрегированный результат одного Execute.
type RunOutcome struct {
	AgentID   string        `json:"agent_id"`
	Status    RunStatus     `json:"status"`
	Domains   int           `json:"domains"` // Сколько доменов реально взяли в работу (после лимита)
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Escalated bool          `json:"escalated,omitempty"` // Прогон довел агента до errored
}
