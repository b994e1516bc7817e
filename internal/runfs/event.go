package runfs

import "time"

// RunEvent — одна строка истории запусков: результат аудита одного домена
// в рамках одного цикла исполнения агента.
type RunEvent struct {
	ID         string    `json:"id"`       // UUID события
	AgentID    string    `json:"agent_id"` // Чей это был запуск
	Domain     string    `json:"domain"`   // Какой домен аудировали
	AuditID    string    `json:"audit_id"` // ID аудита во внешнем движке (пусто при ошибке)
	Status     string    `json:"status"`   // "success" или "failed"
	Score      int       `json:"score"`
	Grade      string    `json:"grade"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
