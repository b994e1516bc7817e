package connectors

import (
	"context"
	"time"
)

// DomainAuditor — узкий контракт внешнего аудит-движка (краулинг, извлечение
// структурированных данных, скоринг). Вся доменная логика аудита живет за этим
// интерфейсом; ядру важен только факт успеха/неудачи и непрозрачный результат.
type DomainAuditor interface {
	Audit(ctx context.Context, domain string, maxPages int) (*AuditResult, error)
}

// AuditResult — результат аудита одного домена.
// Поля скоринга для ядра непрозрачны — они просто сохраняются в историю.
type AuditResult struct {
	AuditID  string        `json:"audit_id"`
	Domain   string        `json:"domain"`
	Score    int           `json:"score"`
	Grade    string        `json:"grade"`
	Pages    int           `json:"pages"`
	Duration time.Duration `json:"duration"`
}
