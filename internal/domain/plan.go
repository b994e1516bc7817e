package domain

import "time"

const (
	PlanPro = "pro" // $20/mo, пока единственный тариф
)

// PlanLimits — жесткие ресурсные лимиты тарифа. Проверяются перед КАЖДЫМ
// исполнением, а не только при создании агента.
type PlanLimits struct {
	MaxDomains          int           `json:"max_domains"`           // Сколько доменов агент мониторит за цикл
	ExecutionInterval   time.Duration `json:"execution_interval"`    // Минимальный интервал между запусками
	MaxPagesPerDomain   int           `json:"max_pages_per_domain"`  // Глубина обхода одного домена
	MaxConcurrentAudits int           `json:"max_concurrent_audits"` // Параллельных аудитов внутри одного запуска
}

// planTable — неизменяемая таблица лимитов. Загружается один раз при старте
// процесса, синхронизация не нужна. Новые тарифы добавляются сюда.
var planTable = map[string]PlanLimits{
	PlanPro: {
		MaxDomains:          10,
		ExecutionInterval:   168 * time.Hour, // Еженедельно (7 * 24)
		MaxPagesPerDomain:   5,
		MaxConcurrentAudits: 3,
	},
}

// LimitsFor возвращает лимиты тарифа. ok == false означает неизвестный тариф —
// это фатальная ошибка конфигурации на этапе провижининга, не исполнения.
func LimitsFor(plan string) (PlanLimits, bool) {
	l, ok := planTable[plan]
	return l, ok
}
