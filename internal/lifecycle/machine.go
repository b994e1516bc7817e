package lifecycle

import "github.com/xela07ax/market2agent/internal/domain"

// Event — событие жизненного цикла агента. Это НЕ сырое событие биллинга:
// Provisioner сначала переводит вебхук в один из этих переходов.
type Event string

const (
	EventCreate           Event = "create"            // Новая подписка
	EventPaymentFailed    Event = "payment_failed"    // Счет не оплачен
	EventPaymentRecovered Event = "payment_recovered" // Оплата восстановлена
	EventSubscriptionEnd  Event = "subscription_end"  // Подписка завершена
	EventAdminRestart     Event = "admin_restart"     // Ручной рестарт из errored
	EventEscalation       Event = "escalation"        // 5-я подряд неудача исполнения
)

// transitions — таблица допустимых переходов. Всё, чего здесь нет,
// либо no-op (повтор события из целевого состояния), либо игнорируется.
var transitions = map[domain.AgentStatus]map[Event]domain.AgentStatus{
	domain.StatusProvisioning: {
		// create атомарно доводит до running, промежуточное состояние
		// в хранилище не наблюдается
		EventCreate: domain.StatusRunning,
	},
	domain.StatusRunning: {
		EventCreate:          domain.StatusRunning, // Дубль вебхука — no-op
		EventPaymentFailed:   domain.StatusPaused,
		EventEscalation:      domain.StatusErrored,
		EventSubscriptionEnd: domain.StatusStopped,
		// payment_recovered для уже running — no-op (идемпотентность)
		EventPaymentRecovered: domain.StatusRunning,
	},
	domain.StatusPaused: {
		EventPaymentRecovered: domain.StatusRunning,
		EventSubscriptionEnd:  domain.StatusStopped,
		EventPaymentFailed:    domain.StatusPaused,  // Повторный неоплаченный счет — no-op
		EventCreate:           domain.StatusPaused,  // Дубль create не воскрешает запаузенного
	},
	domain.StatusErrored: {
		EventAdminRestart:    domain.StatusRunning,
		EventSubscriptionEnd: domain.StatusStopped,
		EventEscalation:      domain.StatusErrored, // no-op
	},
	// stopped терминален: пустая строка ниже означает "никаких переходов"
	domain.StatusStopped: {},
}

// Next возвращает следующий статус для пары (текущий, событие).
// ok == false — переход не определен: вызывающий логирует и игнорирует,
// это не ошибка (контракт "unknown events are ignored").
// Из stopped ok == false для любого события.
func Next(current domain.AgentStatus, ev Event) (domain.AgentStatus, bool) {
	row, known := transitions[current]
	if !known {
		return current, false
	}
	next, ok := row[ev]
	if !ok {
		return current, false
	}
	return next, true
}

// Terminal сообщает, что состояние конечное и агент больше не мутируется.
func Terminal(s domain.AgentStatus) bool {
	return s == domain.StatusStopped
}

// MaxConsecutiveFailures — порог эскалации running → errored.
// Достижение порога — единственный триггер состояния errored.
const MaxConsecutiveFailures = 5
