package domain

import "time"

// Типы событий биллинг-провайдера (Stripe). Доставка at-least-once:
// возможны дубли и нарушение порядка, Provisioner обязан это переживать.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaymentFail  = "invoice.payment_failed"
)

// Статусы подписки внутри subscription.updated
const (
	SubStatusActive  = "active"
	SubStatusPastDue = "past_due"
	SubStatusUnpaid  = "unpaid"
)

// BillingEvent — узкий контракт входящего события. Сигнатуру вебхука проверяет
// внешний слой, сюда событие приходит уже доверенным.
type BillingEvent struct {
	Kind           string       `json:"kind"`
	SubscriptionID string       `json:"subscription_id"`
	OccurredAt     time.Time    `json:"occurred_at"` // Таймстемп провайдера, для monotonic-защиты
	Payload        EventPayload `json:"payload"`
}

// EventPayload — подсказки из тела события. Заполнены не для всех типов.
type EventPayload struct {
	OwnerID   string `json:"owner_id,omitempty"`   // metadata.user_id у провайдера
	Plan      string `json:"plan,omitempty"`       // Тариф при создании
	SubStatus string `json:"sub_status,omitempty"` // active / past_due / unpaid
}
