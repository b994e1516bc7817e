package provisioner

/*
Файл provisioner.go переводит события биллинг-провайдера в переходы жизненного
цикла агента. Сюда события приходят уже доверенными (подпись вебхука проверена
снаружи), но гарантий доставки нет: возможны дубли и нарушение порядка.

Защита:
  - идемпотентность: все операции — upsert по subscription_id;
  - monotonic-guard: события старше last_event_at агента отбрасываются;
  - неизвестные типы событий логируются и игнорируются, не ошибка.

Единственный побочный эффект — запись в Agent Store. Ошибка наружу означает
"состояние неизвестно, повторная доставка безопасна".
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/market2agent/internal/domain"
	"github.com/xela07ax/market2agent/internal/lifecycle"
	"go.uber.org/zap"
)

// AgentStore описывает требования провижинера к хранилищу агентов
type AgentStore interface {
	GetBySubscription(ctx context.Context, subscriptionID string) (*domain.Agent, error)
	GetByID(ctx context.Context, agentID string) (*domain.Agent, error)
	CreateAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error)
	UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus, reason string, eventAt *time.Time) error
	ResetErrorCount(ctx context.Context, agentID string) error
	DeleteRelations(ctx context.Context, agentID string) error
	SyncDomains(ctx context.Context, agentID, ownerID string) error
}

// TransitionPublisher транслирует состоявшиеся переходы внешним подписчикам
// (нотификатор по errored, дашборды). Доставка best-effort: сбой сигнала
// не откатывает переход.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, agentID string, status domain.AgentStatus)
}

type Provisioner struct {
	store  AgentStore
	signal TransitionPublisher
	logger *zap.Logger
}

func New(store AgentStore, signal TransitionPublisher, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		store:  store,
		signal: signal,
		logger: logger.Named("provisioner"),
	}
}

// Apply — единственная точка входа для событий биллинга.
// Возвращает агента в итоговом состоянии (nil, если события не к кому применить).
func (p *Provisioner) Apply(ctx context.Context, ev domain.BillingEvent) (*domain.Agent, error) {
	if ev.SubscriptionID == "" {
		return nil, fmt.Errorf("provisioner: subscription_id is required")
	}

	lcEvent, reason, ok := mapEvent(ev)
	if !ok {
		// Неизвестный или нерелевантный тип — контрактный no-op
		p.logger.Info("billing event ignored",
			zap.String("kind", ev.Kind),
			zap.String("subscription_id", ev.SubscriptionID))
		return p.store.GetBySubscription(ctx, ev.SubscriptionID)
	}

	existing, err := p.store.GetBySubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("provisioner: lookup failed: %w", err)
	}

	if existing == nil {
		if lcEvent != lifecycle.EventCreate {
			// pause/resume/stop для несуществующего агента: вебхук мог
			// прийти раньше checkout-события, повторная доставка догонит
			p.logger.Warn("no agent for subscription",
				zap.String("kind", ev.Kind),
				zap.String("subscription_id", ev.SubscriptionID))
			return nil, nil
		}
		return p.provision(ctx, ev)
	}

	return p.transition(ctx, existing, lcEvent, reason, ev)
}

// provision создает агента и атомарно доводит его до running.
// Промежуточный статус provisioning в хранилище не наблюдается.
func (p *Provisioner) provision(ctx context.Context, ev domain.BillingEvent) (*domain.Agent, error) {
	plan := ev.Payload.Plan
	if plan == "" {
		plan = domain.PlanPro
	}

	// Неизвестный тариф — фатальная ошибка конфигурации. Отклоняем событие
	// синхронно: ронять это на этапе исполнения было бы поздно.
	if _, ok := domain.LimitsFor(plan); !ok {
		return nil, fmt.Errorf("provisioner: unknown plan %q for subscription %s", plan, ev.SubscriptionID)
	}
	if ev.Payload.OwnerID == "" {
		return nil, fmt.Errorf("provisioner: owner_id is required for agent creation")
	}

	status, _ := lifecycle.Next(domain.StatusProvisioning, lifecycle.EventCreate)

	agent, err := p.store.CreateAgent(ctx, &domain.Agent{
		AgentID:        uuid.New().String(),
		OwnerID:        ev.Payload.OwnerID,
		SubscriptionID: ev.SubscriptionID,
		Plan:           plan,
		Status:         status,
		LastEventAt:    eventTime(ev),
	})
	if err != nil {
		return nil, fmt.Errorf("provisioner: create failed: %w", err)
	}

	p.signal.PublishTransition(ctx, agent.AgentID, agent.Status)
	p.logger.Info("agent provisioned",
		zap.String("agent_id", agent.AgentID),
		zap.String("owner_id", agent.OwnerID),
		zap.String("subscription_id", agent.SubscriptionID),
		zap.String("plan", agent.Plan))

	return agent, nil
}

// transition применяет событие жизненного цикла к существующему агенту.
func (p *Provisioner) transition(ctx context.Context, agent *domain.Agent, lcEvent lifecycle.Event, reason string, ev domain.BillingEvent) (*domain.Agent, error) {
	// Monotonic-guard: не даем запоздавшему payment_failed перекрыть
	// уже примененный payment_recovered
	if at := eventTime(ev); at != nil && agent.LastEventAt != nil && at.Before(*agent.LastEventAt) {
		p.logger.Warn("stale billing event dropped",
			zap.String("agent_id", agent.AgentID),
			zap.String("kind", ev.Kind),
			zap.Time("occurred_at", *at),
			zap.Time("last_event_at", *agent.LastEventAt))
		return agent, nil
	}

	next, ok := lifecycle.Next(agent.Status, lcEvent)
	if !ok {
		if lifecycle.Terminal(agent.Status) {
			// stopped терминален: любое событие — тихий no-op
			p.logger.Info("event for stopped agent ignored",
				zap.String("agent_id", agent.AgentID),
				zap.String("kind", ev.Kind))
			return agent, nil
		}
		p.logger.Info("transition not defined, event ignored",
			zap.String("agent_id", agent.AgentID),
			zap.String("status", string(agent.Status)),
			zap.String("event", string(lcEvent)))
		return agent, nil
	}

	changed := next != agent.Status

	// No-op событие на paused не должно стирать причину паузы
	if next == domain.StatusPaused && reason == "" {
		reason = agent.PausedReason
	}

	// Переход персистится ДО возврата: хранилище — единственный side effect
	if err := p.store.UpdateStatus(ctx, agent.AgentID, next, reason, eventTime(ev)); err != nil {
		return nil, fmt.Errorf("provisioner: status update failed: %w", err)
	}

	// Остановка рвет связи мониторинга, запись агента остается
	if next == domain.StatusStopped && changed {
		if err := p.store.DeleteRelations(ctx, agent.AgentID); err != nil {
			return nil, fmt.Errorf("provisioner: failed to sever relations: %w", err)
		}
	}

	agent.Status = next
	if next == domain.StatusPaused {
		agent.PausedReason = reason
	} else {
		agent.PausedReason = ""
	}

	if changed {
		p.signal.PublishTransition(ctx, agent.AgentID, next)
		p.logger.Info("agent transitioned",
			zap.String("agent_id", agent.AgentID),
			zap.String("event", string(lcEvent)),
			zap.String("status", string(next)),
			zap.String("reason", reason))
	}
	return agent, nil
}

// AdminStop — принудительная остановка (админская ручка).
// Тот же путь через машину состояний, что и у событий биллинга.
func (p *Provisioner) AdminStop(ctx context.Context, agentID string) error {
	return p.adminTransition(ctx, agentID, lifecycle.EventSubscriptionEnd)
}

// AdminRestart — рестарт из errored со сбросом счетчика ошибок.
func (p *Provisioner) AdminRestart(ctx context.Context, agentID string) error {
	if err := p.adminTransition(ctx, agentID, lifecycle.EventAdminRestart); err != nil {
		return err
	}
	return p.store.ResetErrorCount(ctx, agentID)
}

func (p *Provisioner) adminTransition(ctx context.Context, agentID string, lcEvent lifecycle.Event) error {
	agent, err := p.store.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("provisioner: lookup failed: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("provisioner: agent %s not found", agentID)
	}

	next, ok := lifecycle.Next(agent.Status, lcEvent)
	if !ok {
		return fmt.Errorf("provisioner: %s not allowed from status %s", lcEvent, agent.Status)
	}

	if err := p.store.UpdateStatus(ctx, agentID, next, "", nil); err != nil {
		return fmt.Errorf("provisioner: status update failed: %w", err)
	}
	if next == domain.StatusStopped {
		if err := p.store.DeleteRelations(ctx, agentID); err != nil {
			return fmt.Errorf("provisioner: failed to sever relations: %w", err)
		}
	}

	p.signal.PublishTransition(ctx, agentID, next)
	p.logger.Info("admin transition applied",
		zap.String("agent_id", agentID),
		zap.String("event", string(lcEvent)),
		zap.String("status", string(next)))
	return nil
}

// Resync выравнивает снапшот доменов агента с текущим набором аккаунта.
// Вызывается ТОЛЬКО явно: хук для сервиса управления доменами,
// автоматической подписки на изменения намеренно нет.
func (p *Provisioner) Resync(ctx context.Context, agentID string) error {
	agent, err := p.store.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("provisioner: lookup failed: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("provisioner: agent %s not found", agentID)
	}
	if lifecycle.Terminal(agent.Status) {
		return fmt.Errorf("provisioner: agent %s is stopped", agentID)
	}

	if err := p.store.SyncDomains(ctx, agentID, agent.OwnerID); err != nil {
		return fmt.Errorf("provisioner: resync failed: %w", err)
	}
	p.logger.Info("agent domains resynced", zap.String("agent_id", agentID))
	return nil
}

// mapEvent переводит тип вебхука в событие машины состояний.
// ok == false — событие не про жизненный цикл агента.
func mapEvent(ev domain.BillingEvent) (lifecycle.Event, string, bool) {
	switch ev.Kind {
	case domain.EventCheckoutCompleted:
		return lifecycle.EventCreate, "", true

	case domain.EventSubscriptionCreated:
		// Redundant safety: провайдер шлет created вместе с checkout
		if ev.Payload.SubStatus == "" || ev.Payload.SubStatus == domain.SubStatusActive {
			return lifecycle.EventCreate, "", true
		}
		return "", "", false

	case domain.EventSubscriptionUpdated:
		switch ev.Payload.SubStatus {
		case domain.SubStatusActive:
			return lifecycle.EventPaymentRecovered, "", true
		case domain.SubStatusPastDue, domain.SubStatusUnpaid:
			return lifecycle.EventPaymentFailed, "subscription_" + ev.Payload.SubStatus, true
		}
		return "", "", false

	case domain.EventInvoicePaymentFail:
		return lifecycle.EventPaymentFailed, "payment_failed", true

	case domain.EventSubscriptionDeleted:
		return lifecycle.EventSubscriptionEnd, "", true
	}
	return "", "", false
}

func eventTime(ev domain.BillingEvent) *time.Time {
	if ev.OccurredAt.IsZero() {
		return nil
	}
	t := ev.OccurredAt
	return &t
}
