package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/market2agent/internal/connectors"
	"github.com/xela07ax/market2agent/internal/domain"
	"github.com/xela07ax/market2agent/internal/lifecycle"
	"github.com/xela07ax/market2agent/internal/runfs"
	"go.uber.org/zap"
)

// AgentStore — требования исполнителя к хранилищу.
type AgentStore interface {
	GetByID(ctx context.Context, agentID string) (*domain.Agent, error)
	Domains(ctx context.Context, agentID string, limit int) ([]string, error)
	RecordRunResult(ctx context.Context, agentID string, status domain.RunStatus, lastError string) (int, error)
	UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus, reason string, eventAt *time.Time) error
}

type TransitionPublisher interface {
	PublishTransition(ctx context.Context, agentID string, status domain.AgentStatus)
}

// Runner исполняет один полный прогон агента: аудит всех его доменов
// с ограничением параллелизма тарифа, запись истории, учет ошибок
// и эскалация в errored по порогу подряд проваленных прогонов.
type Runner struct {
	store    AgentStore
	auditor  connectors.DomainAuditor
	recorder runfs.Recorder
	signal   TransitionPublisher
	logger   *zap.Logger
	timeout  time.Duration // Жесткий потолок одного прогона, меньше TTL блокировки
}

func New(store AgentStore, auditor connectors.DomainAuditor, recorder runfs.Recorder, signal TransitionPublisher, logger *zap.Logger, timeout time.Duration) *Runner {
	return &Runner{
		store:    store,
		auditor:  auditor,
		recorder: recorder,
		signal:   signal,
		logger:   logger.Named("runner"),
		timeout:  timeout,
	}
}

type domainResult struct {
	domain string
	err    error
}

// Потолок на запись итога в базу после завершения прогона
const persistTimeout = 5 * time.Second

// Execute — один прогон агента agentID. Ошибок не возвращает: любой
// внутренний сбой сворачивается в исход (планировщику важен только итог).
// Частичный успех засчитывается как success: провал отдельных доменов —
// штатное состояние интернета, а не деградация агента.
func (r *Runner) Execute(ctx context.Context, agentID string) (outcome domain.RunOutcome) {
	start := time.Now()
	// Таймаут накрывает только сам прогон. Запись итога идет мимо него:
	// провал по таймауту обязан попасть в error_count, иначе эскалация
	// никогда не сработает, а агент будет передиспатчен каждый тик.
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Паника в прогоне не должна ронять пул воркеров
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("run panicked",
				zap.String("agent_id", agentID),
				zap.Any("panic", rec))
			outcome.Status = domain.RunFailed
			outcome.Error = fmt.Sprintf("runner fault: %v", rec)
			outcome.Duration = time.Since(start)
		}
	}()

	outcome = domain.RunOutcome{AgentID: agentID, Status: domain.RunSkipped}

	agent, err := r.store.GetByID(runCtx, agentID)
	if err != nil {
		r.logger.Error("run aborted: agent lookup failed",
			zap.String("agent_id", agentID), zap.Error(err))
		outcome.Error = err.Error()
		outcome.Duration = time.Since(start)
		return outcome
	}
	if agent == nil {
		r.logger.Warn("run aborted: agent vanished", zap.String("agent_id", agentID))
		outcome.Duration = time.Since(start)
		return outcome
	}

	// Повторная проверка статуса: между диспатчем и исполнением агента
	// мог запаузить вебхук биллинга
	if !agent.IsRunnable() {
		r.logger.Info("run skipped: agent is not runnable",
			zap.String("agent_id", agentID),
			zap.String("status", string(agent.Status)))
		outcome.Duration = time.Since(start)
		return outcome
	}

	limits := agent.Limits()

	domains, err := r.store.Domains(runCtx, agentID, limits.MaxDomains)
	if err != nil {
		r.logger.Error("run aborted: domain list failed",
			zap.String("agent_id", agentID), zap.Error(err))
		outcome.Error = err.Error()
		outcome.Duration = time.Since(start)
		return outcome
	}
	if len(domains) == 0 {
		// Нечего аудировать — это не провал агента, но итог фиксируем:
		// без записи last_run_at агент остается «due» и передиспатчивается
		// каждый тик впустую
		r.logger.Info("run skipped: no domains", zap.String("agent_id", agentID))
		if _, err := r.recordResult(ctx, agentID, domain.RunSkipped, ""); err != nil {
			r.logger.Error("failed to persist run result",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		outcome.Duration = time.Since(start)
		return outcome
	}

	outcome.Domains = len(domains)
	failures := r.auditAll(runCtx, agent, domains, limits.MaxConcurrentAudits)

	outcome.Failed = len(failures)
	outcome.Succeeded = len(domains) - len(failures)

	if outcome.Succeeded > 0 {
		outcome.Status = domain.RunSuccess
	} else {
		outcome.Status = domain.RunFailed
		outcome.Error = joinFailures(failures)
	}

	count, err := r.recordResult(ctx, agentID, outcome.Status, outcome.Error)
	if err != nil {
		r.logger.Error("failed to persist run result",
			zap.String("agent_id", agentID), zap.Error(err))
		outcome.Duration = time.Since(start)
		return outcome
	}

	if outcome.Status == domain.RunFailed && count >= lifecycle.MaxConsecutiveFailures {
		outcome.Escalated = r.escalate(ctx, agentID, count)
	}

	outcome.Duration = time.Since(start)
	return outcome
}

// auditAll обходит домены с семафором на параллелизм тарифа.
// Порядок результатов не важен: важен только набор провалов.
func (r *Runner) auditAll(ctx context.Context, agent *domain.Agent, domains []string, maxConcurrent int) []domainResult {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)
	results := make(chan domainResult, len(domains))

	var wg sync.WaitGroup
	for _, d := range domains {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- r.auditOne(ctx, agent, target)
		}(d)
	}
	wg.Wait()
	close(results)

	var failures []domainResult
	for res := range results {
		if res.err != nil {
			failures = append(failures, res)
		}
	}
	return failures
}

func (r *Runner) auditOne(ctx context.Context, agent *domain.Agent, target string) domainResult {
	limits := agent.Limits()
	started := time.Now()

	res, err := r.auditor.Audit(ctx, target, limits.MaxPagesPerDomain)

	event := runfs.RunEvent{
		ID:         uuid.New().String(),
		AgentID:    agent.AgentID,
		Domain:     target,
		DurationMs: time.Since(started).Milliseconds(),
	}

	if err != nil {
		event.Status = string(domain.RunFailed)
		event.Error = err.Error()
		r.recorder.Record(event)
		r.logger.Warn("domain audit failed",
			zap.String("agent_id", agent.AgentID),
			zap.String("domain", target),
			zap.Error(err))
		return domainResult{domain: target, err: err}
	}

	event.Status = string(domain.RunSuccess)
	event.AuditID = res.AuditID
	event.Score = res.Score
	event.Grade = res.Grade
	r.recorder.Record(event)
	return domainResult{domain: target}
}

// recordResult пишет итог прогона на контексте, переживающем и таймаут
// прогона, и остановку сервиса: иначе прогон, упершийся в потолок, пришел бы
// в базу с уже протухшим контекстом и итог потерялся бы.
func (r *Runner) recordResult(parent context.Context, agentID string, status domain.RunStatus, lastError string) (int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), persistTimeout)
	defer cancel()
	return r.store.RecordRunResult(ctx, agentID, status, lastError)
}

// escalate переводит агента в errored по порогу подряд проваленных прогонов.
// Статус перечитывается из базы: прогон идет минуты, за это время вебхук
// биллинга мог запаузить или остановить агента — такой статус перетирать
// нельзя, машина состояний тихо отклонит переход.
func (r *Runner) escalate(parent context.Context, agentID string, count int) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), persistTimeout)
	defer cancel()

	agent, err := r.store.GetByID(ctx, agentID)
	if err != nil || agent == nil {
		r.logger.Error("escalation aborted: agent lookup failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return false
	}

	next, ok := lifecycle.Next(agent.Status, lifecycle.EventEscalation)
	if !ok || next == agent.Status {
		return false
	}

	if err := r.store.UpdateStatus(ctx, agentID, next, "", nil); err != nil {
		r.logger.Error("escalation failed to persist",
			zap.String("agent_id", agentID), zap.Error(err))
		return false
	}

	r.signal.PublishTransition(ctx, agentID, next)
	r.logger.Error("agent escalated after consecutive failures",
		zap.String("agent_id", agentID),
		zap.Int("error_count", count),
		zap.String("status", string(next)))
	return true
}

// joinFailures сворачивает провалы в last_error. Берем первые три:
// поле диагностическое, полная история и так лежит в agent_runs.
func joinFailures(failures []domainResult) string {
	const keep = 3

	parts := make([]string, 0, keep)
	for i, f := range failures {
		if i == keep {
			break
		}
		parts = append(parts, f.domain+": "+f.err.Error())
	}
	return strings.Join(parts, "; ")
}
