package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
	"github.com/xela07ax/market2agent/internal/infra"
	"github.com/xela07ax/market2agent/internal/lock"
	"go.uber.org/zap"
)

// AgentLister — требования планировщика к хранилищу агентов.
type AgentLister interface {
	ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error)
	RecordHeartbeat(ctx context.Context, agentID string) error
}

// Executor исполняет один полный прогон агента. Реализация обязана
// вернуть исход всегда, в том числе при внутренних ошибках.
type Executor interface {
	Execute(ctx context.Context, agentID string) domain.RunOutcome
}

// BufferGauge отдает текущую заполненность буфера результатов
// (runfs.RunFS), чтобы тик выставлял gauge до разбора агентов.
type BufferGauge interface {
	BufferFill() int64
}

type job struct {
	agentID string
	token   string
}

// Scheduler обходит running-агентов по тикеру и раздает положенные
// прогоны пулу воркеров. Сам планировщик stateless: все решения
// принимаются по данным из хранилища, поэтому рестарт процесса
// не теряет и не дублирует запуски.
type Scheduler struct {
	repo     AgentLister
	locker   lock.Locker
	executor Executor
	buffer   BufferGauge // допускает nil
	metrics  *Metrics
	logger   *zap.Logger
	cfg      infra.SchedulerConfig

	jobs chan job
	wg   sync.WaitGroup
}

func New(repo AgentLister, locker lock.Locker, executor Executor, buffer BufferGauge, metrics *Metrics, logger *zap.Logger, cfg infra.SchedulerConfig) *Scheduler {
	return &Scheduler{
		repo:     repo,
		locker:   locker,
		executor: executor,
		buffer:   buffer,
		metrics:  metrics,
		logger:   logger.Named("scheduler"),
		cfg:      cfg,
		jobs:     make(chan job, cfg.MaxWorkers),
	}
}

// Run крутит цикл тиков до отмены контекста. Первый тик выполняется
// сразу, не дожидаясь первого интервала. Возврат гарантирует, что все
// начатые прогоны завершены и их блокировки отпущены.
func (s *Scheduler) Run(ctx context.Context) {
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("max_workers", s.cfg.MaxWorkers))

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			close(s.jobs)
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick — один проход по всем running-агентам.
// Порядок на каждом агенте строгий:
// 1. heartbeat (living-знак пишется даже тем, кому прогон не положен)
// 2. проверка политики тарифа (CheckExecutionAllowed)
// 3. захват распределенной блокировки
// 4. передача воркеру
func (s *Scheduler) Tick(ctx context.Context) {
	s.metrics.TicksTotal.Inc()
	if s.buffer != nil {
		s.metrics.RunBufferFill.Set(float64(s.buffer.BufferFill()))
	}

	agents, err := s.repo.ListByStatus(ctx, domain.StatusRunning)
	if err != nil {
		s.logger.Error("tick: listing agents failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, agent := range agents {
		if ctx.Err() != nil {
			return
		}

		if err := s.repo.RecordHeartbeat(ctx, agent.AgentID); err != nil {
			s.logger.Warn("heartbeat failed",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
		}

		allowed, reason := CheckExecutionAllowed(agent, now)
		if !allowed {
			s.metrics.SkippedTotal.WithLabelValues(reason).Inc()
			continue
		}

		token, ok, err := s.locker.Acquire(ctx, infra.AgentLockKey(agent.AgentID), s.cfg.LockTTL)
		if err != nil {
			s.logger.Warn("lock acquire failed",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
			continue
		}
		if !ok {
			// Агент уже исполняется другим инстансом (или прошлый прогон
			// еще не дожил до release) - пропускаем до следующего тика
			s.metrics.SkippedTotal.WithLabelValues(SkipLocked).Inc()
			continue
		}

		select {
		case s.jobs <- job{agentID: agent.AgentID, token: token}:
			s.metrics.ScheduledTotal.Inc()
		case <-ctx.Done():
			s.release(ctx, agent.AgentID, token)
			return
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for j := range s.jobs {
		s.execute(ctx, j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j job) {
	// Блокировка отпускается безусловно, каким бы ни был исход прогона
	defer s.release(ctx, j.agentID, j.token)

	outcome := s.executor.Execute(ctx, j.agentID)

	s.metrics.RunsTotal.WithLabelValues(string(outcome.Status)).Inc()
	s.metrics.RunDuration.WithLabelValues(string(outcome.Status)).Observe(outcome.Duration.Seconds())
	if outcome.Escalated {
		s.metrics.EscalationsTotal.Inc()
	}

	s.logger.Info("agent run finished",
		zap.String("agent_id", j.agentID),
		zap.String("status", string(outcome.Status)),
		zap.Int("domains", outcome.Domains),
		zap.Int("succeeded", outcome.Succeeded),
		zap.Int("failed", outcome.Failed),
		zap.Duration("duration", outcome.Duration))
}

func (s *Scheduler) release(ctx context.Context, agentID, token string) {
	// Release обязан пройти и после отмены родительского контекста,
	// иначе блокировка зависнет на весь TTL
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	released, err := s.locker.Release(rctx, infra.AgentLockKey(agentID), token)
	if err != nil {
		s.logger.Warn("lock release failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if !released {
		// TTL истек раньше, чем прогон закончился: сигнал, что
		// execution_timeout подобрался вплотную к lock_ttl
		s.logger.Warn("lock expired before release",
			zap.String("agent_id", agentID))
	}
}
