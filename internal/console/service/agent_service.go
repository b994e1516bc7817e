package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
	"github.com/xela07ax/market2agent/internal/runfs"
	"go.uber.org/zap"
)

// ErrNotFound отдается хендлерам, чтобы те могли вернуть честный 404
var ErrNotFound = errors.New("agent not found")

// AgentProvider — чтение агентов и их истории из хранилища.
type AgentProvider interface {
	ListAll(ctx context.Context, limit int) ([]*domain.Agent, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Agent, error)
	GetByID(ctx context.Context, agentID string) (*domain.Agent, error)
	Domains(ctx context.Context, agentID string, limit int) ([]string, error)
	RecentRuns(ctx context.Context, agentID string, limit int) ([]runfs.RunEvent, error)
}

// LifecycleAdmin — админские операции над жизненным циклом.
// Реализуется провижинером: консоль сама статусы не двигает.
type LifecycleAdmin interface {
	AdminStop(ctx context.Context, agentID string) error
	AdminRestart(ctx context.Context, agentID string) error
	Resync(ctx context.Context, agentID string) error
}

// AgentStatusView — развернутый статус агента для личного кабинета.
type AgentStatusView struct {
	Agent      *domain.Agent     `json:"agent"`
	Domains    []string          `json:"domains"`
	RecentRuns []runfs.RunEvent  `json:"recent_runs"`
	Limits     domain.PlanLimits `json:"limits"`
}

type AgentService struct {
	store  AgentProvider
	admin  LifecycleAdmin
	logger *zap.Logger
}

func NewAgentService(store AgentProvider, admin LifecycleAdmin, logger *zap.Logger) *AgentService {
	return &AgentService{
		store:  store,
		admin:  admin,
		logger: logger.Named("agent-service"),
	}
}

// ListAgents — полный список для админки.
func (s *AgentService) ListAgents(ctx context.Context, limit int) ([]*domain.Agent, error) {
	return s.store.ListAll(ctx, limit)
}

// OwnerStatus собирает развернутый статус по каждому агенту пользователя:
// сам агент, его домены (в пределах лимита тарифа) и хвост истории запусков.
func (s *AgentService) OwnerStatus(ctx context.Context, ownerID string) ([]AgentStatusView, error) {
	agents, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("console: owner lookup failed: %w", err)
	}

	views := make([]AgentStatusView, 0, len(agents))
	for _, agent := range agents {
		limits := agent.Limits()

		domains, err := s.store.Domains(ctx, agent.AgentID, limits.MaxDomains)
		if err != nil {
			return nil, fmt.Errorf("console: domains for %s: %w", agent.AgentID, err)
		}
		runs, err := s.store.RecentRuns(ctx, agent.AgentID, 20)
		if err != nil {
			return nil, fmt.Errorf("console: runs for %s: %w", agent.AgentID, err)
		}

		views = append(views, AgentStatusView{
			Agent:      agent,
			Domains:    domains,
			RecentRuns: runs,
			Limits:     limits,
		})
	}
	return views, nil
}

// StatusPoll — легковесный ответ для частого поллинга с фронта.
type StatusPoll struct {
	HasAgent      bool               `json:"has_agent"`
	Status        domain.AgentStatus `json:"status,omitempty"`
	PausedReason  string             `json:"paused_reason,omitempty"`
	LastHeartbeat *time.Time         `json:"last_heartbeat,omitempty"`
	LastRunStatus domain.RunStatus   `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time         `json:"last_run_at,omitempty"`
}

// OwnerPoll — облегченный статус без доменов и истории. Дергается фронтом
// часто, поэтому одна выборка из agents и ни одного джойна.
func (s *AgentService) OwnerPoll(ctx context.Context, ownerID string) (*StatusPoll, error) {
	agents, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("console: owner lookup failed: %w", err)
	}
	if len(agents) == 0 {
		return &StatusPoll{HasAgent: false}, nil
	}

	// У владельца одна живая подписка — берем самого свежего агента
	agent := agents[0]
	return &StatusPoll{
		HasAgent:      true,
		Status:        agent.Status,
		PausedReason:  agent.PausedReason,
		LastHeartbeat: agent.LastHeartbeat,
		LastRunStatus: agent.LastRunStatus,
		LastRunAt:     agent.LastRunAt,
	}, nil
}

// StopAgent — принудительная остановка (админ). Идет через провижинер,
// чтобы сработали те же правила, что и для события биллинга.
func (s *AgentService) StopAgent(ctx context.Context, agentID string) error {
	if err := s.ensureExists(ctx, agentID); err != nil {
		return err
	}
	return s.admin.AdminStop(ctx, agentID)
}

// StartAgent — рестарт errored-агента со сбросом счетчика ошибок.
func (s *AgentService) StartAgent(ctx context.Context, agentID string) error {
	if err := s.ensureExists(ctx, agentID); err != nil {
		return err
	}
	return s.admin.AdminRestart(ctx, agentID)
}

// ResyncAgent выравнивает снапшот доменов агента с текущим набором аккаунта.
func (s *AgentService) ResyncAgent(ctx context.Context, agentID string) error {
	if err := s.ensureExists(ctx, agentID); err != nil {
		return err
	}
	return s.admin.Resync(ctx, agentID)
}

func (s *AgentService) ensureExists(ctx context.Context, agentID string) error {
	agent, err := s.store.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("console: lookup failed: %w", err)
	}
	if agent == nil {
		return ErrNotFound
	}
	return nil
}
