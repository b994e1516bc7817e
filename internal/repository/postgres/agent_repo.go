package postgres

/*
Файл agent_repo.go — Agent Store поверх PostgreSQL (pgxpool).

Схема:
    agents        — запись агента, PK agent_id, уникальный subscription_id
    agent_domains — ребро "агент мониторит домен" (снапшот, не live-связь)
    account_domains — домены, отслеживаемые аккаунтом (владеет другой сервис,
                      мы только читаем при снапшоте/ресинке)

Все записи — одиночные upsert по ключу. Мультизаписных транзакций нет:
состояния агентов независимы друг от друга.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/market2agent/internal/domain"
)

type AgentRepo struct {
	pool *pgxpool.Pool
}

// NewAgentRepo создает пул соединений и проверяет его настройки.
// Доступность базы проверяется отдельно через Ping в main.
func NewAgentRepo(ctx context.Context, cfg Config) (*AgentRepo, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	return &AgentRepo{pool: pool}, nil
}

// Config — параметры подключения (повторяет infra.DatabaseConfig,
// но репозиторий не должен зависеть от пакета конфигурации).
type Config struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// Ping проверяет доступность базы при старте
func (r *AgentRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *AgentRepo) Close() {
	r.pool.Close()
}

const agentColumns = `agent_id, owner_id, subscription_id, plan, status, paused_reason,
	last_heartbeat, last_run_at, last_run_status, last_error, error_count, last_event_at,
	created_at, updated_at`

// CreateAgent — upsert по subscription_id. Если агент уже существует,
// обновляется только тариф (идемпотентность дублей вебхука). Снапшот доменов
// аккаунта делается отдельным INSERT ... SELECT и тоже идемпотентен.
func (r *AgentRepo) CreateAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error) {
	query := fmt.Sprintf(`
		INSERT INTO agents (agent_id, owner_id, subscription_id, plan, status, error_count, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
		ON CONFLICT (subscription_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			updated_at = NOW()
		RETURNING %s`, agentColumns)

	row := r.pool.QueryRow(ctx, query,
		a.AgentID, a.OwnerID, a.SubscriptionID, a.Plan, a.Status, a.LastEventAt)

	created, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create agent: %w", err)
	}

	// Снапшот текущего набора доменов аккаунта. Live-синхронизации нет —
	// дальше только явный Resync.
	_, err = r.pool.Exec(ctx, `
		INSERT INTO agent_domains (agent_id, domain)
		SELECT $1, domain FROM account_domains WHERE owner_id = $2
		ON CONFLICT DO NOTHING`, created.AgentID, created.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to snapshot domains: %w", err)
	}

	return created, nil
}

// GetBySubscription возвращает агента по ID подписки биллинга. nil — не найден.
func (r *AgentRepo) GetBySubscription(ctx context.Context, subscriptionID string) (*domain.Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE subscription_id = $1`, agentColumns)

	a, err := scanAgent(r.pool.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get by subscription: %w", err)
	}
	return a, nil
}

// GetByID возвращает агента по agent_id. nil — не найден.
func (r *AgentRepo) GetByID(ctx context.Context, agentID string) (*domain.Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE agent_id = $1`, agentColumns)

	a, err := scanAgent(r.pool.QueryRow(ctx, query, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get by id: %w", err)
	}
	return a, nil
}

// ListByStatus отдает всех агентов в заданном статусе. Используется
// планировщиком каждый тик: состояние НЕ кэшируется, база — источник истины.
func (r *AgentRepo) ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE status = $1 ORDER BY created_at`, agentColumns)

	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("postgres: list by status: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы не возвращать nil
	agents := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}

	// Проверка на ошибки итерации (стандарт качества pgx)
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return agents, nil
}

// ListByOwner — агенты аккаунта (для пользовательского API).
func (r *AgentRepo) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE owner_id = $1 ORDER BY created_at DESC`, agentColumns)

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list by owner: %w", err)
	}
	defer rows.Close()

	agents := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return agents, nil
}

// ListAll — админский список (с лимитом, новые сверху).
func (r *AgentRepo) ListAll(ctx context.Context, limit int) ([]*domain.Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM agents ORDER BY created_at DESC LIMIT $1`, agentColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list all: %w", err)
	}
	defer rows.Close()

	agents := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return agents, nil
}

// UpdateStatus меняет статус агента. Идемпотентна: повторный вызов с тем же
// статусом ничего не ломает. paused_reason живет только в статусе paused.
// eventAt (если передан) двигает вперед отметку последнего события биллинга.
func (r *AgentRepo) UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus, reason string, eventAt *time.Time) error {
	query := `
		UPDATE agents SET
			status = $1,
			paused_reason = CASE WHEN $1 = 'paused' THEN $2 ELSE NULL END,
			last_event_at = GREATEST(COALESCE($3, last_event_at), COALESCE(last_event_at, $3)),
			updated_at = NOW()
		WHERE agent_id = $4`

	result, err := r.pool.Exec(ctx, query, status, nullIfEmpty(reason), eventAt, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("postgres: agent %s not found", agentID)
	}
	return nil
}

// ResetErrorCount обнуляет счетчик подряд идущих неудач (админский рестарт).
func (r *AgentRepo) ResetErrorCount(ctx context.Context, agentID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE agents SET error_count = 0, last_error = NULL, updated_at = NOW() WHERE agent_id = $1`,
		agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to reset error count: %w", err)
	}
	return nil
}

// RecordHeartbeat обновляет last_heartbeat. Вызывается каждый тик для каждого
// running-агента, независимо от того, был ли он допущен к исполнению.
func (r *AgentRepo) RecordHeartbeat(ctx context.Context, agentID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat = NOW() WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to record heartbeat: %w", err)
	}
	return nil
}

// RecordRunResult фиксирует итог цикла исполнения и возвращает новое значение
// error_count. failed инкрементирует счетчик, любой другой итог сбрасывает его
// в ноль. RETURNING избавляет от гонки "прочитал-обновил" при эскалации.
func (r *AgentRepo) RecordRunResult(ctx context.Context, agentID string, status domain.RunStatus, lastError string) (int, error) {
	query := `
		UPDATE agents SET
			last_run_at = NOW(),
			last_run_status = $1,
			last_error = CASE WHEN $1 = 'failed' THEN $2 ELSE NULL END,
			error_count = CASE WHEN $1 = 'failed' THEN error_count + 1 ELSE 0 END,
			updated_at = NOW()
		WHERE agent_id = $3
		RETURNING error_count`

	var count int
	err := r.pool.QueryRow(ctx, query, status, nullIfEmpty(lastError), agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to record run result: %w", err)
	}
	return count, nil
}

// Domains — отсортированный список доменов агента с отсечкой по лимиту тарифа.
// Хранимый набор может превышать лимит: клиент мог добавить домены сверх плана.
// Усечение делаем здесь, на чтении, детерминированно (ORDER BY domain).
func (r *AgentRepo) Domains(ctx context.Context, agentID string, limit int) ([]string, error) {
	query := `SELECT domain FROM agent_domains WHERE agent_id = $1 ORDER BY domain`
	args := []interface{}{agentID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch domains: %w", err)
	}
	defer rows.Close()

	domains := make([]string, 0)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("postgres: scan domain: %w", err)
		}
		domains = append(domains, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return domains, nil
}

// SyncDomains выравнивает снапшот агента с текущим набором доменов аккаунта.
// Вызывается ТОЛЬКО явно (админский resync) — автоматической синхронизации
// после создания агента намеренно нет.
func (r *AgentRepo) SyncDomains(ctx context.Context, agentID, ownerID string) error {
	// Убираем устаревшие ребра
	_, err := r.pool.Exec(ctx, `
		DELETE FROM agent_domains
		WHERE agent_id = $1
		  AND domain NOT IN (SELECT domain FROM account_domains WHERE owner_id = $2)`,
		agentID, ownerID)
	if err != nil {
		return fmt.Errorf("postgres: failed to prune stale domains: %w", err)
	}

	// Добавляем недостающие
	_, err = r.pool.Exec(ctx, `
		INSERT INTO agent_domains (agent_id, domain)
		SELECT $1, domain FROM account_domains WHERE owner_id = $2
		ON CONFLICT DO NOTHING`, agentID, ownerID)
	if err != nil {
		return fmt.Errorf("postgres: failed to add missing domains: %w", err)
	}
	return nil
}

// DeleteRelations рвет связи мониторинга при остановке агента.
// Сама запись агента сохраняется для аудита и истории.
func (r *AgentRepo) DeleteRelations(ctx context.Context, agentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM agent_domains WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete relations: %w", err)
	}
	return nil
}

// scanAgent разбирает строку agents в доменную структуру.
// NULL-колонки идут через sql.Null*, указатели берем адресом.
func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	var pausedReason, lastRunStatus, lastError sql.NullString
	var lastHeartbeat, lastRunAt, lastEventAt sql.NullTime

	err := row.Scan(
		&a.AgentID, &a.OwnerID, &a.SubscriptionID, &a.Plan, &a.Status, &pausedReason,
		&lastHeartbeat, &lastRunAt, &lastRunStatus, &lastError, &a.ErrorCount, &lastEventAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pausedReason.Valid {
		a.PausedReason = pausedReason.String
	}
	if lastRunStatus.Valid {
		a.LastRunStatus = domain.RunStatus(lastRunStatus.String)
	}
	if lastError.Valid {
		a.LastError = lastError.String
	}
	if lastHeartbeat.Valid {
		val := lastHeartbeat.Time
		a.LastHeartbeat = &val
	}
	if lastRunAt.Valid {
		val := lastRunAt.Time
		a.LastRunAt = &val
	}
	if lastEventAt.Valid {
		val := lastEventAt.Time
		a.LastEventAt = &val
	}
	return &a, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
