package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/market2agent/internal/runfs"
)

// WriteBatch сохраняет пачку событий истории запусков одним INSERT.
// Вызывается воркером RunFS по таймеру или при заполнении буфера.
func (r *AgentRepo) WriteBatch(ctx context.Context, events []runfs.RunEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице agent_runs
	numFields := 10
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)

		vals = append(vals,
			e.ID, e.AgentID, e.Domain, nullIfEmpty(e.AuditID),
			e.Status, e.Score, nullIfEmpty(e.Grade), nullIfEmpty(e.Error), e.DurationMs, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO agent_runs (id, agent_id, domain, audit_id, status, score, grade, error, duration_ms, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	if err != nil {
		return fmt.Errorf("postgres: failed to write run batch: %w", err)
	}
	return nil
}

// RecentRuns — последние события истории запусков агента, свежие первыми.
// Отдается в статус-эндпоинт консоли.
func (r *AgentRepo) RecentRuns(ctx context.Context, agentID string, limit int) ([]runfs.RunEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, agent_id, domain, COALESCE(audit_id, ''), status,
		       score, COALESCE(grade, ''), COALESCE(error, ''), duration_ms, timestamp
		FROM agent_runs
		WHERE agent_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch runs: %w", err)
	}
	defer rows.Close()

	events := make([]runfs.RunEvent, 0, limit)
	for rows.Next() {
		var e runfs.RunEvent
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Domain, &e.AuditID, &e.Status,
			&e.Score, &e.Grade, &e.Error, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan run event: %w", err)
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}
