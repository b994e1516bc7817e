package connectors

import (
	"context"
	"fmt"
	"math/rand/v2" // Используем v2 для Go 1.25
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockAuditor — имитация аудит-движка для локальной разработки и демо.
// Домены с префиксом "broken." всегда падают, "slow." — отвечают долго.
type MockAuditor struct{}

func (m *MockAuditor) Audit(ctx context.Context, domain string, maxPages int) (*AuditResult, error) {
	// Имитируем задержку краулинга 100-600мс
	latency := time.Duration(100+rand.IntN(500)) * time.Millisecond
	if strings.HasPrefix(domain, "slow.") {
		latency = 3 * time.Second
	}

	select {
	case <-time.After(latency):
		// Имитация работы
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if strings.HasPrefix(domain, "broken.") {
		return nil, fmt.Errorf("crawl failed: connection refused for %s", domain)
	}

	score := 40 + rand.IntN(60)
	return &AuditResult{
		AuditID:  uuid.New().String(),
		Domain:   domain,
		Score:    score,
		Grade:    gradeFor(score),
		Pages:    min(maxPages, 1+rand.IntN(maxPages)),
		Duration: latency,
	}, nil
}

func gradeFor(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
