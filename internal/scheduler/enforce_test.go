package scheduler

import (
	"testing"
	"time"

	"github.com/xela07ax/market2agent/internal/domain"
)

func runAt(t time.Time) *time.Time { return &t }

func TestCheckExecutionAllowed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		agent      *domain.Agent
		wantAllow  bool
		wantReason string
	}{
		{
			name:      "first run is always due",
			agent:     &domain.Agent{Status: domain.StatusRunning, Plan: domain.PlanPro},
			wantAllow: true,
		},
		{
			name: "interval elapsed exactly",
			agent: &domain.Agent{
				Status: domain.StatusRunning, Plan: domain.PlanPro,
				LastRunAt: runAt(now.Add(-168 * time.Hour)),
			},
			wantAllow: true,
		},
		{
			name: "interval elapsed with margin",
			agent: &domain.Agent{
				Status: domain.StatusRunning, Plan: domain.PlanPro,
				LastRunAt: runAt(now.Add(-169 * time.Hour)),
			},
			wantAllow: true,
		},
		{
			name: "interval not elapsed",
			agent: &domain.Agent{
				Status: domain.StatusRunning, Plan: domain.PlanPro,
				LastRunAt: runAt(now.Add(-100 * time.Hour)),
			},
			wantAllow:  false,
			wantReason: SkipNotDue,
		},
		{
			name: "one hour short",
			agent: &domain.Agent{
				Status: domain.StatusRunning, Plan: domain.PlanPro,
				LastRunAt: runAt(now.Add(-167 * time.Hour)),
			},
			wantAllow:  false,
			wantReason: SkipNotDue,
		},
		{
			name: "paused agent never runs even when due",
			agent: &domain.Agent{
				Status: domain.StatusPaused, Plan: domain.PlanPro,
				LastRunAt: runAt(now.Add(-500 * time.Hour)),
			},
			wantAllow:  false,
			wantReason: SkipNotRunnable,
		},
		{
			name:       "errored agent never runs",
			agent:      &domain.Agent{Status: domain.StatusErrored, Plan: domain.PlanPro},
			wantAllow:  false,
			wantReason: SkipNotRunnable,
		},
		{
			name:       "stopped agent never runs",
			agent:      &domain.Agent{Status: domain.StatusStopped, Plan: domain.PlanPro},
			wantAllow:  false,
			wantReason: SkipNotRunnable,
		},
		{
			name: "unknown plan falls back to pro limits",
			agent: &domain.Agent{
				Status: domain.StatusRunning, Plan: "legacy-unknown",
				LastRunAt: runAt(now.Add(-200 * time.Hour)),
			},
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			allow, reason := CheckExecutionAllowed(tt.agent, now)
			if allow != tt.wantAllow {
				t.Errorf("allowed = %v, want %v", allow, tt.wantAllow)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}
