package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dleffel/trainer-agent/internal/directive"
	"github.com/dleffel/trainer-agent/internal/store"
)

// HealthMetrics is a day's worth of recovery data.
type HealthMetrics struct {
	Date       string  `json:"date"`
	RestingHR  int     `json:"resting_hr"`
	HRV        int     `json:"hrv"`
	SleepHours float64 `json:"sleep_hours"`
	ActiveKcal int     `json:"active_kcal"`
}

// HealthProvider fetches metrics for a calendar date.
type HealthProvider interface {
	Metrics(ctx context.Context, date string) (HealthMetrics, error)
}

// StoreHealthProvider reads daily metrics recorded in the program
// state table under health_metrics:<date> keys. Recording happens out
// of band: any sync process with database access writes a day's
// metrics as a JSON document.
type StoreHealthProvider struct {
	store *store.Store
}

// NewStoreHealthProvider creates a provider backed by the given store.
func NewStoreHealthProvider(s *store.Store) *StoreHealthProvider {
	return &StoreHealthProvider{store: s}
}

// Metrics implements HealthProvider.
func (p *StoreHealthProvider) Metrics(_ context.Context, date string) (HealthMetrics, error) {
	raw, ok, err := p.store.ProgramState("health_metrics:" + date)
	if err != nil {
		return HealthMetrics{}, fmt.Errorf("load health metrics: %w", err)
	}
	if !ok {
		return HealthMetrics{}, fmt.Errorf("no health data recorded for %s", date)
	}

	var m HealthMetrics
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return HealthMetrics{}, fmt.Errorf("decode health metrics for %s: %w", date, err)
	}
	m.Date = date
	return m, nil
}

// HealthExecutor serves get_health_metrics.
type HealthExecutor struct {
	provider HealthProvider
	now      func() time.Time
}

// NewHealthExecutor creates the health executor.
func NewHealthExecutor(p HealthProvider) *HealthExecutor {
	return &HealthExecutor{provider: p, now: time.Now}
}

// Names implements Executor.
func (e *HealthExecutor) Names() []string {
	return []string{"get_health_metrics"}
}

// Execute implements Executor.
func (e *HealthExecutor) Execute(ctx context.Context, call *directive.Call) (string, error) {
	date, ok := call.Param("date")
	if !ok || date == "" {
		date = e.now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
	}

	m, err := e.provider.Metrics(ctx, date)
	if err != nil {
		return "", fmt.Errorf("fetch health metrics: %w", err)
	}

	return fmt.Sprintf("Metrics for %s: resting HR %d bpm, HRV %d ms, sleep %.1f h, active %d kcal.",
		m.Date, m.RestingHR, m.HRV, m.SleepHours, m.ActiveKcal), nil
}
