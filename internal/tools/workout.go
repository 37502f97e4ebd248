package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dleffel/trainer-agent/internal/directive"
	"github.com/dleffel/trainer-agent/internal/store"
)

// Workout is the structured payload carried by the reserved
// workout_json directive field. The outer directive grammar delivers
// it as an escaped quoted string; only after unescaping is it real
// JSON and safe to hand to encoding/json.
type Workout struct {
	Title     string     `json:"title"`
	Date      string     `json:"date,omitempty"`
	Intervals []Interval `json:"intervals,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// Interval is one block within a workout.
type Interval struct {
	Minutes int    `json:"minutes"`
	Rate    int    `json:"rate,omitempty"`
	Zone    string `json:"zone,omitempty"`
}

// WorkoutExecutor serves plan_workout: it validates the embedded JSON
// document and persists the plan under the target date.
type WorkoutExecutor struct {
	store *store.Store
	now   func() time.Time
}

// NewWorkoutExecutor creates the workout executor.
func NewWorkoutExecutor(s *store.Store) *WorkoutExecutor {
	return &WorkoutExecutor{store: s, now: time.Now}
}

// Names implements Executor.
func (e *WorkoutExecutor) Names() []string {
	return []string{"plan_workout"}
}

// Execute implements Executor.
func (e *WorkoutExecutor) Execute(ctx context.Context, call *directive.Call) (string, error) {
	raw, ok := call.Param(directive.PayloadKey)
	if !ok {
		return "", fmt.Errorf("plan_workout requires a %s parameter", directive.PayloadKey)
	}

	unescaped := directive.Unescape(raw)

	var w Workout
	if err := json.Unmarshal([]byte(unescaped), &w); err != nil {
		return "", fmt.Errorf("invalid workout payload: %w", err)
	}
	if w.Title == "" {
		return "", fmt.Errorf("workout payload missing title")
	}

	date := w.Date
	if date == "" {
		date = e.now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", fmt.Errorf("invalid workout date %q, want YYYY-MM-DD", date)
	}

	if err := e.store.SetProgramState("planned_workout:"+date, unescaped); err != nil {
		return "", fmt.Errorf("persist workout: %w", err)
	}

	total := 0
	for _, iv := range w.Intervals {
		total += iv.Minutes
	}
	if total > 0 {
		return fmt.Sprintf("Planned %q for %s (%d min across %d intervals).", w.Title, date, total, len(w.Intervals)), nil
	}
	return fmt.Sprintf("Planned %q for %s.", w.Title, date), nil
}
