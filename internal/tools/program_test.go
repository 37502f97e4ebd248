package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dleffel/trainer-agent/internal/directive"
	"github.com/dleffel/trainer-agent/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tools.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func call(name string, params ...string) *directive.Call {
	c := &directive.Call{Name: name}
	for i := 0; i+1 < len(params); i += 2 {
		c.Params = append(c.Params, directive.Param{Key: params[i], Value: params[i+1]})
	}
	return c
}

func TestProgram_StatusBeforeStart(t *testing.T) {
	t.Parallel()

	e := NewProgramExecutor(testStore(t))
	out, err := e.Execute(context.Background(), call("get_training_status"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "No training program") {
		t.Errorf("status = %q, want inactive message", out)
	}
}

func TestProgram_StartThenStatus(t *testing.T) {
	t.Parallel()

	e := NewProgramExecutor(testStore(t))
	e.now = func() time.Time { return time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC) }

	out, err := e.Execute(context.Background(), call("start_training_program",
		"name", "fall base", "start_date", "2026-08-10"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out, "fall base") {
		t.Errorf("start output = %q", out)
	}

	out, err = e.Execute(context.Background(), call("get_training_status"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "week 3") {
		t.Errorf("status = %q, want week 3", out)
	}
}

func TestProgram_StartTwiceFails(t *testing.T) {
	t.Parallel()

	e := NewProgramExecutor(testStore(t))
	if _, err := e.Execute(context.Background(), call("start_training_program", "name", "a")); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := e.Execute(context.Background(), call("start_training_program", "name", "b")); err == nil {
		t.Fatal("second start succeeded, want validation error")
	}
}

func TestProgram_Validation(t *testing.T) {
	t.Parallel()

	e := NewProgramExecutor(testStore(t))

	if _, err := e.Execute(context.Background(), call("start_training_program")); err == nil {
		t.Error("missing name accepted")
	}
	if _, err := e.Execute(context.Background(), call("start_training_program",
		"name", "x", "start_date", "tuesday")); err == nil {
		t.Error("bad start_date accepted")
	}
}

func TestWorkout_PlanFromPayload(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	e := NewWorkoutExecutor(s)

	raw := `{\"title\":\"Steady State\",\"date\":\"2026-09-01\",\"intervals\":[{\"minutes\":20,\"rate\":18},{\"minutes\":20,\"rate\":20}]}`
	out, err := e.Execute(context.Background(), call("plan_workout", directive.PayloadKey, raw))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "Steady State") || !strings.Contains(out, "40 min") {
		t.Errorf("output = %q", out)
	}

	stored, ok, err := s.ProgramState("planned_workout:2026-09-01")
	if err != nil || !ok {
		t.Fatalf("stored workout missing (ok=%v err=%v)", ok, err)
	}
	if !strings.Contains(stored, `"title":"Steady State"`) {
		t.Errorf("stored payload = %q, want unescaped JSON", stored)
	}
}

func TestWorkout_Validation(t *testing.T) {
	t.Parallel()

	e := NewWorkoutExecutor(testStore(t))

	tests := []struct {
		name string
		call *directive.Call
	}{
		{"missing payload", call("plan_workout")},
		{"not json", call("plan_workout", directive.PayloadKey, "not json")},
		{"missing title", call("plan_workout", directive.PayloadKey, `{\"date\":\"2026-09-01\"}`)},
		{"bad date", call("plan_workout", directive.PayloadKey, `{\"title\":\"x\",\"date\":\"soon\"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Execute(context.Background(), tt.call); err == nil {
				t.Error("want validation error, got success")
			}
		})
	}
}

type fakeHealth struct {
	metrics HealthMetrics
	err     error
}

func (f *fakeHealth) Metrics(ctx context.Context, date string) (HealthMetrics, error) {
	if f.err != nil {
		return HealthMetrics{}, f.err
	}
	m := f.metrics
	m.Date = date
	return m, nil
}

func TestHealth_Metrics(t *testing.T) {
	t.Parallel()

	e := NewHealthExecutor(&fakeHealth{metrics: HealthMetrics{
		RestingHR:  48,
		HRV:        72,
		SleepHours: 7.5,
		ActiveKcal: 640,
	}})

	out, err := e.Execute(context.Background(), call("get_health_metrics", "date", "2026-08-28"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"2026-08-28", "48 bpm", "72 ms", "7.5 h"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestHealth_StoreProvider(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	if err := s.SetProgramState("health_metrics:2026-08-28",
		`{"resting_hr":48,"hrv":72,"sleep_hours":7.5,"active_kcal":640}`); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	e := NewHealthExecutor(NewStoreHealthProvider(s))
	out, err := e.Execute(context.Background(), call("get_health_metrics", "date", "2026-08-28"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{"2026-08-28", "48 bpm", "72 ms", "7.5 h", "640 kcal"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}

	// Days with nothing recorded fail as ordinary executor errors.
	if _, err := e.Execute(context.Background(), call("get_health_metrics", "date", "2026-08-27")); err == nil {
		t.Error("unrecorded date accepted")
	}
}

func TestHealth_BadDate(t *testing.T) {
	t.Parallel()

	e := NewHealthExecutor(&fakeHealth{})
	if _, err := e.Execute(context.Background(), call("get_health_metrics", "date", "yesterday")); err == nil {
		t.Error("bad date accepted")
	}
}
