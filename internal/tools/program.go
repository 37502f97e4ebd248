package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/dleffel/trainer-agent/internal/directive"
	"github.com/dleffel/trainer-agent/internal/store"
)

// Program state keys.
const (
	keyProgramStart = "program_start_date"
	keyProgramName  = "program_name"
)

// ProgramExecutor serves the training program lifecycle directives.
// The model is prompted to check status before initializing, which is
// why the turn loop runs directives sequentially in source order: a
// get_training_status followed by start_training_program in the same
// response must observe the pre-initialization state first.
type ProgramExecutor struct {
	store *store.Store
	now   func() time.Time
}

// NewProgramExecutor creates the program executor. The now func
// defaults to time.Now and exists for tests.
func NewProgramExecutor(s *store.Store) *ProgramExecutor {
	return &ProgramExecutor{store: s, now: time.Now}
}

// Names implements Executor.
func (e *ProgramExecutor) Names() []string {
	return []string{"get_training_status", "start_training_program"}
}

// Execute implements Executor.
func (e *ProgramExecutor) Execute(ctx context.Context, call *directive.Call) (string, error) {
	switch call.Name {
	case "get_training_status":
		return e.status()
	case "start_training_program":
		return e.start(call)
	default:
		return "", fmt.Errorf("program executor cannot handle %q", call.Name)
	}
}

func (e *ProgramExecutor) status() (string, error) {
	start, ok, err := e.store.ProgramState(keyProgramStart)
	if err != nil {
		return "", fmt.Errorf("read program state: %w", err)
	}
	if !ok {
		return "No training program is active.", nil
	}

	name, _, err := e.store.ProgramState(keyProgramName)
	if err != nil {
		return "", fmt.Errorf("read program state: %w", err)
	}

	startDate, err := time.Parse("2006-01-02", start)
	if err != nil {
		return fmt.Sprintf("Program %q active, started %s.", name, start), nil
	}
	week := int(e.now().Sub(startDate).Hours()/(24*7)) + 1
	return fmt.Sprintf("Program %q active, started %s, currently week %d.", name, start, week), nil
}

func (e *ProgramExecutor) start(call *directive.Call) (string, error) {
	if _, active, err := e.store.ProgramState(keyProgramStart); err != nil {
		return "", fmt.Errorf("read program state: %w", err)
	} else if active {
		return "", fmt.Errorf("a training program is already active; check get_training_status first")
	}

	name, ok := call.Param("name")
	if !ok || name == "" {
		return "", fmt.Errorf("start_training_program requires a name parameter")
	}

	start, ok := call.Param("start_date")
	if !ok || start == "" {
		start = e.now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", start); err != nil {
		return "", fmt.Errorf("invalid start_date %q, want YYYY-MM-DD", start)
	}

	if err := e.store.SetProgramState(keyProgramName, name); err != nil {
		return "", fmt.Errorf("write program state: %w", err)
	}
	if err := e.store.SetProgramState(keyProgramStart, start); err != nil {
		return "", fmt.Errorf("write program state: %w", err)
	}

	return fmt.Sprintf("Training program %q started, first week begins %s.", name, start), nil
}
