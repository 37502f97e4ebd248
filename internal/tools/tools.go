// Package tools provides the directive executor registry and router.
//
// Executors declare the directive names they serve; the router
// dispatches one parsed call at a time and converts every failure
// mode — unknown name, executor error, executor panic — into a failed
// [directive.Result]. A single broken tool must never abort the batch
// or crash the turn loop: the failure text goes back into conversation
// context so the model can react to it.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dleffel/trainer-agent/internal/directive"
)

// Executor handles one or more directive names.
type Executor interface {
	// Names returns the directive names this executor serves.
	Names() []string

	// Execute runs one call. A returned error marks the result as
	// failed; it is routine (missing param, bad payload) rather than
	// exceptional, and never propagates past the router.
	Execute(ctx context.Context, call *directive.Call) (string, error)
}

// Registry maps directive names to executors.
type Registry struct {
	executors map[string]Executor
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logger,
	}
}

// Register adds an executor under every name it declares. A name
// already taken is overwritten — last registration wins — and logged
// as a configuration warning, not treated as fatal.
func (r *Registry) Register(e Executor) {
	for _, name := range e.Names() {
		if _, exists := r.executors[name]; exists {
			r.logger.Warn("directive name registered twice, last registration wins",
				"directive", name,
			)
		}
		r.executors[name] = e
	}
}

// Names returns all registered directive names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// Route dispatches one call to its executor and always returns a
// result, never an error or a panic.
func (r *Registry) Route(ctx context.Context, call *directive.Call) directive.Result {
	e, ok := r.executors[call.Name]
	if !ok {
		r.logger.Warn("unknown directive", "directive", call.Name)
		return directive.Result{
			Name:  call.Name,
			Error: fmt.Sprintf("unknown directive %q", call.Name),
		}
	}

	output, err := r.execute(ctx, e, call)
	if err != nil {
		r.logger.Warn("directive failed",
			"directive", call.Name,
			"error", err,
		)
		return directive.Result{Name: call.Name, Error: err.Error()}
	}

	return directive.Result{Name: call.Name, Success: true, Output: output}
}

// execute invokes the executor, converting a panic into an error so a
// misbehaving tool cannot take down the orchestration.
func (r *Registry) execute(ctx context.Context, e Executor, call *directive.Call) (output string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()
	return e.Execute(ctx, call)
}
