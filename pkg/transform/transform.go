// Package transform runs one reusable routine across many sources.
//
// A Task names a routine and carries scalar parameters; adding a source to
// the transformed stage means adding a Task, not code. The Orchestrator
// resolves each task's routine from a Registry and runs the tasks with the
// same isolation contract as the dispatcher: one result per task, in task
// order, whatever happens to the others.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Parameters maps names to scalar values (string, bool, integer or float).
type Parameters map[string]any

// Validate rejects non-scalar values.
func (p Parameters) Validate() error {
	for k, v := range p {
		switch v.(type) {
		case nil, string, bool, int, int64, float64, json.Number:
		default:
			return fmt.Errorf("parameter %q: %T is not a scalar", k, v)
		}
	}
	return nil
}

// String renders a parameter as text. Missing keys yield "".
func (p Parameters) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// List splits a comma separated parameter, trimming blanks.
func (p Parameters) List(key string) []string {
	raw := p.String(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// WithPrefix returns the parameters under prefix, with prefix stripped,
// sorted by name.
func (p Parameters) WithPrefix(prefix string) []Param {
	var out []Param
	for k := range p {
		if name, ok := strings.CutPrefix(k, prefix); ok && name != "" {
			out = append(out, Param{Name: name, Value: p.String(k)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type Param struct {
	Name  string
	Value string
}

// Task is one unit of transform work.
type Task struct {
	ID         string     `json:"task_id" yaml:"task_id"`
	SourceID   string     `json:"source_id" yaml:"source_id"`
	Routine    string     `json:"routine" yaml:"routine"`
	Parameters Parameters `json:"parameters,omitempty" yaml:"parameters"`
}

func (t Task) UnitID() string         { return t.ID }
func (t Task) Dependencies() []string { return nil }

// Ref points a routine at a location in the lake. When Keys is non-nil an
// input is exactly those objects, even if the prefix holds others.
type Ref struct {
	Prefix string
	Keys   []string
}

// Routine is the single reusable transform. Apply reads input, writes
// output and returns the number of records written. It must be
// deterministic for identical parameters and input.
type Routine interface {
	Apply(ctx context.Context, params Parameters, input, output Ref) (int64, error)
}

// RoutineFunc adapts a function to Routine.
type RoutineFunc func(ctx context.Context, params Parameters, input, output Ref) (int64, error)

func (f RoutineFunc) Apply(ctx context.Context, params Parameters, input, output Ref) (int64, error) {
	return f(ctx, params, input, output)
}

// Validator is implemented by routines that can check parameters before a
// run starts.
type Validator interface {
	ValidateParameters(params Parameters) error
}

// Registry maps routine references to routines.
type Registry struct {
	mu       sync.RWMutex
	routines map[string]Routine
}

func NewRegistry() *Registry {
	return &Registry{routines: make(map[string]Routine)}
}

// Register adds or replaces a routine.
func (r *Registry) Register(name string, routine Routine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routines[name] = routine
}

func (r *Registry) Lookup(name string) (Routine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routines[name]
	return rt, ok
}

// Names lists registered routines, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routines))
	for k := range r.routines {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Check verifies every task names a registered routine with valid
// parameters.
func (r *Registry) Check(tasks []Task) error {
	for _, t := range tasks {
		rt, ok := r.Lookup(t.Routine)
		if !ok {
			return fmt.Errorf("task %s: unknown routine %q", t.ID, t.Routine)
		}
		if err := t.Parameters.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if v, ok := rt.(Validator); ok {
			if err := v.ValidateParameters(t.Parameters); err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}
