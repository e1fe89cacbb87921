package draft

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/power"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
)

// OperationDraft is a custom operation being built step by step.
type OperationDraft struct {
	ID          int64
	Name        string
	Description string
	Steps       []domain.Step
}

func NewOperationDraft(name, description string) *OperationDraft {
	return &OperationDraft{Name: name, Description: description}
}

// LoadOperationDraft starts editing a stored custom operation.
func LoadOperationDraft(ctx context.Context, store repository.OperationStore, id int64) (*OperationDraft, error) {
	op, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &OperationDraft{ID: op.ID, Name: op.Name, Description: op.Description, Steps: op.Steps}, nil
}

// Append adds a step; pass a nil argument for operations without one.
func (d *OperationDraft) Append(op string, argument *string) {
	d.Steps = append(d.Steps, domain.Step{Op: op, Argument: argument})
}

func (d *OperationDraft) Remove(i int) error {
	if i < 0 || i >= len(d.Steps) {
		return fmt.Errorf("remove step %d: index out of range [0,%d)", i, len(d.Steps))
	}
	d.Steps = append(d.Steps[:i:i], d.Steps[i+1:]...)
	return nil
}

func (d *OperationDraft) Clear() { d.Steps = nil }

// Validate checks the draft against the built-in operations and the names of
// stored custom operations, which steps may also refer to.
func (d *OperationDraft) Validate(customNames []string) error {
	known := map[string]bool{}
	for _, n := range customNames {
		known[n] = true
	}
	var errs error
	errs = multierr.Append(errs, checkLen("name", strings.TrimSpace(d.Name), 1, MaxNameLen))
	if _, basic := domain.LookupBasicOp(strings.TrimSpace(d.Name)); basic {
		errs = multierr.Append(errs, fieldErr("name", "%q is a built-in operation", d.Name))
	}
	errs = multierr.Append(errs, checkLen("description", d.Description, 0, MaxDescriptionLen))
	if len(d.Steps) == 0 {
		errs = multierr.Append(errs, fieldErr("ops", "at least one step required"))
	}
	for i, s := range d.Steps {
		errs = multierr.Append(errs, validateStep(fmt.Sprintf("ops[%d]", i), s, known, d.Name))
	}
	return errs
}

func validateStep(field string, s domain.Step, custom map[string]bool, self string) error {
	basic, ok := domain.LookupBasicOp(s.Op)
	if !ok {
		if !custom[s.Op] && s.Op != self {
			return fieldErr(field+".op_name", "unknown operation %q", s.Op)
		}
		if s.Argument != nil {
			return fieldErr(field+".argument", "custom operation %q takes no argument", s.Op)
		}
		return nil
	}
	if !basic.WithArgument {
		if s.Argument != nil {
			return fieldErr(field+".argument", "%s takes no argument", s.Op)
		}
		return nil
	}
	if s.Argument == nil || strings.TrimSpace(*s.Argument) == "" {
		return fieldErr(field+".argument", "%s requires an argument", s.Op)
	}
	if err := checkLen(field+".argument", *s.Argument, 1, MaxArgumentLen); err != nil {
		return err
	}
	if s.Op == domain.OpEnsureStatus {
		if _, err := domain.ParseStatus(*s.Argument); err != nil {
			return fieldErr(field+".argument", "%v", err)
		}
	}
	return nil
}

// Commit validates the draft, rejects definitions that would make an
// operation reach itself through its steps, and stores it.
func (d *OperationDraft) Commit(ctx context.Context, store repository.OperationStore) (domain.CustomOperation, error) {
	stored, err := store.List(ctx)
	if err != nil {
		return domain.CustomOperation{}, err
	}
	d.Name = strings.TrimSpace(d.Name)
	graph := map[string][]string{}
	var names []string
	for _, op := range stored {
		if op.ID == d.ID && d.ID != 0 {
			continue
		}
		if op.Name == d.Name && d.ID != 0 {
			return domain.CustomOperation{}, fieldErr("name", "%q already exists", d.Name)
		}
		names = append(names, op.Name)
		graph[op.Name] = stepNames(op.Steps)
	}
	if err := d.Validate(names); err != nil {
		return domain.CustomOperation{}, err
	}
	graph[d.Name] = stepNames(d.Steps)
	if path := findCycle(graph, d.Name); path != nil {
		return domain.CustomOperation{}, &power.CycleError{Path: path}
	}
	op := domain.CustomOperation{ID: d.ID, Name: d.Name, Description: d.Description, Steps: d.Steps}
	if err := store.Save(ctx, &op); err != nil {
		return domain.CustomOperation{}, err
	}
	d.ID = op.ID
	return op, nil
}

func stepNames(steps []domain.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if _, basic := domain.LookupBasicOp(s.Op); !basic {
			out = append(out, s.Op)
		}
	}
	return out
}

// findCycle returns a path from start back to start, or nil.
func findCycle(graph map[string][]string, start string) []string {
	visited := map[string]bool{}
	var walk func(name string, path []string) []string
	walk = func(name string, path []string) []string {
		for _, next := range graph[name] {
			if next == start {
				return append(append([]string(nil), path...), next)
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if p := walk(next, append(path, next)); p != nil {
				return p
			}
		}
		return nil
	}
	return walk(start, []string{start})
}

// IsValidation reports whether err came from draft validation.
func IsValidation(err error) bool {
	for _, e := range multierr.Errors(err) {
		var fe *FieldError
		if errors.As(e, &fe) {
			return true
		}
	}
	return false
}
