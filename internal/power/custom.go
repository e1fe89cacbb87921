package power

import (
	"context"
	"fmt"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// CustomProviderName is the provider name reported for custom operations.
const CustomProviderName = "custom"

// Dispatcher is the machine a custom operation replays its steps against.
type Dispatcher interface {
	ExecuteAction(ctx context.Context, name string, args []string) (Result, error)
}

// StepError wraps the failure of one step of a custom operation.
type StepError struct {
	Operation string
	Index     int
	Step      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("custom operation %s: step %d (%s): %v", e.Operation, e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CustomOperations exposes one synthetic operation per stored custom
// operation of a machine.
type CustomOperations struct {
	machine Dispatcher
	ops     []domain.CustomOperation
}

func NewCustomOperations(machine Dispatcher, ops []domain.CustomOperation) *CustomOperations {
	return &CustomOperations{machine: machine, ops: ops}
}

func (c *CustomOperations) Name() string { return CustomProviderName }

func (c *CustomOperations) Operations() OperationTable {
	t := make(OperationTable, len(c.ops))
	for _, op := range c.ops {
		t[op.Name] = Operation{Name: op.Name, Description: op.Description, Run: c.replay(op)}
	}
	return t
}

type chainKey struct{}

// replay runs the steps in order and stops at the first failure. The result
// is the last step's. Re-entering an operation already on the call chain
// fails with a CycleError.
func (c *CustomOperations) replay(op domain.CustomOperation) Action {
	return func(ctx context.Context, args []string) (Result, error) {
		if len(args) != 0 {
			return Result{}, &ArgumentError{Op: op.Name, Want: 0, Got: len(args)}
		}
		chain, _ := ctx.Value(chainKey{}).([]string)
		for _, name := range chain {
			if name == op.Name {
				path := append(append([]string(nil), chain...), op.Name)
				return Result{}, &CycleError{Path: path}
			}
		}
		next := append(append(make([]string, 0, len(chain)+1), chain...), op.Name)
		ctx = context.WithValue(ctx, chainKey{}, next)

		var last Result
		for i, step := range op.Steps {
			res, err := c.machine.ExecuteAction(ctx, step.Op, step.Args())
			if err != nil {
				return last, &StepError{Operation: op.Name, Index: i, Step: step.Op, Err: err}
			}
			last = res
		}
		return last, nil
	}
}
