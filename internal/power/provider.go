// Package power dispatches machine operations across control backends and
// drives machines toward a requested power state.
//
// A machine is controlled through an ordered list of providers: its custom
// operations, its out-of-band hardware feature (Wake-on-LAN or a libvirt
// guest), then its SSH platforms in priority order. Requests walk that list
// and the first provider able to answer wins.
package power

import (
	"context"
	"sort"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// Result is what an operation produced. HasStatus is false for operations
// that do not observe the machine (e.g. reboot).
type Result struct {
	Provider  string
	Status    domain.MachineStatus
	HasStatus bool
	Stdout    string
	Stderr    string
	ExitCode  int // Capture only
}

func statusResult(status domain.MachineStatus) Result {
	return Result{Status: status, HasStatus: true}
}

// Action runs one operation with its dispatch arguments.
type Action func(ctx context.Context, args []string) (Result, error)

// Operation is one advertised entry of a provider's menu.
type Operation struct {
	Name        string
	Description string
	Run         Action
}

// OperationTable maps operation names to operations.
type OperationTable map[string]Operation

// Lookup reports whether name is offered; absence means "not supported here".
func (t OperationTable) Lookup(name string) (Operation, bool) {
	op, ok := t[name]
	return op, ok
}

// Names returns the advertised names, sorted.
func (t OperationTable) Names() []string {
	out := make([]string, 0, len(t))
	for n := range t {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (t OperationTable) add(name string, run Action) {
	desc := ""
	if op, ok := domain.LookupBasicOp(name); ok {
		desc = op.Description
	}
	t[name] = Operation{Name: name, Description: desc, Run: run}
}

// OperationProvider advertises the operations it can perform.
type OperationProvider interface {
	Name() string
	Operations() OperationTable
}

// StatusManager observes and converges power state.
//
// GetStatus is a best-effort read: StatusUnknown means "no answer". EnsureStatus
// returns the status actually reached, which may differ from target on
// timeout; that is not an error.
type StatusManager interface {
	OperationProvider
	GetStatus(ctx context.Context) (domain.MachineStatus, error)
	EnsureStatus(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error)
}

// StatusReader is the read side of a machine, used by providers that cannot
// observe power state on their own.
type StatusReader interface {
	GetStatus(ctx context.Context) (domain.MachineStatus, error)
}

// StatusEnsurer is a machine that can be driven to a state, such as a hypervisor host.
type StatusEnsurer interface {
	StatusReader
	EnsureStatus(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error)
	Name() string
}

// statusOps are the get_status/ensure_status entries shared by status managers.
func statusOps(t OperationTable, m StatusManager, withGet bool) {
	if withGet {
		t.add(domain.OpGetStatus, func(ctx context.Context, _ []string) (Result, error) {
			st, err := m.GetStatus(ctx)
			if err != nil {
				return Result{}, err
			}
			return statusResult(st), nil
		})
	}
	t.add(domain.OpEnsureStatus, func(ctx context.Context, args []string) (Result, error) {
		target, err := targetArg(args)
		if err != nil {
			return Result{}, err
		}
		st, err := m.EnsureStatus(ctx, target)
		if err != nil {
			return Result{}, err
		}
		return statusResult(st), nil
	})
}

func targetArg(args []string) (domain.MachineStatus, error) {
	if len(args) != 1 {
		return domain.StatusUnknown, &ArgumentError{Op: domain.OpEnsureStatus, Want: 1, Got: len(args)}
	}
	st, err := domain.ParseStatus(args[0])
	if err != nil {
		return domain.StatusUnknown, &ArgumentError{Op: domain.OpEnsureStatus, Want: 1, Got: 1, Err: err}
	}
	return st, nil
}
