package power

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// StatusStore persists the last converged status of a machine.
type StatusStore interface {
	CommitStatus(ctx context.Context, machineID int64, status domain.MachineStatus, at time.Time) error
}

// ActionEvent describes one finished ExecuteAction call.
type ActionEvent struct {
	MachineID int64
	Machine   string
	Op        string
	Args      []string
	Result    Result
	Err       error
	Started   time.Time
	Duration  time.Duration
}

// EnsureEvent describes one finished EnsureStatus call.
type EnsureEvent struct {
	MachineID int64
	Machine   string
	Target    domain.MachineStatus
	Reached   domain.MachineStatus
	Provider  string
	Converged bool
	At        time.Time
	Duration  time.Duration
}

// Observer is notified of dispatch outcomes (metrics, events, history).
type Observer interface {
	ActionFinished(ActionEvent)
	ProviderFailed(machine string, err *ProviderError)
	StatusEnsured(EnsureEvent)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) ActionFinished(e ActionEvent) {
	for _, x := range o {
		x.ActionFinished(e)
	}
}

func (o Observers) ProviderFailed(machine string, err *ProviderError) {
	for _, x := range o {
		x.ProviderFailed(machine, err)
	}
}

func (o Observers) StatusEnsured(e EnsureEvent) {
	for _, x := range o {
		x.StatusEnsured(e)
	}
}

// Option configures a Machine.
type Option func(*Machine)

func WithStatusStore(s StatusStore) Option { return func(m *Machine) { m.store = s } }

// WithLocks shares per-machine locks between Machine values of the same fleet.
func WithLocks(l *Locks) Option { return func(m *Machine) { m.locks = l } }

func WithClock(c Clock) Option { return func(m *Machine) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Machine) { m.log = l } }

func WithObserver(o Observer) Option { return func(m *Machine) { m.obs = o } }

// Machine aggregates the providers of one logical machine.
type Machine struct {
	mu  sync.RWMutex
	rec domain.Machine

	custom    *CustomOperations
	hardware  StatusManager
	platforms []StatusManager

	store StatusStore
	locks *Locks
	clock Clock
	log   *zap.Logger
	obs   Observer
}

func NewMachine(rec domain.Machine, opts ...Option) *Machine {
	m := &Machine{rec: rec, clock: SystemClock{}, log: zap.NewNop(), obs: Observers(nil)}
	for _, o := range opts {
		o(m)
	}
	if m.locks == nil {
		m.locks = &Locks{}
	}
	m.log = m.log.With(zap.String("machine", rec.Name))
	return m
}

func (m *Machine) ID() int64 { return m.rec.ID }

func (m *Machine) Name() string { return m.rec.Name }

// Record returns the machine row including the cached status.
func (m *Machine) Record() domain.Machine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec
}

// SetHardware installs the hardware feature provider; nil removes it.
func (m *Machine) SetHardware(h StatusManager) {
	m.mu.Lock()
	m.hardware = h
	m.mu.Unlock()
}

// AddPlatform appends p at the lowest priority.
func (m *Machine) AddPlatform(p StatusManager) {
	m.mu.Lock()
	m.platforms = append(m.platforms, p)
	m.mu.Unlock()
}

// MovePlatform moves the platform at from to position to, shifting the
// others and keeping their relative order.
func (m *Machine) MovePlatform(from, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.platforms)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fmt.Errorf("move platform %d -> %d: index out of range [0,%d)", from, to, n)
	}
	p := m.platforms[from]
	m.platforms = append(m.platforms[:from], m.platforms[from+1:]...)
	m.platforms = append(m.platforms[:to], append([]StatusManager{p}, m.platforms[to:]...)...)
	return nil
}

// SetCustomOperations replaces the machine's custom operations.
func (m *Machine) SetCustomOperations(ops []domain.CustomOperation) {
	m.mu.Lock()
	m.custom = NewCustomOperations(m, ops)
	m.mu.Unlock()
}

// OperationProviders returns custom operations, hardware, then platforms by
// priority, skipping absent slots.
func (m *Machine) OperationProviders() []OperationProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OperationProvider, 0, len(m.platforms)+2)
	if m.custom != nil {
		out = append(out, m.custom)
	}
	if m.hardware != nil {
		out = append(out, m.hardware)
	}
	for _, p := range m.platforms {
		out = append(out, p)
	}
	return out
}

// StatusManagers is OperationProviders without custom operations.
func (m *Machine) StatusManagers() []StatusManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatusManager, 0, len(m.platforms)+1)
	if m.hardware != nil {
		out = append(out, m.hardware)
	}
	return append(out, m.platforms...)
}

// Operations lists every operation name the machine can dispatch, by provider.
func (m *Machine) Operations() map[string][]string {
	out := map[string][]string{}
	for _, p := range m.OperationProviders() {
		out[p.Name()] = p.Operations().Names()
	}
	return out
}

func checkArity(name string, args []string) error {
	op, ok := domain.LookupBasicOp(name)
	if !ok {
		return nil
	}
	want := 0
	if op.WithArgument {
		want = 1
	}
	if len(args) != want {
		return &ArgumentError{Op: name, Want: want, Got: len(args)}
	}
	return nil
}

// ExecuteAction runs name on the first provider that offers it and succeeds.
// Providers without the operation are skipped. Failures are collected and
// returned as an AllProvidersFailedError when no provider succeeds; a fatal
// failure is returned at once. No provider offering name gives an
// OperationNotFoundError.
func (m *Machine) ExecuteAction(ctx context.Context, name string, args []string) (Result, error) {
	started := m.clock.Now()
	res, err := m.executeAction(ctx, name, args)
	m.obs.ActionFinished(ActionEvent{
		MachineID: m.rec.ID, Machine: m.rec.Name, Op: name, Args: args,
		Result: res, Err: err, Started: started, Duration: m.clock.Now().Sub(started),
	})
	return res, err
}

func (m *Machine) executeAction(ctx context.Context, name string, args []string) (Result, error) {
	if err := checkArity(name, args); err != nil {
		return Result{}, err
	}
	var errs []error
	for _, p := range m.OperationProviders() {
		op, ok := p.Operations().Lookup(name)
		if !ok {
			m.log.Debug("provider skipped", zap.String("provider", p.Name()), zap.String("op", name))
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := op.Run(ctx, args)
		if err == nil {
			res.Provider = p.Name()
			return res, nil
		}
		pe := &ProviderError{Provider: p.Name(), Op: name, Kind: kindOf(err), Err: err}
		m.log.Warn("provider failed", zap.String("provider", p.Name()), zap.String("op", name),
			zap.Stringer("kind", pe.Kind), zap.Error(err))
		m.obs.ProviderFailed(m.rec.Name, pe)
		if pe.Kind == KindFatal {
			return Result{}, pe
		}
		errs = append(errs, pe)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) > 0 {
		return Result{}, &AllProvidersFailedError{Machine: m.rec.Name, Op: name, Errors: errs}
	}
	return Result{}, &OperationNotFoundError{Machine: m.rec.Name, Op: name}
}

// Shell is a platform that can run a command and wait for its output.
type Shell interface {
	Name() string
	RemoteExecute(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
}

// Capture runs command on the first platform, by priority, that answers and
// returns its output. A non-zero exit status is not an error. Unlike
// execute_command it waits for the command to finish.
func (m *Machine) Capture(ctx context.Context, command string) (Result, error) {
	var errs []error
	for _, sm := range m.StatusManagers() {
		sh, ok := sm.(Shell)
		if !ok {
			continue
		}
		stdout, stderr, code, err := sh.RemoteExecute(ctx, command)
		if err == nil {
			return Result{Provider: sh.Name(), Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return Result{}, cerr
		}
		pe := &ProviderError{Provider: sh.Name(), Op: domain.OpExecuteCommand, Kind: kindOf(err), Err: err}
		m.log.Warn("capture failed", zap.String("provider", sh.Name()), zap.Error(err))
		m.obs.ProviderFailed(m.rec.Name, pe)
		errs = append(errs, pe)
	}
	if len(errs) > 0 {
		return Result{}, &AllProvidersFailedError{Machine: m.rec.Name, Op: domain.OpExecuteCommand, Errors: errs}
	}
	return Result{}, &OperationNotFoundError{Machine: m.rec.Name, Op: domain.OpExecuteCommand}
}

type readingKey struct{}

// GetStatus returns the first answer other than StatusUnknown. Provider
// errors count as StatusUnknown; only context errors are returned. The
// cached status is not touched.
func (m *Machine) GetStatus(ctx context.Context) (domain.MachineStatus, error) {
	// a read that loops back to this machine (guest hosted on itself) cannot know
	reading, _ := ctx.Value(readingKey{}).(map[int64]bool)
	if reading[m.rec.ID] {
		return domain.StatusUnknown, nil
	}
	next := map[int64]bool{m.rec.ID: true}
	for id := range reading {
		next[id] = true
	}
	ctx = context.WithValue(ctx, readingKey{}, next)

	for _, sm := range m.StatusManagers() {
		st, err := sm.GetStatus(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return domain.StatusUnknown, cerr
			}
			pe := &ProviderError{Provider: sm.Name(), Op: domain.OpGetStatus, Kind: kindOf(err), Err: err}
			m.log.Warn("status read failed", zap.String("provider", sm.Name()), zap.Error(err))
			m.obs.ProviderFailed(m.rec.Name, pe)
			continue
		}
		if st != domain.StatusUnknown {
			return st, nil
		}
	}
	return domain.StatusUnknown, nil
}

// EnsureStatus asks each status manager in turn to reach target. The first
// one that does is recorded as the machine's last status. When none does,
// the current status is returned and the cache is left alone. Calls for the
// same machine are serialized.
func (m *Machine) EnsureStatus(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error) {
	ctx, release, err := m.locks.Acquire(ctx, m.rec.ID)
	if err != nil {
		return domain.StatusUnknown, err
	}
	defer release()

	started := m.clock.Now()
	ev := EnsureEvent{MachineID: m.rec.ID, Machine: m.rec.Name, Target: target}
	finish := func(st domain.MachineStatus) {
		ev.Reached = st
		ev.At = m.clock.Now()
		ev.Duration = ev.At.Sub(started)
		m.obs.StatusEnsured(ev)
	}

	for _, sm := range m.StatusManagers() {
		st, err := sm.EnsureStatus(ctx, target)
		if err != nil {
			pe := &ProviderError{Provider: sm.Name(), Op: domain.OpEnsureStatus, Kind: kindOf(err), Err: err}
			m.obs.ProviderFailed(m.rec.Name, pe)
			return st, pe
		}
		if st != target {
			m.log.Debug("provider did not converge", zap.String("provider", sm.Name()),
				zap.Stringer("target", target), zap.Stringer("reached", st))
			continue
		}
		at := m.clock.Now()
		if m.store != nil {
			if err := m.store.CommitStatus(ctx, m.rec.ID, st, at); err != nil {
				return st, fmt.Errorf("commit status of %s: %w", m.rec.Name, err)
			}
		}
		m.mu.Lock()
		m.rec.LastStatus, m.rec.LastStatusTime = st, at
		m.mu.Unlock()
		m.log.Info("status ensured", zap.String("provider", sm.Name()), zap.Stringer("status", st))
		ev.Provider, ev.Converged = sm.Name(), true
		finish(st)
		return st, nil
	}

	st, err := m.GetStatus(ctx)
	if err != nil {
		return st, err
	}
	m.log.Info("status not reached", zap.Stringer("target", target), zap.Stringer("status", st))
	finish(st)
	return st, nil
}

// IsNotFound reports whether err means no provider offers the operation.
func IsNotFound(err error) bool {
	var nf *OperationNotFoundError
	return errors.As(err, &nf)
}
