package power

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/libvirt"
)

// fakeManager is a scripted StatusManager that logs every call into a shared journal.
type fakeManager struct {
	name    string
	journal *journal

	mu       sync.Mutex
	statuses []domain.MachineStatus // successive GetStatus answers, last one repeats
	getErr   error
	ensure   func(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error)
	ops      map[string]error // extra operations and the error they return
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func newFake(name string, j *journal, statuses ...domain.MachineStatus) *fakeManager {
	if len(statuses) == 0 {
		statuses = []domain.MachineStatus{domain.StatusUnknown}
	}
	return &fakeManager{name: name, journal: j, statuses: statuses, ops: map[string]error{}}
}

func (f *fakeManager) Name() string { return f.name }

func (f *fakeManager) Operations() OperationTable {
	t := OperationTable{}
	for name, err := range f.ops {
		err := err
		name := name
		t.add(name, func(ctx context.Context, args []string) (Result, error) {
			f.journal.add(f.name + ":" + name)
			return Result{}, err
		})
	}
	statusOps(t, f, true)
	return t
}

func (f *fakeManager) GetStatus(context.Context) (domain.MachineStatus, error) {
	f.journal.add(f.name + ":get")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.StatusUnknown, f.getErr
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st, nil
}

func (f *fakeManager) EnsureStatus(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error) {
	f.journal.add(f.name + ":ensure")
	if f.ensure != nil {
		return f.ensure(ctx, target)
	}
	return f.GetStatus(ctx)
}

type commit struct {
	id     int64
	status domain.MachineStatus
	at     time.Time
}

type memStore struct {
	mu      sync.Mutex
	commits []commit
}

func (s *memStore) CommitStatus(_ context.Context, id int64, st domain.MachineStatus, at time.Time) error {
	s.mu.Lock()
	s.commits = append(s.commits, commit{id, st, at})
	s.mu.Unlock()
	return nil
}

func (s *memStore) all() []commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commit(nil), s.commits...)
}

// fakeHypervisor is a libvirt.Connector with a single scripted domain.
type fakeHypervisor struct {
	mu     sync.Mutex
	state  libvirt.State
	after  map[string]libvirt.State // state to switch to after an action
	calls  []string
	opened int
	closed int
}

func newHypervisor(st libvirt.State) *fakeHypervisor {
	return &fakeHypervisor{state: st, after: map[string]libvirt.State{}}
}

func (h *fakeHypervisor) Connect(context.Context, libvirt.Host) (libvirt.Conn, error) {
	h.mu.Lock()
	h.opened++
	h.mu.Unlock()
	return &fakeDomainConn{h: h}, nil
}

func (h *fakeHypervisor) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	if st, ok := h.after[call]; ok {
		h.state = st
	}
}

func (h *fakeHypervisor) actions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.calls {
		if c != "state" {
			out = append(out, c)
		}
	}
	return out
}

type fakeDomainConn struct{ h *fakeHypervisor }

func (c *fakeDomainConn) DomainState(context.Context, uuid.UUID) (libvirt.State, error) {
	c.h.record("state")
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return c.h.state, nil
}

func (c *fakeDomainConn) Create(context.Context, uuid.UUID) error {
	c.h.record("create")
	return nil
}

func (c *fakeDomainConn) Shutdown(context.Context, uuid.UUID) error {
	c.h.record("shutdown")
	return nil
}

func (c *fakeDomainConn) Resume(context.Context, uuid.UUID) error {
	c.h.record("resume")
	return nil
}

func (c *fakeDomainConn) Suspend(context.Context, uuid.UUID) error {
	c.h.record("suspend")
	return nil
}

func (c *fakeDomainConn) Reboot(context.Context, uuid.UUID) error {
	c.h.record("reboot")
	return nil
}

func (c *fakeDomainConn) Close() error {
	c.h.mu.Lock()
	c.h.closed++
	c.h.mu.Unlock()
	return nil
}

// fakeHost is a hypervisor host machine with a fixed answer.
type fakeHost struct {
	status domain.MachineStatus
	err    error
}

func (h fakeHost) Name() string { return "hv" }

func (h fakeHost) GetStatus(context.Context) (domain.MachineStatus, error) { return h.status, nil }

func (h fakeHost) EnsureStatus(context.Context, domain.MachineStatus) (domain.MachineStatus, error) {
	return h.status, h.err
}
