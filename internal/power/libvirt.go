package power

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/libvirt"
)

// ErrNoHost is returned by a libvirt guest whose host platform was deleted.
var ErrNoHost = errors.New("libvirt guest has no host platform")

// LibvirtHost is the hypervisor side of a guest: the machine to wake and the
// platform to connect through.
type LibvirtHost struct {
	Machine  StatusEnsurer
	Platform *SSHPlatform
}

// LibvirtGuest controls a domain on a hypervisor host.
type LibvirtGuest struct {
	vm        uuid.UUID
	host      *LibvirtHost
	connector libvirt.Connector
	clock     Clock
	poll      Polling
	log       *zap.Logger
}

// NewLibvirtGuest builds the provider. host may be nil when the host platform
// no longer exists; every operation then fails with ErrNoHost.
func NewLibvirtGuest(vm uuid.UUID, host *LibvirtHost, connector libvirt.Connector, clk Clock, log *zap.Logger) *LibvirtGuest {
	if clk == nil {
		clk = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LibvirtGuest{vm: vm, host: host, connector: connector, clock: clk, poll: LibvirtPolling, log: log}
}

func (g *LibvirtGuest) WithPolling(p Polling) *LibvirtGuest {
	g.poll = p
	return g
}

func (g *LibvirtGuest) Name() string { return string(domain.HardwareLibvirtGuest) }

func (g *LibvirtGuest) Operations() OperationTable {
	t := OperationTable{}
	t.add(domain.OpStart, g.domainAction(libvirt.Conn.Create))
	t.add(domain.OpShutdown, g.domainAction(libvirt.Conn.Shutdown))
	t.add(domain.OpSuspend, g.domainAction(libvirt.Conn.Suspend))
	t.add(domain.OpResume, g.domainAction(libvirt.Conn.Resume))
	t.add(domain.OpReboot, g.domainAction(libvirt.Conn.Reboot))
	statusOps(t, g, true)
	return t
}

type domainFunc func(libvirt.Conn, context.Context, uuid.UUID) error

func (g *LibvirtGuest) domainAction(fn domainFunc) Action {
	return func(ctx context.Context, _ []string) (Result, error) {
		return Result{}, g.withConn(ctx, func(c libvirt.Conn) error {
			return fn(c, ctx, g.vm)
		})
	}
}

// connect wakes the host machine first; a host that does not come up is fatal.
func (g *LibvirtGuest) connect(ctx context.Context) (libvirt.Conn, error) {
	if g.host == nil {
		return nil, ErrNoHost
	}
	st, err := g.host.Machine.EnsureStatus(ctx, domain.StatusPowerOn)
	if err != nil {
		return nil, &HostUnavailableError{Host: g.host.Machine.Name(), Err: err}
	}
	if st != domain.StatusPowerOn {
		return nil, &HostUnavailableError{Host: g.host.Machine.Name(), Status: st.Key()}
	}
	return g.dial(ctx)
}

// dial opens the hypervisor connection without touching the host machine.
func (g *LibvirtGuest) dial(ctx context.Context) (libvirt.Conn, error) {
	auth, err := g.host.Platform.Auth(ctx)
	if err != nil {
		return nil, err
	}
	return g.connector.Connect(ctx, libvirt.Host{Hostname: g.host.Platform.Hostname(), Auth: auth})
}

func (g *LibvirtGuest) withConn(ctx context.Context, fn func(libvirt.Conn) error) error {
	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// GetStatus answers StatusUnknown while the host is not powered on. It only
// reads the host's status and never drives it.
func (g *LibvirtGuest) GetStatus(ctx context.Context) (domain.MachineStatus, error) {
	if g.host == nil {
		return domain.StatusUnknown, ErrNoHost
	}
	hs, err := g.host.Machine.GetStatus(ctx)
	if err != nil {
		return domain.StatusUnknown, err
	}
	if hs != domain.StatusPowerOn {
		return domain.StatusUnknown, nil
	}
	c, err := g.dial(ctx)
	if err != nil {
		return domain.StatusUnknown, err
	}
	defer c.Close()
	st, err := c.DomainState(ctx, g.vm)
	if err != nil {
		return domain.StatusUnknown, err
	}
	return guestStatus(st), nil
}

func guestStatus(s libvirt.State) domain.MachineStatus {
	switch s {
	case libvirt.StateRunning, libvirt.StateShutdown:
		return domain.StatusPowerOn
	case libvirt.StateShutoff, libvirt.StateCrashed:
		return domain.StatusPowerOff
	case libvirt.StatePMSuspended, libvirt.StatePaused:
		return domain.StatusSuspended
	}
	return domain.StatusUnknown
}

// transition picks the hypervisor action driving current toward target, or nil.
func transition(target, current domain.MachineStatus) domainFunc {
	switch {
	case target == domain.StatusPowerOn && current == domain.StatusPowerOff:
		return libvirt.Conn.Create
	case target == domain.StatusPowerOn && current == domain.StatusSuspended:
		return libvirt.Conn.Resume
	case target == domain.StatusPowerOff:
		return libvirt.Conn.Shutdown
	case target == domain.StatusSuspended:
		return libvirt.Conn.Suspend
	}
	return nil
}

func (g *LibvirtGuest) EnsureStatus(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error) {
	current, err := g.GetStatus(ctx)
	if err != nil {
		return current, err
	}
	if current == target {
		return current, nil
	}
	fn := transition(target, current)
	if fn != nil {
		if err := g.withConn(ctx, func(c libvirt.Conn) error { return fn(c, ctx, g.vm) }); err != nil {
			return current, fmt.Errorf("drive %s from %s to %s: %w", g.vm, current.Key(), target.Key(), err)
		}
		g.log.Debug("libvirt transition issued", zap.Stringer("vm", g.vm),
			zap.Stringer("from", current), zap.Stringer("to", target))
	}
	return pollUntil(ctx, g.clock, g.poll, target, current, g.GetStatus)
}
