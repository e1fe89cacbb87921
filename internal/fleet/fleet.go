// Package fleet assembles power.Machine values from stored rows.
package fleet

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/libvirt"
	"github.com/QingMing-Bot/pc-manager/internal/power"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
	"github.com/QingMing-Bot/pc-manager/internal/ssh"
	"github.com/QingMing-Bot/pc-manager/internal/wakeonlan"
)

// Deps are the stores and transports machines are built from.
type Deps struct {
	Machines    repository.MachineStore
	Credentials repository.CredentialStore
	Operations  repository.OperationStore
	Dialer      ssh.Dialer
	Connector   libvirt.Connector
	WakeOnLan   wakeonlan.Sender
	Observer    power.Observer
	Clock       power.Clock
	Logger      *zap.Logger

	// zero values keep the built-in budgets
	WakeOnLanPolling power.Polling
	LibvirtPolling   power.Polling
}

// Fleet builds machines on demand. Machines built by the same Fleet share
// per-machine locks.
type Fleet struct {
	d     Deps
	locks *power.Locks
	log   *zap.Logger
}

func New(d Deps) *Fleet {
	if d.Clock == nil {
		d.Clock = power.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Observer == nil {
		d.Observer = power.Observers(nil)
	}
	if d.WakeOnLanPolling == (power.Polling{}) {
		d.WakeOnLanPolling = power.WakeOnLanPolling
	}
	if d.LibvirtPolling == (power.Polling{}) {
		d.LibvirtPolling = power.LibvirtPolling
	}
	return &Fleet{d: d, locks: &power.Locks{}, log: d.Logger}
}

// Locks exposes the shared per-machine locks.
func (f *Fleet) Locks() *power.Locks { return f.locks }

type built struct {
	m         *power.Machine
	platforms map[int64]*power.SSHPlatform
}

// session caches machines built for one request, so a hypervisor host shared
// by several guests (or guests hosting each other) is built once.
type session map[int64]*built

// Machine builds the machine with id.
func (f *Fleet) Machine(ctx context.Context, id int64) (*power.Machine, error) {
	rec, err := f.d.Machines.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := f.build(ctx, rec, session{})
	if err != nil {
		return nil, err
	}
	return b.m, nil
}

// MachineByName builds the machine called name.
func (f *Fleet) MachineByName(ctx context.Context, name string) (*power.Machine, error) {
	rec, err := f.d.Machines.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	b, err := f.build(ctx, rec, session{})
	if err != nil {
		return nil, err
	}
	return b.m, nil
}

// Machines builds the given machines, sharing hosts between them.
func (f *Fleet) Machines(ctx context.Context, ids []int64) ([]*power.Machine, error) {
	recs, err := f.d.Machines.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	s := session{}
	out := make([]*power.Machine, 0, len(recs))
	for _, rec := range recs {
		b, err := f.build(ctx, rec, s)
		if err != nil {
			return nil, err
		}
		out = append(out, b.m)
	}
	return out, nil
}

func (f *Fleet) build(ctx context.Context, rec domain.Machine, s session) (*built, error) {
	if b, ok := s[rec.ID]; ok {
		return b, nil
	}
	log := f.log.With(zap.String("machine", rec.Name))
	m := power.NewMachine(rec,
		power.WithStatusStore(f.d.Machines),
		power.WithLocks(f.locks),
		power.WithClock(f.d.Clock),
		power.WithLogger(f.log),
		power.WithObserver(f.d.Observer),
	)
	b := &built{m: m, platforms: map[int64]*power.SSHPlatform{}}

	platforms, err := f.d.Machines.Platforms(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("platforms of %s: %w", rec.Name, err)
	}
	for _, p := range platforms {
		flavor, ok := power.FlavorOf(p.Kind)
		if !ok {
			log.Warn("unknown platform kind skipped", zap.String("kind", string(p.Kind)), zap.Int64("platform", p.ID))
			continue
		}
		sp := power.NewSSHPlatform(flavor, p.Hostname, f.credentialSource(p), f.d.Dialer, log)
		m.AddPlatform(sp)
		b.platforms[p.ID] = sp
	}
	// registered before hardware so mutually hosted guests terminate
	s[rec.ID] = b

	hw, err := f.d.Machines.Hardware(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("hardware of %s: %w", rec.Name, err)
	}
	if hw != nil {
		sm, err := f.hardware(ctx, m, *hw, s, log)
		if err != nil {
			return nil, err
		}
		m.SetHardware(sm)
	}

	ops, err := f.d.Operations.ForMachine(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("custom operations of %s: %w", rec.Name, err)
	}
	m.SetCustomOperations(ops)
	return b, nil
}

func (f *Fleet) credentialSource(p domain.SoftwarePlatform) power.CredentialSource {
	if p.CredentialID == nil {
		return nil
	}
	id := *p.CredentialID
	return func(ctx context.Context) (domain.Credential, error) {
		return f.d.Credentials.Get(ctx, id)
	}
}

func (f *Fleet) hardware(ctx context.Context, m *power.Machine, hw domain.HardwareFeatures, s session, log *zap.Logger) (power.StatusManager, error) {
	switch hw.Kind {
	case domain.HardwareWakeOnLan:
		mac, err := hw.HardwareAddr()
		if err != nil {
			return nil, fmt.Errorf("machine %s: bad MAC %q: %w", m.Name(), hw.MACAddress, err)
		}
		return power.NewWakeOnLan(mac, f.d.WakeOnLan, m, f.d.Clock, log).WithPolling(f.d.WakeOnLanPolling), nil
	case domain.HardwareLibvirtGuest:
		host, err := f.libvirtHost(ctx, hw, s)
		if err != nil {
			return nil, fmt.Errorf("machine %s: %w", m.Name(), err)
		}
		return power.NewLibvirtGuest(hw.VMUUID, host, f.d.Connector, f.d.Clock, log).WithPolling(f.d.LibvirtPolling), nil
	}
	return nil, fmt.Errorf("machine %s: unknown hardware kind %q", m.Name(), hw.Kind)
}

// libvirtHost returns nil when the host platform was deleted.
func (f *Fleet) libvirtHost(ctx context.Context, hw domain.HardwareFeatures, s session) (*power.LibvirtHost, error) {
	if hw.HostPlatformID == nil {
		return nil, nil
	}
	p, err := f.d.Machines.Platform(ctx, *hw.HostPlatformID)
	if err != nil {
		return nil, fmt.Errorf("libvirt host platform: %w", err)
	}
	rec, err := f.d.Machines.Get(ctx, p.MachineID)
	if err != nil {
		return nil, fmt.Errorf("libvirt host machine: %w", err)
	}
	hb, err := f.build(ctx, rec, s)
	if err != nil {
		return nil, err
	}
	sp, ok := hb.platforms[p.ID]
	if !ok {
		return nil, fmt.Errorf("libvirt host platform %d has unsupported kind %q", p.ID, p.Kind)
	}
	return &power.LibvirtHost{Machine: hb.m, Platform: sp}, nil
}
