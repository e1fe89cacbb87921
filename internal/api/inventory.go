package api

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/draft"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
	"github.com/QingMing-Bot/pc-manager/pkg/importexport"
)

// ImportSummary counts what an import wrote.
type ImportSummary struct {
	Credentials int
	Operations  int
	Machines    int
}

// Import writes an inventory: credentials and custom operations are upserted
// by name, machines are created or replaced by name. Libvirt guests are wired
// to their hosts after every machine exists. Each entity is committed on its
// own, so a failure leaves earlier entities in place.
func (b *Backend) Import(ctx context.Context, inv importexport.Inventory) (ImportSummary, error) {
	var sum ImportSummary
	if err := importexport.ValidateInventory(inv); err != nil {
		return sum, err
	}
	for i := range inv.Credentials {
		c := inv.Credentials[i]
		c.ID = 0
		// 脱敏导出的凭据不覆盖已有的密钥
		if redacted(c) {
			if _, err := b.creds.GetByName(ctx, c.Name); err == nil {
				continue
			}
		}
		if err := b.creds.Save(ctx, &c); err != nil {
			return sum, fmt.Errorf("credential %s: %w", c.Name, err)
		}
		sum.Credentials++
	}

	n, err := b.importOperations(ctx, inv.Operations)
	sum.Operations = n
	if err != nil {
		return sum, err
	}

	for _, e := range inv.Machines {
		if err := b.importMachine(ctx, e); err != nil {
			return sum, fmt.Errorf("machine %s: %w", e.Name, err)
		}
		sum.Machines++
	}
	for _, e := range inv.Machines {
		if err := b.importGuest(ctx, e); err != nil {
			return sum, fmt.Errorf("machine %s: %w", e.Name, err)
		}
	}
	for _, e := range inv.Machines {
		if len(e.Operations) == 0 {
			continue
		}
		m, err := b.machines.GetByName(ctx, e.Name)
		if err != nil {
			return sum, err
		}
		for _, op := range e.Operations {
			if err := b.AttachOperation(ctx, m.ID, op); err != nil {
				return sum, fmt.Errorf("machine %s: attach %s: %w", e.Name, op, err)
			}
		}
	}
	b.log.Info("inventory imported", zap.Int("credentials", sum.Credentials),
		zap.Int("operations", sum.Operations), zap.Int("machines", sum.Machines))
	return sum, nil
}

// importOperations commits operations whose custom steps already exist,
// repeating until every operation is stored or no progress is made.
func (b *Backend) importOperations(ctx context.Context, ops []domain.CustomOperation) (int, error) {
	stored, err := b.ops.List(ctx)
	if err != nil {
		return 0, err
	}
	have := map[string]bool{}
	for _, op := range stored {
		have[op.Name] = true
	}
	count := 0
	pending := ops
	for len(pending) > 0 {
		var next []domain.CustomOperation
		for _, op := range pending {
			if !ready(op, have) {
				next = append(next, op)
				continue
			}
			d := draft.NewOperationDraft(op.Name, op.Description)
			d.Steps = op.Steps
			if _, err := d.Commit(ctx, b.ops); err != nil {
				return count, fmt.Errorf("custom operation %s: %w", op.Name, err)
			}
			have[op.Name] = true
			count++
		}
		if len(next) == len(pending) {
			var names []string
			for _, op := range next {
				names = append(names, op.Name)
			}
			return count, fmt.Errorf("custom operations %v refer to unknown operations", names)
		}
		pending = next
	}
	return count, nil
}

func redacted(c domain.Credential) bool {
	return (c.Kind.RequiresSecret() && c.Secret == "") || (c.Kind.RequiresKey() && c.Key == "")
}

func ready(op domain.CustomOperation, have map[string]bool) bool {
	for _, s := range op.Steps {
		if _, basic := domain.LookupBasicOp(s.Op); basic || s.Op == op.Name {
			continue
		}
		if !have[s.Op] {
			return false
		}
	}
	return true
}

func (b *Backend) importMachine(ctx context.Context, e importexport.MachineEntry) error {
	var d *draft.MachineDraft
	existing, err := b.machines.GetByName(ctx, e.Name)
	switch {
	case err == nil:
		if d, err = draft.LoadMachineDraft(ctx, b.machines, existing.ID); err != nil {
			return err
		}
		d.SetPlace(e.Place)
	case isNotFound(err):
		d = draft.NewMachineDraft(e.Name, e.Place)
	default:
		return err
	}

	// 按 (类型, 主机名) 复用已有平台, 保持宿主机引用
	old := map[string]int64{}
	for _, p := range d.Platforms {
		old[string(p.Kind)+"/"+p.Hostname] = p.ID
	}
	platforms := make([]domain.SoftwarePlatform, 0, len(e.Platforms))
	for _, pe := range e.Platforms {
		p := domain.SoftwarePlatform{ID: old[string(pe.Type)+"/"+pe.Hostname], Kind: pe.Type, Hostname: pe.Hostname}
		if pe.Credential != "" {
			c, err := b.creds.GetByName(ctx, pe.Credential)
			if err != nil {
				return fmt.Errorf("platform %s: credential %s: %w", pe.Hostname, pe.Credential, err)
			}
			p.CredentialID = &c.ID
		}
		platforms = append(platforms, p)
	}
	d.Platforms = platforms

	switch h := e.Hardware; {
	case h == nil:
		d.ClearHardware()
	case h.Type == domain.HardwareWakeOnLan:
		d.SetHardware(domain.HardwareFeatures{Kind: h.Type, MACAddress: h.MACAddress})
	case h.Type == domain.HardwareLibvirtGuest:
		// set in the second pass once the host exists
		if d.Hardware != nil && d.Hardware.Kind != domain.HardwareLibvirtGuest {
			d.ClearHardware()
		}
	default:
		d.SetHardware(domain.HardwareFeatures{Kind: h.Type})
	}
	_, err = d.Commit(ctx, b.machines)
	return err
}

func (b *Backend) importGuest(ctx context.Context, e importexport.MachineEntry) error {
	h := e.Hardware
	if h == nil || h.Type != domain.HardwareLibvirtGuest {
		return nil
	}
	hostID, err := b.platformID(ctx, *h.Host)
	if err != nil {
		return err
	}
	vm, err := uuid.Parse(h.VMUUID)
	if err != nil {
		return err
	}
	m, err := b.machines.GetByName(ctx, e.Name)
	if err != nil {
		return err
	}
	d, err := draft.LoadMachineDraft(ctx, b.machines, m.ID)
	if err != nil {
		return err
	}
	d.SetHardware(domain.HardwareFeatures{Kind: domain.HardwareLibvirtGuest, HostPlatformID: &hostID, VMUUID: vm})
	_, err = d.Commit(ctx, b.machines)
	return err
}

func (b *Backend) platformID(ctx context.Context, ref importexport.HostRef) (int64, error) {
	host, err := b.machines.GetByName(ctx, ref.Machine)
	if err != nil {
		return 0, fmt.Errorf("host machine %s: %w", ref.Machine, err)
	}
	ps, err := b.machines.Platforms(ctx, host.ID)
	if err != nil {
		return 0, err
	}
	for _, p := range ps {
		if p.Hostname == ref.Hostname {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("host machine %s has no platform %s", ref.Machine, ref.Hostname)
}

// Export builds an inventory of everything stored. Secrets are left out when
// redact is set.
func (b *Backend) Export(ctx context.Context, redact bool) (importexport.Inventory, error) {
	var inv importexport.Inventory
	creds, err := b.creds.List(ctx)
	if err != nil {
		return inv, err
	}
	credNames := map[int64]string{}
	for _, c := range creds {
		credNames[c.ID] = c.Name
		c.ID = 0
		inv.Credentials = append(inv.Credentials, c)
	}
	ops, err := b.ops.List(ctx)
	if err != nil {
		return inv, err
	}
	for _, op := range ops {
		op.ID = 0
		inv.Operations = append(inv.Operations, op)
	}

	machines, err := b.machines.List(ctx)
	if err != nil {
		return inv, err
	}
	sort.Slice(machines, func(i, j int) bool { return machines[i].Name < machines[j].Name })
	for _, m := range machines {
		e, err := b.exportMachine(ctx, m, credNames)
		if err != nil {
			return inv, fmt.Errorf("machine %s: %w", m.Name, err)
		}
		inv.Machines = append(inv.Machines, e)
	}
	if redact {
		inv = importexport.Redact(inv)
	}
	return inv, nil
}

func (b *Backend) exportMachine(ctx context.Context, m domain.Machine, credNames map[int64]string) (importexport.MachineEntry, error) {
	e := importexport.MachineEntry{Name: m.Name, Place: m.Place}
	ps, err := b.machines.Platforms(ctx, m.ID)
	if err != nil {
		return e, err
	}
	for _, p := range ps {
		pe := importexport.PlatformEntry{Type: p.Kind, Hostname: p.Hostname}
		if p.CredentialID != nil {
			pe.Credential = credNames[*p.CredentialID]
		}
		e.Platforms = append(e.Platforms, pe)
	}
	hw, err := b.machines.Hardware(ctx, m.ID)
	if err != nil {
		return e, err
	}
	if hw != nil {
		he := &importexport.HardwareEntry{Type: hw.Kind, MACAddress: hw.MACAddress}
		if hw.Kind == domain.HardwareLibvirtGuest {
			he.VMUUID = hw.VMUUID.String()
			if hw.HostPlatformID != nil {
				ref, err := b.hostRef(ctx, *hw.HostPlatformID)
				if err != nil {
					return e, err
				}
				he.Host = &ref
			}
		}
		e.Hardware = he
	}
	ops, err := b.ops.ForMachine(ctx, m.ID)
	if err != nil {
		return e, err
	}
	for _, op := range ops {
		e.Operations = append(e.Operations, op.Name)
	}
	return e, nil
}

func (b *Backend) hostRef(ctx context.Context, platformID int64) (importexport.HostRef, error) {
	p, err := b.machines.Platform(ctx, platformID)
	if err != nil {
		return importexport.HostRef{}, err
	}
	host, err := b.machines.Get(ctx, p.MachineID)
	if err != nil {
		return importexport.HostRef{}, err
	}
	return importexport.HostRef{Machine: host.Name, Hostname: p.Hostname}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
