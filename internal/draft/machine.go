// Package draft holds in-progress edits of machines and custom operations
// and validates them before they are written.
package draft

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
)

const (
	MaxNameLen        = 127
	MaxPlaceLen       = 127
	MaxDescriptionLen = 255
	MaxArgumentLen    = 127
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)

// FieldError is one rejected field.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Msg }

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func checkLen(field, v string, min, max int) error {
	n := utf8.RuneCountInString(v)
	if n < min || n > max {
		if min > 0 {
			return fieldErr(field, "length must be between %d and %d", min, max)
		}
		return fieldErr(field, "at most %d characters", max)
	}
	return nil
}

// MachineDraft is a machine being created or edited, with its hardware
// features and ordered platforms. Nothing is stored until Commit.
type MachineDraft struct {
	rec       domain.Machine
	Hardware  *domain.HardwareFeatures
	Platforms []domain.SoftwarePlatform
}

func NewMachineDraft(name, place string) *MachineDraft {
	return &MachineDraft{rec: domain.Machine{Name: name, Place: place}}
}

// LoadMachineDraft starts editing an existing machine.
func LoadMachineDraft(ctx context.Context, store repository.MachineStore, id int64) (*MachineDraft, error) {
	rec, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hw, err := store.Hardware(ctx, id)
	if err != nil {
		return nil, err
	}
	ps, err := store.Platforms(ctx, id)
	if err != nil {
		return nil, err
	}
	return &MachineDraft{rec: rec, Hardware: hw, Platforms: ps}, nil
}

func (d *MachineDraft) ID() int64     { return d.rec.ID }
func (d *MachineDraft) Name() string  { return d.rec.Name }
func (d *MachineDraft) Place() string { return d.rec.Place }

func (d *MachineDraft) Rename(name string) { d.rec.Name = name }
func (d *MachineDraft) SetPlace(p string)  { d.rec.Place = p }

// SetHardware replaces the hardware features, keeping the stored row id on edit.
func (d *MachineDraft) SetHardware(h domain.HardwareFeatures) {
	if d.Hardware != nil && h.ID == 0 {
		h.ID = d.Hardware.ID
	}
	d.Hardware = &h
}

func (d *MachineDraft) ClearHardware() { d.Hardware = nil }

// AddPlatform appends p with the lowest priority.
func (d *MachineDraft) AddPlatform(p domain.SoftwarePlatform) {
	d.Platforms = append(d.Platforms, p)
}

func (d *MachineDraft) RemovePlatform(i int) error {
	if i < 0 || i >= len(d.Platforms) {
		return fmt.Errorf("remove platform %d: index out of range [0,%d)", i, len(d.Platforms))
	}
	d.Platforms = append(d.Platforms[:i:i], d.Platforms[i+1:]...)
	return nil
}

func (d *MachineDraft) MovePlatform(from, to int) error {
	ps, err := repository.Move(d.Platforms, from, to)
	if err != nil {
		return err
	}
	d.Platforms = ps
	return nil
}

// Clear drops hardware and platforms; name and place stay.
func (d *MachineDraft) Clear() {
	d.Hardware = nil
	d.Platforms = nil
}

// Validate returns every problem found, combined.
func (d *MachineDraft) Validate() error {
	var errs error
	errs = multierr.Append(errs, checkLen("name", strings.TrimSpace(d.rec.Name), 1, MaxNameLen))
	errs = multierr.Append(errs, checkLen("place", d.rec.Place, 0, MaxPlaceLen))
	if h := d.Hardware; h != nil {
		errs = multierr.Append(errs, validateHardware(*h))
	}
	for i, p := range d.Platforms {
		field := fmt.Sprintf("platforms[%d]", i)
		if !domain.ValidPlatformKind(p.Kind) {
			errs = multierr.Append(errs, fieldErr(field+".type", "unknown platform type %q", p.Kind))
		}
		if strings.TrimSpace(p.Hostname) == "" {
			errs = multierr.Append(errs, fieldErr(field+".hostname", "required"))
		}
		if p.CredentialID == nil {
			errs = multierr.Append(errs, fieldErr(field+".credential", "required"))
		}
	}
	return errs
}

func validateHardware(h domain.HardwareFeatures) error {
	switch h.Kind {
	case domain.HardwareWakeOnLan:
		if !macPattern.MatchString(h.MACAddress) {
			return fieldErr("hardware.mac_address", "invalid MAC address %q", h.MACAddress)
		}
	case domain.HardwareLibvirtGuest:
		var errs error
		if h.HostPlatformID == nil {
			errs = multierr.Append(errs, fieldErr("hardware.host", "required"))
		}
		if h.VMUUID == uuid.Nil {
			errs = multierr.Append(errs, fieldErr("hardware.vm_uuid", "required"))
		}
		return errs
	default:
		return fieldErr("hardware.type", "unknown hardware type %q", h.Kind)
	}
	return nil
}

// Commit validates and writes the machine, its hardware features and its
// platforms in one transaction. On edit, platforms dropped from the draft are
// deleted.
func (d *MachineDraft) Commit(ctx context.Context, store repository.MachineStore) (domain.Machine, error) {
	if err := d.Validate(); err != nil {
		return domain.Machine{}, err
	}
	if err := d.checkHostChain(ctx, store); err != nil {
		return domain.Machine{}, err
	}
	d.rec.Name = strings.TrimSpace(d.rec.Name)
	if d.Hardware != nil && d.Hardware.Kind == domain.HardwareWakeOnLan {
		d.Hardware.MACAddress = strings.ToLower(strings.ReplaceAll(d.Hardware.MACAddress, "-", ":"))
	}
	if err := store.SaveGraph(ctx, &d.rec, d.Hardware, d.Platforms); err != nil {
		return domain.Machine{}, err
	}
	return d.rec, nil
}

// checkHostChain rejects a guest whose chain of libvirt hosts leads back to
// the machine itself. Such machines would each wait on the other's lock.
func (d *MachineDraft) checkHostChain(ctx context.Context, store repository.MachineStore) error {
	if d.rec.ID == 0 || d.Hardware == nil || d.Hardware.Kind != domain.HardwareLibvirtGuest || d.Hardware.HostPlatformID == nil {
		return nil
	}
	path := []string{d.rec.Name}
	seen := map[int64]bool{}
	platformID := *d.Hardware.HostPlatformID
	for {
		p, err := store.Platform(ctx, platformID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if p.MachineID == d.rec.ID {
			return fieldErr("hardware.host", "host chain loops back: %s", strings.Join(append(path, d.rec.Name), " -> "))
		}
		if seen[p.MachineID] {
			return nil
		}
		seen[p.MachineID] = true
		host, err := store.Get(ctx, p.MachineID)
		if err != nil {
			return err
		}
		path = append(path, host.Name)
		hw, err := store.Hardware(ctx, p.MachineID)
		if err != nil {
			return err
		}
		if hw == nil || hw.Kind != domain.HardwareLibvirtGuest || hw.HostPlatformID == nil {
			return nil
		}
		platformID = *hw.HostPlatformID
	}
}
