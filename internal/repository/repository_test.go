package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/pkg/secret"
)

func openMem(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(context.Background(), db))
	require.NoError(t, EnsureSchema(context.Background(), db)) // idempotent
	return db
}

func newMachine(t *testing.T, r *MachineRepo, name string) domain.Machine {
	t.Helper()
	m := domain.Machine{Name: name, Place: "rack-1"}
	require.NoError(t, r.Save(context.Background(), &m))
	require.NotZero(t, m.ID)
	return m
}

func hostnames(ps []domain.SoftwarePlatform) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.Hostname)
	}
	return out
}

func TestMachineRepo_CRUD(t *testing.T) {
	ctx := context.Background()
	r := NewMachineRepo(openMem(t))
	a := newMachine(t, r, "alpha")
	newMachine(t, r, "beta")

	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, domain.StatusUnknown, got.LastStatus)

	dup := domain.Machine{Name: "alpha"}
	assert.Error(t, r.Save(ctx, &dup))

	list, err := r.Search(ctx, "bet")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "beta", list[0].Name)

	a.Place = "rack-2"
	require.NoError(t, r.Save(ctx, &a))
	got, err = r.GetByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "rack-2", got.Place)

	byIDs, err := r.GetByIDs(ctx, []int64{a.ID, 999})
	require.NoError(t, err)
	assert.Len(t, byIDs, 1)

	require.NoError(t, r.Delete(ctx, a.ID))
	_, err = r.Get(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, a.ID), ErrNotFound)
}

func TestMachineRepo_CommitStatus(t *testing.T) {
	ctx := context.Background()
	r := NewMachineRepo(openMem(t))
	m := newMachine(t, r, "alpha")
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

	require.NoError(t, r.CommitStatus(ctx, m.ID, domain.StatusSuspended, at))
	got, err := r.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, got.LastStatus)
	assert.True(t, at.Equal(got.LastStatusTime))

	assert.ErrorIs(t, r.CommitStatus(ctx, 404, domain.StatusPowerOn, at), ErrNotFound)
}

func TestMachineRepo_PlatformOrdering(t *testing.T) {
	ctx := context.Background()
	r := NewMachineRepo(openMem(t))
	m := newMachine(t, r, "alpha")

	for _, h := range []string{"a", "b", "c"} {
		p := domain.SoftwarePlatform{Kind: domain.PlatformLinux, Hostname: h}
		require.NoError(t, r.AddPlatform(ctx, m.ID, &p, -1))
	}
	first := domain.SoftwarePlatform{Kind: domain.PlatformWindows, Hostname: "w"}
	require.NoError(t, r.AddPlatform(ctx, m.ID, &first, 0))

	ps, err := r.Platforms(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "a", "b", "c"}, hostnames(ps))
	for i, p := range ps {
		assert.Equal(t, i, p.Priority)
	}

	require.NoError(t, r.MovePlatform(ctx, m.ID, 0, 3))
	ps, _ = r.Platforms(ctx, m.ID)
	assert.Equal(t, []string{"a", "b", "c", "w"}, hostnames(ps))

	require.NoError(t, r.RemovePlatform(ctx, ps[1].ID))
	ps, _ = r.Platforms(ctx, m.ID)
	assert.Equal(t, []string{"a", "c", "w"}, hostnames(ps))
	for i, p := range ps {
		assert.Equal(t, i, p.Priority)
	}

	assert.Error(t, r.MovePlatform(ctx, m.ID, 0, 3))
	assert.ErrorIs(t, r.RemovePlatform(ctx, 999), ErrNotFound)
}

func TestMove(t *testing.T) {
	out, err := Move([]string{"a", "b", "c", "d"}, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "b", "c"}, out)

	out, err = Move([]string{"a", "b"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)

	_, err = Move([]string{"a"}, 0, 1)
	assert.Error(t, err)
}

func TestMachineRepo_HardwareAndCascade(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)
	r := NewMachineRepo(db)
	host := newMachine(t, r, "hypervisor")
	guest := newMachine(t, r, "guest")

	hp := domain.SoftwarePlatform{Kind: domain.PlatformLinux, Hostname: "hv.lan"}
	require.NoError(t, r.AddPlatform(ctx, host.ID, &hp, -1))

	none, err := r.Hardware(ctx, guest.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	vm := uuid.New()
	hw := &domain.HardwareFeatures{Kind: domain.HardwareLibvirtGuest, HostPlatformID: &hp.ID, VMUUID: vm}
	require.NoError(t, r.SetHardware(ctx, guest.ID, hw))
	got, err := r.Hardware(ctx, guest.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, vm, got.VMUUID)
	require.NotNil(t, got.HostPlatformID)
	assert.Equal(t, hp.ID, *got.HostPlatformID)

	// replacing keeps one row per machine
	require.NoError(t, r.SetHardware(ctx, guest.ID, &domain.HardwareFeatures{Kind: domain.HardwareWakeOnLan, MACAddress: "00:11:22:33:44:55"}))
	got, _ = r.Hardware(ctx, guest.ID)
	assert.Equal(t, domain.HardwareWakeOnLan, got.Kind)
	assert.Nil(t, got.HostPlatformID)

	require.NoError(t, r.SetHardware(ctx, guest.ID, hw))
	// deleting the host platform only unlinks the guest
	require.NoError(t, r.RemovePlatform(ctx, hp.ID))
	got, _ = r.Hardware(ctx, guest.ID)
	require.NotNil(t, got)
	assert.Nil(t, got.HostPlatformID)

	require.NoError(t, r.Delete(ctx, guest.ID))
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM hardware_features`).Scan(&n))
	assert.Zero(t, n)
}

func TestMachineRepo_SaveGraph(t *testing.T) {
	ctx := context.Background()
	r := NewMachineRepo(openMem(t))
	m := domain.Machine{Name: "alpha"}
	ps := []domain.SoftwarePlatform{
		{Kind: domain.PlatformLinux, Hostname: "l"},
		{Kind: domain.PlatformWindows, Hostname: "w"},
	}
	hw := &domain.HardwareFeatures{Kind: domain.HardwareWakeOnLan, MACAddress: "aa:bb:cc:dd:ee:ff"}
	require.NoError(t, r.SaveGraph(ctx, &m, hw, ps))
	require.NotZero(t, m.ID)
	keptID := ps[1].ID

	// edit: drop linux, keep windows first, add freebsd
	ps = []domain.SoftwarePlatform{ps[1], {Kind: domain.PlatformFreeBSD, Hostname: "f"}}
	require.NoError(t, r.SaveGraph(ctx, &m, nil, ps))

	got, err := r.Platforms(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "f"}, hostnames(got))
	assert.Equal(t, keptID, got[0].ID)
	h, err := r.Hardware(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestCredentialRepo_EncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)
	sealer, err := secret.NewEphemeralSealer()
	require.NoError(t, err)
	r := NewCredentialRepo(db, sealer)

	c := domain.Credential{Name: "lab", Kind: domain.CredentialSSHKeyPassword, Username: "root", Secret: secret.Prefix + "hunter2", Key: "KEY MATERIAL", KeyType: domain.KeyEd25519}
	require.NoError(t, r.Save(ctx, &c))
	require.NotZero(t, c.ID)

	var user, sec, key string
	require.NoError(t, db.QueryRow(`SELECT username, secret, private_key FROM credentials WHERE id = ?`, c.ID).Scan(&user, &sec, &key))
	for _, raw := range []string{user, sec, key} {
		assert.True(t, strings.HasPrefix(raw, secret.Prefix), raw)
	}
	assert.NotContains(t, sec, "hunter2")

	got, err := r.GetByName(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	// another identity cannot read it
	other, err := secret.NewEphemeralSealer()
	require.NoError(t, err)
	_, err = NewCredentialRepo(db, other).Get(ctx, c.ID)
	assert.Error(t, err)
}

func TestCredentialRepo_DeleteUnlinksPlatforms(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)
	sealer, _ := secret.NewEphemeralSealer()
	creds := NewCredentialRepo(db, sealer)
	machines := NewMachineRepo(db)

	c := domain.Credential{Name: "pw", Kind: domain.CredentialPassword, Username: "u", Secret: "s"}
	require.NoError(t, creds.Save(ctx, &c))
	m := newMachine(t, machines, "alpha")
	p := domain.SoftwarePlatform{Kind: domain.PlatformLinux, Hostname: "h", CredentialID: &c.ID}
	require.NoError(t, machines.AddPlatform(ctx, m.ID, &p, -1))

	require.NoError(t, creds.Delete(ctx, c.ID))
	got, err := machines.Platform(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CredentialID)
	assert.True(t, errors.Is(creds.Delete(ctx, c.ID), ErrNotFound))
}

func TestOperationRepo_StepsAndLinks(t *testing.T) {
	ctx := context.Background()
	db := openMem(t)
	ops := NewOperationRepo(db)
	machines := NewMachineRepo(db)
	m := newMachine(t, machines, "alpha")

	arg := "echo hi"
	op := domain.CustomOperation{Name: "greet", Description: "say hi", Steps: []domain.Step{
		{Op: domain.OpEnsureStatus, Argument: strPtr("POWER_ON")},
		{Op: domain.OpExecuteCommand, Argument: &arg},
		{Op: domain.OpReboot},
	}}
	require.NoError(t, ops.Save(ctx, &op))
	got, err := ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op, got)

	require.NoError(t, ops.Attach(ctx, m.ID, op.ID))
	require.NoError(t, ops.Attach(ctx, m.ID, op.ID))
	list, err := ops.ForMachine(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "greet", list[0].Name)

	require.NoError(t, ops.Detach(ctx, m.ID, op.ID))
	list, _ = ops.ForMachine(ctx, m.ID)
	assert.Empty(t, list)

	require.NoError(t, ops.Attach(ctx, m.ID, op.ID))
	require.NoError(t, ops.Delete(ctx, op.ID))
	list, _ = ops.ForMachine(ctx, m.ID)
	assert.Empty(t, list)
	_, err = ops.GetByName(ctx, "greet")
	assert.ErrorIs(t, err, ErrNotFound)
}

func strPtr(s string) *string { return &s }

func TestHistoryRepo_BatchFilterCleanup(t *testing.T) {
	ctx := context.Background()
	r := NewHistoryRepo(openMem(t))
	var batch []*domain.ActionHistory
	for i := 0; i < 5; i++ {
		batch = append(batch, &domain.ActionHistory{MachineID: 1, MachineName: "alpha", Action: domain.OpReboot})
	}
	batch = append(batch, &domain.ActionHistory{MachineID: 2, MachineName: "beta", Action: domain.OpEnsureStatus, Status: "POWER_ON"})
	require.NoError(t, r.InsertBatch(ctx, batch))
	assert.NotZero(t, batch[5].ID)

	old := &domain.ActionHistory{MachineID: 3, MachineName: "gamma", Action: domain.OpStart, StartedAt: time.Now().AddDate(0, 0, -40)}
	require.NoError(t, r.Insert(ctx, old))

	list, err := r.ListFiltered(ctx, 10, "bet", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "POWER_ON", list[0].Status)

	list, err = r.ListFiltered(ctx, 10, "", "reboot")
	require.NoError(t, err)
	assert.Len(t, list, 5)

	require.NoError(t, r.Cleanup(ctx, 30, 0))
	list, _ = r.ListRecent(ctx, 100)
	assert.Len(t, list, 6)

	require.NoError(t, r.Cleanup(ctx, 0, 2))
	list, _ = r.ListRecent(ctx, 100)
	require.Len(t, list, 2)
	assert.Equal(t, "beta", list[0].MachineName)
}
