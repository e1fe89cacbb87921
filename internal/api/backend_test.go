package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/fleet"
	"github.com/QingMing-Bot/pc-manager/internal/power"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
	"github.com/QingMing-Bot/pc-manager/internal/service"
	"github.com/QingMing-Bot/pc-manager/internal/ssh"
	"github.com/QingMing-Bot/pc-manager/internal/wakeonlan"
	"github.com/QingMing-Bot/pc-manager/pkg/importexport"
	"github.com/QingMing-Bot/pc-manager/pkg/secret"
)

type env struct {
	b        *Backend
	machines *repository.MachineRepo
	creds    *repository.CredentialRepo
	dialer   *ssh.MockDialer
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db, err := repository.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.EnsureSchema(ctx, db))
	sealer, err := secret.NewEphemeralSealer()
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	e := &env{
		machines: repository.NewMachineRepo(db),
		creds:    repository.NewCredentialRepo(db, sealer),
		dialer:   ssh.NewMockDialer(),
	}
	ops := repository.NewOperationRepo(db)
	history := repository.NewHistoryRepo(db)
	f := fleet.New(fleet.Deps{
		Machines: e.machines, Credentials: e.creds, Operations: ops,
		Dialer: e.dialer, WakeOnLan: &wakeonlan.RecordingSender{},
		Clock:  power.NewSimulatedClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
		Logger: log,
	})
	e.b = NewBackend(Deps{
		Machines: e.machines, Credentials: e.creds, Operations: ops, History: history,
		Fleet: f, Service: service.NewActionService(f, nil, 4, 5*time.Second, log), Logger: log,
	})
	return e
}

const inventory = `
credentials:
  - name: lab
    type: password
    username: admin
    secret: hunter2
custom_operations:
  - name: twice
    steps:
      - op: hello
      - op: hello
  - name: hello
    description: say hi
    steps:
      - op: execute_command
        argument: echo hi
machines:
  - name: hv
    place: rack 1
    platforms:
      - type: linux
        hostname: hv.lan
        credential: lab
      - type: freebsd
        hostname: hv-bsd.lan
        credential: lab
  - name: pc
    hardware:
      type: wakeonlan
      mac_address: 00:11:22:33:44:55
    platforms:
      - type: windows
        hostname: pc.lan
        credential: lab
    custom_operations: [hello, twice]
  - name: vm
    hardware:
      type: libvirt
      host: {machine: hv, hostname: hv.lan}
      vm_uuid: 7a1c2f1e-4b1f-4c55-9d0e-2f3f0b6b8a11
`

func load(t *testing.T, e *env) importexport.Inventory {
	t.Helper()
	inv, err := importexport.ParseInventory([]byte(inventory), importexport.FormatYAML)
	require.NoError(t, err)
	sum, err := e.b.Import(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ImportSummary{Credentials: 1, Operations: 2, Machines: 3}, sum)
	return inv
}

func TestBackend_ImportExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	inv := load(t, e)

	out, err := e.b.Export(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, inv.Machines, out.Machines)
	require.Len(t, out.Credentials, 1)
	assert.Equal(t, "hunter2", out.Credentials[0].Secret)
	require.Len(t, out.Operations, 2)

	red, err := e.b.Export(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, red.Credentials[0].Secret)
}

func TestBackend_ReimportKeepsIdentities(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	load(t, e)

	hv, err := e.machines.GetByName(ctx, "hv")
	require.NoError(t, err)
	before, err := e.machines.Platforms(ctx, hv.ID)
	require.NoError(t, err)

	// redacted re-import must not wipe the stored secret
	red, err := e.b.Export(ctx, true)
	require.NoError(t, err)
	_, err = e.b.Import(ctx, red)
	require.NoError(t, err)

	after, err := e.machines.Platforms(ctx, hv.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	vm, err := e.machines.GetByName(ctx, "vm")
	require.NoError(t, err)
	hw, err := e.machines.Hardware(ctx, vm.ID)
	require.NoError(t, err)
	require.NotNil(t, hw.HostPlatformID)
	assert.Equal(t, before[0].ID, *hw.HostPlatformID)

	c, err := e.creds.GetByName(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", c.Secret)
}

func TestBackend_ImportRejectsUnresolvedOperations(t *testing.T) {
	e := setup(t)
	_, err := e.b.Import(context.Background(), importexport.Inventory{
		Operations: []domain.CustomOperation{{Name: "orphan", Steps: []domain.Step{{Op: "missing"}}}},
	})
	assert.ErrorContains(t, err, "orphan")
}

func TestBackend_ImportMachinesCSV(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	c := domain.Credential{Name: "lab", Kind: domain.CredentialPassword, Username: "admin", Secret: "pw"}
	require.NoError(t, e.creds.Save(ctx, &c))

	sum, err := e.b.ImportMachinesCSV(ctx, []byte("name,place,mac_address,platform,hostname,credential\npc,desk,00:11:22:33:44:55,linux,pc.lan,lab\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Machines)
	list, err := e.b.SearchMachines(ctx, "pc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "desk", list[0].Place)
}

func TestBackend_CustomOperationDispatch(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	load(t, e)
	ids, err := e.b.ResolveMachines(ctx, []string{"pc"})
	require.NoError(t, err)

	ops, err := e.b.Operations(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "twice"}, ops[power.CustomProviderName])

	r, err := e.b.ExecuteAction(ctx, ids[0], "twice", nil)
	require.NoError(t, err)
	assert.Equal(t, power.CustomProviderName, r.Provider)
	var hi int
	for _, c := range e.dialer.Calls() {
		if c.Command == "echo hi" {
			hi++
		}
	}
	assert.Equal(t, 2, hi)

	require.NoError(t, e.b.DetachOperation(ctx, ids[0], "twice"))
	_, err = e.b.ExecuteAction(ctx, ids[0], "twice", nil)
	assert.True(t, power.IsNotFound(err))
}

func TestBackend_MovePlatformChangesDispatchOrder(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	load(t, e)
	ids, err := e.b.ResolveMachines(ctx, []string{"hv"})
	require.NoError(t, err)

	r, err := e.b.ExecuteAction(ctx, ids[0], domain.OpReboot, nil)
	require.NoError(t, err)
	assert.Equal(t, "linux:hv.lan", r.Provider)

	require.NoError(t, e.b.MovePlatform(ctx, ids[0], 1, 0))
	r, err = e.b.ExecuteAction(ctx, ids[0], domain.OpReboot, nil)
	require.NoError(t, err)
	assert.Equal(t, "freebsd:hv-bsd.lan", r.Provider)
}

func TestBackend_EnsureAndReport(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	load(t, e)
	ids, err := e.b.ResolveMachines(ctx, []string{"hv"})
	require.NoError(t, err)

	st, err := e.b.EnsureStatus(ctx, ids[0], domain.StatusPowerOn)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPowerOn, st)

	report, err := e.b.StatusReport(ctx)
	require.NoError(t, err)
	assert.Contains(t, report, "hv,rack 1,POWER_ON,")
	assert.Contains(t, report, "vm,,UNKNOWN,")

	all, err := e.b.AllMachineIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	_, err = e.b.ResolveMachines(ctx, []string{"hv", "ghost"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.True(t, strings.HasPrefix(report, "name,place,last_status,last_status_time"))
}
