package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/QingMing-Bot/pc-manager/internal/api"
	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/fleet"
	"github.com/QingMing-Bot/pc-manager/internal/metrics"
	"github.com/QingMing-Bot/pc-manager/internal/power"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
	"github.com/QingMing-Bot/pc-manager/internal/service"
	"github.com/QingMing-Bot/pc-manager/internal/ssh"
	"github.com/QingMing-Bot/pc-manager/internal/wakeonlan"
	"github.com/QingMing-Bot/pc-manager/pkg/config"
	"github.com/QingMing-Bot/pc-manager/pkg/secret"
)

const inventory = `
credentials:
  - name: lab
    type: password
    username: admin
    secret: hunter2
custom_operations:
  - name: hello
    steps:
      - op: execute_command
        argument: echo hi
machines:
  - name: pc
    place: desk
    platforms:
      - type: linux
        hostname: pc.lan
        credential: lab
      - type: freebsd
        hostname: pc-bsd.lan
        credential: lab
    custom_operations: [hello]
  - name: nas
    platforms:
      - type: linux
        hostname: nas.lan
        credential: lab
`

type env struct {
	app    *App
	dialer *ssh.MockDialer
	writer *service.HistoryWriter
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
	machines := repository.NewMachineRepo(db)
	creds := repository.NewCredentialRepo(db, sealer)
	ops := repository.NewOperationRepo(db)
	history := repository.NewHistoryRepo(db)
	reg := prometheus.NewRegistry()
	e := &env{dialer: ssh.NewMockDialer()}
	f := fleet.New(fleet.Deps{
		Machines: machines, Credentials: creds, Operations: ops,
		Dialer: e.dialer, WakeOnLan: &wakeonlan.RecordingSender{},
		Observer: metrics.New(reg),
		Clock:    power.NewSimulatedClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
		Logger:   log,
	})
	e.writer = service.NewHistoryWriter(history, time.Hour, 100, log)
	t.Cleanup(e.writer.Close)
	svc := service.NewActionService(f, e.writer, 4, 5*time.Second, log)
	e.app = &App{
		Backend: api.NewBackend(api.Deps{
			Machines: machines, Credentials: creds, Operations: ops, History: history,
			Fleet: f, Service: svc, Logger: log,
		}),
		History:  history,
		Gatherer: reg,
		Config:   config.Default(),
		Logger:   log,
	}
	return e
}

// run executes one command line against a fresh command tree.
func (e *env) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	s := &state{open: func(context.Context, string) (*App, func(), error) {
		return e.app, func() {}, nil
	}}
	defer s.close()
	root := newRoot(s)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) imported(t *testing.T) {
	t.Helper()
	out, err := e.run(t, inventory, "import", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 credentials, 1 custom operations, 2 machines")
}

func TestStatus(t *testing.T) {
	e := setup(t)
	e.imported(t)
	e.dialer.SetUnreachable("nas.lan", true)

	out, err := e.run(t, "", "status", "--all")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "MACHINE")
	assert.Contains(t, out, "POWER_ON")
	assert.Contains(t, out, "UNKNOWN")

	out, err = e.run(t, "", "status", "--cached", "pc")
	require.NoError(t, err)
	assert.Contains(t, out, "desk")
	assert.Contains(t, out, "UNKNOWN")

	_, err = e.run(t, "", "status")
	assert.ErrorContains(t, err, "no machines given")
	_, err = e.run(t, "", "status", "--all", "pc")
	assert.Error(t, err)
}

func TestEnsure(t *testing.T) {
	e := setup(t)
	e.imported(t)

	out, err := e.run(t, "", "ensure", "POWER_ON", "pc")
	require.NoError(t, err)
	assert.Contains(t, out, "POWER_ON")

	out, err = e.run(t, "", "status", "--cached", "pc")
	require.NoError(t, err)
	assert.Contains(t, out, "POWER_ON")

	_, err = e.run(t, "", "ensure", "sideways", "pc")
	assert.Error(t, err)
}

func TestRunAndBatch(t *testing.T) {
	e := setup(t)
	e.imported(t)

	out, err := e.run(t, "", "run", "pc", domain.OpExecuteCommand, "uptime")
	require.NoError(t, err)
	assert.Contains(t, out, "linux:pc.lan")

	out, err = e.run(t, "", "batch", domain.OpReboot, "--all", "-p", "1")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, err = e.run(t, "", "run", "pc", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, power.CustomProviderName)

	var cmds []string
	for _, c := range e.dialer.Calls() {
		cmds = append(cmds, c.Command)
	}
	assert.Contains(t, cmds, "uptime")
	assert.Contains(t, cmds, "echo hi")
	assert.Contains(t, cmds, "sudo systemctl reboot")

	_, err = e.run(t, "", "run", "ghost", domain.OpReboot)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = e.run(t, "", "batch", "no_such_op", "pc", "nas")
	assert.Error(t, err)
}

func TestExecPrintsOutput(t *testing.T) {
	e := setup(t)
	e.imported(t)
	e.dialer.Set("hostname", ssh.MockResult{Stdout: "pc\n"})
	e.dialer.Set("false", ssh.MockResult{ExitCode: 1})

	out, err := e.run(t, "", "exec", "pc", "hostname")
	require.NoError(t, err)
	assert.Equal(t, "pc\n", out)

	_, err = e.run(t, "", "exec", "pc", "false")
	assert.ErrorContains(t, err, "exit status 1")

	out, err = e.run(t, "", "batch", "capture", "--arg", "hostname", "pc")
	require.NoError(t, err)
	assert.Contains(t, out, "\n    pc")
}

func TestReleaseRunsWhenCommandFails(t *testing.T) {
	e := setup(t)
	released := 0
	err := Execute(context.Background(), func(context.Context, string) (*App, func(), error) {
		return e.app, func() { released++ }, nil
	}, []string{"run", "ghost", domain.OpReboot})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 1, released)
}

func TestOpsAndPlatformMove(t *testing.T) {
	e := setup(t)
	e.imported(t)

	out, err := e.run(t, "", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, domain.OpExecuteCommand)

	out, err = e.run(t, "", "ops", "pc")
	require.NoError(t, err)
	assert.Contains(t, out, "freebsd:pc-bsd.lan")
	assert.Contains(t, out, "custom")

	_, err = e.run(t, "", "platform", "move", "pc", "1", "0")
	require.NoError(t, err)
	out, err = e.run(t, "", "run", "pc", domain.OpReboot)
	require.NoError(t, err)
	assert.Contains(t, out, "freebsd:pc-bsd.lan")

	_, err = e.run(t, "", "platform", "move", "pc", "one", "0")
	assert.ErrorContains(t, err, "not a number")
}

func TestExportImportReport(t *testing.T) {
	e := setup(t)
	e.imported(t)

	out, err := e.run(t, "", "export")
	require.NoError(t, err)
	assert.Contains(t, out, "name: pc")
	assert.NotContains(t, out, "hunter2")

	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.json")
	_, err = e.run(t, "", "export", "--secrets", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hunter2")

	out, err = e.run(t, "", "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 machines")

	out, err = e.run(t, "name,place,mac_address,platform,hostname,credential\nbox,lab,,linux,box.lan,lab\n", "import", "-f", "csv", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "1 machines")

	out, err = e.run(t, "", "report")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "name,place,last_status,last_status_time"))
	assert.Contains(t, out, "box,lab,UNKNOWN,")

	_, err = e.run(t, "", "export", "-f", "csv")
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	e := setup(t)
	e.imported(t)

	_, err := e.run(t, "", "run", "pc", domain.OpExecuteCommand, "uptime")
	require.NoError(t, err)
	e.writer.Close()

	out, err := e.run(t, "", "history", "-m", "pc")
	require.NoError(t, err)
	assert.Contains(t, out, domain.OpExecuteCommand)
	assert.Contains(t, out, "uptime")
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	e := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	assert.NoError(t, serveMetrics(ctx, e.app, "127.0.0.1:0"))
}
