package power

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/credential"
	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/internal/ssh"
)

// Flavor holds the OS-specific commands of an SSH platform.
type Flavor struct {
	Kind     domain.PlatformKind
	Shutdown string
	Suspend  string
	Reboot   string
	// Probe identifies the OS; a line of its output containing Marker means active.
	Probe  string
	Marker string
}

var flavors = map[domain.PlatformKind]Flavor{
	domain.PlatformLinux: {
		Kind:     domain.PlatformLinux,
		Shutdown: "sudo systemctl poweroff",
		Suspend:  "sudo systemctl suspend",
		Reboot:   "sudo systemctl reboot",
		Probe:    "uname",
		Marker:   "Linux",
	},
	domain.PlatformFreeBSD: {
		Kind:     domain.PlatformFreeBSD,
		Shutdown: "sudo poweroff",
		Suspend:  "sudo acpiconf -s 3",
		Reboot:   "sudo reboot",
		Probe:    "uname",
		Marker:   "FreeBSD",
	},
	domain.PlatformWindows: {
		Kind:     domain.PlatformWindows,
		Shutdown: "shutdown /s /f /t 0",
		Suspend:  "powercfg -hibernate off && rundll32.exe powrprof.dll,SetSuspendState 0,1,0",
		Reboot:   "shutdown /r /f /t 0",
		Probe:    "ver",
		Marker:   "Windows",
	},
}

// FlavorOf returns the commands for kind.
func FlavorOf(kind domain.PlatformKind) (Flavor, bool) {
	f, ok := flavors[kind]
	return f, ok
}

// CredentialSource loads the credential of a platform lazily, so a bad key
// only fails the requests that need it.
type CredentialSource func(ctx context.Context) (domain.Credential, error)

// SSHPlatform is an OS instance reached over SSH.
type SSHPlatform struct {
	flavor   Flavor
	hostname string
	creds    CredentialSource
	dialer   ssh.Dialer
	log      *zap.Logger

	mu       sync.Mutex
	resolved bool
	auth     credential.Auth
}

func NewSSHPlatform(flavor Flavor, hostname string, creds CredentialSource, dialer ssh.Dialer, log *zap.Logger) *SSHPlatform {
	if log == nil {
		log = zap.NewNop()
	}
	return &SSHPlatform{flavor: flavor, hostname: hostname, creds: creds, dialer: dialer, log: log}
}

func (p *SSHPlatform) Name() string { return string(p.flavor.Kind) + ":" + p.hostname }

func (p *SSHPlatform) Hostname() string { return p.hostname }

func (p *SSHPlatform) Flavor() Flavor { return p.flavor }

// Auth resolves the platform credential; a successful resolution is cached.
func (p *SSHPlatform) Auth(ctx context.Context) (credential.Auth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return p.auth, nil
	}
	if p.creds == nil {
		return credential.Auth{}, fmt.Errorf("platform %s has no credential", p.Name())
	}
	c, err := p.creds(ctx)
	if err != nil {
		return credential.Auth{}, fmt.Errorf("load credential for %s: %w", p.Name(), err)
	}
	auth, err := credential.Resolve(c)
	if err != nil {
		return credential.Auth{}, err
	}
	p.auth, p.resolved = auth, true
	return auth, nil
}

func (p *SSHPlatform) connect(ctx context.Context) (ssh.Conn, error) {
	auth, err := p.Auth(ctx)
	if err != nil {
		return nil, err
	}
	return p.dialer.Dial(ctx, p.hostname, auth)
}

// RemoteExecute runs command and returns its output. A non-zero exit status
// is not an error here; callers inspect exitCode.
func (p *SSHPlatform) RemoteExecute(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	c, err := p.connect(ctx)
	if err != nil {
		return "", "", -1, err
	}
	defer c.Close()
	return c.Run(ctx, command)
}

// fire starts command without waiting for it; the session may die with the host.
func (p *SSHPlatform) fire(ctx context.Context, command string) error {
	c, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Start(command); err != nil {
		return fmt.Errorf("%s: start %q: %w", p.Name(), command, err)
	}
	p.log.Debug("remote command started", zap.String("platform", p.Name()), zap.String("cmd", command))
	return nil
}

func (p *SSHPlatform) Operations() OperationTable {
	t := OperationTable{}
	t.add(domain.OpShutdown, p.command(p.flavor.Shutdown))
	t.add(domain.OpSuspend, p.command(p.flavor.Suspend))
	t.add(domain.OpReboot, p.command(p.flavor.Reboot))
	t.add(domain.OpExecuteCommand, func(ctx context.Context, args []string) (Result, error) {
		if len(args) != 1 {
			return Result{}, &ArgumentError{Op: domain.OpExecuteCommand, Want: 1, Got: len(args)}
		}
		return Result{}, p.fire(ctx, args[0])
	})
	statusOps(t, p, true)
	return t
}

func (p *SSHPlatform) command(cmd string) Action {
	return func(ctx context.Context, _ []string) (Result, error) {
		return Result{}, p.fire(ctx, cmd)
	}
}

// GetStatus is StatusPowerOn if a session can be opened. An unreachable host
// answers StatusUnknown, never StatusPowerOff. Other failures (auth, bad key)
// are returned.
func (p *SSHPlatform) GetStatus(ctx context.Context) (domain.MachineStatus, error) {
	c, err := p.connect(ctx)
	if err != nil {
		if ssh.IsUnreachable(err) {
			return domain.StatusUnknown, nil
		}
		return domain.StatusUnknown, err
	}
	_ = c.Close()
	return domain.StatusPowerOn, nil
}

// EnsureStatus only acts while reachable. Shutdown and suspend are reported
// as reached once the command is issued.
func (p *SSHPlatform) EnsureStatus(ctx context.Context, target domain.MachineStatus) (domain.MachineStatus, error) {
	current, err := p.GetStatus(ctx)
	if err != nil || current != domain.StatusPowerOn {
		return current, err
	}
	switch target {
	case domain.StatusPowerOff:
		if err := p.fire(ctx, p.flavor.Shutdown); err != nil {
			return current, err
		}
		return domain.StatusPowerOff, nil
	case domain.StatusSuspended:
		if err := p.fire(ctx, p.flavor.Suspend); err != nil {
			return current, err
		}
		return domain.StatusSuspended, nil
	}
	return domain.StatusPowerOn, nil
}

// IsActive runs the OS probe and looks for the platform marker. Unreachable
// hosts are inactive. Dispatch does not consult it.
func (p *SSHPlatform) IsActive(ctx context.Context) (bool, error) {
	out, _, _, err := p.RemoteExecute(ctx, p.flavor.Probe)
	if err != nil {
		if ssh.IsUnreachable(err) {
			return false, nil
		}
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, p.flavor.Marker) {
			return true, nil
		}
	}
	return false, nil
}
