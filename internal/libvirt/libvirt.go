// Package libvirt talks to a libvirt daemon on a hypervisor host. The RPC
// stream is carried over an SSH channel to the daemon's unix socket, which
// is the same path qemu+ssh:// URIs take.
package libvirt

import (
	"context"
	"fmt"
	"net"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/QingMing-Bot/pc-manager/internal/credential"
	"github.com/QingMing-Bot/pc-manager/internal/ssh"
)

// DefaultSocket is libvirtd's read-write socket on most distributions.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// State mirrors virDomainState.
type State int32

const (
	StateNoState     State = 0
	StateRunning     State = 1
	StateBlocked     State = 2
	StatePaused      State = 3
	StateShutdown    State = 4
	StateShutoff     State = 5
	StateCrashed     State = 6
	StatePMSuspended State = 7
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StatePaused:
		return "paused"
	case StateShutdown:
		return "shutdown"
	case StateShutoff:
		return "shutoff"
	case StateCrashed:
		return "crashed"
	case StatePMSuspended:
		return "pmsuspended"
	}
	return "nostate"
}

// Host identifies a hypervisor host and how to log in to it.
type Host struct {
	Hostname string
	Auth     credential.Auth
}

// Conn is an open hypervisor connection. Callers must Close it.
type Conn interface {
	DomainState(ctx context.Context, id uuid.UUID) (State, error)
	Create(ctx context.Context, id uuid.UUID) error
	Shutdown(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Suspend(ctx context.Context, id uuid.UUID) error
	Reboot(ctx context.Context, id uuid.UUID) error
	Close() error
}

// Connector opens hypervisor connections.
type Connector interface {
	Connect(ctx context.Context, host Host) (Conn, error)
}

// SSHConnector reaches libvirtd through an SSH-forwarded unix socket.
type SSHConnector struct {
	Dialer ssh.Dialer
	Socket string
}

func NewSSHConnector(d ssh.Dialer, socket string) *SSHConnector {
	if socket == "" {
		socket = DefaultSocket
	}
	return &SSHConnector{Dialer: d, Socket: socket}
}

// forwardDialer adapts an already forwarded stream to go-libvirt's socket.Dialer.
type forwardDialer struct {
	conn ssh.Conn
	path string
}

func (f forwardDialer) Dial() (net.Conn, error) { return f.conn.Forward("unix", f.path) }

func (c *SSHConnector) Connect(ctx context.Context, host Host) (Conn, error) {
	sc, err := c.Dialer.Dial(ctx, host.Hostname, host.Auth)
	if err != nil {
		return nil, fmt.Errorf("ssh to libvirt host %s: %w", host.Hostname, err)
	}
	l := golibvirt.NewWithDialer(forwardDialer{conn: sc, path: c.Socket})
	if err := l.ConnectToURI(golibvirt.QEMUSystem); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("libvirt connect %s: %w", host.Hostname, err)
	}
	return &rpcConn{l: l, ssh: sc}, nil
}

type rpcConn struct {
	l   *golibvirt.Libvirt
	ssh ssh.Conn
}

func (c *rpcConn) lookup(id uuid.UUID) (golibvirt.Domain, error) {
	d, err := c.l.DomainLookupByUUID(golibvirt.UUID(id))
	if err != nil {
		return golibvirt.Domain{}, fmt.Errorf("lookup domain %s: %w", id, err)
	}
	return d, nil
}

func (c *rpcConn) DomainState(_ context.Context, id uuid.UUID) (State, error) {
	d, err := c.lookup(id)
	if err != nil {
		return StateNoState, err
	}
	st, _, err := c.l.DomainGetState(d, 0)
	if err != nil {
		return StateNoState, fmt.Errorf("domain %s state: %w", id, err)
	}
	return State(st), nil
}

func (c *rpcConn) do(id uuid.UUID, what string, fn func(golibvirt.Domain) error) error {
	d, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := fn(d); err != nil {
		return fmt.Errorf("domain %s %s: %w", id, what, err)
	}
	return nil
}

func (c *rpcConn) Create(_ context.Context, id uuid.UUID) error {
	return c.do(id, "create", c.l.DomainCreate)
}

func (c *rpcConn) Shutdown(_ context.Context, id uuid.UUID) error {
	return c.do(id, "shutdown", c.l.DomainShutdown)
}

func (c *rpcConn) Resume(_ context.Context, id uuid.UUID) error {
	return c.do(id, "resume", c.l.DomainResume)
}

func (c *rpcConn) Suspend(_ context.Context, id uuid.UUID) error {
	return c.do(id, "suspend", c.l.DomainSuspend)
}

func (c *rpcConn) Reboot(_ context.Context, id uuid.UUID) error {
	return c.do(id, "reboot", func(d golibvirt.Domain) error {
		return c.l.DomainReboot(d, 0)
	})
}

func (c *rpcConn) Close() error {
	err := c.l.Disconnect()
	if cerr := c.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
