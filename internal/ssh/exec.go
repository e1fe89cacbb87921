package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gssh "golang.org/x/crypto/ssh"

	"github.com/QingMing-Bot/pc-manager/internal/credential"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
)

// Dialer 打开到远端主机的 SSH 连接。连接由调用方负责关闭。
type Dialer interface {
	Dial(ctx context.Context, addr string, auth credential.Auth) (Conn, error)
}

// Conn is one authenticated SSH connection.
type Conn interface {
	// Run 执行命令并返回 stdout/stderr/exitCode。
	Run(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error)
	// Start launches cmd without waiting for it to finish.
	Start(cmd string) error
	// Forward opens a channel to network/addr on the remote side (e.g. a unix socket).
	Forward(network, addr string) (net.Conn, error)
	Close() error
}

// UnreachableError marks a failure to reach the host at the network level,
// as opposed to an authentication or protocol failure.
type UnreachableError struct {
	Addr string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Addr, e.Err)
}
func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err came from a network-level failure.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// Option 配置 Executor
type Option func(*Executor)

func WithPort(p int) Option { return func(e *Executor) { e.port = p } }

func WithDialTimeout(d time.Duration) Option { return func(e *Executor) { e.dialTimeout = d } }

// WithHostKeyCallback sets host key verification. Default ignores host keys.
func WithHostKeyCallback(cb gssh.HostKeyCallback) Option {
	return func(e *Executor) { e.hostKeyCallback = cb }
}

// Executor 是默认 Dialer：每次调用新建连接，可设置最大并发连接数。
type Executor struct {
	sem             chan struct{}
	port            int
	dialTimeout     time.Duration
	hostKeyCallback gssh.HostKeyCallback
}

// NewExecutor 创建执行器。maxParallel <=0 表示不限制。
func NewExecutor(maxParallel int, opts ...Option) *Executor {
	var sem chan struct{}
	if maxParallel > 0 {
		sem = make(chan struct{}, maxParallel)
	}
	e := &Executor{sem: sem, port: defaultPort, dialTimeout: defaultDialTimeout}
	for _, o := range opts {
		o(e)
	}
	if e.hostKeyCallback == nil {
		e.hostKeyCallback = gssh.InsecureIgnoreHostKey() //nolint:gosec // same default as before known_hosts support
	}
	return e
}

// Dial 建立连接; 支持 host:port 或仅 host
func (e *Executor) Dial(ctx context.Context, addr string, auth credential.Auth) (Conn, error) {
	if addr == "" || auth.Username == "" {
		return nil, errors.New("user/addr empty")
	}
	methods := auth.Methods()
	if len(methods) == 0 {
		return nil, errors.New("no auth method")
	}
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	release := func() {
		if e.sem != nil {
			<-e.sem
		}
	}

	target := addr
	if _, _, errSplit := net.SplitHostPort(addr); errSplit != nil {
		target = net.JoinHostPort(addr, fmt.Sprint(e.port))
	}
	nd := net.Dialer{Timeout: e.dialTimeout}
	nc, err := nd.DialContext(ctx, "tcp", target)
	if err != nil {
		release()
		return nil, &UnreachableError{Addr: target, Err: err}
	}
	conf := &gssh.ClientConfig{User: auth.Username, Auth: methods, HostKeyCallback: e.hostKeyCallback, Timeout: e.dialTimeout}
	// ClientConfig.Timeout 只作用于 TCP 建连, 握手阶段靠连接 deadline 兜底
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	} else if e.dialTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(e.dialTimeout))
	}
	c, chans, reqs, err := gssh.NewClientConn(nc, target, conf)
	if err != nil {
		_ = nc.Close()
		release()
		var ne net.Error
		if errors.As(err, &ne) {
			return nil, &UnreachableError{Addr: target, Err: err}
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", target, err)
	}
	_ = nc.SetDeadline(time.Time{})
	return &client{c: gssh.NewClient(c, chans, reqs), release: release}, nil
}

type client struct {
	c       *gssh.Client
	release func()
	once    sync.Once
}

func (cl *client) Run(ctx context.Context, cmd string) (string, string, int, error) {
	if cmd == "" {
		return "", "", -1, errors.New("cmd empty")
	}
	session, err := cl.c.NewSession()
	if err != nil {
		return "", "", -1, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		// 强制关闭底层连接以中断
		_ = cl.c.Close()
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var ee *gssh.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitStatus()
		} else {
			return stdout.String(), stderr.String(), -1, err
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

func (cl *client) Start(cmd string) error {
	if cmd == "" {
		return errors.New("cmd empty")
	}
	session, err := cl.c.NewSession()
	if err != nil {
		return err
	}
	return session.Start(cmd)
}

func (cl *client) Forward(network, addr string) (net.Conn, error) {
	return cl.c.Dial(network, addr)
}

func (cl *client) Close() error {
	var err error
	cl.once.Do(func() {
		err = cl.c.Close()
		cl.release()
	})
	return err
}
