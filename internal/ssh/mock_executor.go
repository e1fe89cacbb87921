package ssh

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/QingMing-Bot/pc-manager/internal/credential"
)

// MockDialer 用于测试
type MockDialer struct {
	mu          sync.Mutex
	scripts     map[string]MockResult // key: command
	unreachable map[string]bool       // key: addr
	dialErr     map[string]error
	calls       []MockCall
	dials       int
	open        int
}

type MockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	DelayMs  int
}

// MockCall records one command sent through a mock connection.
type MockCall struct {
	Addr    string
	User    string
	Command string
	Started bool // true for fire-and-forget Start
}

func NewMockDialer() *MockDialer {
	return &MockDialer{scripts: map[string]MockResult{}, unreachable: map[string]bool{}, dialErr: map[string]error{}}
}

func (m *MockDialer) Set(cmd string, res MockResult) {
	m.mu.Lock()
	m.scripts[cmd] = res
	m.mu.Unlock()
}

// SetUnreachable makes Dial to addr fail with an UnreachableError.
func (m *MockDialer) SetUnreachable(addr string, v bool) {
	m.mu.Lock()
	m.unreachable[addr] = v
	m.mu.Unlock()
}

// SetDialError makes Dial to addr fail with err (e.g. an auth failure).
func (m *MockDialer) SetDialError(addr string, err error) {
	m.mu.Lock()
	m.dialErr[addr] = err
	m.mu.Unlock()
}

func (m *MockDialer) Dial(ctx context.Context, addr string, auth credential.Auth) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if m.unreachable[addr] {
		return nil, &UnreachableError{Addr: addr, Err: errors.New("connection refused")}
	}
	if err := m.dialErr[addr]; err != nil {
		return nil, err
	}
	m.open++
	return &mockConn{d: m, addr: addr, user: auth.Username}, nil
}

// Calls returns the commands seen so far.
func (m *MockDialer) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Dials returns the number of Dial attempts.
func (m *MockDialer) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// OpenConns returns connections dialed but not yet closed.
func (m *MockDialer) OpenConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

type mockConn struct {
	d      *MockDialer
	addr   string
	user   string
	closed bool
}

func (c *mockConn) record(cmd string, started bool) (MockResult, bool) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.calls = append(c.d.calls, MockCall{Addr: c.addr, User: c.user, Command: cmd, Started: started})
	r, ok := c.d.scripts[cmd]
	return r, ok
}

func (c *mockConn) Run(ctx context.Context, cmd string) (string, string, int, error) {
	r, ok := c.record(cmd, false)
	if !ok {
		return "", "", 127, nil
	}
	if r.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return "", "", -1, ctx.Err()
		case <-time.After(time.Duration(r.DelayMs) * time.Millisecond):
		}
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func (c *mockConn) Start(cmd string) error {
	r, _ := c.record(cmd, true)
	return r.Err
}

func (c *mockConn) Forward(network, addr string) (net.Conn, error) {
	return nil, errors.New("mock: forward not supported")
}

func (c *mockConn) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.d.open--
	}
	return nil
}
