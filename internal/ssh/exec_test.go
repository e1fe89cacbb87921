package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gssh "golang.org/x/crypto/ssh"

	"github.com/QingMing-Bot/pc-manager/internal/credential"
)

func TestExecutor_DialValidatesInput(t *testing.T) {
	e := NewExecutor(0)
	_, err := e.Dial(context.Background(), "", credential.Auth{Username: "root", Password: "x"})
	assert.Error(t, err)

	_, err = e.Dial(context.Background(), "10.0.0.1", credential.Auth{Username: "root"})
	assert.EqualError(t, err, "no auth method")
}

func TestExecutor_RefusedIsUnreachable(t *testing.T) {
	// 占用端口后立即关闭, 保证连接被拒绝
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	e := NewExecutor(1, WithDialTimeout(time.Second))
	_, err = e.Dial(context.Background(), addr, credential.Auth{Username: "root", Password: "x"})
	require.Error(t, err)
	assert.True(t, IsUnreachable(err), "got %v", err)

	// semaphore must be released after a failed dial
	_, err = e.Dial(context.Background(), addr, credential.Auth{Username: "root", Password: "x"})
	assert.True(t, IsUnreachable(err))
}

func TestExecutor_HandshakeRejectedIsNotUnreachable(t *testing.T) {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := gssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)
	srvConf := &gssh.ServerConfig{
		PasswordCallback: func(gssh.ConnMetadata, []byte) (*gssh.Permissions, error) {
			return nil, errors.New("denied")
		},
	}
	srvConf.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		_, _, _, _ = gssh.NewServerConn(nc, srvConf)
	}()

	e := NewExecutor(0, WithDialTimeout(2*time.Second))
	_, err = e.Dial(context.Background(), ln.Addr().String(), credential.Auth{Username: "root", Password: "bad"})
	require.Error(t, err)
	assert.False(t, IsUnreachable(err), "auth failure must not look like a dead host: %v", err)
}

func TestExecutor_SilentServerTimesOut(t *testing.T) {
	// 接受 TCP 但从不发送 SSH 版本串
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()
	t.Cleanup(func() {
		select {
		case nc := <-accepted:
			_ = nc.Close()
		default:
		}
	})

	e := NewExecutor(1, WithDialTimeout(200*time.Millisecond))
	done := make(chan error, 1)
	go func() {
		_, err := e.Dial(context.Background(), ln.Addr().String(), credential.Auth{Username: "root", Password: "x"})
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsUnreachable(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not time out")
	}
}

func TestMockDialer_TracksCommandsAndConns(t *testing.T) {
	m := NewMockDialer()
	m.Set("uname", MockResult{Stdout: "Linux\n"})
	m.SetUnreachable("down", true)

	_, err := m.Dial(context.Background(), "down", credential.Auth{})
	assert.True(t, IsUnreachable(err))

	c, err := m.Dial(context.Background(), "up", credential.Auth{Username: "root"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.OpenConns())
	out, _, code, err := c.Run(context.Background(), "uname")
	require.NoError(t, err)
	assert.Equal(t, "Linux\n", out)
	assert.Equal(t, 0, code)
	require.NoError(t, c.Start("sudo reboot"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, m.OpenConns())

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].Started)
	assert.True(t, calls[1].Started)
	assert.Equal(t, "root", calls[1].User)
}
