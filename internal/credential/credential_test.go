package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

func ed25519PEM(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func TestResolve_Password(t *testing.T) {
	a, err := Resolve(domain.Credential{Kind: domain.CredentialPassword, Username: "root", Secret: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "root", a.Username)
	assert.Equal(t, "pw", a.Password)
	assert.Nil(t, a.Signer)
	assert.Len(t, a.Methods(), 1)
}

func TestResolve_KeyNoPassword(t *testing.T) {
	a, err := Resolve(domain.Credential{
		Kind: domain.CredentialSSHKeyNoPassword, Username: "admin",
		Key: ed25519PEM(t, ""), KeyType: domain.KeyEd25519,
	})
	require.NoError(t, err)
	assert.Empty(t, a.Password)
	require.NotNil(t, a.Signer)
	assert.Equal(t, ssh.KeyAlgoED25519, a.Signer.PublicKey().Type())
}

func TestResolve_KeyWithPassword(t *testing.T) {
	a, err := Resolve(domain.Credential{
		Kind: domain.CredentialSSHKeyPassword, Username: "admin", Secret: "hunter2",
		Key: ed25519PEM(t, "hunter2"), KeyType: domain.KeyEd25519,
	})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", a.Password)
	assert.NotNil(t, a.Signer)
	assert.Len(t, a.Methods(), 2)
}

func TestResolve_KeyParseErrors(t *testing.T) {
	cases := map[string]domain.Credential{
		"malformed":          {Kind: domain.CredentialSSHKeyNoPassword, Key: "not a key", KeyType: domain.KeyRSA},
		"type mismatch":      {Kind: domain.CredentialSSHKeyNoPassword, Key: ed25519PEM(t, ""), KeyType: domain.KeyRSA},
		"unsupported type":   {Kind: domain.CredentialSSHKeyNoPassword, Key: ed25519PEM(t, ""), KeyType: "x448"},
		"wrong passphrase":   {Kind: domain.CredentialSSHKeyPassword, Secret: "nope", Key: ed25519PEM(t, "right"), KeyType: domain.KeyEd25519},
		"missing passphrase": {Kind: domain.CredentialSSHKeyNoPassword, Key: ed25519PEM(t, "right"), KeyType: domain.KeyEd25519},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(c)
			var kpe *KeyParseError
			require.True(t, errors.As(err, &kpe), "got %v", err)
		})
	}
}

func TestResolve_UnknownKind(t *testing.T) {
	_, err := Resolve(domain.Credential{Kind: "token"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
