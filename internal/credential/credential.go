// Package credential turns stored credentials into SSH authentication material.
package credential

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// Auth is the resolved (username, secret, key) tuple used to open an SSH session.
type Auth struct {
	Username string
	Password string
	Signer   ssh.Signer
}

// Methods 返回 ssh 认证方式: 私钥优先, 其次密码
func (a Auth) Methods() []ssh.AuthMethod {
	var m []ssh.AuthMethod
	if a.Signer != nil {
		m = append(m, ssh.PublicKeys(a.Signer))
	}
	if a.Password != "" {
		m = append(m, ssh.Password(a.Password))
	}
	return m
}

// KeyParseError reports a private key that is malformed, encrypted with a
// different passphrase, or not of the declared type.
type KeyParseError struct {
	KeyType domain.KeyType
	Err     error
}

func (e *KeyParseError) Error() string {
	return fmt.Sprintf("parse %s private key: %v", e.KeyType, e.Err)
}

func (e *KeyParseError) Unwrap() error { return e.Err }

// ErrUnknownKind is returned for credential kinds that cannot authenticate over SSH.
var ErrUnknownKind = errors.New("unknown credential kind")

// Resolve builds the authentication tuple for c.
func Resolve(c domain.Credential) (Auth, error) {
	switch c.Kind {
	case domain.CredentialPassword:
		return Auth{Username: c.Username, Password: c.Secret}, nil
	case domain.CredentialSSHKeyNoPassword:
		signer, err := ParseKey(c.Key, c.KeyType, "")
		if err != nil {
			return Auth{}, err
		}
		return Auth{Username: c.Username, Signer: signer}, nil
	case domain.CredentialSSHKeyPassword:
		signer, err := ParseKey(c.Key, c.KeyType, c.Secret)
		if err != nil {
			return Auth{}, err
		}
		return Auth{Username: c.Username, Password: c.Secret, Signer: signer}, nil
	}
	return Auth{}, fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
}

var keyTypePrefixes = map[domain.KeyType]string{
	domain.KeyEd25519: ssh.KeyAlgoED25519,
	domain.KeyECDSA:   "ecdsa-sha2-",
	domain.KeyDSS:     ssh.KeyAlgoDSA,
	domain.KeyRSA:     ssh.KeyAlgoRSA,
}

// ValidKeyType reports whether kt is a supported key type.
func ValidKeyType(kt domain.KeyType) bool {
	_, ok := keyTypePrefixes[kt]
	return ok
}

// ParseKey parses PEM/OpenSSH key text, decrypting it with passphrase when given,
// and checks that it matches the declared type.
func ParseKey(text string, kt domain.KeyType, passphrase string) (ssh.Signer, error) {
	prefix, ok := keyTypePrefixes[kt]
	if !ok {
		return nil, &KeyParseError{KeyType: kt, Err: errors.New("unsupported key type")}
	}
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase == "" {
		signer, err = ssh.ParsePrivateKey([]byte(text))
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(text), []byte(passphrase))
	}
	if err != nil {
		return nil, &KeyParseError{KeyType: kt, Err: err}
	}
	if got := signer.PublicKey().Type(); !strings.HasPrefix(got, prefix) {
		return nil, &KeyParseError{KeyType: kt, Err: fmt.Errorf("key is %s", got)}
	}
	return signer, nil
}
