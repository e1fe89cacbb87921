package domain

// CredentialKind 凭据类型
type CredentialKind string

const (
	CredentialPassword         CredentialKind = "password"
	CredentialSSHKeyNoPassword CredentialKind = "ssh_no_passwd"
	CredentialSSHKeyPassword   CredentialKind = "ssh_with_passwd"
)

// KeyType is the declared private key algorithm.
type KeyType string

const (
	KeyEd25519 KeyType = "ed25519"
	KeyECDSA   KeyType = "ecdsa"
	KeyDSS     KeyType = "dss"
	KeyRSA     KeyType = "rsa"
)

// Credential 登录凭据; Username/Secret/Key 在仓库层加密存储
type Credential struct {
	ID       int64          `json:"id" yaml:"-"`
	Name     string         `json:"name" yaml:"name"`
	Kind     CredentialKind `json:"type" yaml:"type"`
	Username string         `json:"username" yaml:"username"`
	Secret   string         `json:"secret,omitempty" yaml:"secret,omitempty"`
	Key      string         `json:"key,omitempty" yaml:"key,omitempty"`
	KeyType  KeyType        `json:"key_type,omitempty" yaml:"key_type,omitempty"`
}

// RequiresSecret reports whether the kind carries a password.
func (k CredentialKind) RequiresSecret() bool {
	return k == CredentialPassword || k == CredentialSSHKeyPassword
}

// RequiresKey reports whether the kind carries a private key.
func (k CredentialKind) RequiresKey() bool {
	return k == CredentialSSHKeyNoPassword || k == CredentialSSHKeyPassword
}

// Redacted returns a copy without secret material.
func (c Credential) Redacted() Credential {
	c.Secret = ""
	c.Key = ""
	return c
}
