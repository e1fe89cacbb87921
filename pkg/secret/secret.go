// Package secret 提供凭据字段的静态加密 (age X25519)。
// 已加密字段带 Prefix 前缀; 无前缀的值视为旧数据按原文返回。
package secret

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Prefix 标识已加密字段。
const Prefix = "enc:"

// Sealer encrypts to and decrypts with a single age identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

func NewSealer(id *age.X25519Identity) *Sealer {
	return &Sealer{identity: id, recipient: id.Recipient()}
}

// NewEphemeralSealer 生成一次性身份, 用于测试与内存库。
func NewEphemeralSealer() (*Sealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return NewSealer(id), nil
}

// LoadOrCreateIdentity reads an AGE-SECRET-KEY file, creating it (0600) when missing.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, perr := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if perr != nil {
			return nil, fmt.Errorf("parsing identity %s: %w", path, perr)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing identity %s: %w", path, err)
	}
	return id, nil
}

// EncryptString 加密; 仅空串原样返回。值本身以 Prefix 开头时同样加密。
func (s *Sealer) EncryptString(v string) (string, error) {
	if v == "" {
		return v, nil
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, v); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecryptString 解密; 若不是加密格式则原样返回以兼容旧数据。
func (s *Sealer) DecryptString(v string) (string, error) {
	if !strings.HasPrefix(v, Prefix) {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading plaintext: %w", err)
	}
	return string(plain), nil
}
