package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
	"github.com/QingMing-Bot/pc-manager/pkg/secret"
)

// CredentialRepo stores credentials with username, secret and key sealed.
type CredentialRepo struct {
	db     *sql.DB
	sealer *secret.Sealer
}

func NewCredentialRepo(db *sql.DB, sealer *secret.Sealer) *CredentialRepo {
	return &CredentialRepo{db: db, sealer: sealer}
}

const credentialCols = `id, name, kind, username, secret, private_key, key_type`

func (r *CredentialRepo) scan(sc interface{ Scan(...any) error }) (domain.Credential, error) {
	var c domain.Credential
	var kind, kt, user, sec, key string
	if err := sc.Scan(&c.ID, &c.Name, &kind, &user, &sec, &key, &kt); err != nil {
		return domain.Credential{}, err
	}
	c.Kind, c.KeyType = domain.CredentialKind(kind), domain.KeyType(kt)
	var err error
	if c.Username, err = r.sealer.DecryptString(user); err != nil {
		return domain.Credential{}, fmt.Errorf("credential %s username: %w", c.Name, err)
	}
	if c.Secret, err = r.sealer.DecryptString(sec); err != nil {
		return domain.Credential{}, fmt.Errorf("credential %s secret: %w", c.Name, err)
	}
	if c.Key, err = r.sealer.DecryptString(key); err != nil {
		return domain.Credential{}, fmt.Errorf("credential %s key: %w", c.Name, err)
	}
	return c, nil
}

func (r *CredentialRepo) Get(ctx context.Context, id int64) (domain.Credential, error) {
	c, err := r.scan(r.db.QueryRowContext(ctx, `SELECT `+credentialCols+` FROM credentials WHERE id = ?`, id))
	if err != nil {
		return domain.Credential{}, notFound(err, "credential", id)
	}
	return c, nil
}

func (r *CredentialRepo) GetByName(ctx context.Context, name string) (domain.Credential, error) {
	c, err := r.scan(r.db.QueryRowContext(ctx, `SELECT `+credentialCols+` FROM credentials WHERE name = ?`, name))
	if err != nil {
		return domain.Credential{}, notFound(err, "credential", name)
	}
	return c, nil
}

// List returns all credentials by name, decrypted.
func (r *CredentialRepo) List(ctx context.Context) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+credentialCols+` FROM credentials ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.Credential
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (r *CredentialRepo) seal(c *domain.Credential) (user, sec, key string, err error) {
	if user, err = r.sealer.EncryptString(c.Username); err != nil {
		return
	}
	if sec, err = r.sealer.EncryptString(c.Secret); err != nil {
		return
	}
	key, err = r.sealer.EncryptString(c.Key)
	return
}

// Save 按名称 upsert, 敏感字段加密后写入
func (r *CredentialRepo) Save(ctx context.Context, c *domain.Credential) error {
	user, sec, key, err := r.seal(c)
	if err != nil {
		return fmt.Errorf("seal credential %s: %w", c.Name, err)
	}
	if c.ID != 0 {
		res, err := r.db.ExecContext(ctx, `UPDATE credentials SET name = ?, kind = ?, username = ?, secret = ?, private_key = ?, key_type = ? WHERE id = ?`,
			c.Name, string(c.Kind), user, sec, key, string(c.KeyType), c.ID)
		if err != nil {
			return fmt.Errorf("update credential %s: %w", c.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("credential %d: %w", c.ID, ErrNotFound)
		}
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO credentials (name, kind, username, secret, private_key, key_type) VALUES (?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET kind = excluded.kind, username = excluded.username, secret = excluded.secret,
		private_key = excluded.private_key, key_type = excluded.key_type`,
		c.Name, string(c.Kind), user, sec, key, string(c.KeyType)); err != nil {
		return fmt.Errorf("save credential %s: %w", c.Name, err)
	}
	return r.db.QueryRowContext(ctx, `SELECT id FROM credentials WHERE name = ?`, c.Name).Scan(&c.ID)
}

// Delete removes a credential; platforms using it keep existing without one.
func (r *CredentialRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	return nil
}
