package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

type MachineRepo struct {
	db *sql.DB
}

func NewMachineRepo(db *sql.DB) *MachineRepo {
	return &MachineRepo{db: db}
}

const machineCols = `id, name, place, last_status, last_status_time`

func scanMachine(sc interface{ Scan(...any) error }) (domain.Machine, error) {
	var (
		m          domain.Machine
		status, ts string
	)
	if err := sc.Scan(&m.ID, &m.Name, &m.Place, &status, &ts); err != nil {
		return domain.Machine{}, err
	}
	m.LastStatus, _ = domain.ParseStatus(status)
	m.LastStatusTime = parseTime(ts)
	return m, nil
}

func (r *MachineRepo) Get(ctx context.Context, id int64) (domain.Machine, error) {
	m, err := scanMachine(r.db.QueryRowContext(ctx, `SELECT `+machineCols+` FROM machines WHERE id = ?`, id))
	if err != nil {
		return domain.Machine{}, notFound(err, "machine", id)
	}
	return m, nil
}

func (r *MachineRepo) GetByName(ctx context.Context, name string) (domain.Machine, error) {
	m, err := scanMachine(r.db.QueryRowContext(ctx, `SELECT `+machineCols+` FROM machines WHERE name = ?`, name))
	if err != nil {
		return domain.Machine{}, notFound(err, "machine", name)
	}
	return m, nil
}

func (r *MachineRepo) listWhere(ctx context.Context, where string, args ...any) ([]domain.Machine, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+machineCols+` FROM machines`+where+` ORDER BY name ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// List returns all machines by name.
func (r *MachineRepo) List(ctx context.Context) ([]domain.Machine, error) {
	return r.listWhere(ctx, "")
}

// Search 按名称或位置模糊匹配, 空串返回全部
func (r *MachineRepo) Search(ctx context.Context, q string) ([]domain.Machine, error) {
	like := "%" + q + "%"
	return r.listWhere(ctx, ` WHERE name LIKE ? OR place LIKE ?`, like, like)
}

// GetByIDs 批量获取, 不存在的 id 被忽略
func (r *MachineRepo) GetByIDs(ctx context.Context, ids []int64) ([]domain.Machine, error) {
	if len(ids) == 0 {
		return []domain.Machine{}, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return r.listWhere(ctx, ` WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
}

// Save inserts m, or updates name and place when m.ID is set.
func (r *MachineRepo) Save(ctx context.Context, m *domain.Machine) error {
	return saveMachine(ctx, r.db, m)
}

func saveMachine(ctx context.Context, q queryer, m *domain.Machine) error {
	if m.ID == 0 {
		res, err := q.ExecContext(ctx, `INSERT INTO machines (name, place, last_status, last_status_time) VALUES (?,?,?,?)`,
			m.Name, m.Place, m.LastStatus.Key(), formatTime(m.LastStatusTime))
		if err != nil {
			return fmt.Errorf("insert machine %s: %w", m.Name, err)
		}
		m.ID, _ = res.LastInsertId()
		return nil
	}
	res, err := q.ExecContext(ctx, `UPDATE machines SET name = ?, place = ? WHERE id = ?`, m.Name, m.Place, m.ID)
	if err != nil {
		return fmt.Errorf("update machine %s: %w", m.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("machine %d: %w", m.ID, ErrNotFound)
	}
	return nil
}

// Delete removes the machine with its hardware features, platforms and
// custom operation links.
func (r *MachineRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("machine %d: %w", id, ErrNotFound)
	}
	return nil
}

// CommitStatus 记录最近一次收敛到的状态 (后写覆盖)
func (r *MachineRepo) CommitStatus(ctx context.Context, id int64, status domain.MachineStatus, at time.Time) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE machines SET last_status = ?, last_status_time = ? WHERE id = ?`,
			status.Key(), formatTime(at), id)
		if err != nil {
			return fmt.Errorf("commit status of machine %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("machine %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

const hardwareCols = `id, machine_id, kind, mac_address, host_id, vm_uuid`

func scanHardware(sc interface{ Scan(...any) error }) (domain.HardwareFeatures, error) {
	var (
		h    domain.HardwareFeatures
		kind string
		host sql.NullInt64
		vm   string
	)
	if err := sc.Scan(&h.ID, &h.MachineID, &kind, &h.MACAddress, &host, &vm); err != nil {
		return domain.HardwareFeatures{}, err
	}
	h.Kind = domain.HardwareKind(kind)
	h.HostPlatformID = ptrInt(host)
	if vm != "" {
		h.VMUUID, _ = uuid.Parse(vm)
	}
	return h, nil
}

// Hardware returns the machine's hardware features, or nil when it has none.
func (r *MachineRepo) Hardware(ctx context.Context, machineID int64) (*domain.HardwareFeatures, error) {
	h, err := scanHardware(r.db.QueryRowContext(ctx, `SELECT `+hardwareCols+` FROM hardware_features WHERE machine_id = ?`, machineID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// SetHardware replaces the machine's hardware features; nil removes them.
func (r *MachineRepo) SetHardware(ctx context.Context, machineID int64, h *domain.HardwareFeatures) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return setHardware(ctx, tx, machineID, h)
	})
}

func setHardware(ctx context.Context, q queryer, machineID int64, h *domain.HardwareFeatures) error {
	if h == nil {
		_, err := q.ExecContext(ctx, `DELETE FROM hardware_features WHERE machine_id = ?`, machineID)
		return err
	}
	vm := ""
	if h.VMUUID != uuid.Nil {
		vm = h.VMUUID.String()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO hardware_features (machine_id, kind, mac_address, host_id, vm_uuid) VALUES (?,?,?,?,?)
		ON CONFLICT(machine_id) DO UPDATE SET kind = excluded.kind, mac_address = excluded.mac_address,
		host_id = excluded.host_id, vm_uuid = excluded.vm_uuid`,
		machineID, string(h.Kind), h.MACAddress, nullInt(h.HostPlatformID), vm)
	if err != nil {
		return fmt.Errorf("save hardware of machine %d: %w", machineID, err)
	}
	h.MachineID = machineID
	if h.ID == 0 {
		if err := q.QueryRowContext(ctx, `SELECT id FROM hardware_features WHERE machine_id = ?`, machineID).Scan(&h.ID); err != nil {
			return err
		}
	}
	return nil
}

const platformCols = `id, machine_id, kind, priority, hostname, credential_id`

func scanPlatform(sc interface{ Scan(...any) error }) (domain.SoftwarePlatform, error) {
	var (
		p    domain.SoftwarePlatform
		kind string
		cred sql.NullInt64
	)
	if err := sc.Scan(&p.ID, &p.MachineID, &kind, &p.Priority, &p.Hostname, &cred); err != nil {
		return domain.SoftwarePlatform{}, err
	}
	p.Kind = domain.PlatformKind(kind)
	p.CredentialID = ptrInt(cred)
	return p, nil
}

// Platforms returns the machine's platforms by priority.
func (r *MachineRepo) Platforms(ctx context.Context, machineID int64) ([]domain.SoftwarePlatform, error) {
	return listPlatforms(ctx, r.db, machineID)
}

func listPlatforms(ctx context.Context, q queryer, machineID int64) ([]domain.SoftwarePlatform, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+platformCols+` FROM software_platforms WHERE machine_id = ? ORDER BY priority ASC, id ASC`, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.SoftwarePlatform
	for rows.Next() {
		p, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *MachineRepo) Platform(ctx context.Context, id int64) (domain.SoftwarePlatform, error) {
	p, err := scanPlatform(r.db.QueryRowContext(ctx, `SELECT `+platformCols+` FROM software_platforms WHERE id = ?`, id))
	if err != nil {
		return domain.SoftwarePlatform{}, notFound(err, "platform", id)
	}
	return p, nil
}

// AddPlatform inserts p at position index (clamped), shifting later platforms down.
func (r *MachineRepo) AddPlatform(ctx context.Context, machineID int64, p *domain.SoftwarePlatform, index int) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		list, err := listPlatforms(ctx, tx, machineID)
		if err != nil {
			return err
		}
		if index < 0 || index > len(list) {
			index = len(list)
		}
		p.MachineID = machineID
		res, err := tx.ExecContext(ctx, `INSERT INTO software_platforms (machine_id, kind, priority, hostname, credential_id) VALUES (?,?,?,?,?)`,
			machineID, string(p.Kind), index, p.Hostname, nullInt(p.CredentialID))
		if err != nil {
			return fmt.Errorf("insert platform %s: %w", p.Hostname, err)
		}
		p.ID, _ = res.LastInsertId()
		p.Priority = index
		ids := make([]int64, 0, len(list)+1)
		for _, x := range list {
			ids = append(ids, x.ID)
		}
		ids = append(ids[:index], append([]int64{p.ID}, ids[index:]...)...)
		return reindex(ctx, tx, ids)
	})
}

// RemovePlatform deletes a platform and closes the gap in priorities.
func (r *MachineRepo) RemovePlatform(ctx context.Context, id int64) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var machineID int64
		if err := tx.QueryRowContext(ctx, `SELECT machine_id FROM software_platforms WHERE id = ?`, id).Scan(&machineID); err != nil {
			return notFound(err, "platform", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM software_platforms WHERE id = ?`, id); err != nil {
			return err
		}
		list, err := listPlatforms(ctx, tx, machineID)
		if err != nil {
			return err
		}
		ids := make([]int64, len(list))
		for i, p := range list {
			ids[i] = p.ID
		}
		return reindex(ctx, tx, ids)
	})
}

// MovePlatform moves the platform at position from to position to; the
// others keep their relative order and priorities stay dense.
func (r *MachineRepo) MovePlatform(ctx context.Context, machineID int64, from, to int) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		list, err := listPlatforms(ctx, tx, machineID)
		if err != nil {
			return err
		}
		ids, err := Move(idsOf(list), from, to)
		if err != nil {
			return err
		}
		return reindex(ctx, tx, ids)
	})
}

func idsOf(list []domain.SoftwarePlatform) []int64 {
	ids := make([]int64, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	return ids
}

// Move returns a copy of s with element from relocated to index to.
func Move[T any](s []T, from, to int) ([]T, error) {
	n := len(s)
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, fmt.Errorf("move %d -> %d: index out of range [0,%d)", from, to, n)
	}
	out := make([]T, 0, n)
	for i, v := range s {
		if i != from {
			out = append(out, v)
		}
	}
	v := s[from]
	out = append(out[:to], append([]T{v}, out[to:]...)...)
	return out, nil
}

// reindex 按给定顺序重写 priority = 下标
func reindex(ctx context.Context, q queryer, ids []int64) error {
	for i, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE software_platforms SET priority = ? WHERE id = ?`, i, id); err != nil {
			return fmt.Errorf("reindex platform %d: %w", id, err)
		}
	}
	return nil
}

// SaveGraph writes a machine with its hardware features and ordered platforms
// in one transaction. Existing platforms are matched by ID and updated;
// platforms no longer listed are deleted.
func (r *MachineRepo) SaveGraph(ctx context.Context, m *domain.Machine, hw *domain.HardwareFeatures, platforms []domain.SoftwarePlatform) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := saveMachine(ctx, tx, m); err != nil {
			return err
		}
		existing, err := listPlatforms(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		keep := map[int64]bool{}
		for i := range platforms {
			p := &platforms[i]
			p.MachineID, p.Priority = m.ID, i
			if p.ID != 0 {
				res, err := tx.ExecContext(ctx, `UPDATE software_platforms SET kind = ?, priority = ?, hostname = ?, credential_id = ? WHERE id = ? AND machine_id = ?`,
					string(p.Kind), i, p.Hostname, nullInt(p.CredentialID), p.ID, m.ID)
				if err != nil {
					return fmt.Errorf("update platform %s: %w", p.Hostname, err)
				}
				if n, _ := res.RowsAffected(); n == 1 {
					keep[p.ID] = true
					continue
				}
			}
			res, err := tx.ExecContext(ctx, `INSERT INTO software_platforms (machine_id, kind, priority, hostname, credential_id) VALUES (?,?,?,?,?)`,
				m.ID, string(p.Kind), i, p.Hostname, nullInt(p.CredentialID))
			if err != nil {
				return fmt.Errorf("insert platform %s: %w", p.Hostname, err)
			}
			p.ID, _ = res.LastInsertId()
			keep[p.ID] = true
		}
		for _, p := range existing {
			if !keep[p.ID] {
				if _, err := tx.ExecContext(ctx, `DELETE FROM software_platforms WHERE id = ?`, p.ID); err != nil {
					return err
				}
			}
		}
		return setHardware(ctx, tx, m.ID, hw)
	})
}
