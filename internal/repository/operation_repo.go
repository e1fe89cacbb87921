package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// OperationRepo stores custom operations and their machine links. Steps are
// kept as a JSON array.
type OperationRepo struct {
	db *sql.DB
}

func NewOperationRepo(db *sql.DB) *OperationRepo { return &OperationRepo{db: db} }

const operationCols = `o.id, o.name, o.description, o.steps`

func scanOperation(sc interface{ Scan(...any) error }) (domain.CustomOperation, error) {
	var (
		op    domain.CustomOperation
		steps string
	)
	if err := sc.Scan(&op.ID, &op.Name, &op.Description, &steps); err != nil {
		return domain.CustomOperation{}, err
	}
	if err := json.Unmarshal([]byte(steps), &op.Steps); err != nil {
		return domain.CustomOperation{}, fmt.Errorf("decode steps of %s: %w", op.Name, err)
	}
	return op, nil
}

func (r *OperationRepo) list(ctx context.Context, q string, args ...any) ([]domain.CustomOperation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.CustomOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, op)
	}
	return list, rows.Err()
}

func (r *OperationRepo) Get(ctx context.Context, id int64) (domain.CustomOperation, error) {
	op, err := scanOperation(r.db.QueryRowContext(ctx, `SELECT `+operationCols+` FROM custom_operations o WHERE o.id = ?`, id))
	if err != nil {
		return domain.CustomOperation{}, notFound(err, "custom operation", id)
	}
	return op, nil
}

func (r *OperationRepo) GetByName(ctx context.Context, name string) (domain.CustomOperation, error) {
	op, err := scanOperation(r.db.QueryRowContext(ctx, `SELECT `+operationCols+` FROM custom_operations o WHERE o.name = ?`, name))
	if err != nil {
		return domain.CustomOperation{}, notFound(err, "custom operation", name)
	}
	return op, nil
}

func (r *OperationRepo) List(ctx context.Context) ([]domain.CustomOperation, error) {
	return r.list(ctx, `SELECT `+operationCols+` FROM custom_operations o ORDER BY o.name ASC`)
}

// ForMachine returns the custom operations attached to a machine.
func (r *OperationRepo) ForMachine(ctx context.Context, machineID int64) ([]domain.CustomOperation, error) {
	return r.list(ctx, `SELECT `+operationCols+` FROM custom_operations o
		JOIN machine_custom_operation mo ON mo.operation_id = o.id
		WHERE mo.machine_id = ? ORDER BY o.name ASC`, machineID)
}

// Save 按名称 upsert
func (r *OperationRepo) Save(ctx context.Context, op *domain.CustomOperation) error {
	steps := op.Steps
	if steps == nil {
		steps = []domain.Step{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	if op.ID != 0 {
		res, err := r.db.ExecContext(ctx, `UPDATE custom_operations SET name = ?, description = ?, steps = ? WHERE id = ?`,
			op.Name, op.Description, string(b), op.ID)
		if err != nil {
			return fmt.Errorf("update custom operation %s: %w", op.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("custom operation %d: %w", op.ID, ErrNotFound)
		}
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO custom_operations (name, description, steps) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET description = excluded.description, steps = excluded.steps`,
		op.Name, op.Description, string(b)); err != nil {
		return fmt.Errorf("save custom operation %s: %w", op.Name, err)
	}
	return r.db.QueryRowContext(ctx, `SELECT id FROM custom_operations WHERE name = ?`, op.Name).Scan(&op.ID)
}

func (r *OperationRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM custom_operations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("custom operation %d: %w", id, ErrNotFound)
	}
	return nil
}

// Attach links an operation to a machine; linking twice is a no-op.
func (r *OperationRepo) Attach(ctx context.Context, machineID, operationID int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO machine_custom_operation (machine_id, operation_id) VALUES (?,?)`, machineID, operationID)
	if err != nil {
		return fmt.Errorf("attach operation %d to machine %d: %w", operationID, machineID, err)
	}
	return nil
}

func (r *OperationRepo) Detach(ctx context.Context, machineID, operationID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM machine_custom_operation WHERE machine_id = ? AND operation_id = ?`, machineID, operationID)
	return err
}
