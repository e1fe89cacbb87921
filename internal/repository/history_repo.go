package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

type HistoryRepo struct{ db *sql.DB }

func NewHistoryRepo(db *sql.DB) *HistoryRepo { return &HistoryRepo{db: db} }

const historyInsert = `INSERT INTO action_history(machine_id,machine_name,action,argument,provider,status,error_text,started_at,finished_at,duration_ms)
        VALUES (?,?,?,?,?,?,?,?,?,?)`

const historyCols = `id,machine_id,machine_name,action,argument,provider,status,error_text,started_at,finished_at,duration_ms`

func fillTimes(h *domain.ActionHistory) {
	now := time.Now()
	if h.StartedAt.IsZero() {
		h.StartedAt = now
	}
	if h.FinishedAt.IsZero() {
		h.FinishedAt = now
	}
}

func historyArgs(h *domain.ActionHistory) []any {
	return []any{h.MachineID, h.MachineName, h.Action, h.Argument, h.Provider, h.Status, h.ErrorText,
		formatTime(h.StartedAt), formatTime(h.FinishedAt), h.DurationMs}
}

func (r *HistoryRepo) Insert(ctx context.Context, h *domain.ActionHistory) error {
	fillTimes(h)
	res, err := r.db.ExecContext(ctx, historyInsert, historyArgs(h)...)
	if err != nil {
		return err
	}
	h.ID, _ = res.LastInsertId()
	return nil
}

// InsertBatch 单事务批量写入
func (r *HistoryRepo) InsertBatch(ctx context.Context, hs []*domain.ActionHistory) error {
	if len(hs) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, historyInsert)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, h := range hs {
			fillTimes(h)
			res, err := stmt.ExecContext(ctx, historyArgs(h)...)
			if err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
			h.ID, _ = res.LastInsertId()
		}
		return nil
	})
}

func (r *HistoryRepo) query(ctx context.Context, q string, args ...any) ([]domain.ActionHistory, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []domain.ActionHistory
	for rows.Next() {
		var (
			h                 domain.ActionHistory
			started, finished string
		)
		if err := rows.Scan(&h.ID, &h.MachineID, &h.MachineName, &h.Action, &h.Argument, &h.Provider, &h.Status,
			&h.ErrorText, &started, &finished, &h.DurationMs); err != nil {
			return nil, err
		}
		h.StartedAt, h.FinishedAt = parseTime(started), parseTime(finished)
		list = append(list, h)
	}
	return list, rows.Err()
}

func (r *HistoryRepo) ListRecent(ctx context.Context, limit int) ([]domain.ActionHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `SELECT `+historyCols+` FROM action_history ORDER BY id DESC LIMIT ?`, limit)
}

// ListFiltered 支持按机器名与动作关键字过滤 (模糊匹配)。传空表示忽略该条件。
func (r *HistoryRepo) ListFiltered(ctx context.Context, limit int, machine, actionLike string) ([]domain.ActionHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	where := ""
	args := []any{}
	if machine != "" {
		where += " AND machine_name LIKE ?"
		args = append(args, "%"+machine+"%")
	}
	if actionLike != "" {
		where += " AND action LIKE ?"
		args = append(args, "%"+actionLike+"%")
	}
	args = append(args, limit)
	return r.query(ctx, `SELECT `+historyCols+` FROM action_history WHERE 1=1`+where+` ORDER BY id DESC LIMIT ?`, args...)
}

// Cleanup 根据保留天数与最大行数裁剪
func (r *HistoryRepo) Cleanup(ctx context.Context, retentionDays, maxRows int) error {
	if retentionDays > 0 {
		cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
		if _, err := r.db.ExecContext(ctx, `DELETE FROM action_history WHERE started_at < ?`, cutoff); err != nil {
			return fmt.Errorf("cleanup by age: %w", err)
		}
	}
	if maxRows > 0 {
		// 删除超过 maxRows 的最旧行
		if _, err := r.db.ExecContext(ctx, `DELETE FROM action_history WHERE id IN (SELECT id FROM action_history ORDER BY id DESC LIMIT -1 OFFSET ?)`, maxRows); err != nil {
			return fmt.Errorf("cleanup by rows: %w", err)
		}
	}
	return nil
}
