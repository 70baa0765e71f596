package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const findingColumns = `id,work_item_id,run_id,severity,title,COALESCE(details,''),blocking,child_work_item_id,created_at,resolved_at`

func scanFinding(row scanner) (domain.Finding, error) {
	var (
		f        domain.Finding
		runID    sql.NullInt64
		child    sql.NullInt64
		resolved sql.NullString
	)
	if err := row.Scan(&f.ID, &f.WorkItemID, &runID, &f.Severity, &f.Title, &f.Details, &f.Blocking, &child, &f.CreatedAt, &resolved); err != nil {
		return f, err
	}
	if runID.Valid {
		f.RunID = &runID.Int64
	}
	if child.Valid {
		f.ChildWorkItemID = &child.Int64
	}
	if resolved.Valid {
		f.ResolvedAt = &resolved.String
	}
	return f, nil
}

func (r Repo) InsertFinding(ctx context.Context, tx *sql.Tx, f domain.Finding) (domain.Finding, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO findings(work_item_id,run_id,severity,title,details,blocking,child_work_item_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.WorkItemID, nullableInt64(f.RunID), f.Severity, f.Title, nullable(f.Details), f.Blocking, nullableInt64(f.ChildWorkItemID), f.CreatedAt)
	if err != nil {
		return f, err
	}
	f.ID, err = res.LastInsertId()
	return f, err
}

// ResolveFindingsByWorkItem marks open findings on the item resolved.
// Already resolved rows are left alone, so repeating the call is a no-op.
func (r Repo) ResolveFindingsByWorkItem(ctx context.Context, tx *sql.Tx, itemID int64, now string) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE findings SET resolved_at=? WHERE work_item_id=? AND resolved_at IS NULL`, now, itemID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResolveFindingsByChild marks open findings whose follow-up item is childID resolved.
func (r Repo) ResolveFindingsByChild(ctx context.Context, tx *sql.Tx, childID int64, now string) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE findings SET resolved_at=? WHERE child_work_item_id=? AND resolved_at IS NULL`, now, childID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) HasOpenBlockingFindings(ctx context.Context, tx *sql.Tx, itemID int64) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM findings WHERE work_item_id=? AND blocking=1 AND resolved_at IS NULL`, itemID).Scan(&n)
	return n > 0, err
}

// FindingFilter narrows ListFindings. Zero values match everything.
type FindingFilter struct {
	WorkItemID int64
	OpenOnly   bool
	Limit      int
}

func (r Repo) ListFindings(ctx context.Context, f FindingFilter) ([]domain.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE 1=1`
	var args []any
	if f.WorkItemID > 0 {
		query += ` AND work_item_id=?`
		args = append(args, f.WorkItemID)
	}
	if f.OpenOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
