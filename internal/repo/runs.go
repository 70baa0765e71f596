package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

const runColumns = `id,work_item_id,stage,profile_id,log_path,artifact_dir,status,exit_code,COALESCE(error_text,''),started_at,ended_at`

func scanRun(row scanner) (domain.Run, error) {
	var (
		run   domain.Run
		exit  sql.NullInt64
		ended sql.NullString
	)
	err := row.Scan(&run.ID, &run.WorkItemID, &run.Stage, &run.ProfileID, &run.LogPath, &run.ArtifactDir, &run.Status,
		&exit, &run.ErrorText, &run.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if exit.Valid {
		code := int(exit.Int64)
		run.ExitCode = &code
	}
	if ended.Valid {
		run.EndedAt = &ended.String
	}
	return run, nil
}

// InsertRun records a started stage attempt.
func (r Repo) InsertRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO runs(work_item_id,stage,profile_id,log_path,artifact_dir,status,started_at) VALUES (?,?,?,?,?,?,?)`,
		run.WorkItemID, run.Stage, run.ProfileID, run.LogPath, run.ArtifactDir, run.Status, run.StartedAt)
	if err != nil {
		return run, err
	}
	run.ID, err = res.LastInsertId()
	return run, err
}

// CompleteRun writes the terminal fields. Completed runs are never touched again.
func (r Repo) CompleteRun(ctx context.Context, id int64, status string, exitCode int, errorText, endedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, exit_code=?, error_text=?, ended_at=? WHERE id=? AND ended_at IS NULL`,
		status, exitCode, nullable(errorText), endedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRuns returns runs for an item, or all runs when itemID is zero.
func (r Repo) ListRuns(ctx context.Context, itemID int64, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if itemID > 0 {
		query += ` WHERE work_item_id=?`
		args = append(args, itemID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
