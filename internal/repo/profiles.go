package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

const profileColumns = `id,complexity,stage,agent,COALESCE(model,''),runtime,COALESCE(provider,''),auth_mode,timeout_seconds`

func scanProfile(row scanner) (domain.ExecutionProfile, error) {
	var p domain.ExecutionProfile
	err := row.Scan(&p.ID, &p.Complexity, &p.Stage, &p.Agent, &p.Model, &p.Runtime, &p.Provider, &p.AuthMode, &p.TimeoutSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// LookupProfile returns the profile bound to (complexity, stage) or ErrNotFound.
func (r Repo) LookupProfile(ctx context.Context, complexity, stage string) (domain.ExecutionProfile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM execution_profiles WHERE complexity=? AND stage=?`, complexity, stage))
}

func (r Repo) UpsertProfile(ctx context.Context, tx *sql.Tx, p domain.ExecutionProfile) error {
	if p.ID == "" {
		p.ID = p.Complexity + "." + p.Stage
	}
	if p.Runtime == "" {
		p.Runtime = domain.RuntimeHost
	}
	if p.AuthMode == "" {
		p.AuthMode = "api_key"
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO execution_profiles(id,complexity,stage,agent,model,runtime,provider,auth_mode,timeout_seconds)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(complexity,stage) DO UPDATE SET id=excluded.id, agent=excluded.agent, model=excluded.model, runtime=excluded.runtime,
  provider=excluded.provider, auth_mode=excluded.auth_mode, timeout_seconds=excluded.timeout_seconds`,
		p.ID, p.Complexity, p.Stage, p.Agent, nullable(p.Model), p.Runtime, nullable(p.Provider), p.AuthMode, p.TimeoutSeconds)
	return err
}

// ReplaceProfiles swaps the whole profile table for the given set.
func (r Repo) ReplaceProfiles(ctx context.Context, profiles []domain.ExecutionProfile) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_profiles`); err != nil {
		return err
	}
	for _, p := range profiles {
		if err := r.UpsertProfile(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) DeleteProfile(ctx context.Context, complexity, stage string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM execution_profiles WHERE complexity=? AND stage=?`, complexity, stage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListProfiles(ctx context.Context) ([]domain.ExecutionProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+profileColumns+` FROM execution_profiles
ORDER BY CASE complexity WHEN 'simple' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
         CASE stage WHEN 'plan' THEN 0 WHEN 'execute' THEN 1 ELSE 2 END`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
