package repo

import (
	"context"

	"stageline/internal/domain"
)

// EventFilter narrows event queries. Zero values match everything.
type EventFilter struct {
	Kind        string
	SubjectType string
	SubjectID   string
	AfterID     int64
	Limit       int
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query, args := eventQuery(f)
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > f.AfterID in id order.
func (r Repo) EventsAfter(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query, args := eventQuery(f)
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func eventQuery(f EventFilter) (string, []any) {
	query := `SELECT id,ts,kind,subject_type,COALESCE(subject_id,''),payload_json FROM events WHERE id > ?`
	args := []any{f.AfterID}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	if f.SubjectType != "" {
		query += ` AND subject_type=?`
		args = append(args, f.SubjectType)
	}
	if f.SubjectID != "" {
		query += ` AND subject_id=?`
		args = append(args, f.SubjectID)
	}
	return query, args
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &e.SubjectType, &e.SubjectID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
