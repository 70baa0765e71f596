package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrLeaseHeld = errors.New("lease held by another dispatcher")
)

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) conn(tx *sql.Tx) Queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const workItemColumns = `id,kind,title,body,COALESCE(rich_body,''),status,priority,COALESCE(project_path,''),parent_id,acceptance_criteria_json,COALESCE(last_error,''),lease_owner,lease_expires_at,created_at,updated_at`

// claimable lists statuses the periodic claim may pick up. inFlight items are
// only reclaimed once the lease of the dispatcher that held them has expired.
const (
	claimable = `('new','planned')`
	inFlight  = `('executing','verifying')`
)

func scanWorkItem(row scanner) (domain.WorkItem, error) {
	var (
		w        domain.WorkItem
		parentID sql.NullInt64
		criteria string
		owner    sql.NullString
		expires  sql.NullString
	)
	err := row.Scan(&w.ID, &w.Kind, &w.Title, &w.Body, &w.RichBody, &w.Status, &w.Priority, &w.ProjectPath,
		&parentID, &criteria, &w.LastError, &owner, &expires, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if parentID.Valid {
		w.ParentID = &parentID.Int64
	}
	if owner.Valid {
		w.LeaseOwner = &owner.String
	}
	if expires.Valid {
		w.LeaseExpiresAt = &expires.String
	}
	if criteria != "" {
		if err := json.Unmarshal([]byte(criteria), &w.AcceptanceCriteria); err != nil {
			return w, fmt.Errorf("decode acceptance criteria for item %d: %w", w.ID, err)
		}
	}
	return w, nil
}

// InsertWorkItem stores a new item and returns it with its assigned id.
func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) (domain.WorkItem, error) {
	if w.Kind == domain.KindFinding && w.ParentID == nil {
		return w, errors.New("finding items require a parent")
	}
	if w.AcceptanceCriteria == nil {
		w.AcceptanceCriteria = []string{}
	}
	criteria, err := json.Marshal(w.AcceptanceCriteria)
	if err != nil {
		return w, err
	}
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO work_items(kind,title,body,rich_body,status,priority,project_path,parent_id,acceptance_criteria_json,last_error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.Kind, w.Title, w.Body, nullable(w.RichBody), w.Status, w.Priority, nullable(w.ProjectPath), nullableInt64(w.ParentID),
		string(criteria), nullable(w.LastError), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.ID, err = res.LastInsertId()
	return w, err
}

func (r Repo) GetWorkItem(ctx context.Context, id int64) (domain.WorkItem, error) {
	return r.GetWorkItemTx(ctx, nil, id)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id int64) (domain.WorkItem, error) {
	return scanWorkItem(r.conn(tx).QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

// WorkItemFilter narrows ListWorkItems. Zero values match everything.
type WorkItemFilter struct {
	Status   string
	Kind     string
	ParentID *int64
	Limit    int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilter) ([]domain.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, f.Kind)
	}
	if f.ParentID != nil {
		where = append(where, "parent_id=?")
		args = append(args, *f.ParentID)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// UpdateWorkItemStatus sets status and the operator-facing error text.
func (r Repo) UpdateWorkItemStatus(ctx context.Context, tx *sql.Tx, id int64, status, lastError, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE work_items SET status=?, last_error=?, updated_at=? WHERE id=?`,
		status, nullable(lastError), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNext leases the most urgent claimable item in one statement, so two
// dispatchers can never hold the same item. Items left in flight by a
// dispatcher that died are picked up once their lease expires. Returns
// ErrNotFound when the queue is empty.
func (r Repo) ClaimNext(ctx context.Context, owner, now, expiresAt string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE work_items SET lease_owner=?, lease_expires_at=?, updated_at=?
WHERE id = (
  SELECT id FROM work_items
  WHERE (status IN `+claimable+` AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?))
     OR (status IN `+inFlight+` AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
  ORDER BY priority ASC, id ASC LIMIT 1
)
RETURNING `+workItemColumns, owner, expiresAt, now, now, now)
	return scanWorkItem(row)
}

// ClaimByID leases a specific item regardless of status. The caller decides
// whether the status is runnable.
func (r Repo) ClaimByID(ctx context.Context, id int64, owner, now, expiresAt string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE work_items SET lease_owner=?, lease_expires_at=?, updated_at=?
WHERE id=? AND (lease_owner IS NULL OR lease_owner=? OR lease_expires_at IS NULL OR lease_expires_at < ?)
RETURNING `+workItemColumns, owner, expiresAt, now, id, owner, now)
	w, err := scanWorkItem(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetWorkItem(ctx, id); getErr != nil {
			return w, getErr
		}
		return w, ErrLeaseHeld
	}
	return w, err
}

// RenewLease pushes the lease expiry forward. It fails with ErrLeaseHeld when
// owner no longer holds the item.
func (r Repo) RenewLease(ctx context.Context, id int64, owner, expiresAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_items SET lease_expires_at=? WHERE id=? AND lease_owner=?`, expiresAt, id, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease clears the lease if owner still holds it.
func (r Repo) ReleaseLease(ctx context.Context, id int64, owner string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE work_items SET lease_owner=NULL, lease_expires_at=NULL WHERE id=? AND lease_owner=?`, id, owner)
	return err
}

func (r Repo) InsertLink(ctx context.Context, tx *sql.Tx, l domain.Link) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO work_item_links(from_id,to_id,relation,created_at) VALUES (?,?,?,?)`,
		l.FromID, l.ToID, l.Relation, l.CreatedAt)
	return err
}

// ListLinks returns links where the item is on either end.
func (r Repo) ListLinks(ctx context.Context, id int64) ([]domain.Link, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_id,to_id,relation,created_at FROM work_item_links WHERE from_id=? OR to_id=? ORDER BY created_at, from_id`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Link
	for rows.Next() {
		var l domain.Link
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Relation, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
