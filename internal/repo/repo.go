package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"schedline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,status,clock,rules_fired,description_json,COALESCE(snapshot_json,''),COALESCE(error,''),started_at,COALESCE(finished_at,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.Status, &r.Clock, &r.RulesFired, &r.Description, &r.Snapshot, &r.Error, &r.StartedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,status,clock,rules_fired,description_json,started_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Status, run.Clock, run.RulesFired, run.Description, run.StartedAt)
	return err
}

// FinishRunTx records the outcome of a run. Only running runs can finish.
func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?,rules_fired=?,snapshot_json=?,error=?,finished_at=? WHERE id=? AND status=?`,
		run.Status, run.RulesFired, nullable(run.Snapshot), nullable(run.Error), nullable(run.FinishedAt), run.ID, domain.RunRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) ListRuns(ctx context.Context, status string) ([]domain.Run, error) {
	return r.ListRunsWithCursor(ctx, status, 0, "", "")
}

// ListRunsWithCursor pages runs newest first. The cursor is the started_at
// and id of the last run of the previous page.
func (r Repo) ListRunsWithCursor(ctx context.Context, status string, limit int, cursorStartedAt, cursorID string) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if cursorStartedAt != "" && cursorID != "" {
		clauses = append(clauses, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, cursorStartedAt, cursorStartedAt, cursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	// listing leaves out the large json columns
	query := `SELECT id,status,clock,rules_fired,'','',COALESCE(error,''),started_at,COALESCE(finished_at,'') FROM runs ` + where + ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
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

// DeleteRun removes a run and, through the foreign key, its events.
func (r Repo) DeleteRun(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRunsByStatus summarises stored runs.
func (r Repo) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// EventFilters narrows RunEvents.
type EventFilters struct {
	RunID     string
	Type      string
	ProcessID *int
	// After returns events with a larger id, in ascending order.
	After int64
	Limit int
}

func (r Repo) RunEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ProcessID != nil {
		clauses = append(clauses, "process_id=?")
		args = append(args, *f.ProcessID)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,COALESCE(rule,''),process_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var pid sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Rule, &pid, &e.Payload); err != nil {
			return nil, err
		}
		if pid.Valid {
			v := int(pid.Int64)
			e.ProcessID = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events of every run with IDs greater than the cursor
// in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	return r.RunEvents(ctx, EventFilters{After: cursor, Limit: limit})
}

// LatestEventID returns the most recent event ID across runs.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
