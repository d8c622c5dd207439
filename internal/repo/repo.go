package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mentorline/internal/domain"
	"mentorline/internal/store"
)

// Repo is the SQLite implementation of store.Store. The zero tx value runs
// statements on DB; Atomic hands out copies bound to a transaction.
type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

var _ store.Store = Repo{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) conn() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// Atomic runs fn in a transaction. Nested calls reuse the outer transaction.
func (r Repo) Atomic(ctx context.Context, fn func(q store.Queries) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(Repo{DB: r.DB, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) Close() error {
	return r.DB.Close()
}

func (r Repo) InsertGoal(ctx context.Context, text, createdAt string) (int64, error) {
	res, err := r.conn().ExecContext(ctx, `INSERT INTO goals(text,created_at) VALUES (?,?)`, text, createdAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetGoal(ctx context.Context, id int64) (domain.Goal, error) {
	var g domain.Goal
	err := r.conn().QueryRowContext(ctx, `SELECT id,text,created_at FROM goals WHERE id=?`, id).
		Scan(&g.ID, &g.Text, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, store.ErrNotFound
	}
	return g, err
}

func (r Repo) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT id,text,created_at FROM goals ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		if err := rows.Scan(&g.ID, &g.Text, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) DeleteLastGoal(ctx context.Context) (domain.Goal, error) {
	var g domain.Goal
	err := r.conn().QueryRowContext(ctx, `SELECT id,text,created_at FROM goals ORDER BY id DESC LIMIT 1`).
		Scan(&g.ID, &g.Text, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, store.ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if _, err := r.conn().ExecContext(ctx, `DELETE FROM goals WHERE id=?`, g.ID); err != nil {
		return g, fmt.Errorf("delete goal %d: %w", g.ID, err)
	}
	if _, err := r.PruneOrphanTasks(ctx); err != nil {
		return g, err
	}
	return g, nil
}

func (r Repo) PruneOrphanTasks(ctx context.Context) (int64, error) {
	if _, err := r.conn().ExecContext(ctx, `DELETE FROM queue_entries WHERE task_id IN (SELECT id FROM tasks WHERE goal_id NOT IN (SELECT id FROM goals))`); err != nil {
		return 0, fmt.Errorf("prune orphan queue entries: %w", err)
	}
	res, err := r.conn().ExecContext(ctx, `DELETE FROM tasks WHERE goal_id NOT IN (SELECT id FROM goals)`)
	if err != nil {
		return 0, fmt.Errorf("prune orphan tasks: %w", err)
	}
	return res.RowsAffected()
}

func (r Repo) DeleteAllGoals(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM queue_entries`,
		`DELETE FROM tasks`,
		`DELETE FROM goals`,
	} {
		if _, err := r.conn().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (r Repo) InsertTask(ctx context.Context, goalID int64, text string) (int64, error) {
	res, err := r.conn().ExecContext(ctx, `INSERT INTO tasks(goal_id,text,status) VALUES (?,?,?)`, goalID, text, domain.StatusPending)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	err := r.conn().QueryRowContext(ctx, `SELECT id,goal_id,text,status FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.GoalID, &t.Text, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return t, store.ErrNotFound
	}
	return t, err
}

func (r Repo) SetTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	res, err := r.conn().ExecContext(ctx, `UPDATE tasks SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r Repo) PendingTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.listTasks(ctx, `SELECT id,goal_id,text,status FROM tasks WHERE status=? ORDER BY id ASC LIMIT ?`, domain.StatusPending, limit)
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) ClearQueue(ctx context.Context, day string) error {
	_, err := r.conn().ExecContext(ctx, `DELETE FROM queue_entries WHERE day=?`, day)
	return err
}

func (r Repo) Enqueue(ctx context.Context, taskID int64, day string) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO queue_entries(task_id,day) VALUES (?,?)`, taskID, day)
	return err
}

func (r Repo) Dequeue(ctx context.Context, taskID int64) error {
	_, err := r.conn().ExecContext(ctx, `DELETE FROM queue_entries WHERE task_id=?`, taskID)
	return err
}

func (r Repo) QueuedTasks(ctx context.Context, day string) ([]domain.Task, error) {
	return r.listTasks(ctx, `SELECT t.id,t.goal_id,t.text,t.status
FROM queue_entries q JOIN tasks t ON q.task_id=t.id
WHERE q.day=? ORDER BY q.id ASC`, day)
}

func (r Repo) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.GoalID, &t.Text, &t.Status); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
