// Package pgstore implements store.Store on PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mentorline/internal/domain"
	"mentorline/internal/store"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS goals (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			goal_id BIGINT NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
			text TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_id ON tasks (status, id);`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			day TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_day ON queue_entries (day, id);`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id BIGSERIAL PRIMARY KEY,
			recipient TEXT NOT NULL,
			offset_label TEXT NOT NULL,
			remind_at BIGINT NOT NULL,
			created_at TEXT NOT NULL,
			fired_at TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS digest_markers (
			recipient TEXT NOT NULL,
			day TEXT NOT NULL,
			PRIMARY KEY (recipient, day)
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			entity_kind TEXT NOT NULL,
			entity_id TEXT NULL,
			actor_id TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}'
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

func (s *Store) Atomic(ctx context.Context, fn func(q store.Queries) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(&Store{pool: s.pool, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertGoal(ctx context.Context, text, createdAt string) (int64, error) {
	var id int64
	err := s.conn().QueryRow(ctx, `INSERT INTO goals (text, created_at) VALUES ($1,$2) RETURNING id`, text, createdAt).Scan(&id)
	return id, err
}

func (s *Store) GetGoal(ctx context.Context, id int64) (domain.Goal, error) {
	var g domain.Goal
	err := s.conn().QueryRow(ctx, `SELECT id, text, created_at FROM goals WHERE id=$1`, id).Scan(&g.ID, &g.Text, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return g, store.ErrNotFound
	}
	return g, err
}

func (s *Store) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	rows, err := s.conn().Query(ctx, `SELECT id, text, created_at FROM goals ORDER BY id DESC`)
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

func (s *Store) DeleteLastGoal(ctx context.Context) (domain.Goal, error) {
	var g domain.Goal
	err := s.conn().QueryRow(ctx, `DELETE FROM goals WHERE id=(SELECT MAX(id) FROM goals) RETURNING id, text, created_at`).
		Scan(&g.ID, &g.Text, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return g, store.ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if _, err := s.PruneOrphanTasks(ctx); err != nil {
		return g, err
	}
	return g, nil
}

func (s *Store) PruneOrphanTasks(ctx context.Context) (int64, error) {
	tag, err := s.conn().Exec(ctx, `DELETE FROM tasks t WHERE NOT EXISTS (SELECT 1 FROM goals g WHERE g.id=t.goal_id)`)
	if err != nil {
		return 0, fmt.Errorf("prune orphan tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteAllGoals(ctx context.Context) error {
	_, err := s.conn().Exec(ctx, `TRUNCATE queue_entries, tasks, goals`)
	return err
}

func (s *Store) InsertTask(ctx context.Context, goalID int64, text string) (int64, error) {
	var id int64
	err := s.conn().QueryRow(ctx, `INSERT INTO tasks (goal_id, text, status) VALUES ($1,$2,$3) RETURNING id`,
		goalID, text, string(domain.StatusPending)).Scan(&id)
	return id, err
}

func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	var status string
	err := s.conn().QueryRow(ctx, `SELECT id, goal_id, text, status FROM tasks WHERE id=$1`, id).
		Scan(&t.ID, &t.GoalID, &t.Text, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, store.ErrNotFound
	}
	t.Status = domain.TaskStatus(status)
	return t, err
}

func (s *Store) SetTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	tag, err := s.conn().Exec(ctx, `UPDATE tasks SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PendingTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	return s.listTasks(ctx, `SELECT id, goal_id, text, status FROM tasks WHERE status=$1 ORDER BY id ASC LIMIT $2`,
		string(domain.StatusPending), limit)
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.conn().Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.TaskStatus(status)] = count
	}
	return res, rows.Err()
}

func (s *Store) ClearQueue(ctx context.Context, day string) error {
	_, err := s.conn().Exec(ctx, `DELETE FROM queue_entries WHERE day=$1`, day)
	return err
}

func (s *Store) Enqueue(ctx context.Context, taskID int64, day string) error {
	_, err := s.conn().Exec(ctx, `INSERT INTO queue_entries (task_id, day) VALUES ($1,$2)`, taskID, day)
	return err
}

func (s *Store) Dequeue(ctx context.Context, taskID int64) error {
	_, err := s.conn().Exec(ctx, `DELETE FROM queue_entries WHERE task_id=$1`, taskID)
	return err
}

func (s *Store) QueuedTasks(ctx context.Context, day string) ([]domain.Task, error) {
	return s.listTasks(ctx, `SELECT t.id, t.goal_id, t.text, t.status
		FROM queue_entries q JOIN tasks t ON q.task_id=t.id
		WHERE q.day=$1 ORDER BY q.id ASC`, day)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.conn().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var status string
		if err := rows.Scan(&t.ID, &t.GoalID, &t.Text, &status); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s *Store) InsertReminder(ctx context.Context, r domain.Reminder) (int64, error) {
	var id int64
	err := s.conn().QueryRow(ctx, `INSERT INTO reminders (recipient, offset_label, remind_at, created_at) VALUES ($1,$2,$3,$4) RETURNING id`,
		r.Recipient, r.Offset, r.RemindAt, r.CreatedAt).Scan(&id)
	return id, err
}

func (s *Store) DigestRecipients(ctx context.Context) ([]string, error) {
	rows, err := s.conn().Query(ctx, `SELECT DISTINCT recipient FROM reminders ORDER BY recipient`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var rcpt string
		if err := rows.Scan(&rcpt); err != nil {
			return nil, err
		}
		res = append(res, rcpt)
	}
	return res, rows.Err()
}

func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]domain.Reminder, error) {
	rows, err := s.conn().Query(ctx, `SELECT id, recipient, offset_label, remind_at, created_at, fired_at FROM reminders
		WHERE fired_at IS NULL AND remind_at <= $1 ORDER BY remind_at ASC, id ASC`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reminder
	for rows.Next() {
		var r domain.Reminder
		if err := rows.Scan(&r.ID, &r.Recipient, &r.Offset, &r.RemindAt, &r.CreatedAt, &r.FiredAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *Store) ClaimReminder(ctx context.Context, id int64, firedAt string) (bool, error) {
	tag, err := s.conn().Exec(ctx, `UPDATE reminders SET fired_at=$1 WHERE id=$2 AND fired_at IS NULL`, firedAt, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClaimDigest(ctx context.Context, recipient, day string) (bool, error) {
	tag, err := s.conn().Exec(ctx, `INSERT INTO digest_markers (recipient, day) VALUES ($1,$2) ON CONFLICT DO NOTHING`, recipient, day)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) InsertEvent(ctx context.Context, e domain.Event) error {
	var entityID any
	if e.EntityID != "" {
		entityID = e.EntityID
	}
	_, err := s.conn().Exec(ctx, `INSERT INTO events (ts, type, entity_kind, entity_id, actor_id, payload_json) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.TS, e.Type, e.EntityKind, entityID, e.ActorID, e.Payload)
	return err
}

const eventColumns = `id, ts, type, entity_kind, COALESCE(entity_id, ''), actor_id, payload_json`

func (s *Store) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT $1`, limit)
}

func (s *Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.conn().QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	return id, err
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.conn().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
