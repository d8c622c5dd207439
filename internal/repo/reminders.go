package repo

import (
	"context"
	"database/sql"
	"time"

	"mentorline/internal/domain"
)

func (r Repo) InsertReminder(ctx context.Context, rem domain.Reminder) (int64, error) {
	res, err := r.conn().ExecContext(ctx, `INSERT INTO reminders(recipient,offset_label,remind_at,created_at) VALUES (?,?,?,?)`,
		rem.Recipient, rem.Offset, rem.RemindAt, rem.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) DigestRecipients(ctx context.Context) ([]string, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT DISTINCT recipient FROM reminders ORDER BY recipient`)
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

func (r Repo) DueReminders(ctx context.Context, now time.Time) ([]domain.Reminder, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT id,recipient,offset_label,remind_at,created_at,fired_at FROM reminders
WHERE fired_at IS NULL AND remind_at<=? ORDER BY remind_at ASC, id ASC`, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reminder
	for rows.Next() {
		var rem domain.Reminder
		var fired sql.NullString
		if err := rows.Scan(&rem.ID, &rem.Recipient, &rem.Offset, &rem.RemindAt, &rem.CreatedAt, &fired); err != nil {
			return nil, err
		}
		if fired.Valid {
			rem.FiredAt = &fired.String
		}
		res = append(res, rem)
	}
	return res, rows.Err()
}

func (r Repo) ClaimReminder(ctx context.Context, id int64, firedAt string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `UPDATE reminders SET fired_at=? WHERE id=? AND fired_at IS NULL`, firedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ClaimDigest(ctx context.Context, recipient, day string) (bool, error) {
	res, err := r.conn().ExecContext(ctx, `INSERT OR IGNORE INTO digest_markers(recipient,day) VALUES (?,?)`, recipient, day)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
}

func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.conn().QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.conn().QueryContext(ctx, query, args...)
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
