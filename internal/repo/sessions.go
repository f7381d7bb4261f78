package repo

import (
	"context"
	"database/sql"
	"errors"

	"phaseline/internal/domain"
)

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,hostname,pid,started_at,heartbeat_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.Hostname, &s.PID, &s.StartedAt, &s.HeartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// UpsertSession registers a session or refreshes its heartbeat.
func (r Repo) UpsertSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	stamp := r.stamp()
	if s.StartedAt == "" {
		s.StartedAt = stamp
	}
	s.HeartbeatAt = stamp
	err := r.withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,hostname,pid,started_at,heartbeat_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET hostname=excluded.hostname, pid=excluded.pid, heartbeat_at=excluded.heartbeat_at`,
			s.ID, s.Hostname, s.PID, s.StartedAt, s.HeartbeatAt)
		return err
	})
	if err != nil {
		return s, err
	}
	return r.GetSession(ctx, s.ID)
}
