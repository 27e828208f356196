package storage

import (
	"context"
	"time"

	"clientdesk/internal/models"
)

// CreateSession stores s. The user name is resolved through the users table
// on read, so only the user ID is persisted.
func (db *DB) CreateSession(ctx context.Context, s *models.Session) error {
	if s.LastActivity.IsZero() {
		s.LastActivity = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO sessions (token, user_id, expires_at, last_activity) VALUES (?, ?, ?, ?)",
		s.Token, s.UserID, s.ExpiresAt.UTC(), s.LastActivity.UTC(),
	)
	return err
}

type sessionRow struct {
	Token        string    `db:"token"`
	UserID       models.ID `db:"user_id"`
	UserName     string    `db:"user_name"`
	ExpiresAt    time.Time `db:"expires_at"`
	LastActivity time.Time `db:"last_activity"`
}

// GetSession returns the live session for token. Missing and expired
// sessions both yield ErrNotFound.
func (db *DB) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var row sessionRow
	err := db.conn.GetContext(ctx, &row, `
		SELECT s.token, s.user_id, u.user_name, s.expires_at, s.last_activity
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.token = ?
	`, token)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !row.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	return &models.Session{
		Token:        row.Token,
		UserID:       row.UserID,
		UserName:     row.UserName,
		ExpiresAt:    row.ExpiresAt,
		LastActivity: row.LastActivity,
	}, nil
}

// RenewSession updates the last_activity and expires_at for a session.
func (db *DB) RenewSession(ctx context.Context, token string, newExpiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ?, expires_at = ? WHERE token = ?",
		now, newExpiresAt.UTC(), token,
	)
	return err
}

// DeleteSession removes a session by token.
func (db *DB) DeleteSession(ctx context.Context, token string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	return err
}

// CleanExpiredSessions removes all expired sessions and reports how many
// were dropped.
func (db *DB) CleanExpiredSessions(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
