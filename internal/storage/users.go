package storage

import (
	"context"
	"time"

	"clientdesk/internal/models"
)

const userColumns = "id, user_name, password_hash, created_at"

// CreateUser creates a new user with the given username and password hash.
// A taken username yields a *DuplicateError.
func (db *DB) CreateUser(ctx context.Context, id models.ID, userName, passwordHash string) (*models.User, error) {
	u := &models.User{
		ID:           id,
		UserName:     userName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (id, user_name, password_hash, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.UserName, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		return nil, asDuplicate(err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, userName string) (*models.User, error) {
	var u models.User
	err := db.conn.GetContext(ctx, &u, "SELECT "+userColumns+" FROM users WHERE user_name = ?", userName)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UserCount returns the number of users in the database.
func (db *DB) UserCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.GetContext(ctx, &count, "SELECT COUNT(*) FROM users")
	return count, err
}
