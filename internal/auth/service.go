// Package auth registers users, verifies credentials and manages the
// server-side sessions that identify a logged-in caller.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"clientdesk/internal/apperr"
	"clientdesk/internal/models"
	"clientdesk/internal/storage"

	"go.uber.org/zap"
)

const (
	minUserNameLen = 3
	maxUserNameLen = 20
	minPasswordLen = 6
	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72

	// DefaultSessionTTL is the lifetime of a fresh session.
	DefaultSessionTTL = 24 * time.Hour
)

const (
	msgCredentialsRequired = "Username and password are required"
	msgUserNameLength      = "Username must be between 3 and 20 characters"
	msgPasswordLength      = "Password must be at least 6 characters"
	msgPasswordTooLong     = "Password must be at most 72 bytes"
	msgUserNameTaken       = "Username is already registered"
	msgBadCredentials      = "Incorrect login details"
	msgNotAuthenticated    = "Not authenticated"
	msgUnavailable         = "Unable to reach server"
)

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, id models.ID, userName, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, userName string) (*models.User, error)
}

// SessionStore persists sessions. GetSession returns storage.ErrNotFound for
// missing or expired tokens.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	RenewSession(ctx context.Context, token string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, token string) error
}

// IDSource hands out new user IDs.
type IDSource interface {
	Next() models.ID
}

// Options tunes session behaviour.
type Options struct {
	// SessionTTL is how long a session lives after login or renewal.
	SessionTTL time.Duration
	// Rolling renews sessions that are past half their lifetime.
	Rolling bool
}

// Service implements registration, login and session lookup.
type Service struct {
	users    UserStore
	sessions SessionStore
	hasher   PasswordHasher
	ids      IDSource
	opts     Options
	log      *zap.SugaredLogger
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewService creates an auth service. A nil hasher means bcrypt at
// DefaultCost and a nil logger discards output.
func NewService(users UserStore, sessions SessionStore, hasher PasswordHasher, ids IDSource, opts Options, log *zap.SugaredLogger) *Service {
	if hasher == nil {
		hasher = BcryptHasher{Cost: DefaultCost}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		users:    users,
		sessions: sessions,
		hasher:   hasher,
		ids:      ids,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// Register creates a user and returns its identity.
func (s *Service) Register(ctx context.Context, userName, password string) (models.Identity, error) {
	if userName == "" || password == "" {
		return models.Identity{}, apperr.Validation(msgCredentialsRequired, missingCredentials(userName, password)...)
	}
	if n := utf8.RuneCountInString(userName); n < minUserNameLen || n > maxUserNameLen {
		return models.Identity{}, apperr.Validation(msgUserNameLength, "userName")
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return models.Identity{}, apperr.Validation(msgPasswordLength, "password")
	}
	if len(password) > maxPasswordBytes {
		return models.Identity{}, apperr.Validation(msgPasswordTooLong, "password")
	}

	_, err := s.users.GetUserByUsername(ctx, userName)
	switch {
	case err == nil:
		return models.Identity{}, apperr.Conflict(msgUserNameTaken, nil)
	case !errors.Is(err, storage.ErrNotFound):
		return models.Identity{}, apperr.Internal(msgUnavailable, err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.Identity{}, apperr.Internal(msgUnavailable, err)
	}

	u, err := s.users.CreateUser(ctx, s.ids.Next(), userName, hash)
	if err != nil {
		// A concurrent registration won the UNIQUE constraint.
		if errors.Is(err, storage.ErrDuplicate) {
			return models.Identity{}, apperr.Conflict(msgUserNameTaken, err)
		}
		return models.Identity{}, apperr.Internal(msgUnavailable, err)
	}

	s.log.Infow("user registered", "user_id", u.ID, "user_name", u.UserName)
	return models.Identity{ID: u.ID, UserName: u.UserName}, nil
}

// Login verifies credentials and opens a session. Unknown users and wrong
// passwords fail identically and take the same time.
func (s *Service) Login(ctx context.Context, userName, password string) (*models.Session, error) {
	if userName == "" || password == "" {
		return nil, apperr.Validation(msgCredentialsRequired, missingCredentials(userName, password)...)
	}

	u, err := s.users.GetUserByUsername(ctx, userName)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.hasher.Verify(s.dummy(), password)
		return nil, apperr.Auth(msgBadCredentials)
	case err != nil:
		return nil, apperr.Internal(msgUnavailable, err)
	}

	if !s.hasher.Verify(u.PasswordHash, password) {
		s.log.Debugw("login rejected", "user_id", u.ID)
		return nil, apperr.Auth(msgBadCredentials)
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, apperr.Internal(msgUnavailable, err)
	}

	now := s.now()
	session := &models.Session{
		Token:        token,
		UserID:       u.ID,
		UserName:     u.UserName,
		ExpiresAt:    now.Add(s.opts.SessionTTL),
		LastActivity: now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, apperr.Internal(msgUnavailable, err)
	}

	s.log.Infow("user logged in", "user_id", u.ID)
	return session, nil
}

// CurrentUser resolves token to its live session. renewed reports that the
// session's expiry was pushed forward and the cookie should be re-issued.
func (s *Service) CurrentUser(ctx context.Context, token string) (session *models.Session, renewed bool, err error) {
	if token == "" {
		return nil, false, apperr.Auth(msgNotAuthenticated)
	}

	session, err = s.sessions.GetSession(ctx, token)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, false, apperr.Auth(msgNotAuthenticated)
	case err != nil:
		return nil, false, apperr.Internal(msgUnavailable, err)
	}

	if !s.opts.Rolling {
		return session, false, nil
	}

	// Renew once the session is in the second half of its lifetime.
	now := s.now()
	if session.ExpiresAt.Sub(now) >= s.opts.SessionTTL/2 {
		return session, false, nil
	}
	expiresAt := now.Add(s.opts.SessionTTL)
	if err := s.sessions.RenewSession(ctx, token, expiresAt); err != nil {
		// The current session is still valid; keep serving it.
		s.log.Warnw("session renewal failed", "user_id", session.UserID, "error", err)
		return session, false, nil
	}
	session.ExpiresAt = expiresAt
	session.LastActivity = now
	return session, true, nil
}

// Logout destroys the session behind token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessions.DeleteSession(ctx, token); err != nil {
		return apperr.Internal("Unable to log out", err)
	}
	return nil
}

// dummy returns a fixed hash made with the configured hasher. Lookups of
// unknown users verify against it.
func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("clientdesk-dummy-password")
		if err != nil {
			s.log.Warnw("dummy hash unavailable", "error", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

func missingCredentials(userName, password string) []string {
	var fields []string
	if userName == "" {
		fields = append(fields, "userName")
	}
	if password == "" {
		fields = append(fields, "password")
	}
	return fields
}
