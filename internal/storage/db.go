package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// Import sqlite driver
	_ "modernc.org/sqlite"
)

const (
	_driverName     = "sqlite"
	_connectTimeout = 5 * time.Second
	memoryPath      = ":memory:"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func init() {
	sqlx.BindDriver(_driverName, sqlx.QUESTION)
}

// DB wraps a sqlx connection to the SQLite database.
type DB struct {
	conn *sqlx.DB
}

// NewDB opens a database connection and runs migrations.
func NewDB(path string) (*DB, error) {
	return Open(path, true)
}

// Open opens the database at path. Pending migrations are applied when
// automigrate is set.
func Open(path string, automigrate bool) (*DB, error) {
	conn, err := sqlx.Open(_driverName, dsn(path))
	if err != nil {
		return nil, err
	}

	if path == memoryPath {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(8)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), _connectTimeout)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	if path == memoryPath {
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			return nil, err
		}
	}

	db := &DB{conn: conn}
	if automigrate {
		if err := db.migrate(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return db, nil
}

func dsn(path string) string {
	if path == memoryPath {
		return path
	}
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_txlock=immediate",
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

func (db *DB) migrate() error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	defer src.Close()

	driver, err := migratesqlite.WithInstance(db.conn.DB, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	// The migrator is not closed: closing it would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, _driverName, driver)
	if err != nil {
		return err
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		return nil
	case err != nil:
		return err
	}
	return nil
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
