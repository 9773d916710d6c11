package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrAccountNotFound indicates no account exists with the given number.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists indicates the account number is already taken.
	ErrAccountExists = errors.New("account already exists")
)

// pragmas applied to every connection pool
var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// Account is a durable account record
type Account struct {
	Account      string // numeric login key
	Username     string // display name, not unique
	PasswordHash string
	CreatedAt    int64  // Unix milliseconds
	LastLoginAt  *int64 // Unix milliseconds, nil until first login
}

// DB wraps the SQLite database connections
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	path      string
}

// Open opens the account database at the given path, creating it if missing.
// A file that is not a valid SQLite database is moved aside to
// <path>.corrupt-<timestamp> and replaced with an empty database.
func Open(path string) (*DB, error) {
	db, err := open(path)
	if err == nil {
		return db, nil
	}
	if !isCorrupt(err) {
		return nil, err
	}

	quarantined, qerr := quarantine(path)
	if qerr != nil {
		return nil, fmt.Errorf("database %s is corrupt and could not be moved aside: %w", path, qerr)
	}
	log.Printf("WARNING: %s is not a valid account database (%v); moved to %s, starting with an empty store",
		path, err, quarantined)

	return open(path)
}

func open(path string) (*DB, error) {
	conn, err := openPool(path, 25)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection, no pooling: serializes all writes
	writeConn, err := openPool(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn, path: path}, nil
}

func openPool(path string, maxOpen int) (*sql.DB, error) {
	pool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(min(maxOpen, 5))
	if maxOpen > 1 {
		pool.SetConnMaxLifetime(5 * time.Minute)
	}

	for _, pragma := range pragmas {
		if _, err := pool.Exec(pragma); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return pool, nil
}

// isCorrupt reports whether err means the file is not a usable SQLite database
func isCorrupt(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
		return true
	}
	return false
}

func isConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// quarantine renames a corrupt database (and its WAL side files) out of the way
func quarantine(path string) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%s", path, time.Now().Format("20060102-150405"))
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return target, nil
}

// Path returns the file the database was opened from
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateAccount inserts a new account record.
// Returns ErrAccountExists if the account number is already taken.
func (db *DB) CreateAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = nowMillis()
	}

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Account (account, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, a.Account, a.Username, a.PasswordHash, a.CreatedAt)
	if err != nil {
		if isConstraint(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount loads an account by its number
func (db *DB) GetAccount(ctx context.Context, account string) (*Account, error) {
	var a Account
	var lastLogin sql.NullInt64
	err := db.conn.QueryRowContext(ctx, `
		SELECT account, username, password_hash, created_at, last_login_at
		FROM Account
		WHERE account = ?
	`, account).Scan(&a.Account, &a.Username, &a.PasswordHash, &a.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if lastLogin.Valid {
		a.LastLoginAt = &lastLogin.Int64
	}
	return &a, nil
}

// AccountExists reports whether an account number is taken
func (db *DB) AccountExists(ctx context.Context, account string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM Account WHERE account = ?)`, account).Scan(&exists)
	return exists, err
}

// UpdateLastLogin records a successful login
func (db *DB) UpdateLastLogin(ctx context.Context, account string) error {
	result, err := db.writeConn.ExecContext(ctx, `UPDATE Account SET last_login_at = ? WHERE account = ?`, nowMillis(), account)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CountAccounts returns the number of registered accounts
func (db *DB) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM Account`).Scan(&count)
	return count, err
}
