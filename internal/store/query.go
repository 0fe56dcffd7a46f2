package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound means the record no longer exists (or never did)
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyReleased means the deferred message was released earlier
	ErrAlreadyReleased = errors.New("already released")
)

// QueryRecord is the stored state of a previously processed message,
// keyed by the recipient address and the notification issue time.
type QueryRecord struct {
	UserEmail         string
	IssuedAt          time.Time
	Sender            string
	Subject           string
	IsWhiteSender     bool
	IsBlockSender     bool
	IsHolding         bool
	IsDelivered       bool
	IsRecipientAdvised bool
	UpdatedAt         time.Time
}

// DeferredRecord is a message held for deferred delivery
type DeferredRecord struct {
	ID         string
	IssuedAt   time.Time
	Sender     string
	Recipient  string
	ReleasedAt *time.Time
}

// QueryStore is the SQLite-backed query and deferred-delivery store
type QueryStore struct {
	db *sql.DB
}

// OpenQueries opens (creating if needed) the query database
func OpenQueries(path string) (*QueryStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open query database: %w", err)
	}

	s := &QueryStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *QueryStore) migrate() error {
	migrations := []string{migrationQueries, migrationDeferred}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationQueries = `
CREATE TABLE IF NOT EXISTS queries (
    user_email TEXT NOT NULL,
    issued_at_ms INTEGER NOT NULL,
    sender TEXT NOT NULL,
    subject TEXT,
    is_white_sender INTEGER NOT NULL DEFAULT 0,
    is_block_sender INTEGER NOT NULL DEFAULT 0,
    is_holding INTEGER NOT NULL DEFAULT 0,
    is_delivered INTEGER NOT NULL DEFAULT 0,
    is_recipient_advised INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_email, issued_at_ms)
)`

const migrationDeferred = `
CREATE TABLE IF NOT EXISTS deferred (
    id TEXT NOT NULL,
    issued_at_ms INTEGER NOT NULL,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    released_at TIMESTAMP,
    PRIMARY KEY (issued_at_ms, id)
)`

// Close closes the underlying database
func (s *QueryStore) Close() error {
	return s.db.Close()
}

// PutQuery inserts or replaces a query record. Used by the platform's
// filtering pipeline and by tests; the dispatcher only reads and
// transitions existing records.
func (s *QueryStore) PutQuery(q *QueryRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO queries
		(user_email, issued_at_ms, sender, subject, is_white_sender, is_block_sender,
		 is_holding, is_delivered, is_recipient_advised, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		q.UserEmail, q.IssuedAt.UnixMilli(), q.Sender, q.Subject,
		q.IsWhiteSender, q.IsBlockSender, q.IsHolding, q.IsDelivered, q.IsRecipientAdvised,
	)
	if err != nil {
		return fmt.Errorf("failed to store query: %w", err)
	}
	return nil
}

// GetQuery loads a query record by its key
func (s *QueryStore) GetQuery(userEmail string, issuedAt time.Time) (*QueryRecord, error) {
	row := s.db.QueryRow(`
		SELECT user_email, issued_at_ms, sender, subject, is_white_sender, is_block_sender,
		       is_holding, is_delivered, is_recipient_advised, updated_at
		FROM queries WHERE user_email = ? AND issued_at_ms = ?`,
		userEmail, issuedAt.UnixMilli(),
	)

	var q QueryRecord
	var issuedMs int64
	err := row.Scan(&q.UserEmail, &issuedMs, &q.Sender, &q.Subject, &q.IsWhiteSender,
		&q.IsBlockSender, &q.IsHolding, &q.IsDelivered, &q.IsRecipientAdvised, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load query: %w", err)
	}
	q.IssuedAt = time.UnixMilli(issuedMs)
	return &q, nil
}

// setFlags applies a single-row transition; the WHERE clause carries
// the key only, state preconditions are checked by the dispatcher
// against the loaded record before calling.
func (s *QueryStore) setFlags(userEmail string, issuedAt time.Time, assignments string, args ...any) error {
	args = append(args, userEmail, issuedAt.UnixMilli())
	res, err := s.db.Exec(
		`UPDATE queries SET `+assignments+`, updated_at = CURRENT_TIMESTAMP
		 WHERE user_email = ? AND issued_at_ms = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update query: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// WhiteSender marks the sender accepted and clears holding
func (s *QueryStore) WhiteSender(userEmail string, issuedAt time.Time) error {
	return s.setFlags(userEmail, issuedAt,
		"is_white_sender = 1, is_block_sender = 0, is_holding = 0")
}

// BlockSender marks the sender permanently blocked
func (s *QueryStore) BlockSender(userEmail string, issuedAt time.Time) error {
	return s.setFlags(userEmail, issuedAt,
		"is_block_sender = 1, is_white_sender = 0, is_holding = 0")
}

// AdviseRecipientHold records that the recipient was advised about the
// held message
func (s *QueryStore) AdviseRecipientHold(userEmail string, issuedAt time.Time) error {
	return s.setFlags(userEmail, issuedAt, "is_recipient_advised = 1")
}

// MarkDelivered records that the held message was released to the
// recipient
func (s *QueryStore) MarkDelivered(userEmail string, issuedAt time.Time) error {
	return s.setFlags(userEmail, issuedAt, "is_delivered = 1, is_holding = 0")
}

// PutDeferred stores a deferred-delivery record
func (s *QueryStore) PutDeferred(d *DeferredRecord) error {
	var released any
	if d.ReleasedAt != nil {
		released = *d.ReleasedAt
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO deferred (id, issued_at_ms, sender, recipient, released_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.IssuedAt.UnixMilli(), d.Sender, d.Recipient, released,
	)
	if err != nil {
		return fmt.Errorf("failed to store deferred record: %w", err)
	}
	return nil
}

// GetDeferred loads a deferred record by its key
func (s *QueryStore) GetDeferred(issuedAt time.Time, id string) (*DeferredRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, issued_at_ms, sender, recipient, released_at
		FROM deferred WHERE issued_at_ms = ? AND id = ?`,
		issuedAt.UnixMilli(), id,
	)

	var d DeferredRecord
	var issuedMs int64
	var released sql.NullTime
	err := row.Scan(&d.ID, &issuedMs, &d.Sender, &d.Recipient, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deferred record: %w", err)
	}
	d.IssuedAt = time.UnixMilli(issuedMs)
	if released.Valid {
		d.ReleasedAt = &released.Time
	}
	return &d, nil
}

// Release marks a deferred message released. Returns the record, or
// ErrAlreadyReleased / ErrNotFound. The released_at IS NULL guard in
// the UPDATE makes the transition atomic under concurrent clicks.
func (s *QueryStore) Release(issuedAt time.Time, id string) (*DeferredRecord, error) {
	d, err := s.GetDeferred(issuedAt, id)
	if err != nil {
		return nil, err
	}

	res, err := s.db.Exec(`
		UPDATE deferred SET released_at = CURRENT_TIMESTAMP
		WHERE issued_at_ms = ? AND id = ? AND released_at IS NULL`,
		issuedAt.UnixMilli(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to release deferred record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return d, ErrAlreadyReleased
	}

	now := time.Now()
	d.ReleasedAt = &now
	return d, nil
}
