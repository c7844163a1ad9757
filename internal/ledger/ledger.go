// Package ledger is the status ledger: an embedded single-file relational
// store recording one row per message, keyed by mail_id, with the lifecycle
// flags and indexes the external query tool reads from.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger wraps one SQLite connection. Per the concurrency model, each
// worker and the orchestrator open their own Ledger; connections are never
// shared across goroutines.
type Ledger struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	mail_id        TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	domain         TEXT NOT NULL,
	received_time  TIMESTAMP NOT NULL,
	is_completed   BOOLEAN NOT NULL DEFAULT 0,
	is_success     BOOLEAN NOT NULL DEFAULT 0,
	error_message  TEXT
);
CREATE INDEX IF NOT EXISTS messages_domain_idx ON messages(domain, is_completed, is_success);
CREATE INDEX IF NOT EXISTS messages_user_idx ON messages(user_id, is_completed, is_success);
CREATE INDEX IF NOT EXISTS messages_time_idx ON messages(received_time, is_completed);
`

// Open opens (or creates) the ledger file in WAL mode and migrates the
// schema if needed.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// HealthPing satisfies health.HealthPinger by running a trivial query.
func (l *Ledger) HealthPing(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Row is one pending insert for UpsertPendingBatch.
type Row struct {
	MailID       string
	UserID       string
	Domain       string
	ReceivedTime time.Time
}

// UpsertPending inserts or replaces a single row with is_completed=false,
// outside of a batch transaction. The orchestrator's enqueue path uses
// UpsertPendingBatch instead.
func (l *Ledger) UpsertPending(mailID, userID, domain string, receivedTime time.Time) error {
	return withBusyRetry(func() error {
		_, err := l.db.Exec(
			`INSERT INTO messages (mail_id, user_id, domain, received_time, is_completed, is_success, error_message)
			 VALUES (?, ?, ?, ?, 0, 0, NULL)
			 ON CONFLICT(mail_id) DO UPDATE SET
				user_id=excluded.user_id, domain=excluded.domain, received_time=excluded.received_time,
				is_completed=0, is_success=0, error_message=NULL`,
			mailID, userID, domain, receivedTime,
		)
		return err
	})
}

// UpsertPendingBatch commits an entire batch's pending rows in one
// transaction, so a crash mid-enqueue never leaves a partial batch pending.
func (l *Ledger) UpsertPendingBatch(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return withBusyRetry(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(
			`INSERT INTO messages (mail_id, user_id, domain, received_time, is_completed, is_success, error_message)
			 VALUES (?, ?, ?, ?, 0, 0, NULL)
			 ON CONFLICT(mail_id) DO UPDATE SET
				user_id=excluded.user_id, domain=excluded.domain, received_time=excluded.received_time,
				is_completed=0, is_success=0, error_message=NULL`,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.Exec(r.MailID, r.UserID, r.Domain, r.ReceivedTime); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkSuccess finalizes a mail_id as completed and successful.
func (l *Ledger) MarkSuccess(mailID string) error {
	return withBusyRetry(func() error {
		_, err := l.db.Exec(
			`UPDATE messages SET is_completed=1, is_success=1, error_message=NULL WHERE mail_id=?`,
			mailID,
		)
		return err
	})
}

// MarkFailure finalizes a mail_id as completed and failed, recording why.
func (l *Ledger) MarkFailure(mailID, errMsg string) error {
	return withBusyRetry(func() error {
		_, err := l.db.Exec(
			`UPDATE messages SET is_completed=1, is_success=0, error_message=? WHERE mail_id=?`,
			errMsg, mailID,
		)
		return err
	})
}

// Outcome is one terminal transition applied in MarkBatch.
type Outcome struct {
	MailID  string
	Success bool
	Error   string
}

// MarkBatch commits every file's terminal transition for a batch in a
// single transaction, per the worker pool's "one transaction per batch"
// rule.
func (l *Ledger) MarkBatch(outcomes []Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	return withBusyRetry(func() error {
		tx, err := l.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(
			`UPDATE messages SET is_completed=1, is_success=?, error_message=? WHERE mail_id=?`,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, o := range outcomes {
			var errMsg interface{}
			if o.Error != "" {
				errMsg = o.Error
			}
			success := 0
			if o.Success {
				success = 1
			}
			if _, err := stmt.Exec(success, errMsg, o.MailID); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// DomainCount is one row of the domain-counts aggregation.
type DomainCount struct {
	Domain    string
	Total     int
	Completed int
	Succeeded int
}

// DomainCounts returns per-domain totals for the external query tool.
func (l *Ledger) DomainCounts() ([]DomainCount, error) {
	rows, err := l.db.Query(
		`SELECT domain, COUNT(*), SUM(is_completed), SUM(is_completed AND is_success)
		 FROM messages GROUP BY domain ORDER BY domain`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DomainCount
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Total, &dc.Completed, &dc.Succeeded); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// UserCount is one row of the per-user-count aggregation.
type UserCount struct {
	UserID    string
	Total     int
	Completed int
	Succeeded int
}

// UserCounts returns per-user totals for the external query tool.
func (l *Ledger) UserCounts() ([]UserCount, error) {
	rows, err := l.db.Query(
		`SELECT user_id, COUNT(*), SUM(is_completed), SUM(is_completed AND is_success)
		 FROM messages GROUP BY user_id ORDER BY user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserCount
	for rows.Next() {
		var uc UserCount
		if err := rows.Scan(&uc.UserID, &uc.Total, &uc.Completed, &uc.Succeeded); err != nil {
			return nil, err
		}
		out = append(out, uc)
	}
	return out, rows.Err()
}

// LatestCompletionTime returns the latest received_time among completed
// rows (the ledger keeps no separate completion timestamp), or the zero
// time if nothing has completed yet.
func (l *Ledger) LatestCompletionTime() (time.Time, error) {
	var t sql.NullTime
	err := l.db.QueryRow(
		`SELECT received_time FROM messages WHERE is_completed=1 ORDER BY received_time DESC LIMIT 1`,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// withBusyRetry retries op on SQLITE_BUSY with bounded exponential backoff,
// capped at roughly 5 seconds total.
func withBusyRetry(op func() error) error {
	const maxElapsed = 5 * time.Second
	backoff := 25 * time.Millisecond
	deadline := time.Now().Add(maxElapsed)

	for {
		err := op()
		if err == nil {
			return err
		}
		if !isBusyErr(err) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
