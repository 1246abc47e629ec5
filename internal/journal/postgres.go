package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJournalTableName = "slotsync_journal"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresJournal struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJournal(dsn string) (Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresJournal{
		dsn:       dsn,
		tableName: postgresJournalTableName,
		openDB:    sql.Open,
	}, nil
}

func (j *PostgresJournal) Record(entry Entry) error {
	if err := j.ensureReady(); err != nil {
		return err
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (session, direction, action, correlation_id, reason, frame, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, postgresQuoteIdentifier(j.tableName))
	_, err := j.db.ExecContext(ctx, query,
		entry.Session,
		string(entry.Direction),
		entry.Action,
		entry.CorrelationID,
		entry.Reason,
		entry.Frame,
		entry.RecordedAt,
	)
	return err
}

func (j *PostgresJournal) Recent(limit int) ([]Entry, error) {
	if err := j.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultCapacity
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT session, direction, action, correlation_id, reason, frame, recorded_at
		FROM (
			SELECT id, session, direction, action, correlation_id, reason, frame, recorded_at
			FROM %s ORDER BY id DESC LIMIT $1
		) recent
		ORDER BY id ASC`, postgresQuoteIdentifier(j.tableName))
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var entry Entry
		var direction string
		if err := rows.Scan(
			&entry.Session,
			&direction,
			&entry.Action,
			&entry.CorrelationID,
			&entry.Reason,
			&entry.Frame,
			&entry.RecordedAt,
		); err != nil {
			return nil, err
		}
		entry.Direction = Direction(direction)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (j *PostgresJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *PostgresJournal) ensureReady() error {
	if j == nil {
		return ErrInvalidInput
	}
	j.initOnce.Do(func() {
		db, err := j.openDB("postgres", j.dsn)
		if err != nil {
			j.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				session TEXT NOT NULL DEFAULT '',
				direction TEXT NOT NULL,
				action TEXT NOT NULL DEFAULT '',
				correlation_id TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				frame TEXT NOT NULL DEFAULT '',
				recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(j.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			j.initErr = err
			return
		}
		j.db = db
	})
	return j.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
