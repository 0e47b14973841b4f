package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/feedback-intake/internal/intake"
)

const schema = `
CREATE TABLE IF NOT EXISTS patient_feedback (
	patient_id  TEXT NOT NULL,
	treatment   TEXT NOT NULL,
	feedback    TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	is_severe   TEXT NOT NULL DEFAULT 'false',
	category    TEXT NOT NULL DEFAULT 'treatment'
);

CREATE TABLE IF NOT EXISTS escalations (
	patient_id          TEXT NOT NULL,
	treatment           TEXT NOT NULL,
	feedback            TEXT NOT NULL,
	recorded_at         TEXT NOT NULL,
	suggested_treatment TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL
);
`

// RetryPolicy bounds one class of datastore operation: total attempts with a
// fixed delay between them. Attempts of 1 means no retry.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

func (p RetryPolicy) attempts() uint {
	if p.Attempts == 0 {
		return 1
	}
	return p.Attempts
}

// Do runs op under the policy: fixed delay, bounded attempts, last error
// surfaced after exhaustion. Both datastore call sites share this primitive
// with independently tuned attempt counts.
func Do[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(p.attempts()),
	)
}

// Options tunes the per-operation retry policies. History lookups retry by
// default; inserts do not — insert failures surface to the caller instead.
type Options struct {
	HistoryRetry RetryPolicy
	InsertRetry  RetryPolicy
	Clock        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HistoryRetry.Attempts == 0 {
		o.HistoryRetry = RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond}
	}
	if o.InsertRetry.Attempts == 0 {
		o.InsertRetry = RetryPolicy{Attempts: 1}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// ConnConfig describes the production connection pool.
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func (c ConnConfig) dsn() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// SQLStore persists feedback records through a shared connection pool,
// acquired and released per operation. Queries are written with ? placeholders
// and rebound for the active driver.
type SQLStore struct {
	db   *sqlx.DB
	opts Options

	// runSelect is a seam over db.SelectContext.
	runSelect func(ctx context.Context, dest any, query string, args ...any) error
}

// OpenPostgres opens the production pool via the pgx stdlib driver.
func OpenPostgres(cfg ConnConfig, opts Options) (*SQLStore, error) {
	db, err := sqlx.Open("pgx", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := New(db, opts)
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a file-backed (or :memory:) store, used in tests and
// local development.
func OpenSQLite(path string, opts Options) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := New(db, opts)
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool without touching the schema.
func New(db *sqlx.DB, opts Options) *SQLStore {
	return &SQLStore{db: db, opts: opts.withDefaults(), runSelect: db.SelectContext}
}

func (s *SQLStore) ensureSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// History returns every prior feedback row for the (patient_id, treatment)
// pair, oldest first. The lookup is retried under the history policy; the
// last error surfaces after exhaustion.
func (s *SQLStore) History(ctx context.Context, patientID, treatment string) ([]intake.HistoricalFeedbackEntry, error) {
	query := s.db.Rebind(`SELECT feedback, recorded_at FROM patient_feedback
		WHERE patient_id = ? AND treatment = ?
		ORDER BY recorded_at`)

	return Do(ctx, s.opts.HistoryRetry, func() ([]intake.HistoricalFeedbackEntry, error) {
		var entries []intake.HistoricalFeedbackEntry
		if err := s.runSelect(ctx, &entries, query, patientID, treatment); err != nil {
			return nil, fmt.Errorf("history lookup: %w", err)
		}
		return entries, nil
	})
}

// Insert writes the record in one statement. Under the default policy this is
// a single attempt; failures propagate to the persistence stage.
func (s *SQLStore) Insert(ctx context.Context, rec intake.FeedbackRecord) error {
	query := s.db.Rebind(`INSERT INTO patient_feedback
		(patient_id, treatment, feedback, recorded_at, is_severe, category)
		VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := Do(ctx, s.opts.InsertRetry, func() (struct{}, error) {
		if _, err := s.db.ExecContext(ctx, query,
			rec.PatientID, rec.Treatment, rec.Feedback, rec.RecordedAt, rec.IsSevere, string(rec.Category)); err != nil {
			return struct{}{}, fmt.Errorf("insert feedback: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

var _ intake.FeedbackStore = (*SQLStore)(nil)
