package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/migrations"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const mentionColumns = `platform, item_id, location, author, body, created_at, permalink, matched_term,
	sentiment, confidence, draft_response, state, failed_from, decision, detected_at, notified_at,
	resolved_at, posted_at, failure_count, last_error, next_attempt_at, lease_until, version`

// goose keeps its dialect and filesystem in package globals
var migrateMu sync.Mutex

// SQLStore persists mentions in SQLite or PostgreSQL through database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Ensure SQLStore implements MentionStore
var _ MentionStore = (*SQLStore)(nil)

// Open connects to the store named by dsn and applies pending migrations.
// Supported forms are sqlite://path/to/file.db and postgres://...
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	var (
		db      *sql.DB
		d       dialect
		gooseDB string
		err     error
	)

	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY between our own goroutines
		db.SetMaxOpenConns(1)
		d, gooseDB = dialectSQLite, "sqlite3"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		d, gooseDB = dialectPostgres, "postgres"
	default:
		return nil, fmt.Errorf("unsupported database url %q", dsn)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(ctx, db, gooseDB); err != nil {
		_ = db.Close()
		return nil, err
	}

	logrus.WithField("dialect", gooseDB).Info("Mention store ready")
	return &SQLStore{db: db, dialect: d}, nil
}

func migrate(ctx context.Context, db *sql.DB, gooseDialect string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(logrus.StandardLogger())

	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateIfAbsent inserts m unless its identity is already stored
func (s *SQLStore) CreateIfAbsent(ctx context.Context, m *models.Mention) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	m.Version = 0
	res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO mentions (`+mentionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, item_id) DO NOTHING`),
		m.Platform, m.ItemID, m.Location, m.Author, m.Body, toMicros(m.CreatedAt), m.Permalink, m.MatchedTerm,
		string(m.Sentiment), m.Confidence, nullString(m.DraftResponse), string(m.State), nullString(string(m.FailedFrom)),
		string(m.Decision), toMicros(m.DetectedAt), nullMicros(m.NotifiedAt), nullMicros(m.ResolvedAt),
		nullMicros(m.PostedAt), m.FailureCount, nullString(m.LastError), nullMicros(m.NextAttemptAt),
		nullMicros(m.LeaseUntil), m.Version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert mention %s: %w", m.Identity, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := s.insertEvent(ctx, tx, m.Identity, "", m.State, m.DetectedAt, "detected"); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit mention %s: %w", m.Identity, err)
	}
	return true, nil
}

// Get loads a mention by identity
func (s *SQLStore) Get(ctx context.Context, id models.Identity) (*models.Mention, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+mentionColumns+` FROM mentions WHERE platform = ? AND item_id = ?`),
		id.Platform, id.ItemID)

	m, err := scanMention(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mention %s: %w", id, err)
	}
	return m, nil
}

// Exists reports whether the identity has been recorded
func (s *SQLStore) Exists(ctx context.Context, id models.Identity) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM mentions WHERE platform = ? AND item_id = ?`),
		id.Platform, id.ItemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check mention %s: %w", id, err)
	}
	return true, nil
}

// CompareAndSwap writes m's mutable fields when the stored state and version
// still match change and the move from change.ExpectedState to m.State is a
// legal transition. Leaving FAILED is only allowed back into the stored
// origin. The audit event is written in the same transaction.
func (s *SQLStore) CompareAndSwap(ctx context.Context, m *models.Mention, change Change) error {
	if m.State != change.ExpectedState && !models.CanTransition(change.ExpectedState, m.State, m.FailedFrom) {
		return fmt.Errorf("%s cannot move from %s to %s: %w", m.Identity, change.ExpectedState, m.State, models.ErrStateConflict)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE mentions SET
		sentiment = ?, confidence = ?, draft_response = ?, state = ?, failed_from = ?, decision = ?,
		notified_at = ?, resolved_at = ?, posted_at = ?, failure_count = ?, last_error = ?,
		next_attempt_at = ?, lease_until = ?, version = version + 1
		WHERE platform = ? AND item_id = ? AND state = ? AND version = ?`
	args := []any{
		string(m.Sentiment), m.Confidence, nullString(m.DraftResponse), string(m.State), nullString(string(m.FailedFrom)),
		string(m.Decision), nullMicros(m.NotifiedAt), nullMicros(m.ResolvedAt), nullMicros(m.PostedAt),
		m.FailureCount, nullString(m.LastError), nullMicros(m.NextAttemptAt), nullMicros(m.LeaseUntil),
		m.Platform, m.ItemID, string(change.ExpectedState), change.ExpectedVersion,
	}
	if change.ExpectedState == models.StateFailed && m.State != models.StateFailed {
		query += ` AND failed_from = ?`
		args = append(args, string(m.State))
	}

	res, err := tx.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update mention %s: %w", m.Identity, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM mentions WHERE platform = ? AND item_id = ?`),
			m.Platform, m.ItemID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", m.Identity, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check mention %s: %w", m.Identity, err)
		}
		return fmt.Errorf("%s expected %s@%d: %w", m.Identity, change.ExpectedState, change.ExpectedVersion, models.ErrStateConflict)
	}

	if m.State != change.ExpectedState || change.Detail != "" {
		if err := s.insertEvent(ctx, tx, m.Identity, change.ExpectedState, m.State, change.At, change.Detail); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mention %s: %w", m.Identity, err)
	}

	m.Version = change.ExpectedVersion + 1
	return nil
}

// Query returns mentions matching filter, newest first
func (s *SQLStore) Query(ctx context.Context, filter models.Filter) ([]*models.Mention, error) {
	var (
		where []string
		args  []any
	)
	if filter.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, filter.Platform)
	}
	if filter.Sentiment != "" {
		where = append(where, "sentiment = ?")
		args = append(args, string(filter.Sentiment))
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Term != "" {
		where = append(where, "matched_term = ?")
		args = append(args, filter.Term)
	}
	if filter.Since != nil {
		where = append(where, "detected_at >= ?")
		args = append(args, toMicros(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "detected_at < ?")
		args = append(args, toMicros(*filter.Until))
	}

	query := `SELECT ` + mentionColumns + ` FROM mentions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC, platform, item_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryMentions(ctx, query, args...)
}

// ListResumable returns mentions the engine can advance without outside input:
// unleased mentions in a resumable state, and failed mentions whose backoff has elapsed.
func (s *SQLStore) ListResumable(ctx context.Context, now time.Time, limit int) ([]*models.Mention, error) {
	if limit <= 0 {
		limit = 100
	}
	at := toMicros(now)

	args := []any{at}
	var placeholders []string
	for _, state := range models.Resumable {
		if state == models.StateFailed {
			continue
		}
		placeholders = append(placeholders, "?")
		args = append(args, string(state))
	}
	args = append(args, string(models.StateFailed), at, limit)

	return s.queryMentions(ctx, `SELECT `+mentionColumns+` FROM mentions
		WHERE (lease_until IS NULL OR lease_until <= ?)
		AND (
			state IN (`+strings.Join(placeholders, ", ")+`)
			OR (state = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
		)
		ORDER BY detected_at
		LIMIT ?`,
		args...,
	)
}

// CountByState tallies stored mentions per state
func (s *SQLStore) CountByState(ctx context.Context) (map[models.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM mentions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mentions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.State(state)] = n
	}
	return counts, rows.Err()
}

// Events returns the audit trail of a mention in order
func (s *SQLStore) Events(ctx context.Context, id models.Identity) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, from_state, to_state, at, detail
		FROM mention_events WHERE platform = ? AND item_id = ? ORDER BY at, id`),
		id.Platform, id.ItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", id, err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e        models.Event
			from, to string
			at       int64
			detail   sql.NullString
		)
		if err := rows.Scan(&e.ID, &from, &to, &at, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Identity = id
		e.From = models.State(from)
		e.To = models.State(to)
		e.At = fromMicros(at)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) insertEvent(ctx context.Context, tx *sql.Tx, id models.Identity, from, to models.State, at time.Time, detail string) error {
	// uuid v7 keeps ids ordered for events sharing a timestamp
	eventID, err := uuid.NewV7()
	if err != nil {
		eventID = uuid.New()
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO mention_events (id, platform, item_id, from_state, to_state, at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		eventID.String(), id.Platform, id.ItemID, string(from), string(to), toMicros(at), nullString(detail))
	if err != nil {
		return fmt.Errorf("failed to record event for %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) queryMentions(ctx context.Context, query string, args ...any) ([]*models.Mention, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mentions: %w", err)
	}
	defer rows.Close()

	var mentions []*models.Mention
	for rows.Next() {
		m, err := scanMention(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mention: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMention(row scanner) (*models.Mention, error) {
	var (
		m                                                     models.Mention
		createdAt, detectedAt                                 int64
		sentiment, state, decision                            string
		draft, failedFrom, lastError                          sql.NullString
		notifiedAt, resolvedAt, postedAt, nextAttempt, leased sql.NullInt64
	)

	err := row.Scan(
		&m.Platform, &m.ItemID, &m.Location, &m.Author, &m.Body, &createdAt, &m.Permalink, &m.MatchedTerm,
		&sentiment, &m.Confidence, &draft, &state, &failedFrom, &decision, &detectedAt, &notifiedAt,
		&resolvedAt, &postedAt, &m.FailureCount, &lastError, &nextAttempt, &leased, &m.Version,
	)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = fromMicros(createdAt)
	m.DetectedAt = fromMicros(detectedAt)
	m.Sentiment = models.Sentiment(sentiment)
	m.State = models.State(state)
	m.Decision = models.Decision(decision)
	m.DraftResponse = draft.String
	m.FailedFrom = models.State(failedFrom.String)
	m.LastError = lastError.String
	m.NotifiedAt = fromNullMicros(notifiedAt)
	m.ResolvedAt = fromNullMicros(resolvedAt)
	m.PostedAt = fromNullMicros(postedAt)
	m.NextAttemptAt = fromNullMicros(nextAttempt)
	m.LeaseUntil = fromNullMicros(leased)
	return &m, nil
}

// rebind rewrites ? placeholders into $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 16)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
