// Package sqlite is the default [telemetry.Store], a single local database
// file driven by the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/medscribe/internal/telemetry"
)

var _ telemetry.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT    PRIMARY KEY,
	patient_id   TEXT    NOT NULL DEFAULT '',
	patient_name TEXT    NOT NULL DEFAULT '',
	session_type TEXT    NOT NULL,
	status       TEXT    NOT NULL,
	start_time   INTEGER NOT NULL,
	end_time     INTEGER,
	metadata     TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);

CREATE TABLE IF NOT EXISTS messages (
	message_id  TEXT    PRIMARY KEY,
	session_id  TEXT    NOT NULL REFERENCES sessions(session_id),
	role        TEXT    NOT NULL,
	content     TEXT    NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	llm_model   TEXT    NOT NULL DEFAULT '',
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

CREATE TABLE IF NOT EXISTS feedbacks (
	feedback_id    TEXT    PRIMARY KEY,
	session_id     TEXT    NOT NULL REFERENCES sessions(session_id),
	target_type    TEXT    NOT NULL,
	target_id      TEXT    NOT NULL,
	feedback_type  TEXT    NOT NULL,
	rating         INTEGER NOT NULL DEFAULT 0,
	reason         TEXT    NOT NULL DEFAULT '',
	original_value TEXT    NOT NULL DEFAULT '',
	modified_value TEXT    NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedbacks_session ON feedbacks(session_id);
CREATE INDEX IF NOT EXISTS idx_feedbacks_created ON feedbacks(created_at);

CREATE TABLE IF NOT EXISTS recommendations (
	recommendation_id TEXT    PRIMARY KEY,
	session_id        TEXT    NOT NULL,
	rec_type          TEXT    NOT NULL,
	content           TEXT    NOT NULL,
	matched           INTEGER NOT NULL,
	match_confidence  REAL    NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS operation_logs (
	log_id         TEXT    PRIMARY KEY,
	session_id     TEXT    NOT NULL DEFAULT '',
	operation_type TEXT    NOT NULL,
	operation_name TEXT    NOT NULL,
	details        TEXT    NOT NULL DEFAULT '',
	success        INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS performance_metrics (
	metric_id    TEXT    PRIMARY KEY,
	session_id   TEXT    NOT NULL DEFAULT '',
	metric_type  TEXT    NOT NULL,
	metric_value REAL    NOT NULL,
	unit         TEXT    NOT NULL,
	context      TEXT    NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
`

// Store is a SQLite-backed [telemetry.Store]. Times are stored as Unix
// milliseconds.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// rangeFilter renders r as a WHERE clause over col.
func rangeFilter(col string, r telemetry.Range) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !r.From.IsZero() {
		conds = append(conds, col+" >= ?")
		args = append(args, millis(r.From))
	}
	if !r.To.IsZero() {
		conds = append(conds, col+" <= ?")
		args = append(args, millis(r.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ── Writes ───────────────────────────────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, sess telemetry.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, patient_id, patient_name, session_type, status, start_time, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PatientID, sess.PatientName, string(sess.Type), string(sess.Status), millis(sess.StartedAt), sess.Metadata,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: create session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, id string, status telemetry.SessionStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, end_time = ? WHERE session_id = ?`,
		string(status), millis(at), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return telemetry.ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (telemetry.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, patient_id, patient_name, session_type, status, start_time, end_time, metadata
		FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Session{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.Session{}, fmt.Errorf("sqlite store: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) SaveMessage(ctx context.Context, m telemetry.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, session_id, role, content, token_count, llm_model, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, m.TokenCount, m.Model, m.LatencyMS, millis(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save message: %w", err)
	}
	return nil
}

func (s *Store) SaveFeedback(ctx context.Context, f telemetry.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedbacks (feedback_id, session_id, target_type, target_id, feedback_type, rating, reason, original_value, modified_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, string(f.TargetType), f.TargetID, string(f.Type), f.Rating, f.Reason, f.OriginalValue, f.ModifiedValue, millis(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save feedback: %w", err)
	}
	return nil
}

func (s *Store) SaveRecommendation(ctx context.Context, r telemetry.Recommendation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recommendations (recommendation_id, session_id, rec_type, content, matched, match_confidence, prompt_tokens, completion_tokens, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Type, r.Content, r.Matched, r.Confidence, r.PromptTokens, r.CompletionTokens, r.LatencyMS, millis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save recommendation: %w", err)
	}
	return nil
}

func (s *Store) SaveOperation(ctx context.Context, l telemetry.OperationLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_logs (log_id, session_id, operation_type, operation_name, details, success, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SessionID, l.Type, l.Name, l.Details, l.Success, l.DurationMS, millis(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save operation: %w", err)
	}
	return nil
}

func (s *Store) SaveMetric(ctx context.Context, m telemetry.Metric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (metric_id, session_id, metric_type, metric_value, unit, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Type, m.Value, m.Unit, m.Context, millis(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: save metric: %w", err)
	}
	return nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *Store) SessionStats(ctx context.Context, r telemetry.Range) (telemetry.SessionStats, error) {
	where, args := rangeFilter("start_time", r)
	var st telemetry.SessionStats

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_type, status, COUNT(*) FROM sessions`+where+` GROUP BY session_type, status`, args...)
	if err != nil {
		return st, fmt.Errorf("sqlite store: session stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ, status string
			n           int
		)
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return st, fmt.Errorf("sqlite store: session stats: %w", err)
		}
		st.AddGroup(telemetry.SessionType(typ), telemetry.SessionStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("sqlite store: session stats: %w", err)
	}

	var avg sql.NullFloat64
	endedWhere := where + " AND end_time IS NOT NULL"
	if where == "" {
		endedWhere = " WHERE end_time IS NOT NULL"
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(end_time - start_time) FROM sessions`+endedWhere, args...).Scan(&avg); err != nil {
		return st, fmt.Errorf("sqlite store: session duration: %w", err)
	}
	st.AvgDurationMS = avg.Float64

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id IN (SELECT session_id FROM sessions`+where+`)`, args...).Scan(&st.Messages); err != nil {
		return st, fmt.Errorf("sqlite store: message count: %w", err)
	}
	st.Finish()
	return st, nil
}

func (s *Store) FeedbackStats(ctx context.Context, r telemetry.Range) (telemetry.FeedbackStats, error) {
	where, args := rangeFilter("created_at", r)
	var fs telemetry.FeedbackStats

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_type, feedback_type, COUNT(*) FROM feedbacks`+where+` GROUP BY target_type, feedback_type`, args...)
	if err != nil {
		return fs, fmt.Errorf("sqlite store: feedback stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			target, typ string
			n           int
		)
		if err := rows.Scan(&target, &typ, &n); err != nil {
			return fs, fmt.Errorf("sqlite store: feedback stats: %w", err)
		}
		fs.AddGroup(telemetry.TargetType(target), telemetry.FeedbackType(typ), n)
	}
	if err := rows.Err(); err != nil {
		return fs, fmt.Errorf("sqlite store: feedback stats: %w", err)
	}

	var avg sql.NullFloat64
	ratedWhere := where + " AND rating > 0"
	if where == "" {
		ratedWhere = " WHERE rating > 0"
	}
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(rating) FROM feedbacks`+ratedWhere, args...).Scan(&avg); err != nil {
		return fs, fmt.Errorf("sqlite store: average rating: %w", err)
	}
	fs.AvgRating = avg.Float64
	fs.Finish()
	return fs, nil
}

func (s *Store) Dataset(ctx context.Context, r telemetry.Range) (telemetry.Dataset, error) {
	where, args := rangeFilter("start_time", r)
	ds := telemetry.Dataset{
		Sessions: []telemetry.Session{},
		Messages: []telemetry.Message{},
		Feedback: []telemetry.Feedback{},
	}
	inRange := ` WHERE session_id IN (SELECT session_id FROM sessions` + where + `)`

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, patient_id, patient_name, session_type, status, start_time, end_time, metadata
		FROM sessions`+where+` ORDER BY start_time, session_id`, args...)
	if err != nil {
		return ds, fmt.Errorf("sqlite store: dataset sessions: %w", err)
	}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return ds, fmt.Errorf("sqlite store: dataset sessions: %w", err)
		}
		ds.Sessions = append(ds.Sessions, sess)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT message_id, session_id, role, content, token_count, llm_model, latency_ms, created_at
		FROM messages`+inRange+` ORDER BY created_at, message_id`, args...)
	if err != nil {
		return ds, fmt.Errorf("sqlite store: dataset messages: %w", err)
	}
	for rows.Next() {
		var (
			m  telemetry.Message
			at int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokenCount, &m.Model, &m.LatencyMS, &at); err != nil {
			rows.Close()
			return ds, fmt.Errorf("sqlite store: dataset messages: %w", err)
		}
		m.CreatedAt = fromMillis(at)
		ds.Messages = append(ds.Messages, m)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT feedback_id, session_id, target_type, target_id, feedback_type, rating, reason, original_value, modified_value, created_at
		FROM feedbacks`+inRange+` ORDER BY created_at, feedback_id`, args...)
	if err != nil {
		return ds, fmt.Errorf("sqlite store: dataset feedback: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			f           telemetry.Feedback
			target, typ string
			at          int64
		)
		if err := rows.Scan(&f.ID, &f.SessionID, &target, &f.TargetID, &typ, &f.Rating, &f.Reason, &f.OriginalValue, &f.ModifiedValue, &at); err != nil {
			return ds, fmt.Errorf("sqlite store: dataset feedback: %w", err)
		}
		f.TargetType, f.Type, f.CreatedAt = telemetry.TargetType(target), telemetry.FeedbackType(typ), fromMillis(at)
		ds.Feedback = append(ds.Feedback, f)
	}
	return ds, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (telemetry.Session, error) {
	var (
		sess        telemetry.Session
		typ, status string
		start       int64
		end         sql.NullInt64
	)
	if err := sc.Scan(&sess.ID, &sess.PatientID, &sess.PatientName, &typ, &status, &start, &end, &sess.Metadata); err != nil {
		return telemetry.Session{}, err
	}
	sess.Type, sess.Status, sess.StartedAt = telemetry.SessionType(typ), telemetry.SessionStatus(status), fromMillis(start)
	if end.Valid {
		sess.EndedAt = fromMillis(end.Int64)
	}
	return sess, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
