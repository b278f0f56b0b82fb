package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/medscribe/internal/telemetry"
)

var _ telemetry.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [telemetry.Store] over a single
// [pgxpool.Pool]. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks one pooled connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// rangeFilter renders r as conditions over col, numbering placeholders from
// len(args)+1.
func rangeFilter(col string, r telemetry.Range, args []any) (string, []any) {
	var conds []string
	if !r.From.IsZero() {
		args = append(args, r.From)
		conds = append(conds, fmt.Sprintf("%s >= $%d", col, len(args)))
	}
	if !r.To.IsZero() {
		args = append(args, r.To)
		conds = append(conds, fmt.Sprintf("%s <= $%d", col, len(args)))
	}
	if len(conds) == 0 {
		return "TRUE", args
	}
	return strings.Join(conds, " AND "), args
}

// ── Writes ───────────────────────────────────────────────────────────────────

func (s *Store) CreateSession(ctx context.Context, sess telemetry.Session) error {
	const q = `
		INSERT INTO sessions
		    (session_id, patient_id, patient_name, session_type, status, start_time, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		sess.ID,
		sess.PatientID,
		sess.PatientName,
		string(sess.Type),
		string(sess.Status),
		sess.StartedAt,
		sess.Metadata,
	)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, id string, status telemetry.SessionStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, end_time = $2 WHERE session_id = $3`,
		string(status), at, id,
	)
	if err != nil {
		return fmt.Errorf("postgres store: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return telemetry.ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (telemetry.Session, error) {
	rows, err := s.pool.Query(ctx, sessionColumns+` WHERE session_id = $1`, id)
	if err != nil {
		return telemetry.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	sess, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.Session{}, telemetry.ErrNotFound
	}
	if err != nil {
		return telemetry.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

func (s *Store) SaveMessage(ctx context.Context, m telemetry.Message) error {
	const q = `
		INSERT INTO messages
		    (message_id, session_id, role, content, token_count, llm_model, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := s.pool.Exec(ctx, q, m.ID, m.SessionID, m.Role, m.Content, m.TokenCount, m.Model, m.LatencyMS, m.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: save message: %w", err)
	}
	return nil
}

func (s *Store) SaveFeedback(ctx context.Context, f telemetry.Feedback) error {
	const q = `
		INSERT INTO feedbacks
		    (feedback_id, session_id, target_type, target_id, feedback_type, rating, reason, original_value, modified_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		f.ID,
		f.SessionID,
		string(f.TargetType),
		f.TargetID,
		string(f.Type),
		f.Rating,
		f.Reason,
		f.OriginalValue,
		f.ModifiedValue,
		f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save feedback: %w", err)
	}
	return nil
}

func (s *Store) SaveRecommendation(ctx context.Context, r telemetry.Recommendation) error {
	const q = `
		INSERT INTO recommendations
		    (recommendation_id, session_id, rec_type, content, matched, match_confidence,
		     prompt_tokens, completion_tokens, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		r.ID, r.SessionID, r.Type, r.Content, r.Matched, r.Confidence,
		r.PromptTokens, r.CompletionTokens, r.LatencyMS, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save recommendation: %w", err)
	}
	return nil
}

func (s *Store) SaveOperation(ctx context.Context, l telemetry.OperationLog) error {
	const q = `
		INSERT INTO operation_logs
		    (log_id, session_id, operation_type, operation_name, details, success, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := s.pool.Exec(ctx, q, l.ID, l.SessionID, l.Type, l.Name, l.Details, l.Success, l.DurationMS, l.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: save operation: %w", err)
	}
	return nil
}

func (s *Store) SaveMetric(ctx context.Context, m telemetry.Metric) error {
	const q = `
		INSERT INTO performance_metrics
		    (metric_id, session_id, metric_type, metric_value, unit, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.pool.Exec(ctx, q, m.ID, m.SessionID, m.Type, m.Value, m.Unit, m.Context, m.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: save metric: %w", err)
	}
	return nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *Store) SessionStats(ctx context.Context, r telemetry.Range) (telemetry.SessionStats, error) {
	where, args := rangeFilter("start_time", r, nil)
	var st telemetry.SessionStats

	rows, err := s.pool.Query(ctx,
		`SELECT session_type, status, COUNT(*) FROM sessions WHERE `+where+` GROUP BY session_type, status`, args...)
	if err != nil {
		return st, fmt.Errorf("postgres store: session stats: %w", err)
	}
	var (
		typ, status string
		n           int
	)
	_, err = pgx.ForEachRow(rows, []any{&typ, &status, &n}, func() error {
		st.AddGroup(telemetry.SessionType(typ), telemetry.SessionStatus(status), n)
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("postgres store: session stats: %w", err)
	}

	var avg *float64
	err = s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (end_time - start_time)) * 1000)::float8
		FROM   sessions
		WHERE  end_time IS NOT NULL AND `+where, args...).Scan(&avg)
	if err != nil {
		return st, fmt.Errorf("postgres store: session duration: %w", err)
	}
	if avg != nil {
		st.AvgDurationMS = *avg
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM   messages
		WHERE  session_id IN (SELECT session_id FROM sessions WHERE `+where+`)`, args...).Scan(&st.Messages)
	if err != nil {
		return st, fmt.Errorf("postgres store: message count: %w", err)
	}
	st.Finish()
	return st, nil
}

func (s *Store) FeedbackStats(ctx context.Context, r telemetry.Range) (telemetry.FeedbackStats, error) {
	where, args := rangeFilter("created_at", r, nil)
	var fs telemetry.FeedbackStats

	rows, err := s.pool.Query(ctx,
		`SELECT target_type, feedback_type, COUNT(*) FROM feedbacks WHERE `+where+` GROUP BY target_type, feedback_type`, args...)
	if err != nil {
		return fs, fmt.Errorf("postgres store: feedback stats: %w", err)
	}
	var (
		target, typ string
		n           int
	)
	_, err = pgx.ForEachRow(rows, []any{&target, &typ, &n}, func() error {
		fs.AddGroup(telemetry.TargetType(target), telemetry.FeedbackType(typ), n)
		return nil
	})
	if err != nil {
		return fs, fmt.Errorf("postgres store: feedback stats: %w", err)
	}

	var avg *float64
	err = s.pool.QueryRow(ctx,
		`SELECT AVG(rating)::float8 FROM feedbacks WHERE rating > 0 AND `+where, args...).Scan(&avg)
	if err != nil {
		return fs, fmt.Errorf("postgres store: average rating: %w", err)
	}
	if avg != nil {
		fs.AvgRating = *avg
	}
	fs.Finish()
	return fs, nil
}

const sessionColumns = `
		SELECT session_id, patient_id, patient_name, session_type, status, start_time, end_time, metadata
		FROM   sessions`

func (s *Store) Dataset(ctx context.Context, r telemetry.Range) (telemetry.Dataset, error) {
	where, args := rangeFilter("start_time", r, nil)
	inRange := ` WHERE session_id IN (SELECT session_id FROM sessions WHERE ` + where + `)`
	var ds telemetry.Dataset

	rows, err := s.pool.Query(ctx, sessionColumns+` WHERE `+where+` ORDER BY start_time, session_id`, args...)
	if err != nil {
		return ds, fmt.Errorf("postgres store: dataset sessions: %w", err)
	}
	if ds.Sessions, err = pgx.CollectRows(rows, scanSession); err != nil {
		return ds, fmt.Errorf("postgres store: dataset sessions: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT message_id, session_id, role, content, token_count, llm_model, latency_ms, created_at
		FROM   messages`+inRange+` ORDER BY created_at, message_id`, args...)
	if err != nil {
		return ds, fmt.Errorf("postgres store: dataset messages: %w", err)
	}
	ds.Messages, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (telemetry.Message, error) {
		var m telemetry.Message
		err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokenCount, &m.Model, &m.LatencyMS, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return ds, fmt.Errorf("postgres store: dataset messages: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT feedback_id, session_id, target_type, target_id, feedback_type, rating, reason, original_value, modified_value, created_at
		FROM   feedbacks`+inRange+` ORDER BY created_at, feedback_id`, args...)
	if err != nil {
		return ds, fmt.Errorf("postgres store: dataset feedback: %w", err)
	}
	ds.Feedback, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (telemetry.Feedback, error) {
		var (
			f           telemetry.Feedback
			target, typ string
		)
		err := row.Scan(&f.ID, &f.SessionID, &target, &f.TargetID, &typ, &f.Rating, &f.Reason, &f.OriginalValue, &f.ModifiedValue, &f.CreatedAt)
		f.TargetType, f.Type = telemetry.TargetType(target), telemetry.FeedbackType(typ)
		return f, err
	})
	if err != nil {
		return ds, fmt.Errorf("postgres store: dataset feedback: %w", err)
	}

	if ds.Sessions == nil {
		ds.Sessions = []telemetry.Session{}
	}
	if ds.Messages == nil {
		ds.Messages = []telemetry.Message{}
	}
	if ds.Feedback == nil {
		ds.Feedback = []telemetry.Feedback{}
	}
	return ds, nil
}

// scanSession scans one row selected with sessionColumns.
func scanSession(row pgx.CollectableRow) (telemetry.Session, error) {
	var (
		sess        telemetry.Session
		typ, status string
		end         *time.Time
	)
	if err := row.Scan(&sess.ID, &sess.PatientID, &sess.PatientName, &typ, &status, &sess.StartedAt, &end, &sess.Metadata); err != nil {
		return telemetry.Session{}, err
	}
	sess.Type, sess.Status = telemetry.SessionType(typ), telemetry.SessionStatus(status)
	sess.StartedAt = sess.StartedAt.UTC()
	if end != nil {
		sess.EndedAt = end.UTC()
	}
	return sess, nil
}
