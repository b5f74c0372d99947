// Package sqlite implements the audit store on a single SQLite database,
// which is sufficient for a single-writer control plane.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ctrl-plane/ctrl/internal/domain/request"
)

// timeLayout is UTC ISO-8601 at second resolution, matching the audit
// contract. Lexicographic order equals chronological order.
const timeLayout = "2006-01-02T15:04:05Z"

// List limits: requests listings are bounded regardless of what the
// caller asks for.
const (
	defaultListLimit = 200
	maxListLimit     = 500
)

// Config contains the SQLite backend settings.
type Config struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string

	// BusyTimeout is how long a locked database blocks a writer.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

// Store implements request.Store on database/sql with the modernc sqlite
// driver (no cgo).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ request.Store = (*Store)(nil)

// New opens (creating if needed) the database, applies pragmas, and
// ensures the schema exists.
func New(cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := cfg.Path
	memory := cfg.Path == ":memory:"
	if memory {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	if memory {
		// A second connection would see a different empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "store.sqlite"),
	}
	if err := s.initialize(cfg, memory); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("sqlite store initialized", "path", cfg.Path)
	return s, nil
}

func (s *Store) initialize(cfg Config, memory bool) error {
	if !memory {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable wal: %w", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateRequest inserts a request row in status proposed.
func (s *Store) CreateRequest(ctx context.Context, req *request.Request) error {
	if req.Status == "" {
		req.Status = request.StatusProposed
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
			(id, created_at, server, tool, arguments_json, arguments_hash,
			 actor, env, status, risk_score, risk_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, formatTime(req.CreatedAt), req.Server, req.Tool,
		req.ArgumentsJSON, req.ArgumentsHash, nullable(req.Actor), req.Env,
		req.Status, req.RiskScore, req.RiskMode,
	)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}
	return nil
}

const requestColumns = `id, created_at, server, tool, arguments_json, arguments_hash,
	actor, env, status, risk_score, risk_mode, approved_at, approved_by`

// GetRequest returns one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*request.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, request.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select request %s: %w", id, err)
	}
	return req, nil
}

// ListRequests returns the newest requests first. An empty status means no
// filter; the limit is clamped to [1, 500] with a default of 200.
func (s *Store) ListRequests(ctx context.Context, status string, limit int) ([]*request.Request, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*request.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// UpdateStatus performs a compare-and-set transition. The transition table
// is checked first, then the row is updated only if it is still in the
// expected status; losing the race surfaces as ErrInvalidState.
func (s *Store) UpdateStatus(ctx context.Context, id, from, to string) error {
	if !request.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, request.ErrInvalidState)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if n == 0 {
		// Distinguish a missing row from a stale expectation.
		var current string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM requests WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return request.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update status %s: %w", id, err)
		}
		return fmt.Errorf("%s is %s, not %s: %w", id, current, from, request.ErrInvalidState)
	}
	return nil
}

// AddDecision appends one decision row.
func (s *Store) AddDecision(ctx context.Context, d *request.Decision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(id, request_id, decided_at, decision, matched_policy_id, matched_condition, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RequestID, formatTime(d.DecidedAt), d.Decision,
		nullable(d.MatchedPolicyID), d.MatchedCondition, d.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.ID, err)
	}
	return nil
}

// LatestDecision returns the most recent decision for a request.
func (s *Store) LatestDecision(ctx context.Context, requestID string) (*request.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_id, decided_at, decision, matched_policy_id, matched_condition, reason
		FROM decisions WHERE request_id = ?
		ORDER BY decided_at DESC, rowid DESC LIMIT 1`, requestID)

	var d request.Decision
	var decidedAt string
	var policyID sql.NullString
	err := row.Scan(&d.ID, &d.RequestID, &decidedAt, &d.Decision, &policyID, &d.MatchedCondition, &d.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, request.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select decision for %s: %w", requestID, err)
	}
	d.DecidedAt = parseTime(decidedAt)
	d.MatchedPolicyID = policyID.String
	return &d, nil
}

// AppendEvent appends one audit event with its data as canonical JSON.
func (s *Store) AppendEvent(ctx context.Context, requestID, eventType string, data map[string]any) error {
	dataJSON, err := request.CanonicalJSON(orEmpty(data))
	if err != nil {
		return fmt.Errorf("encode event %s: %w", eventType, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (created_at, request_id, type, data_json)
		VALUES (?, ?, ?, ?)`,
		formatTime(time.Now().UTC()), nullable(requestID), eventType, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", eventType, err)
	}
	return nil
}

// ListEvents returns a request's events in emission order. created_at has
// second resolution, so the autoincrement id breaks ties.
func (s *Store) ListEvents(ctx context.Context, requestID string) ([]*request.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, request_id, type, data_json
		FROM events WHERE request_id = ?
		ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []*request.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestEventOfType returns the most recent event of one type for a
// request.
func (s *Store) LatestEventOfType(ctx context.Context, requestID, eventType string) (*request.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, request_id, type, data_json
		FROM events WHERE request_id = ? AND type = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, requestID, eventType)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, request.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select event %s for %s: %w", eventType, requestID, err)
	}
	return ev, nil
}

// Approve transitions pending -> approved and writes the approval.granted
// event in one transaction. The approval is durable before the caller
// starts executing the tool.
func (s *Store) Approve(ctx context.Context, id, approvedBy string, approvedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approve tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = ?, approved_at = ?, approved_by = ?
		WHERE id = ? AND status = ?`,
		request.StatusApproved, formatTime(approvedAt.UTC()), approvedBy,
		id, request.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("approve %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approve %s: %w", id, err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return request.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("approve %s: %w", id, err)
		}
		return fmt.Errorf("%s is %s, not pending: %w", id, current, request.ErrInvalidState)
	}

	dataJSON, err := request.CanonicalJSON(map[string]any{"by": approvedBy})
	if err != nil {
		return fmt.Errorf("encode approval event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (created_at, request_id, type, data_json)
		VALUES (?, ?, ?, ?)`,
		formatTime(time.Now().UTC()), id, request.EventApprovalGranted, dataJSON,
	); err != nil {
		return fmt.Errorf("insert approval event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approve tx: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*request.Request, error) {
	var req request.Request
	var createdAt string
	var actor, approvedAt, approvedBy sql.NullString
	err := row.Scan(&req.ID, &createdAt, &req.Server, &req.Tool,
		&req.ArgumentsJSON, &req.ArgumentsHash, &actor, &req.Env,
		&req.Status, &req.RiskScore, &req.RiskMode, &approvedAt, &approvedBy)
	if err != nil {
		return nil, err
	}
	req.CreatedAt = parseTime(createdAt)
	req.Actor = actor.String
	req.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := parseTime(approvedAt.String)
		req.ApprovedAt = &t
	}
	return &req, nil
}

func scanEvent(row scanner) (*request.Event, error) {
	var ev request.Event
	var createdAt string
	var requestID sql.NullString
	if err := row.Scan(&ev.ID, &createdAt, &requestID, &ev.Type, &ev.DataJSON); err != nil {
		return nil, err
	}
	ev.CreatedAt = parseTime(createdAt)
	ev.RequestID = requestID.String
	return &ev, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}
