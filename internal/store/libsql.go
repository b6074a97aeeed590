package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/leadflow/internal/agent"
	"github.com/rendis/leadflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
	// migrated is set once the database is known to be at LatestSchemaVersion.
	migrated atomic.Bool
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/leadflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db, migrations); err != nil {
		return err
	}
	s.migrated.Store(true)
	return nil
}

// SchemaVersion reports the highest applied migration, 0 when none.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// requireSchema rejects writes against a database that is behind this build.
func (s *LibSQLStore) requireSchema(ctx context.Context) error {
	if s.migrated.Load() {
		return nil
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "read schema version").WithCause(err)
	}
	if latest := LatestSchemaVersion(); v < latest {
		return schema.NewErrorf(schema.ErrCodeStore,
			"database schema at version %d, want %d; run migrations first", v, latest)
	}
	s.migrated.Store(true)
	return nil
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Reports ---

// SaveReport stores a finished run. Reports are immutable, so saving the
// same run id twice is a conflict.
func (s *LibSQLStore) SaveReport(ctx context.Context, report *schema.ExecutionReport) error {
	if report == nil || report.RunID == "" {
		return schema.NewError(schema.ErrCodeStore, "report must carry a run id")
	}
	if err := s.requireSchema(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, status, success, report, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, nullStr(report.WorkflowName), string(report.Status), report.Success, string(body),
		timeOrNow(report.StartedAt), timeOrNow(report.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q already stored", report.RunID).WithCause(err)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetReport(ctx context.Context, runID string) (*schema.ExecutionReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}

	var report schema.ExecutionReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode report %q", runID).WithCause(err)
	}
	return &report, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	var where []string
	var args []any

	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_name, status, success, started_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunSummary
	for rows.Next() {
		rs := &RunSummary{}
		var name sql.NullString
		var status string
		if err := rows.Scan(&rs.RunID, &name, &status, &rs.Success, &rs.StartedAt, &rs.CompletedAt); err != nil {
			return nil, err
		}
		rs.WorkflowName = name.String
		rs.Status = schema.RunStatus(status)
		out = append(out, rs)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if err := s.requireSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// insertEvent assigns the next per-run sequence and writes the row inside tx.
func insertEvent(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Reasoning ---

// SaveReasoning writes drained reasoning records in one transaction. Records
// already stored (same id) are left untouched.
func (s *LibSQLStore) SaveReasoning(ctx context.Context, records []agent.ReasoningRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.requireSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec.ID == "" {
			return schema.NewErrorf(schema.ErrCodeStore, "reasoning record for step %q has no id", rec.StepID)
		}
		inputs, err := marshalMapOrNil(rec.Inputs)
		if err != nil {
			return fmt.Errorf("marshal reasoning inputs: %w", err)
		}
		output, err := marshalMapOrNil(rec.Output)
		if err != nil {
			return fmt.Errorf("marshal reasoning output: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reasoning_records (id, run_id, step_id, handler, reasoning, inputs, output, error, timestamp, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			rec.ID, nullStr(rec.RunID), rec.StepID, rec.Handler, nullStr(rec.Reasoning),
			inputs, output, nullStr(rec.Error), timeOrNow(rec.Timestamp), rec.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("insert reasoning record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reasoning: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListReasoning(ctx context.Context, filter ReasoningFilter) ([]agent.ReasoningRecord, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}

	query := `SELECT id, run_id, step_id, handler, reasoning, inputs, output, error, timestamp, duration_ms
		FROM reasoning_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []agent.ReasoningRecord
	for rows.Next() {
		var rec agent.ReasoningRecord
		var runID, reasoning, inputs, output, errText sql.NullString
		if err := rows.Scan(&rec.ID, &runID, &rec.StepID, &rec.Handler, &reasoning,
			&inputs, &output, &errText, &rec.Timestamp, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.RunID = runID.String
		rec.Reasoning = reasoning.String
		rec.Error = errText.String
		if rec.Inputs, err = unmarshalMap(inputs); err != nil {
			return nil, fmt.Errorf("decode reasoning inputs: %w", err)
		}
		if rec.Output, err = unmarshalMap(output); err != nil {
			return nil, fmt.Errorf("decode reasoning output: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
