package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/SixtySecondsApp/cadence/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
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
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

const executionColumns = `id, sequence_key, organization_id, user_id, status, input_context, is_simulation, definition, disable_hitl_skip, mock_data_used, step_results, final_output, error_message, failed_step_index, hitl_request_id, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *SequenceExecution) error {
	inputCtx, err := marshalMapOrDefault(exec.InputContext)
	if err != nil {
		return fmt.Errorf("marshal input_context: %w", err)
	}
	stepResults, err := marshalStepResults(exec.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step_results: %w", err)
	}
	var defJSON sql.NullString
	if exec.Definition != nil {
		raw, err := json.Marshal(exec.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		defJSON = sql.NullString{String: string(raw), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sequence_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SequenceKey, exec.OrganizationID, nullStr(exec.UserID),
		string(exec.Status), string(inputCtx), boolInt(exec.IsSimulation),
		defJSON, boolInt(exec.DisableHITLSkip),
		nullRaw(exec.MockDataUsed), string(stepResults), nullRaw(exec.FinalOutput),
		nullStr(exec.ErrorMessage), nullInt(exec.FailedStepIndex), nullStr(exec.HITLRequestID),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*SequenceExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM sequence_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StepResults != nil {
		raw, err := marshalStepResults(update.StepResults)
		if err != nil {
			return fmt.Errorf("marshal step_results: %w", err)
		}
		sets = append(sets, "step_results = ?")
		args = append(args, string(raw))
	}
	if update.FinalOutput != nil {
		sets = append(sets, "final_output = ?")
		args = append(args, string(update.FinalOutput))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.FailedStepIndex != nil {
		sets = append(sets, "failed_step_index = ?")
		args = append(args, *update.FailedStepIndex)
	}
	if update.HITLRequestID != nil {
		sets = append(sets, "hitl_request_id = ?")
		args = append(args, nullStr(*update.HITLRequestID))
	}
	if update.MockDataUsed != nil {
		sets = append(sets, "mock_data_used = ?")
		args = append(args, string(update.MockDataUsed))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE sequence_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*SequenceExecution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.SequenceKey != "" {
		where = append(where, "sequence_key = ?")
		args = append(args, filter.SequenceKey)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM sequence_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
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

	var execs []*SequenceExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sequence_executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*SequenceExecution, error) {
	exec := &SequenceExecution{}
	var (
		userID, defJSON, mockData, finalOutput, errMsg, hitlID sql.NullString
		inputJSON, stepsJSON, status                           string
		isSim, disableSkip                                     int
		failedIdx                                              sql.NullInt64
		startedAt, completedAt                                 sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.SequenceKey, &exec.OrganizationID, &userID, &status,
		&inputJSON, &isSim, &defJSON, &disableSkip, &mockData, &stepsJSON, &finalOutput, &errMsg, &failedIdx,
		&hitlID, &exec.CreatedAt, &startedAt, &completedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.UserID = userID.String
	exec.Status = schema.ExecutionStatus(status)
	exec.IsSimulation = isSim != 0
	exec.DisableHITLSkip = disableSkip != 0
	if defJSON.Valid && defJSON.String != "" {
		def := &schema.SequenceDefinition{}
		if err := json.Unmarshal([]byte(defJSON.String), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		exec.Definition = def
	}
	exec.MockDataUsed = rawOrNil(mockData)
	exec.FinalOutput = rawOrNil(finalOutput)
	exec.ErrorMessage = errMsg.String
	exec.HITLRequestID = hitlID.String
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &exec.InputContext)
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &exec.StepResults); err != nil {
			return nil, fmt.Errorf("unmarshal step_results: %w", err)
		}
	}
	if failedIdx.Valid {
		idx := int(failedIdx.Int64)
		exec.FailedStepIndex = &idx
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_index, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullInt(event.StepIndex), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_index, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
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

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, step_index, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
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
		var stepIdx sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepIdx, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		if stepIdx.Valid {
			idx := int(stepIdx.Int64)
			e.StepIndex = &idx
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- HITL requests ---

const hitlColumns = `id, execution_id, step_index, position, organization_id, prompt, options, default_value, channels, slack_channel_id, request_type, assigned_to_user_id, timeout_action, status, response, response_context, expires_at, created_at, resolved_at`

func (s *LibSQLStore) CreateHITLRequest(ctx context.Context, req *HITLRequest) error {
	options, err := marshalSliceOrNil(req.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	channels, err := marshalSliceOrNil(req.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	status := req.Status
	if status == "" {
		status = HITLPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hitl_requests (`+hitlColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.StepIndex, req.Position, nullStr(req.OrganizationID),
		req.Prompt, options, nullStr(req.DefaultValue), channels, nullStr(req.SlackChannelID),
		nullStr(req.RequestType), nullStr(req.AssignedToUserID), nullStr(req.TimeoutAction),
		status, nullRaw(req.Response), nullRaw(req.ResponseContext),
		nullTime(req.ExpiresAt), timeOrNow(req.CreatedAt), nullTime(req.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetHITLRequest(ctx context.Context, id string) (*HITLRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hitlColumns+` FROM hitl_requests WHERE id = ?`, id)
	req, err := scanHITLRequest(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("hitl request", id)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ResolveHITLRequest flips a pending request to resolved. Resolving a request
// that is not pending is a conflict, never a silent overwrite.
func (s *LibSQLStore) ResolveHITLRequest(ctx context.Context, id string, response, responseContext []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hitl_requests SET status = ?, response = ?, response_context = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = ?`,
		HITLResolved, nullRaw(response), nullRaw(responseContext), id, HITLPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetHITLRequest(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "hitl request %s is not pending", id)
	}
	return nil
}

// MarkHITLRequest moves a pending request to a terminal status (expired or
// cancelled) without attaching a response.
func (s *LibSQLStore) MarkHITLRequest(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hitl_requests SET status = ?, resolved_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		status, id, HITLPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetHITLRequest(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "hitl request %s is not pending", id)
	}
	return nil
}

func (s *LibSQLStore) ListHITLRequests(ctx context.Context, filter HITLFilter) ([]*HITLRequest, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, *filter.ExpiresBefore)
	}

	query := `SELECT ` + hitlColumns + ` FROM hitl_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*HITLRequest
	for rows.Next() {
		req, err := scanHITLRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func scanHITLRequest(row scanner) (*HITLRequest, error) {
	req := &HITLRequest{}
	var (
		orgID, defaultVal, slackCh, reqType, assignee, timeoutAction sql.NullString
		options, channels, response, responseCtx                     sql.NullString
		expiresAt, resolvedAt                                        sql.NullTime
	)
	err := row.Scan(&req.ID, &req.ExecutionID, &req.StepIndex, &req.Position, &orgID,
		&req.Prompt, &options, &defaultVal, &channels, &slackCh, &reqType, &assignee,
		&timeoutAction, &req.Status, &response, &responseCtx, &expiresAt, &req.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.OrganizationID = orgID.String
	req.DefaultValue = defaultVal.String
	req.SlackChannelID = slackCh.String
	req.RequestType = reqType.String
	req.AssignedToUserID = assignee.String
	req.TimeoutAction = timeoutAction.String
	req.Response = rawOrNil(response)
	req.ResponseContext = rawOrNil(responseCtx)
	if options.Valid && options.String != "" {
		_ = json.Unmarshal([]byte(options.String), &req.Options)
	}
	if channels.Valid && channels.String != "" {
		_ = json.Unmarshal([]byte(channels.String), &req.Channels)
	}
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return req, nil
}

// --- Sequence registry ---

func (s *LibSQLStore) UpsertSequence(ctx context.Context, rec *SequenceRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sequences (key, name, definition, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET name=excluded.name, definition=excluded.definition,
		 enabled=excluded.enabled, updated_at=CURRENT_TIMESTAMP`,
		rec.Key, nullStr(rec.Name), string(def), boolInt(rec.Enabled), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSequence(ctx context.Context, key string) (*SequenceRecord, error) {
	rec := &SequenceRecord{}
	var name sql.NullString
	var defJSON string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT key, name, definition, enabled, created_at, updated_at FROM sequences WHERE key = ?`, key,
	).Scan(&rec.Key, &name, &defJSON, &enabled, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sequence", key)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListSequences(ctx context.Context) ([]*SequenceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, name, definition, enabled, created_at, updated_at FROM sequences ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*SequenceRecord
	for rows.Next() {
		rec := &SequenceRecord{}
		var name sql.NullString
		var defJSON string
		var enabled int
		if err := rows.Scan(&rec.Key, &name, &defJSON, &enabled, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) DeleteSequence(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sequences WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "sequence", key)
}

// --- Scheduled runs ---

const scheduledRunColumns = `id, sequence_key, cron_expression, trigger_context, organization_id, user_id, is_simulation, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (`+scheduledRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SequenceKey, run.CronExpression, nullRaw(run.TriggerContext),
		run.OrganizationID, nullStr(run.UserID), boolInt(run.IsSimulation), boolInt(run.Enabled),
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduledRunColumns+` FROM scheduled_runs WHERE id = ?`, id)
	run, err := scanScheduledRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled run", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}

	query := `SELECT ` + scheduledRunColumns + ` FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run, err := scanScheduledRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func scanScheduledRun(row scanner) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var (
		triggerCtx, userID, lastStatus sql.NullString
		isSim, enabled                 int
		lastRun, nextRun               sql.NullTime
	)
	err := row.Scan(&run.ID, &run.SequenceKey, &run.CronExpression, &triggerCtx,
		&run.OrganizationID, &userID, &isSim, &enabled, &lastRun, &nextRun, &lastStatus, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.TriggerContext = rawOrNil(triggerCtx)
	run.UserID = userID.String
	run.IsSimulation = isSim != 0
	run.Enabled = enabled != 0
	run.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		run.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		run.NextRunAt = &nextRun.Time
	}
	return run, nil
}

// --- Copilot conversations ---

func (s *LibSQLStore) SaveChatMessage(ctx context.Context, msg *ChatMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, conversation_id, role, content, tool_calls, structured_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content=excluded.content, tool_calls=excluded.tool_calls,
		 structured_response=excluded.structured_response`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content,
		nullRaw(msg.ToolCalls), nullRaw(msg.StructuredResponse), timeOrNow(msg.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListChatMessages(ctx context.Context, conversationID string, limit int) ([]*ChatMessage, error) {
	query := `SELECT id, conversation_id, role, content, tool_calls, structured_response, created_at
		 FROM chat_messages WHERE conversation_id = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		msg := &ChatMessage{}
		var toolCalls, structured sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&toolCalls, &structured, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ToolCalls = rawOrNil(toolCalls)
		msg.StructuredResponse = rawOrNil(structured)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *LibSQLStore) ClearConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE conversation_id = ?`, conversationID)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CadenceError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalStepResults(results []schema.StepResult) (json.RawMessage, error) {
	if results == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(results)
}

func marshalSliceOrNil(s []string) (any, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
