package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
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

// DB returns the underlying *sql.DB for advanced usage.
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

// --- Workflows ---

// workflowDefinition is the persisted shape of a workflow's graph.
type workflowDefinition struct {
	Nodes []schema.Node `json:"nodes"`
	Edges []schema.Edge `json:"edges"`
}

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(workflowDefinition{Nodes: wf.Nodes, Edges: wf.Edges})
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, name, definition, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id=excluded.tenant_id, name=excluded.name, definition=excluded.definition,
		   active=excluded.active, updated_at=CURRENT_TIMESTAMP`,
		wf.ID, wf.TenantID, wf.Name, string(def), boolInt(wf.Active),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var defJSON string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, definition, active, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.TenantID, &wf.Name, &defJSON, &active, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Active = active != 0
	var def workflowDefinition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	wf.Nodes = def.Nodes
	wf.Edges = def.Edges
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT id, tenant_id, name, definition, active, created_at, updated_at FROM workflows`
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

	var workflows []*schema.Workflow
	for rows.Next() {
		wf := &schema.Workflow{}
		var defJSON string
		var active int
		if err := rows.Scan(&wf.ID, &wf.TenantID, &wf.Name, &defJSON, &active, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Active = active != 0
		var def workflowDefinition
		if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		wf.Nodes = def.Nodes
		wf.Edges = def.Edges
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	trigger, err := marshalMapOrDefault(run.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, tenant_id, status, trigger_payload, error, diagnostic, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.TenantID, string(run.Status),
		string(trigger), nullStr(run.Error), nullRaw(run.Diagnostic),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt), run.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		triggerJSON          string
		errMsg, diagnostic   sql.NullString
		completedAt          sql.NullTime
		status               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, tenant_id, status, trigger_payload, error, diagnostic, started_at, completed_at, duration_ms
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.TenantID, &status, &triggerJSON,
		&errMsg, &diagnostic, &run.StartedAt, &completedAt, &run.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if triggerJSON != "" {
		_ = json.Unmarshal([]byte(triggerJSON), &run.Trigger)
	}
	run.Error = errMsg.String
	run.Diagnostic = rawOrNil(diagnostic)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.Diagnostic != nil {
		sets = append(sets, "diagnostic = ?")
		args = append(args, string(update.Diagnostic))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, tenant_id, status, trigger_payload, error, diagnostic, started_at, completed_at, duration_ms FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
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

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			triggerJSON        string
			errMsg, diagnostic sql.NullString
			completedAt        sql.NullTime
			status             string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.TenantID, &status, &triggerJSON,
			&errMsg, &diagnostic, &run.StartedAt, &completedAt, &run.DurationMs); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		if triggerJSON != "" {
			_ = json.Unmarshal([]byte(triggerJSON), &run.Trigger)
		}
		run.Error = errMsg.String
		run.Diagnostic = rawOrNil(diagnostic)
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Steps ---

// CreateStep inserts a step with the next per-run sequence number. The
// read and insert share one transaction so concurrent walks cannot
// interleave sequence assignment.
func (s *LibSQLStore) CreateStep(ctx context.Context, step *Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM steps WHERE run_id = ?`, step.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next seq: %w", err)
	}
	step.Seq = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, node_id, node_type, status, seq, input, output, branch_taken, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.NodeID, string(step.NodeType), string(step.Status), seq,
		nullRaw(step.Input), nullRaw(step.Output), nullStr(step.BranchTaken), nullStr(step.Error),
		timeOrNow(step.StartedAt), nullTime(step.CompletedAt), step.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.BranchTaken != nil {
		sets = append(sets, "branch_taken = ?")
		args = append(args, *update.BranchTaken)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, node_type, status, seq, input, output, branch_taken, error, started_at, completed_at, duration_ms
		 FROM steps WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		var (
			nodeType, status       string
			input, output          sql.NullString
			branchTaken, errMsg    sql.NullString
			completedAt            sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.RunID, &st.NodeID, &nodeType, &status, &st.Seq,
			&input, &output, &branchTaken, &errMsg, &st.StartedAt, &completedAt, &st.DurationMs); err != nil {
			return nil, err
		}
		st.NodeType = schema.NodeType(nodeType)
		st.Status = schema.StepStatus(status)
		st.Input = rawOrNil(input)
		st.Output = rawOrNil(output)
		st.BranchTaken = branchTaken.String
		st.Error = errMsg.String
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Contacts ---

const contactColumns = `id, tenant_id, name, phone, chat_id, status, custom, version, created_at, updated_at`

func (s *LibSQLStore) CreateContact(ctx context.Context, ct *Contact) error {
	custom, err := marshalMapOrDefault(ct.Custom)
	if err != nil {
		return fmt.Errorf("marshal custom fields: %w", err)
	}
	if ct.Version == 0 {
		ct.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, tenant_id, name, phone, chat_id, status, custom, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.ID, ct.TenantID, ct.Name, ct.Phone, ct.ChatID, ct.Status,
		string(custom), ct.Version, timeOrNow(ct.CreatedAt), timeOrNow(ct.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	ct, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", id)
	}
	return ct, err
}

func (s *LibSQLStore) FindContactByPhone(ctx context.Context, tenantID, phone string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = ? AND phone = ?`, tenantID, phone)
	ct, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", phone)
	}
	return ct, err
}

func (s *LibSQLStore) FindContactByChatID(ctx context.Context, tenantID, chatID string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = ? AND chat_id = ?`, tenantID, chatID)
	ct, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", chatID)
	}
	return ct, err
}

// UpdateContactVersioned writes the contact's field values guarded by its
// loaded version. Zero rows affected with the row still present means a
// concurrent writer advanced the version first; that is a CONFLICT.
func (s *LibSQLStore) UpdateContactVersioned(ctx context.Context, ct *Contact) error {
	custom, err := marshalMapOrDefault(ct.Custom)
	if err != nil {
		return fmt.Errorf("marshal custom fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, phone = ?, chat_id = ?, status = ?, custom = ?,
		   version = version + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND version = ?`,
		ct.Name, ct.Phone, ct.ChatID, ct.Status, string(custom), ct.ID, ct.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM contacts WHERE id = ?`, ct.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return storeNotFound("contact", ct.ID)
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"contact %q version %d is stale", ct.ID, ct.Version)
	}
	ct.Version++
	return nil
}

// contactTypedColumns are the fields QueryContacts matches against columns
// instead of the custom JSON map.
var contactTypedColumns = map[string]string{
	"name":    "name",
	"phone":   "phone",
	"chat_id": "chat_id",
	"status":  "status",
}

func (s *LibSQLStore) QueryContacts(ctx context.Context, q ContactQuery) ([]*Contact, error) {
	expr := contactTypedColumns[q.Field]
	if expr == "" {
		expr = fmt.Sprintf("COALESCE(json_extract(custom, '$.%s'), '')", q.Field)
	}

	cond, arg, err := fieldCondition(expr, q.Op, q.Value)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + contactColumns + ` FROM contacts WHERE tenant_id = ? AND ` + cond
	args := []any{q.TenantID}
	if arg != nil {
		args = append(args, arg)
	}
	query += " ORDER BY created_at ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		ct, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, ct)
	}
	return contacts, rows.Err()
}

// fieldCondition translates a ContactQuery operator into a SQL predicate.
// The returned arg is nil for operators that take no value.
func fieldCondition(expr, op, value string) (string, any, error) {
	switch op {
	case "equals":
		return expr + " = ?", value, nil
	case "not_equals":
		return expr + " != ?", value, nil
	case "contains":
		return expr + " LIKE ? ESCAPE '\\'", "%" + escapeLike(value) + "%", nil
	case "starts_with":
		return expr + " LIKE ? ESCAPE '\\'", escapeLike(value) + "%", nil
	case "ends_with":
		return expr + " LIKE ? ESCAPE '\\'", "%" + escapeLike(value), nil
	case "is_empty":
		return expr + " = ''", nil, nil
	case "is_not_empty":
		return expr + " != ''", nil, nil
	default:
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported contact query operator %q", op)
	}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	ct := &Contact{}
	var customJSON string
	err := row.Scan(&ct.ID, &ct.TenantID, &ct.Name, &ct.Phone, &ct.ChatID, &ct.Status,
		&customJSON, &ct.Version, &ct.CreatedAt, &ct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if customJSON != "" && customJSON != "{}" {
		_ = json.Unmarshal([]byte(customJSON), &ct.Custom)
	}
	return ct, nil
}

// --- Messages ---

func (s *LibSQLStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, contact_id, run_id, direction, channel, body, body_hash, media_id, status, provider_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.ContactID, nullStr(m.RunID), m.Direction,
		nullStr(m.Channel), nullStr(m.Body), nullStr(m.BodyHash), nullStr(m.MediaID),
		nullStr(m.Status), nullStr(m.ProviderID), timeOrNow(m.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) HasRecentOutbound(ctx context.Context, tenantID, contactID, bodyHash string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages
		 WHERE tenant_id = ? AND contact_id = ? AND direction = 'out'
		   AND body_hash = ? AND status = 'sent' AND created_at >= ?`,
		tenantID, contactID, bodyHash, since,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ContactID != "" {
		where = append(where, "contact_id = ?")
		args = append(args, filter.ContactID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}

	query := `SELECT id, tenant_id, contact_id, run_id, direction, channel, body, body_hash, media_id, status, provider_id, created_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		var runID, channel, body, bodyHash, mediaID, status, providerID sql.NullString
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ContactID, &runID, &m.Direction,
			&channel, &body, &bodyHash, &mediaID, &status, &providerID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.RunID = runID.String
		m.Channel = channel.String
		m.Body = body.String
		m.BodyHash = bodyHash.String
		m.MediaID = mediaID.String
		m.Status = status.String
		m.ProviderID = providerID.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Audit trails ---

func (s *LibSQLStore) AppendFieldAudits(ctx context.Context, audits []*FieldAudit) error {
	if len(audits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, a := range audits {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO field_audits (tenant_id, contact_id, run_id, node_id, field, old_value, new_value, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.TenantID, a.ContactID, nullStr(a.RunID), nullStr(a.NodeID), a.Field,
			nullRaw(a.OldValue), nullRaw(a.NewValue), timeOrNow(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert field audit: %w", err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListFieldAudits(ctx context.Context, contactID string, limit int) ([]*FieldAudit, error) {
	query := `SELECT id, tenant_id, contact_id, run_id, node_id, field, old_value, new_value, created_at
	 FROM field_audits WHERE contact_id = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*FieldAudit
	for rows.Next() {
		a := &FieldAudit{}
		var runID, nodeID sql.NullString
		var oldVal, newVal sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ContactID, &runID, &nodeID,
			&a.Field, &oldVal, &newVal, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RunID = runID.String
		a.NodeID = nodeID.String
		a.OldValue = rawOrNil(oldVal)
		a.NewValue = rawOrNil(newVal)
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

func (s *LibSQLStore) AppendAIAudit(ctx context.Context, audit *AIAudit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_audits (tenant_id, contact_id, run_id, node_id, system_prompt, user_prompt, raw_output, used_profile, confidence, handoff, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.TenantID, nullStr(audit.ContactID), nullStr(audit.RunID), nullStr(audit.NodeID),
		nullStr(audit.SystemPrompt), nullStr(audit.UserPrompt), nullStr(audit.RawOutput),
		nullStr(audit.UsedProfile), audit.Confidence, boolInt(audit.Handoff), timeOrNow(audit.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListAIAudits(ctx context.Context, contactID string, limit int) ([]*AIAudit, error) {
	query := `SELECT id, tenant_id, contact_id, run_id, node_id, system_prompt, user_prompt, raw_output, used_profile, confidence, handoff, created_at
	 FROM ai_audits WHERE contact_id = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*AIAudit
	for rows.Next() {
		a := &AIAudit{}
		var contactID, runID, nodeID, sysPrompt, userPrompt, rawOutput, usedProfile sql.NullString
		var handoff int
		if err := rows.Scan(&a.ID, &a.TenantID, &contactID, &runID, &nodeID,
			&sysPrompt, &userPrompt, &rawOutput, &usedProfile, &a.Confidence, &handoff, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ContactID = contactID.String
		a.RunID = runID.String
		a.NodeID = nodeID.String
		a.SystemPrompt = sysPrompt.String
		a.UserPrompt = userPrompt.String
		a.RawOutput = rawOutput.String
		a.UsedProfile = usedProfile.String
		a.Handoff = handoff != 0
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// --- Trigger debounce ---

// MarkTriggerFired records a firing unless an identical one is still inside
// its debounce window. The conditional upsert refreshes expired rows in
// place, so the table needs no separate cleanup to stay correct.
func (s *LibSQLStore) MarkTriggerFired(ctx context.Context, fire *TriggerFire) (bool, error) {
	firedAt := timeOrNow(fire.FiredAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_fires (workflow_id, node_id, contact_id, fire_hash, fired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, node_id, contact_id, fire_hash) DO UPDATE SET
		   fired_at=excluded.fired_at, expires_at=excluded.expires_at
		 WHERE trigger_fires.expires_at <= excluded.fired_at`,
		fire.WorkflowID, fire.NodeID, fire.ContactID, fire.FireHash, firedAt, fire.ExpiresAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) PurgeTriggerFires(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trigger_fires WHERE expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
