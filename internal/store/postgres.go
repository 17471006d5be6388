package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// PostgresStore implements the Store interface on a pgx connection pool.
// It exists for deployments where several engine instances share one
// database; the libSQL store stays the default for single-node setups.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given DSN and pings the server.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool returns the underlying pgx pool for advanced usage.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate runs all pending database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return runMigrationsPG(ctx, s.pool)
}

// Vacuum runs VACUUM on the database.
func (s *PostgresStore) Vacuum(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(workflowDefinition{Nodes: wf.Nodes, Edges: wf.Edges})
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflows (id, tenant_id, name, definition, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id=excluded.tenant_id, name=excluded.name, definition=excluded.definition,
		   active=excluded.active, updated_at=now()`,
		wf.ID, wf.TenantID, wf.Name, string(def), wf.Active,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var defJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, definition, active, created_at, updated_at
		 FROM workflows WHERE id = $1`, id,
	).Scan(&wf.ID, &wf.TenantID, &wf.Name, &defJSON, &wf.Active, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	var def workflowDefinition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	wf.Nodes = def.Nodes
	wf.Edges = def.Edges
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "active")
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf := &schema.Workflow{}
		var defJSON string
		if err := rows.Scan(&wf.ID, &wf.TenantID, &wf.Name, &defJSON, &wf.Active, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
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

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("workflow", id)
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	trigger, err := marshalMapOrDefault(run.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow_id, tenant_id, status, trigger_payload, error, diagnostic, started_at, completed_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.WorkflowID, run.TenantID, string(run.Status),
		string(trigger), nullStr(run.Error), nullRaw(run.Diagnostic),
		timeOrNow(run.StartedAt), run.CompletedAt, run.DurationMs,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		triggerJSON string
		diagnostic  *string
		status      string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, workflow_id, tenant_id, status, trigger_payload, COALESCE(error, ''), diagnostic::text, started_at, completed_at, duration_ms
		 FROM runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.TenantID, &status, &triggerJSON,
		&run.Error, &diagnostic, &run.StartedAt, &run.CompletedAt, &run.DurationMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if triggerJSON != "" {
		_ = json.Unmarshal([]byte(triggerJSON), &run.Trigger)
	}
	if diagnostic != nil {
		run.Diagnostic = json.RawMessage(*diagnostic)
	}
	return run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.Diagnostic != nil {
		add("diagnostic", string(update.Diagnostic))
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.DurationMs != nil {
		add("duration_ms", *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("run", id)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Since != nil {
		add("started_at >= $%d", *filter.Since)
	}

	query := `SELECT id, workflow_id, tenant_id, status, trigger_payload, COALESCE(error, ''), diagnostic::text, started_at, completed_at, duration_ms FROM runs`
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			triggerJSON string
			errMsg      string
			diagnostic  *string
			status      string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.TenantID, &status, &triggerJSON,
			&errMsg, &diagnostic, &run.StartedAt, &run.CompletedAt, &run.DurationMs); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		if triggerJSON != "" {
			_ = json.Unmarshal([]byte(triggerJSON), &run.Trigger)
		}
		run.Error = errMsg
		if diagnostic != nil {
			run.Diagnostic = json.RawMessage(*diagnostic)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Steps ---

func (s *PostgresStore) CreateStep(ctx context.Context, step *Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM steps WHERE run_id = $1`, step.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next seq: %w", err)
	}
	step.Seq = seq

	_, err = tx.Exec(ctx,
		`INSERT INTO steps (id, run_id, node_id, node_type, status, seq, input, output, branch_taken, error, started_at, completed_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		step.ID, step.RunID, step.NodeID, string(step.NodeType), string(step.Status), seq,
		nullRaw(step.Input), nullRaw(step.Output), nullStr(step.BranchTaken), nullStr(step.Error),
		timeOrNow(step.StartedAt), step.CompletedAt, step.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.Output != nil {
		add("output", string(update.Output))
	}
	if update.BranchTaken != nil {
		add("branch_taken", *update.BranchTaken)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.DurationMs != nil {
		add("duration_ms", *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE steps SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("step", id)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, node_id, node_type, status, seq, input::text, output::text,
		   COALESCE(branch_taken, ''), COALESCE(error, ''), started_at, completed_at, duration_ms
		 FROM steps WHERE run_id = $1 ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		var nodeType, status string
		var input, output *string
		if err := rows.Scan(&st.ID, &st.RunID, &st.NodeID, &nodeType, &status, &st.Seq,
			&input, &output, &st.BranchTaken, &st.Error, &st.StartedAt, &st.CompletedAt, &st.DurationMs); err != nil {
			return nil, err
		}
		st.NodeType = schema.NodeType(nodeType)
		st.Status = schema.StepStatus(status)
		if input != nil {
			st.Input = json.RawMessage(*input)
		}
		if output != nil {
			st.Output = json.RawMessage(*output)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Contacts ---

func (s *PostgresStore) CreateContact(ctx context.Context, ct *Contact) error {
	custom, err := marshalMapOrDefault(ct.Custom)
	if err != nil {
		return fmt.Errorf("marshal custom fields: %w", err)
	}
	if ct.Version == 0 {
		ct.Version = 1
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO contacts (id, tenant_id, name, phone, chat_id, status, custom, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ct.ID, ct.TenantID, ct.Name, ct.Phone, ct.ChatID, ct.Status,
		string(custom), ct.Version, timeOrNow(ct.CreatedAt), timeOrNow(ct.UpdatedAt),
	)
	return err
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	return s.findContact(ctx, `id = $1`, id)
}

func (s *PostgresStore) FindContactByPhone(ctx context.Context, tenantID, phone string) (*Contact, error) {
	return s.findContact(ctx, `tenant_id = $1 AND phone = $2`, tenantID, phone)
}

func (s *PostgresStore) FindContactByChatID(ctx context.Context, tenantID, chatID string) (*Contact, error) {
	return s.findContact(ctx, `tenant_id = $1 AND chat_id = $2`, tenantID, chatID)
}

func (s *PostgresStore) findContact(ctx context.Context, cond string, args ...any) (*Contact, error) {
	ct := &Contact{}
	var customJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, phone, chat_id, status, custom::text, version, created_at, updated_at
		 FROM contacts WHERE `+cond, args...,
	).Scan(&ct.ID, &ct.TenantID, &ct.Name, &ct.Phone, &ct.ChatID, &ct.Status,
		&customJSON, &ct.Version, &ct.CreatedAt, &ct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("contact", fmt.Sprint(args[len(args)-1]))
	}
	if err != nil {
		return nil, err
	}
	if customJSON != "" && customJSON != "{}" {
		_ = json.Unmarshal([]byte(customJSON), &ct.Custom)
	}
	return ct, nil
}

func (s *PostgresStore) UpdateContactVersioned(ctx context.Context, ct *Contact) error {
	custom, err := marshalMapOrDefault(ct.Custom)
	if err != nil {
		return fmt.Errorf("marshal custom fields: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET name = $1, phone = $2, chat_id = $3, status = $4, custom = $5,
		   version = version + 1, updated_at = now()
		 WHERE id = $6 AND version = $7`,
		ct.Name, ct.Phone, ct.ChatID, ct.Status, string(custom), ct.ID, ct.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(1) FROM contacts WHERE id = $1`, ct.ID).Scan(&exists); err != nil {
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

func (s *PostgresStore) QueryContacts(ctx context.Context, q ContactQuery) ([]*Contact, error) {
	expr := contactTypedColumns[q.Field]
	if expr == "" {
		expr = fmt.Sprintf("COALESCE(custom->>'%s', '')", strings.ReplaceAll(q.Field, "'", "''"))
	}

	cond, arg, err := fieldConditionPG(expr, q.Op, q.Value)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, tenant_id, name, phone, chat_id, status, custom::text, version, created_at, updated_at
	 FROM contacts WHERE tenant_id = $1 AND ` + cond
	args := []any{q.TenantID}
	if arg != nil {
		args = append(args, arg)
	}
	query += " ORDER BY created_at ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		ct := &Contact{}
		var customJSON string
		if err := rows.Scan(&ct.ID, &ct.TenantID, &ct.Name, &ct.Phone, &ct.ChatID, &ct.Status,
			&customJSON, &ct.Version, &ct.CreatedAt, &ct.UpdatedAt); err != nil {
			return nil, err
		}
		if customJSON != "" && customJSON != "{}" {
			_ = json.Unmarshal([]byte(customJSON), &ct.Custom)
		}
		contacts = append(contacts, ct)
	}
	return contacts, rows.Err()
}

// fieldConditionPG mirrors fieldCondition with $2 placeholders.
func fieldConditionPG(expr, op, value string) (string, any, error) {
	switch op {
	case "equals":
		return expr + " = $2", value, nil
	case "not_equals":
		return expr + " != $2", value, nil
	case "contains":
		return expr + ` LIKE $2 ESCAPE '\'`, "%" + escapeLike(value) + "%", nil
	case "starts_with":
		return expr + ` LIKE $2 ESCAPE '\'`, escapeLike(value) + "%", nil
	case "ends_with":
		return expr + ` LIKE $2 ESCAPE '\'`, "%" + escapeLike(value), nil
	case "is_empty":
		return expr + " = ''", nil, nil
	case "is_not_empty":
		return expr + " != ''", nil, nil
	default:
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported contact query operator %q", op)
	}
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, tenant_id, contact_id, run_id, direction, channel, body, body_hash, media_id, status, provider_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.TenantID, m.ContactID, nullStr(m.RunID), m.Direction,
		nullStr(m.Channel), nullStr(m.Body), nullStr(m.BodyHash), nullStr(m.MediaID),
		nullStr(m.Status), nullStr(m.ProviderID), timeOrNow(m.CreatedAt),
	)
	return err
}

func (s *PostgresStore) HasRecentOutbound(ctx context.Context, tenantID, contactID, bodyHash string, since time.Time) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM messages
		 WHERE tenant_id = $1 AND contact_id = $2 AND direction = 'out'
		   AND body_hash = $3 AND status = 'sent' AND created_at >= $4`,
		tenantID, contactID, bodyHash, since,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	var where []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.ContactID != "" {
		add("contact_id = $%d", filter.ContactID)
	}
	if filter.RunID != "" {
		add("run_id = $%d", filter.RunID)
	}
	if filter.Direction != "" {
		add("direction = $%d", filter.Direction)
	}

	query := `SELECT id, tenant_id, contact_id, COALESCE(run_id, ''), direction,
	 COALESCE(channel, ''), COALESCE(body, ''), COALESCE(body_hash, ''), COALESCE(media_id, ''),
	 COALESCE(status, ''), COALESCE(provider_id, ''), created_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ContactID, &m.RunID, &m.Direction,
			&m.Channel, &m.Body, &m.BodyHash, &m.MediaID, &m.Status, &m.ProviderID, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Audit trails ---

func (s *PostgresStore) AppendFieldAudits(ctx context.Context, audits []*FieldAudit) error {
	if len(audits) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range audits {
		_, err := tx.Exec(ctx,
			`INSERT INTO field_audits (tenant_id, contact_id, run_id, node_id, field, old_value, new_value, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.TenantID, a.ContactID, nullStr(a.RunID), nullStr(a.NodeID), a.Field,
			nullRaw(a.OldValue), nullRaw(a.NewValue), timeOrNow(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert field audit: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListFieldAudits(ctx context.Context, contactID string, limit int) ([]*FieldAudit, error) {
	query := `SELECT id, tenant_id, contact_id, COALESCE(run_id, ''), COALESCE(node_id, ''), field, old_value::text, new_value::text, created_at
	 FROM field_audits WHERE contact_id = $1 ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*FieldAudit
	for rows.Next() {
		a := &FieldAudit{}
		var oldVal, newVal *string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ContactID, &a.RunID, &a.NodeID,
			&a.Field, &oldVal, &newVal, &a.CreatedAt); err != nil {
			return nil, err
		}
		if oldVal != nil {
			a.OldValue = json.RawMessage(*oldVal)
		}
		if newVal != nil {
			a.NewValue = json.RawMessage(*newVal)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

func (s *PostgresStore) AppendAIAudit(ctx context.Context, audit *AIAudit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_audits (tenant_id, contact_id, run_id, node_id, system_prompt, user_prompt, raw_output, used_profile, confidence, handoff, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		audit.TenantID, nullStr(audit.ContactID), nullStr(audit.RunID), nullStr(audit.NodeID),
		nullStr(audit.SystemPrompt), nullStr(audit.UserPrompt), nullStr(audit.RawOutput),
		nullStr(audit.UsedProfile), audit.Confidence, audit.Handoff, timeOrNow(audit.CreatedAt),
	)
	return err
}

func (s *PostgresStore) ListAIAudits(ctx context.Context, contactID string, limit int) ([]*AIAudit, error) {
	query := `SELECT id, tenant_id, COALESCE(contact_id, ''), COALESCE(run_id, ''), COALESCE(node_id, ''),
	 COALESCE(system_prompt, ''), COALESCE(user_prompt, ''), COALESCE(raw_output, ''), COALESCE(used_profile, ''),
	 confidence, handoff, created_at
	 FROM ai_audits WHERE contact_id = $1 ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []*AIAudit
	for rows.Next() {
		a := &AIAudit{}
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ContactID, &a.RunID, &a.NodeID,
			&a.SystemPrompt, &a.UserPrompt, &a.RawOutput, &a.UsedProfile,
			&a.Confidence, &a.Handoff, &a.CreatedAt); err != nil {
			return nil, err
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// --- Trigger debounce ---

func (s *PostgresStore) MarkTriggerFired(ctx context.Context, fire *TriggerFire) (bool, error) {
	firedAt := timeOrNow(fire.FiredAt)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO trigger_fires (workflow_id, node_id, contact_id, fire_hash, fired_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (workflow_id, node_id, contact_id, fire_hash) DO UPDATE SET
		   fired_at=excluded.fired_at, expires_at=excluded.expires_at
		 WHERE trigger_fires.expires_at <= excluded.fired_at`,
		fire.WorkflowID, fire.NodeID, fire.ContactID, fire.FireHash, firedAt, fire.ExpiresAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PurgeTriggerFires(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trigger_fires WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Secrets ---

func (s *PostgresStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value=excluded.value, rotated_at=now()`,
		key, value,
	)
	return err
}

func (s *PostgresStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM secrets WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("secret", key)
	}
	return nil
}

func (s *PostgresStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM secrets ORDER BY key`)
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

var _ Store = (*PostgresStore)(nil)
