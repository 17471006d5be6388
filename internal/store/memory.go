package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and examples. It mirrors the
// SQL drivers' semantics: versioned contact updates, per-run step sequencing,
// and the debounce upsert. Everything is guarded by one mutex; copies go in
// and out so callers never share internal state.
type MemoryStore struct {
	mu sync.Mutex

	workflows map[string]*schema.Workflow
	runs      map[string]*Run
	steps     map[string][]*Step // run ID -> steps in seq order
	contacts  map[string]*Contact
	messages  []*Message
	fieldLog  []*FieldAudit
	aiLog     []*AIAudit
	fires     map[string]*TriggerFire
	secrets   map[string][]byte

	auditSeq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.Workflow),
		runs:      make(map[string]*Run),
		steps:     make(map[string][]*Step),
		contacts:  make(map[string]*Contact),
		fires:     make(map[string]*TriggerFire),
		secrets:   make(map[string][]byte),
	}
}

// --- Workflows ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*schema.Workflow
	for _, wf := range s.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		if filter.ActiveOnly && !wf.Active {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.Diagnostic != nil {
		run.Diagnostic = update.Diagnostic
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		run.DurationMs = *update.DurationMs
	}
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Run
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && run.StartedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

// --- Steps ---

func (s *MemoryStore) CreateStep(ctx context.Context, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	step.Seq = int64(len(s.steps[step.RunID])) + 1
	cp := *step
	s.steps[step.RunID] = append(s.steps[step.RunID], &cp)
	return nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, steps := range s.steps {
		for _, st := range steps {
			if st.ID != id {
				continue
			}
			if update.Status != nil {
				st.Status = *update.Status
			}
			if update.Output != nil {
				st.Output = update.Output
			}
			if update.BranchTaken != nil {
				st.BranchTaken = *update.BranchTaken
			}
			if update.Error != nil {
				st.Error = *update.Error
			}
			if update.CompletedAt != nil {
				st.CompletedAt = update.CompletedAt
			}
			if update.DurationMs != nil {
				st.DurationMs = *update.DurationMs
			}
			return nil
		}
	}
	return storeNotFound("step", id)
}

func (s *MemoryStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[runID]
	out := make([]*Step, len(steps))
	for i, st := range steps {
		cp := *st
		out[i] = &cp
	}
	return out, nil
}

// --- Contacts ---

func (s *MemoryStore) CreateContact(ctx context.Context, ct *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if ct.CreatedAt.IsZero() {
		ct.CreatedAt = now
	}
	if ct.UpdatedAt.IsZero() {
		ct.UpdatedAt = now
	}
	if ct.Version == 0 {
		ct.Version = 1
	}
	cp := copyContact(ct)
	s.contacts[ct.ID] = cp
	return nil
}

func (s *MemoryStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.contacts[id]
	if !ok {
		return nil, storeNotFound("contact", id)
	}
	return copyContact(ct), nil
}

func (s *MemoryStore) FindContactByPhone(ctx context.Context, tenantID, phone string) (*Contact, error) {
	return s.findContact(tenantID, phone, func(ct *Contact) string { return ct.Phone })
}

func (s *MemoryStore) FindContactByChatID(ctx context.Context, tenantID, chatID string) (*Contact, error) {
	return s.findContact(tenantID, chatID, func(ct *Contact) string { return ct.ChatID })
}

func (s *MemoryStore) findContact(tenantID, key string, field func(*Contact) string) (*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ct := range s.contacts {
		if ct.TenantID == tenantID && field(ct) == key {
			return copyContact(ct), nil
		}
	}
	return nil, storeNotFound("contact", key)
}

func (s *MemoryStore) UpdateContactVersioned(ctx context.Context, ct *Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.contacts[ct.ID]
	if !ok {
		return storeNotFound("contact", ct.ID)
	}
	if cur.Version != ct.Version {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"contact %q version %d is stale", ct.ID, ct.Version)
	}
	cp := copyContact(ct)
	cp.Version = cur.Version + 1
	cp.UpdatedAt = time.Now().UTC()
	s.contacts[ct.ID] = cp
	ct.Version = cp.Version
	return nil
}

func (s *MemoryStore) QueryContacts(ctx context.Context, q ContactQuery) ([]*Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Contact
	for _, ct := range s.contacts {
		if ct.TenantID != q.TenantID {
			continue
		}
		match, err := matchField(contactFieldValue(ct, q.Field), q.Op, q.Value)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, copyContact(ct))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, 0, q.Limit), nil
}

// --- Messages ---

func (s *MemoryStore) CreateMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *MemoryStore) HasRecentOutbound(ctx context.Context, tenantID, contactID, bodyHash string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.ContactID == contactID &&
			m.Direction == "out" && m.Status == "sent" &&
			m.BodyHash == bodyHash && !m.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, m := range s.messages {
		if filter.TenantID != "" && m.TenantID != filter.TenantID {
			continue
		}
		if filter.ContactID != "" && m.ContactID != filter.ContactID {
			continue
		}
		if filter.RunID != "" && m.RunID != filter.RunID {
			continue
		}
		if filter.Direction != "" && m.Direction != filter.Direction {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, 0, filter.Limit), nil
}

// --- Audit trails ---

func (s *MemoryStore) AppendFieldAudits(ctx context.Context, audits []*FieldAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range audits {
		s.auditSeq++
		cp := *a
		cp.ID = s.auditSeq
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		s.fieldLog = append(s.fieldLog, &cp)
	}
	return nil
}

func (s *MemoryStore) ListFieldAudits(ctx context.Context, contactID string, limit int) ([]*FieldAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FieldAudit
	for i := len(s.fieldLog) - 1; i >= 0; i-- {
		if s.fieldLog[i].ContactID != contactID {
			continue
		}
		cp := *s.fieldLog[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendAIAudit(ctx context.Context, audit *AIAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	cp := *audit
	cp.ID = s.auditSeq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.aiLog = append(s.aiLog, &cp)
	return nil
}

func (s *MemoryStore) ListAIAudits(ctx context.Context, contactID string, limit int) ([]*AIAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AIAudit
	for i := len(s.aiLog) - 1; i >= 0; i-- {
		if s.aiLog[i].ContactID != contactID {
			continue
		}
		cp := *s.aiLog[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Trigger debounce ---

func (s *MemoryStore) MarkTriggerFired(ctx context.Context, fire *TriggerFire) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fire.FiredAt.IsZero() {
		fire.FiredAt = time.Now().UTC()
	}
	key := fire.WorkflowID + "\x00" + fire.NodeID + "\x00" + fire.ContactID + "\x00" + fire.FireHash
	if prev, ok := s.fires[key]; ok && prev.ExpiresAt.After(fire.FiredAt) {
		return false, nil
	}
	cp := *fire
	s.fires[key] = &cp
	return true, nil
}

func (s *MemoryStore) PurgeTriggerFires(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, fire := range s.fires {
		if fire.ExpiresAt.Before(before) {
			delete(s.fires, key)
			n++
		}
	}
	return n, nil
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.secrets[key] = cp
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- Maintenance / lifecycle ---

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Vacuum(ctx context.Context) error  { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Helpers ---

func copyContact(ct *Contact) *Contact {
	cp := *ct
	if ct.Custom != nil {
		cp.Custom = make(map[string]any, len(ct.Custom))
		for k, v := range ct.Custom {
			cp.Custom[k] = v
		}
	}
	return &cp
}

// contactFieldValue reads a typed column or falls through to the custom map,
// matching the SQL drivers' column-vs-json_extract split.
func contactFieldValue(ct *Contact, field string) string {
	switch field {
	case "name":
		return ct.Name
	case "phone":
		return ct.Phone
	case "chat_id":
		return ct.ChatID
	case "status":
		return ct.Status
	}
	if v, ok := ct.Custom[field]; ok && v != nil {
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func matchField(have, op, want string) (bool, error) {
	switch op {
	case "equals":
		return have == want, nil
	case "not_equals":
		return have != want, nil
	case "contains":
		return strings.Contains(have, want), nil
	case "starts_with":
		return strings.HasPrefix(have, want), nil
	case "ends_with":
		return strings.HasSuffix(have, want), nil
	case "is_empty":
		return have == "", nil
	case "is_not_empty":
		return have != "", nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported contact query operator %q", op)
	}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
