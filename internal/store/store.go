package store

import (
	"context"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Steps (per-run, ordered by insert sequence)
	CreateStep(ctx context.Context, step *Step) error
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	// Contacts
	CreateContact(ctx context.Context, ct *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	FindContactByPhone(ctx context.Context, tenantID, phone string) (*Contact, error)
	FindContactByChatID(ctx context.Context, tenantID, chatID string) (*Contact, error)
	// UpdateContactVersioned applies the contact's current field values where
	// the stored version still matches ct.Version. On success ct.Version is
	// advanced; a version mismatch returns a CONFLICT error.
	UpdateContactVersioned(ctx context.Context, ct *Contact) error
	QueryContacts(ctx context.Context, q ContactQuery) ([]*Contact, error)

	// Messages
	CreateMessage(ctx context.Context, m *Message) error
	HasRecentOutbound(ctx context.Context, tenantID, contactID, bodyHash string, since time.Time) (bool, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)

	// Audit trails
	AppendFieldAudits(ctx context.Context, audits []*FieldAudit) error
	ListFieldAudits(ctx context.Context, contactID string, limit int) ([]*FieldAudit, error)
	AppendAIAudit(ctx context.Context, audit *AIAudit) error
	ListAIAudits(ctx context.Context, contactID string, limit int) ([]*AIAudit, error)

	// Trigger debounce
	// MarkTriggerFired records a firing and reports whether it should run.
	// False means an identical firing is still inside its debounce window.
	MarkTriggerFired(ctx context.Context, fire *TriggerFire) (bool, error)
	PurgeTriggerFires(ctx context.Context, before time.Time) (int64, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
