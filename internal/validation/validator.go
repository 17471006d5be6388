package validation

import "github.com/flowtalk-io/flowtalk/pkg/schema"

// Validator checks workflow definitions before they are saved or executed.
type Validator interface {
	Validate(wf *schema.Workflow) *schema.ValidationResult
}
