package processors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Condition evaluates either a clause list or a boolean expression tree and
// routes the walk over the "true"/"false" branch. Evaluation errors fall
// back to the node's default branch instead of failing the run; a broken
// comparison should misroute one path, not kill the whole automation.
type Condition struct {
	deps Deps
}

// NewCondition creates a Condition processor.
func NewCondition(deps Deps) *Condition {
	return &Condition{deps: deps}
}

func (p *Condition) Type() schema.NodeType {
	return schema.NodeCondition
}

func (p *Condition) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.ConditionNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}

	result, err := p.evaluate(ctx, cfg, in)
	if err != nil {
		branch := cfg.DefaultBranch
		if branch == "" {
			branch = schema.BranchFalse
		}
		p.deps.Logger.WarnContext(ctx, "condition evaluation failed, taking default branch",
			"node_id", in.Node.ID, "branch", branch, "error", err)
		return &Result{
			Output: map[string]any{"result": branch == schema.BranchTrue, "evaluation_error": err.Error()},
			Branch: branch,
		}, nil
	}

	branch := schema.BranchFalse
	if result {
		branch = schema.BranchTrue
	}
	return &Result{
		Output: map[string]any{"result": result},
		Branch: branch,
	}, nil
}

func (p *Condition) evaluate(ctx context.Context, cfg schema.ConditionNodeConfig, in Input) (bool, error) {
	if len(cfg.Expression) > 0 {
		return p.evaluateTree(ctx, cfg, in)
	}
	if len(cfg.Clauses) == 0 {
		return false, schema.NewError(schema.ErrCodeConfig,
			"condition node has neither clauses nor expression")
	}
	return p.evaluateClauses(ctx, cfg, in)
}

// evaluateTree compiles the boolean-logic tree to a CEL expression and
// evaluates it against the full scope data.
func (p *Condition) evaluateTree(ctx context.Context, cfg schema.ConditionNodeConfig, in Input) (bool, error) {
	expr, err := expressions.TreeToCEL(cfg.Expression)
	if err != nil {
		return false, err
	}
	v, err := p.deps.CEL.Evaluate(ctx, expr, in.Context.ScopeData())
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"expression %q did not evaluate to a boolean", expr)
	}
	return b, nil
}

func (p *Condition) evaluateClauses(ctx context.Context, cfg schema.ConditionNodeConfig, in Input) (bool, error) {
	or := strings.EqualFold(cfg.Combine, "or")

	for _, clause := range cfg.Clauses {
		match, err := p.evaluateClause(clause, in)
		if err != nil {
			return false, err
		}
		if or && match {
			return true, nil
		}
		if !or && !match {
			return false, nil
		}
	}
	return !or, nil
}

func (p *Condition) evaluateClause(clause schema.ConditionClause, in Input) (bool, error) {
	raw, _ := p.deps.Resolver.ResolveValue(clause.Field, in.Context)
	have := asString(raw)
	want := p.deps.Resolver.ResolveText(clause.Value, in.Context)

	switch clause.Operator {
	case "equals":
		return have == want, nil
	case "not_equals":
		return have != want, nil
	case "contains":
		return strings.Contains(have, want), nil
	case "not_contains":
		return !strings.Contains(have, want), nil
	case "is_empty":
		return have == "", nil
	case "is_not_empty":
		return have != "", nil
	case "gt", "gte", "lt", "lte":
		return compareNumeric(clause.Operator, have, want)
	case "between":
		return betweenNumeric(have, want)
	case "days_ago":
		return daysAgo(have, want)
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"unknown condition operator %q", clause.Operator)
	}
}

func compareNumeric(op, have, want string) (bool, error) {
	a, err := strconv.ParseFloat(strings.TrimSpace(have), 64)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"field value %q is not numeric", have)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(want), 64)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"comparison value %q is not numeric", want)
	}
	switch op {
	case "gt":
		return a > b, nil
	case "gte":
		return a >= b, nil
	case "lt":
		return a < b, nil
	default:
		return a <= b, nil
	}
}

// betweenNumeric checks an inclusive "min,max" range.
func betweenNumeric(have, want string) (bool, error) {
	lo, hi, ok := strings.Cut(want, ",")
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"between needs a \"min,max\" value, got %q", want)
	}
	ge, err := compareNumeric("gte", have, lo)
	if err != nil || !ge {
		return false, err
	}
	return compareNumeric("lte", have, hi)
}

// dateLayouts are the formats accepted for relative-date comparisons.
var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// daysAgo reports whether the field's date lies at least N days in the past.
func daysAgo(have, want string) (bool, error) {
	n, err := strconv.Atoi(strings.TrimSpace(want))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"days_ago needs an integer day count, got %q", want)
	}
	var t time.Time
	parsed := false
	for _, layout := range dateLayouts {
		if t, err = time.Parse(layout, strings.TrimSpace(have)); err == nil {
			parsed = true
			break
		}
	}
	if !parsed {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"field value %q is not a recognized date", have)
	}
	return time.Since(t) >= time.Duration(n)*24*time.Hour, nil
}
