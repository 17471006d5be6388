package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// CELEngine evaluates condition expressions using Google's Common Expression
// Language. Condition nodes either supply clause lists (evaluated natively)
// or a boolean expression tree, which is compiled to CEL source and run here.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing
// the run's scopes as top-level variables:
//   - trigger:  map(string, dyn) — trigger payload
//   - actor:    map(string, dyn) — sender identity
//   - customer: map(string, dyn) — customer record (custom map nested)
//   - ai:       map(string, dyn) — analyze/reply/meta
//   - api:      map(string, dyn) — last http_call response
//   - vars:     map(string, dyn) — free variables
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("trigger", mapType),
		cel.Variable("actor", mapType),
		cel.Variable("customer", mapType),
		cel.Variable("ai", mapType),
		cel.Variable("api", mapType),
		cel.Variable("vars", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided scope data. Missing scope keys default to empty
// maps to avoid CEL runtime nil-ref errors.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation := buildActivation(data)

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation creates the evaluation activation map from the data.
// Missing keys default to empty maps to prevent CEL runtime nil-ref errors.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 6)

	for _, key := range []string{"trigger", "actor", "customer", "ai", "api", "vars"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	return activation
}

// condTree is one node of a boolean-logic expression tree as produced by
// the visual condition builder.
type condTree struct {
	Op    string            `json:"op"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Left  json.RawMessage   `json:"left,omitempty"`
	Right json.RawMessage   `json:"right,omitempty"`
	Var   string            `json:"var,omitempty"`
	Value any               `json:"value"`
	has   map[string]bool
}

func (t *condTree) UnmarshalJSON(b []byte) error {
	type alias condTree
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*t = condTree(a)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	t.has = make(map[string]bool, len(keys))
	for k := range keys {
		t.has[k] = true
	}
	return nil
}

// TreeToCEL compiles a boolean expression tree into CEL source. Supported
// operators: and, or, not, ==, !=. Leaves are {"var": "scope.path"} or
// {"value": literal}.
func TreeToCEL(raw json.RawMessage) (string, error) {
	var tree condTree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeConfig,
			"invalid condition expression tree: %s", err.Error()).WithCause(err)
	}
	return renderTree(&tree)
}

func renderTree(t *condTree) (string, error) {
	// Leaf nodes first.
	if t.Op == "" {
		if t.Var != "" {
			return renderVar(t.Var)
		}
		if t.has["value"] {
			return renderLiteral(t.Value), nil
		}
		return "", schema.NewError(schema.ErrCodeConfig,
			"condition tree leaf needs var or value")
	}

	// Compact comparison form: {"var": ..., "op": ..., "value": ...}.
	if t.Var != "" {
		return renderComparison(t)
	}

	switch t.Op {
	case "and", "or":
		if len(t.Args) < 2 {
			return "", schema.NewErrorf(schema.ErrCodeConfig,
				"%q needs at least two arguments", t.Op)
		}
		join := " && "
		if t.Op == "or" {
			join = " || "
		}
		parts := make([]string, 0, len(t.Args))
		for _, arg := range t.Args {
			var sub condTree
			if err := json.Unmarshal(arg, &sub); err != nil {
				return "", schema.NewErrorf(schema.ErrCodeConfig,
					"invalid %q argument: %s", t.Op, err.Error()).WithCause(err)
			}
			rendered, err := renderTree(&sub)
			if err != nil {
				return "", err
			}
			parts = append(parts, rendered)
		}
		return "(" + strings.Join(parts, join) + ")", nil

	case "not":
		if len(t.Args) != 1 {
			return "", schema.NewError(schema.ErrCodeConfig, `"not" needs exactly one argument`)
		}
		var sub condTree
		if err := json.Unmarshal(t.Args[0], &sub); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeConfig,
				`invalid "not" argument: %s`, err.Error()).WithCause(err)
		}
		rendered, err := renderTree(&sub)
		if err != nil {
			return "", err
		}
		return "!(" + rendered + ")", nil

	case "==", "!=":
		if len(t.Left) == 0 || len(t.Right) == 0 {
			return "", schema.NewErrorf(schema.ErrCodeConfig,
				"%q needs left and right operands", t.Op)
		}
		var left, right condTree
		if err := json.Unmarshal(t.Left, &left); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeConfig,
				"invalid left operand: %s", err.Error()).WithCause(err)
		}
		if err := json.Unmarshal(t.Right, &right); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeConfig,
				"invalid right operand: %s", err.Error()).WithCause(err)
		}
		l, err := renderTree(&left)
		if err != nil {
			return "", err
		}
		r, err := renderTree(&right)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", l, t.Op, r), nil

	default:
		return "", schema.NewErrorf(schema.ErrCodeConfig,
			"unsupported condition operator %q", t.Op)
	}
}

// renderComparison emits a compact var/op/value leaf.
func renderComparison(t *condTree) (string, error) {
	v, err := renderVar(t.Var)
	if err != nil {
		return "", err
	}
	if !t.has["value"] {
		return "", schema.NewErrorf(schema.ErrCodeConfig,
			"comparison %q needs a value", t.Op)
	}
	switch t.Op {
	case "==", "!=", ">", ">=", "<", "<=":
		return fmt.Sprintf("%s %s %s", v, t.Op, renderLiteral(t.Value)), nil
	}
	return "", schema.NewErrorf(schema.ErrCodeConfig,
		"unsupported comparison operator %q", t.Op)
}

// renderVar validates a scope path and emits it as a CEL selection chain.
func renderVar(path string) (string, error) {
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" || !isIdentifier(seg) {
			return "", schema.NewErrorf(schema.ErrCodeConfig,
				"invalid variable reference %q in condition tree", path)
		}
	}
	// Bare custom field names resolve through the free-variable scope.
	switch segments[0] {
	case "trigger", "actor", "customer", "ai", "api", "vars":
		return path, nil
	}
	return "vars." + path, nil
}

func renderLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return strconv.Quote(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}
