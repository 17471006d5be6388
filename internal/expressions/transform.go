package expressions

import (
	"context"
	"strconv"
	"strings"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Transforms applies named transforms to resolved values before they are
// substituted into http_call requests ("smart variables"). Builtins cover
// the common string shaping cases; the "expr:" prefix hands the rest to the
// Expr engine with the input bound as "value".
type Transforms struct {
	exprEngine *ExprEngine
}

// NewTransforms creates a transform registry backed by a fresh Expr engine.
func NewTransforms() *Transforms {
	return &Transforms{exprEngine: NewExprEngine()}
}

// Apply runs the named transform on a value. An empty name is the identity.
// Builtins: first_word, last_word, upper, lower, trim, digits,
// first_chars:N, last_chars:N. Anything starting with "expr:" is evaluated
// as an Expr expression over {"value": value}.
func (t *Transforms) Apply(ctx context.Context, name string, value any) (any, error) {
	if name == "" {
		return value, nil
	}

	if rest, ok := strings.CutPrefix(name, "expr:"); ok {
		return t.exprEngine.Evaluate(ctx, rest, map[string]any{"value": value})
	}

	base, arg, _ := strings.Cut(name, ":")
	s := textValue(value)

	switch base {
	case "first_word":
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return "", nil
		}
		return fields[0], nil
	case "last_word":
		fields := strings.Fields(s)
		if len(fields) == 0 {
			return "", nil
		}
		return fields[len(fields)-1], nil
	case "upper":
		return strings.ToUpper(s), nil
	case "lower":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "digits":
		var out strings.Builder
		for _, r := range s {
			if r >= '0' && r <= '9' {
				out.WriteRune(r)
			}
		}
		return out.String(), nil
	case "first_chars":
		n, err := transformArg(name, arg)
		if err != nil {
			return nil, err
		}
		if n >= len(s) {
			return s, nil
		}
		return s[:n], nil
	case "last_chars":
		n, err := transformArg(name, arg)
		if err != nil {
			return nil, err
		}
		if n >= len(s) {
			return s, nil
		}
		return s[len(s)-n:], nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"unknown smart variable transform %q", name)
	}
}

func transformArg(name, arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeConfig,
			"transform %q needs a non-negative count argument", name)
	}
	return n, nil
}
