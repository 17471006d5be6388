package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Resolver substitutes {{path}} placeholders against a Context. Text mode
// leaves unresolved placeholders verbatim so failures stay visible to the
// workflow designer; JSON mode resolves to typed values first and then
// serializes, so quoting and escaping cannot drift.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveText substitutes placeholders in a plain-text template. Resolved
// values are rendered with their natural string form; maps and slices are
// embedded as compact JSON. Unknown paths keep the original {{...}} token.
func (r *Resolver) ResolveText(template string, c *Context) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unclosed marker, keep the rest as-is.
			out.WriteString(template[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		val, ok := r.ResolveValue(path, c)
		if !ok {
			out.WriteString(template[i+idx : end+2])
		} else {
			out.WriteString(textValue(val))
		}
		i = end + 2
	}

	return out.String()
}

// ResolveJSON substitutes placeholders in a JSON template and parses the
// result. A placeholder outside string literals becomes a typed JSON token:
// bare numerics and booleans stay unquoted, strings are escaped and quoted,
// and an unresolvable path becomes null. Inside a string literal the value
// is escaped into the surrounding quotes. A result that does not parse as
// JSON raises an INVALID_JSON_BODY error.
func (r *Resolver) ResolveJSON(template string, c *Context) (any, error) {
	var out strings.Builder
	out.Grow(len(template))

	inString := false
	escaped := false

	i := 0
	for i < len(template) {
		if template[i] == '{' && i+1 < len(template) && template[i+1] == '{' {
			end := strings.Index(template[i+2:], "}}")
			if end == -1 {
				out.WriteString(template[i:])
				break
			}
			end += i + 2

			path := strings.TrimSpace(template[i+2 : end])
			val, ok := r.ResolveValue(path, c)
			if inString {
				out.WriteString(escapeInner(stringifyForString(val, ok)))
			} else {
				out.WriteString(jsonToken(val, ok))
			}
			i = end + 2
			continue
		}

		ch := template[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		}
		out.WriteByte(ch)
		i++
	}

	var parsed any
	if err := json.Unmarshal([]byte(out.String()), &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidJSONBody,
			"resolved template is not valid JSON: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"resolved": out.String()})
	}
	return parsed, nil
}

// ResolveValue resolves a single dot path through the scope lookup order:
// trigger, actor, chat, db.customer/customer (custom map included), ai,
// api, the flat free-variable map, then <node_id>.output.<path>.
func (r *Resolver) ResolveValue(path string, c *Context) (any, bool) {
	if path == "" || c == nil {
		return nil, false
	}

	head, rest, _ := strings.Cut(path, ".")

	c.mu.RLock()
	defer c.mu.RUnlock()

	switch head {
	case "trigger":
		return traverse(c.trigger, rest)
	case "actor":
		return traverse(c.actor, rest)
	case "chat":
		return chatLookup(c.chat, rest)
	case "db":
		// db.customer.<field> is an alias for customer.<field>.
		sub, subRest, _ := strings.Cut(rest, ".")
		if sub != "customer" || c.contact == nil {
			return nil, false
		}
		return contactLookup(c.contact, subRest)
	case "customer":
		if c.contact == nil {
			return nil, false
		}
		return contactLookup(c.contact, rest)
	case "custom_fields":
		if c.contact == nil {
			return nil, false
		}
		return traverse(c.contact.Custom, rest)
	case "ai":
		return traverse(c.aiMapLocked(), rest)
	case "api":
		// api.response.<path> is an alias for api.<path>.
		if sub, subRest, _ := strings.Cut(rest, "."); sub == "response" {
			if _, direct := c.api["response"]; !direct {
				return traverse(c.api, subRest)
			}
		}
		return traverse(c.api, rest)
	}

	// Flat free-variable lookup, whole path as the key.
	if v, ok := c.vars[path]; ok {
		return v, true
	}

	// <node_id>.output.<path> direct node references.
	if out, ok := c.outputs[head]; ok {
		sub, subRest, _ := strings.Cut(rest, ".")
		if sub == "output" {
			return traverse(out, subRest)
		}
	}

	return nil, false
}

// chatLookup resolves chat.last_message and chat.history references.
func chatLookup(chat ChatScope, rest string) (any, bool) {
	field, sub, _ := strings.Cut(rest, ".")
	switch field {
	case "last_message":
		return chat.LastMessage, true
	case "history":
		if sub == "" {
			hist := make([]any, len(chat.History))
			for i, m := range chat.History {
				hist[i] = m
			}
			return hist, true
		}
		return nil, false
	}
	return nil, false
}

// contactLookup resolves a customer path. Typed columns win; any other
// field name falls through to the free-form custom map, which is how
// workflow designers reference fields they created themselves.
func contactLookup(ct *store.Contact, path string) (any, bool) {
	if path == "" {
		return contactMap(ct), true
	}

	field, rest, _ := strings.Cut(path, ".")
	switch field {
	case "id":
		return ct.ID, true
	case "tenant_id":
		return ct.TenantID, true
	case "name":
		return ct.Name, true
	case "phone":
		return ct.Phone, true
	case "chat_id":
		return ct.ChatID, true
	case "status":
		return ct.Status, true
	case "version":
		return ct.Version, true
	case "created_at":
		if ct.CreatedAt.IsZero() {
			return nil, false
		}
		return ct.CreatedAt.Format(time.RFC3339), true
	case "updated_at":
		if ct.UpdatedAt.IsZero() {
			return nil, false
		}
		return ct.UpdatedAt.Format(time.RFC3339), true
	case "custom":
		return traverse(ct.Custom, rest)
	}
	return traverse(ct.Custom, path)
}

// traverse navigates into nested maps using a dot-delimited path. An empty
// path returns the root. Direct key lookup wins over splitting, so keys
// containing dots still resolve.
func traverse(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	if path == "" {
		return root, true
	}
	if v, ok := root[path]; ok {
		return v, true
	}

	segments := strings.Split(path, ".")
	var current any = root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// textValue renders a resolved value for text templates.
func textValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, int, int64:
		return fmt.Sprintf("%v", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// jsonToken renders a resolved value as a standalone JSON token.
func jsonToken(val any, ok bool) string {
	if !ok || val == nil {
		return "null"
	}
	switch v := val.(type) {
	case string:
		if isNumericToken(v) || v == "true" || v == "false" {
			return v
		}
		b, _ := json.Marshal(v)
		return string(b)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, int, int64:
		return fmt.Sprintf("%v", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	}
}

// stringifyForString renders a resolved value for injection inside a JSON
// string literal.
func stringifyForString(val any, ok bool) string {
	if !ok {
		return "null"
	}
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return textValue(v)
	}
}

// escapeInner JSON-escapes text without the surrounding quotes.
func escapeInner(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// isNumericToken reports whether s is a plain decimal number that is also a
// valid bare JSON token. Exponents, a leading '+', and trailing junk do not
// count; those stay quoted.
func isNumericToken(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	if s[0] == '-' {
		i++
	}
	intDigits, fracDigits, dot := 0, 0, false
	for ; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
			if dot {
				fracDigits++
			} else {
				intDigits++
			}
		case s[i] == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	if intDigits == 0 {
		return false
	}
	return !dot || fracDigits > 0
}

// HasPlaceholders reports whether a template contains any {{...}} tokens.
func HasPlaceholders(s string) bool {
	return strings.Contains(s, "{{")
}
