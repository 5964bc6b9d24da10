package expressions

import (
	"strconv"
	"strings"
)

// Resolve evaluates a single input-mapping value against the layered
// execution context. The rules mirror what sequence authors write:
//
//   - non-string values pass through unchanged (literal objects/numbers),
//   - strings that are not entirely wrapped in ${...} are literals,
//   - "${path.to.value}" walks the dotted path through ctx; if any segment
//     is missing the walk restarts from scratch against fallback using the
//     same original path. Both missing -> nil.
//
// Bracket indices are normalized before traversal: "deals[0].name" becomes
// "deals.0.name", so array steps are plain numeric segments.
// Pure function of its inputs; no caching, no side effects.
func Resolve(expr any, ctx, fallback map[string]any) any {
	s, ok := expr.(string)
	if !ok {
		return expr
	}

	path, ok := refPath(s)
	if !ok {
		return s
	}

	segments := strings.Split(normalizeIndices(path), ".")

	if val, ok := walk(ctx, segments); ok {
		return val
	}
	if val, ok := walk(fallback, segments); ok {
		return val
	}
	return nil
}

// ResolveMapping resolves every entry of a step's input mapping.
// Values may be ${...} references, jq:/expr: transform expressions
// (evaluated by the caller-provided transformer), or literals.
// A nil mapping yields an empty, non-nil map.
func ResolveMapping(mapping map[string]any, ctx, fallback map[string]any, transform TransformFunc) map[string]any {
	resolved := make(map[string]any, len(mapping))
	for field, raw := range mapping {
		if s, ok := raw.(string); ok && transform != nil {
			if engine, expr, ok := transformExpr(s); ok {
				val, err := transform(engine, expr)
				if err != nil {
					// A broken transform resolves to nil so the failure
					// surfaces in the step input rather than aborting the run.
					resolved[field] = nil
					continue
				}
				resolved[field] = val
				continue
			}
		}
		resolved[field] = Resolve(raw, ctx, fallback)
	}
	return resolved
}

// TransformFunc evaluates a jq/expr transform expression against the
// execution context. engine is "jq" or "expr".
type TransformFunc func(engine, expression string) (any, error)

// transformExpr splits "jq: .outputs.x" / "expr: outputs.x ?? 0" prefixed
// mapping values into engine name and expression.
func transformExpr(s string) (engine, expr string, ok bool) {
	for _, prefix := range []string{"jq:", "expr:"} {
		if strings.HasPrefix(s, prefix) {
			return strings.TrimSuffix(prefix, ":"), strings.TrimSpace(s[len(prefix):]), true
		}
	}
	return "", "", false
}

// refPath extracts the inner path when the entire string is a ${...}
// reference. Partial wrapping ("prefix ${x}") is not a reference.
func refPath(s string) (string, bool) {
	if len(s) < 4 || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	// A closing brace before the end means the wrapper isn't the whole string.
	if strings.Contains(inner, "}") || strings.Contains(inner, "${") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", false
	}
	return inner, true
}

// normalizeIndices rewrites bracket indices as dotted segments:
// "a[0].b" -> "a.0.b". Non-numeric bracket content is left untouched.
func normalizeIndices(path string) string {
	if !strings.Contains(path, "[") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c != '[' {
			b.WriteByte(c)
			continue
		}
		close := strings.IndexByte(path[i:], ']')
		if close == -1 {
			b.WriteByte(c)
			continue
		}
		idx := path[i+1 : i+close]
		if _, err := strconv.Atoi(idx); err != nil {
			b.WriteString(path[i : i+close+1])
			i += close
			continue
		}
		b.WriteByte('.')
		b.WriteString(idx)
		i += close
	}
	return b.String()
}

// walk traverses root segment by segment. The second return is false when
// any segment is absent, signalling the caller to restart against fallback.
func walk(root map[string]any, segments []string) (any, bool) {
	if root == nil {
		return nil, false
	}
	var current any = root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
