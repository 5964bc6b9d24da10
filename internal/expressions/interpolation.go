package expressions

import (
	"fmt"
	"strings"
)

// InterpolatePrompt replaces every ${path} token inside a HITL prompt
// template with the value resolved against the accumulated execution
// context (falling back to the simulation dataset). Tokens that resolve
// to nothing are left literally in place: a visible "${outputs.lead.name}"
// in a Slack message is a template bug someone can act on, a silent blank
// is not.
func InterpolatePrompt(template string, ctx, fallback map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${")
		if idx == -1 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+idx])
		start := i + idx

		end := strings.IndexByte(template[start:], '}')
		if end == -1 {
			b.WriteString(template[start:])
			break
		}
		end += start

		token := template[start : end+1]
		val := Resolve(token, ctx, fallback)
		if val == nil {
			b.WriteString(token)
		} else {
			b.WriteString(stringify(val))
		}
		i = end + 1
	}

	return b.String()
}

// stringify renders a resolved value for embedding in prompt text.
func stringify(val any) string {
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", val)
}
