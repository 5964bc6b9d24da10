// Package mock synthesizes stand-in skill outputs for simulation runs.
// Outputs are shaped like what the real capability would return so the
// rest of a sequence (mappings, conditions, HITL prompts) behaves the
// same in simulation as in a live run.
package mock

import (
	"fmt"
	"strings"
	"time"
)

// GeneratorFunc builds a mock output for one action kind. Fields are filled
// from the resolved step input first, then the simulation dataset, then a
// baked-in default.
type GeneratorFunc func(input, fallback map[string]any) map[string]any

// Generator dispatches action identifiers to output builders. Dispatch is
// two-tier: an exact-match catalog of known action kinds, then a substring
// match against skill-name keywords, then a generic echo. Deterministic
// given identical inputs except for embedded timestamps.
type Generator struct {
	actions  map[string]GeneratorFunc
	keywords []keywordGenerator
}

type keywordGenerator struct {
	keyword string
	fn      GeneratorFunc
}

// NewGenerator creates a generator with the default action catalog.
func NewGenerator() *Generator {
	g := &Generator{actions: make(map[string]GeneratorFunc)}

	g.Register("create_lead", generateLead)
	g.Register("update_company", generateCompanyUpdate)
	g.Register("book_meeting", generateMeeting)
	g.Register("create_deal", generateDeal)
	g.Register("create_task", generateTask)
	g.Register("send_email", generateEmail)
	g.Register("send_notification", generateNotification)

	g.RegisterKeyword("contact", generateLead)
	g.RegisterKeyword("deal", generateDeal)
	g.RegisterKeyword("meeting", generateMeeting)
	g.RegisterKeyword("company", generateCompanyUpdate)
	g.RegisterKeyword("email", generateEmail)
	g.RegisterKeyword("brief", generateBrief)

	return g
}

// Register adds or replaces an exact-match action generator.
func (g *Generator) Register(action string, fn GeneratorFunc) {
	g.actions[action] = fn
}

// RegisterKeyword adds a substring-match fallback generator. Keywords are
// checked in registration order against the lowercased identifier.
func (g *Generator) RegisterKeyword(keyword string, fn GeneratorFunc) {
	g.keywords = append(g.keywords, keywordGenerator{keyword: keyword, fn: fn})
}

// Generate produces a mock output for the given action or skill identifier.
func (g *Generator) Generate(actionOrSkillKey string, input, fallback map[string]any) map[string]any {
	key := strings.TrimSpace(actionOrSkillKey)

	if fn, ok := g.actions[key]; ok {
		return fn(input, fallback)
	}

	lower := strings.ToLower(key)
	for _, kg := range g.keywords {
		if strings.Contains(lower, kg.keyword) {
			return kg.fn(input, fallback)
		}
	}

	return map[string]any{
		"result":         fmt.Sprintf("Simulated output for %s", key),
		"input_received": input,
		"timestamp":      now(),
	}
}

func generateLead(input, fallback map[string]any) map[string]any {
	name := pickString("name", input, fallback, "Jordan Reeves")
	return map[string]any{
		"lead_id":    fmt.Sprintf("lead_%s", slug(name)),
		"name":       name,
		"email":      pickString("email", input, fallback, "jordan.reeves@example.com"),
		"company":    pickString("company", input, fallback, "Northwind Trading"),
		"title":      pickString("title", input, fallback, "VP of Operations"),
		"source":     pickString("source", input, fallback, "simulation"),
		"score":      pick("score", input, fallback, 72),
		"created_at": now(),
	}
}

func generateCompanyUpdate(input, fallback map[string]any) map[string]any {
	name := pickString("company", input, fallback, "Northwind Trading")
	return map[string]any{
		"company_id": fmt.Sprintf("company_%s", slug(name)),
		"name":       name,
		"industry":   pickString("industry", input, fallback, "logistics"),
		"employees":  pick("employees", input, fallback, 340),
		"website":    pickString("website", input, fallback, "https://northwind.example.com"),
		"updated":    true,
		"updated_at": now(),
	}
}

func generateMeeting(input, fallback map[string]any) map[string]any {
	return map[string]any{
		"meeting_id": fmt.Sprintf("meeting_%s", slug(pickString("title", input, fallback, "discovery-call"))),
		"title":      pickString("title", input, fallback, "Discovery Call"),
		"attendee":   pickString("attendee", input, fallback, "jordan.reeves@example.com"),
		"scheduled_for": pickString("scheduled_for", input, fallback,
			time.Now().UTC().Add(48*time.Hour).Format(time.RFC3339)),
		"duration_minutes": pick("duration_minutes", input, fallback, 30),
		"booked":           true,
		"booked_at":        now(),
	}
}

func generateDeal(input, fallback map[string]any) map[string]any {
	name := pickString("name", input, fallback, "Northwind Expansion")
	return map[string]any{
		"deal_id":    fmt.Sprintf("deal_%s", slug(name)),
		"name":       name,
		"value":      pick("value", input, fallback, 25000),
		"currency":   pickString("currency", input, fallback, "GBP"),
		"stage":      pickString("stage", input, fallback, "qualified"),
		"close_date": pickString("close_date", input, fallback, time.Now().UTC().AddDate(0, 1, 0).Format("2006-01-02")),
		"created_at": now(),
	}
}

func generateTask(input, fallback map[string]any) map[string]any {
	title := pickString("title", input, fallback, "Follow up with lead")
	return map[string]any{
		"task_id":    fmt.Sprintf("task_%s", slug(title)),
		"title":      title,
		"due_date":   pickString("due_date", input, fallback, time.Now().UTC().AddDate(0, 0, 3).Format("2006-01-02")),
		"assignee":   pickString("assignee", input, fallback, "unassigned"),
		"priority":   pickString("priority", input, fallback, "medium"),
		"created_at": now(),
	}
}

func generateEmail(input, fallback map[string]any) map[string]any {
	return map[string]any{
		"message_id": fmt.Sprintf("msg_%s", slug(pickString("subject", input, fallback, "quick-intro"))),
		"to":         pickString("to", input, fallback, "jordan.reeves@example.com"),
		"subject":    pickString("subject", input, fallback, "Quick intro"),
		"body":       pickString("body", input, fallback, "Hi Jordan, great to connect."),
		"sent":       true,
		"sent_at":    now(),
	}
}

func generateNotification(input, fallback map[string]any) map[string]any {
	return map[string]any{
		"notification_id": "notif_simulated",
		"channel":         pickString("channel", input, fallback, "slack"),
		"message":         pickString("message", input, fallback, "Sequence update"),
		"delivered":       true,
		"delivered_at":    now(),
	}
}

func generateBrief(input, fallback map[string]any) map[string]any {
	return map[string]any{
		"brief_id": "brief_simulated",
		"subject":  pickString("subject", input, fallback, "Account brief"),
		"summary":  pickString("summary", input, fallback, "Simulated account brief with recent activity and next steps."),
		"sections": []any{"overview", "recent_activity", "recommended_actions"},
		"generated_at": now(),
	}
}

// pick returns input[field], else fallback[field], else def.
func pick(field string, input, fallback map[string]any, def any) any {
	if v, ok := input[field]; ok && v != nil {
		return v
	}
	if v, ok := fallback[field]; ok && v != nil {
		return v
	}
	return def
}

func pickString(field string, input, fallback map[string]any, def string) string {
	if s, ok := pick(field, input, fallback, nil).(string); ok && s != "" {
		return s
	}
	return def
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
