package autoreply

import (
	"regexp"
	"time"
)

// Templates configures placeholder rendering.
type Templates struct {
	BotName        string            // default {bot_name}
	TenantBotNames map[string]string // per-tenant override
	DateLayout     string
	TimeLayout     string
	DateTimeLayout string
	Location       *time.Location
	Greetings      Greetings
}

// Greetings are the {greeting} words by local time of day.
type Greetings struct {
	Morning   string // 05:00-11:59
	Afternoon string // 12:00-16:59
	Evening   string // 17:00-20:59
	Night     string
}

// DefaultTemplates returns the built-in layouts and greetings.
func DefaultTemplates() Templates {
	return Templates{
		BotName:        "Assistant",
		DateLayout:     "2006-01-02",
		TimeLayout:     "15:04",
		DateTimeLayout: "2006-01-02 15:04",
		Location:       time.Local,
		Greetings: Greetings{
			Morning:   "Good morning",
			Afternoon: "Good afternoon",
			Evening:   "Good evening",
			Night:     "Good night",
		},
	}
}

func (t Templates) botName(tenantID string) string {
	if name, ok := t.TenantBotNames[tenantID]; ok && name != "" {
		return name
	}
	return t.BotName
}

func (t Templates) greeting(now time.Time) string {
	switch h := now.Hour(); {
	case h >= 5 && h < 12:
		return t.Greetings.Morning
	case h >= 12 && h < 17:
		return t.Greetings.Afternoon
	case h >= 17 && h < 21:
		return t.Greetings.Evening
	default:
		return t.Greetings.Night
	}
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Render substitutes known placeholders in tmpl. Unknown placeholders are
// left verbatim.
func (t Templates) Render(tmpl string, msg InboundMessage, now time.Time) string {
	if t.Location != nil {
		now = now.In(t.Location)
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(ph string) string {
		switch ph[1 : len(ph)-1] {
		case "sender_name", "name":
			return msg.SenderName
		case "bot_name":
			return t.botName(msg.TenantID)
		case "message":
			return msg.Text
		case "date":
			return now.Format(t.DateLayout)
		case "time":
			return now.Format(t.TimeLayout)
		case "datetime":
			return now.Format(t.DateTimeLayout)
		case "day":
			return now.Weekday().String()
		case "greeting":
			return t.greeting(now)
		}
		return ph
	})
}
