// Package alerts turns pipeline events into human-readable notifications
// and hands them to a transport. Delivery is fire-and-forget with a single
// retry; a failing transport never stalls the pipeline.
package alerts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// Kind names the alert family, used in filenames and filtering.
type Kind string

const (
	KindPriceChange  Kind = "price_change"
	KindOpportunity  Kind = "opportunity"
	KindSystemHealth Kind = "system_health"
)

// Alert is one formatted, transport-ready notification. Payload keeps the
// originating event so file artifacts stay machine-readable.
type Alert struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Formatter renders events. The emoji prefix is a config toggle because
// some downstream channels choke on it.
type Formatter struct {
	emoji bool
	now   func() time.Time
}

func NewFormatter(emoji bool) *Formatter {
	return &Formatter{emoji: emoji, now: time.Now}
}

func (f *Formatter) Opportunity(ev domain.OpportunityEvent) Alert {
	opp := ev.Opportunity
	title := fmt.Sprintf("Oportunidad de arbitraje: %s → %s",
		opp.BuyRetailer, opp.SellRetailer)
	if f.emoji {
		title = "💰 " + title
	}

	lines := []string{
		fmt.Sprintf("Compra: %s %s", opp.BuyRetailer, FormatCLP(opp.BuyPrice)),
		fmt.Sprintf("Venta: %s %s", opp.SellRetailer, FormatCLP(opp.SellPrice)),
		fmt.Sprintf("Margen: %s (%.1f%%)", FormatCLP(opp.MarginAbs), opp.MarginPct),
		fmt.Sprintf("ROI estimado: %.1f%%", opp.ROI),
		fmt.Sprintf("Tier: %s | Riesgo: %s", opp.Tier, opp.RiskLevel),
		fmt.Sprintf("Ejecución sugerida: %s", opp.OptimalExecutionAt.Format("2006-01-02 15:04")),
	}

	return f.build(KindOpportunity, title, strings.Join(lines, "\n"), ev)
}

func (f *Formatter) PriceChange(ev domain.PriceChangeEvent) Alert {
	direction := "Alza"
	symbol := "📈"
	if ev.Change.Pct < 0 {
		direction = "Baja"
		symbol = "📉"
	}
	name := ev.ProductName
	if name == "" {
		name = ev.InternalCode
	}
	title := fmt.Sprintf("%s de precio: %s (%s)", direction, name, ev.Retailer)
	if f.emoji {
		title = symbol + " " + title
	}

	body := fmt.Sprintf("%s: %s → %s (%+.1f%%)",
		ev.Change.Kind,
		FormatCLP(ev.Change.OldPrice),
		FormatCLP(ev.Change.NewPrice),
		ev.Change.Pct)

	return f.build(KindPriceChange, title, body, ev)
}

func (f *Formatter) Health(ev domain.SystemHealthEvent) Alert {
	title := fmt.Sprintf("Sistema [%s]: %s", ev.Severity, ev.Component)
	if f.emoji {
		prefix := "⚠️"
		if ev.Severity == domain.HealthCritical {
			prefix = "🚨"
		}
		title = prefix + " " + title
	}
	return f.build(KindSystemHealth, title, ev.Message, ev)
}

func (f *Formatter) build(kind Kind, title, body string, payload any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     title,
		Body:      body,
		Payload:   payload,
		CreatedAt: f.now(),
	}
}

// FormatCLP renders a peso amount with dot thousand separators and no
// decimals, per local convention: 1234567 becomes $1.234.567.
func FormatCLP(amount float64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	digits := strconv.FormatFloat(amount, 'f', 0, 64)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
		if len(digits) > lead {
			b.WriteByte('.')
		}
	}
	for i := lead; i < len(digits); i += 3 {
		b.WriteString(digits[i : i+3])
		if i+3 < len(digits) {
			b.WriteByte('.')
		}
	}
	return b.String()
}
