package conversion

import (
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Kind distinguishes sales from leads.
type Kind string

const (
	KindSale Kind = "sale"
	KindLead Kind = "lead"
)

// ParseKind maps a wire payment type to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSale, KindLead:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown payment type %q", s)
	}
}

// LineItem is one position of a conversion.
//
// Quantity is always positive; the normalizer rejects items that would
// violate this.
type LineItem struct {
	ID        string
	UnitPrice apd.Decimal
	Quantity  int64
	SKU       string
}

// Snapshot is the attribution state in effect when a conversion was built.
type Snapshot struct {
	VisitorID       string    `json:"visitor_id,omitempty"`
	OriginPartnerID string    `json:"origin_partner_id,omitempty"`
	Channel         string    `json:"channel,omitempty"`
	TakenAt         time.Time `json:"taken_at"`
}

// Event is a normalized conversion.
type Event struct {
	Kind        Kind
	OrderID     string
	Amount      apd.Decimal
	Currency    string
	LineItems   []LineItem
	PromoCode   string
	ActionCode  string
	TariffCodes []string

	// SourceEvent is the bus event name the conversion was recognized from.
	// Empty for manual triggers.
	SourceEvent string

	Attribution Snapshot
}

// AmountFloat returns the amount as a float64 for the wire.
func (e *Event) AmountFloat() float64 {
	return decimalFloat(&e.Amount)
}

func decimalFloat(d *apd.Decimal) float64 {
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}
