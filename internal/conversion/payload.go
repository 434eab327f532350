package conversion

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Payload is the JSON body posted to the collector.
//
// VisitorID and Channel duplicate what the collector can read from its own
// cookies; the collector prefers the cookies.
type Payload struct {
	OrderID     string        `json:"orderId"`
	OrderAmount float64       `json:"orderAmount"`
	Currency    *string       `json:"currency"`
	PaymentType string        `json:"paymentType"`
	PromoCode   *string       `json:"promocode"`
	ActionCode  *string       `json:"actionCode"`
	TariffCodes []string      `json:"tariffCodes"`
	Items       []PayloadItem `json:"items"`
	VisitorID   string        `json:"visitorId,omitempty"`
	Channel     string        `json:"channel,omitempty"`
}

// PayloadItem is one line item on the wire.
type PayloadItem struct {
	ID       string  `json:"id"`
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	SKU      *string `json:"sku"`
}

// NewPayload converts a normalized conversion into its wire form.
func NewPayload(ev *Event) Payload {
	p := Payload{
		OrderID:     ev.OrderID,
		OrderAmount: ev.AmountFloat(),
		Currency:    optional(ev.Currency),
		PaymentType: string(ev.Kind),
		PromoCode:   optional(ev.PromoCode),
		ActionCode:  optional(ev.ActionCode),
		TariffCodes: ev.TariffCodes,
		Items:       make([]PayloadItem, 0, len(ev.LineItems)),
		VisitorID:   ev.Attribution.VisitorID,
		Channel:     ev.Attribution.Channel,
	}
	for i := range ev.LineItems {
		li := &ev.LineItems[i]
		p.Items = append(p.Items, PayloadItem{
			ID:       li.ID,
			Price:    decimalFloat(&li.UnitPrice),
			Quantity: li.Quantity,
			SKU:      optional(li.SKU),
		})
	}
	return p
}

// Validate checks the fields the collector cannot do without.
func (p *Payload) Validate() error {
	if p.OrderID == "" {
		return fmt.Errorf("orderId: required")
	}
	if _, err := ParseKind(p.PaymentType); err != nil {
		return fmt.Errorf("paymentType: %w", err)
	}
	if p.OrderAmount < 0 {
		return fmt.Errorf("orderAmount: must not be negative")
	}
	for i, it := range p.Items {
		if it.ID == "" {
			return fmt.Errorf("items[%d].id: required", i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("items[%d].quantity: must be positive", i)
		}
	}
	return nil
}

// FormatDecimal renders a decimal in plain notation ("25", "10.5").
func FormatDecimal(d *apd.Decimal) string {
	return d.Text('f')
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
