package normalize

import "github.com/roach88/convtrack/internal/conversion"

// Mapping says where conversion fields live inside a bus event. Every field
// is a dotted path.
type Mapping struct {
	EventName string      `yaml:"event_name"`
	OrderID   string      `yaml:"order_id"`
	Amount    string      `yaml:"amount"`
	Currency  string      `yaml:"currency"`
	Items     string      `yaml:"items"`
	Item      ItemMapping `yaml:"item"`
}

// ItemMapping locates line item fields relative to one item object.
type ItemMapping struct {
	ID       string `yaml:"id"`
	Price    string `yaml:"price"`
	Quantity string `yaml:"quantity"`
	SKU      string `yaml:"sku"`
}

// DefaultMapping follows the GA4 ecommerce layout.
func DefaultMapping() Mapping {
	return Mapping{
		EventName: "event",
		OrderID:   "ecommerce.transaction_id",
		Amount:    "ecommerce.value",
		Currency:  "ecommerce.currency",
		Items:     "ecommerce.items",
		Item: ItemMapping{
			ID:       "item_id",
			Price:    "price",
			Quantity: "quantity",
			SKU:      "item_variant",
		},
	}
}

// WireItemMapping reads items already in collector wire shape, as returned
// by a manual data source.
func WireItemMapping() ItemMapping {
	return ItemMapping{ID: "id", Price: "price", Quantity: "quantity", SKU: "sku"}
}

// Merge fills empty fields of m from def.
func (m Mapping) Merge(def Mapping) Mapping {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return Mapping{
		EventName: pick(m.EventName, def.EventName),
		OrderID:   pick(m.OrderID, def.OrderID),
		Amount:    pick(m.Amount, def.Amount),
		Currency:  pick(m.Currency, def.Currency),
		Items:     pick(m.Items, def.Items),
		Item: ItemMapping{
			ID:       pick(m.Item.ID, def.Item.ID),
			Price:    pick(m.Item.Price, def.Item.Price),
			Quantity: pick(m.Item.Quantity, def.Item.Quantity),
			SKU:      pick(m.Item.SKU, def.Item.SKU),
		},
	}
}

// Default event names recognized as conversions.
var (
	DefaultEventNames     = []string{"purchase", "paid_order", "generate_lead"}
	DefaultSaleEventNames = []string{"purchase", "paid_order"}
)

// kindFor classifies an allowed event name.
func kindFor(name string, sale map[string]struct{}) conversion.Kind {
	if _, ok := sale[name]; ok {
		return conversion.KindSale
	}
	return conversion.KindLead
}
