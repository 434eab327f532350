package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/convtrack/internal/conversion"
)

// Attribution reasons recorded with each marked postback.
const (
	ReasonPromoCode = "promocode"
	ReasonCookie    = "cookie"
)

// partnerSourcePrefix identifies last sources that belong to the partner
// network, e.g. "admitad" or "admitad_cpa".
const partnerSourcePrefix = "admitad"

// Visit is what the gateway knows about the visitor when a conversion
// arrives.
type Visit struct {
	VisitorID   string
	PublisherID string
	Source      string
}

// Decide applies the last-paid-click rule. A non-blank promo code always
// credits the partner; otherwise the visitor must carry a partner uid and a
// partner last source. It returns the reason when the postback is due.
func Decide(promoCode string, v Visit) (reason string, send bool) {
	if strings.TrimSpace(promoCode) != "" {
		return ReasonPromoCode, true
	}
	if v.VisitorID != "" && strings.HasPrefix(v.Source, partnerSourcePrefix) {
		return ReasonCookie, true
	}
	return "", false
}

// basket is the per-position breakdown sent as the _ps parameter. Every
// field is a list with one entry per position.
type basket struct {
	TariffCode    []string `json:"tariff_code"`
	PositionID    []string `json:"position_id"`
	PositionCount []string `json:"position_count"`
	Price         []string `json:"price"`
	Quantity      []string `json:"quantity"`
	ProductID     []string `json:"product_id"`
}

// newBasket builds the basket for items. Custom tariff codes are used only
// when there is exactly one per item.
func newBasket(items []conversion.PayloadItem, tariffs []string, defaultTariff string) basket {
	n := len(items)
	b := basket{
		TariffCode:    make([]string, 0, n),
		PositionID:    make([]string, 0, n),
		PositionCount: make([]string, 0, n),
		Price:         make([]string, 0, n),
		Quantity:      make([]string, 0, n),
		ProductID:     make([]string, 0, n),
	}
	custom := len(tariffs) == n
	count := strconv.Itoa(n)
	for i, it := range items {
		tariff := defaultTariff
		if custom {
			tariff = tariffs[i]
		}
		b.TariffCode = append(b.TariffCode, tariff)
		b.PositionID = append(b.PositionID, strconv.Itoa(i+1))
		b.PositionCount = append(b.PositionCount, count)
		b.Price = append(b.Price, formatAmount(it.Price))
		b.Quantity = append(b.Quantity, strconv.FormatInt(it.Quantity, 10))
		b.ProductID = append(b.ProductID, it.ID)
	}
	return b
}

// PostbackParams builds the postback query for one conversion.
func PostbackParams(cfg Config, p *conversion.Payload, v Visit) (url.Values, error) {
	cfg = cfg.withDefaults()
	q := url.Values{}
	q.Set("campaign_code", cfg.CampaignCode)
	q.Set("postback_key", cfg.PostbackKey)
	q.Set("channel", "admitad")
	q.Set("adm_method", "sr")
	q.Set("adm_method_name", "postback_sdk")
	q.Set("v", "2")
	q.Set("rt", "img")
	q.Set("payment_type", firstNonEmpty(p.PaymentType, string(conversion.KindSale)))
	q.Set("currency_code", firstNonEmpty(deref(p.Currency), cfg.Currency))
	q.Set("publisher_id", v.PublisherID)
	q.Set("action_code", firstNonEmpty(deref(p.ActionCode), cfg.ActionCode))
	q.Set("order_id", p.OrderID)
	q.Set("uid", v.VisitorID)
	q.Set("promocode", deref(p.PromoCode))

	if len(p.Items) == 0 {
		q.Set("price", formatAmount(p.OrderAmount))
		q.Set("tariff_code", cfg.TariffCode)
		return q, nil
	}
	ps, err := json.Marshal(newBasket(p.Items, p.TariffCodes, cfg.TariffCode))
	if err != nil {
		return nil, fmt.Errorf("encode basket: %w", err)
	}
	q.Set("_ps", string(ps))
	return q, nil
}

// MaskedQuery renders q for logs with the postback key hidden.
func MaskedQuery(q url.Values) string {
	masked := url.Values{}
	for k, vs := range q {
		if k == "postback_key" {
			masked[k] = []string{"********"}
			continue
		}
		masked[k] = vs
	}
	return masked.Encode()
}

func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
