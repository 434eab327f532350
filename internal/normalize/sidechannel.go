package normalize

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/roach88/convtrack/internal/session"
)

// One-shot keys the storefront may set before a conversion. Each is read at
// most once: the normalizer deletes it as it reads it, whether or not the
// conversion is later delivered.
const (
	KeyPromoCode   = "adt_promocode"
	KeyActionCode  = "adt_action_code"
	KeyTariffCodes = "adt_tariff_codes"
)

// Extras are the side-channel fields merged into a conversion.
type Extras struct {
	PromoCode   string
	ActionCode  string
	TariffCodes []string
}

// takeExtras consumes the one-shot keys from storage.
func takeExtras(s session.Storage, logger *slog.Logger) Extras {
	var x Extras
	if s == nil {
		return x
	}
	if v, ok := session.Take(s, KeyPromoCode); ok {
		x.PromoCode = strings.TrimSpace(v)
	}
	if v, ok := session.Take(s, KeyActionCode); ok {
		x.ActionCode = strings.TrimSpace(v)
	}
	if raw, ok := session.Take(s, KeyTariffCodes); ok && raw != "" {
		var codes []any
		if err := json.Unmarshal([]byte(raw), &codes); err != nil {
			logger.Warn("ignoring unparsable tariff codes", "error", err)
			return x
		}
		for _, c := range codes {
			if code, ok := asString(c); ok {
				x.TariffCodes = append(x.TariffCodes, code)
			}
		}
	}
	return x
}
