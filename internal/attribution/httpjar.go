package attribution

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// HTTPJar adapts a Jar to net/http.CookieJar so an http.Client sends the
// stored slots as cookies and keeps whatever the collector sets.
//
// Every cookie is scoped to the registrable domain of the request URL;
// cookie Domain and Path attributes are ignored.
type HTTPJar struct {
	jar    Jar
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ http.CookieJar = (*HTTPJar)(nil)

// NewHTTPJar wraps jar. Cookies without an expiry get ttl.
func NewHTTPJar(jar Jar, ttl time.Duration, now func() time.Time, logger *slog.Logger) *HTTPJar {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HTTPJar{jar: jar, ttl: ttl, now: now, logger: logger}
}

// SetCookies implements http.CookieJar.
func (h *HTTPJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	ctx := context.Background()
	domain := RegistrableDomain(u.Host)
	now := h.now()
	for _, c := range cookies {
		if c.MaxAge < 0 || (!c.Expires.IsZero() && !c.Expires.After(now)) {
			if err := h.jar.Delete(ctx, domain, c.Name); err != nil {
				h.logger.Warn("cookie delete failed", "domain", domain, "name", c.Name, "error", err)
			}
			continue
		}
		exp := now.Add(h.ttl)
		switch {
		case c.MaxAge > 0:
			exp = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			exp = c.Expires
		}
		err := h.jar.Put(ctx, Slot{
			Domain:    domain,
			Name:      c.Name,
			Value:     c.Value,
			HTTPOnly:  c.HttpOnly,
			ExpiresAt: exp,
			UpdatedAt: now,
		})
		if err != nil {
			h.logger.Warn("cookie store failed", "domain", domain, "name", c.Name, "error", err)
		}
	}
}

// Cookies implements http.CookieJar.
func (h *HTTPJar) Cookies(u *url.URL) []*http.Cookie {
	domain := RegistrableDomain(u.Host)
	slots, err := h.jar.List(context.Background(), domain, h.now())
	if err != nil {
		h.logger.Warn("cookie list failed", "domain", domain, "error", err)
		return nil
	}
	out := make([]*http.Cookie, 0, len(slots))
	for _, s := range slots {
		out = append(out, &http.Cookie{Name: s.Name, Value: s.Value})
	}
	return out
}
