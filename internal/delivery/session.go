package delivery

import (
	"context"
	"net/url"

	"github.com/roach88/convtrack/internal/metrics"
	"github.com/roach88/convtrack/internal/signal"
)

// InitParams is the session-init request body. Absent parameters are sent
// as null.
type InitParams struct {
	AdmitadUID *string `json:"admitad_uid"`
	PID        *string `json:"pid"`
	UTMSource  *string `json:"utm_source"`
	GCLID      *string `json:"gclid"`
	FBCLID     *string `json:"fbclid"`
}

// NewInitParams collects the init parameters present in q.
func NewInitParams(q url.Values) InitParams {
	get := func(k string) *string {
		if !q.Has(k) {
			return nil
		}
		v := q.Get(k)
		return &v
	}
	return InitParams{
		AdmitadUID: get(signal.ParamVisitorID),
		PID:        get(signal.ParamPartnerID),
		UTMSource:  get(signal.ParamUTMSource),
		GCLID:      get(signal.ParamGCLID),
		FBCLID:     get(signal.ParamFBCLID),
	}
}

// Empty reports whether no parameter is present.
func (p InitParams) Empty() bool {
	return p.AdmitadUID == nil && p.PID == nil && p.UTMSource == nil && p.GCLID == nil && p.FBCLID == nil
}

// SessionInit posts the page's acquisition parameters to the init
// endpoint so the collector can set its own cookies. Nothing is sent when
// q carries none of them. It reports whether the call succeeded.
func (p *Pipeline) SessionInit(ctx context.Context, q url.Values) bool {
	params := NewInitParams(q)
	if params.Empty() || p.cfg.InitURL == "" {
		p.metrics.SessionInit(metrics.OutcomeSkipped)
		return false
	}
	p.logger.Debug("initializing tracker session", "url", p.cfg.InitURL)
	if err := p.postJSON(ctx, "init", p.cfg.InitURL, params); err != nil {
		p.logger.Warn("session init failed", "error", err)
		p.metrics.SessionInit(metrics.OutcomeFailed)
		return false
	}
	p.metrics.SessionInit(metrics.OutcomeSent)
	return true
}
