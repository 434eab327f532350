package delivery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/metrics"
)

// DefaultPixelChannel is reported when no channel is stored.
const DefaultPixelChannel = "direct"

// PixelParams are the query parameters of the legacy image pixel.
type PixelParams struct {
	OrderID      string
	CampaignCode string
	ActionCode   string
	UID          string
	TariffCode   string
	PaymentType  string
	OrderSum     string
	Channel      string
}

// PixelURL builds the legacy pixel URL on base.
func PixelURL(base string, p PixelParams) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse pixel url: %w", err)
	}
	if p.Channel == "" {
		p.Channel = DefaultPixelChannel
	}
	q := u.Query()
	q.Set("order_id", p.OrderID)
	q.Set("campaign_code", p.CampaignCode)
	q.Set("action_code", p.ActionCode)
	q.Set("uid", p.UID)
	q.Set("tariff_code", p.TariffCode)
	q.Set("payment_type", p.PaymentType)
	q.Set("order_sum", p.OrderSum)
	q.Set("channel", p.Channel)
	q.Set("rt", "img")
	q.Set("adm_method", "imgpixel")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PixelParamsFor fills pixel parameters from a conversion and the pipeline
// codes.
func (p *Pipeline) PixelParamsFor(ev *conversion.Event) PixelParams {
	tariff := p.cfg.TariffCode
	if len(ev.TariffCodes) > 0 {
		tariff = ev.TariffCodes[0]
	}
	action := p.cfg.ActionCode
	if ev.ActionCode != "" {
		action = ev.ActionCode
	}
	return PixelParams{
		OrderID:      ev.OrderID,
		CampaignCode: p.cfg.CampaignCode,
		ActionCode:   action,
		UID:          ev.Attribution.VisitorID,
		TariffCode:   tariff,
		PaymentType:  string(ev.Kind),
		OrderSum:     conversion.FormatDecimal(&ev.Amount),
		Channel:      ev.Attribution.Channel,
	}
}

// firePixel requests the pixel in the background. Its outcome never
// affects the collector request.
func (p *Pipeline) firePixel(ctx context.Context, ev *conversion.Event) {
	params := p.PixelParamsFor(ev)
	if params.UID == "" {
		p.logger.Debug("no visitor id, legacy pixel skipped", "order_id", ev.OrderID)
		p.metrics.Pixel(metrics.OutcomeSkipped)
		return
	}
	target, err := PixelURL(p.cfg.PixelURL, params)
	if err != nil {
		p.logger.Error("legacy pixel url", "error", err)
		p.metrics.Pixel(metrics.OutcomeFailed)
		return
	}
	// Pixel requests outlive page context cancellation.
	ctx = context.WithoutCancel(ctx)
	p.inflight.add()
	go func() {
		defer p.inflight.done()
		ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			p.logger.Error("legacy pixel request", "error", err)
			p.metrics.Pixel(metrics.OutcomeFailed)
			return
		}
		start := time.Now()
		if err := p.do(req, "pixel"); err != nil {
			p.logger.Warn("legacy pixel failed", "order_id", params.OrderID, "error", err)
			p.metrics.Pixel(metrics.OutcomeFailed)
			return
		}
		p.logger.Debug("legacy pixel sent", "order_id", params.OrderID, "took", time.Since(start))
		p.metrics.Pixel(metrics.OutcomeSent)
	}()
}
