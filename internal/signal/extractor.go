// Package signal reads acquisition parameters from a page URL and decides
// which channel the visit is credited to.
//
// The decision is an ordered rule list evaluated first-match-wins. A page
// without any tracking parameter yields no candidate and leaves the stored
// channel alone, so a checkout page never erases the channel that brought
// the visitor in.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/convtrack/internal/attribution"
)

// Policy decides whether a new candidate may replace a stored channel.
type Policy string

const (
	// LastClick overwrites the stored channel on every page that yields a
	// candidate.
	LastClick Policy = "last_click"
	// FirstClick keeps the first channel ever stored until it expires.
	FirstClick Policy = "first_click"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return LastClick, nil
	case LastClick, FirstClick:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown attribution policy %q", s)
	}
}

// Decision is the outcome of one extraction.
type Decision struct {
	VisitorID string
	PartnerID string
	Candidate string
	Rule      string
	// Applied is true when the candidate was written to the store.
	Applied   bool
	DecidedAt time.Time
}

// Extractor applies the priority chain to page URLs.
type Extractor struct {
	rules  []Rule
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// NewExtractor returns an Extractor. A nil rules slice means DefaultRules.
func NewExtractor(rules []Rule, policy Policy, logger *slog.Logger) *Extractor {
	if rules == nil {
		rules = DefaultRules()
	}
	if policy == "" {
		policy = LastClick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{rules: rules, policy: policy, now: time.Now, logger: logger}
}

// SetClock overrides the time source used for DecidedAt.
func (e *Extractor) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Evaluate decides without touching any store.
func (e *Extractor) Evaluate(q url.Values) Decision {
	d := Decision{
		VisitorID: strings.TrimSpace(q.Get(ParamVisitorID)),
		PartnerID: strings.TrimSpace(q.Get(ParamPartnerID)),
		DecidedAt: e.now(),
	}
	d.Candidate, d.Rule, _ = Decide(e.rules, q)
	return d
}

// Extract runs the full per-page algorithm against store: identity first,
// then the channel candidate under the configured policy.
func (e *Extractor) Extract(ctx context.Context, pageURL *url.URL, store *attribution.Store) Decision {
	q := pageURL.Query()
	d := e.Evaluate(q)

	store.SetVisitorIdentity(ctx, d.VisitorID)
	store.SetOriginPartner(ctx, d.PartnerID)

	if d.Candidate == "" {
		e.logger.Debug("no channel candidate, keeping stored attribution", "url", pageURL.Path)
		return d
	}
	if e.policy == FirstClick {
		if existing, ok := store.Channel(ctx); ok {
			e.logger.Debug("first-click policy keeps stored channel",
				"stored", existing, "candidate", d.Candidate)
			return d
		}
	}
	store.SetChannel(ctx, d.Candidate)
	d.Applied = true
	e.logger.Info("channel attributed", "channel", d.Candidate, "rule", d.Rule)
	return d
}

// ParseURL parses a page URL for extraction.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	return u, nil
}
