// Package attribution persists the signals that identify which marketing
// channel owns a visitor: the partner's visitor id, the partner id, and the
// last-touch channel.
//
// Slots live in a Jar, keyed by the registrable domain of the page so every
// subdomain of a site sees the same attribution. Writes of empty values are
// no-ops and jar failures are logged and swallowed: attribution must never
// interrupt the page.
package attribution

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/convtrack/internal/conversion"
)

// Default slot names. They are the first-party cookie names the storefront
// snippet writes.
const (
	SlotVisitorID     = "admitad_aid"
	SlotOriginPartner = "admitad_pid"
	SlotChannel       = "deduplication_adm"
)

// DefaultTTL is how long a slot stays readable after its most recent write.
const DefaultTTL = 90 * 24 * time.Hour

// Names overrides the slot names.
type Names struct {
	VisitorID     string
	OriginPartner string
	Channel       string
}

// DefaultNames returns the standard slot names.
func DefaultNames() Names {
	return Names{
		VisitorID:     SlotVisitorID,
		OriginPartner: SlotOriginPartner,
		Channel:       SlotChannel,
	}
}

// Store reads and writes attribution slots for one registrable domain.
type Store struct {
	jar    Jar
	domain string
	names  Names
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNames overrides the slot names. Empty fields keep their defaults.
func WithNames(n Names) Option {
	return func(s *Store) {
		if n.VisitorID != "" {
			s.names.VisitorID = n.VisitorID
		}
		if n.OriginPartner != "" {
			s.names.OriginPartner = n.OriginPartner
		}
		if n.Channel != "" {
			s.names.Channel = n.Channel
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore returns a Store scoped to the registrable domain of host.
func NewStore(jar Jar, host string, opts ...Option) *Store {
	s := &Store{
		jar:    jar,
		domain: RegistrableDomain(host),
		names:  DefaultNames(),
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Domain returns the registrable domain the store writes to.
func (s *Store) Domain() string { return s.domain }

// Names returns the slot names in use.
func (s *Store) Names() Names { return s.names }

// SetVisitorIdentity records the partner's visitor id.
func (s *Store) SetVisitorIdentity(ctx context.Context, id string) {
	s.write(ctx, s.names.VisitorID, id)
}

// SetOriginPartner records the partner (publisher) id the visitor came from.
func (s *Store) SetOriginPartner(ctx context.Context, pid string) {
	s.write(ctx, s.names.OriginPartner, pid)
}

// SetChannel records the channel credited for the visit.
func (s *Store) SetChannel(ctx context.Context, channel string) {
	s.write(ctx, s.names.Channel, channel)
}

// Read returns the current value of the named slot.
func (s *Store) Read(ctx context.Context, name string) (string, bool) {
	slot, ok, err := s.jar.Get(ctx, s.domain, name, s.now())
	if err != nil {
		s.logger.Warn("attribution read failed, treating as absent",
			"domain", s.domain, "slot", name, "error", err)
		return "", false
	}
	if !ok || slot.Value == "" {
		return "", false
	}
	return slot.Value, true
}

// Channel returns the stored channel.
func (s *Store) Channel(ctx context.Context) (string, bool) {
	return s.Read(ctx, s.names.Channel)
}

// VisitorID returns the stored visitor id.
func (s *Store) VisitorID(ctx context.Context) (string, bool) {
	return s.Read(ctx, s.names.VisitorID)
}

// Snapshot captures the identity and channel in effect now.
func (s *Store) Snapshot(ctx context.Context) conversion.Snapshot {
	uid, _ := s.Read(ctx, s.names.VisitorID)
	pid, _ := s.Read(ctx, s.names.OriginPartner)
	ch, _ := s.Read(ctx, s.names.Channel)
	return conversion.Snapshot{
		VisitorID:       uid,
		OriginPartnerID: pid,
		Channel:         ch,
		TakenAt:         s.now(),
	}
}

func (s *Store) write(ctx context.Context, name, value string) {
	if value == "" {
		return
	}
	now := s.now()
	err := s.jar.Put(ctx, Slot{
		Domain:    s.domain,
		Name:      name,
		Value:     value,
		ExpiresAt: now.Add(s.ttl),
		UpdatedAt: now,
	})
	if err != nil {
		s.logger.Warn("attribution write failed",
			"domain", s.domain, "slot", name, "error", err)
		return
	}
	s.logger.Debug("attribution slot written", "domain", s.domain, "slot", name)
}
