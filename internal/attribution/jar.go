package attribution

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Slot is one persisted name/value pair scoped to a registrable domain.
type Slot struct {
	Domain    string
	Name      string
	Value     string
	HTTPOnly  bool
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the slot is no longer readable at now.
func (s Slot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Jar persists attribution slots. Implementations must treat a Put for an
// existing (domain, name) as an overwrite.
//
// Get returns ok=false for slots that are missing or expired at now.
type Jar interface {
	Get(ctx context.Context, domain, name string, now time.Time) (Slot, bool, error)
	Put(ctx context.Context, slot Slot) error
	Delete(ctx context.Context, domain, name string) error
	List(ctx context.Context, domain string, now time.Time) ([]Slot, error)
}

// RegistrableDomain returns the domain attribution slots are scoped to:
// the eTLD+1 of host, so "www.shop.example.co.uk" and "pay.shop.example.co.uk"
// share slots. IP literals and single-label hosts are returned unchanged.
func RegistrableDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return strings.TrimPrefix(host, "www.")
	}
	return d
}

// MemoryJar is an in-process Jar. It is safe for concurrent use.
type MemoryJar struct {
	mu    sync.Mutex
	slots map[string]Slot
}

// NewMemoryJar returns an empty MemoryJar.
func NewMemoryJar() *MemoryJar {
	return &MemoryJar{slots: make(map[string]Slot)}
}

func slotKey(domain, name string) string { return domain + "\x00" + name }

func (j *MemoryJar) Get(_ context.Context, domain, name string, now time.Time) (Slot, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.slots[slotKey(domain, name)]
	if !ok || s.Expired(now) {
		return Slot{}, false, nil
	}
	return s, true, nil
}

func (j *MemoryJar) Put(_ context.Context, slot Slot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.slots[slotKey(slot.Domain, slot.Name)] = slot
	return nil
}

func (j *MemoryJar) Delete(_ context.Context, domain, name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.slots, slotKey(domain, name))
	return nil
}

func (j *MemoryJar) List(_ context.Context, domain string, now time.Time) ([]Slot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Slot
	for _, s := range j.slots {
		if s.Domain == domain && !s.Expired(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}
