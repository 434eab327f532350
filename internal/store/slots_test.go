package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/convtrack/internal/attribution"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestJar_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	jar := openTestStore(t).Jar()

	slot := attribution.Slot{
		Domain:    "example.com",
		Name:      attribution.SlotVisitorID,
		Value:     "first",
		ExpiresAt: t0.Add(time.Hour),
		UpdatedAt: t0,
	}
	if err := jar.Put(ctx, slot); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	slot.Value = "second"
	slot.HTTPOnly = true
	if err := jar.Put(ctx, slot); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}

	got, ok, err := jar.Get(ctx, "example.com", attribution.SlotVisitorID, t0)
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if got.Value != "second" || !got.HTTPOnly {
		t.Errorf("Get() = %+v, want overwritten value", got)
	}
	if !got.ExpiresAt.Equal(slot.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, slot.ExpiresAt)
	}
}

func TestJar_ExpiredSlotsAreAbsent(t *testing.T) {
	ctx := context.Background()
	jar := openTestStore(t).Jar()

	_ = jar.Put(ctx, attribution.Slot{Domain: "example.com", Name: "a", Value: "1", ExpiresAt: t0.Add(time.Minute), UpdatedAt: t0})
	_ = jar.Put(ctx, attribution.Slot{Domain: "example.com", Name: "b", Value: "2", UpdatedAt: t0})

	if _, ok, _ := jar.Get(ctx, "example.com", "a", t0.Add(time.Minute)); ok {
		t.Error("slot readable at its expiry instant")
	}
	slots, err := jar.List(ctx, "example.com", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(slots) != 1 || slots[0].Name != "b" {
		t.Errorf("List() = %+v, want only the non-expiring slot", slots)
	}

	n, err := jar.PurgeExpired(ctx, t0.Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("PurgeExpired() = %d, %v; want 1", n, err)
	}
}

func TestJar_DomainsAndDelete(t *testing.T) {
	ctx := context.Background()
	jar := openTestStore(t).Jar()

	_ = jar.Put(ctx, attribution.Slot{Domain: "b.com", Name: "x", Value: "1", UpdatedAt: t0})
	_ = jar.Put(ctx, attribution.Slot{Domain: "a.com", Name: "x", Value: "1", UpdatedAt: t0})

	domains, err := jar.Domains(ctx)
	if err != nil {
		t.Fatalf("Domains() failed: %v", err)
	}
	if len(domains) != 2 || domains[0] != "a.com" {
		t.Errorf("Domains() = %v", domains)
	}

	if err := jar.Delete(ctx, "a.com", "x"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := jar.Delete(ctx, "a.com", "x"); err != nil {
		t.Errorf("Delete() of missing slot failed: %v", err)
	}
	if _, ok, _ := jar.Get(ctx, "a.com", "x", t0); ok {
		t.Error("slot still present after Delete")
	}
}

func TestJar_AttributionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "browser.db")
	now := func() time.Time { return t0 }

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	attribution.NewStore(s1.Jar(), "www.shop.example.com", attribution.WithClock(now)).SetChannel(ctx, "google")
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	store := attribution.NewStore(s2.Jar(), "pay.example.com", attribution.WithClock(now))
	ch, ok := store.Channel(ctx)
	if !ok || ch != "google" {
		t.Errorf("Channel() = %q, %v; want google", ch, ok)
	}

	later := attribution.NewStore(s2.Jar(), "example.com",
		attribution.WithClock(func() time.Time { return t0.Add(attribution.DefaultTTL) }))
	if _, ok := later.Channel(ctx); ok {
		t.Error("channel readable after TTL")
	}
}
