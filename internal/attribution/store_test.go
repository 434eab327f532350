package attribution

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func fixedNow(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestRegistrableDomain(t *testing.T) {
	tests := map[string]string{
		"www.shop.example.com": "example.com",
		"pay.shop.example.com": "example.com",
		"shop.example.co.uk":   "example.co.uk",
		"example.com:8443":     "example.com",
		"Example.COM.":         "example.com",
		"127.0.0.1":            "127.0.0.1",
		"127.0.0.1:8080":       "127.0.0.1",
		"localhost":            "localhost",
		"localhost:3000":       "localhost",
	}
	for host, want := range tests {
		t.Run(host, func(t *testing.T) {
			assert.Equal(t, want, RegistrableDomain(host))
		})
	}
}

func TestStore_EmptyWritesAreNoOps(t *testing.T) {
	ctx := context.Background()
	now := t0
	s := NewStore(NewMemoryJar(), "www.example.com", WithClock(fixedNow(&now)))

	s.SetVisitorIdentity(ctx, "uid-1")
	s.SetChannel(ctx, "google")

	s.SetVisitorIdentity(ctx, "")
	s.SetOriginPartner(ctx, "")
	s.SetChannel(ctx, "")

	uid, ok := s.VisitorID(ctx)
	require.True(t, ok)
	assert.Equal(t, "uid-1", uid)

	ch, ok := s.Channel(ctx)
	require.True(t, ok)
	assert.Equal(t, "google", ch)

	_, ok = s.Read(ctx, SlotOriginPartner)
	assert.False(t, ok)
}

func TestStore_DefaultSlotNames(t *testing.T) {
	ctx := context.Background()
	now := t0
	jar := NewMemoryJar()
	s := NewStore(jar, "www.example.com", WithClock(fixedNow(&now)))

	s.SetVisitorIdentity(ctx, "uid-1")
	s.SetOriginPartner(ctx, "pid-2")
	s.SetChannel(ctx, "admitad")

	for name, want := range map[string]string{
		"admitad_aid":       "uid-1",
		"admitad_pid":       "pid-2",
		"deduplication_adm": "admitad",
	} {
		slot, ok, err := jar.Get(ctx, "example.com", name, now)
		require.NoError(t, err)
		require.True(t, ok, name)
		assert.Equal(t, want, slot.Value, name)
	}
}

func TestStore_NewerIdentifierOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewMemoryJar(), "example.com")

	s.SetVisitorIdentity(ctx, "old")
	s.SetVisitorIdentity(ctx, "new")

	uid, ok := s.VisitorID(ctx)
	require.True(t, ok)
	assert.Equal(t, "new", uid)
}

func TestStore_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := t0
	s := NewStore(NewMemoryJar(), "example.com", WithClock(fixedNow(&now)))

	s.SetChannel(ctx, "facebook")

	now = t0.Add(DefaultTTL - time.Second)
	_, ok := s.Channel(ctx)
	assert.True(t, ok, "still readable just before expiry")

	now = t0.Add(DefaultTTL)
	_, ok = s.Channel(ctx)
	assert.False(t, ok, "expired at TTL")
}

func TestStore_WriteRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	now := t0
	s := NewStore(NewMemoryJar(), "example.com", WithClock(fixedNow(&now)), WithTTL(time.Hour))

	s.SetChannel(ctx, "cj")
	now = t0.Add(50 * time.Minute)
	s.SetChannel(ctx, "cj")
	now = t0.Add(90 * time.Minute)

	_, ok := s.Channel(ctx)
	assert.True(t, ok)
}

func TestStore_SharedAcrossSubdomains(t *testing.T) {
	ctx := context.Background()
	jar := NewMemoryJar()

	NewStore(jar, "www.example.com").SetChannel(ctx, "admitad")
	ch, ok := NewStore(jar, "checkout.example.com").Channel(ctx)

	require.True(t, ok)
	assert.Equal(t, "admitad", ch)

	_, ok = NewStore(jar, "other.org").Channel(ctx)
	assert.False(t, ok)
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	now := t0
	s := NewStore(NewMemoryJar(), "example.com", WithClock(fixedNow(&now)))
	s.SetVisitorIdentity(ctx, "uid-9")
	s.SetOriginPartner(ctx, "pid-3")
	s.SetChannel(ctx, "admitad")

	snap := s.Snapshot(ctx)
	assert.Equal(t, "uid-9", snap.VisitorID)
	assert.Equal(t, "pid-3", snap.OriginPartnerID)
	assert.Equal(t, "admitad", snap.Channel)
	assert.Equal(t, t0, snap.TakenAt)
}

type failingJar struct{ MemoryJar }

func (*failingJar) Get(context.Context, string, string, time.Time) (Slot, bool, error) {
	return Slot{}, false, errors.New("disk on fire")
}

func (*failingJar) Put(context.Context, Slot) error { return errors.New("disk on fire") }

func TestStore_JarFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	s := NewStore(&failingJar{}, "example.com")

	assert.NotPanics(t, func() { s.SetChannel(ctx, "google") })
	_, ok := s.Channel(ctx)
	assert.False(t, ok)
}

func TestHTTPJar_RoundTrip(t *testing.T) {
	now := t0
	jar := NewMemoryJar()
	hj := NewHTTPJar(jar, DefaultTTL, fixedNow(&now), nil)

	u, err := url.Parse("https://www.example.com/s/init-tracking")
	require.NoError(t, err)

	hj.SetCookies(u, []*http.Cookie{
		{Name: "_adm_aid", Value: "uid-1", MaxAge: 3600, HttpOnly: true},
		{Name: "_last_source", Value: "admitad"},
	})

	other, err := url.Parse("https://pay.example.com/s/track-conversion")
	require.NoError(t, err)
	cookies := hj.Cookies(other)
	require.Len(t, cookies, 2)
	assert.Equal(t, "_adm_aid", cookies[0].Name)
	assert.Equal(t, "uid-1", cookies[0].Value)

	now = t0.Add(2 * time.Hour)
	cookies = hj.Cookies(other)
	require.Len(t, cookies, 1, "max-age cookie expired")
	assert.Equal(t, "_last_source", cookies[0].Name)
}

func TestHTTPJar_NegativeMaxAgeDeletes(t *testing.T) {
	jar := NewMemoryJar()
	hj := NewHTTPJar(jar, 0, nil, nil)
	u, _ := url.Parse("https://example.com/")

	hj.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1"}})
	require.Len(t, hj.Cookies(u), 1)

	hj.SetCookies(u, []*http.Cookie{{Name: "a", MaxAge: -1}})
	assert.Empty(t, hj.Cookies(u))
}
