package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/metrics"
	"github.com/roach88/convtrack/internal/store"
	"github.com/roach88/convtrack/internal/testutil"
)

// upstream records postbacks the sender delivers.
type upstream struct {
	mu      sync.Mutex
	status  int
	queries []url.Values
}

func (u *upstream) received() []url.Values {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]url.Values(nil), u.queries...)
}

type fixture struct {
	gw       *Server
	store    *store.Store
	upstream *upstream
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, status int) *fixture {
	t.Helper()
	up := &upstream{status: status}
	upSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.mu.Lock()
		up.queries = append(up.queries, r.URL.Query())
		up.mu.Unlock()
		w.WriteHeader(up.status)
	}))
	t.Cleanup(upSrv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.New()
	clock := testutil.NewManualClock(time.Time{})
	gw := New(Config{
		PostbackURL:  upSrv.URL,
		CampaignCode: "camp-1",
		PostbackKey:  "secret",
	}, st, WithMetrics(m), WithClock(clock.Now))
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	return &fixture{gw: gw, store: st, upstream: up, metrics: m}
}

func (f *fixture) post(t *testing.T, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

// drain waits for every queued postback to be sent.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.gw.Close(ctx))
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func partnerCookies() []*http.Cookie {
	return []*http.Cookie{
		{Name: CookieVisitorID, Value: "uid-1"},
		{Name: CookiePublisherID, Value: "pub-9"},
		{Name: CookieLastSource, Value: "admitad"},
	}
}

func sampleConversion(orderID string) conversion.Payload {
	return conversion.Payload{
		OrderID:     orderID,
		OrderAmount: 25,
		PaymentType: "sale",
		Items: []conversion.PayloadItem{
			{ID: "p1", Price: 12.5, Quantity: 2},
		},
	}
}

func TestInitTracking_SetsCookies(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	rec := f.post(t, RouteInit, map[string]any{
		"admitad_uid": "uid-1",
		"pid":         "pub-9",
		"gclid":       "g-1",
		"fbclid":      nil,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cookies initiated", decodeResponse(t, rec)["status"])

	got := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		got[c.Name] = c
	}
	require.Contains(t, got, CookieVisitorID)
	require.Contains(t, got, CookiePublisherID)
	require.Contains(t, got, CookieLastSource)
	assert.Equal(t, "uid-1", got[CookieVisitorID].Value)
	assert.Equal(t, "advAutoMarkup", got[CookieLastSource].Value)
	for _, c := range got {
		assert.True(t, c.HttpOnly, c.Name)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite, c.Name)
		assert.Equal(t, 90*24*60*60, c.MaxAge, c.Name)
	}
}

func TestInitTracking_SourcePrecedence(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	rec := f.post(t, RouteInit, map[string]any{"utm_source": "admitad", "gclid": "g", "fbclid": "f"})
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieLastSource, cookies[0].Name)
	assert.Equal(t, "admitad", cookies[0].Value)

	rec = f.post(t, RouteInit, map[string]any{"fbclid": "f"})
	cookies = rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "facebook", cookies[0].Value)
}

func TestInitTracking_NoParamsSetsNothing(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	rec := f.post(t, RouteInit, map[string]any{"admitad_uid": ""})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestTrackConversion_PartnerCookieSchedulesPostback(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	rec := f.post(t, RouteConversion, sampleConversion("O-1"), partnerCookies()...)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Postback scheduled.", body["message"])

	f.drain(t)
	got := f.upstream.received()
	require.Len(t, got, 1)
	assert.Equal(t, "O-1", got[0].Get("order_id"))
	assert.Equal(t, "uid-1", got[0].Get("uid"))
	assert.Equal(t, "pub-9", got[0].Get("publisher_id"))
	assert.Equal(t, "secret", got[0].Get("postback_key"))
	assert.NotEmpty(t, got[0].Get("_ps"))

	key, err := conversion.Key(conversion.KindSale, "O-1")
	require.NoError(t, err)
	pb, ok, err := f.store.GetPostback(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.PostbackSent, pb.Status)
	assert.Equal(t, ReasonCookie, pb.Reason)
	assert.Equal(t, 1, pb.Attempts)
}

func TestTrackConversion_OtherSourceIsDeduplicated(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	rec := f.post(t, RouteConversion, sampleConversion("O-2"),
		&http.Cookie{Name: CookieVisitorID, Value: "uid-1"},
		&http.Cookie{Name: CookieLastSource, Value: "google"},
	)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, "deduplicated", body["status"])
	assert.Equal(t, "google", body["source"])

	f.drain(t)
	assert.Empty(t, f.upstream.received())
	list, err := f.store.ListPostbacks(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTrackConversion_PromoCodeOverridesSource(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	p := sampleConversion("O-3")
	p.PromoCode = strPtr("PARTNER10")
	rec := f.post(t, RouteConversion, p, &http.Cookie{Name: CookieLastSource, Value: "facebook"})
	assert.Equal(t, "success", decodeResponse(t, rec)["status"])

	f.drain(t)
	got := f.upstream.received()
	require.Len(t, got, 1)
	assert.Equal(t, "PARTNER10", got[0].Get("promocode"))
}

func TestTrackConversion_RepeatIsNotResent(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	first := f.post(t, RouteConversion, sampleConversion("O-4"), partnerCookies()...)
	second := f.post(t, RouteConversion, sampleConversion("O-4"), partnerCookies()...)
	assert.Equal(t, "success", decodeResponse(t, first)["status"])
	assert.Equal(t, "duplicate", decodeResponse(t, second)["status"])

	f.drain(t)
	assert.Len(t, f.upstream.received(), 1)
}

func TestTrackConversion_FallsBackToPayloadAttribution(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	p := sampleConversion("O-5")
	p.VisitorID = "uid-from-page"
	p.Channel = "admitad"
	rec := f.post(t, RouteConversion, p)
	assert.Equal(t, "success", decodeResponse(t, rec)["status"])

	f.drain(t)
	got := f.upstream.received()
	require.Len(t, got, 1)
	assert.Equal(t, "uid-from-page", got[0].Get("uid"))
}

func TestTrackConversion_CookiesBeatPayload(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	p := sampleConversion("O-6")
	p.VisitorID = "uid-from-page"
	p.Channel = "admitad"
	rec := f.post(t, RouteConversion, p, &http.Cookie{Name: CookieLastSource, Value: "google"})
	body := decodeResponse(t, rec)
	assert.Equal(t, "deduplicated", body["status"])
	assert.Equal(t, "google", body["source"])
}

func TestTrackConversion_InvalidInput(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	req := httptest.NewRequest(http.MethodPost, RouteConversion, bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, "error", body["status"])
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidInput, errBody["code"])

	p := sampleConversion("")
	rec = f.post(t, RouteConversion, p, partnerCookies()...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p = sampleConversion("O-7")
	p.PaymentType = "refund"
	rec = f.post(t, RouteConversion, p, partnerCookies()...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrackConversion_UpstreamFailureRecorded(t *testing.T) {
	f := newFixture(t, http.StatusInternalServerError)

	f.post(t, RouteConversion, sampleConversion("O-8"), partnerCookies()...)
	f.drain(t)

	key, err := conversion.Key(conversion.KindSale, "O-8")
	require.NoError(t, err)
	pb, ok, err := f.store.GetPostback(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.PostbackFailed, pb.Status)
	assert.Contains(t, pb.LastError, "500")
}

func TestFlush_KeepsSenderRunning(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	ctx := context.Background()

	f.post(t, RouteConversion, sampleConversion("F-1"), partnerCookies()...)
	require.NoError(t, f.gw.Flush(ctx))
	assert.Len(t, f.upstream.received(), 1)

	f.post(t, RouteConversion, sampleConversion("F-2"), partnerCookies()...)
	require.NoError(t, f.gw.Flush(ctx))
	assert.Len(t, f.upstream.received(), 2)
}

func TestTrackConversion_AfterCloseIsUnavailable(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	f.drain(t)

	rec := f.post(t, RouteConversion, sampleConversion("O-9"), partnerCookies()...)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTrackConversion_FullQueueCanBeRetried(t *testing.T) {
	arrived := make(chan string, 4)
	release := make(chan struct{})
	up := &upstream{status: http.StatusOK}
	upSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- r.URL.Query().Get("order_id")
		<-release
		up.mu.Lock()
		up.queries = append(up.queries, r.URL.Query())
		up.mu.Unlock()
		w.WriteHeader(up.status)
	}))
	t.Cleanup(upSrv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gw := New(Config{
		PostbackURL:  upSrv.URL,
		CampaignCode: "camp-1",
		PostbackKey:  "secret",
		QueueSize:    1,
	}, st)
	f := &fixture{gw: gw, store: st, upstream: up}

	// Q-1 occupies the worker, Q-2 fills the queue.
	rec := f.post(t, RouteConversion, sampleConversion("Q-1"), partnerCookies()...)
	require.Equal(t, "success", decodeResponse(t, rec)["status"])
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("first postback never reached the partner")
	}
	rec = f.post(t, RouteConversion, sampleConversion("Q-2"), partnerCookies()...)
	require.Equal(t, "success", decodeResponse(t, rec)["status"])

	rec = f.post(t, RouteConversion, sampleConversion("Q-3"), partnerCookies()...)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	key, err := conversion.Key(conversion.KindSale, "Q-3")
	require.NoError(t, err)
	_, ok, err := st.GetPostback(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok, "rejected conversion must not keep a marker")

	unblock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Flush(ctx))

	rec = f.post(t, RouteConversion, sampleConversion("Q-3"), partnerCookies()...)
	assert.Equal(t, "success", decodeResponse(t, rec)["status"])
	require.NoError(t, gw.Close(ctx))

	var orders []string
	for _, q := range up.received() {
		orders = append(orders, q.Get("order_id"))
	}
	assert.ElementsMatch(t, []string{"Q-1", "Q-2", "Q-3"}, orders)

	pb, ok, err := st.GetPostback(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.PostbackSent, pb.Status)
}

func TestTrackConversion_GatewayCookiesDisablePayloadFallback(t *testing.T) {
	f := newFixture(t, http.StatusOK)

	p := sampleConversion("O-10")
	p.VisitorID = "uid-from-page"
	p.Channel = "admitad"
	rec := f.post(t, RouteConversion, p, &http.Cookie{Name: CookieVisitorID, Value: "uid-1"})
	body := decodeResponse(t, rec)
	assert.Equal(t, "deduplicated", body["status"])
	assert.NotContains(t, body, "source")

	f.drain(t)
	assert.Empty(t, f.upstream.received())
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	f := newFixture(t, http.StatusOK)
	h := f.gw.Handler()

	req := httptest.NewRequest(http.MethodGet, RouteHealth, nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, RouteHealth, nil))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, RouteMetrics, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(out), `convtrack_gateway_requests_total{code="200",route="/healthz"} 2`)
}
