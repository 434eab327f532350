package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"time"

	"github.com/roach88/convtrack/internal/attribution"
	"github.com/roach88/convtrack/internal/bus"
	"github.com/roach88/convtrack/internal/conversion"
	"github.com/roach88/convtrack/internal/delivery"
	"github.com/roach88/convtrack/internal/gateway"
	"github.com/roach88/convtrack/internal/store"
	"github.com/roach88/convtrack/internal/testutil"
	"github.com/roach88/convtrack/internal/tracker"
)

// Step names.
const (
	StepPageLoad      = "page.load"
	StepPagePush      = "page.push"
	StepPageConfigure = "page.configure"
	StepPageTrigger   = "page.trigger"
	StepPageStash     = "page.stash"
	StepPageUnload    = "page.unload"
	StepPageWait      = "page.wait"
	StepSessionSet    = "session.set"
	StepJarPut        = "jar.put"
	StepPartnerStatus = "partner.status"
)

var steps = map[string]bool{
	StepPageLoad: true, StepPagePush: true, StepPageConfigure: true,
	StepPageTrigger: true, StepPageStash: true, StepPageUnload: true,
	StepPageWait: true, StepSessionSet: true, StepJarPut: true,
	StepPartnerStatus: true,
}

func knownStep(name string) bool { return steps[name] }

// DefaultHost is the storefront host used by jar.put when no domain is
// given.
const DefaultHost = "shop.example.com"

// settleTimeout bounds how long a step may leave requests in flight.
const settleTimeout = 10 * time.Second

var errNoPage = errors.New("no page loaded")

// Harness owns one scenario run: a fresh store, a gateway, and a browser
// with a single tab, all on a simulated network with a manual clock.
type Harness struct {
	store   *store.Store
	gateway *gateway.Server
	network *Network
	browser *tracker.Browser
	tab     *tracker.Tab
	page    *tracker.Page
	clock   *testutil.ManualClock
	logger  *slog.Logger
	seq     int64
}

// Option configures a run.
type Option func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger routes tracker and gateway logs to l. Runs are silent by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database. Page ids come
// from a fixed generator and time only moves when a step moves it, so the
// same scenario always yields the same trace.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	settings, err := scenario.Settings()
	if err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}
	tcfg, err := settings.TrackerConfig()
	if err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}
	gcfg := settings.GatewayConfig()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewManualClock(time.Time{})
	network := NewNetwork(hostOf(gcfg.PostbackURL), hostOf(tcfg.Delivery.PixelURL))

	gw := gateway.New(gcfg, st,
		gateway.WithLogger(o.logger),
		gateway.WithClock(clock.Now),
		gateway.WithPostbackClient(&http.Client{
			Transport: network.Transport(CallerGateway),
			Timeout:   gcfg.PostbackTimeout,
		}),
	)
	network.Mount(gw.Handler())

	browser := tracker.NewBrowser(st.Jar(), tcfg,
		tracker.WithTransport(network.Transport(CallerBrowser)),
		tracker.WithClock(clock),
		tracker.WithIDGenerator(testutil.NewFixedIDGenerator("page")),
		tracker.WithLogger(o.logger),
	)

	h := &Harness{
		store:   st,
		gateway: gw,
		network: network,
		browser: browser,
		tab:     browser.NewTab(),
		clock:   clock,
		logger:  o.logger,
	}

	ctx := context.Background()
	result := NewResult()
	defer func() {
		closeCtx, cancel := context.WithTimeout(ctx, settleTimeout)
		defer cancel()
		_ = gw.Close(closeCtx)
	}()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		if _, _, err := h.execute(ctx, step.Action, step.Args, result); err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
	}
	return nil
}

func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		outputCase, out, err := h.execute(ctx, step.Invoke, step.Args, result)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}
		if step.Expect == nil {
			continue
		}
		if outputCase != step.Expect.Case {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected case %q, got %q",
				i, step.Invoke, step.Expect.Case, outputCase))
			continue
		}
		if !matchArgs(out, step.Expect.Result) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected result %v, got %v",
				i, step.Invoke, step.Expect.Result, out))
		}
	}
	return nil
}

// execute runs one step and appends its invocation, the requests it caused
// and its completion to the trace.
func (h *Harness) execute(ctx context.Context, action string, args map[string]any, result *Result) (string, map[string]any, error) {
	var traceArgs any
	if len(args) > 0 {
		traceArgs = args
	}
	result.AddInvocationTrace(action, traceArgs, h.next())

	outputCase, out, err := h.dispatch(ctx, action, args)
	if err != nil {
		return "", nil, err
	}
	if err := h.settle(ctx); err != nil {
		return "", nil, err
	}
	for _, ex := range h.network.Drain() {
		result.AddRequestTrace(ex.Name, ex.Args, ex.Result, h.next())
	}

	var traced any
	if len(out) > 0 {
		traced = out
	}
	result.AddCompletionTrace(outputCase, traced, h.next())

	h.logger.Debug("step completed", "action", action, "output_case", outputCase)
	return outputCase, out, nil
}

func (h *Harness) next() int64 {
	h.seq++
	return h.seq
}

// settle waits for the current page's requests and the postback queue.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if h.page != nil {
		if err := h.page.Wait(ctx); err != nil {
			return fmt.Errorf("page requests did not finish: %w", err)
		}
	}
	return h.gateway.Flush(ctx)
}

func (h *Harness) dispatch(ctx context.Context, action string, args map[string]any) (string, map[string]any, error) {
	switch action {
	case StepPageLoad:
		return h.load(ctx, args)
	case StepJarPut:
		return h.jarPut(ctx, args)
	case StepSessionSet:
		key, err := stringArg(args, "key", true)
		if err != nil {
			return "", nil, err
		}
		value, err := rawArg(args, "value")
		if err != nil {
			return "", nil, err
		}
		h.tab.Storage().Set(key, value)
		return "Set", nil, nil
	case StepPartnerStatus:
		code, ok := args["code"].(int)
		if !ok || code < 100 || code > 599 {
			return "", nil, fmt.Errorf("code must be an HTTP status, got %v", args["code"])
		}
		h.network.SetPartnerStatus(code)
		return "Set", nil, nil
	}

	if h.page == nil {
		return "", nil, errNoPage
	}
	switch action {
	case StepPagePush:
		h.page.Push(bus.Event(copyMap(args)))
		return "Pushed", map[string]any{"conversions": len(h.page.Conversions())}, nil
	case StepPageConfigure:
		h.page.Configure(dataSource(args))
		return "Configured", nil, nil
	case StepPageTrigger:
		if !h.page.TriggerPurchase() {
			return "Rejected", nil, nil
		}
		return "Triggered", nil, nil
	case StepPageStash:
		if !h.page.Stash(bus.Event(copyMap(args))) {
			return "Rejected", nil, nil
		}
		return "Stashed", nil, nil
	case StepPageUnload:
		finished := h.page.Unload(ctx)
		h.page = nil
		return "Unloaded", map[string]any{"finished": finished}, nil
	case StepPageWait:
		return "Idle", nil, nil
	}
	return "", nil, fmt.Errorf("unknown action %q", action)
}

// load navigates the tab. The previous page, if any, is unloaded first.
func (h *Harness) load(ctx context.Context, args map[string]any) (string, map[string]any, error) {
	rawURL, err := stringArg(args, "url", true)
	if err != nil {
		return "", nil, err
	}
	var initial []bus.Event
	if dl, ok := args["data_layer"]; ok {
		list, ok := dl.([]any)
		if !ok {
			return "", nil, fmt.Errorf("data_layer must be a list")
		}
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return "", nil, fmt.Errorf("data_layer[%d] must be a mapping", i)
			}
			initial = append(initial, bus.Event(copyMap(m)))
		}
	}

	if h.page != nil {
		h.page.Unload(ctx)
		h.page = nil
	}
	p, err := h.tab.Load(ctx, rawURL, initial...)
	if err != nil {
		return "", nil, err
	}
	h.page = p

	out := map[string]any{
		"page_id": p.ID,
		"applied": p.Decision.Applied,
		"drained": p.Drained(),
	}
	if p.Decision.Candidate != "" {
		out["candidate"] = p.Decision.Candidate
		out["rule"] = p.Decision.Rule
	}
	return "Loaded", out, nil
}

func (h *Harness) jarPut(ctx context.Context, args map[string]any) (string, map[string]any, error) {
	name, err := stringArg(args, "name", true)
	if err != nil {
		return "", nil, err
	}
	value, err := stringArg(args, "value", true)
	if err != nil {
		return "", nil, err
	}
	host, err := stringArg(args, "domain", false)
	if err != nil {
		return "", nil, err
	}
	if host == "" {
		host = DefaultHost
	}
	ttl := h.browser.Config().CookieTTL
	if ttl <= 0 {
		ttl = attribution.DefaultTTL
	}
	if days, ok := args["ttl_days"].(int); ok {
		ttl = time.Duration(days) * 24 * time.Hour
	}
	now := h.clock.Now()
	err = h.store.Jar().Put(ctx, attribution.Slot{
		Domain:    attribution.RegistrableDomain(host),
		Name:      name,
		Value:     value,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	})
	if err != nil {
		return "", nil, err
	}
	return "Stored", nil, nil
}

// dataSource turns step args into manual trigger getters. Absent keys
// stay nil so Configure merges them away.
func dataSource(args map[string]any) delivery.DataSource {
	var ds delivery.DataSource
	getter := func(key string) func() any {
		v, ok := args[key]
		if !ok {
			return nil
		}
		return func() any { return v }
	}
	ds.OrderID = getter("order_id")
	ds.Amount = getter("amount")
	ds.Currency = getter("currency")
	ds.Items = getter("items")
	if k, ok := args["kind"].(string); ok {
		kind := conversion.Kind(k)
		ds.Kind = func() conversion.Kind { return kind }
	}
	return ds
}

func stringArg(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok {
		if required {
			return "", fmt.Errorf("%s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// rawArg returns a string value as is and any other value as JSON, which
// is how a storefront script writes structured values to session storage.
func rawArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return string(b), nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// canonical normalizes v through JSON so YAML integers and decoded JSON
// numbers compare equal.
func canonical(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(canonical(a), canonical(b))
}
