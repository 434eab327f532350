package harness

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/convtrack/internal/gateway"
)

// Callers on the simulated network.
const (
	CallerBrowser = "browser"
	CallerGateway = "gateway"
)

// Request names as they appear in the trace.
const (
	RequestInit       = "collector.init"
	RequestConversion = "collector.conversion"
	RequestPixel      = "partner.pixel"
	RequestPostback   = "partner.postback"
)

var requestRank = map[string]int{
	RequestInit:       0,
	RequestConversion: 1,
	RequestPixel:      2,
	RequestPostback:   3,
}

// Exchange is one request observed on the network.
type Exchange struct {
	Name   string
	Args   map[string]any
	Result map[string]any
}

// Network is an in-process network. Requests to the partner host are
// answered by the partner stub; every other host is the storefront and is
// served by the gateway handler.
type Network struct {
	storefront   http.Handler
	partnerHosts map[string]bool
	partnerCode  int

	mu   sync.Mutex
	seen []Exchange
}

// NewNetwork creates a network where partnerHosts reach the partner stub.
func NewNetwork(partnerHosts ...string) *Network {
	n := &Network{
		storefront:   http.NotFoundHandler(),
		partnerHosts: map[string]bool{},
		partnerCode:  http.StatusOK,
	}
	for _, h := range partnerHosts {
		if h != "" {
			n.partnerHosts[strings.ToLower(h)] = true
		}
	}
	return n
}

// Mount serves storefront requests with h. Call it before any traffic.
func (n *Network) Mount(h http.Handler) {
	n.storefront = h
}

// SetPartnerStatus sets the status the partner stub answers with.
func (n *Network) SetPartnerStatus(code int) {
	n.mu.Lock()
	n.partnerCode = code
	n.mu.Unlock()
}

// Transport returns a round tripper that attributes requests to caller.
func (n *Network) Transport(caller string) http.RoundTripper {
	return roundTripper{net: n, caller: caller}
}

// Drain returns the exchanges observed since the last call, ordered by
// endpoint and then by arrival.
func (n *Network) Drain() []Exchange {
	n.mu.Lock()
	out := n.seen
	n.seen = nil
	n.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].Name) < rank(out[j].Name)
	})
	return out
}

func rank(name string) int {
	if r, ok := requestRank[name]; ok {
		return r
	}
	return len(requestRank)
}

func (n *Network) record(ex Exchange) {
	n.mu.Lock()
	n.seen = append(n.seen, ex)
	n.mu.Unlock()
}

type roundTripper struct {
	net    *Network
	caller string
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	in := req.Clone(req.Context())
	in.RequestURI = req.URL.RequestURI()
	in.RemoteAddr = "192.0.2.10:40000"
	in.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		in.Body = http.NoBody
	}

	rec := httptest.NewRecorder()
	var name string
	if rt.net.partnerHosts[strings.ToLower(req.URL.Hostname())] {
		name = RequestPixel
		if rt.caller == CallerGateway {
			name = RequestPostback
		}
		rt.net.mu.Lock()
		code := rt.net.partnerCode
		rt.net.mu.Unlock()
		rec.WriteHeader(code)
	} else {
		name = storefrontRequest(req.URL.Path)
		rt.net.storefront.ServeHTTP(rec, in)
	}

	resp := rec.Result()
	resp.Request = req
	rt.net.record(Exchange{
		Name:   name,
		Args:   requestArgs(req, body),
		Result: responseResult(resp.StatusCode, rec.Body.Bytes()),
	})
	return resp, nil
}

func storefrontRequest(path string) string {
	switch path {
	case gateway.RouteInit:
		return RequestInit
	case gateway.RouteConversion:
		return RequestConversion
	default:
		return "collector" + strings.ReplaceAll(path, "/", ".")
	}
}

// requestArgs is the JSON body of a POST, or the first value of every
// query parameter otherwise.
func requestArgs(req *http.Request, body []byte) map[string]any {
	if len(body) > 0 {
		var args map[string]any
		if err := json.Unmarshal(body, &args); err == nil {
			return args
		}
		return map[string]any{"body": string(body)}
	}
	args := map[string]any{}
	for k, vs := range req.URL.Query() {
		if len(vs) == 0 {
			continue
		}
		args[k] = vs[0]
		if k == "postback_key" {
			args[k] = "********"
		}
	}
	return args
}

func responseResult(code int, body []byte) map[string]any {
	out := map[string]any{"code": code}
	var parsed struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Status != "" {
		out["status"] = parsed.Status
	}
	return out
}
