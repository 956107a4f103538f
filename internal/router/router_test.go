package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"aegis/internal/client"
	"aegis/internal/metrics"
	"aegis/internal/provider"
)

func testStack(t *testing.T) (*client.MockServer, *httptest.Server) {
	t.Helper()
	upstream := client.NewMockServer()
	t.Cleanup(upstream.Close)

	p := provider.Profile{
		Name:        "ankr",
		Chain:       "ethereum",
		ChainID:     1,
		URLTemplate: upstream.URL,
		RateLimit: provider.RateLimitConfig{
			Strategy:          provider.StrategySlidingWindow,
			RequestsPerSecond: 1000,
		},
		PoolSize:       4,
		RequestTimeout: 2 * time.Second,
	}
	m := metrics.New()
	c, err := client.New(client.Config{Chains: map[string][]provider.Profile{"ethereum": {p}}}, m, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	srv := New("127.0.0.1:0", c, m, zap.NewNop())
	local := httptest.NewServer(srv.Handler)
	t.Cleanup(local.Close)
	return upstream, local
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestSingleRequestPreservesID(t *testing.T) {
	_, local := testStack(t)

	resp, body := post(t, local.URL+"/ethereum",
		`{"jsonrpc":"2.0","id":"abc-123","method":"eth_getBalance","params":["0x0","latest"]}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if string(out.ID) != `"abc-123"` {
		t.Errorf("id = %s, caller id must round-trip untouched", out.ID)
	}
	if out.JSONRPC != "2.0" || string(out.Result) != `"0x0"` {
		t.Errorf("response = %s", body)
	}
}

func TestParseError(t *testing.T) {
	_, local := testStack(t)

	resp, body := post(t, local.URL+"/ethereum", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `-32700`) {
		t.Errorf("body = %s, want parse error code", body)
	}
}

func TestMissingMethodInvalidRequest(t *testing.T) {
	_, local := testStack(t)

	resp, body := post(t, local.URL+"/ethereum", `{"jsonrpc":"2.0","id":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `-32600`) {
		t.Errorf("body = %s", body)
	}
}

func TestBatchPreservesOrderAndIDs(t *testing.T) {
	_, local := testStack(t)

	resp, body := post(t, local.URL+"/ethereum", `[
		{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"},
		{"jsonrpc":"2.0","id":2,"method":"eth_chainId"},
		{"jsonrpc":"2.0","id":3}
	]`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out []struct {
		ID    json.RawMessage `json:"id"`
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d responses", len(out))
	}
	for i, want := range []string{"1", "2", "3"} {
		if string(out[i].ID) != want {
			t.Errorf("response %d id = %s, order must match the request array", i, out[i].ID)
		}
	}
	if out[2].Error == nil || out[2].Error.Code != -32600 {
		t.Errorf("methodless entry = %+v, want invalid request", out[2])
	}
}

func TestEmptyBatchRejected(t *testing.T) {
	_, local := testStack(t)

	resp, body := post(t, local.URL+"/ethereum", `[]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `-32600`) {
		t.Errorf("body = %s", body)
	}
}

func TestUnknownChain404(t *testing.T) {
	_, local := testStack(t)

	resp, _ := post(t, local.URL+"/solana", `{"jsonrpc":"2.0","id":1,"method":"getSlot"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestGetNotAllowedOnRPC(t *testing.T) {
	_, local := testStack(t)

	resp, err := http.Get(local.URL + "/ethereum")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestUpstreamFailureBecomesErrorEnvelope(t *testing.T) {
	upstream, local := testStack(t)
	upstream.Enqueue(client.MockResponse{StatusCode: 503, Body: []byte("down")})

	resp, body := post(t, local.URL+"/ethereum", `{"jsonrpc":"2.0","id":7,"method":"eth_getBalance"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		ID    json.RawMessage `json:"id"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error == nil || out.Error.Code != -32603 {
		t.Fatalf("body = %s, want internal error envelope", body)
	}
	if string(out.ID) != "7" {
		t.Errorf("id = %s", out.ID)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, local := testStack(t)

	resp, err := http.Get(local.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Healthy {
		t.Error("fresh stack should report healthy")
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, local := testStack(t)

	post(t, local.URL+"/ethereum", `{"jsonrpc":"2.0","id":1,"method":"eth_getBalance"}`)

	resp, err := http.Get(local.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Report metrics.Report `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Report.Chains["ethereum"].TotalRequests < 1 {
		t.Errorf("report = %+v", out.Report)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, local := testStack(t)

	post(t, local.URL+"/ethereum", `{"jsonrpc":"2.0","id":1,"method":"eth_getBalance"}`)

	resp, err := http.Get(local.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	exposition, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(exposition), "aegis_requests_total") {
		t.Error("exposition missing request counter")
	}
}
