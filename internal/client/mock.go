package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse is one scripted upstream answer. A zero StatusCode means 200.
type MockResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Result short-circuits Body with a success envelope echoing the
	// request id.
	Result string

	// Delay holds the response back before anything is written.
	Delay time.Duration
}

// MockRequest is one captured upstream request.
type MockRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	RPC     rpcRequest
}

// MockServer is a scripted JSON-RPC endpoint for tests. Without a script it
// behaves like a healthy node: eth_chainId and eth_blockNumber answer from
// its fields, everything else returns DefaultResult.
type MockServer struct {
	*httptest.Server

	mu       sync.Mutex
	script   []MockResponse
	requests []MockRequest

	ChainID       string
	BlockNumber   string
	DefaultResult string
}

func NewMockServer() *MockServer {
	m := &MockServer{
		ChainID:       "0x1",
		BlockNumber:   "0x100",
		DefaultResult: `"0x0"`,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Enqueue appends scripted responses consumed in order before the default
// behavior resumes.
func (m *MockServer) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	m.script = append(m.script, responses...)
	m.mu.Unlock()
}

// Requests returns a copy of every captured request.
func (m *MockServer) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount reports how many requests the server has seen.
func (m *MockServer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var rpc rpcRequest
	_ = json.Unmarshal(body, &rpc)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
		Body:   body,
		RPC:    rpc,
	})
	var next *MockResponse
	if len(m.script) > 0 {
		next = &m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if next != nil {
		if next.Delay > 0 {
			time.Sleep(next.Delay)
		}
		for k, vs := range next.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		status := next.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if next.Result != "" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, idOrNull(rpc.ID), next.Result)
			return
		}
		w.Write(next.Body)
		return
	}

	var result string
	switch rpc.Method {
	case "eth_chainId":
		result = fmt.Sprintf("%q", m.ChainID)
	case "eth_blockNumber":
		result = fmt.Sprintf("%q", m.BlockNumber)
	default:
		result = m.DefaultResult
	}
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, idOrNull(rpc.ID), result)
}

func idOrNull(id json.RawMessage) string {
	if len(id) == 0 {
		return "null"
	}
	return string(id)
}

