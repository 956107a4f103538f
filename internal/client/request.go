package client

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// rpcRequest is the JSON-RPC 2.0 request envelope sent upstream.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// newTraceID tags one logical call for log correlation across retries and
// provider switches.
func newTraceID() string {
	return uuid.NewString()
}

func wireID(n int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", n))
}
