package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	rpcURL              = flag.String("rpc_url", "http://localhost:8545", "JSON-RPC endpoint of the ledger.")
	rpcMethodPrefix     = flag.String("rpc_method_prefix", "ledger_", "Prefix of every ledger JSON-RPC method name.")
	rpcMaxResponseBytes = flag.Int64("rpc_max_response_bytes", 4<<20, "Upper bound on a JSON-RPC response body.")
)

// Methods holds the JSON-RPC method names of each query.
type Methods struct {
	ContainerExists string
	GetContainer    string
	ItemExists      string
	GetItem         string
	ListByOwner     string
	Ping            string
}

// MethodsWithPrefix names every method `prefix` + its camel case query name.
func MethodsWithPrefix(prefix string) Methods {
	return Methods{
		ContainerExists: prefix + "containerExists",
		GetContainer:    prefix + "getContainer",
		ItemExists:      prefix + "itemExists",
		GetItem:         prefix + "getItem",
		ListByOwner:     prefix + "listByOwner",
		Ping:            prefix + "ping",
	}
}

type JSONRPCOptions struct {
	URL              string
	Methods          Methods
	MaxResponseBytes int64
	// HTTPClient overrides the default pooled client. Deadlines come from the per-call context.
	HTTPClient *http.Client
}

func JSONRPCOptionsFromFlags() JSONRPCOptions {
	return JSONRPCOptions{
		URL:              *rpcURL,
		Methods:          MethodsWithPrefix(*rpcMethodPrefix),
		MaxResponseBytes: *rpcMaxResponseBytes,
	}
}

// JSONRPCClient implements Client over JSON-RPC 2.0 on HTTP. It performs exactly one request per call; pacing,
// retries and timeouts belong to the executor wrapping it.
type JSONRPCClient struct { // Implements Client.
	url        string
	methods    Methods
	maxBytes   int64
	httpClient *http.Client
}

var _ Client = (*JSONRPCClient)(nil)

func NewJSONRPCClient(opts JSONRPCOptions) (*JSONRPCClient, error) {
	if opts.URL == "" {
		return nil, errors.New("expected a non-empty rpc url")
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 4 << 20
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100, // The default of 2 serializes batch fan-out.
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		}}
	}
	return &JSONRPCClient{url: opts.URL, methods: opts.Methods, maxBytes: opts.MaxResponseBytes,
		httpClient: httpClient}, nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

// call sends one request and decodes its result into `result`.
func (c *JSONRPCClient) call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	request := jsonRPCRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params}
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, c.maxBytes+1))
	if err != nil {
		return fmt.Errorf("rpc %s: failed to read response: %w", method, err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		return &RPCError{Method: method, StatusCode: httpResponse.StatusCode,
			Message: strings.TrimSpace(string(payload[:min(len(payload), 512)]))}
	}
	if int64(len(payload)) > c.maxBytes {
		return fmt.Errorf("rpc %s: response exceeds %d bytes", method, c.maxBytes)
	}

	var response jsonRPCResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return fmt.Errorf("rpc %s: malformed response: %w", method, err)
	}
	if response.Error != nil {
		return &RPCError{Method: method, StatusCode: http.StatusOK, Code: response.Error.Code,
			Message: response.Error.Message}
	}
	if response.ID != request.ID {
		return fmt.Errorf("rpc %s: response id %q does not match request id %q", method, response.ID, request.ID)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("rpc %s: malformed result: %w", method, err)
	}
	return nil
}

func (c *JSONRPCClient) ContainerExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := c.call(ctx, c.methods.ContainerExists, &exists, id)
	return exists, err
}

func (c *JSONRPCClient) GetContainer(ctx context.Context, id int64) (Container, error) {
	var container Container
	if err := c.call(ctx, c.methods.GetContainer, &container, id); err != nil {
		return Container{}, err
	}
	container.ID = id
	container.Owner = normalizeAddress(container.Owner)
	container.Metadata = nil // Enrichment is the engine's job.
	return container, nil
}

func (c *JSONRPCClient) ItemExists(ctx context.Context, containerID, itemID int64) (bool, error) {
	var exists bool
	err := c.call(ctx, c.methods.ItemExists, &exists, containerID, itemID)
	return exists, err
}

func (c *JSONRPCClient) GetItem(ctx context.Context, containerID, itemID int64) (Item, error) {
	var item Item
	if err := c.call(ctx, c.methods.GetItem, &item, containerID, itemID); err != nil {
		return Item{}, err
	}
	item.ContainerID, item.ItemID = containerID, itemID
	item.Owner = normalizeAddress(item.Owner)
	item.Metadata = nil
	return item, nil
}

func (c *JSONRPCClient) ListByOwner(ctx context.Context, owner Address, containerID *int64) ([]ItemRef, error) {
	params := []any{string(owner)}
	if containerID != nil {
		params = append(params, *containerID)
	}
	var refs []ItemRef
	if err := c.call(ctx, c.methods.ListByOwner, &refs, params...); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *JSONRPCClient) Ping(ctx context.Context) error {
	return c.call(ctx, c.methods.Ping, nil)
}
