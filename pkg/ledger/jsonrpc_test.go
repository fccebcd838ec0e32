package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger answers JSON-RPC requests from a fixed set of containers and items.
func fakeLedger(t *testing.T, handle func(method string, params []json.RawMessage) (any, *jsonRPCError)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			ID     string            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(request.Method, request.Params)
		response := map[string]any{"jsonrpc": "2.0", "id": request.ID}
		if rpcErr != nil {
			response["error"] = rpcErr
		} else {
			response["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, url string) *JSONRPCClient {
	t.Helper()
	client, err := NewJSONRPCClient(JSONRPCOptions{URL: url, Methods: MethodsWithPrefix("ledger_"),
		MaxResponseBytes: 1 << 16})
	require.NoError(t, err)
	return client
}

func TestJSONRPCClient_Queries(t *testing.T) {
	server := fakeLedger(t, func(method string, params []json.RawMessage) (any, *jsonRPCError) {
		switch method {
		case "ledger_containerExists":
			return string(params[0]) == "1", nil
		case "ledger_getContainer":
			if string(params[0]) != "1" {
				return nil, &jsonRPCError{Code: -32000, Message: "nonexistent container"}
			}
			return map[string]any{"name": "first", "owner": "0x00000000000000000000000000000000000000AB",
				"metadata_uri": "ipfs://cid/1.json", "item_count": "12345678901234567890123", "is_active": true}, nil
		case "ledger_itemExists":
			return string(params[0]) == "1" && string(params[1]) == "2", nil
		case "ledger_getItem":
			return map[string]any{"owner": "0x00000000000000000000000000000000000000ab"}, nil
		case "ledger_listByOwner":
			if len(params) == 2 {
				return [][]int64{{1, 2}}, nil
			}
			return []map[string]int64{{"container_id": 1, "item_id": 2}, {"container_id": 4, "item_id": 9}}, nil
		case "ledger_ping":
			return "pong", nil
		}
		return nil, &jsonRPCError{Code: -32601, Message: "method not found"}
	})
	client := newTestClient(t, server.URL)
	ctx := context.Background()

	t.Run("container_exists", func(t *testing.T) {
		exists, err := client.ContainerExists(ctx, 1)
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = client.ContainerExists(ctx, 2)
		require.NoError(t, err)
		assert.False(t, exists)
	})
	t.Run("get_container", func(t *testing.T) {
		container, err := client.GetContainer(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), container.ID)
		assert.Equal(t, "first", container.Name)
		assert.Equal(t, Address("0x00000000000000000000000000000000000000ab"), container.Owner)
		assert.Equal(t, "12345678901234567890123", container.ItemCount.String())
		assert.True(t, container.IsActive)
		assert.Nil(t, container.Metadata)
	})
	t.Run("get_missing_container", func(t *testing.T) {
		_, err := client.GetContainer(ctx, 7)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32000, rpcErr.Code)
		assert.Equal(t, http.StatusOK, rpcErr.StatusCode)
		assert.Contains(t, err.Error(), "nonexistent")
	})
	t.Run("items", func(t *testing.T) {
		exists, err := client.ItemExists(ctx, 1, 2)
		require.NoError(t, err)
		assert.True(t, exists)
		item, err := client.GetItem(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, ItemRef{ContainerID: 1, ItemID: 2}, item.Ref())
	})
	t.Run("list_by_owner", func(t *testing.T) {
		refs, err := client.ListByOwner(ctx, "0x00000000000000000000000000000000000000ab", nil)
		require.NoError(t, err)
		assert.Equal(t, []ItemRef{{1, 2}, {4, 9}}, refs)

		containerID := int64(1)
		refs, err = client.ListByOwner(ctx, "0x00000000000000000000000000000000000000ab", &containerID)
		require.NoError(t, err)
		assert.Equal(t, []ItemRef{{1, 2}}, refs)
	})
	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, client.Ping(ctx))
	})
}

func TestJSONRPCClient_HTTPFailures(t *testing.T) {
	t.Run("rate_limited", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}))
		defer server.Close()
		_, err := newTestClient(t, server.URL).ContainerExists(context.Background(), 1)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, http.StatusTooManyRequests, rpcErr.StatusCode)
		assert.Contains(t, err.Error(), "Too Many Requests")
	})
	t.Run("oversized_response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"` + strings.Repeat("x", 1<<17) + `"}`))
		}))
		defer server.Close()
		err := newTestClient(t, server.URL).Ping(context.Background())
		assert.ErrorContains(t, err, "exceeds")
	})
	t.Run("malformed_response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}))
		defer server.Close()
		err := newTestClient(t, server.URL).Ping(context.Background())
		assert.ErrorContains(t, err, "malformed")
	})
	t.Run("canceled_context", func(t *testing.T) {
		server := fakeLedger(t, func(string, []json.RawMessage) (any, *jsonRPCError) { return true, nil })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := newTestClient(t, server.URL).Ping(ctx)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestParseAddress(t *testing.T) {
	address, err := ParseAddress("0x00000000000000000000000000000000000000AB")
	require.NoError(t, err)
	assert.Equal(t, Address("0x00000000000000000000000000000000000000ab"), address)

	address, err = ParseAddress("00000000000000000000000000000000000000ab")
	require.NoError(t, err)
	assert.Equal(t, Address("0x00000000000000000000000000000000000000ab"), address)

	for _, invalid := range []string{"", "0x12", "0xzz000000000000000000000000000000000000ab"} {
		_, err := ParseAddress(invalid)
		assert.Error(t, err, invalid)
	}
}
