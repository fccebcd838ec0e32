package ledger

import (
	"context"
	"fmt"
	"net/http"
)

// Client is the RPC collaborator exposing the ledger's point queries. Every call is a network round trip that may
// fail transiently (timeouts, 429, 5xx) or permanently (unknown id, malformed input).
type Client interface {
	ContainerExists(ctx context.Context, id int64) (bool, error)
	GetContainer(ctx context.Context, id int64) (Container, error)
	ItemExists(ctx context.Context, containerID, itemID int64) (bool, error)
	GetItem(ctx context.Context, containerID, itemID int64) (Item, error)
	// ListByOwner lists the items held by `owner`, optionally restricted to one container.
	ListByOwner(ctx context.Context, owner Address, containerID *int64) ([]ItemRef, error)
	// Ping checks that the endpoint is reachable.
	Ping(ctx context.Context) error
}

// RPCError is a failure reported by the endpoint: either a non-200 HTTP status or a JSON-RPC error object.
type RPCError struct {
	Method     string
	StatusCode int // HTTP status; 200 when the error came from a JSON-RPC error object.
	Code       int // JSON-RPC error code, 0 for HTTP level failures.
	Message    string
}

func (e *RPCError) Error() string {
	if e.StatusCode != http.StatusOK {
		return fmt.Sprintf("rpc %s: http %d %s: %s", e.Method, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("rpc %s: error %d: %s", e.Method, e.Code, e.Message)
}
