package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Response is a fetched payload.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher retrieves one URL. Errors are transport failures only; HTTP statuses are reported in the Response.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Response, error)
}

// HTTPFetcher fetches over HTTP(S), reading at most maxBodyBytes of each body.
type HTTPFetcher struct { // Implements Fetcher.
	client       *http.Client
	maxBodyBytes int64
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(client *http.Client, maxBodyBytes int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, maxBodyBytes: maxBodyBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	request.Header.Set("Accept", "application/json, */*;q=0.8")
	response, err := f.client.Do(request)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(response.Body, f.maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	return Response{StatusCode: response.StatusCode, ContentType: response.Header.Get("Content-Type"), Body: body}, nil
}
