package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

var (
	gateways = flag.String("metadata_gateways",
		"https://ipfs.io/ipfs/,https://cloudflare-ipfs.com/ipfs/,https://gateway.pinata.cloud/ipfs/",
		"Comma separated IPFS gateways, tried in order.")
	arweaveGateway = flag.String("metadata_arweave_gateway", "https://arweave.net/", "Arweave gateway.")
	fetchTimeout   = flag.Duration("metadata_fetch_timeout", 10*time.Second, "Timeout of one metadata fetch.")
	maxBodyBytes   = flag.Int64("metadata_max_body_bytes", 2<<20, "Upper bound on a fetched metadata body.")
)

type Options struct {
	Gateways       []string // First one is the primary gateway used for media URLs.
	ArweaveGateway string
	FetchTimeout   time.Duration
	MaxBodyBytes   int64
}

func OptionsFromFlags() Options {
	var gatewayList []string
	for _, gateway := range strings.Split(*gateways, ",") {
		if gateway = strings.TrimSpace(gateway); gateway != "" {
			gatewayList = append(gatewayList, gateway)
		}
	}
	return Options{
		Gateways:       gatewayList,
		ArweaveGateway: *arweaveGateway,
		FetchTimeout:   *fetchTimeout,
		MaxBodyBytes:   *maxBodyBytes,
	}
}

// Resolver turns metadata URIs into Documents.
type Resolver struct {
	fetcher Fetcher
	opts    Options
}

func NewResolver(fetcher Fetcher, opts Options) *Resolver {
	return &Resolver{fetcher: fetcher, opts: opts}
}

// ErrAllCandidatesFailed is returned when every candidate URL failed at the transport level or with a 5xx.
var ErrAllCandidatesFailed = errors.New("all metadata candidates failed")

// Resolve fetches and parses the document behind `uri`.
//
// It returns (nil, nil) when the URI definitely has no structured document: unsupported scheme, a 4xx answer, binary
// content (the URI itself is then the media location) or a payload that isn't JSON even leniently. It returns an error
// only when every candidate failed transiently, so callers may retry.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*Document, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, nil
	}
	if mediaType, payload, err := decodeDataURI(uri); !errors.Is(err, errNotDataURI) {
		if err != nil {
			slog.Warn("Failed to decode inline metadata.", "error", err)
			return nil, nil
		}
		return r.parse(uri, mediaType, payload), nil
	}

	candidates := r.Candidates(uri)
	if len(candidates) == 0 {
		slog.Debug("Unsupported metadata uri.", "uri", uri)
		return nil, nil
	}
	var lastErr error
	for _, candidate := range candidates {
		response, err := r.fetch(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil { // The caller gave up; don't burn the remaining gateways.
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if response.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("%s answered %d", candidate, response.StatusCode)
			continue
		}
		if response.StatusCode != http.StatusOK {
			slog.Debug("Metadata is not available.", "url", candidate, "status", response.StatusCode)
			return nil, nil
		}
		return r.parse(uri, response.ContentType, response.Body), nil
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrAllCandidatesFailed, uri, lastErr)
}

func (r *Resolver) fetch(ctx context.Context, url string) (Response, error) {
	if r.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()
	}
	return r.fetcher.Fetch(ctx, url)
}

// parse classifies and decodes a payload. Binary and undecodable payloads yield nil.
func (r *Resolver) parse(uri, contentType string, body []byte) *Document {
	if kind := ClassifyContent(contentType, body); kind != ContentStructured {
		slog.Debug("Metadata uri doesn't point at a document.", "uri", uri, "kind", kind)
		return nil
	}
	body = bytes.TrimPrefix(bytes.TrimLeft(body, " \t\r\n"), byteOrderMark)
	if json.Valid(body) {
		return &Document{Raw: json.RawMessage(body)}
	}
	// Hand written metadata often carries comments or trailing commas.
	if lenient := jsonc.ToJSON(body); json.Valid(lenient) {
		return &Document{Raw: json.RawMessage(lenient)}
	}
	slog.Warn("Metadata document is not valid JSON.", "uri", uri, "bytes", len(body))
	return nil
}
