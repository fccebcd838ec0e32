package metadata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// cidPattern matches CIDv0 (base58 "Qm...") and base32 CIDv1 ("b...") identifiers at the start of a path.
var cidPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|b[a-z2-7]{58,})(/.*)?$`)

// ipfsPath extracts "<cid>[/path]" from any of the IPFS spellings, or returns false.
func ipfsPath(uri string) (string, bool) {
	switch {
	case strings.HasPrefix(uri, "ipfs://ipfs/"):
		return strings.TrimPrefix(uri, "ipfs://ipfs/"), true
	case strings.HasPrefix(uri, "ipfs://"):
		return strings.TrimPrefix(uri, "ipfs://"), true
	case strings.HasPrefix(uri, "/ipfs/"):
		return strings.TrimPrefix(uri, "/ipfs/"), true
	case cidPattern.MatchString(uri):
		return uri, true
	}
	return "", false
}

// Candidates returns the URLs to try for `uri`, in order. IPFS content maps to every gateway; Arweave content maps to
// the Arweave gateway; HTTP(S) URLs are used unchanged. Unsupported schemes (and data: URIs, which never touch the
// network) yield nil.
func (r *Resolver) Candidates(uri string) []string {
	uri = strings.TrimSpace(uri)
	if path, isIPFS := ipfsPath(uri); isIPFS {
		if path == "" {
			return nil
		}
		candidates := make([]string, 0, len(r.opts.Gateways))
		for _, gateway := range r.opts.Gateways {
			candidates = append(candidates, strings.TrimSuffix(gateway, "/")+"/"+path)
		}
		return candidates
	}
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "ar://"):
		id := uri[len("ar://"):]
		if id == "" {
			return nil
		}
		return []string{strings.TrimSuffix(r.opts.ArweaveGateway, "/") + "/" + id}
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return []string{uri}
	}
	return nil
}

// MediaURL rewrites a media reference onto the primary gateway so clients can load it directly. Inline data: URIs
// and unsupported references are returned unchanged.
func (r *Resolver) MediaURL(uri string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(uri)), "data:") {
		return uri
	}
	if candidates := r.Candidates(uri); len(candidates) > 0 {
		return candidates[0]
	}
	return uri
}

var errNotDataURI = errors.New("not a data: uri")

// decodeDataURI decodes "data:[<media type>][;base64],<payload>" into its media type and payload.
func decodeDataURI(uri string) (string, []byte, error) {
	if !strings.HasPrefix(strings.ToLower(uri), "data:") {
		return "", nil, errNotDataURI
	}
	header, payload, found := strings.Cut(uri[len("data:"):], ",")
	if !found {
		return "", nil, errors.New("data: uri without a comma")
	}
	mediaType, isBase64 := header, false
	if before, hasSuffix := strings.CutSuffix(strings.ToLower(header), ";base64"); hasSuffix {
		mediaType, isBase64 = header[:len(before)], true
	}
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some producers emit unpadded or URL-safe base64.
			if decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
				return "", nil, fmt.Errorf("invalid base64 data: uri payload: %w", err)
			}
		}
		return mediaType, decoded, nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid percent-encoded data: uri payload: %w", err)
	}
	return mediaType, []byte(decoded), nil
}
