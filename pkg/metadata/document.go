// Package metadata resolves the metadata URIs attached to ledger entities into structured documents. URIs point at
// content-addressed storage (IPFS, Arweave), plain HTTP(S) or inline data: payloads; they may reference JSON metadata
// or directly a media file, and content-type headers are frequently missing or wrong.

package metadata

import (
	"bytes"
	"encoding/json"
)

// Document is a parsed JSON metadata document. Raw holds the document as served (after lenient normalization).
type Document struct {
	Raw json.RawMessage `cbor:"raw"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	if d == nil || len(d.Raw) == 0 {
		return []byte("null"), nil
	}
	return d.Raw, nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	d.Raw = append(d.Raw[:0], bytes.TrimSpace(data)...)
	return nil
}

// Fields returns the top level object, or nil when the document isn't a JSON object.
func (d *Document) Fields() map[string]any {
	if d == nil {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(d.Raw, &fields); err != nil {
		return nil
	}
	return fields
}

// String returns the top level field `key` if it is a string.
func (d *Document) String(key string) string {
	value, _ := d.Fields()[key].(string)
	return value
}

// Image returns the document's media URI using the common field spellings.
func (d *Document) Image() string {
	fields := d.Fields()
	for _, key := range []string{"image", "image_url", "image_uri", "imageUrl", "imageURI"} {
		if value, ok := fields[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
