package metadata

import (
	"bytes"
	"mime"
	"strings"
)

// ContentKind is the sniffed type of fetched content.
type ContentKind int

const (
	ContentUnknown    ContentKind = iota // Nothing to go on, e.g. an empty body.
	ContentStructured                    // JSON metadata.
	ContentBinary                        // Media or any other non-JSON payload.
)

func (k ContentKind) String() string {
	switch k {
	case ContentStructured:
		return "structured"
	case ContentBinary:
		return "binary"
	default:
		return "unknown"
	}
}

var binaryMediaTypes = map[string]bool{
	"application/pdf":  true,
	"application/zip":  true,
	"application/gzip": true,
	"application/wasm": true,
}

var byteOrderMark = []byte{0xef, 0xbb, 0xbf}

// ClassifyContent decides what a fetched payload is. A specific header wins. A generic header (none, text/plain,
// application/octet-stream, binary/octet-stream) or an unrecognized one falls back to the first meaningful byte of the
// body.
func ClassifyContent(contentType string, body []byte) ContentKind {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	switch {
	case mediaType == "application/json", mediaType == "text/json", strings.HasSuffix(mediaType, "+json"):
		return ContentStructured
	case strings.HasPrefix(mediaType, "image/"), strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "audio/"), strings.HasPrefix(mediaType, "font/"),
		strings.HasPrefix(mediaType, "model/"), binaryMediaTypes[mediaType]:
		return ContentBinary
	}
	return sniffBody(body)
}

func sniffBody(body []byte) ContentKind {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(bytes.TrimLeft(body, " \t\r\n"), byteOrderMark), " \t\r\n")
	if len(trimmed) == 0 {
		return ContentUnknown
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return ContentStructured
	}
	return ContentBinary
}
