package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyContent(t *testing.T) {
	for _, testCase := range []struct {
		name        string
		contentType string
		body        string
		expected    ContentKind
	}{
		{name: "json_header", contentType: "application/json; charset=utf-8", body: "garbage", expected: ContentStructured},
		{name: "json_suffix_header", contentType: "application/ld+json", body: "{}", expected: ContentStructured},
		{name: "image_header", contentType: "image/png", body: "{}", expected: ContentBinary},
		{name: "video_header", contentType: "video/mp4", body: "", expected: ContentBinary},
		{name: "pdf_header", contentType: "application/pdf", body: "[", expected: ContentBinary},
		{name: "no_header_object", contentType: "", body: `  {"name":"x"}`, expected: ContentStructured},
		{name: "no_header_array", contentType: "", body: `[1,2]`, expected: ContentStructured},
		{name: "octet_stream_json", contentType: "application/octet-stream", body: "\n{}", expected: ContentStructured},
		{name: "binary_octet_stream_png", contentType: "binary/octet-stream", body: "\x89PNG\r\n", expected: ContentBinary},
		{name: "text_plain_json", contentType: "text/plain", body: "\xef\xbb\xbf {\"a\":1}", expected: ContentStructured},
		{name: "text_plain_text", contentType: "text/plain", body: "hello", expected: ContentBinary},
		{name: "unrecognized_header_sniffs_body", contentType: "text/html", body: "<html>", expected: ContentBinary},
		{name: "empty_body", contentType: "", body: " \n", expected: ContentUnknown},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, ClassifyContent(testCase.contentType, []byte(testCase.body)))
		})
	}
}

func TestContentKind_String(t *testing.T) {
	assert.Equal(t, "structured", ContentStructured.String())
	assert.Equal(t, "binary", ContentBinary.String())
	assert.Equal(t, "unknown", ContentUnknown.String())
}
