// Package codec holds the wire formats of the cold cache tier: deterministic CBOR for payloads and a small set of
// compression algorithms for the persisted blob.

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	// encMode uses Core Deterministic Encoding: sorted map keys and smallest integer encodings, so the same logical
	// snapshot always hashes to the same checksum.
	encMode cbor.EncMode
	// decMode decodes untyped maps as map[string]any and ignores unknown fields for forward compatibility.
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// Types implementing encoding.TextMarshaler (e.g. arbitrary-precision integers) are encoded as text strings.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = encOptions.EncMode(); err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded CBOR value whose decoding is deferred until its target type is known.
type RawMessage = cbor.RawMessage

// Marshal encodes `v` with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR `data` into `v`.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
