package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/clock"
	"github.com/nobletooth/ledgerview/pkg/codec"
	"github.com/nobletooth/ledgerview/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fortyDigits = "1234567890123456789012345678901234567890"

func TestParseBigInt(t *testing.T) {
	for _, testCase := range []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{input: "0", expected: "0"},
		{input: fortyDigits, expected: fortyDigits},
		{input: "-17", expected: "-17"},
		{input: "0xff", expected: "255"},
		{input: " 42 ", expected: "42"},
		{input: "", wantErr: true},
		{input: "0x", wantErr: true},
		{input: "12abc", wantErr: true},
	} {
		t.Run(testCase.input, func(t *testing.T) {
			parsed, err := ParseBigInt(testCase.input)
			if testCase.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, parsed.String())
		})
	}
}

func TestBigInt_JSON(t *testing.T) {
	type holder struct {
		Count BigInt `json:"count"`
	}
	t.Run("encodes_as_decimal_string", func(t *testing.T) {
		value, err := ParseBigInt(fortyDigits)
		require.NoError(t, err)
		encoded, err := json.Marshal(holder{Count: value})
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":"`+fortyDigits+`"}`, string(encoded))
	})
	t.Run("decodes_strings_numbers_and_hex", func(t *testing.T) {
		for input, expected := range map[string]string{
			`{"count":"` + fortyDigits + `"}`: fortyDigits,
			`{"count":` + fortyDigits + `}`:   fortyDigits,
			`{"count":"0x10"}`:                "16",
			`{"count":null}`:                  "0",
		} {
			var decoded holder
			require.NoError(t, json.Unmarshal([]byte(input), &decoded), input)
			assert.Equal(t, expected, decoded.Count.String(), input)
		}
	})
	t.Run("rejects_garbage", func(t *testing.T) {
		var decoded holder
		assert.Error(t, json.Unmarshal([]byte(`{"count":true}`), &decoded))
		assert.Error(t, json.Unmarshal([]byte(`{"count":"many"}`), &decoded))
	})
}

func TestBigInt_Accessors(t *testing.T) {
	var zero BigInt
	assert.Equal(t, "0", zero.String())
	assert.Zero(t, zero.Sign())
	small, fits := NewBigInt(12).Int64()
	assert.True(t, fits)
	assert.Equal(t, int64(12), small)

	large, err := ParseBigInt(fortyDigits)
	require.NoError(t, err)
	_, fits = large.Int64()
	assert.False(t, fits)

	copied := large.Int()
	copied.SetInt64(1)
	assert.Equal(t, fortyDigits, large.String(), "Int must return a copy")
	assert.True(t, NewBigInt(5).Equal(NewBigInt(5)))
}

func TestBigInt_CBORIsDecimalText(t *testing.T) {
	value, err := ParseBigInt(fortyDigits)
	require.NoError(t, err)
	encoded, err := codec.Marshal(value)
	require.NoError(t, err)

	var generic any
	require.NoError(t, codec.Unmarshal(encoded, &generic))
	assert.Equal(t, fortyDigits, generic, "Persisted form must be the decimal string")
}

// TestContainer_PersistenceRoundTrip stores a container with a 40 digit item count in the cold tier and reads it
// back after a restart.
func TestContainer_PersistenceRoundTrip(t *testing.T) {
	itemCount, err := ParseBigInt(fortyDigits)
	require.NoError(t, err)
	original := Container{ID: 3, Name: "three", Owner: "0x00000000000000000000000000000000000000aa",
		ItemCount: itemCount, IsActive: true}

	fakeClock := clock.Fake(time.Unix(1_700_000_000, 0))
	store := storage.NewInMemoryBlobStore()
	options := cache.Options{ShardCount: 1, ShardCapacity: 10, Namespace: "round-trip",
		Compression: codec.CompressionZstd, SchemaVersion: "v1.0.0"}

	writer := cache.NewTiered(t.Context(), options, fakeClock, store, nil)
	writer.Set("container:3", original, time.Hour)
	require.NoError(t, writer.Close(context.Background()))

	reader := cache.NewTiered(t.Context(), options, fakeClock, store, nil)
	loaded, err := reader.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	restored, found := cache.Lookup[Container](reader, "container:3")
	require.True(t, found)
	assert.Equal(t, fortyDigits, restored.ItemCount.String())
	assert.True(t, original.ItemCount.Equal(restored.ItemCount))
	assert.Equal(t, original.Name, restored.Name)
	assert.Equal(t, original.Owner, restored.Owner)
	assert.True(t, restored.IsActive)
}
