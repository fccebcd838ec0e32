package cache

import (
	"testing"
	"time"

	"github.com/nobletooth/ledgerview/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotEncoding(t *testing.T) {
	data, err := codec.Marshal(testRecord{ID: 3, Name: "three"})
	require.NoError(t, err)
	snapshot := persistedSnapshot{
		Version: "v1.0.0",
		SavedAt: testEpoch,
		Entries: map[string]persistedEntry{
			"container:3": {
				Data:          data,
				WrittenAt:     testEpoch.Add(-time.Minute),
				ExpiresAt:     testEpoch.Add(time.Hour + time.Nanosecond),
				SchemaVersion: "v1.0.0",
			},
		},
	}

	for _, compression := range []codec.Compression{codec.CompressionNone, codec.CompressionLZ4,
		codec.CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			blob, err := encodeSnapshot(snapshot, compression)
			require.NoError(t, err)
			assert.Equal(t, snapshotMagic, string(blob[:4]))

			decoded, err := decodeSnapshot(blob)
			require.NoError(t, err)
			assert.Equal(t, snapshot.Version, decoded.Version)
			assert.True(t, snapshot.SavedAt.Equal(decoded.SavedAt))
			require.Len(t, decoded.Entries, 1)
			want, got := snapshot.Entries["container:3"], decoded.Entries["container:3"]
			assert.Equal(t, want.Data, got.Data)
			assert.Equal(t, want.SchemaVersion, got.SchemaVersion)
			assert.True(t, want.WrittenAt.Equal(got.WrittenAt))
			assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "got %s", got.ExpiresAt)
		})
	}

	t.Run("deterministic", func(t *testing.T) {
		first, err := encodeSnapshot(snapshot, codec.CompressionZstd)
		require.NoError(t, err)
		second, err := encodeSnapshot(snapshot, codec.CompressionZstd)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestSnapshotDecodingFailures(t *testing.T) {
	blob, err := encodeSnapshot(persistedSnapshot{Version: "v1.0.0", Entries: map[string]persistedEntry{}},
		codec.CompressionNone)
	require.NoError(t, err)

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0xff
	wrongMagic := append([]byte("XXXX"), blob[4:]...)
	unknownCompression := append([]byte(nil), blob...)
	unknownCompression[4] = 0x7f

	for name, corrupted := range map[string][]byte{
		"too_short":           blob[:10],
		"wrong_magic":         wrongMagic,
		"checksum_mismatch":   flipped,
		"unknown_compression": unknownCompression,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeSnapshot(corrupted)
			var serializationErr *SerializationError
			assert.ErrorAs(t, err, &serializationErr)
		})
	}
}
