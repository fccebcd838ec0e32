// The cold tier stores the whole hot tier as one blob:
//
//	magic "LVC1" | compression (1 byte) | uncompressed length (4 bytes, big endian) | checksum (32 bytes) | payload
//
// The payload is a deterministic CBOR map {version, saved_at, entries}, compressed with the tagged algorithm. The
// checksum is a BLAKE3 keyed hash of the uncompressed payload, so a truncated or bit-flipped blob is rejected instead
// of hydrating garbage.

package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nobletooth/ledgerview/pkg/codec"
	"github.com/zeebo/blake3"
)

const (
	snapshotMagic      = "LVC1"
	snapshotHeaderSize = len(snapshotMagic) + 1 + 4 + 32
)

// snapshotChecksumKey separates snapshot checksums from any other BLAKE3 keyed hash. Changing it invalidates every
// persisted snapshot.
var snapshotChecksumKey = [32]byte{
	'l', 'e', 'd', 'g', 'e', 'r', 'v', 'i', 'e', 'w', '.', 'c', 'a', 'c', 'h', 'e',
	'.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', 0, 0, 0, 0, 0, 0, 0,
}

// persistedEntry mirrors Entry with the value kept as an encoded CBOR item. Times are RFC 3339 text with nanoseconds.
type persistedEntry struct {
	Data          codec.RawMessage `cbor:"data"`
	WrittenAt     time.Time        `cbor:"written_at"`
	ExpiresAt     time.Time        `cbor:"expires_at"`
	SchemaVersion string           `cbor:"schema_version"`
}

type persistedSnapshot struct {
	Version string                    `cbor:"version"`
	SavedAt time.Time                 `cbor:"saved_at"`
	Entries map[string]persistedEntry `cbor:"entries"`
}

func snapshotChecksum(payload []byte) [32]byte {
	// NewKeyed only fails on a key that isn't 32 bytes long, which the array type rules out.
	hasher, err := blake3.NewKeyed(snapshotChecksumKey[:])
	if err != nil {
		panic("cache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(payload)
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// encodeSnapshot serializes `snapshot` into a blob. Incompressible payloads fall back to no compression.
func encodeSnapshot(snapshot persistedSnapshot, compression codec.Compression) ([]byte, error) {
	payload, err := codec.Marshal(snapshot)
	if err != nil {
		return nil, &SerializationError{Op: "encode snapshot", Err: err}
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, &SerializationError{Op: "encode snapshot", Err: fmt.Errorf("payload of %d bytes", len(payload))}
	}
	compressed, err := codec.Compress(payload, compression)
	if err != nil {
		compressed, compression = payload, codec.CompressionNone
	}
	checksum := snapshotChecksum(payload)

	blob := bytes.NewBuffer(make([]byte, 0, snapshotHeaderSize+len(compressed)))
	blob.WriteString(snapshotMagic)
	blob.WriteByte(byte(compression))
	_ = binary.Write(blob, binary.BigEndian, uint32(len(payload)))
	blob.Write(checksum[:])
	blob.Write(compressed)
	return blob.Bytes(), nil
}

// decodeSnapshot reverses encodeSnapshot. Every failure is a *SerializationError.
func decodeSnapshot(blob []byte) (persistedSnapshot, error) {
	fail := func(err error) (persistedSnapshot, error) {
		return persistedSnapshot{}, &SerializationError{Op: "decode snapshot", Err: err}
	}
	if len(blob) < snapshotHeaderSize {
		return fail(fmt.Errorf("blob of %d bytes is shorter than the header", len(blob)))
	}
	if string(blob[:len(snapshotMagic)]) != snapshotMagic {
		return fail(errors.New("unknown magic"))
	}
	offset := len(snapshotMagic)
	compression := codec.Compression(blob[offset])
	offset++
	rawLength := int(binary.BigEndian.Uint32(blob[offset:]))
	offset += 4
	var expectedChecksum [32]byte
	copy(expectedChecksum[:], blob[offset:offset+32])
	offset += 32

	payload, err := codec.Decompress(blob[offset:], compression, rawLength)
	if err != nil {
		return fail(err)
	}
	if snapshotChecksum(payload) != expectedChecksum {
		return fail(errors.New("checksum mismatch"))
	}
	var snapshot persistedSnapshot
	if err := codec.Unmarshal(payload, &snapshot); err != nil {
		return fail(err)
	}
	return snapshot, nil
}
