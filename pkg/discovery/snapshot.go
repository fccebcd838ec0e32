package discovery

import (
	"encoding/binary"
	"slices"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Snapshot is the last known complete set of container ids. It is replaced wholesale, never patched.
type Snapshot struct {
	ContainerIDs  []int64   `json:"container_ids" cbor:"container_ids"` // Sorted ascending.
	DiscoveredAt  time.Time `json:"discovered_at" cbor:"discovered_at"`
	ExpiresAt     time.Time `json:"expires_at" cbor:"expires_at"`
	HighWaterMark int64     `json:"high_water_mark" cbor:"high_water_mark"`
	// Ids below the high water mark confirmed not to exist. Sorted ascending. Ids whose checks failed are in neither
	// list.
	Holes []int64 `json:"holes,omitempty" cbor:"holes,omitempty"`
}

// Valid reports whether the snapshot is still fresh at `now`.
func (s *Snapshot) Valid(now time.Time) bool { return s != nil && now.Before(s.ExpiresAt) }

// Contains reports whether `id` is a discovered container id.
func (s *Snapshot) Contains(id int64) bool {
	if s == nil {
		return false
	}
	_, found := slices.BinarySearch(s.ContainerIDs, id)
	return found
}

const (
	indexFalsePositiveRate = 0.01
	indexMinCapacity       = 1_024 // Small snapshots get a roomier filter and a far lower false positive rate.
)

// indexedSnapshot pairs an installed snapshot with a bloom filter over its holes.
type indexedSnapshot struct {
	Snapshot
	holes *bloom.BloomFilter
}

func newIndexedSnapshot(snapshot Snapshot) *indexedSnapshot {
	holes := bloom.NewWithEstimates(uint(max(len(snapshot.Holes), indexMinCapacity)), indexFalsePositiveRate)
	for _, id := range snapshot.Holes {
		holes.Add(idBytes(id))
	}
	return &indexedSnapshot{Snapshot: snapshot, holes: holes}
}

// knownHole reports whether `id` was confirmed not to exist when the snapshot was taken.
func (s *indexedSnapshot) knownHole(id int64) bool {
	if id < 1 || id > s.HighWaterMark || !s.holes.Test(idBytes(id)) {
		return false
	}
	_, found := slices.BinarySearch(s.Holes, id)
	return found
}

func idBytes(id int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(id))
}
