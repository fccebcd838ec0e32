// Package ledger models the entities of the append-only ledger contract and the RPC collaborator that reads them.
// The contract only answers point queries; there is no way to enumerate containers or items.

package ledger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nobletooth/ledgerview/pkg/metadata"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Address is an account address, normalized to lower case hex with a 0x prefix.
type Address string

// ParseAddress validates and normalizes `s`.
func ParseAddress(s string) (Address, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(normalized, "0x") {
		normalized = "0x" + normalized
	}
	if !addressPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return Address(normalized), nil
}

// normalizeAddress returns the normalized form of `a`, or `a` unchanged when it isn't a valid address.
func normalizeAddress(a Address) Address {
	if normalized, err := ParseAddress(string(a)); err == nil {
		return normalized
	}
	return a
}

// Container is a top level ledger entity. Metadata is filled by the engine from MetadataURI when it resolves to a
// structured document.
type Container struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Owner       Address            `json:"owner"`
	MetadataURI string             `json:"metadata_uri,omitempty"`
	ItemCount   BigInt             `json:"item_count"`
	IsActive    bool               `json:"is_active"`
	ImageURI    string             `json:"image_uri,omitempty"`
	Metadata    *metadata.Document `json:"metadata,omitempty"`
}

// Item lives inside a container and is identified by (ContainerID, ItemID).
type Item struct {
	ContainerID int64              `json:"container_id"`
	ItemID      int64              `json:"item_id"`
	Owner       Address            `json:"owner"`
	MetadataURI string             `json:"metadata_uri,omitempty"`
	ImageURI    string             `json:"image_uri,omitempty"`
	Metadata    *metadata.Document `json:"metadata,omitempty"`
}

func (i Item) Ref() ItemRef { return ItemRef{ContainerID: i.ContainerID, ItemID: i.ItemID} }

// ItemRef is the composite identifier of an item.
type ItemRef struct {
	ContainerID int64 `json:"container_id"`
	ItemID      int64 `json:"item_id"`
}

func (r ItemRef) String() string {
	return strconv.FormatInt(r.ContainerID, 10) + ":" + strconv.FormatInt(r.ItemID, 10)
}

// UnmarshalJSON accepts both the object form and a [containerID, itemID] pair.
func (r *ItemRef) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("item reference pair of length %d", len(pair))
		}
		r.ContainerID, r.ItemID = pair[0], pair[1]
		return nil
	}
	type plain ItemRef
	return json.Unmarshal(data, (*plain)(r))
}
