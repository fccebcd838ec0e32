package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// BigInt is an arbitrary-precision integer as returned by the ledger (e.g. item counts). It serializes as a decimal
// string in both JSON and CBOR so no precision is lost on the way through the cold cache tier or to clients.
// The zero value is 0. BigInt values are immutable.
type BigInt struct {
	value *big.Int
}

func NewBigInt(v int64) BigInt { return BigInt{value: big.NewInt(v)} }

// ParseBigInt parses a decimal string or a 0x prefixed hex string.
func ParseBigInt(s string) (BigInt, error) {
	s = strings.TrimSpace(s)
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	value, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" {
		return BigInt{}, fmt.Errorf("invalid integer %q", s)
	}
	return BigInt{value: value}, nil
}

// Int returns a copy of the underlying value.
func (b BigInt) Int() *big.Int {
	if b.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.value)
}

func (b BigInt) String() string {
	if b.value == nil {
		return "0"
	}
	return b.value.String()
}

// Int64 returns the value and whether it fits in an int64.
func (b BigInt) Int64() (int64, bool) {
	if b.value == nil {
		return 0, true
	}
	return b.value.Int64(), b.value.IsInt64()
}

func (b BigInt) Sign() int {
	if b.value == nil {
		return 0
	}
	return b.value.Sign()
}

func (b BigInt) Equal(other BigInt) bool { return b.Int().Cmp(other.Int()) == 0 }

func (b BigInt) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BigInt) UnmarshalText(text []byte) error {
	parsed, err := ParseBigInt(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON accepts a decimal or hex string as well as a bare JSON number.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = BigInt{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		return b.UnmarshalText([]byte(text))
	}
	value, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return fmt.Errorf("invalid integer %s", data)
	}
	*b = BigInt{value: value}
	return nil
}
