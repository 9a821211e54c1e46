package feed

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// IndexLength is the width of the big-endian index encoding.
const IndexLength = 8

// Index is the position of an update within a sequence feed.
type Index uint64

// Bytes returns the 8 byte big-endian encoding.
func (i Index) Bytes() []byte {
	buf := make([]byte, IndexLength)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

// String returns the 16 character hex form used on the wire.
func (i Index) String() string {
	return hex.EncodeToString(i.Bytes())
}

// Next returns the index that follows i.
func (i Index) Next() Index {
	return i + 1
}

// Ptr returns a pointer to a copy of i, for the explicit-index form of
// store calls.
func (i Index) Ptr() *Index {
	return &i
}

// ParseIndex accepts the hex wire form, with or without a 0x prefix and
// with or without leading zero padding.
func ParseIndex(s string) (Index, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if trimmed == "" || len(trimmed) > 2*IndexLength {
		return 0, fmt.Errorf("invalid feed index %q", s)
	}
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid feed index %q: %w", s, err)
	}
	return Index(v), nil
}

// MarshalJSON encodes the index as its hex string.
func (i Index) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON accepts either the hex string form or a plain number.
func (i *Index) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseIndex(s)
		if err != nil {
			return err
		}
		*i = parsed
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid feed index %s", data)
	}
	*i = Index(n)
	return nil
}
