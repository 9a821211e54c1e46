package feed

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TopicLength is the size of a feed topic in bytes.
const TopicLength = 32

// Topic is the 32 byte subject of a feed.
type Topic [TopicLength]byte

// Hex returns the lowercase hex form without prefix.
func (t Topic) Hex() string {
	return hex.EncodeToString(t[:])
}

func (t Topic) String() string {
	return t.Hex()
}

// TopicFromString hashes an arbitrary string into a topic.
func TopicFromString(s string) Topic {
	var t Topic
	copy(t[:], crypto.Keccak256([]byte(s)))
	return t
}

// TopicFromIdentifier uses a 64 character hex identifier as the raw topic
// and hashes anything else.
func TopicFromIdentifier(identifier string) (Topic, error) {
	if strings.TrimSpace(identifier) == "" {
		return Topic{}, ErrInvalidIdentifier
	}
	trimmed := strings.TrimPrefix(identifier, "0x")
	if len(trimmed) == 2*TopicLength {
		if raw, err := hex.DecodeString(trimmed); err == nil {
			var t Topic
			copy(t[:], raw)
			return t, nil
		}
	}
	return TopicFromString(identifier), nil
}

// ParseTopic decodes a 64 character hex topic.
func ParseTopic(s string) (Topic, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != TopicLength {
		return Topic{}, fmt.Errorf("invalid topic %q", s)
	}
	var t Topic
	copy(t[:], raw)
	return t, nil
}

// UpdateID is the identifier of the update at index: keccak256(topic|index).
func UpdateID(topic Topic, index Index) common.Hash {
	return crypto.Keccak256Hash(topic[:], index.Bytes())
}

// UpdateAddress is the content address of an owner's update at index:
// keccak256(id|owner).
func UpdateAddress(owner common.Address, topic Topic, index Index) common.Hash {
	id := UpdateID(topic, index)
	return crypto.Keccak256Hash(id[:], owner[:])
}
