package feed

import (
	"encoding/binary"
	"fmt"
)

// UpdatePayloadLength is the size of an update body: an 8 byte big-endian
// unix timestamp followed by the blob reference.
const UpdatePayloadLength = 8 + ReferenceLength

// EncodeUpdatePayload builds the body stored at an update address.
func EncodeUpdatePayload(timestamp uint64, ref Reference) []byte {
	buf := make([]byte, UpdatePayloadLength)
	binary.BigEndian.PutUint64(buf, timestamp)
	copy(buf[8:], ref[:])
	return buf
}

// DecodeUpdatePayload accepts the timestamped form, the same form behind
// an 8 byte span, or a bare reference.
func DecodeUpdatePayload(data []byte) (uint64, Reference, error) {
	var ref Reference
	switch len(data) {
	case UpdatePayloadLength:
		copy(ref[:], data[8:])
		return binary.BigEndian.Uint64(data[:8]), ref, nil
	case 8 + UpdatePayloadLength:
		copy(ref[:], data[16:])
		return binary.BigEndian.Uint64(data[8:16]), ref, nil
	case ReferenceLength:
		copy(ref[:], data)
		return 0, ref, nil
	default:
		return 0, ref, fmt.Errorf("unexpected update payload of %d bytes", len(data))
	}
}
