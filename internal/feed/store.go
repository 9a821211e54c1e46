package feed

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound marks an unwritten index or a missing blob. It is the
	// normal end of a sequential scan.
	ErrNotFound = errors.New("feed: not found")
	// ErrNoUsableStamp is returned when no postage stamp can pay for a write.
	ErrNoUsableStamp = errors.New("feed: no usable stamp")
	// ErrRangeTooLarge rejects range reads wider than the configured limit.
	ErrRangeTooLarge = errors.New("feed: range too large")
)

// WriteError reports a rejected upload or publish.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("feed %s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func writeError(op string, err error) error {
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	return &WriteError{Op: op, Err: err}
}

// ReferenceLength is the size of a blob reference.
const ReferenceLength = 32

// Reference is the content address of an immutable blob.
type Reference [ReferenceLength]byte

func (r Reference) Hex() string {
	return hex.EncodeToString(r[:])
}

func (r Reference) String() string {
	return r.Hex()
}

// ParseReference decodes a 64 character hex reference.
func ParseReference(s string) (Reference, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != ReferenceLength {
		return Reference{}, fmt.Errorf("invalid reference %q", s)
	}
	var r Reference
	copy(r[:], raw)
	return r, nil
}

// Update is one resolved feed update.
type Update struct {
	Reference Reference
	Index     Index
	Next      Index
}

// Store is the object store and feed primitive the log is built on.
//
// A nil index means "next free index" for PublishUpdate and "latest" for
// LookupUpdate. Lookups of an unwritten index, and downloads of an unknown
// blob, fail with an error wrapping ErrNotFound.
type Store interface {
	UploadBlob(ctx context.Context, stamp string, data []byte) (Reference, error)
	DownloadBlob(ctx context.Context, ref Reference) ([]byte, error)
	PublishUpdate(ctx context.Context, stamp string, signer *ecdsa.PrivateKey, topic Topic, index *Index, ref Reference) (Index, error)
	LookupUpdate(ctx context.Context, owner common.Address, topic Topic, index *Index) (Update, error)
}

// StampSelector picks a postage stamp able to pay for uploads.
type StampSelector interface {
	UsableStamp(ctx context.Context) (string, error)
}

// StaticStamp is a StampSelector that always returns the same stamp.
type StaticStamp string

func (s StaticStamp) UsableStamp(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoUsableStamp
	}
	return string(s), nil
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
