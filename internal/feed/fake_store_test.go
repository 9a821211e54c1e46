package feed

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeStore struct {
	mu      sync.Mutex
	blobs   map[Reference][]byte
	updates map[Index]Reference

	uploadErr  error
	publishErr error
	lookupErr  map[Index]error
	lookups    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blobs:     map[Reference][]byte{},
		updates:   map[Index]Reference{},
		lookupErr: map[Index]error{},
	}
}

func (s *fakeStore) UploadBlob(_ context.Context, _ string, data []byte) (Reference, error) {
	if s.uploadErr != nil {
		return Reference{}, s.uploadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ref Reference
	copy(ref[:], crypto.Keccak256(data))
	s.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (s *fakeStore) DownloadBlob(_ context.Context, ref Reference) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref.Hex(), ErrNotFound)
	}
	return data, nil
}

func (s *fakeStore) PublishUpdate(_ context.Context, _ string, _ *ecdsa.PrivateKey, _ Topic, index *Index, ref Reference) (Index, error) {
	if s.publishErr != nil {
		return 0, s.publishErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.nextLocked()
	if index != nil {
		target = *index
	}
	s.updates[target] = ref
	return target, nil
}

func (s *fakeStore) LookupUpdate(_ context.Context, _ common.Address, _ Topic, index *Index) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if index == nil {
		next := s.nextLocked()
		if next == 0 {
			return Update{}, ErrNotFound
		}
		latest := next - 1
		return Update{Reference: s.updates[latest], Index: latest, Next: next}, nil
	}
	if err := s.lookupErr[*index]; err != nil {
		return Update{}, err
	}
	ref, ok := s.updates[*index]
	if !ok {
		return Update{}, ErrNotFound
	}
	return Update{Reference: ref, Index: *index, Next: *index + 1}, nil
}

// nextLocked returns the first unwritten index of the contiguous prefix.
func (s *fakeStore) nextLocked() Index {
	var i Index
	for {
		if _, ok := s.updates[i]; !ok {
			return i
		}
		i++
	}
}

func (s *fakeStore) unwrite(index Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.updates, index)
}

var errBoom = errors.New("boom")

func testCredentials(t interface{ Fatalf(string, ...any) }) Credentials {
	key, err := PrivateKeyFromIdentifier("test-identifier")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return Credentials{Signer: key, Stamp: "stamp"}
}
