package bee

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const signatureSize = 65

// SignedChunk is a single owner chunk ready for upload.
type SignedChunk struct {
	Owner     common.Address
	ID        common.Hash
	Signature []byte
	Span      []byte
	Payload   []byte
}

// Address is keccak256(id|owner).
func (c SignedChunk) Address() common.Hash {
	return crypto.Keccak256Hash(c.ID[:], c.Owner[:])
}

// Body is the upload body: span followed by payload.
func (c SignedChunk) Body() []byte {
	return append(append([]byte(nil), c.Span...), c.Payload...)
}

// SignChunk signs keccak256(id|contentAddress) as an Ethereum text message.
func SignChunk(signer *ecdsa.PrivateKey, id common.Hash, payload []byte) (SignedChunk, error) {
	if signer == nil {
		return SignedChunk{}, errors.New("sign chunk: missing signer")
	}
	if len(payload) > ChunkSize {
		return SignedChunk{}, fmt.Errorf("sign chunk: payload of %d bytes exceeds %d", len(payload), ChunkSize)
	}
	span := Span(len(payload))
	sig, err := crypto.Sign(chunkDigest(id, span, payload), signer)
	if err != nil {
		return SignedChunk{}, fmt.Errorf("sign chunk: %w", err)
	}
	sig[64] += 27
	return SignedChunk{
		Owner:     crypto.PubkeyToAddress(signer.PublicKey),
		ID:        id,
		Signature: sig,
		Span:      span,
		Payload:   payload,
	}, nil
}

// RecoverOwner returns the address that produced sig over the chunk.
func RecoverOwner(id common.Hash, sig, span, payload []byte) (common.Address, error) {
	if len(sig) != signatureSize {
		return common.Address{}, fmt.Errorf("signature of %d bytes", len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(chunkDigest(id, span, payload), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover owner: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func chunkDigest(id common.Hash, span, payload []byte) []byte {
	return accounts.TextHash(crypto.Keccak256(id[:], ContentAddress(span, payload)))
}
