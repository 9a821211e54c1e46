package feed

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidIdentifier = errors.New("invalid feed identifier")

// bzzPath extracts the path of a bzz link, e.g.
// http://localhost:1633/bzz/<hash>/c/2023/July.html => <hash>/c/2023/July.html
var bzzPath = regexp.MustCompile(`https?://.+/bzz/(.+)`)

// IdentifierFromURL returns the bzz path of rawURL.
func IdentifierFromURL(rawURL string) (string, bool) {
	match := bzzPath.FindStringSubmatch(rawURL)
	if len(match) < 2 || match[1] == "" {
		return "", false
	}
	return match[1], true
}

// PrivateKeyFromIdentifier derives the feed signer from keccak256(identifier).
func PrivateKeyFromIdentifier(identifier string) (*ecdsa.PrivateKey, error) {
	if identifier == "" {
		return nil, fmt.Errorf("derive private key: %w", ErrInvalidIdentifier)
	}
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(identifier)))
	if err != nil {
		return nil, fmt.Errorf("derive private key: %w", err)
	}
	return key, nil
}

// AddressFromIdentifier is the owner address of the derived signer.
func AddressFromIdentifier(identifier string) (common.Address, error) {
	key, err := PrivateKeyFromIdentifier(identifier)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// IdentifierSource supplies a feed identifier when the caller gives none.
type IdentifierSource interface {
	Identifier(ctx context.Context) (string, error)
}

// StaticSource always returns the same identifier.
type StaticSource string

func (s StaticSource) Identifier(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrInvalidIdentifier
	}
	return string(s), nil
}

// URLSource derives the identifier from the bzz path of a page URL.
type URLSource string

func (s URLSource) Identifier(context.Context) (string, error) {
	identifier, ok := IdentifierFromURL(string(s))
	if !ok {
		return "", fmt.Errorf("no bzz path in %q: %w", string(s), ErrInvalidIdentifier)
	}
	return identifier, nil
}
