// Package bee talks to a Bee node's HTTP API and implements feed.Store
// over it.
package bee

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"threadfeed/api/internal/feed"
)

const (
	headerStamp         = "Swarm-Postage-Batch-Id"
	headerOnlyRootChunk = "Swarm-Only-Root-Chunk"
	headerFeedIndex     = "Swarm-Feed-Index"
	headerFeedIndexNext = "Swarm-Feed-Index-Next"
)

// StatusError is a non-2xx answer from the node.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bee %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return feed.ErrNotFound
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type referenceResponse struct {
	Reference string `json:"reference"`
}

func (c *Client) UploadBlob(ctx context.Context, stamp string, data []byte) (feed.Reference, error) {
	header := http.Header{}
	header.Set(headerStamp, stamp)
	header.Set("Content-Type", "application/octet-stream")
	body, _, err := c.do(ctx, http.MethodPost, "/bytes", header, data)
	if err != nil {
		return feed.Reference{}, err
	}
	var out referenceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return feed.Reference{}, fmt.Errorf("decode upload response: %w", err)
	}
	return feed.ParseReference(out.Reference)
}

func (c *Client) DownloadBlob(ctx context.Context, ref feed.Reference) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/bytes/"+ref.Hex(), nil, nil)
	return body, err
}

// PublishUpdate signs a single owner chunk for the update and uploads it.
// With a nil index the node is asked for the next free index first.
func (c *Client) PublishUpdate(ctx context.Context, stamp string, signer *ecdsa.PrivateKey, topic feed.Topic, index *feed.Index, ref feed.Reference) (feed.Index, error) {
	if signer == nil {
		return 0, errors.New("publish update: missing signer")
	}
	owner := crypto.PubkeyToAddress(signer.PublicKey)
	if index == nil {
		next, err := c.nextIndex(ctx, owner, topic)
		if err != nil {
			return 0, err
		}
		index = &next
	}

	payload := feed.EncodeUpdatePayload(uint64(c.now().Unix()), ref)
	chunk, err := SignChunk(signer, feed.UpdateID(topic, *index), payload)
	if err != nil {
		return 0, err
	}

	header := http.Header{}
	header.Set(headerStamp, stamp)
	header.Set("Content-Type", "application/octet-stream")
	path := fmt.Sprintf("/soc/%s/%s?sig=%s",
		hex.EncodeToString(owner[:]),
		hex.EncodeToString(chunk.ID[:]),
		hex.EncodeToString(chunk.Signature),
	)
	if _, _, err := c.do(ctx, http.MethodPost, path, header, chunk.Body()); err != nil {
		return 0, err
	}
	c.logger.Debug("soc uploaded",
		zap.String("owner", owner.Hex()),
		zap.String("topic", topic.Hex()),
		zap.Stringer("index", index),
		zap.String("address", chunk.Address().Hex()),
	)
	return *index, nil
}

func (c *Client) nextIndex(ctx context.Context, owner common.Address, topic feed.Topic) (feed.Index, error) {
	latest, err := c.LookupUpdate(ctx, owner, topic, nil)
	if errors.Is(err, feed.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve next index: %w", err)
	}
	return latest.Next, nil
}

// LookupUpdate reads the update chunk at index directly, or asks the
// node's feed resolver for the latest update when index is nil.
func (c *Client) LookupUpdate(ctx context.Context, owner common.Address, topic feed.Topic, index *feed.Index) (feed.Update, error) {
	if index != nil {
		return c.lookupChunk(ctx, owner, topic, *index)
	}

	header := http.Header{}
	header.Set(headerOnlyRootChunk, "true")
	path := fmt.Sprintf("/feeds/%s/%s?type=sequence", hex.EncodeToString(owner[:]), topic.Hex())
	body, respHeader, err := c.do(ctx, http.MethodGet, path, header, nil)
	if err != nil {
		return feed.Update{}, err
	}
	_, ref, err := feed.DecodeUpdatePayload(body)
	if err != nil {
		return feed.Update{}, fmt.Errorf("latest update: %w", err)
	}
	latest, err := feed.ParseIndex(respHeader.Get(headerFeedIndex))
	if err != nil {
		return feed.Update{}, fmt.Errorf("latest update: %w", err)
	}
	next := latest.Next()
	if raw := respHeader.Get(headerFeedIndexNext); raw != "" {
		if next, err = feed.ParseIndex(raw); err != nil {
			return feed.Update{}, fmt.Errorf("latest update: %w", err)
		}
	}
	return feed.Update{Reference: ref, Index: latest, Next: next}, nil
}

// lookupChunk fetches the raw single owner chunk: id, signature, span and
// payload.
func (c *Client) lookupChunk(ctx context.Context, owner common.Address, topic feed.Topic, index feed.Index) (feed.Update, error) {
	addr := feed.UpdateAddress(owner, topic, index)
	body, _, err := c.do(ctx, http.MethodGet, "/chunks/"+hex.EncodeToString(addr[:]), nil, nil)
	if err != nil {
		return feed.Update{}, err
	}
	const header = common.HashLength + signatureSize
	if len(body) < header+SpanSize {
		return feed.Update{}, fmt.Errorf("update chunk %s: %d bytes", index, len(body))
	}
	_, ref, err := feed.DecodeUpdatePayload(body[header:])
	if err != nil {
		return feed.Update{}, fmt.Errorf("update chunk %s: %w", index, err)
	}
	return feed.Update{Reference: ref, Index: index, Next: index.Next()}, nil
}

type stampsResponse struct {
	Stamps []struct {
		BatchID string `json:"batchID"`
		Usable  bool   `json:"usable"`
	} `json:"stamps"`
}

// UsableStamp returns the first postage batch the node marks usable.
func (c *Client) UsableStamp(ctx context.Context) (string, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/stamps", nil, nil)
	if err != nil {
		return "", err
	}
	var out stampsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode stamps: %w", err)
	}
	for _, s := range out.Stamps {
		if s.Usable && s.BatchID != "" {
			return s.BatchID, nil
		}
	}
	return "", feed.ErrNoUsableStamp
}

func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte) ([]byte, http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("bee %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read bee response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &StatusError{
			Method: method,
			Path:   strings.SplitN(path, "?", 2)[0],
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}
	return data, resp.Header, nil
}
