// Package store provides self-hosted feed backends. Each backend is a
// namespaced key-value space; Local turns one into a feed.Store.
package store

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"threadfeed/api/internal/feed"
)

// Namespace separates immutable blobs from feed updates.
type Namespace string

const (
	Blobs   Namespace = "blobs"
	Updates Namespace = "updates"
)

// DefaultStamp is the stamp local backends report as usable.
const DefaultStamp = "local"

// KV is a namespaced byte store. Get wraps feed.ErrNotFound when the key is
// absent.
type KV interface {
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)
	Put(ctx context.Context, ns Namespace, key string, value []byte) error
}

// Local implements feed.Store and feed.StampSelector on top of a KV.
type Local struct {
	kv     KV
	stamp  string
	now    func() time.Time
	logger *zap.Logger

	// serialises next-index publishes
	mu sync.Mutex
}

type LocalOption func(*Local)

func WithStamp(stamp string) LocalOption {
	return func(l *Local) {
		l.stamp = stamp
	}
}

func WithLogger(logger *zap.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLocal(kv KV, opts ...LocalOption) *Local {
	l := &Local{
		kv:     kv,
		stamp:  DefaultStamp,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) UsableStamp(context.Context) (string, error) {
	if l.stamp == "" {
		return "", feed.ErrNoUsableStamp
	}
	return l.stamp, nil
}

// Ping reports the health of the underlying KV when it can tell.
func (l *Local) Ping(ctx context.Context) error {
	if p, ok := l.kv.(feed.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the underlying KV when it holds resources.
func (l *Local) Close() error {
	if c, ok := l.kv.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// UploadBlob stores data under keccak256(data).
func (l *Local) UploadBlob(ctx context.Context, stamp string, data []byte) (feed.Reference, error) {
	if err := l.checkStamp(stamp); err != nil {
		return feed.Reference{}, err
	}
	var ref feed.Reference
	copy(ref[:], crypto.Keccak256(data))
	if err := l.kv.Put(ctx, Blobs, ref.Hex(), data); err != nil {
		return feed.Reference{}, fmt.Errorf("put blob %s: %w", ref.Hex(), err)
	}
	return ref, nil
}

func (l *Local) DownloadBlob(ctx context.Context, ref feed.Reference) ([]byte, error) {
	data, err := l.kv.Get(ctx, Blobs, ref.Hex())
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", ref.Hex(), err)
	}
	return data, nil
}

// PublishUpdate writes the update at index, or at the first unwritten index
// of the signer's feed when index is nil.
func (l *Local) PublishUpdate(ctx context.Context, stamp string, signer *ecdsa.PrivateKey, topic feed.Topic, index *feed.Index, ref feed.Reference) (feed.Index, error) {
	if err := l.checkStamp(stamp); err != nil {
		return 0, err
	}
	if signer == nil {
		return 0, errors.New("publish update: missing signer")
	}
	owner := crypto.PubkeyToAddress(signer.PublicKey)

	if index == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		next, err := l.next(ctx, owner, topic)
		if err != nil {
			return 0, err
		}
		index = &next
	}

	addr := feed.UpdateAddress(owner, topic, *index)
	body := feed.EncodeUpdatePayload(uint64(l.now().Unix()), ref)
	if err := l.kv.Put(ctx, Updates, addr.Hex(), body); err != nil {
		return 0, fmt.Errorf("put update %s: %w", index, err)
	}
	l.logger.Debug("update published",
		zap.String("owner", owner.Hex()),
		zap.String("topic", topic.Hex()),
		zap.Stringer("index", index),
	)
	return *index, nil
}

// LookupUpdate resolves the update at index, or the latest one when index
// is nil.
func (l *Local) LookupUpdate(ctx context.Context, owner common.Address, topic feed.Topic, index *feed.Index) (feed.Update, error) {
	if index == nil {
		next, err := l.next(ctx, owner, topic)
		if err != nil {
			return feed.Update{}, err
		}
		if next == 0 {
			return feed.Update{}, fmt.Errorf("latest update of %s: %w", topic.Hex(), feed.ErrNotFound)
		}
		latest := next - 1
		index = &latest
	}
	body, err := l.kv.Get(ctx, Updates, feed.UpdateAddress(owner, topic, *index).Hex())
	if err != nil {
		return feed.Update{}, fmt.Errorf("get update %s: %w", index, err)
	}
	_, ref, err := feed.DecodeUpdatePayload(body)
	if err != nil {
		return feed.Update{}, fmt.Errorf("update %s: %w", index, err)
	}
	return feed.Update{Reference: ref, Index: *index, Next: index.Next()}, nil
}

// next finds the first unwritten index by doubling a probe until it misses
// and then bisecting between the last hit and the miss.
func (l *Local) next(ctx context.Context, owner common.Address, topic feed.Topic) (feed.Index, error) {
	ok, err := l.exists(ctx, owner, topic, 0)
	if err != nil || !ok {
		return 0, err
	}
	lo, hi := feed.Index(0), feed.Index(1)
	for {
		ok, err := l.exists(ctx, owner, topic, hi)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		lo, hi = hi, hi*2
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := l.exists(ctx, owner, topic, mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, nil
}

func (l *Local) exists(ctx context.Context, owner common.Address, topic feed.Topic, index feed.Index) (bool, error) {
	_, err := l.kv.Get(ctx, Updates, feed.UpdateAddress(owner, topic, index).Hex())
	if errors.Is(err, feed.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe index %s: %w", index, err)
	}
	return true, nil
}

func (l *Local) checkStamp(stamp string) error {
	if stamp == "" || stamp != l.stamp {
		return fmt.Errorf("stamp %q: %w", stamp, feed.ErrNoUsableStamp)
	}
	return nil
}
