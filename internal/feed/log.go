package feed

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"threadfeed/api/internal/record"
)

// DefaultRangeLimit caps the number of indices a single ScanRange may read.
const DefaultRangeLimit = 1024

// Credentials authorise writes to a feed.
type Credentials struct {
	Signer *ecdsa.PrivateKey
	Stamp  string
}

// Entry is the payload found at one feed index.
type Entry struct {
	Payload []byte
	Index   Index
	Next    Index
}

// Log reads and writes records on one owner's feed for one topic.
type Log struct {
	store       Store
	topic       Topic
	owner       common.Address
	logger      *zap.Logger
	metrics     *Metrics
	rangeLimit  uint64
	concurrency int
}

type Option func(*Log)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// WithRangeLimit sets the widest range ScanRange accepts. Zero disables the
// check.
func WithRangeLimit(limit uint64) Option {
	return func(l *Log) {
		l.rangeLimit = limit
	}
}

// WithConcurrency bounds the number of in-flight reads in ScanRange. Zero
// launches every read at once.
func WithConcurrency(n int) Option {
	return func(l *Log) {
		if n >= 0 {
			l.concurrency = n
		}
	}
}

func NewLog(store Store, topic Topic, owner common.Address, opts ...Option) *Log {
	l := &Log{
		store:      store,
		topic:      topic,
		owner:      owner,
		logger:     zap.NewNop(),
		rangeLimit: DefaultRangeLimit,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) Topic() Topic {
	return l.topic
}

func (l *Log) Owner() common.Address {
	return l.owner
}

// AppendNext uploads payload and publishes it at the writer's next free
// index. Failures come back as *WriteError and are not retried.
func (l *Log) AppendNext(ctx context.Context, payload []byte, creds Credentials) (Index, error) {
	ref, err := l.upload(ctx, payload, creds)
	if err != nil {
		return 0, err
	}
	index, err := l.publish(ctx, nil, ref, creds)
	if err != nil {
		return 0, err
	}
	l.logger.Debug("feed update appended",
		zap.String("topic", l.topic.Hex()),
		zap.Stringer("index", index),
		zap.String("reference", ref.Hex()),
	)
	return index, nil
}

// WriteAt publishes payload at an explicit index, replacing whatever the
// index held before.
func (l *Log) WriteAt(ctx context.Context, index Index, payload []byte, creds Credentials) error {
	ref, err := l.upload(ctx, payload, creds)
	if err != nil {
		return err
	}
	if _, err := l.publish(ctx, index.Ptr(), ref, creds); err != nil {
		return err
	}
	l.logger.Debug("feed update written",
		zap.String("topic", l.topic.Hex()),
		zap.Stringer("index", index),
		zap.String("reference", ref.Hex()),
	)
	return nil
}

func (l *Log) upload(ctx context.Context, payload []byte, creds Credentials) (Reference, error) {
	if creds.Stamp == "" {
		l.metrics.write("upload", "error")
		return Reference{}, writeError("upload", ErrNoUsableStamp)
	}
	ref, err := l.store.UploadBlob(ctx, creds.Stamp, payload)
	if err != nil {
		l.metrics.write("upload", "error")
		return Reference{}, writeError("upload", err)
	}
	l.metrics.write("upload", "ok")
	return ref, nil
}

func (l *Log) publish(ctx context.Context, index *Index, ref Reference, creds Credentials) (Index, error) {
	if creds.Signer == nil {
		l.metrics.write("publish", "error")
		return 0, writeError("publish", errors.New("missing signer"))
	}
	published, err := l.store.PublishUpdate(ctx, creds.Stamp, creds.Signer, l.topic, index, ref)
	if err != nil {
		l.metrics.write("publish", "error")
		return 0, writeError("publish", err)
	}
	l.metrics.write("publish", "ok")
	return published, nil
}

// ReadAt returns the payload at index, or at the latest index when index is
// nil. Next is the index the following append will use: resolved by the
// store for latest reads and index+1 otherwise.
func (l *Log) ReadAt(ctx context.Context, index *Index) (Entry, error) {
	update, err := l.store.LookupUpdate(ctx, l.owner, l.topic, index)
	if err != nil {
		l.readFailed(err)
		return Entry{}, err
	}
	payload, err := l.store.DownloadBlob(ctx, update.Reference)
	if err != nil {
		l.readFailed(err)
		return Entry{}, fmt.Errorf("download %s at index %s: %w", update.Reference.Hex(), update.Index, err)
	}
	l.metrics.read("ok")
	entry := Entry{Payload: payload, Index: update.Index, Next: update.Next}
	if index != nil || entry.Next <= entry.Index {
		entry.Next = entry.Index.Next()
	}
	return entry, nil
}

func (l *Log) readFailed(err error) {
	if errors.Is(err, ErrNotFound) {
		l.metrics.read("not_found")
		return
	}
	l.metrics.read("error")
}

// ScanAll reads from index 0 upwards until the first unwritten index and
// returns the decoded records ordered by timestamp. Unrecognised payloads
// are skipped; any error other than not-found aborts the scan.
func (l *Log) ScanAll(ctx context.Context) ([]record.Record, error) {
	var records []record.Record
	for index := Index(0); ; index++ {
		entry, err := l.ReadAt(ctx, index.Ptr())
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan %s at index %s: %w", l.topic.Hex(), index, err)
		}
		rec, ok := l.decode(entry)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	sortByTimestamp(records)
	return records, nil
}

// ScanRange reads every index between start and end inclusive, in either
// order, concurrently. A failed read drops that index only. The result is
// ordered by timestamp, not by index.
func (l *Log) ScanRange(ctx context.Context, start, end Index) ([]record.Record, error) {
	lo, hi := start, end
	if lo > hi {
		lo, hi = hi, lo
	}
	if l.rangeLimit > 0 && uint64(hi-lo) >= l.rangeLimit {
		return nil, fmt.Errorf("range %s..%s: %w", lo, hi, ErrRangeTooLarge)
	}

	slots := make([]*record.Record, uint64(hi-lo)+1)
	var g errgroup.Group
	if l.concurrency > 0 {
		g.SetLimit(l.concurrency)
	}
	for i := range slots {
		index := lo + Index(i)
		slot := &slots[i]
		g.Go(func() error {
			entry, err := l.ReadAt(ctx, index.Ptr())
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					l.metrics.skip("read_failed")
					l.logger.Warn("range read failed",
						zap.String("topic", l.topic.Hex()),
						zap.Stringer("index", index),
						zap.Error(err),
					)
				}
				return nil
			}
			if rec, ok := l.decode(entry); ok {
				*slot = &rec
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]record.Record, 0, len(slots))
	for _, rec := range slots {
		if rec != nil {
			records = append(records, *rec)
		}
	}
	sortByTimestamp(records)
	return records, nil
}

func (l *Log) decode(entry Entry) (record.Record, bool) {
	rec, err := record.Decode(entry.Payload)
	if err != nil {
		l.metrics.skip("unrecognized")
		l.logger.Warn("skipping unrecognized record",
			zap.String("topic", l.topic.Hex()),
			zap.Stringer("index", entry.Index),
			zap.Error(err),
		)
		return record.Record{}, false
	}
	return rec, true
}

func sortByTimestamp(records []record.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})
}
