package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestLog(store Store, opts ...Option) *Log {
	return NewLog(store, TopicFromString("comments"), common.Address{}, opts...)
}

func comment(id, target, user, body string, ts int64) []byte {
	if target == "" {
		return []byte(fmt.Sprintf(`{"id":%q,"type":"text","message":%q,"username":%q,"timestamp":%d}`, id, body, user, ts))
	}
	return []byte(fmt.Sprintf(`{"id":%q,"type":"thread","message":%q,"username":%q,"timestamp":%d,"targetMessageId":%q}`, id, body, user, ts, target))
}

func TestAppendNextAndReadLatest(t *testing.T) {
	store := newFakeStore()
	log := newTestLog(store)
	creds := testCredentials(t)
	ctx := context.Background()

	for want := Index(0); want < 3; want++ {
		got, err := log.AppendNext(ctx, comment(fmt.Sprint(want), "", "a", "hi", int64(want)), creds)
		if err != nil {
			t.Fatalf("append %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("append index = %s, want %s", got, want)
		}
	}

	entry, err := log.ReadAt(ctx, nil)
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if entry.Index != 2 || entry.Next != 3 {
		t.Fatalf("latest = %s next %s, want 2 next 3", entry.Index, entry.Next)
	}
	if string(entry.Payload) != string(comment("2", "", "a", "hi", 2)) {
		t.Fatalf("latest payload = %s", entry.Payload)
	}

	entry, err = log.ReadAt(ctx, Index(0).Ptr())
	if err != nil {
		t.Fatalf("read 0: %v", err)
	}
	if entry.Index != 0 || entry.Next != 1 {
		t.Fatalf("index 0 read = %s next %s", entry.Index, entry.Next)
	}
}

func TestReadAtEmptyFeedIsNotFound(t *testing.T) {
	log := newTestLog(newFakeStore())
	if _, err := log.ReadAt(context.Background(), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("latest on empty feed err = %v, want ErrNotFound", err)
	}
	if _, err := log.ReadAt(context.Background(), Index(4).Ptr()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("index 4 err = %v, want ErrNotFound", err)
	}
}

func TestWriteAtOverwrites(t *testing.T) {
	store := newFakeStore()
	log := newTestLog(store)
	creds := testCredentials(t)
	ctx := context.Background()

	if err := log.WriteAt(ctx, 0, comment("00", "", "a", "first", 0), creds); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := log.WriteAt(ctx, 0, comment("00", "", "a", "second", 0), creds); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	records, err := log.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 1 || records[0].Body != "second" {
		t.Fatalf("records = %+v", records)
	}
}

func TestWriteErrorsSurface(t *testing.T) {
	ctx := context.Background()
	creds := testCredentials(t)

	tests := []struct {
		name   string
		setup  func(*fakeStore)
		creds  Credentials
		wantOp string
		cause  error
	}{
		{name: "upload rejected", setup: func(s *fakeStore) { s.uploadErr = errBoom }, creds: creds, wantOp: "upload", cause: errBoom},
		{name: "publish rejected", setup: func(s *fakeStore) { s.publishErr = errBoom }, creds: creds, wantOp: "publish", cause: errBoom},
		{name: "no stamp", setup: func(*fakeStore) {}, creds: Credentials{Signer: creds.Signer}, wantOp: "upload", cause: ErrNoUsableStamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			tt.setup(store)
			_, err := newTestLog(store).AppendNext(ctx, comment("x", "", "a", "b", 1), tt.creds)
			var we *WriteError
			if !errors.As(err, &we) {
				t.Fatalf("err = %v, want *WriteError", err)
			}
			if we.Op != tt.wantOp {
				t.Fatalf("op = %q, want %q", we.Op, tt.wantOp)
			}
			if !errors.Is(err, tt.cause) {
				t.Fatalf("err = %v, want cause %v", err, tt.cause)
			}
		})
	}
}

func TestScanAllStopsAtFirstGap(t *testing.T) {
	store := newFakeStore()
	log := newTestLog(store)
	creds := testCredentials(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := log.AppendNext(ctx, comment(fmt.Sprint(i), "", "a", "m", int64(i)), creds); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	store.unwrite(3)

	records, err := log.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("scan returned %d records, want 3", len(records))
	}
	if store.lookups != 4 {
		t.Fatalf("lookups = %d, want 4", store.lookups)
	}
}

func TestScanAllConcreteThread(t *testing.T) {
	store := newFakeStore()
	log := newTestLog(store)
	creds := testCredentials(t)
	ctx := context.Background()

	if _, err := log.AppendNext(ctx, comment("00", "", "Xyz", "Nice post", 0), creds); err != nil {
		t.Fatal(err)
	}
	if _, err := log.AppendNext(ctx, comment("01", "00", "Abc", "Typo", 1), creds); err != nil {
		t.Fatal(err)
	}

	records, err := log.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 2 || records[0].ID != "00" || records[1].ID != "01" {
		t.Fatalf("records = %+v", records)
	}
	if records[1].TargetID != "00" || records[1].Username != "Abc" {
		t.Fatalf("reply = %+v", records[1])
	}
}

func TestScanAllSortsByTimestampAndSkipsGarbage(t *testing.T) {
	store := newFakeStore()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	log := newTestLog(store, WithMetrics(metrics))
	creds := testCredentials(t)
	ctx := context.Background()

	payloads := [][]byte{
		comment("late", "", "a", "m", 30),
		[]byte(`not json`),
		comment("early", "", "a", "m", 10),
		[]byte(`{"user":"old","data":"legacy body","timestamp":20}`),
	}
	for _, p := range payloads {
		if _, err := log.AppendNext(ctx, p, creds); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := log.ScanAll(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].ID != "early" || !records[1].Legacy || records[2].ID != "late" {
		t.Fatalf("order = %+v", records)
	}
	if got := testutil.ToFloat64(metrics.skipped.WithLabelValues("unrecognized")); got != 1 {
		t.Fatalf("skipped metric = %v, want 1", got)
	}
}

func TestScanAllPropagatesStoreErrors(t *testing.T) {
	store := newFakeStore()
	log := newTestLog(store)
	creds := testCredentials(t)
	ctx := context.Background()
	if _, err := log.AppendNext(ctx, comment("a", "", "a", "m", 1), creds); err != nil {
		t.Fatal(err)
	}
	store.lookupErr[1] = errBoom

	if _, err := log.ScanAll(ctx); !errors.Is(err, errBoom) {
		t.Fatalf("scan err = %v, want %v", err, errBoom)
	}
}

func TestScanRangeToleratesMissingIndex(t *testing.T) {
	store := newFakeStore()
	log := newTestLog(store)
	creds := testCredentials(t)
	ctx := context.Background()

	// timestamps run against index order
	for i := 0; i < 8; i++ {
		if _, err := log.AppendNext(ctx, comment(fmt.Sprint(i), "", "a", "m", int64(100-i)), creds); err != nil {
			t.Fatal(err)
		}
	}
	store.unwrite(5)
	store.lookupErr[4] = errBoom

	records, err := log.ScanRange(ctx, 7, 3)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	var ids []string
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[7 6 3]" {
		t.Fatalf("ids = %v, want [7 6 3]", ids)
	}
}

func TestScanRangeIndexFiveMissing(t *testing.T) {
	store := newFakeStore()
	log := newTestLog(store, WithConcurrency(2))
	creds := testCredentials(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if err := log.WriteAt(ctx, Index(i), comment(fmt.Sprint(i), "", "a", "m", int64(i)), creds); err != nil {
			t.Fatal(err)
		}
	}
	store.unwrite(5)

	records, err := log.ScanRange(ctx, 3, 7)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].Timestamp > records[i].Timestamp {
			t.Fatalf("records out of order: %+v", records)
		}
	}
}

func TestScanRangeLimit(t *testing.T) {
	log := newTestLog(newFakeStore(), WithRangeLimit(4))
	if _, err := log.ScanRange(context.Background(), 0, 4); !errors.Is(err, ErrRangeTooLarge) {
		t.Fatalf("err = %v, want ErrRangeTooLarge", err)
	}
	if _, err := log.ScanRange(context.Background(), 0, 3); err != nil {
		t.Fatalf("4 wide range: %v", err)
	}
}

func TestScanRangeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestLog(newFakeStore()).ScanRange(ctx, 0, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
