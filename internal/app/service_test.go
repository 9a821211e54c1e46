package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"threadfeed/api/internal/config"
	"threadfeed/api/internal/feed"
	"threadfeed/api/internal/reaction"
	"threadfeed/api/internal/record"
	"threadfeed/api/internal/store"
)

const testIdentifier = "bzz-page/article-1"

func newTestService(t *testing.T) *Service {
	t.Helper()
	mem := store.NewMemory()
	svc := New(config.Config{RangeLimit: feed.DefaultRangeLimit}, Dependencies{
		Store:       mem,
		Stamps:      mem,
		Identifiers: feed.StaticSource(testIdentifier),
	})
	ids := 0
	svc.codec.NewID = func() string {
		ids++
		return fmt.Sprintf("id-%d", ids)
	}
	svc.codec.Now = func() time.Time { return time.UnixMilli(1_000) }
	svc.now = svc.codec.Now
	return svc
}

func ts(v int64) *int64 { return &v }

func comment(body, user string, at int64) record.Request {
	return record.Request{Body: body, Author: record.Author{Username: user}, Timestamp: ts(at)}
}

func TestWriteCommentAppendsAndReadsBack(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.WriteComment(ctx, comment("first", "alice", 20), Options{})
	if err != nil {
		t.Fatalf("write first: %v", err)
	}
	if first.Index != 0 || first.Comment.ID != "id-1" || first.Comment.Kind != record.KindText {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := svc.WriteComment(ctx, comment("second", "bob", 10), Options{})
	if err != nil {
		t.Fatalf("write second: %v", err)
	}
	if second.Index != 1 {
		t.Fatalf("expected index 1, got %s", second.Index)
	}

	all, err := svc.ReadComments(ctx, Options{})
	if err != nil {
		t.Fatalf("read comments: %v", err)
	}
	if len(all) != 2 || all[0].Body != "second" || all[1].Body != "first" {
		t.Fatalf("expected timestamp order, got %+v", all)
	}

	latest, err := svc.ReadSingleComment(ctx, nil, Options{})
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if latest.Comment.Body != "second" || latest.Index != 1 {
		t.Fatalf("unexpected latest %+v", latest)
	}
	if latest.Next == nil || *latest.Next != 2 {
		t.Fatalf("expected next index 2, got %v", latest.Next)
	}

	at0, err := svc.ReadSingleComment(ctx, feed.Index(0).Ptr(), Options{})
	if err != nil {
		t.Fatalf("read index 0: %v", err)
	}
	if at0.Comment.Body != "first" || at0.Next != nil {
		t.Fatalf("unexpected explicit read %+v", at0)
	}
}

func TestExplicitIdentifierSelectsFeed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.WriteComment(ctx, comment("elsewhere", "alice", 1), Options{Identifier: "other-page"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	own, err := svc.ReadComments(ctx, Options{})
	if err != nil {
		t.Fatalf("read default feed: %v", err)
	}
	if len(own) != 0 {
		t.Fatalf("expected default feed to be empty, got %+v", own)
	}
	other, err := svc.ReadComments(ctx, Options{Identifier: "other-page"})
	if err != nil {
		t.Fatalf("read other feed: %v", err)
	}
	if len(other) != 1 || other[0].Body != "elsewhere" {
		t.Fatalf("unexpected other feed %+v", other)
	}
}

func TestReadEmptyFeed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	all, err := svc.ReadComments(ctx, Options{})
	if err != nil {
		t.Fatalf("read comments: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no comments, got %d", len(all))
	}
	if _, err := svc.ReadSingleComment(ctx, nil, Options{}); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingIdentifier(t *testing.T) {
	svc := New(config.Config{}, Dependencies{Store: store.NewMemory()})
	if _, err := svc.ReadComments(context.Background(), Options{}); !errors.Is(err, ErrIdentifier) {
		t.Fatalf("expected ErrIdentifier, got %v", err)
	}
}

func TestWriteCommentValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  record.Request
	}{
		{name: "empty message", req: comment("  ", "alice", 1)},
		{name: "missing username", req: comment("hi", "", 1)},
		{name: "reaction type", req: record.Request{Kind: record.KindReaction, Body: "like", Author: record.Author{Username: "a"}}},
		{name: "bad address", req: record.Request{Body: "hi", Author: record.Author{Username: "a", Address: "nope"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.WriteComment(ctx, tc.req, Options{})
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestWriteCommentWithoutStamp(t *testing.T) {
	svc := New(config.Config{}, Dependencies{
		Store:       store.NewMemory(),
		Identifiers: feed.StaticSource(testIdentifier),
	})
	_, err := svc.WriteComment(context.Background(), comment("hi", "alice", 1), Options{})
	if !errors.Is(err, feed.ErrNoUsableStamp) {
		t.Fatalf("expected ErrNoUsableStamp, got %v", err)
	}
}

func TestWriteCommentToIndexOverwrites(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.WriteComment(ctx, comment("original", "alice", 1), Options{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := svc.WriteCommentToIndex(ctx, comment("replacement", "alice", 2), 0, Options{}); err != nil {
		t.Fatalf("write to index: %v", err)
	}
	got, err := svc.ReadSingleComment(ctx, feed.Index(0).Ptr(), Options{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Comment.Body != "replacement" {
		t.Fatalf("expected replacement, got %q", got.Comment.Body)
	}
}

func TestReadCommentsAsTree(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	root, err := svc.WriteComment(ctx, comment("root", "alice", 1), Options{})
	if err != nil {
		t.Fatalf("write root: %v", err)
	}
	reply := comment("reply", "bob", 2)
	reply.TargetID = root.Comment.ID
	if _, err := svc.WriteComment(ctx, reply, Options{}); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	orphan := comment("orphan", "carol", 3)
	orphan.TargetID = "missing"
	if _, err := svc.WriteComment(ctx, orphan, Options{}); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	forest, err := svc.ReadCommentsAsTree(ctx, Options{})
	if err != nil {
		t.Fatalf("read tree: %v", err)
	}
	if len(forest) != 1 || forest[0].Comment.Body != "root" {
		t.Fatalf("unexpected forest %+v", forest)
	}
	if len(forest[0].Replies) != 1 || forest[0].Replies[0].Comment.Kind != record.KindThread {
		t.Fatalf("expected one thread reply, got %+v", forest[0].Replies)
	}
}

func TestReadCommentsInRange(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.WriteComment(ctx, comment(fmt.Sprintf("c%d", i), "alice", int64(100-i)), Options{}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	got, err := svc.ReadCommentsInRange(ctx, 1, 3, Options{})
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(got) != 3 || got[0].Body != "c3" || got[2].Body != "c1" {
		t.Fatalf("unexpected range %+v", got)
	}

	svc.cfg.RangeLimit = 2
	if _, err := svc.ReadCommentsInRange(ctx, 0, 4, Options{}); !errors.Is(err, feed.ErrRangeTooLarge) {
		t.Fatalf("expected ErrRangeTooLarge, got %v", err)
	}
}

func TestReadSingleCommentUnrecognized(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	log, creds, _, err := svc.commentWriter(ctx, Options{})
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if _, err := log.AppendNext(ctx, []byte(`{"hello":"world"}`), creds); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err = svc.ReadSingleComment(ctx, nil, Options{})
	var recognition *record.RecognitionError
	if !errors.As(err, &recognition) {
		t.Fatalf("expected RecognitionError, got %v", err)
	}
}

func TestModerateComment(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	written, err := svc.WriteComment(ctx, comment("spam", "mallory", 1), Options{})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	moderated, err := svc.ModerateComment(ctx, written.Index, true, " spam ", Options{})
	if err != nil {
		t.Fatalf("moderate: %v", err)
	}
	if !moderated.Comment.Flagged || moderated.Comment.Reason != "spam" {
		t.Fatalf("unexpected moderation result %+v", moderated.Comment)
	}

	got, err := svc.ReadSingleComment(ctx, written.Index.Ptr(), Options{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Comment.Flagged || got.Comment.ID != written.Comment.ID {
		t.Fatalf("expected flagged comment with same id, got %+v", got.Comment)
	}

	unflagged, err := svc.ModerateComment(ctx, written.Index, false, "ignored", Options{})
	if err != nil {
		t.Fatalf("unflag: %v", err)
	}
	if unflagged.Comment.Flagged || unflagged.Comment.Reason != "" {
		t.Fatalf("expected cleared moderation, got %+v", unflagged.Comment)
	}

	if _, err := svc.ModerateComment(ctx, 9, true, "", Options{}); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing index, got %v", err)
	}
}

func TestUpdateReactionLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	alice := record.Author{Username: "alice"}

	add := record.Reaction{TargetID: "c1", User: alice, Action: record.ActionAdd, Kind: "like"}
	first, err := svc.UpdateReaction(ctx, add, Options{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !first.Changed || len(first.Reactions) != 1 || first.Index == nil || *first.Index != 0 {
		t.Fatalf("unexpected add result %+v", first)
	}
	if first.Reactions[0].ID == "" {
		t.Fatalf("expected a generated reaction id")
	}

	again, err := svc.UpdateReaction(ctx, add, Options{})
	if err != nil {
		t.Fatalf("repeat add: %v", err)
	}
	if again.Changed || again.Index != nil || len(again.Reactions) != 1 {
		t.Fatalf("expected no change on repeat add, got %+v", again)
	}

	state, err := svc.ReadReactions(ctx, "c1", nil, Options{})
	if err != nil {
		t.Fatalf("read reactions: %v", err)
	}
	if len(state.Reactions) != 1 || state.Next != 1 {
		t.Fatalf("unexpected state %+v", state)
	}

	remove := record.Reaction{TargetID: "c1", User: alice, Action: record.ActionRemove, Kind: "like"}
	removed, err := svc.UpdateReaction(ctx, remove, Options{})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed.Changed || len(removed.Reactions) != 0 || removed.Index == nil || *removed.Index != 1 {
		t.Fatalf("unexpected remove result %+v", removed)
	}

	state, err = svc.ReadReactions(ctx, "c1", nil, Options{})
	if err != nil {
		t.Fatalf("read after remove: %v", err)
	}
	if len(state.Reactions) != 0 {
		t.Fatalf("expected empty collection to be persisted, got %+v", state.Reactions)
	}
}

func TestUpdateReactionRemoveOnEmpty(t *testing.T) {
	svc := newTestService(t)
	remove := record.Reaction{TargetID: "c1", User: record.Author{Username: "alice"}, Action: record.ActionRemove, Kind: "like"}
	got, err := svc.UpdateReaction(context.Background(), remove, Options{})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got.Changed || got.Reactions == nil || len(got.Reactions) != 0 {
		t.Fatalf("expected unchanged empty collection, got %+v", got)
	}
	if _, err := svc.ReadReactions(context.Background(), "c1", nil, Options{}); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("expected nothing written, got %v", err)
	}
}

func TestUpdateReactionEmptyTarget(t *testing.T) {
	svc := newTestService(t)
	r := record.Reaction{User: record.Author{Username: "alice"}, Action: record.ActionAdd, Kind: "like"}
	_, err := svc.UpdateReaction(context.Background(), r, Options{})
	var reactionErr *reaction.Error
	if !errors.As(err, &reactionErr) {
		t.Fatalf("expected reaction.Error, got %v", err)
	}
}

func TestWriteReactionsToIndex(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	index, err := svc.WriteReactionsToIndex(ctx, "c1", nil, nil, Options{})
	if err != nil || index != nil {
		t.Fatalf("expected no-op for empty collection, got %v %v", index, err)
	}

	like := record.Reaction{TargetID: "c1", User: record.Author{Username: "alice"}, Action: record.ActionAdd, Kind: "like", Timestamp: 5}
	index, err = svc.WriteReactionsToIndex(ctx, "c1", []record.Reaction{like}, feed.Index(3).Ptr(), Options{})
	if err != nil {
		t.Fatalf("write at 3: %v", err)
	}
	if index == nil || *index != 3 {
		t.Fatalf("expected index 3, got %v", index)
	}
	state, err := svc.ReadReactions(ctx, "c1", feed.Index(3).Ptr(), Options{})
	if err != nil {
		t.Fatalf("read at 3: %v", err)
	}
	if len(state.Reactions) != 1 || state.Reactions[0].Kind != "like" || state.Next != 4 {
		t.Fatalf("unexpected state %+v", state)
	}

	stray := like
	stray.TargetID = "c2"
	if _, err := svc.WriteReactionsToIndex(ctx, "c1", []record.Reaction{stray}, nil, Options{}); err == nil {
		t.Fatalf("expected error for reaction on another target")
	}
}

func TestSessions(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.IssueSession("alice", ""); err == nil {
		t.Fatalf("expected sessions to be disabled without a secret")
	}

	svc.cfg.AuthSecret = "secret"
	svc.cfg.TokenTTL = time.Hour
	svc.cfg.Moderators = []string{"0x00000000000000000000000000000000000000aa"}
	svc.now = time.Now

	commenter, err := svc.IssueSession("alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if commenter.Role != "commenter" || commenter.Subject != "alice" {
		t.Fatalf("unexpected session %+v", commenter)
	}
	moderator, err := svc.IssueSession("mod", "0x00000000000000000000000000000000000000AA")
	if err != nil {
		t.Fatalf("issue moderator: %v", err)
	}
	if moderator.Role != "moderator" {
		t.Fatalf("expected moderator role, got %q", moderator.Role)
	}

	parsed, err := svc.SessionFromToken(moderator.Token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Username != "mod" || parsed.Role != "moderator" {
		t.Fatalf("unexpected parsed session %+v", parsed)
	}
	if _, err := svc.SessionFromToken(moderator.Token + "x"); err == nil {
		t.Fatalf("expected tampered token to fail")
	}
}
