package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"threadfeed/api/internal/auth"
	"threadfeed/api/internal/config"
	"threadfeed/api/internal/feed"
	"threadfeed/api/internal/rbac"
	"threadfeed/api/internal/reaction"
	"threadfeed/api/internal/record"
	"threadfeed/api/internal/search"
	"threadfeed/api/internal/thread"
	"threadfeed/api/internal/util"
)

// Options select the feed an operation works on and how writes are paid
// for and signed. Every field is optional.
type Options struct {
	// Identifier names the comment feed; defaults to the configured
	// identifier source.
	Identifier string
	// Stamp pays for uploads; defaults to the first usable stamp.
	Stamp string
	// Signer signs updates; defaults to the key derived from Identifier.
	Signer *ecdsa.PrivateKey
	// Address is the feed owner to read from; defaults to the address of
	// the derived key.
	Address string
}

type Session struct {
	Token     string
	Subject   string
	Username  string
	Address   string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// Dependencies are the collaborators a Service is built from. Only Store
// is required.
type Dependencies struct {
	Store       feed.Store
	Stamps      feed.StampSelector
	Identifiers feed.IdentifierSource
	Search      *search.Service
	Metrics     *feed.Metrics
	Logger      *zap.Logger
}

type Service struct {
	cfg         config.Config
	store       feed.Store
	stamps      feed.StampSelector
	identifiers feed.IdentifierSource
	search      *search.Service
	metrics     *feed.Metrics
	logger      *zap.Logger
	codec       record.Codec
	now         func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		stamps:      deps.Stamps,
		identifiers: deps.Identifiers,
		search:      deps.Search,
		metrics:     deps.Metrics,
		logger:      logger,
		codec:       record.NewCodec(),
		now:         time.Now,
	}
}

// CommentResult is a comment together with the index it is stored at.
type CommentResult struct {
	Comment record.Record `json:"comment"`
	Index   feed.Index    `json:"index"`
	Next    *feed.Index   `json:"nextIndex,omitempty"`
}

// ReactionState is a reaction collection read from one feed index.
type ReactionState struct {
	TargetID  string            `json:"targetMessageId"`
	Reactions []record.Reaction `json:"reactions"`
	Index     *feed.Index       `json:"index,omitempty"`
	Next      feed.Index        `json:"nextIndex"`
}

// ReactionUpdate is the outcome of UpdateReaction.
type ReactionUpdate struct {
	Reactions []record.Reaction `json:"reactions"`
	Changed   bool              `json:"changed"`
	Index     *feed.Index       `json:"index,omitempty"`
}

func (s *Service) identifier(ctx context.Context, opts Options) (string, error) {
	if id := strings.TrimSpace(opts.Identifier); id != "" {
		return id, nil
	}
	if s.identifiers == nil {
		return "", ErrIdentifier
	}
	id, err := s.identifiers.Identifier(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentifier, err)
	}
	return id, nil
}

func (s *Service) owner(identifier string, opts Options) (common.Address, error) {
	if addr := strings.TrimSpace(opts.Address); addr != "" {
		if !common.IsHexAddress(addr) {
			return common.Address{}, domainError(http.StatusBadRequest, "INVALID_ADDRESS", "feed address is not a valid address", nil)
		}
		return common.HexToAddress(addr), nil
	}
	if opts.Signer != nil {
		return crypto.PubkeyToAddress(opts.Signer.PublicKey), nil
	}
	return feed.AddressFromIdentifier(identifier)
}

func (s *Service) credentials(ctx context.Context, identifier string, opts Options) (feed.Credentials, error) {
	signer := opts.Signer
	if signer == nil {
		key, err := feed.PrivateKeyFromIdentifier(identifier)
		if err != nil {
			return feed.Credentials{}, err
		}
		signer = key
	}
	stamp := strings.TrimSpace(opts.Stamp)
	if stamp == "" {
		if s.stamps == nil {
			return feed.Credentials{}, feed.ErrNoUsableStamp
		}
		selected, err := s.stamps.UsableStamp(ctx)
		if err != nil {
			return feed.Credentials{}, fmt.Errorf("select stamp: %w", err)
		}
		stamp = selected
	}
	return feed.Credentials{Signer: signer, Stamp: stamp}, nil
}

func (s *Service) newLog(topic feed.Topic, owner common.Address) *feed.Log {
	return feed.NewLog(s.store, topic, owner,
		feed.WithLogger(s.logger),
		feed.WithMetrics(s.metrics),
		feed.WithRangeLimit(uint64(max(s.cfg.RangeLimit, 0))),
		feed.WithConcurrency(s.cfg.ScanConcurrency),
	)
}

// commentLog resolves the comment feed for reading.
func (s *Service) commentLog(ctx context.Context, opts Options) (*feed.Log, string, error) {
	identifier, err := s.identifier(ctx, opts)
	if err != nil {
		return nil, "", err
	}
	topic, err := feed.TopicFromIdentifier(identifier)
	if err != nil {
		return nil, "", err
	}
	owner, err := s.owner(identifier, opts)
	if err != nil {
		return nil, "", err
	}
	return s.newLog(topic, owner), identifier, nil
}

// commentWriter resolves the comment feed and the credentials for writing.
// The feed owner is always the signer.
func (s *Service) commentWriter(ctx context.Context, opts Options) (*feed.Log, feed.Credentials, string, error) {
	identifier, err := s.identifier(ctx, opts)
	if err != nil {
		return nil, feed.Credentials{}, "", err
	}
	topic, err := feed.TopicFromIdentifier(identifier)
	if err != nil {
		return nil, feed.Credentials{}, "", err
	}
	creds, err := s.credentials(ctx, identifier, opts)
	if err != nil {
		return nil, feed.Credentials{}, "", err
	}
	return s.newLog(topic, crypto.PubkeyToAddress(creds.Signer.PublicKey)), creds, identifier, nil
}

func (s *Service) reactionLog(ctx context.Context, targetID string, opts Options, write bool) (*feed.Log, feed.Credentials, error) {
	identifier, err := s.identifier(ctx, opts)
	if err != nil {
		return nil, feed.Credentials{}, err
	}
	topic, err := reaction.FeedTopic(identifier, targetID)
	if err != nil {
		return nil, feed.Credentials{}, err
	}
	if !write {
		owner, err := s.owner(identifier, opts)
		if err != nil {
			return nil, feed.Credentials{}, err
		}
		return s.newLog(topic, owner), feed.Credentials{}, nil
	}
	creds, err := s.credentials(ctx, identifier, opts)
	if err != nil {
		return nil, feed.Credentials{}, err
	}
	return s.newLog(topic, crypto.PubkeyToAddress(creds.Signer.PublicKey)), creds, nil
}

func validateComment(rec record.Record) error {
	if strings.TrimSpace(rec.Body) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message is required", nil)
	}
	if strings.TrimSpace(rec.Username) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	if rec.Kind == record.KindReaction || !rec.Kind.Valid() {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be text or thread", nil)
	}
	if rec.Address != "" && !common.IsHexAddress(rec.Address) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "address is not a valid address", nil)
	}
	return nil
}

// WriteComment stamps req and appends it at the next free index of the
// comment feed.
func (s *Service) WriteComment(ctx context.Context, req record.Request, opts Options) (CommentResult, error) {
	log, creds, identifier, err := s.commentWriter(ctx, opts)
	if err != nil {
		return CommentResult{}, err
	}
	rec := s.codec.Stamp(req)
	if err := validateComment(rec); err != nil {
		return CommentResult{}, err
	}
	payload, err := record.Encode(rec)
	if err != nil {
		return CommentResult{}, err
	}
	index, err := log.AppendNext(ctx, payload, creds)
	if err != nil {
		return CommentResult{}, err
	}
	s.search.IndexComment(identifier, index.String(), rec)
	return CommentResult{Comment: rec, Index: index, Next: index.Next().Ptr()}, nil
}

// WriteCommentToIndex stamps req and writes it at index, replacing what
// was there.
func (s *Service) WriteCommentToIndex(ctx context.Context, req record.Request, index feed.Index, opts Options) (CommentResult, error) {
	log, creds, identifier, err := s.commentWriter(ctx, opts)
	if err != nil {
		return CommentResult{}, err
	}
	rec := s.codec.Stamp(req)
	if err := validateComment(rec); err != nil {
		return CommentResult{}, err
	}
	payload, err := record.Encode(rec)
	if err != nil {
		return CommentResult{}, err
	}
	if err := log.WriteAt(ctx, index, payload, creds); err != nil {
		return CommentResult{}, err
	}
	s.search.IndexComment(identifier, index.String(), rec)
	return CommentResult{Comment: rec, Index: index}, nil
}

// ReadComments scans the whole comment feed.
func (s *Service) ReadComments(ctx context.Context, opts Options) ([]record.Record, error) {
	log, _, err := s.commentLog(ctx, opts)
	if err != nil {
		return nil, err
	}
	records, err := log.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	return comments(records), nil
}

// ReadCommentsAsTree scans the comment feed and nests replies under their
// parents.
func (s *Service) ReadCommentsAsTree(ctx context.Context, opts Options) ([]*thread.Node, error) {
	records, err := s.ReadComments(ctx, opts)
	if err != nil {
		return nil, err
	}
	return thread.BuildForest(records), nil
}

// ReadCommentsInRange reads the indices between start and end inclusive.
func (s *Service) ReadCommentsInRange(ctx context.Context, start, end feed.Index, opts Options) ([]record.Record, error) {
	log, _, err := s.commentLog(ctx, opts)
	if err != nil {
		return nil, err
	}
	records, err := log.ScanRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return comments(records), nil
}

// ReadSingleComment reads the comment at index, or the latest comment when
// index is nil. Only latest reads report the next index.
func (s *Service) ReadSingleComment(ctx context.Context, index *feed.Index, opts Options) (CommentResult, error) {
	log, _, err := s.commentLog(ctx, opts)
	if err != nil {
		return CommentResult{}, err
	}
	entry, err := log.ReadAt(ctx, index)
	if err != nil {
		return CommentResult{}, err
	}
	rec, err := record.Decode(entry.Payload)
	if err != nil {
		return CommentResult{}, fmt.Errorf("comment at index %s: %w", entry.Index, err)
	}
	result := CommentResult{Comment: rec, Index: entry.Index}
	if index == nil {
		result.Next = entry.Next.Ptr()
	}
	return result, nil
}

// ModerateComment rewrites the comment at index with the given moderation
// state. Legacy comments are rewritten in the current shape.
func (s *Service) ModerateComment(ctx context.Context, index feed.Index, flagged bool, reason string, opts Options) (CommentResult, error) {
	log, creds, identifier, err := s.commentWriter(ctx, opts)
	if err != nil {
		return CommentResult{}, err
	}
	entry, err := log.ReadAt(ctx, index.Ptr())
	if err != nil {
		return CommentResult{}, err
	}
	rec, err := record.Decode(entry.Payload)
	if err != nil {
		return CommentResult{}, fmt.Errorf("comment at index %s: %w", index, err)
	}
	if rec.ID == "" {
		rec.ID = util.NewID("")
	}
	rec.Flagged = flagged
	rec.Reason = ""
	if flagged {
		rec.Reason = strings.TrimSpace(reason)
	}
	payload, err := record.Encode(rec)
	if err != nil {
		return CommentResult{}, err
	}
	if err := log.WriteAt(ctx, index, payload, creds); err != nil {
		return CommentResult{}, err
	}
	rec.Legacy = false
	s.logger.Info("comment moderated",
		zap.String("identifier", identifier),
		zap.Stringer("index", index),
		zap.String("id", rec.ID),
		zap.Bool("flagged", flagged),
	)
	s.search.IndexComment(identifier, index.String(), rec)
	return CommentResult{Comment: rec, Index: index}, nil
}

// WriteReactionsToIndex publishes a whole reaction collection for
// targetID, at index or at the next free index when index is nil. An
// empty collection is not written and nil is returned.
func (s *Service) WriteReactionsToIndex(ctx context.Context, targetID string, reactions []record.Reaction, index *feed.Index, opts Options) (*feed.Index, error) {
	if len(reactions) == 0 {
		s.logger.Debug("empty reaction collection, nothing to write", zap.String("target", targetID))
		return nil, nil
	}
	for _, r := range reactions {
		if r.TargetID != targetID {
			return nil, &reaction.Error{Reason: fmt.Sprintf("reaction on %q in collection for %q", r.TargetID, targetID)}
		}
	}
	log, creds, err := s.reactionLog(ctx, targetID, opts, true)
	if err != nil {
		return nil, err
	}
	return s.publishReactions(ctx, log, creds, reactions, index)
}

func (s *Service) publishReactions(ctx context.Context, log *feed.Log, creds feed.Credentials, reactions []record.Reaction, index *feed.Index) (*feed.Index, error) {
	payload, err := record.EncodeReactions(reactions)
	if err != nil {
		return nil, err
	}
	if index != nil {
		if err := log.WriteAt(ctx, *index, payload, creds); err != nil {
			return nil, err
		}
		return index, nil
	}
	written, err := log.AppendNext(ctx, payload, creds)
	if err != nil {
		return nil, err
	}
	return written.Ptr(), nil
}

// ReadReactions reads the reaction collection for targetID at index, or
// the latest one when index is nil.
func (s *Service) ReadReactions(ctx context.Context, targetID string, index *feed.Index, opts Options) (ReactionState, error) {
	log, _, err := s.reactionLog(ctx, targetID, opts, false)
	if err != nil {
		return ReactionState{}, err
	}
	entry, err := log.ReadAt(ctx, index)
	if err != nil {
		return ReactionState{}, err
	}
	reactions, err := record.DecodeReactions(entry.Payload)
	if err != nil {
		return ReactionState{}, fmt.Errorf("reactions at index %s: %w", entry.Index, err)
	}
	return ReactionState{
		TargetID:  targetID,
		Reactions: reactions,
		Index:     entry.Index.Ptr(),
		Next:      entry.Next,
	}, nil
}

// UpdateReaction applies r.Action to the latest collection of r.TargetID
// and publishes the result when it differs. A missing collection counts
// as empty. Concurrent updates of the same target may overwrite each
// other.
func (s *Service) UpdateReaction(ctx context.Context, r record.Reaction, opts Options) (ReactionUpdate, error) {
	if r.Action == record.ActionAdd {
		r = s.codec.StampReaction(r)
	} else if r.Timestamp == 0 {
		r.Timestamp = s.now().UnixMilli()
	}
	if strings.TrimSpace(r.User.Username) == "" && strings.TrimSpace(r.User.Address) == "" {
		return ReactionUpdate{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "user is required", nil)
	}
	if strings.TrimSpace(r.Kind) == "" {
		return ReactionUpdate{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reactionType is required", nil)
	}

	log, creds, err := s.reactionLog(ctx, r.TargetID, opts, true)
	if err != nil {
		return ReactionUpdate{}, err
	}

	var existing []record.Reaction
	entry, err := log.ReadAt(ctx, nil)
	switch {
	case errors.Is(err, feed.ErrNotFound):
	case err != nil:
		return ReactionUpdate{}, err
	default:
		existing, err = record.DecodeReactions(entry.Payload)
		if err != nil {
			return ReactionUpdate{}, fmt.Errorf("reactions at index %s: %w", entry.Index, err)
		}
	}

	updated, changed, err := reaction.Apply(existing, r, r.Action)
	if err != nil {
		return ReactionUpdate{}, err
	}
	if !changed {
		return ReactionUpdate{Reactions: nonNilReactions(existing), Changed: false}, nil
	}
	index, err := s.publishReactions(ctx, log, creds, updated, nil)
	if err != nil {
		return ReactionUpdate{}, err
	}
	return ReactionUpdate{Reactions: nonNilReactions(updated), Changed: true, Index: index}, nil
}

// ReindexComments pushes every comment of the feed to the search index
// and returns how many were queued.
func (s *Service) ReindexComments(ctx context.Context, opts Options) (int, error) {
	if !s.search.Enabled() {
		return 0, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not enabled", nil)
	}
	log, identifier, err := s.commentLog(ctx, opts)
	if err != nil {
		return 0, err
	}
	records, err := log.ScanAll(ctx)
	if err != nil {
		return 0, err
	}
	records = comments(records)
	s.search.Reindex(identifier, records)
	return len(records), nil
}

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

// Ping checks the feed backend when it can report its health.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(feed.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// AuthEnabled reports whether writes require a session.
func (s *Service) AuthEnabled() bool {
	return s.cfg.AuthSecret != ""
}

// IssueSession signs a token for a commenter. Configured moderators get
// the moderator role.
func (s *Service) IssueSession(username, address string) (Session, error) {
	if !s.AuthEnabled() {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Sessions are not enabled", nil)
	}
	username = strings.TrimSpace(username)
	address = strings.TrimSpace(address)
	if username == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	if address != "" && !common.IsHexAddress(address) {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "address is not a valid address", nil)
	}

	role := rbac.RoleCommenter
	if s.isModerator(username, address) {
		role = rbac.RoleModerator
	}
	expiresAt := s.now().Add(s.cfg.TokenTTL)
	claims := auth.Claims{
		Sub:     auth.Subject(username, address),
		Name:    username,
		Address: address,
		Role:    string(role),
		JTI:     util.NewID("jti"),
		Exp:     expiresAt.Unix(),
	}
	token, err := auth.IssueToken([]byte(s.cfg.AuthSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Subject:   claims.Sub,
		Username:  username,
		Address:   address,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	if !s.AuthEnabled() {
		return Session{}, auth.ErrInvalidToken
	}
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Subject:   claims.Sub,
		Username:  claims.Name,
		Address:   claims.Address,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) isModerator(username, address string) bool {
	for _, m := range s.cfg.Moderators {
		if m == username || (address != "" && strings.EqualFold(m, address)) {
			return true
		}
	}
	return false
}

// comments drops reaction records that ended up on a comment feed.
func comments(records []record.Record) []record.Record {
	out := make([]record.Record, 0, len(records))
	for _, rec := range records {
		if rec.Kind == record.KindReaction {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func nonNilReactions(r []record.Reaction) []record.Reaction {
	if r == nil {
		return []record.Reaction{}
	}
	return r
}
