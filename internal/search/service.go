package search

import (
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"threadfeed/api/internal/record"
)

// Service indexes comments in the background and answers searches. A
// Service without a backend indexes nothing and finds nothing.
type Service struct {
	backend interface {
		Searcher
		Indexer
	}
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger}
	if meili != nil {
		s.backend = meili
	}
	return s
}

func (s *Service) Enabled() bool {
	return s != nil && s.backend != nil
}

func (s *Service) Search(q Query) Response {
	if !s.Enabled() || !s.backend.Healthy() {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.backend.Search(q)
	if err != nil {
		s.logger.Warn("search failed", zap.String("query", q.Text), zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	if results == nil {
		results = []Result{}
	}
	return Response{Results: results, Total: total, Query: q.Text}
}

// IndexComment indexes a stored comment (fire-and-forget).
func (s *Service) IndexComment(identifier, index string, rec record.Record) {
	if !s.Enabled() || !s.backend.Healthy() {
		return
	}
	doc := NewCommentRecord(identifier, index, rec)
	go func() {
		if err := s.backend.IndexComment(doc); err != nil {
			s.logger.Warn("index comment", zap.String("id", rec.ID), zap.Error(err))
		}
	}()
}

// Reindex pushes a whole feed's comments, e.g. after a full scan.
func (s *Service) Reindex(identifier string, records []record.Record) {
	if !s.Enabled() || !s.backend.Healthy() || len(records) == 0 {
		return
	}
	docs := make([]CommentRecord, 0, len(records))
	for _, rec := range records {
		docs = append(docs, NewCommentRecord(identifier, "", rec))
	}
	if err := s.backend.IndexComments(docs); err != nil {
		s.logger.Warn("reindex comments", zap.String("identifier", identifier), zap.Error(err))
	}
}

// NewCommentRecord maps a record onto its index document. The document id
// is derived from identifier and comment id so that ids from different
// feeds never collide and always satisfy the index's key charset.
func NewCommentRecord(identifier, index string, rec record.Record) CommentRecord {
	return CommentRecord{
		DocID:      crypto.Keccak256Hash([]byte(identifier), []byte{0}, []byte(rec.ID)).Hex()[2:],
		ID:         rec.ID,
		Identifier: identifier,
		Index:      index,
		Message:    rec.Body,
		Username:   rec.Username,
		Address:    rec.Address,
		Timestamp:  rec.Timestamp,
		TargetID:   rec.TargetID,
		Flagged:    rec.Flagged,
	}
}
