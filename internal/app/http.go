package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"threadfeed/api/internal/auth"
	"threadfeed/api/internal/feed"
	"threadfeed/api/internal/logging"
	"threadfeed/api/internal/rbac"
	"threadfeed/api/internal/reaction"
	"threadfeed/api/internal/record"
	"threadfeed/api/internal/search"
)

type HTTPOptions struct {
	CORSOrigin string
	Logger     *zap.Logger
	RateRPS    float64
	RateBurst  int
	// Gatherer backs /metrics; defaults to the global registry.
	Gatherer prometheus.Gatherer
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	limiter    *limiterPool
	metrics    http.Handler
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	corsOrigin := opts.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	metrics := promhttp.Handler()
	if opts.Gatherer != nil {
		metrics = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger,
		limiter:    newLimiterPool(opts.RateRPS, opts.RateBurst),
		metrics:    metrics,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)

	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/session", s.handleSessionCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/search", s.handleSearch).Methods(http.MethodGet)

	feeds := r.PathPrefix("/api/feeds/{identifier}").Subrouter()
	feeds.HandleFunc("/comments", s.handleComments).Methods(http.MethodGet)
	feeds.HandleFunc("/comments", s.rateLimited(s.handleCommentCreate)).Methods(http.MethodPost)
	feeds.HandleFunc("/comments/latest", s.handleLatestComment).Methods(http.MethodGet)
	feeds.HandleFunc("/comments/{index}", s.handleComment).Methods(http.MethodGet)
	feeds.HandleFunc("/comments/{index}/moderation", s.rateLimited(s.handleModeration)).Methods(http.MethodPost)
	feeds.HandleFunc("/reindex", s.handleReindex).Methods(http.MethodPost)
	feeds.HandleFunc("/reactions/{targetId}", s.handleReactions).Methods(http.MethodGet)
	feeds.HandleFunc("/reactions/{targetId}", s.rateLimited(s.handleReactionUpdate)).Methods(http.MethodPost)

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"feeds": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["feeds"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// Search is optional and never fails readiness.
	if s.service.search.Enabled() {
		checks["search"] = map[string]any{"status": "ok"}
	} else {
		checks["search"] = map[string]any{"status": "disabled"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
		return
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      session.Username,
		"address":       session.Address,
		"role":          session.Role,
	})
}

func (s *HTTPServer) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Address  string `json:"address"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.IssueSession(body.Username, body.Address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"subject":   session.Subject,
		"username":  session.Username,
		"address":   session.Address,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:           strings.TrimSpace(query.Get("q")),
		Identifier:     query.Get("identifier"),
		Username:       query.Get("username"),
		IncludeFlagged: query.Get("flagged") == "1" || query.Get("flagged") == "true",
		Limit:          atoiOr(query.Get("limit"), 20),
		Offset:         atoiOr(query.Get("offset"), 0),
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(q))
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	if start, end := query.Get("start"), query.Get("end"); start != "" || end != "" {
		lo, err := feed.ParseIndex(start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INDEX", "start: "+err.Error(), nil)
			return
		}
		hi, err := feed.ParseIndex(end)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INDEX", "end: "+err.Error(), nil)
			return
		}
		comments, err := s.service.ReadCommentsInRange(r.Context(), lo, hi, opts)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
		return
	}

	if tree := query.Get("tree"); tree == "1" || tree == "true" {
		forest, err := s.service.ReadCommentsAsTree(r.Context(), opts)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": forest})
		return
	}

	comments, err := s.service.ReadComments(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *HTTPServer) handleLatestComment(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}
	result, err := s.service.ReadSingleComment(r.Context(), nil, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	result, err := s.service.ReadSingleComment(r.Context(), index.Ptr(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCommentCreate(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.writeOptions(w, r)
	if !ok {
		return
	}
	session, ok := s.writerSession(w, r, rbac.ActionComment)
	if !ok {
		return
	}
	var req record.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if session != nil {
		req.Author = record.Author{Username: session.Username, Address: session.Address}
	}

	var (
		result CommentResult
		err    error
	)
	if raw := r.URL.Query().Get("index"); raw != "" {
		index, perr := feed.ParseIndex(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INDEX", perr.Error(), nil)
			return
		}
		result, err = s.service.WriteCommentToIndex(r.Context(), req, index, opts)
	} else {
		result, err = s.service.WriteComment(r.Context(), req, opts)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleModeration(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.writeOptions(w, r)
	if !ok {
		return
	}
	if !s.requireRole(w, r, rbac.ActionModerate) {
		return
	}
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	var body struct {
		Flagged *bool  `json:"flagged"`
		Reason  string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	flagged := true
	if body.Flagged != nil {
		flagged = *body.Flagged
	}
	result, err := s.service.ModerateComment(r.Context(), index, flagged, body.Reason, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleReindex(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}
	if !s.requireRole(w, r, rbac.ActionModerate) {
		return
	}
	count, err := s.service.ReindexComments(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": count})
}

func (s *HTTPServer) handleReactions(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return
	}
	var index *feed.Index
	if raw := r.URL.Query().Get("index"); raw != "" {
		parsed, err := feed.ParseIndex(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INDEX", err.Error(), nil)
			return
		}
		index = parsed.Ptr()
	}
	state, err := s.service.ReadReactions(r.Context(), pathVar(r, "targetId"), index, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleReactionUpdate(w http.ResponseWriter, r *http.Request) {
	opts, ok := s.writeOptions(w, r)
	if !ok {
		return
	}
	session, ok := s.writerSession(w, r, rbac.ActionReact)
	if !ok {
		return
	}
	var rx record.Reaction
	if err := decodeBody(r, &rx); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rx.TargetID = pathVar(r, "targetId")
	if rx.Action == "" {
		rx.Action = record.ActionAdd
	}
	if session != nil {
		rx.User = record.Author{Username: session.Username, Address: session.Address}
	}
	update, err := s.service.UpdateReaction(r.Context(), rx, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *HTTPServer) readOptions(w http.ResponseWriter, r *http.Request) (Options, bool) {
	identifier, err := url.PathUnescape(mux.Vars(r)["identifier"])
	if err != nil || strings.TrimSpace(identifier) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_IDENTIFIER", "Invalid feed identifier", nil)
		return Options{}, false
	}
	return Options{
		Identifier: identifier,
		Address:    strings.TrimSpace(r.Header.Get("X-Feed-Address")),
	}, true
}

// writeOptions are read options plus the caller's stamp. Writes always go
// to the feed owned by the identifier key, so X-Feed-Address is ignored.
func (s *HTTPServer) writeOptions(w http.ResponseWriter, r *http.Request) (Options, bool) {
	opts, ok := s.readOptions(w, r)
	if !ok {
		return Options{}, false
	}
	opts.Address = ""
	opts.Stamp = strings.TrimSpace(r.Header.Get("X-Postage-Stamp"))
	return opts, true
}

// writerSession returns the caller's session when sessions are enabled,
// and nil when writes are open.
func (s *HTTPServer) writerSession(w http.ResponseWriter, r *http.Request, action rbac.Action) (*Session, bool) {
	if !s.service.AuthEnabled() {
		return nil, true
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return nil, false
	}
	if !s.service.Can(session.Role, action) {
		s.forbid(w, r, session, action)
		return nil, false
	}
	return &session, true
}

func (s *HTTPServer) requireRole(w http.ResponseWriter, r *http.Request, action rbac.Action) bool {
	if !s.service.AuthEnabled() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Sessions are not enabled", nil)
		return false
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return false
	}
	if !s.service.Can(session.Role, action) {
		s.forbid(w, r, session, action)
		return false
	}
	return true
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Info("access denied",
		zap.String("request_id", requestID(r.Context())),
		zap.String("subject", session.Subject),
		zap.String("role", session.Role),
		zap.String("action", string(action)),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
		next(w, r)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		if ce := s.logger.Check(zap.DebugLevel, "request headers"); ce != nil {
			ce.Write(zap.String("request_id", reqID), zap.String("headers", logging.SafeHeaders(r.Header)))
		}

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Feed-Address, X-Postage-Stamp")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func pathVar(r *http.Request, name string) string {
	raw := mux.Vars(r)[name]
	v, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return v
}

func pathIndex(w http.ResponseWriter, r *http.Request) (feed.Index, bool) {
	index, err := feed.ParseIndex(pathVar(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INDEX", err.Error(), nil)
		return 0, false
	}
	return index, true
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var recognition *record.RecognitionError
	var reactionErr *reaction.Error
	var writeErr *feed.WriteError
	switch {
	case errors.Is(err, feed.ErrNoUsableStamp):
		return http.StatusPaymentRequired, "NO_USABLE_STAMP", "No usable postage stamp", nil
	case errors.Is(err, feed.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, ErrIdentifier), errors.Is(err, feed.ErrInvalidIdentifier):
		return http.StatusBadRequest, "INVALID_IDENTIFIER", "Invalid feed identifier", nil
	case errors.Is(err, feed.ErrRangeTooLarge):
		return http.StatusBadRequest, "RANGE_TOO_LARGE", err.Error(), nil
	case errors.As(err, &recognition):
		return http.StatusUnprocessableEntity, "UNRECOGNIZED_RECORD", err.Error(), nil
	case errors.As(err, &reactionErr):
		return http.StatusUnprocessableEntity, "INVALID_REACTION", reactionErr.Error(), nil
	case errors.As(err, &writeErr):
		return http.StatusBadGateway, "FEED_WRITE_FAILED", "Feed write failed", map[string]any{"op": writeErr.Op}
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
