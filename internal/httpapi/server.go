package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldpress/contentsync/internal/contentsync"
)

type ServerConfig struct {
	WebhookSecrets map[string]string
	PreviewToken   string
	AdminToken     string
	MaxSkew        time.Duration
	MaxBodyBytes   int64
	CacheTTL       time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP edge of the pipeline: webhook ingress on the write
// side, the public/preview read gateway on the read side, and the
// dead-letter admin surface.
type Server struct {
	store      contentsync.Store
	queue      contentsync.ChangeQueue
	consumer   *contentsync.Consumer
	normalizer *contentsync.AdapterRegistry
	cfg        ServerConfig
	cache      *recordCache

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewServer(store contentsync.Store, queue contentsync.ChangeQueue, consumer *contentsync.Consumer, normalizer *contentsync.AdapterRegistry, cfg ServerConfig) *Server {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 45 * time.Second
	}
	if normalizer == nil {
		normalizer = contentsync.NewAdapterRegistry(contentsync.SanityAdapter{})
	}
	return &Server{
		store:      store,
		queue:      queue,
		consumer:   consumer,
		normalizer: normalizer,
		cfg:        cfg,
		cache:      newRecordCache(cfg.CacheTTL),
		limiters:   map[string]*rate.Limiter{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "webhooks" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "content" && parts[2] == "id" && r.Method == http.MethodGet:
		s.handlePublicRead(w, r, readKeyID(parts[3]))
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "content" && r.Method == http.MethodGet:
		s.handlePublicRead(w, r, readKeySlug(parts[2], parts[3]))
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "preview" && parts[2] == "content" && parts[3] == "id" && r.Method == http.MethodGet:
		s.handlePreviewRead(w, r, readKeyID(parts[4]))
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "preview" && parts[2] == "content" && r.Method == http.MethodGet:
		s.handlePreviewRead(w, r, readKeySlug(parts[3], parts[4]))
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		s.handleDeadLetters(w, r)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		s.handleDeadLetterItem(w, r, parts[3])
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "dead-letters" && parts[4] == "replay" && r.Method == http.MethodPost:
		s.handleDeadLetterReplay(w, r, parts[3])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type readKey struct {
	id          string
	contentType string
	slug        string
}

func readKeyID(id string) readKey {
	return readKey{id: id}
}

func readKeySlug(contentType, slug string) readKey {
	return readKey{contentType: contentType, slug: slug}
}

func (k readKey) cacheKey() string {
	if k.id != "" {
		return "id|" + k.id
	}
	return "slug|" + k.contentType + "|" + k.slug
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, source string) {
	source = strings.ToLower(strings.TrimSpace(source))
	secret, ok := s.cfg.WebhookSecrets[source]
	if !ok || secret == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown webhook source")
		return
	}
	if !s.allowSource(source) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable request body")
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return
	}

	// Signature verification runs on the raw bytes. Parsing anything before
	// the signature checks out would trust an unauthenticated payload.
	if authErr := verifySourceSignature(
		secret,
		r.Header.Get("X-Content-Timestamp"),
		r.Header.Get("X-Content-Signature"),
		body,
		time.Now().UTC(),
		s.cfg.MaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	msg, err := s.normalizer.Normalize(source, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := contentsync.ValidateMessage(msg); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	deliveryID, err := s.queue.Enqueue(r.Context(), msg)
	if err != nil {
		if errors.Is(err, contentsync.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", "change queue is full")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"id":         msg.RecordID(),
		"deliveryId": deliveryID,
	})
}

// handlePublicRead serves the eventually consistent path: replica-eligible
// and cache-eligible.
func (s *Server) handlePublicRead(w http.ResponseWriter, r *http.Request, key readKey) {
	now := time.Now().UTC()
	if record, ok := s.cache.get(key.cacheKey(), now); ok {
		writeJSON(w, http.StatusOK, record)
		return
	}
	record, err := s.readRecord(key, contentsync.ReadReplica)
	if err != nil {
		s.writeReadError(w, err)
		return
	}
	s.cache.set(key.cacheKey(), record, now)
	writeJSON(w, http.StatusOK, record)
}

// handlePreviewRead serves the strongly consistent path: primary-only and
// cache-bypassing, so an author sees their own just-published change.
func (s *Server) handlePreviewRead(w http.ResponseWriter, r *http.Request, key readKey) {
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.PreviewToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	record, err := s.readRecord(key, contentsync.ReadPrimary)
	if err != nil {
		s.writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) readRecord(key readKey, mode contentsync.ReadMode) (contentsync.ContentRecord, error) {
	if key.id != "" {
		return s.store.GetByID(key.id, mode)
	}
	return s.store.GetBySlug(key.contentType, key.slug, mode)
}

func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, contentsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "content not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.consumer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []contentsync.DeadLetter{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.consumer.DeadLetters()})
}

func (s *Server) handleDeadLetterItem(w http.ResponseWriter, r *http.Request, deliveryID string) {
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.consumer == nil {
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found")
		return
	}
	dead, ok := s.consumer.DeadLetter(deliveryID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found")
		return
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request, deliveryID string) {
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.consumer == nil {
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found")
		return
	}
	if err := s.consumer.ReplayDeadLetter(r.Context(), deliveryID); err != nil {
		if errors.Is(err, contentsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dead letter not found")
			return
		}
		if errors.Is(err, contentsync.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", "change queue is full")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "deliveryId": deliveryID})
}

func (s *Server) allowSource(source string) bool {
	if s.cfg.RateLimitRPS <= 0 {
		return true
	}
	s.limiterMu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), burst)
		s.limiters[source] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
