package httpapi

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentworkforce/calsync/internal/calsync"
)

const correlationKey = "correlationId"

type ServerConfig struct {
	// AuthToken guards the consumer routes; empty leaves them open.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowOrigins    []string
	// TrustedProxies may set the client address through X-Forwarded-For.
	// Nil trusts no proxy.
	TrustedProxies  []string
	Logger          calsync.Logger
	Now             func() time.Time
}

// Server exposes the cache to consumers and accepts provider callbacks.
type Server struct {
	cfg          ServerConfig
	store        calsync.CacheStore
	orchestrator *calsync.Orchestrator
	webhooks     *calsync.WebhookService
	queue        *calsync.NotificationQueue
	limiter      *rateLimiter
	logger       calsync.Logger
	now          func() time.Time
	engine       *gin.Engine
}

type Dependencies struct {
	Store        calsync.CacheStore
	Orchestrator *calsync.Orchestrator
	Webhooks     *calsync.WebhookService
	Queue        *calsync.NotificationQueue
}

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		cfg:          cfg,
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		webhooks:     deps.Webhooks,
		queue:        deps.Queue,
		limiter:      newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		logger:       logger,
		now:          now,
	}
	s.engine = s.routes()
	return s
}

const (
	ReadTimeout  = 30 * time.Second
	WriteTimeout = 2 * time.Minute
	streamPath   = "/v1/events/stream"
)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == streamPath {
		// Stream connections outlive the server read and write timeouts.
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})
	}
	s.engine.ServeHTTP(w, r)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		s.logger.Printf("invalid trusted proxies %v, trusting none: %v", s.cfg.TrustedProxies, err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(s.correlation())
	r.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.AllowOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/v1/webhooks/:source", s.rateLimit(), s.handleWebhook)

	v1 := r.Group("/v1")
	v1.Use(s.requireBearer())
	{
		v1.GET("/events", s.handleQueryEvents)
		v1.GET("/events/changes", s.handleChanges)
		v1.GET(strings.TrimPrefix(streamPath, "/v1"), s.handleStream)
		v1.GET("/sync/status", s.handleSyncStatus)
		v1.POST("/sync/refresh", s.handleFullRefresh)
		v1.POST("/sync/:source/refresh", s.handleSourceRefresh)
		v1.GET("/subscriptions", s.handleListSubscriptions)
		v1.POST("/subscriptions/:source", s.handleRegister)
		v1.DELETE("/subscriptions/:source", s.handleUnregister)
	}
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

func (s *Server) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Correlation-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header("X-Correlation-Id", id)
		c.Next()
	}
}

func (s *Server) handleWebhook(c *gin.Context) {
	source, err := calsync.ParseSource(c.Param("source"))
	if err != nil {
		writeError(c, http.StatusNotFound, "unsupported_source", err.Error())
		return
	}
	body, ok := s.readRequestBody(c)
	if !ok {
		return
	}
	notification, err := calsync.DecodeNotification(source, c.Request.Header, c.Request.URL.Query(), body, s.now().UTC())
	if err != nil {
		s.logger.Printf("malformed webhook source=%s correlation=%s: %v", source, correlationID(c), err)
		writeError(c, http.StatusBadRequest, calsync.ErrorCode(err), err.Error())
		return
	}
	if notification.ValidationToken != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(notification.ValidationToken))
		return
	}

	ctx := c.Request.Context()
	accepted := 0
	for _, evt := range notification.Events {
		if err := s.webhooks.VerifyClientState(ctx, evt); err != nil {
			if errors.Is(err, calsync.ErrClientStateMismatch) {
				s.logger.Printf("webhook rejected source=%s subscription=%s: %v", source, evt.SubscriptionID, err)
				writeError(c, http.StatusForbidden, calsync.ErrorCode(err), "client state mismatch")
				return
			}
			s.logger.Printf("webhook dropped source=%s subscription=%s: %v", source, evt.SubscriptionID, err)
			continue
		}
		if err := s.queue.TryEnqueue(evt); err != nil {
			continue
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":        "accepted",
		"events":        len(notification.Events),
		"queued":        accepted,
		"correlationId": correlationID(c),
	})
}

func (s *Server) handleQueryEvents(c *gin.Context) {
	q := calsync.Query{}
	if raw := strings.TrimSpace(c.Query("source")); raw != "" {
		source, err := calsync.ParseSource(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		q.Source = source
	}
	var ok bool
	if q.Start, ok = parseTimeParam(c, "start"); !ok {
		return
	}
	if q.End, ok = parseTimeParam(c, "end"); !ok {
		return
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		writeError(c, http.StatusBadRequest, "bad_request", "end is before start")
		return
	}
	events, err := s.store.Query(c.Request.Context(), q)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleChanges(c *gin.Context) {
	source, err := calsync.ParseSource(c.Query("source"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "source query is required: "+err.Error())
		return
	}
	since, ok := parseTimeParam(c, "since")
	if !ok {
		return
	}
	changes, err := s.store.ChangesSince(c.Request.Context(), source, since)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	cursor := since
	for _, rec := range changes {
		if rec.ModifiedAt.After(cursor) {
			cursor = rec.ModifiedAt
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"source":  source,
		"changes": changes,
		"cursor":  cursor.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	ctx := c.Request.Context()
	sources, err := s.orchestrator.Status(ctx)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	deleted, err := s.orchestrator.DeletedCount(ctx)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	pending, err := s.orchestrator.PendingCount(ctx)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	feed := s.orchestrator.Feed()
	c.JSON(http.StatusOK, gin.H{
		"sources": sources,
		"deleted": deleted,
		"pending": pending,
		"queue":   s.queue.Stats(),
		"stream":  gin.H{"subscribers": feed.Subscribers(), "dropped": feed.Dropped()},
	})
}

func (s *Server) handleFullRefresh(c *gin.Context) {
	results, err := s.orchestrator.TriggerFullRefresh(c.Request.Context())
	status := http.StatusOK
	if err != nil {
		s.logger.Printf("full refresh finished with errors correlation=%s: %v", correlationID(c), err)
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"results": results})
}

func (s *Server) handleSourceRefresh(c *gin.Context) {
	source, err := calsync.ParseSource(c.Param("source"))
	if err != nil {
		writeError(c, http.StatusNotFound, "unsupported_source", err.Error())
		return
	}
	result, err := s.orchestrator.TriggerIncrementalRefresh(c.Request.Context(), source)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// subscriptionView hides the client state secret.
func subscriptionView(hook calsync.RegisteredWebhook) calsync.RegisteredWebhook {
	hook.ClientState = ""
	return hook
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	hooks, err := s.webhooks.ListWebhooks(c.Request.Context())
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	views := make([]calsync.RegisteredWebhook, 0, len(hooks))
	for _, hook := range hooks {
		views = append(views, subscriptionView(hook))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": views})
}

func (s *Server) handleRegister(c *gin.Context) {
	source, err := calsync.ParseSource(c.Param("source"))
	if err != nil {
		writeError(c, http.StatusNotFound, "unsupported_source", err.Error())
		return
	}
	hook, err := s.webhooks.Register(c.Request.Context(), source)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusCreated, subscriptionView(hook))
}

func (s *Server) handleUnregister(c *gin.Context) {
	source, err := calsync.ParseSource(c.Param("source"))
	if err != nil {
		writeError(c, http.StatusNotFound, "unsupported_source", err.Error())
		return
	}
	removed, err := s.webhooks.Unregister(c.Request.Context(), source)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "removed": removed})
}

func (s *Server) readRequestBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(c, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) writeFailure(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed path=%s correlation=%s: %v", c.FullPath(), correlationID(c), err)
	}
	writeError(c, status, calsync.ErrorCode(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, calsync.ErrInvalidInput), errors.Is(err, calsync.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, calsync.ErrUnsupportedSource), errors.Is(err, calsync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calsync.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, calsync.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, calsync.ErrNetwork), errors.Is(err, calsync.ErrAuthExpired), errors.Is(err, calsync.ErrTokenExpired):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid "+name+": expected RFC3339 timestamp")
		return time.Time{}, false
	}
	return parsed.UTC(), true
}

func correlationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":          code,
		"message":       message,
		"correlationId": correlationID(c),
	})
}

func abortError(c *gin.Context, status int, code, message string) {
	writeError(c, status, code, message)
	c.Abort()
}
