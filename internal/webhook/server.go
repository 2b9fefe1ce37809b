// Package webhook receives inbound updates from the messaging platform,
// validates them and routes commands/callbacks to registered handlers. It
// also exposes the administrative surface for the delivery queue.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bookbot/internal/eventbus"
	"bookbot/internal/notify"
	"bookbot/internal/queue"
	logx "bookbot/pkg/logx"
)

type Config struct {
	Addr      string
	Secret    string
	PublicURL string

	AdminToken string

	SenderRatePerMinute int
	BlockedSenders      []int64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8088"
	}
	if c.SenderRatePerMinute <= 0 {
		c.SenderRatePerMinute = 20
	}
	return c
}

type Server struct {
	cfg    Config
	log    logx.Logger
	e      *echo.Echo
	router *Router
	svc    *notify.Service
	q      *queue.Queue
	bus    eventbus.Bus

	limiter *senderLimiter
	blocked map[int64]struct{}
}

func NewServer(cfg Config, router *Router, svc *notify.Service, q *queue.Queue, bus eventbus.Bus, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	blocked := make(map[int64]struct{}, len(cfg.BlockedSenders))
	for _, id := range cfg.BlockedSenders {
		blocked[id] = struct{}{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	s := &Server{
		cfg:     cfg,
		log:     log,
		e:       e,
		router:  router,
		svc:     svc,
		q:       q,
		bus:     bus,
		limiter: newSenderLimiter(cfg.SenderRatePerMinute),
		blocked: blocked,
	}

	e.POST("/webhook", s.handleWebhook)
	e.GET("/healthz", s.handleHealth)

	if s.adminEnabled() {
		admin := e.Group("/admin", s.adminAuth)
		admin.GET("/queue/metrics", s.handleQueueMetrics)
		admin.GET("/queue/dlq", s.handleDLQList)
		admin.POST("/queue/dlq/:seq/requeue", s.handleDLQRequeue)
		admin.DELETE("/queue/dlq", s.handleDLQClear)
		admin.POST("/worker/start", s.handleWorkerStart)
		admin.POST("/worker/stop", s.handleWorkerStop)
		admin.GET("/events", s.handleEvents)
	} else {
		log.Warn("admin surface disabled (no admin_token and non-loopback bind)", logx.String("addr", cfg.Addr))
	}

	return s
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.log.Info("webhook server listening", logx.String("addr", s.cfg.Addr))
	err := s.e.Start(s.cfg.Addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// ---- webhook ----

func (s *Server) handleWebhook(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "bad request"})
	}

	if !verifySecretToken(req.Header.Get(headerSecretToken), s.cfg.Secret) ||
		!verifySignature(body, req.Header.Get(headerSignature), s.cfg.Secret) {
		s.security("bad_signature", 0)
		return c.JSON(http.StatusUnauthorized, echo.Map{"status": "unauthorized"})
	}

	up, err := parseUpdate(body)
	if err != nil {
		s.log.Debug("unparseable update dropped", logx.Err(err))
		// Still 200: the platform retries on non-2xx and this payload will
		// never get better.
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	}

	sender := senderOf(up)
	if _, bad := s.blocked[sender]; bad {
		s.security("blocked_sender", sender)
		return c.JSON(http.StatusForbidden, echo.Map{"status": "forbidden"})
	}
	if !s.limiter.allow(sender) {
		s.security("rate_limited", sender)
		return c.JSON(http.StatusTooManyRequests, echo.Map{"status": "rate limited"})
	}

	// Handler work runs in the background so the webhook response returns
	// within the platform's time budget regardless of handler latency.
	go s.router.Dispatch(context.WithoutCancel(req.Context()), up)

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (s *Server) security(kind string, sender int64) {
	s.log.Warn("webhook request rejected", logx.String("reason", kind), logx.Int64("sender", sender))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSecurity, Data: map[string]any{
			"reason": kind,
			"sender": sender,
		}})
	}
}

// ---- health + admin ----

func (s *Server) handleHealth(c echo.Context) error {
	h := s.svc.Health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, h)
}

func (s *Server) adminEnabled() bool {
	if strings.TrimSpace(s.cfg.AdminToken) != "" {
		return true
	}
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimSpace(s.cfg.AdminToken)
		if token == "" {
			// Loopback-only mode: no token required.
			return next(c)
		}
		got := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return c.JSON(http.StatusUnauthorized, echo.Map{"status": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) handleQueueMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.q.Metrics())
}

func (s *Server) handleDLQList(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.q.DeadLetter(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDLQRequeue(c echo.Context) error {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid seq"})
	}
	err = s.q.RequeueDeadLetter(c.Request().Context(), seq)
	if errors.Is(err, queue.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no such entry"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "requeued", "seq": seq})
}

func (s *Server) handleDLQClear(c echo.Context) error {
	if err := s.q.ClearDeadLetter(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "cleared"})
}

func (s *Server) handleWorkerStart(c echo.Context) error {
	if err := s.svc.StartWorker(context.Background()); err != nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "started"})
}

func (s *Server) handleWorkerStop(c echo.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.svc.StopWorker(ctx)
	return c.JSON(http.StatusOK, echo.Map{"status": "stopped"})
}
