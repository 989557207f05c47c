// Package server exposes the webhook, health, status and metrics endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"futflow/config"
	"futflow/internal/probe"
	"futflow/internal/scheduler"
	"futflow/internal/telegram"
	"futflow/logger"
)

const maxWebhookBody = 1 << 20

type StatusSource interface {
	Status() scheduler.Status
}

type SubscriberCounter interface {
	Count() int
}

type UpdateHandler interface {
	Handle(ctx context.Context, upd telegram.Update) error
}

type Prober interface {
	Enabled() bool
	Run(ctx context.Context) (probe.Result, error)
}

// Deps are the collaborators behind the routes. Metrics and Probe are
// optional.
type Deps struct {
	AppName       string
	WebhookSecret string
	WebhookSet    bool
	Scheduler     StatusSource
	Subscribers   SubscriberCounter
	Bot           UpdateHandler
	Metrics       http.Handler
	Probe         Prober
}

type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	log        *logger.Log
	logs       *logRing
	httpServer *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, deps: deps, log: logger.GetLogger(), logs: newLogRing(cfg.LogHistory)}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.Router()
	if err != nil {
		return err
	}

	s.log.AddHook(s.logs)
	defer s.logs.close()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("server").WithFields(logger.Fields{"address": s.cfg.Address}).Info("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Address() string {
	return s.cfg.Address
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.POST("/webhook/:secret", s.handleWebhook)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	router.GET("/probe/login", s.handleProbe)
	router.GET("/logs", s.handleLogs)

	return router, nil
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": s.deps.AppName})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.deps.Scheduler.Status()

	var nextRun, lastRun interface{}
	if !st.NextRun.IsZero() {
		nextRun = st.NextRun.UTC().Format(time.RFC3339)
	}
	if !st.LastRun.IsZero() {
		lastRun = st.LastRun.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, gin.H{
		"scheduler_active":  st.Active,
		"scheduler_state":   string(st.State),
		"frequency_min":     int(st.Interval.Minutes()),
		"next_run":          nextRun,
		"last_run":          lastRun,
		"last_signals":      st.LastSignals,
		"subscribers_count": s.deps.Subscribers.Count(),
		"webhook_set":       s.deps.WebhookSet,
	})
}

// handleWebhook rejects a wrong path secret before reading the body, so a
// mismatch has no side effects.
func (s *Server) handleWebhook(c *gin.Context) {
	secret := c.Param("secret")
	if s.deps.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.deps.WebhookSecret)) != 1 {
		s.log.WithComponent("server").WithFields(logger.Fields{"remote": c.ClientIP()}).Warn("webhook secret mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "unreadable body"})
		return
	}

	upd, ok := telegram.ParseUpdate(body)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	if err := s.deps.Bot.Handle(c.Request.Context(), upd); err != nil {
		s.log.WithComponent("server").WithError(err).WithFields(logger.Fields{
			"chat_id":   upd.ChatID,
			"update_id": upd.UpdateID,
		}).Warn("command handling failed")
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
}

func (s *Server) handleProbe(c *gin.Context) {
	if s.deps.Probe == nil || !s.deps.Probe.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"detail": "login probe disabled"})
		return
	}
	res, err := s.deps.Probe.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
