// Package webservice serves the mirrored screen over HTTP, websocket and
// WebRTC data channels.
package webservice

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"dptscreen/dpt"
	"dptscreen/sdriver"
	sagent "dptscreen/streamAgent"
)

const shutdownTimeout = 5 * time.Second

// StreamSource is the part of the stream controller the web service needs.
type StreamSource interface {
	Agent() *sagent.Agent
	Endpoint() (dpt.DeviceEndpoint, bool)
	Driver() (sdriver.SDriver, error)
	Rediscover(ctx context.Context) (dpt.DeviceEndpoint, error)
}

type Options struct {
	// PIN enables unlock and token auth when non-empty.
	PIN       string
	JWTSecret []byte
	WebRTC    WebRTCOptions
}

type WebMaster struct {
	source StreamSource
	logger *slog.Logger

	pin       string
	jwtSecret []byte
	now       func() time.Time

	unlockMu             sync.Mutex
	UnlockAttemptRecords map[string]UnlockAttemptRecord

	WebRTCManager *WebRTCManager
}

func New(source StreamSource, opts Options, logger *slog.Logger) (*WebMaster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := opts.JWTSecret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
	}
	logger = logger.With("component", "web")
	return &WebMaster{
		source:               source,
		logger:               logger,
		pin:                  opts.PIN,
		jwtSecret:            secret,
		now:                  time.Now,
		UnlockAttemptRecords: make(map[string]UnlockAttemptRecord),
		WebRTCManager:        NewWebRTCManager(source.Agent(), opts.WebRTC, logger),
	}, nil
}

func (wm *WebMaster) Router() *gin.Engine {
	r := gin.New()
	// Lockout is keyed by client IP, so forwarded headers are not trusted.
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery(), wm.requestLogger())

	api := r.Group("/api")
	api.POST("/unlock", wm.handleUnlock)

	authed := api.Group("")
	if wm.pin != "" {
		authed.Use(wm.HybridAuthMiddleware())
	}
	authed.GET("/device", wm.handleDevice)
	authed.POST("/device/discover", wm.handleDiscover)
	authed.GET("/screen.png", wm.handleScreenPNG)
	authed.GET("/screen/ws", wm.handleScreenWS)
	authed.POST("/screen/webrtc", wm.handleScreenWebRTC)
	return r
}

// Serve handles requests on ln until ctx is done, then shuts down gracefully.
func (wm *WebMaster) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           wm.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers end with ctx; Shutdown does not wait for them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	wm.logger.Info("web service listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		wm.WebRTCManager.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	wm.WebRTCManager.Close()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}

func (wm *WebMaster) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		wm.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
			"latency", time.Since(start),
		)
	}
}
