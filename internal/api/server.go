// Package api exposes the session engine over HTTP for presentation
// clients. Payloads are opaque; the server never sees plaintext.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stealthchat/internal/session"
)

// DefaultPort is used when StartOpts.Port is unset.
const DefaultPort = 8080

// Engine is the subset of session.Engine the API drives.
type Engine interface {
	StartSession(ctx context.Context) (string, error)
	JoinSession(ctx context.Context, sid string) (int, error)
	LeaveSession(ctx context.Context, sid string) (int, error)
	SendMessage(ctx context.Context, sid, payload string) error
	Subscribe(sid string, fn session.Subscriber) (session.SubscriptionID, error)
	Unsubscribe(sid string, id session.SubscriptionID)
	Sessions() []session.Entry
	Session(sid string) (session.Entry, bool)
	Reconcile(ctx context.Context) error
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Engine Engine
	Port   int
	Out    io.Writer
}

// NewRouter builds the gin router serving the API.
func NewRouter(engine Engine) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, engine)
	return router
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Engine == nil {
		return fmt.Errorf("api: engine is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Engine),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
