package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agent-workspace/realtime/api/handlers"
	"github.com/agent-workspace/realtime/internal/auth"
	"github.com/agent-workspace/realtime/internal/broadcast"
	"github.com/agent-workspace/realtime/internal/cluster"
	"github.com/agent-workspace/realtime/internal/config"
	"github.com/agent-workspace/realtime/internal/db"
	"github.com/agent-workspace/realtime/internal/history"
	"github.com/agent-workspace/realtime/internal/hooks"
	"github.com/agent-workspace/realtime/internal/logging"
	"github.com/agent-workspace/realtime/internal/repository"
	"github.com/agent-workspace/realtime/internal/tenancy"
	"github.com/agent-workspace/realtime/internal/ws"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

const banner = `
                 _ _   _
  _ __ ___  __ _| | |_(_)_ __ ___   ___
 | '__/ _ \/ _' | | __| | '_ ' _ \ / _ \
 | | |  __/ (_| | | |_| | | | | | |  __/
 |_|  \___|\__,_|_|\__|_|_| |_| |_|\___|
`

const (
	relayReadyTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	statsInterval     = 15 * time.Second
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, cfg.IsDevelopment())

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	workspaces := repository.NewWorkspaceRepository(database)

	directory := tenancy.NewDirectory()
	if err := directory.Load(ctx, workspaces); err != nil {
		return fmt.Errorf("loading ownership directory: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	authenticator := auth.NewAuthenticator(verifier, workspaces, directory, logging.Component(logger, "auth"))

	historyOpts := history.Options{
		Capacity:  cfg.History.Capacity,
		Retention: cfg.History.Retention,
	}
	if cfg.History.Persist {
		historyOpts.Store = repository.NewEventRepository(database)
	}
	historyLog := history.NewLog(historyOpts, logging.Component(logger, "history"))
	historyLog.Start(ctx)
	defer historyLog.Close()

	clock := protocol.NewClock()
	wsService := ws.NewService(ws.ServiceConfig{
		Clock:     clock,
		Directory: directory,
		Auth:      authenticator,
		History:   historyLog,
		Recorder:  historyLog,
		Options: ws.HandlerOptions{
			HandshakeTimeout: cfg.Auth.HandshakeTimeout,
			SendBufferSize:   cfg.WebSocket.SendBufferSize,
			MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
			AllowedOrigins:   cfg.Server.AllowedOrigins,
		},
	}, logging.Component(logger, "ws"))

	var relayCloser io.Closer
	defer func() { teardown(wsService, relayCloser, logger) }()

	checks := map[string]handlers.Check{"database": database.PingContext}

	var fanout broadcast.Fanout = wsService.Rooms()
	var node string
	if cfg.Redis.Enabled() {
		relay, err := startRelay(ctx, cfg, wsService.Rooms(), logging.Component(logger, "cluster"))
		if err != nil {
			return err
		}
		relayCloser = relay
		node = relay.Node()
		wsService.Rooms().SetPublisher(relay)
		fanout = relay
		checks["redis"] = relay.Ping
	}

	broadcaster := broadcast.NewService(fanout, clock, logging.Component(logger, "broadcast"))
	wsService.Handler().SetEventPublisher(broadcaster)
	hookSet := hooks.New(broadcaster, directory, workspaces, logging.Component(logger, "hooks"))

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(logger), logging.GinMetrics())
	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	handlers.NewHealthHandler(wsService, checks).
		SetDirectory(directory).
		SetNode(node).
		RegisterRoutes(r)
	handlers.NewWebSocketHandler(wsService).RegisterRoutes(r)
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api", auth.ServiceAuth(verifier))
	{
		handlers.NewHookHandler(hookSet).RegisterRoutes(api)
		handlers.NewTokenHandler(verifier, cfg.Auth.TokenTTL).RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(cfg)

	go refreshStats(ctx, wsService)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("env", cfg.Env).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

// startRelay connects to Redis and waits until the relay subscription is live
// so no envelope published after startup is missed.
func startRelay(ctx context.Context, cfg *config.Config, local cluster.Deliverer, logger zerolog.Logger) (*cluster.Relay, error) {
	relay, err := cluster.NewRelay(ctx, cfg.Redis.URL, cfg.Redis.Channel, local, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting redis relay: %w", err)
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("relay stopped")
		}
	}()

	select {
	case <-relay.Ready():
	case <-time.After(relayReadyTimeout):
		relay.Close()
		return nil, errors.New("redis relay did not subscribe in time")
	case <-ctx.Done():
		relay.Close()
		return nil, ctx.Err()
	}
	return relay, nil
}

// teardown closes the connections before the relay, since each disconnect
// publishes a presence change through it. relay may be nil.
func teardown(conns interface{ Close() }, relay io.Closer, logger zerolog.Logger) {
	conns.Close()
	if relay == nil {
		return
	}
	if err := relay.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing relay")
	}
}

// refreshStats keeps the room and connection gauges current between joins.
func refreshStats(ctx context.Context, s *ws.Service) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Stats()
		}
	}
}

func printBanner(cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("  %s (%s)\n\n", version, cfg.Env)

	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Redis.Enabled() {
		green.Print("    ▶ ")
		fmt.Printf("Relay:     %s\n", cfg.Redis.Channel)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()
}

// corsMiddleware allows the configured origins, or any origin when none are set.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(origins) == 0:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origins[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
