// Command hub runs the proxy fabric's control plane: the agent
// WebSocket server, the SOCKS5 frontend, and the admin command-streaming
// HTTP endpoint.
//
// Command-line flags:
//
//	--bind-address: interface the listeners bind to (default 0.0.0.0)
//	--websocket-port: agent control-plane WebSocket port (default 9000)
//	--socks5-port: SOCKS5 frontend port (default 1080)
//	--http-port: command-streaming HTTP port (default 8080)
//	--connect-timeout: seconds to wait for a ConnectResponse (default 10)
//	--jwt-secret: HMAC secret for admin bearer tokens
//	--token-db-dsn: Postgres DSN for the bearer-token store
//	--token-cache-redis-url: optional Redis URL fronting the token store
//	--log-level, --log-pretty: logging
//
// Environment variables BIND_ADDRESS, WEBSOCKET_PORT, SOCKS5_PORT,
// HTTP_PORT, CONNECT_TIMEOUT_SECONDS, JWT_SECRET, TOKEN_DB_DSN,
// TOKEN_CACHE_REDIS_URL, LOG_LEVEL, LOG_PRETTY provide flag defaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/streamspace-dev/proxyfabric/internal/hub/authjwt"
	"github.com/streamspace-dev/proxyfabric/internal/hub/cmdrouter"
	"github.com/streamspace-dev/proxyfabric/internal/hub/cmdstream"
	"github.com/streamspace-dev/proxyfabric/internal/hub/config"
	"github.com/streamspace-dev/proxyfabric/internal/hub/pending"
	"github.com/streamspace-dev/proxyfabric/internal/hub/registry"
	"github.com/streamspace-dev/proxyfabric/internal/hub/socks5"
	"github.com/streamspace-dev/proxyfabric/internal/hub/tokens"
	"github.com/streamspace-dev/proxyfabric/internal/hub/wsserver"
	"github.com/streamspace-dev/proxyfabric/internal/logging"
)

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true"
	}
	return defaultValue
}

func main() {
	bindAddress := flag.String("bind-address", getEnvOrDefault("BIND_ADDRESS", "0.0.0.0"), "interface to bind listeners to")
	websocketPort := flag.Int("websocket-port", getEnvIntOrDefault("WEBSOCKET_PORT", 9000), "agent control-plane WebSocket port")
	socks5Port := flag.Int("socks5-port", getEnvIntOrDefault("SOCKS5_PORT", 1080), "SOCKS5 frontend port")
	httpPort := flag.Int("http-port", getEnvIntOrDefault("HTTP_PORT", 8080), "command-streaming HTTP port")
	connectTimeoutSeconds := flag.Int("connect-timeout", getEnvIntOrDefault("CONNECT_TIMEOUT_SECONDS", 10), "seconds to wait for a connect-response")
	jwtSecret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "HMAC secret for admin bearer tokens")
	tokenDBDSN := flag.String("token-db-dsn", os.Getenv("TOKEN_DB_DSN"), "Postgres DSN for the bearer-token store")
	tokenCacheRedisURL := flag.String("token-cache-redis-url", os.Getenv("TOKEN_CACHE_REDIS_URL"), "optional Redis URL fronting the token store")
	logLevel := flag.String("log-level", getEnvOrDefault("LOG_LEVEL", "info"), "zerolog level")
	logPretty := flag.Bool("log-pretty", getEnvBoolOrDefault("LOG_PRETTY", false), "console-formatted logs instead of JSON")
	flag.Parse()

	cfg := config.Config{
		BindAddress:        *bindAddress,
		WebsocketPort:      uint16(*websocketPort),
		Socks5Port:         uint16(*socks5Port),
		HTTPPort:           uint16(*httpPort),
		ConnectTimeout:     time.Duration(*connectTimeoutSeconds) * time.Second,
		LogLevel:           *logLevel,
		LogPretty:          *logPretty,
		JWTSecret:          *jwtSecret,
		TokenDBDSN:         *tokenDBDSN,
		TokenCacheRedisURL: *tokenCacheRedisURL,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Initialize("hub", cfg.LogLevel, cfg.LogPretty)
	log := logging.Log

	tokenStore, err := buildTokenStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token store")
	}

	reg := registry.New()
	pend := pending.New()
	cmds := cmdrouter.New()

	ws := wsserver.New(reg, pend, cmds, logging.Component("wsserver"))
	frontend := socks5.New(reg, pend, tokenStore, cfg.ConnectTimeout, logging.Component("socks5"))
	cmdHandler := cmdstream.New(reg, cmds, logging.Component("cmdstream"))
	jwtManager := authjwt.NewManager(cfg.JWTSecret)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/api/v1/commands/:agentId/stream", jwtManager.RequireAdmin(), cmdHandler.Stream)

	httpAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(int(cfg.HTTPPort)))
	httpServer := &http.Server{Addr: httpAddr, Handler: router}

	wsRouter := gin.New()
	wsRouter.Use(gin.Recovery())
	wsRouter.GET("/api/v1/agents/connect", ws.Handle)
	wsAddr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(int(cfg.WebsocketPort)))
	wsServer := &http.Server{Addr: wsAddr, Handler: wsRouter}

	socks5Addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(int(cfg.Socks5Port)))
	socks5Listener, err := net.Listen("tcp", socks5Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", socks5Addr).Msg("failed to bind SOCKS5 listener")
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		log.Info().Str("addr", httpAddr).Msg("command-streaming server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		log.Info().Str("addr", wsAddr).Msg("agent WebSocket server listening")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("agent WebSocket server failed")
		}
	}()

	go func() {
		log.Info().Str("addr", socks5Addr).Msg("SOCKS5 frontend listening")
		if err := frontend.Serve(ctx, socks5Listener); err != nil {
			log.Error().Err(err).Msg("SOCKS5 frontend stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("agent WebSocket server shutdown error")
	}
	log.Info().Msg("hub stopped")
}

// buildTokenStore constructs the Postgres-backed token store, optionally
// fronted by a Redis cache-aside layer when TokenCacheRedisURL is set.
func buildTokenStore(cfg config.Config) (tokens.Store, error) {
	pgStore, err := tokens.NewPostgresStore(cfg.TokenDBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect token database: %w", err)
	}

	if cfg.TokenCacheRedisURL == "" {
		return pgStore, nil
	}

	opt, err := redis.ParseURL(cfg.TokenCacheRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse token cache redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect token cache redis: %w", err)
	}

	return tokens.NewCachedStore(pgStore, client, 30*time.Second), nil
}
