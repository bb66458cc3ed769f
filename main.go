package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/claudedeck/claudedeck/agent"
	"github.com/claudedeck/claudedeck/api"
	"github.com/claudedeck/claudedeck/config"
	"github.com/claudedeck/claudedeck/db"
	"github.com/claudedeck/claudedeck/log"
	"github.com/claudedeck/claudedeck/notify"
	"github.com/claudedeck/claudedeck/session"
	"github.com/claudedeck/claudedeck/ws"
)

func main() {
	cfg := config.Get()

	// Initialize database
	_ = db.GetDB()

	// Core services
	store := session.NewLogStore(cfg.ProjectsDir)
	scanner := session.NewProcessScanner(store)
	registry := session.NewRegistry(store, scanner)
	queue := notify.NewQueue()
	runner := agent.NewCLIRunner(cfg.AgentCommand)
	hub := ws.NewHub(registry, queue, runner)

	// Background: watch the projects directory and push list updates
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	changed := make(chan struct{}, 1)
	watcher := session.NewWatcher(cfg.ProjectsDir)
	go watcher.Run(bgCtx, changed)
	go hub.Run(bgCtx, changed)

	// Set Gin to release mode to disable its default debug logging;
	// we use our own zerolog-based request logger instead
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinLogger())

	if cfg.IsDevelopment() {
		r.Use(corsMiddleware())
	}

	// Gzip compression (skip the websocket endpoint, it upgrades the protocol)
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/ws",
	})))

	r.SetTrustedProxies(nil)

	// Ignore .well-known requests (Chrome DevTools, etc.)
	r.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	handlers := api.NewHandlers(registry, queue, hub)
	api.SetupRoutes(r, handlers)

	// Built frontend, when present. Hashed assets are immutable; the SPA
	// shell is never cached.
	r.GET("/assets/*filepath", serveImmutableAssets("frontend/dist/assets"))
	r.NoRoute(func(c *gin.Context) {
		if _, err := os.Stat("frontend/dist/index.html"); err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.File("frontend/dist/index.html")
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:     addr,
		Handler:  r,
		ErrorLog: log.StdErrorLogger(),
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Str("projects", cfg.ProjectsDir).
			Msg("server starting")

		printNetworkAddresses(cfg.Port)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Stop background work first, then drain HTTP connections
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Msg("server stopped")
}

// serveImmutableAssets serves content-hashed assets with a long-lived cache
func serveImmutableAssets(basePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		filePath := c.Param("filepath")
		if strings.Contains(filePath, "..") {
			c.Status(http.StatusForbidden)
			return
		}
		fullPath := filepath.Join(basePath, filePath)
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			c.Status(http.StatusNotFound)
			return
		}
		c.Header("Cache-Control", "public, max-age=31536000, immutable")
		c.File(fullPath)
	}
}

// corsMiddleware creates a CORS middleware for development
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:5173": true,
			"http://localhost:9608": true,
		}

		if allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func printNetworkAddresses(port int) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					log.Info().Str("url", fmt.Sprintf("http://%s:%d", ip4.String(), port)).Msg("network")
				}
			}
		}
	}
}
