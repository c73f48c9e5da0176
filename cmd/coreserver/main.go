// Package main is the HTTP entry point for the core security runtime:
// rate limiting, audit logging, OAuth 2.1 authorization, and sandboxed
// code execution served behind one process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/corekernel/internal/config"
	"github.com/r3e-network/corekernel/internal/httputil"
	"github.com/r3e-network/corekernel/internal/kernel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	k, err := kernel.New(cfg)
	if err != nil {
		log.Fatalf("kernel: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx); err != nil {
		log.Fatalf("kernel: %v", err)
	}

	issuer := os.Getenv("CORE_ISSUER")
	if issuer == "" {
		issuer = "http://localhost" + cfg.HTTPAddr
	}

	router := mux.NewRouter()
	router.Use(recoveryMiddleware(k.Logger))
	router.Use(loggingMiddleware(k.Logger))
	router.Use(httputil.CORSMiddleware(corsAllowedOrigins()))

	router.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", readyHandler(k)).Methods(http.MethodGet)
	if cfg.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc("/.well-known/oauth-authorization-server", discoveryHandler(k, issuer)).Methods(http.MethodGet)
	router.HandleFunc("/oauth/register", registerClientHandler(k)).Methods(http.MethodPost)
	router.HandleFunc("/oauth/authorize", authorizeHandler(k)).Methods(http.MethodGet)
	router.Handle("/oauth/token", rateLimitMiddleware(k)(tokenHandler(k))).Methods(http.MethodPost)
	router.HandleFunc("/oauth/introspect", introspectHandler(k)).Methods(http.MethodPost)
	router.HandleFunc("/oauth/revoke", revokeHandler(k)).Methods(http.MethodPost)

	sandboxRoutes := router.PathPrefix("/v1/sandbox").Subrouter()
	sandboxRoutes.Use(rateLimitMiddleware(k))
	sandboxRoutes.HandleFunc("/execute", sandboxExecuteHandler(k)).Methods(http.MethodPost)
	sandboxRoutes.HandleFunc("/{id}/cancel", sandboxCancelHandler(k)).Methods(http.MethodPost)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("corekernel listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := k.Shutdown(shutdownCtx); err != nil {
		log.Printf("kernel shutdown: %v", err)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readyHandler(k *kernel.Kernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := k.Runtime.Available(r.Context()); err != nil {
			httputil.ServiceUnavailable(w, "container runtime unavailable")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func corsAllowedOrigins() []string {
	allowed := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if allowed == "" {
		return []string{"*"}
	}
	return strings.Split(allowed, ",")
}
