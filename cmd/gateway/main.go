package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/newton-ai/lti-gateway/internal/admin"
	"github.com/newton-ai/lti-gateway/internal/config"
	"github.com/newton-ai/lti-gateway/internal/db"
	"github.com/newton-ai/lti-gateway/internal/lti"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	// --- Launch-trust wiring ---
	registry := &lti.SQLRegistry{DB: dbh}
	states := &lti.SQLStateStore{DB: dbh, TTL: cfg.StateTTL, Skew: cfg.ClockSkew}

	var sealer *lti.Sealer
	if cfg.StateSecret != "" {
		sealer, err = lti.NewSealer(cfg.StateSecret)
		if err != nil {
			log.Fatalf("state sealer: %v", err)
		}
	} else {
		log.Printf("LTI_STATE_SECRET not set; cookieless state fallback disabled")
	}

	keyMgr := &lti.KeyManager{
		Storage:          &lti.SQLKeyStorage{DB: dbh},
		RotationInterval: cfg.KeyRotationInterval,
		Retention:        cfg.KeyRetention,
	}
	platformKeys := &lti.PlatformKeys{
		TTL:     cfg.PlatformJWKSCacheTTL,
		Retries: cfg.PlatformJWKSRetries,
	}

	login := &lti.Initiator{
		Platforms:   registry,
		States:      states,
		Sealer:      sealer,
		RedirectURI: cfg.LaunchRedirectURI(),
		StateTTL:    cfg.StateTTL,
	}
	launch := &lti.Validator{
		Platforms: registry,
		States:    states,
		Keys:      platformKeys,
		Sealer:    sealer,
		ClockSkew: cfg.ClockSkew,
	}
	jwksHandler := &lti.JWKSHandler{Provider: keyMgr}
	toolConfig := &lti.ToolConfigHandler{
		Config: lti.NewToolConfig(
			"Newton AI",
			"AI tutoring assistant for secondary school students.",
			cfg.LoginInitiationURI(),
			cfg.LaunchRedirectURI(),
			cfg.JWKSURI(),
		),
	}

	// Publish a key set before the first launch arrives.
	kid, err := keyMgr.ActiveKID(ctx)
	if errors.Is(err, lti.ErrNoActiveKey) {
		k, rerr := keyMgr.Rotate(ctx)
		if rerr != nil {
			log.Fatalf("tool key init: %v", rerr)
		}
		kid = k.KID
	} else if err != nil {
		log.Fatalf("tool key init: %v", err)
	}
	log.Printf("active signing key: %s", kid)

	// --- Router ---
	adminRoutes := admin.Routes(registry, keyMgr, cfg.AdminUser, cfg.AdminPassHash)
	r := newRouter(cfg.CORSOrigins, login, launch, jwksHandler, toolConfig, adminRoutes, dbh)

	// Expired login attempts accumulate fast under load; sweep on a timer.
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for range t.C {
			pctx, pcancel := context.WithTimeout(context.Background(), 10*time.Second)
			if n, err := states.PurgeExpired(pctx); err != nil {
				log.Printf("state purge: %v", err)
			} else if n > 0 {
				log.Printf("state purge: removed %d expired records", n)
			}
			pcancel()
		}
	}()

	log.Printf("lti-gateway listening on %s (public %s)", cfg.HTTPAddr, cfg.PublicURL)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

// newRouter composes the HTTP surface. The JWKS and tool-config endpoints
// are world-readable and manage their own open CORS headers, so they sit
// outside the credentialed app-wide CORS policy: the cors middleware
// terminates preflights itself and would answer them for unlisted platform
// origins without Access-Control-Allow-Origin.
func newRouter(corsOrigins []string, login, launch, jwks, toolConfig, adminRoutes http.Handler, dbh *sql.DB) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/.well-known/jwks.json", jwks)
	r.Handle("/lti/config", toolConfig)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbh.PingContext(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Get("/lti/login", login.ServeHTTP)
		r.Post("/lti/login", login.ServeHTTP)
		r.Post("/lti/launch", launch.ServeHTTP)
		r.Mount("/admin", adminRoutes)
	})

	return r
}
