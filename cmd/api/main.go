package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authmesh.org/internal/auth"
	"authmesh.org/internal/config"
	"authmesh.org/internal/event"
	"authmesh.org/internal/httpapi"
	"authmesh.org/internal/identity"
	"authmesh.org/internal/keys"
	"authmesh.org/internal/obs"
	"authmesh.org/internal/token"
)

var version = "0.1.0"

func main() {
	obs.Init()
	obs.InitBuildInfo("authmesh-api", version)

	cfg, err := config.LoadAPI()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Signing material. A generated key means tokens stop verifying after
	// a restart; provide AUTHMESH_SIGNING_KEY_PEM in anything but dev.
	var ks *keys.KeyStore
	if cfg.SigningKeyPEM != "" {
		ks, err = keys.FromPEM(cfg.SigningKeyPEM)
	} else {
		ks, err = keys.Generate()
	}
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}
	if cfg.SigningKeyPEM == "" {
		log.Println("no signing key configured, generated an ephemeral one")
	}

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var (
		db           *sql.DB
		users        identity.UserStore
		refreshStore identity.RefreshTokenStore
	)
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		users = identity.NewPGUserStore(db)
		refreshStore = identity.NewPGRefreshTokenStore(db)
	} else {
		log.Println("no DSN configured, using in-memory stores")
		users = identity.NewMemoryUserStore()
		refreshStore = identity.NewMemoryRefreshTokenStore()
	}

	eventLog := event.NewLog(cfg.EventPartitions)

	issuer := token.NewIssuer(ks, cfg.Issuer, token.WithAccessTTL(cfg.AccessTTL))
	svc := auth.NewService(users, refreshStore, issuer,
		auth.WithPublisher(eventLog),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithRotateOnUse(cfg.RotateOnUse),
	)

	api := httpapi.New(svc, ks, eventLog, httpapi.ReadyProbe{DB: db}, version,
		httpapi.WithRateLimit(cfg.RateLimitBurst, cfg.RateLimitPerSecond))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      45 * time.Second, // must exceed the event poll window
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authmesh-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
