package main

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authmesh.org/internal/config"
	"authmesh.org/internal/event/remote"
	"authmesh.org/internal/keys"
	"authmesh.org/internal/obs"
	"authmesh.org/internal/projector"
	"authmesh.org/internal/token"
)

var version = "0.1.0"

func main() {
	obs.Init()
	obs.InitBuildInfo("authmesh-projector", version)

	cfg, err := config.LoadProjector()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	publicKeys, err := fetchJWKS(cfg.JWKSURL)
	if err != nil {
		log.Fatalf("fetch jwks: %v", err)
	}
	verifier := token.NewVerifier(publicKeys, cfg.Issuer)

	var (
		db    *sql.DB
		store projector.Store
	)
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = projector.NewPGStore(db)
	} else {
		log.Println("no DSN configured, using in-memory projection store")
		store = projector.NewMemoryStore()
	}

	source := remote.New(cfg.SourceURL, nil)
	consumer := projector.NewConsumer(source, store, cfg.Group)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		if err := consumer.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Fatalf("consumer: %v", err)
		}
	}()

	handler := projector.NewHandler(store, verifier, version)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.HTTPHandler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authmesh-projector %s on %s (group %s)", version, srv.Addr, cfg.Group)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	cancelRun()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// fetchJWKS retries so the projector can start before the auth service.
func fetchJWKS(url string) (map[string]*rsa.PublicKey, error) {
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}
		resp, err := http.Get(url)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("jwks status %d", resp.StatusCode)
			continue
		}
		return keys.ParseJWKS(body)
	}
	return nil, lastErr
}
