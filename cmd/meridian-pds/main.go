// meridian-pds is an AT Protocol Personal Data Server.
//
// It reads configuration from pds.json in the working directory,
// connects to PostgreSQL, bootstraps the schema, initializes repos for
// existing accounts, and starts an HTTP server with the AT Protocol
// XRPC endpoints plus a small management API.
//
// Usage:
//
//	./meridian-pds             # reads ./pds.json, starts server
//	docker compose up -d       # runs via Docker with mounted config
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridian-host/meridian-pds/internal/account"
	"github.com/meridian-host/meridian-pds/internal/auth"
	"github.com/meridian-host/meridian-pds/internal/config"
	"github.com/meridian-host/meridian-pds/internal/database"
	"github.com/meridian-host/meridian-pds/internal/events"
	"github.com/meridian-host/meridian-pds/internal/repo"
	"github.com/meridian-host/meridian-pds/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("meridian-pds starting...")

	// Load configuration.
	cfg, err := config.Load("pds.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName)

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	// Open the database and bootstrap the schema.
	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, schema bootstrapped")

	accounts := account.NewStore(db)
	repos := repo.NewManager()

	// Initialize repos for accounts that predate repo support.
	accts, err := accounts.List(ctx)
	if err != nil {
		log.Fatalf("Failed to list accounts: %v", err)
	}
	for _, acct := range accts {
		if acct.SigningKey == "" {
			continue
		}
		if err := repos.InitRepo(ctx, db.Pool, acct.DID, acct.SigningKey); err != nil {
			log.Printf("Warning: failed to init repo for %s: %v", acct.DID, err)
		}
	}
	log.Printf("Repos ready for %d accounts", len(accts))

	// Firehose event manager.
	evts := events.NewManager(events.NewPersister(db.Pool))
	defer evts.Shutdown()

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.Hostname)

	// Start the HTTP server; blocks until shutdown.
	srv := server.New(cfg, db, accounts, repos, evts, jwtMgr)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("meridian-pds stopped")
}
