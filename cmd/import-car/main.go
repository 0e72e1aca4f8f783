// import-car loads a repository CAR file into a meridian-pds instance,
// running it through the same verify/apply pipeline as the importRepo
// endpoint. Useful for migrating an account from another PDS: fetch the
// repo with com.atproto.sync.getRepo, then import the file here.
//
// Usage:
//
//	import-car -config pds.json -did did:plc:abc123 -file repo.car
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/ipfs/go-cid"

	"github.com/meridian-host/meridian-pds/internal/account"
	"github.com/meridian-host/meridian-pds/internal/config"
	"github.com/meridian-host/meridian-pds/internal/database"
	"github.com/meridian-host/meridian-pds/internal/repo"
)

func main() {
	configPath := flag.String("config", "pds.json", "Path to the PDS config file")
	did := flag.String("did", "", "DID of the account to import into")
	file := flag.String("file", "", "Path to the CAR file")
	rootStr := flag.String("root", "", "Expected commit CID (optional; import fails on mismatch)")
	maxBytes := flag.Int64("max-bytes", 0, "CAR size ceiling (0 = config/default)")
	flag.Parse()

	if *did == "" || *file == "" {
		log.Fatal("Both -did and -file are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	accounts := account.NewStore(db)
	if _, err := accounts.GetByDID(ctx, *did); err != nil {
		log.Fatalf("Account lookup failed: %v", err)
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("Failed to open CAR file: %v", err)
	}
	defer f.Close()

	limit := *maxBytes
	if limit <= 0 {
		limit = cfg.MaxImportBytes
	}

	declaredRoot := cid.Undef
	if *rootStr != "" {
		declaredRoot, err = cid.Decode(*rootStr)
		if err != nil {
			log.Fatalf("Invalid -root CID: %v", err)
		}
	}

	repos := repo.NewManager()
	result, err := repos.ImportRepo(ctx, db.Pool, *did, f, limit, declaredRoot, nil)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	log.Printf("Imported commit %s (rev %s): %d writes, %d bytes of diff CAR",
		result.CommitCID, result.Rev, len(result.Ops), len(result.DiffCAR))
	for _, op := range result.Ops {
		log.Printf("  %s %s", op.Action, op.Path)
	}
}
