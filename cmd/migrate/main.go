package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	"github.com/duochat/chat-server/internal/config"
	"github.com/duochat/chat-server/internal/store"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)

	var (
		db      *sql.DB
		dialect store.Dialect
	)
	switch cfg.Store.Kind {
	case config.StorePostgres:
		pgConfig := store.DefaultPostgresConfig()
		pgConfig.URL = cfg.Store.DatabaseURL
		pg, err := store.OpenPostgres(pgConfig)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		db, dialect = pg.DB(), store.DialectPostgres
	case config.StoreSQLite:
		// Opening applies pending migrations already.
		lite, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open SQLite: %v", err)
		}
		defer lite.Close()
		db, dialect = lite.DB(), store.DialectSQLite
	default:
		log.Fatalf("store %q has no schema to migrate", cfg.Store.Kind)
	}

	if *down > 0 {
		if err := store.Rollback(db, dialect, *down); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Printf("rolled back %d migration(s)", *down)
		return
	}

	if err := store.Migrate(db, dialect); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
}
