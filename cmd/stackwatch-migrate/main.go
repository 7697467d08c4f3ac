package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stackwatch/stackwatch/pkg/storage"
)

var (
	dbURL   = flag.String("db-url", os.Getenv("STACKWATCH_DB_URL"), "Postgres connection URL (defaults to STACKWATCH_DB_URL)")
	down    = flag.Bool("down", false, "Roll back the most recent migration instead of applying")
	status  = flag.Bool("status", false, "Print migration status and exit")
	timeout = flag.Duration("timeout", 5*time.Minute, "Overall migration timeout")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Stackwatch schema migration tool")

	if *dbURL == "" {
		log.Fatal("no database URL: pass --db-url or set STACKWATCH_DB_URL")
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	switch {
	case *status:
		if err := storage.MigrationStatus(ctx, db); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	case *down:
		log.Println("Rolling back most recent migration...")
		if err := storage.MigrateDown(ctx, db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("✓ Rollback complete")
	default:
		log.Println("Applying pending migrations...")
		if err := storage.Migrate(ctx, db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("✓ Migrations applied")
	}
}
