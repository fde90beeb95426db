package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"EmpireSync/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  EMPIRE_POSTGRES_DSN   - Postgres connection string")
		fmt.Println("  EMPIRE_MIGRATIONS_DIR - migrations directory (default: migrations)")
		os.Exit(1)
	}

	dsn := os.Getenv("EMPIRE_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/empiresync?sslmode=disable"
	}

	dir := os.Getenv("EMPIRE_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			log.Fatalf("FATAL: migration status: %v", err)
		}
		if len(pending) == 0 {
			log.Println("INFO: schema is current")
			return
		}
		for _, name := range pending {
			fmt.Println("pending:", name)
		}
		os.Exit(1)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
