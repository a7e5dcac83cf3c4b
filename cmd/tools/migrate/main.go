// cmd/tools/migrate/main.go
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"membergate/internal/common/config"
)

// Schema statements are ordered; required_channel_link references
// enforcement_config.
var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS enforcement_config (
		group_id   BIGINT PRIMARY KEY,
		enabled    BOOLEAN NOT NULL DEFAULT false,
		params     JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS required_channel_link (
		group_id    BIGINT NOT NULL REFERENCES enforcement_config(group_id) ON DELETE CASCADE,
		channel_id  BIGINT NOT NULL,
		is_required BOOLEAN NOT NULL DEFAULT true,
		PRIMARY KEY (group_id, channel_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_required_channel_link_channel ON required_channel_link (channel_id)`,
	`CREATE TABLE IF NOT EXISTS verification_outcome (
		id         UUID PRIMARY KEY,
		user_id    BIGINT NOT NULL,
		group_id   BIGINT NOT NULL,
		channel_id BIGINT NOT NULL,
		status     TEXT NOT NULL,
		error_kind TEXT,
		latency_ms BIGINT NOT NULL DEFAULT 0,
		cache_hit  BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_outcome_created_at ON verification_outcome (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_outcome_group ON verification_outcome (group_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_outcome_status ON verification_outcome (status)`,
}

var dropStatements = []string{
	`DROP TABLE IF EXISTS verification_outcome`,
	`DROP TABLE IF EXISTS required_channel_link`,
	`DROP TABLE IF EXISTS enforcement_config`,
}

var tables = []string{"enforcement_config", "required_channel_link", "verification_outcome"}

func main() {
	upCmd := flag.NewFlagSet("up", flag.ExitOnError)
	dropCmd := flag.NewFlagSet("drop", flag.ExitOnError)
	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)

	dsnUp := upCmd.String("dsn", "", "PostgreSQL DSN (defaults to service config)")
	dsnDrop := dropCmd.String("dsn", "", "PostgreSQL DSN (defaults to service config)")
	force := dropCmd.Bool("force", false, "Required to actually drop tables")
	dsnStatus := statusCmd.String("dsn", "", "PostgreSQL DSN (defaults to service config)")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up":
		upCmd.Parse(os.Args[2:])
		db := open(*dsnUp)
		defer db.Close()
		for _, stmt := range createStatements {
			if _, err := db.Exec(stmt); err != nil {
				fmt.Printf("Error applying schema: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Println("Schema up to date")

	case "drop":
		dropCmd.Parse(os.Args[2:])
		if !*force {
			fmt.Println("Error: drop requires -force; this removes all enforcement config and outcomes.")
			os.Exit(1)
		}
		db := open(*dsnDrop)
		defer db.Close()
		for _, stmt := range dropStatements {
			if _, err := db.Exec(stmt); err != nil {
				fmt.Printf("Error dropping tables: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Println("Tables dropped")

	case "status":
		statusCmd.Parse(os.Args[2:])
		db := open(*dsnStatus)
		defer db.Close()
		for _, table := range tables {
			var exists bool
			err := db.QueryRow(
				`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
				table,
			).Scan(&exists)
			if err != nil {
				fmt.Printf("Error checking table %s: %v\n", table, err)
				os.Exit(1)
			}
			state := "missing"
			if exists {
				state = "present"
			}
			fmt.Printf("%-24s %s\n", table, state)
		}

	default:
		help()
		os.Exit(1)
	}
}

func open(dsn string) *sql.DB {
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		dsn = cfg.Database.Postgres.GetDSN()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := db.Ping(); err != nil {
		fmt.Printf("Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func help() {
	fmt.Println("Usage: migrate <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up      Create the membergate tables and indexes")
	fmt.Println("  drop    Drop the membergate tables (requires -force)")
	fmt.Println("  status  Report which tables exist")
}
