package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"jirasync.io/internal/config"
	"jirasync.io/internal/migrate"
	"jirasync.io/ops/migrations"
)

func main() {
	log.SetFlags(0)
	var (
		configPath     = flag.String("config", os.Getenv("JIRASYNC_CONFIG"), "Path to YAML config")
		dsn            = flag.String("dsn", "", "PostgreSQL DSN (overrides config and JIRASYNC_PG_DSN)")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}
	if cfg.DatabaseDSN == "" {
		log.Fatal("missing DSN: provide via -dsn or JIRASYNC_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|pending|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.SQL, migrations.Dir)
	if *migrationsPath != "" {
		mgr = migrate.FromDisk(db, *migrationsPath)
	}

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err == nil && len(applied) == 0 {
			fmt.Println("schema up to date")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to revert")
			err = nil
		} else if err == nil {
			fmt.Println("reverted", name)
		}
	case "pending":
		var pending []string
		pending, err = mgr.Pending(ctx)
		for _, name := range pending {
			fmt.Println(name)
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
