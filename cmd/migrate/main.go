// Command migrate applies the order store schema outside of server startup
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/kevin07696/funnel-service/internal/db/migrations"
	"github.com/pressly/goose/v3"
)

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		log.Fatalf("load migrations: %v", err)
	}

	if err := run(ctx, provider, command, args); err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func run(ctx context.Context, p *goose.Provider, command string, args []string) error {
	switch command {
	case "up":
		return report(p.Up(ctx))
	case "down":
		res, err := p.Down(ctx)
		if err != nil {
			return err
		}
		return report([]*goose.MigrationResult{res}, nil)
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a VERSION", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if command == "up-to" {
			return report(p.UpTo(ctx, version))
		}
		return report(p.DownTo(ctx, version))
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%5d  %-24s  %s\n", s.Source.Version, applied, s.Source.Path)
		}
		return nil
	case "version":
		version, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(version)
		return nil
	}
	return fmt.Errorf("unknown command")
}

func report(results []*goose.MigrationResult, err error) error {
	for _, r := range results {
		fmt.Printf("%-4s %s (%s)\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
	return err
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: migrate [-timeout D] COMMAND

Applies the embedded order store migrations to DATABASE_URL (.env is read if present).

Commands:
    up                   apply every pending migration
    up-to VERSION        apply up to and including VERSION
    down                 roll back the latest migration
    down-to VERSION      roll back to VERSION
    status               list migrations and when they were applied
    version              print the current schema version
`)
}
