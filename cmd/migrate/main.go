package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"relay-chat/config"
	"relay-chat/internal/repository"
	"relay-chat/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
)

const usage = `
Relay Chat - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Create every table and index
  status      Show database connection status
  seed-dev    Seed with development/test data
  truncate    Truncate all tables (DANGEROUS)

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go seed-dev
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.LoadConfig()
	pool, err := database.Connect(ctx, database.DSN(cfg))
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer pool.Close()

	switch command {
	case "up":
		runMigrationsUp(ctx, pool)
	case "status":
		showStatus(ctx, pool)
	case "seed-dev":
		runSeedDevelopment(ctx, pool)
	case "truncate":
		runTruncate(ctx, pool)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("🚀 Running migrations UP...")

	if err := repository.InitSchema(ctx, pool); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migrations completed successfully!")
}

func showStatus(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("🔍 Checking database status...")

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	log.Println("✅ Database connection: OK")

	for _, table := range repository.Tables {
		exists, err := repository.TableExists(ctx, pool, table)
		if err != nil {
			log.Printf("⚠️  Error checking table %s: %v", table, err)
			continue
		}
		if exists {
			count, _ := repository.TableCount(ctx, pool, table)
			log.Printf("✅ Table %-20s exists (%d rows)", table, count)
		} else {
			log.Printf("❌ Table %-20s does not exist", table)
		}
	}
}

func runSeedDevelopment(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("🌱 Seeding database (development mode)...")

	var result repository.SeedResult
	err := repository.NewTransactor(pool).WithinTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = repository.SeedDevelopment(ctx, repository.Conn(ctx, pool))
		return err
	})
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Println("📊 Seed Summary:")
	log.Printf("   - Users: %d", len(result.UserIDs))
	log.Printf("   - Chats: %d", len(result.ChatIDs))
	log.Printf("   - Messages: %d", result.Messages)
	log.Println("✅ Development seeding completed!")
}

func runTruncate(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("⚠️  WARNING: This will TRUNCATE all tables!")

	if err := repository.TruncateAll(ctx, pool); err != nil {
		log.Fatalf("❌ Truncate failed: %v", err)
	}

	log.Println("✅ All tables truncated!")
}
