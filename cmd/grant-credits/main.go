// grant-credits is an operator tool that appends a ledger entry for a user.
// Used for the signup grant, referral rewards and manual corrections.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"candle-signal-bot/config"
	"candle-signal-bot/internal/database"
)

func main() {
	userID := flag.String("user", "", "user id to credit (required)")
	credits := flag.Int64("credits", 0, "credit delta, negative to debit (required)")
	reason := flag.String("reason", database.ReasonInitial, "ledger reason (initial, use, referral, referred, purchase)")
	flag.Parse()

	if *userID == "" || *credits == 0 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)

	balance, applied, err := repo.ApplyLedgerDelta(ctx, *userID, *credits, *reason, nil)
	if err != nil {
		log.Fatalf("Failed to apply ledger delta: %v", err)
	}

	if applied != *credits {
		fmt.Printf("delta clamped: requested %d, applied %d\n", *credits, applied)
	}
	fmt.Printf("user %s: applied %+d (%s), new balance %d\n", *userID, applied, *reason, balance)
}
