// Seeds a file-backed CRM directory with synthetic contacts, written as a
// regular user so that the next sync picks them up. Used for load testing
// batch sizes and dispatch concurrency without real CRMs.
//
// Usage: go run ./cmd/crmsync-seed --dir ~/.local/share/crmsync/system_a --system a --count 5000
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/tonimelisma/crmsync/internal/crm"
	"github.com/tonimelisma/crmsync/internal/crmfile"
	"github.com/tonimelisma/crmsync/internal/sync"
)

func main() {
	dir := flag.String("dir", "", "file CRM directory (required)")
	system := flag.String("system", "a", "schema to write (a or b)")
	count := flag.Int("count", 100, "number of contacts to create")
	accounts := flag.Int("accounts", 10, "number of distinct account names to spread contacts over (0 = none)")
	author := flag.String("author", "seed", "user recorded as the last modifier")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := seed(*dir, *system, *count, *accounts, *author, logger); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created %d contacts in %s.\n", *count, *dir)
}

func seed(dir, system string, count, accounts int, author string, logger *slog.Logger) error {
	if dir == "" {
		return fmt.Errorf("--dir is required")
	}

	sys, err := crm.ParseSystem(system)
	if err != nil {
		return err
	}

	store, err := crmfile.Open(dir, sys, author, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Account IDs are created up front so every contact can link to one.
	accountIDs := make([]string, accounts)
	for i := range accounts {
		accountIDs[i], err = store.FindOrCreateAccount(ctx, fmt.Sprintf("Seed Account %03d", i))
		if err != nil {
			return err
		}
	}

	for i := range count {
		c := crm.Contact{
			Email:          fmt.Sprintf("seed-%s@example.com", uuid.NewString()),
			FirstName:      "Seed",
			LastName:       fmt.Sprintf("Contact %d", i),
			MailingCountry: "US",
		}

		if accounts > 0 {
			c.Account = &crm.AccountRef{ID: accountIDs[i%accounts]}
		}

		rec := sync.Encode(sys, &c)
		rec.ModifiedBy = author

		if _, err := store.Create(rec); err != nil {
			return fmt.Errorf("contact %d: %w", i, err)
		}
	}

	return nil
}
