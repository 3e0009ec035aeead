// Command importer loads conflict records from a CSV file. Rows are upserted
// on (country, admin1), so reruns are safe.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"crisiswatch/api/internal/config"
	"crisiswatch/api/internal/store"
)

var requiredColumns = []string{"country", "admin1", "population", "events", "score"}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: importer <file.csv>")
		os.Exit(1)
	}

	if err := run(context.Background(), os.Args[1]); err != nil {
		log.Fatalf("import failed: %v", err)
	}
}

func run(ctx context.Context, csvPath string) error {
	cfg := config.Load()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	defer f.Close()

	dataStore := store.NewPostgresStore(db)
	imported, updated, skipped, err := importCSV(ctx, dataStore, csv.NewReader(f))
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d new records, updated %d existing records (%d skipped)\n", imported, updated, skipped)
	return nil
}

type conflictUpserter interface {
	UpsertConflict(ctx context.Context, rec store.ConflictRecord) (bool, error)
}

func importCSV(ctx context.Context, dataStore conflictUpserter, reader *csv.Reader) (imported, updated, skipped int, err error) {
	header, err := reader.Read()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return 0, 0, 0, fmt.Errorf("missing required column %q", name)
		}
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, updated, skipped, fmt.Errorf("read row: %w", err)
		}

		rec, ok := parseRow(columns, row)
		if !ok {
			skipped++
			continue
		}

		inserted, err := dataStore.UpsertConflict(ctx, rec)
		if err != nil {
			return imported, updated, skipped, err
		}
		if inserted {
			imported++
		} else {
			updated++
		}
	}
	return imported, updated, skipped, nil
}

func parseRow(columns map[string]int, row []string) (store.ConflictRecord, bool) {
	field := func(name string) string {
		idx := columns[name]
		if idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	country := field("country")
	admin1 := field("admin1")
	if country == "" || admin1 == "" {
		return store.ConflictRecord{}, false
	}

	events, err := strconv.Atoi(field("events"))
	if err != nil {
		return store.ConflictRecord{}, false
	}
	score, err := strconv.ParseFloat(field("score"), 64)
	if err != nil {
		return store.ConflictRecord{}, false
	}

	rec := store.ConflictRecord{
		Country: country,
		Admin1:  admin1,
		Events:  events,
		Score:   score,
	}
	if raw := field("population"); raw != "" {
		population, err := strconv.Atoi(raw)
		if err != nil {
			return store.ConflictRecord{}, false
		}
		rec.Population = &population
	}
	return rec, true
}
