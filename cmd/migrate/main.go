package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

const listTables = `SELECT tablename FROM pg_tables
WHERE schemaname = 'public' AND tablename LIKE 'newsletter%' ORDER BY tablename`

func main() {
	dir := flag.String("dir", "migrations", "directory of *.sql files")
	listOnly := flag.Bool("list", false, "list newsletter tables and exit")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required", "component", "migrate")
		os.Exit(1)
	}
	if err := run(dsn, *dir, *listOnly); err != nil {
		logger.Error("migrate failed", "component", "migrate", "error", err)
		os.Exit(1)
	}
}

func run(dsn, dir string, listOnly bool) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if listOnly {
		return list(ctx, db)
	}

	files, err := migrationFiles(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := apply(ctx, db, f); err != nil {
			return err
		}
		logger.Info("applied migration", "component", "migrate", "file", filepath.Base(f))
	}
	logger.Info("migrations complete", "component", "migrate", "count", len(files))
	return nil
}

// migrationFiles returns the non-empty *.sql files of dir in name order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one file in its own transaction. The migrations are written to
// be re-runnable.
func apply(ctx context.Context, db *sql.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, string(data)); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply %s: %w", path, err)
	}
	return tx.Commit()
}

func list(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, listTables)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
	return rows.Err()
}
