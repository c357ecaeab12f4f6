package database

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds database configuration
type Config struct {
	Driver     string // "postgres" or "sqlite"
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

// DB wraps sqlx.DB with additional functionality
type DB struct {
	*sqlx.DB
}

// Connect creates a new database connection
func Connect(cfg Config) (*DB, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Driver {
	case "sqlite":
		db, err = sqlx.Connect("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database %s: %w", cfg.SQLitePath, err)
		}
		// a single writer avoids SQLITE_BUSY and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	case "postgres", "":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		db, err = sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// RunMigrations executes the embedded schema migrations in file order.
// Every statement is idempotent.
func RunMigrations(ctx context.Context, db *DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to load migration %s: %w", name, err)
		}

		// executed one statement at a time; not every driver accepts batches
		for _, stmt := range strings.Split(string(content), ";") {
			if strings.TrimSpace(stripComments(stmt)) == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", name, err)
			}
		}
	}

	return nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
