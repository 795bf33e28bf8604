package persistence

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultSnapshotName is the row PostgresBackend reads and writes.
const DefaultSnapshotName = "default"

// PostgresBackend keeps snapshots in the snapshots table, one row per name.
type PostgresBackend struct {
	db     *pgxpool.Pool
	name   string
	logger *zap.Logger
}

// NewPostgresBackend opens a pgx pool and applies the embedded migrations.
func NewPostgresBackend(ctx context.Context, dsn, name string, logger *zap.Logger) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	if name == "" {
		name = DefaultSnapshotName
	}
	b := &PostgresBackend{db: pool, name: name, logger: logger}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate executes every embedded .up.sql file in lexical order.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := b.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		b.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Write upserts the snapshot row. A single statement is atomic.
func (b *PostgresBackend) Write(ctx context.Context, data []byte) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO snapshots (name, version, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET version = EXCLUDED.version, data = EXCLUDED.data, updated_at = now()`,
		b.name, CurrentVersion, string(data))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Read(ctx context.Context) ([]byte, error) {
	var data string
	err := b.db.QueryRow(ctx, `SELECT data::text FROM snapshots WHERE name = $1`, b.name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return []byte(data), nil
}

func (b *PostgresBackend) Close() error {
	b.db.Close()
	return nil
}
