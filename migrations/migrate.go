// Package migrations holds the Postgres schema as embedded SQL files applied
// in filename order.
package migrations

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"

	"ticketinventory/internal/platform/observability"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed *.sql
var files embed.FS

const schemaLockID int64 = 740215001

// Migration is one embedded schema file.
type Migration struct {
	Name     string
	SQL      string
	Checksum string
}

// Load returns the embedded migrations sorted by name.
func Load() ([]Migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	slices.Sort(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{Name: name, SQL: string(body), Checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// Apply brings the schema up to date in a single transaction holding a
// transaction-scoped advisory lock, so concurrent replicas wait for each
// other and a failed file leaves nothing half applied. It returns the names
// of the migrations it ran. An already applied file whose contents changed
// is an error.
func Apply(ctx context.Context, pool *pgxpool.Pool, logger observability.Logger) ([]string, error) {
	all, err := Load()
	if err != nil {
		return nil, err
	}

	var applied []string
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
			return fmt.Errorf("lock schema: %w", err)
		}
		if _, err := tx.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	checksum TEXT,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		if _, err := tx.Exec(ctx, `ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT`); err != nil {
			return fmt.Errorf("ensure schema_migrations checksum: %w", err)
		}

		known, err := recorded(ctx, tx)
		if err != nil {
			return err
		}

		for _, m := range all {
			if sum, ok := known[m.Name]; ok {
				if sum != "" && sum != m.Checksum {
					return fmt.Errorf("migration %s changed after it was applied", m.Name)
				}
				continue
			}
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("run migration %s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("record migration %s: %w", m.Name, err)
			}
			applied = append(applied, m.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, name := range applied {
		logger.Info("✅ Applied migration", zap.String("migration", name))
	}
	if len(applied) == 0 {
		logger.Debug("Schema up to date", zap.Int("migrations", len(all)))
	}
	return applied, nil
}

func recorded(ctx context.Context, tx pgx.Tx) (map[string]string, error) {
	rows, err := tx.Query(ctx, `SELECT name, COALESCE(checksum, '') FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	known, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]string, error) {
		var r [2]string
		err := row.Scan(&r[0], &r[1])
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}

	out := make(map[string]string, len(known))
	for _, r := range known {
		out[r[0]] = r[1]
	}
	return out, nil
}
