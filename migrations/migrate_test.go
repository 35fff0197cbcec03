package migrations_test

import (
	"context"
	"strings"
	"testing"

	"ticketinventory/internal/testutil"
	"ticketinventory/migrations"

	"go.uber.org/zap/zaptest"
)

func TestLoad_SortedWithChecksums(t *testing.T) {
	t.Parallel()

	all, err := migrations.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) < 3 {
		t.Fatalf("expected at least 3 migrations, got %d", len(all))
	}
	for i, m := range all {
		if !strings.HasSuffix(m.Name, ".sql") || strings.TrimSpace(m.SQL) == "" {
			t.Fatalf("unexpected migration %+v", m)
		}
		if len(m.Checksum) != 64 {
			t.Fatalf("expected sha256 hex checksum for %s, got %q", m.Name, m.Checksum)
		}
		if i > 0 && all[i-1].Name >= m.Name {
			t.Fatalf("expected %s before %s", all[i-1].Name, m.Name)
		}
	}
}

func TestApply_IsRepeatable(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	if _, err := migrations.Apply(ctx, pool, logger); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	all, _ := migrations.Load()
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(all) {
		t.Fatalf("expected %d recorded migrations, got %d", len(all), count)
	}

	applied, err := migrations.Apply(ctx, pool, logger)
	if err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing to run on re-apply, got %v", applied)
	}

	var exists bool
	if err := pool.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM information_schema.columns
	WHERE table_name = 'reservations' AND column_name = 'outcome_pending'
)`).Scan(&exists); err != nil {
		t.Fatalf("check reservations columns: %v", err)
	}
	if !exists {
		t.Fatalf("expected reservations.outcome_pending to exist")
	}
}
