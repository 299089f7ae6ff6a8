package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
)

// UsageRepository is the token ledger. Consumption is stored as append-only
// rows and windows are computed as sums at read time, so concurrent
// increments for one identity never lose updates.
type UsageRepository struct {
	db           *sql.DB
	dailyLimit   int
	monthlyLimit int
}

var _ ports.LedgerStore = (*UsageRepository)(nil)

func NewUsageRepository(db *sql.DB, dailyLimit, monthlyLimit int) *UsageRepository {
	return &UsageRepository{db: db, dailyLimit: dailyLimit, monthlyLimit: monthlyLimit}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *UsageRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across instance startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS token_usage (
	id TEXT PRIMARY KEY,
	identity TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_identity_recorded
	ON token_usage (identity, recorded_at)
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure token_usage schema: %w", err)
	}
	return tx.Commit()
}

// CheckQuota reports whether identity may spend estimatedTokens more without
// crossing the daily or monthly limit. The daily window opens at 00:00 UTC
// and the monthly window on the first of the month.
func (r *UsageRepository) CheckQuota(ctx context.Context, identity string, estimatedTokens int) (bool, error) {
	daily, monthly, err := r.windowTotals(ctx, identity)
	if err != nil {
		return false, err
	}
	if daily+estimatedTokens > r.dailyLimit {
		return false, nil
	}
	if monthly+estimatedTokens > r.monthlyLimit {
		return false, nil
	}
	return true, nil
}

func (r *UsageRepository) Increment(ctx context.Context, identity string, usage domain.TokenUsage) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO token_usage (id, identity, prompt_tokens, completion_tokens, total_tokens, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, uuid.NewString(), identity, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

func (r *UsageRepository) UsageStats(ctx context.Context, identity string) (domain.UsageStats, error) {
	daily, monthly, err := r.windowTotals(ctx, identity)
	if err != nil {
		return domain.UsageStats{}, err
	}
	return domain.UsageStats{
		DailyUsed:        daily,
		DailyLimit:       r.dailyLimit,
		DailyRemaining:   maxInt(r.dailyLimit-daily, 0),
		MonthlyUsed:      monthly,
		MonthlyLimit:     r.monthlyLimit,
		MonthlyRemaining: maxInt(r.monthlyLimit-monthly, 0),
	}, nil
}

func (r *UsageRepository) windowTotals(ctx context.Context, identity string) (daily, monthly int, err error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	row := r.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(total_tokens) FILTER (WHERE recorded_at >= $2), 0),
	COALESCE(SUM(total_tokens), 0)
FROM token_usage
WHERE identity = $1 AND recorded_at >= $3
`, identity, dayStart, monthStart)

	if err := row.Scan(&daily, &monthly); err != nil {
		return 0, 0, fmt.Errorf("sum token usage: %w", err)
	}
	return daily, monthly, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
