package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Pursuit2703/aviasales-tracker/pkg/tracker"
	"github.com/Pursuit2703/aviasales-tracker/storage/migrations"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// NewPostgres connects to PostgreSQL and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate applies all embedded SQL files in lexical order.
// Migrations are expected to be idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.PostgresFS, "postgres")
	if err != nil {
		return fmt.Errorf("read embedded postgres migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrations.PostgresFS, "postgres/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := p.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}

	return nil
}

const ruleColumns = `id, user_id, origin, destination, target_price, last_price, active, created_at`

// AddRule inserts an active rule. Returns ErrDuplicate if one already exists for the direction.
func (p *Postgres) AddRule(ctx context.Context, rule *tracker.WatchRule) (int64, error) {
	if err := validateRule(rule); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO alerts (user_id, origin, destination, target_price, last_price, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id
	`

	var id int64
	err := p.pool.QueryRow(ctx, query,
		rule.UserID,
		rule.Origin,
		rule.Destination,
		rule.TargetPrice,
		rule.LastPrice,
	).Scan(&id)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	return id, nil
}

// ListActiveRules returns all active rules ordered by id.
func (p *Postgres) ListActiveRules(ctx context.Context) ([]*tracker.WatchRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alerts WHERE active ORDER BY id`
	return p.queryRules(ctx, "list active rules", query)
}

// ListUserRules returns the rules of one user ordered by id.
func (p *Postgres) ListUserRules(ctx context.Context, userID int64, activeOnly bool) ([]*tracker.WatchRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM alerts WHERE user_id = $1 AND (active OR NOT $2) ORDER BY id`
	return p.queryRules(ctx, "list user rules", query, userID, activeOnly)
}

func (p *Postgres) queryRules(ctx context.Context, op, query string, args ...any) ([]*tracker.WatchRule, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var rules []*tracker.WatchRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rules, nil
}

func scanRule(row pgx.Row) (*tracker.WatchRule, error) {
	var r tracker.WatchRule
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.Origin,
		&r.Destination,
		&r.TargetPrice,
		&r.LastPrice,
		&r.Active,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateBaseline sets the last observed price of a rule.
func (p *Postgres) UpdateBaseline(ctx context.Context, ruleID int64, price float64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE alerts SET last_price = $1 WHERE id = $2`, price, ruleID)
	if err != nil {
		return fmt.Errorf("update baseline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateRule soft-deletes a rule.
func (p *Postgres) DeactivateRule(ctx context.Context, ruleID int64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE alerts SET active = FALSE WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableRule soft-deletes a rule owned by userID.
func (p *Postgres) DisableRule(ctx context.Context, ruleID, userID int64) (bool, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE alerts SET active = FALSE WHERE id = $1 AND user_id = $2`, ruleID, userID)
	if err != nil {
		return false, fmt.Errorf("disable rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RuleExists reports whether the user has an active rule for the direction.
func (p *Postgres) RuleExists(ctx context.Context, userID int64, origin, destination string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE user_id = $1 AND origin = $2 AND destination = $3 AND active
		)
	`

	var exists bool
	if err := p.pool.QueryRow(ctx, query, userID, origin, destination).Scan(&exists); err != nil {
		return false, fmt.Errorf("rule exists: %w", err)
	}
	return exists, nil
}

// AddSubscription inserts an enabled subscription.
func (p *Postgres) AddSubscription(ctx context.Context, sub *tracker.Subscription) (int64, error) {
	if err := validateSubscription(sub); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO subscriptions (user_id, origin, hour, minute, enabled)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id
	`

	var id int64
	if err := p.pool.QueryRow(ctx, query, sub.UserID, sub.Origin, sub.Hour, sub.Minute).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	return id, nil
}

// DisableSubscriptions disables all enabled subscriptions of a user.
func (p *Postgres) DisableSubscriptions(ctx context.Context, userID int64) (int, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE subscriptions SET enabled = FALSE WHERE user_id = $1 AND enabled`, userID)
	if err != nil {
		return 0, fmt.Errorf("disable subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListActiveSubscriptions returns enabled subscriptions ordered by id.
func (p *Postgres) ListActiveSubscriptions(ctx context.Context) ([]*tracker.Subscription, error) {
	query := `
		SELECT id, user_id, origin, hour, minute, enabled, created_at
		FROM subscriptions
		WHERE enabled
		ORDER BY id
	`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*tracker.Subscription
	for rows.Next() {
		var s tracker.Subscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.Origin, &s.Hour, &s.Minute, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("list subscriptions: scan: %w", err)
		}
		subs = append(subs, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
