package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	x402 "github.com/becomeliminal/x402-payer"
)

// Schema creates the attempts table. Migrate runs it.
const Schema = `
CREATE TABLE IF NOT EXISTS payment_attempts (
	id TEXT PRIMARY KEY,
	resource TEXT NOT NULL,
	network TEXT NOT NULL,
	asset TEXT NOT NULL,
	amount TEXT NOT NULL,
	payee TEXT NOT NULL,
	payer TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	blockhash TEXT NOT NULL DEFAULT '',
	last_valid_block_height BIGINT NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	failure_stage TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payment_attempts_open ON payment_attempts(resource, payer, status);
CREATE INDEX IF NOT EXISTS idx_payment_attempts_created ON payment_attempts(created_at DESC);
`

const attemptColumns = `id, resource, network, asset, amount, payee, payer, mode, status, signature,
	blockhash, last_valid_block_height, session_id, failure_stage, failure_reason, created_at, updated_at`

const uniqueViolation = "23505"

// SQLStore keeps attempts in Postgres.
type SQLStore struct {
	db *sql.DB
}

// Open connects to Postgres through the pgx driver and applies Schema.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the table and indexes if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Create(ctx context.Context, a *x402.PaymentAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.Resource, a.Network, a.Asset, a.Amount, a.Payee, a.Payer, string(a.Mode), string(a.Status),
		a.Signature, a.Blockhash, int64(a.LastValidBlockHeight), a.SessionID, string(a.FailureStage),
		a.FailureReason, a.CreatedAt, a.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("ledger: attempt %s already exists", a.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, a *x402.PaymentAttempt) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = $2, payer = $3, signature = $4, blockhash = $5,
		last_valid_block_height = $6, session_id = $7, failure_stage = $8, failure_reason = $9, updated_at = $10
		WHERE id = $1`,
		a.ID, string(a.Status), a.Payer, a.Signature, a.Blockhash, int64(a.LastValidBlockHeight),
		a.SessionID, string(a.FailureStage), a.FailureReason, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*x402.PaymentAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*x402.PaymentAttempt, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Payer != "" {
		args = append(args, filter.Payer)
		where = append(where, fmt.Sprintf("payer = $%d", len(args)))
	}

	query := `SELECT ` + attemptColumns + ` FROM payment_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var out []*x402.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return out, nil
}

func (s *SQLStore) FindOpen(ctx context.Context, resource, payer string) (*x402.PaymentAttempt, error) {
	args := []interface{}{resource, payer}
	placeholders := make([]string, len(openStatuses))
	for i, st := range openStatuses {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts
		WHERE resource = $1 AND payer = $2 AND status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at DESC LIMIT 1`,
		args...,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open attempt: %w", err)
	}
	return a, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row scanner) (*x402.PaymentAttempt, error) {
	var (
		a                    x402.PaymentAttempt
		mode, status, stage  string
		lastValidBlockHeight int64
	)
	err := row.Scan(
		&a.ID, &a.Resource, &a.Network, &a.Asset, &a.Amount, &a.Payee, &a.Payer, &mode, &status,
		&a.Signature, &a.Blockhash, &lastValidBlockHeight, &a.SessionID, &stage, &a.FailureReason,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Mode = x402.SignMode(mode)
	a.Status = x402.AttemptStatus(status)
	a.FailureStage = x402.Stage(stage)
	a.LastValidBlockHeight = uint64(lastValidBlockHeight)
	return &a, nil
}
