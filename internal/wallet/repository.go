package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists wallet records. Update must apply the mutation as one
// atomic read-modify-write of a single wallet.
type Repository interface {
	Create(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, id string) (Wallet, error)
	GetByName(ctx context.Context, accountID, name string) (Wallet, error)
	ListByAccount(ctx context.Context, accountID string) ([]Wallet, error)
	Update(ctx context.Context, id string, mutate Mutation) (Wallet, error)
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectColumns = `SELECT id, account_id, name, description, type, status, COALESCE(hash, ''),
        balance::text, available_balance::text, created_at, modified_at
        FROM wallets`

// Create inserts a wallet record.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}
	accountID, err := uuid.Parse(wallet.AccountID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO wallets (id, account_id, name, description, type, status, hash,
        balance, available_balance, created_at, modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8::numeric, $9::numeric, $10, $11)`,
		walletID, accountID, wallet.Name, wallet.Description, string(wallet.Type), string(wallet.Status), wallet.Hash,
		wallet.Balance.String(), wallet.AvailableBalance.String(), wallet.CreatedAt.UTC(), wallet.ModifiedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

// Get fetches a wallet by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrNotFound
	}
	return scanWallet(r.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, walletID))
}

// GetByName fetches the wallet an account registered under name.
func (r *PostgresRepository) GetByName(ctx context.Context, accountID, name string) (Wallet, error) {
	owner, err := uuid.Parse(accountID)
	if err != nil {
		return Wallet{}, ErrNotFound
	}
	return scanWallet(r.db.QueryRow(ctx, selectColumns+` WHERE account_id = $1 AND name = $2`, owner, name))
}

// ListByAccount returns every wallet an account owns, oldest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]Wallet, error) {
	owner, err := uuid.Parse(accountID)
	if err != nil {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, selectColumns+` WHERE account_id = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Update locks the wallet row, applies mutate to the locked state and writes
// the result back in the same database transaction.
func (r *PostgresRepository) Update(ctx context.Context, id string, mutate Mutation) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := scanWallet(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, walletID))
	if err != nil {
		return Wallet{}, err
	}

	next, err := mutate(current)
	if err != nil {
		return Wallet{}, err
	}
	next.ID = current.ID
	next.AccountID = current.AccountID
	next.CreatedAt = current.CreatedAt
	next.ModifiedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `UPDATE wallets SET name = $2, description = $3, type = $4, status = $5,
        hash = NULLIF($6, ''), balance = $7::numeric, available_balance = $8::numeric, modified_at = $9
        WHERE id = $1`,
		walletID, next.Name, next.Description, string(next.Type), string(next.Status), next.Hash,
		next.Balance.String(), next.AvailableBalance.String(), next.ModifiedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Wallet{}, ErrExists
		}
		return Wallet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return next, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w                  Wallet
		id, accountID      uuid.UUID
		kind, status       string
		balance, available string
		createdAt          time.Time
		modifiedAt         time.Time
	)
	if err := row.Scan(&id, &accountID, &w.Name, &w.Description, &kind, &status, &w.Hash,
		&balance, &available, &createdAt, &modifiedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return Wallet{}, fmt.Errorf("decode balance: %w", err)
	}
	if w.AvailableBalance, err = decimal.NewFromString(available); err != nil {
		return Wallet{}, fmt.Errorf("decode available balance: %w", err)
	}
	w.ID = id.String()
	w.AccountID = accountID.String()
	w.Type = Type(kind)
	w.Status = Status(status)
	w.CreatedAt = createdAt.UTC()
	w.ModifiedAt = modifiedAt.UTC()
	return w, nil
}
