package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists accounts.
type Repository interface {
	Create(ctx context.Context, account Account) error
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	UpdateTokenVersion(ctx context.Context, id string, version int) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed account repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectAccount = `SELECT id, email, first_name, last_name, type, status, password_hash,
        token_version, created_at, modified_at, last_login FROM accounts`

// Create inserts a new account.
func (r *PostgresRepository) Create(ctx context.Context, account Account) error {
	accountID, err := uuid.Parse(account.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO accounts (id, email, first_name, last_name, type, status,
        password_hash, token_version, created_at, modified_at)
        VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10)`,
		accountID, account.Email, account.FirstName, account.LastName, string(account.Type), string(account.Status),
		account.PasswordHash, account.TokenVersion, account.CreatedAt.UTC(), account.ModifiedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

// FindByEmail fetches an account by email, case-insensitively.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (Account, error) {
	return scanAccount(r.db.QueryRow(ctx, selectAccount+` WHERE email = lower($1)`, email))
}

// FindByID fetches an account by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Account, error) {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return Account{}, ErrNotFound
	}
	return scanAccount(r.db.QueryRow(ctx, selectAccount+` WHERE id = $1`, accountID))
}

// UpdateTokenVersion stores the version access tokens must carry.
func (r *PostgresRepository) UpdateTokenVersion(ctx context.Context, id string, version int) error {
	return r.exec(ctx, `UPDATE accounts SET token_version = $1, modified_at = now() WHERE id = $2`, version, id)
}

// UpdateLastLogin records a successful authentication.
func (r *PostgresRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `UPDATE accounts SET last_login = $1 WHERE id = $2`, at.UTC(), id)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, value any, id string) error {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, query, value, accountID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		id        uuid.UUID
		kind      string
		status    string
		lastLogin *time.Time
		account   Account
	)
	err := row.Scan(&id, &account.Email, &account.FirstName, &account.LastName, &kind, &status,
		&account.PasswordHash, &account.TokenVersion, &account.CreatedAt, &account.ModifiedAt, &lastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	account.ID = id.String()
	account.Type = Type(kind)
	account.Status = Status(status)
	account.CreatedAt = account.CreatedAt.UTC()
	account.ModifiedAt = account.ModifiedAt.UTC()
	if lastLogin != nil {
		t := lastLogin.UTC()
		account.LastLogin = &t
	}
	return account, nil
}
