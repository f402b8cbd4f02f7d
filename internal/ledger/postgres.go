package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/coin_custody/internal/receipt"
	"github.com/congo-pay/coin_custody/internal/wallet"
)

// PostgresStore persists transactions in PostgreSQL. Wallet snapshots and
// receipts are kept as JSONB next to indexed wallet and account columns.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed transaction store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectTransactions = `SELECT id, source, destination, type, reference, description, amount::text, status,
        receipt, COALESCE(sender_hash, ''), COALESCE(receiver_hash, ''), COALESCE(transaction_hash, ''),
        created_at, accepted_at, denied_at, failed_at, expired_at, completed_at
        FROM transactions`

type snapshot struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"account_id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Type             wallet.Type     `json:"type"`
	Status           wallet.Status   `json:"status"`
	Hash             string          `json:"hash,omitempty"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	CreatedAt        time.Time       `json:"created_at"`
	ModifiedAt       time.Time       `json:"modified_at"`
}

func toSnapshot(w wallet.Wallet) snapshot {
	return snapshot(w)
}

// Insert records a new transaction.
func (s *PostgresStore) Insert(ctx context.Context, tx Transaction) (Transaction, error) {
	args, err := rowArgs(tx)
	if err != nil {
		return Transaction{}, err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO transactions (id, source_wallet_id, source_account_id, source,
        destination_wallet_id, destination_account_id, destination, type, reference, description, amount, status,
        receipt, sender_hash, receiver_hash, transaction_hash,
        created_at, accepted_at, denied_at, failed_at, expired_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13,
        NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''), $17, $18, $19, $20, $21, $22)`, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Transaction{}, fmt.Errorf("%w: transaction %s already exists", ErrInvalidTransaction, tx.ID)
	}
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Get fetches a transaction by identifier.
func (s *PostgresStore) Get(ctx context.Context, id string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	tx, err := scanTransaction(s.db.QueryRow(ctx, selectTransactions+` WHERE id = $1`, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return tx, err
}

// Replace overwrites a transaction only while its stored status is still expected.
func (s *PostgresStore) Replace(ctx context.Context, next Transaction, expected Status) (Transaction, error) {
	args, err := rowArgs(next)
	if err != nil {
		return Transaction{}, err
	}
	tag, err := s.db.Exec(ctx, `UPDATE transactions SET source_wallet_id = $2, source_account_id = $3, source = $4,
        destination_wallet_id = $5, destination_account_id = $6, destination = $7, type = $8, reference = $9,
        description = $10, amount = $11::numeric, status = $12, receipt = $13,
        sender_hash = NULLIF($14, ''), receiver_hash = NULLIF($15, ''), transaction_hash = NULLIF($16, ''),
        created_at = $17, accepted_at = $18, denied_at = $19, failed_at = $20, expired_at = $21, completed_at = $22
        WHERE id = $1 AND status = $23`, append(args, string(expected))...)
	if err != nil {
		return Transaction{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, next.ID); err != nil {
			return Transaction{}, err
		}
		return Transaction{}, fmt.Errorf("%w: transaction %s is no longer %s", ErrConcurrentUpdate, next.ID, expected)
	}
	return next, nil
}

// List returns the transactions matching q, oldest first.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	inCol, outCol, owner := "", "", ""
	switch {
	case q.WalletID != "":
		inCol, outCol, owner = "destination_wallet_id", "source_wallet_id", q.WalletID
	case q.AccountID != "":
		inCol, outCol, owner = "destination_account_id", "source_account_id", q.AccountID
	}
	if owner != "" {
		ownerID, err := uuid.Parse(owner)
		if err != nil {
			return []Transaction{}, nil
		}
		p := arg(ownerID)
		switch q.Direction {
		case DirectionIn:
			where = append(where, inCol+" = "+p)
		case DirectionOut:
			where = append(where, outCol+" = "+p)
		default:
			where = append(where, "("+inCol+" = "+p+" OR "+outCol+" = "+p+")")
		}
	}
	if q.Reference != "" {
		where = append(where, "reference = "+arg(q.Reference))
	}
	if q.Status != "" {
		where = append(where, "status = "+arg(string(q.Status)))
	}
	if q.Type != "" {
		where = append(where, "type = "+arg(string(q.Type)))
	}

	query := selectTransactions
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return s.query(ctx, query+" ORDER BY created_at, id", args...)
}

// FindByHash returns the oldest transaction carrying hash in field.
func (s *PostgresStore) FindByHash(ctx context.Context, field HashField, hash string) (Transaction, error) {
	switch field {
	case HashSender, HashReceiver, HashTransaction:
	default:
		return Transaction{}, fmt.Errorf("%w: unknown hash field %q", ErrInvalidTransaction, field)
	}
	tx, err := scanTransaction(s.db.QueryRow(ctx,
		selectTransactions+` WHERE `+string(field)+` = $1 ORDER BY created_at LIMIT 1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: transaction with %s %q", ErrNotFound, field, hash)
	}
	return tx, err
}

// OlderThan returns transactions in status created before cutoff.
func (s *PostgresStore) OlderThan(ctx context.Context, status Status, cutoff time.Time) ([]Transaction, error) {
	return s.query(ctx, selectTransactions+` WHERE status = $1 AND created_at < $2 ORDER BY created_at, id`,
		string(status), cutoff.UTC())
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func rowArgs(tx Transaction) ([]any, error) {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction id: %v", ErrInvalidTransaction, err)
	}
	var walletIDs [4]uuid.UUID
	for i, raw := range []string{tx.Source.ID, tx.Source.AccountID, tx.Destination.ID, tx.Destination.AccountID} {
		if walletIDs[i], err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("%w: wallet reference %q: %v", ErrInvalidTransaction, raw, err)
		}
	}
	source, err := json.Marshal(toSnapshot(tx.Source))
	if err != nil {
		return nil, err
	}
	destination, err := json.Marshal(toSnapshot(tx.Destination))
	if err != nil {
		return nil, err
	}
	var rcpt []byte
	if tx.Receipt != nil {
		if rcpt, err = json.Marshal(tx.Receipt); err != nil {
			return nil, err
		}
	}
	return []any{
		id,
		walletIDs[0], walletIDs[1], source,
		walletIDs[2], walletIDs[3], destination,
		string(tx.Type), tx.Reference, tx.Description, tx.Amount.String(), string(tx.Status),
		rcpt, tx.SenderHash, tx.ReceiverHash, tx.TransactionHash,
		tx.CreatedAt.UTC(), nullTime(tx.AcceptedAt), nullTime(tx.DeniedAt), nullTime(tx.FailedAt),
		nullTime(tx.ExpiredAt), nullTime(tx.CompletedAt),
	}, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx                  Transaction
		id                  uuid.UUID
		source, destination []byte
		rcpt                []byte
		kind, status        string
		amount              string
		accepted, denied    *time.Time
		failed, expired     *time.Time
		completed           *time.Time
	)
	if err := row.Scan(&id, &source, &destination, &kind, &tx.Reference, &tx.Description, &amount, &status,
		&rcpt, &tx.SenderHash, &tx.ReceiverHash, &tx.TransactionHash,
		&tx.CreatedAt, &accepted, &denied, &failed, &expired, &completed); err != nil {
		return Transaction{}, err
	}

	var src, dst snapshot
	if err := json.Unmarshal(source, &src); err != nil {
		return Transaction{}, fmt.Errorf("decode source snapshot: %w", err)
	}
	if err := json.Unmarshal(destination, &dst); err != nil {
		return Transaction{}, fmt.Errorf("decode destination snapshot: %w", err)
	}
	if len(rcpt) > 0 {
		tx.Receipt = &receipt.Receipt{}
		if err := json.Unmarshal(rcpt, tx.Receipt); err != nil {
			return Transaction{}, fmt.Errorf("decode receipt: %w", err)
		}
	}
	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("decode amount: %w", err)
	}

	tx.ID = id.String()
	tx.Source = wallet.Wallet(src)
	tx.Destination = wallet.Wallet(dst)
	tx.Type = Type(kind)
	tx.Status = Status(status)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.AcceptedAt = derefTime(accepted)
	tx.DeniedAt = derefTime(denied)
	tx.FailedAt = derefTime(failed)
	tx.ExpiredAt = derefTime(expired)
	tx.CompletedAt = derefTime(completed)
	return tx, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
