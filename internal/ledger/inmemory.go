package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type inMemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]Transaction
}

// NewInMemory creates a concurrency-safe in-memory transaction store useful for unit tests.
func NewInMemory() Store {
	return &inMemoryStore{transactions: make(map[string]Transaction)}
}

func (s *inMemoryStore) Insert(_ context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.ID]; exists {
		return Transaction{}, fmt.Errorf("%w: transaction %s already exists", ErrInvalidTransaction, tx.ID)
	}
	s.transactions[tx.ID] = tx
	return tx, nil
}

func (s *inMemoryStore) Get(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return tx, nil
}

func (s *inMemoryStore) Replace(_ context.Context, next Transaction, expected Status) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.transactions[next.ID]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, next.ID)
	}
	if current.Status != expected {
		return Transaction{}, fmt.Errorf("%w: transaction %s is %s, expected %s", ErrConcurrentUpdate, next.ID, current.Status, expected)
	}
	s.transactions[next.ID] = next
	return next, nil
}

func (s *inMemoryStore) List(_ context.Context, q Query) ([]Transaction, error) {
	return s.collect(q.Matches), nil
}

func (s *inMemoryStore) FindByHash(_ context.Context, field HashField, hash string) (Transaction, error) {
	matches := s.collect(func(tx Transaction) bool {
		switch field {
		case HashSender:
			return tx.SenderHash == hash
		case HashReceiver:
			return tx.ReceiverHash == hash
		case HashTransaction:
			return tx.TransactionHash == hash
		}
		return false
	})
	if hash == "" || len(matches) == 0 {
		return Transaction{}, fmt.Errorf("%w: transaction with %s %q", ErrNotFound, field, hash)
	}
	return matches[0], nil
}

func (s *inMemoryStore) OlderThan(_ context.Context, status Status, cutoff time.Time) ([]Transaction, error) {
	return s.collect(func(tx Transaction) bool {
		return tx.Status == status && tx.CreatedAt.Before(cutoff)
	}), nil
}

func (s *inMemoryStore) collect(match func(Transaction) bool) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transaction, 0)
	for _, tx := range s.transactions {
		if match(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
