package wallet

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Wallet
	byName  map[string]string
}

// NewMemoryRepository constructs an in-memory repository for tests and local development.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		storage: make(map[string]Wallet),
		byName:  make(map[string]string),
	}
}

func nameKey(accountID, name string) string {
	return accountID + "\x00" + name
}

func (r *memoryRepository) Create(_ context.Context, wallet Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[wallet.ID]; exists {
		return ErrExists
	}
	key := nameKey(wallet.AccountID, wallet.Name)
	if _, exists := r.byName[key]; exists {
		return ErrExists
	}
	r.storage[wallet.ID] = wallet
	r.byName[key] = wallet.ID
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wallet, ok := r.storage[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return wallet, nil
}

func (r *memoryRepository) GetByName(_ context.Context, accountID, name string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[nameKey(accountID, name)]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return r.storage[id], nil
}

func (r *memoryRepository) ListByAccount(_ context.Context, accountID string) ([]Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Wallet
	for _, w := range r.storage {
		if w.AccountID == accountID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update runs the mutation while holding the write lock, so the read and the
// write of one wallet can never interleave with another update.
func (r *memoryRepository) Update(_ context.Context, id string, mutate Mutation) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.storage[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	next, err := mutate(current)
	if err != nil {
		return Wallet{}, err
	}
	next.ID = current.ID
	next.AccountID = current.AccountID
	next.CreatedAt = current.CreatedAt
	next.ModifiedAt = time.Now().UTC()

	if next.Name != current.Name {
		key := nameKey(next.AccountID, next.Name)
		if _, taken := r.byName[key]; taken {
			return Wallet{}, ErrExists
		}
		delete(r.byName, nameKey(current.AccountID, current.Name))
		r.byName[key] = id
	}
	r.storage[id] = next
	return next, nil
}
