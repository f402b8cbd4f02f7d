package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
	byEmail  map[string]string
}

// NewMemoryRepository builds an in-memory account store for tests and local development.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		accounts: make(map[string]Account),
		byEmail:  make(map[string]string),
	}
}

func (r *memoryRepository) Create(_ context.Context, account Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email := strings.ToLower(account.Email)
	if _, exists := r.byEmail[email]; exists {
		return ErrExists
	}
	if _, exists := r.accounts[account.ID]; exists {
		return ErrExists
	}
	r.accounts[account.ID] = account
	r.byEmail[email] = account.ID
	return nil
}

func (r *memoryRepository) FindByEmail(_ context.Context, email string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return r.accounts[id], nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (r *memoryRepository) UpdateTokenVersion(_ context.Context, id string, version int) error {
	return r.update(id, func(a *Account) { a.TokenVersion = version })
}

func (r *memoryRepository) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(a *Account) { a.LastLogin = &at })
}

func (r *memoryRepository) update(id string, fn func(*Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return ErrNotFound
	}
	fn(&account)
	account.ModifiedAt = time.Now().UTC()
	r.accounts[id] = account
	return nil
}
