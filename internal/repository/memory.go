package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/keystash/internal/domain"
)

var (
	_ KeyRepository           = (*MemoryKeyRepo)(nil)
	_ ClientRepository        = (*MemoryClientRepo)(nil)
	_ ResourceOwnerRepository = (*MemoryResourceOwnerRepo)(nil)
)

// MemoryKeyRepo is an in-process KeyRepository for tests and local runs.
// Setting Err makes every subsequent call fail with it wrapped as a persistence failure.
type MemoryKeyRepo struct {
	mu   sync.Mutex
	keys []domain.SigningKey
	Err  error
}

func NewMemoryKeyRepo(keys ...domain.SigningKey) *MemoryKeyRepo {
	return &MemoryKeyRepo{keys: append([]domain.SigningKey(nil), keys...)}
}

func (r *MemoryKeyRepo) fail(op string) error {
	if r.Err != nil {
		return domain.NewPersistenceError(op, r.Err)
	}
	return nil
}

func (r *MemoryKeyRepo) ListKeys(_ context.Context) ([]domain.SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("list keys"); err != nil {
		return nil, err
	}
	return append([]domain.SigningKey(nil), r.keys...), nil
}

func (r *MemoryKeyRepo) CreateKey(_ context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("create key"); err != nil {
		return domain.SigningKey{}, err
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	r.keys = append(r.keys, key)
	return key, nil
}

func (r *MemoryKeyRepo) RotateKey(_ context.Context, demoteKID string, rotatedAt time.Time, next domain.SigningKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("rotate key"); err != nil {
		return err
	}
	demote := -1
	if demoteKID != "" {
		demote = r.index(demoteKID)
		if demote < 0 || r.keys[demote].Status != domain.KeyStatusActive {
			return fmt.Errorf("rotate key: demote %s: %w", demoteKID, domain.ErrConflict)
		}
	}
	for i, k := range r.keys {
		if i != demote && k.Status == domain.KeyStatusActive && next.Status == domain.KeyStatusActive {
			return fmt.Errorf("rotate key: %s is already active: %w", k.KID, domain.ErrConflict)
		}
	}
	if demote >= 0 {
		at := rotatedAt
		r.keys[demote].Status = domain.KeyStatusPassive
		r.keys[demote].RotatedAt = &at
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = rotatedAt
	}
	r.keys = append(r.keys, next)
	return nil
}

func (r *MemoryKeyRepo) UpdateKeyStatus(_ context.Context, kid string, status domain.KeyStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("update key status"); err != nil {
		return err
	}
	i := r.index(kid)
	if i < 0 {
		return fmt.Errorf("update key status: %w", domain.ErrNotFound)
	}
	stamp := at
	switch status {
	case domain.KeyStatusPassive:
		r.keys[i].RotatedAt = &stamp
	case domain.KeyStatusDisabled:
		r.keys[i].DisabledAt = &stamp
	default:
		return fmt.Errorf("set key %s to %s: %w", kid, status, domain.ErrInvalidTransition)
	}
	r.keys[i].Status = status
	return nil
}

func (r *MemoryKeyRepo) index(kid string) int {
	for i, k := range r.keys {
		if k.KID == kid {
			return i
		}
	}
	return -1
}

// MemoryClientRepo is an in-process ClientRepository.
type MemoryClientRepo struct {
	mu      sync.RWMutex
	clients map[string]domain.Client
}

func NewMemoryClientRepo(clients ...domain.Client) *MemoryClientRepo {
	r := &MemoryClientRepo{clients: make(map[string]domain.Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ClientID] = c
	}
	return r
}

func (r *MemoryClientRepo) GetClientByID(_ context.Context, clientID string) (domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return domain.Client{}, fmt.Errorf("get oauth client: %w", domain.ErrNotFound)
	}
	return c, nil
}

// MemoryResourceOwnerRepo is an in-process ResourceOwnerRepository.
type MemoryResourceOwnerRepo struct {
	mu     sync.RWMutex
	owners map[string]domain.ResourceOwner
}

func NewMemoryResourceOwnerRepo(owners ...domain.ResourceOwner) *MemoryResourceOwnerRepo {
	r := &MemoryResourceOwnerRepo{owners: make(map[string]domain.ResourceOwner, len(owners))}
	for _, o := range owners {
		r.owners[o.Subject] = o
	}
	return r
}

func (r *MemoryResourceOwnerRepo) GetBySubject(_ context.Context, subject string) (domain.ResourceOwner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[subject]
	if !ok {
		return domain.ResourceOwner{}, fmt.Errorf("get resource owner: %w", domain.ErrNotFound)
	}
	return o, nil
}
