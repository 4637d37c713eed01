package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/keystash/internal/domain"
)

// KeyRepository stores signing keys. Keys are never deleted.
type KeyRepository interface {
	ListKeys(ctx context.Context) ([]domain.SigningKey, error)
	CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
	// RotateKey demotes the key identified by demoteKID to PASSIVE and inserts
	// next as ACTIVE in one unit of work. An empty demoteKID only inserts.
	RotateKey(ctx context.Context, demoteKID string, rotatedAt time.Time, next domain.SigningKey) error
	UpdateKeyStatus(ctx context.Context, kid string, status domain.KeyStatus, at time.Time) error
}

// ClientRepository exposes client registrations.
type ClientRepository interface {
	GetClientByID(ctx context.Context, clientID string) (domain.Client, error)
}

// ResourceOwnerRepository exposes end-user identity records.
type ResourceOwnerRepository interface {
	GetBySubject(ctx context.Context, subject string) (domain.ResourceOwner, error)
}
