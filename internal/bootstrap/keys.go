// Package bootstrap runs the startup and background maintenance tasks of the
// signing key registry and the token cache.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/keystash/internal/config"
	"github.com/smallbiznis/keystash/internal/jwt"
	"github.com/smallbiznis/keystash/internal/service"
)

// KeyMaintainer loads the registry at startup and rotates and retires keys on schedule.
type KeyMaintainer struct {
	registry *jwt.KeyRegistry
	cfg      config.Signing
	logger   *zap.Logger
	now      func() time.Time
}

// NewKeyMaintainer builds a maintainer. A nil now uses time.Now.
func NewKeyMaintainer(registry *jwt.KeyRegistry, cfg config.Signing, logger *zap.Logger, now func() time.Time) *KeyMaintainer {
	if logger == nil {
		logger = zap.L()
	}
	if now == nil {
		now = time.Now
	}
	return &KeyMaintainer{registry: registry, cfg: cfg, logger: logger.Named("keys"), now: now}
}

// Start loads persisted keys and provisions a first ACTIVE key when none exists.
func (m *KeyMaintainer) Start(ctx context.Context) error {
	if err := m.registry.Load(ctx); err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	key, created, err := m.registry.Bootstrap(ctx, m.cfg.Algorithm)
	if err != nil {
		return fmt.Errorf("bootstrap signing key: %w", err)
	}
	if created {
		m.logger.Info("signing key provisioned", zap.String("kid", key.KID), zap.String("alg", key.Algorithm))
	}
	return nil
}

// Tick refreshes the registry from persistence, rotates the ACTIVE key once it
// is older than the rotation interval and disables PASSIVE keys past retention.
// Refreshing first keeps instances sharing one key table from rotating a key
// another instance already replaced.
func (m *KeyMaintainer) Tick(ctx context.Context) (rotated bool, retired int, err error) {
	if err := m.registry.Load(ctx); err != nil {
		return false, 0, fmt.Errorf("refresh signing keys: %w", err)
	}
	now := m.now()
	if m.cfg.RotationInterval > 0 {
		current, err := m.registry.CurrentSigningKey()
		if err == nil && now.Sub(current.CreatedAt) >= m.cfg.RotationInterval {
			next, err := m.registry.GenerateKey(m.cfg.Algorithm)
			if err != nil {
				return false, 0, err
			}
			if err := m.registry.Rotate(ctx, next); err != nil {
				return false, 0, fmt.Errorf("rotate signing key: %w", err)
			}
			rotated = true
		}
	}
	if m.cfg.PassiveRetention > 0 {
		retired, err = m.registry.RetirePassive(ctx, now, m.cfg.PassiveRetention)
		if err != nil {
			return rotated, retired, fmt.Errorf("retire passive keys: %w", err)
		}
	}
	return rotated, retired, nil
}

// Run calls Tick every SweepInterval until ctx is done. Failures are logged
// and retried on the next tick.
func (m *KeyMaintainer) Run(ctx context.Context) {
	if m.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotated, retired, err := m.Tick(ctx)
			if err != nil {
				m.logger.Error("key maintenance failed", zap.Error(err))
				continue
			}
			if rotated || retired > 0 {
				m.logger.Info("key maintenance", zap.Bool("rotated", rotated), zap.Int("retired", retired))
			}
		}
	}
}

type sweeper interface {
	Run(ctx context.Context, interval time.Duration)
}

// Maintenance registers the key registry startup and every background sweeper with lc.
func Maintenance(lc fx.Lifecycle, keys *KeyMaintainer, caches service.Caches, cfg config.Cache) {
	var (
		cancel context.CancelFunc
		group  *errgroup.Group
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := keys.Start(ctx); err != nil {
				return err
			}
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			group, runCtx = errgroup.WithContext(runCtx)
			group.Go(func() error {
				keys.Run(runCtx)
				return nil
			})
			// redis expires entries itself; only memory caches need sweeping
			for _, c := range []any{caches.Codes, caches.Nonces, caches.Revoked} {
				if s, ok := c.(sweeper); ok {
					group.Go(func() error {
						s.Run(runCtx, cfg.SweepInterval)
						return nil
					})
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			return group.Wait()
		},
	})
}
