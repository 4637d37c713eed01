package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/config"
	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/jwt"
	"github.com/smallbiznis/keystash/internal/repository"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMaintainer(t *testing.T, repo repository.KeyRepository, cfg config.Signing) (*KeyMaintainer, *jwt.KeyRegistry, *clock) {
	t.Helper()
	c := &clock{now: time.Unix(1_700_000_000, 0).UTC()}
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	reg := jwt.NewKeyRegistry(repo, node, zap.NewNop(), jwt.WithClock(c.Now))
	return NewKeyMaintainer(reg, cfg, zap.NewNop(), c.Now), reg, c
}

func TestStartProvisionsOnce(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryKeyRepo()
	m, reg, _ := newMaintainer(t, repo, config.Signing{Algorithm: domain.AlgorithmES256})

	require.NoError(t, m.Start(ctx))
	first, err := reg.CurrentSigningKey()
	require.NoError(t, err)
	require.Equal(t, domain.AlgorithmES256, first.Algorithm)

	// a second process over the same store reuses the persisted key
	m2, reg2, _ := newMaintainer(t, repo, config.Signing{Algorithm: domain.AlgorithmES256})
	require.NoError(t, m2.Start(ctx))
	second, err := reg2.CurrentSigningKey()
	require.NoError(t, err)
	require.Equal(t, first.KID, second.KID)
	require.Len(t, reg2.Keys(), 1)
}

func TestStartFailsOnPersistenceError(t *testing.T) {
	repo := repository.NewMemoryKeyRepo()
	repo.Err = context.DeadlineExceeded
	m, _, _ := newMaintainer(t, repo, config.Signing{Algorithm: domain.AlgorithmHS256})

	err := m.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrPersistence)
}

func TestTickRotatesAndRetires(t *testing.T) {
	ctx := context.Background()
	m, reg, c := newMaintainer(t, repository.NewMemoryKeyRepo(), config.Signing{
		Algorithm:        domain.AlgorithmHS256,
		RotationInterval: 24 * time.Hour,
		PassiveRetention: 48 * time.Hour,
	})
	require.NoError(t, m.Start(ctx))
	first, err := reg.CurrentSigningKey()
	require.NoError(t, err)

	rotated, retired, err := m.Tick(ctx)
	require.NoError(t, err)
	require.False(t, rotated)
	require.Zero(t, retired)

	c.Advance(24 * time.Hour)
	rotated, _, err = m.Tick(ctx)
	require.NoError(t, err)
	require.True(t, rotated)

	old, err := reg.KeyForVerification(first.KID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyStatusPassive, old.Status)

	c.Advance(48 * time.Hour)
	rotated, retired, err = m.Tick(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	require.Equal(t, 1, retired)

	_, err = reg.KeyForVerification(first.KID)
	require.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestTickWithRotationDisabled(t *testing.T) {
	ctx := context.Background()
	m, reg, c := newMaintainer(t, repository.NewMemoryKeyRepo(), config.Signing{Algorithm: domain.AlgorithmHS256})
	require.NoError(t, m.Start(ctx))
	before, err := reg.CurrentSigningKey()
	require.NoError(t, err)

	c.Advance(365 * 24 * time.Hour)
	rotated, retired, err := m.Tick(ctx)
	require.NoError(t, err)
	require.False(t, rotated)
	require.Zero(t, retired)

	after, err := reg.CurrentSigningKey()
	require.NoError(t, err)
	require.Equal(t, before.KID, after.KID)
}

func TestTickPicksUpRotationFromAnotherInstance(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryKeyRepo()
	cfg := config.Signing{Algorithm: domain.AlgorithmHS256, RotationInterval: 24 * time.Hour}
	a, regA, clockA := newMaintainer(t, repo, cfg)
	b, regB, clockB := newMaintainer(t, repo, cfg)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	clockA.Advance(24 * time.Hour)
	rotated, _, err := a.Tick(ctx)
	require.NoError(t, err)
	require.True(t, rotated)
	fresh, err := regA.CurrentSigningKey()
	require.NoError(t, err)

	clockB.Advance(24*time.Hour + time.Minute)
	rotated, _, err = b.Tick(ctx)
	require.NoError(t, err)
	require.False(t, rotated, "the key rotated by the other instance is still young")

	current, err := regB.CurrentSigningKey()
	require.NoError(t, err)
	require.Equal(t, fresh.KID, current.KID)

	persisted, err := repo.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
}
