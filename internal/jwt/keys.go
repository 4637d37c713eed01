package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/repository"
)

const (
	hmacSecretSize = 64
	rsaKeyBits     = 2048

	defaultReloadInterval = 5 * time.Second
)

// Option customizes a KeyRegistry or Generator.
type Option func(*options)

type options struct {
	now         func() time.Time
	reloadEvery time.Duration
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithReloadInterval bounds how often a lookup of an unknown key id may
// reload the key set from persistence. Zero allows every miss to reload.
func WithReloadInterval(d time.Duration) Option {
	return func(o *options) { o.reloadEvery = d }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, reloadEvery: defaultReloadInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type keyEntry struct {
	key domain.SigningKey
	// private is the decoded material: []byte for HMAC, *rsa.PrivateKey or *ecdsa.PrivateKey otherwise.
	private any
}

// keySnapshot is immutable once published.
type keySnapshot struct {
	ordered []keyEntry
	byKID   map[string]int
	active  int // index into ordered, -1 when no key is ACTIVE
}

func newSnapshot(entries []keyEntry) (*keySnapshot, error) {
	s := &keySnapshot{ordered: entries, byKID: make(map[string]int, len(entries)), active: -1}
	for i, e := range entries {
		s.byKID[e.key.KID] = i
		if e.key.Status == domain.KeyStatusActive {
			if s.active >= 0 {
				return nil, fmt.Errorf("keys %s and %s are both active: %w", entries[s.active].key.KID, e.key.KID, domain.ErrInvalidTransition)
			}
			s.active = i
		}
	}
	return s, nil
}

func (s *keySnapshot) lookup(kid string) (keyEntry, bool) {
	i, ok := s.byKID[kid]
	if !ok {
		return keyEntry{}, false
	}
	return s.ordered[i], true
}

// clone returns a mutable copy of the entries.
func (s *keySnapshot) clone() []keyEntry {
	return append(make([]keyEntry, 0, len(s.ordered)+1), s.ordered...)
}

// KeyRegistry owns the signing keys and their lifecycle. Mutations are
// serialized by a single writer lock and published as immutable snapshots,
// so readers never block and always observe a consistent key set.
//
// Several registries may share one repository. Keys written by another
// instance are picked up by Load, by a rate-limited reload when an unknown
// kid is looked up, and by the retry that follows a conflicting Rotate.
type KeyRegistry struct {
	repo   repository.KeyRepository
	node   *snowflake.Node
	logger *zap.Logger
	now    func() time.Time
	reload *rate.Limiter

	mu   sync.Mutex
	snap atomic.Pointer[keySnapshot]
}

// NewKeyRegistry creates an empty registry. Call Load or Bootstrap before issuing tokens.
func NewKeyRegistry(repo repository.KeyRepository, node *snowflake.Node, logger *zap.Logger, opts ...Option) *KeyRegistry {
	if logger == nil {
		logger = zap.L()
	}
	o := buildOptions(opts)
	r := &KeyRegistry{
		repo:   repo,
		node:   node,
		logger: logger.Named("keys"),
		now:    o.now,
		reload: rate.NewLimiter(rate.Every(o.reloadEvery), 1),
	}
	r.snap.Store(&keySnapshot{byKID: map[string]int{}, active: -1})
	return r
}

// Load replaces the in-memory key set with the persisted one.
func (r *KeyRegistry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

func (r *KeyRegistry) loadLocked(ctx context.Context) error {
	keys, err := r.repo.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("load keys: %w", asPersistence("list keys", err))
	}
	entries := make([]keyEntry, 0, len(keys))
	for _, key := range keys {
		private, err := decodeMaterial(key)
		if err != nil {
			return fmt.Errorf("load key %s: %w", key.KID, err)
		}
		entries = append(entries, keyEntry{key: key, private: private})
	}
	snap, err := newSnapshot(entries)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	prev := r.snap.Swap(snap)
	if len(prev.ordered) != len(snap.ordered) || prev.active != snap.active {
		r.logger.Info("signing keys loaded", zap.Int("count", len(entries)))
	}
	return nil
}

// CurrentSigningKey returns the single ACTIVE key.
func (r *KeyRegistry) CurrentSigningKey() (domain.SigningKey, error) {
	entry, err := r.current()
	if err != nil {
		return domain.SigningKey{}, err
	}
	return entry.key, nil
}

func (r *KeyRegistry) current() (keyEntry, error) {
	snap := r.snap.Load()
	if snap.active < 0 {
		return keyEntry{}, domain.ErrKeyUnavailable
	}
	return snap.ordered[snap.active], nil
}

// KeyForVerification returns the ACTIVE or PASSIVE key identified by kid.
func (r *KeyRegistry) KeyForVerification(kid string) (domain.SigningKey, error) {
	entry, err := r.verifier(context.Background(), kid)
	if err != nil {
		return domain.SigningKey{}, err
	}
	return entry.key, nil
}

// verifier looks kid up in the current snapshot. An unknown kid may have been
// installed by another instance, so a miss reloads once the limiter allows it.
func (r *KeyRegistry) verifier(ctx context.Context, kid string) (keyEntry, error) {
	entry, ok := r.snap.Load().lookup(kid)
	if !ok && kid != "" && r.reload.Allow() {
		if err := r.Load(ctx); err != nil {
			r.logger.Warn("reload signing keys", zap.String("kid", kid), zap.Error(err))
		} else {
			entry, ok = r.snap.Load().lookup(kid)
		}
	}
	if !ok || !entry.key.Verifies() {
		return keyEntry{}, fmt.Errorf("kid %q: %w", kid, domain.ErrKeyNotFound)
	}
	return entry, nil
}

// Keys lists every known key, oldest first.
func (r *KeyRegistry) Keys() []domain.SigningKey {
	snap := r.snap.Load()
	out := make([]domain.SigningKey, len(snap.ordered))
	for i, e := range snap.ordered {
		out[i] = e.key
	}
	return out
}

// Rotate demotes the ACTIVE key to PASSIVE and installs next as the ACTIVE key.
// Readers observe either the previous or the new key set, never a mix. When
// persistence reports that another instance changed the key set first, the
// registry reloads and retries once on top of the persisted state.
func (r *KeyRegistry) Rotate(ctx context.Context, next domain.SigningKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.rotateLocked(ctx, next)
	if !errors.Is(err, domain.ErrConflict) {
		return err
	}
	r.logger.Warn("key set changed concurrently, reloading", zap.String("kid", next.KID), zap.Error(err))
	if lerr := r.loadLocked(ctx); lerr != nil {
		return errors.Join(err, lerr)
	}
	return r.rotateLocked(ctx, next)
}

func (r *KeyRegistry) rotateLocked(ctx context.Context, next domain.SigningKey) error {
	snap := r.snap.Load()
	if next.KID == "" || len(next.Material) == 0 {
		return fmt.Errorf("rotate: key id and material are required: %w", domain.ErrInvalidTransition)
	}
	if _, exists := snap.lookup(next.KID); exists {
		return fmt.Errorf("rotate: key %s already registered: %w", next.KID, domain.ErrInvalidTransition)
	}
	private, err := decodeMaterial(next)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	now := r.now().UTC()
	if next.ID == 0 && r.node != nil {
		next.ID = r.node.Generate().Int64()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.Status = domain.KeyStatusActive
	next.RotatedAt, next.DisabledAt = nil, nil

	var demoted string
	entries := snap.clone()
	if snap.active >= 0 {
		prev := entries[snap.active]
		demoted = prev.key.KID
		prev.key.Status = domain.KeyStatusPassive
		prev.key.RotatedAt = &now
		entries[snap.active] = prev
	}

	if err := r.repo.RotateKey(ctx, demoted, now, next); err != nil {
		return fmt.Errorf("rotate: %w", asPersistence("rotate key", err))
	}

	entries = append(entries, keyEntry{key: next, private: private})
	published, err := newSnapshot(entries)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	r.snap.Store(published)

	r.logger.Info("audit",
		zap.String("event", "key_rotated"),
		zap.String("kid", next.KID),
		zap.String("algorithm", next.Algorithm),
		zap.String("demoted_kid", demoted),
	)
	return nil
}

// Disable moves a PASSIVE key to DISABLED. ACTIVE keys must be rotated out first.
func (r *KeyRegistry) Disable(ctx context.Context, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disableLocked(ctx, kid, r.now().UTC())
}

func (r *KeyRegistry) disableLocked(ctx context.Context, kid string, at time.Time) error {
	snap := r.snap.Load()
	i, ok := snap.byKID[kid]
	if !ok {
		return fmt.Errorf("disable %q: %w", kid, domain.ErrKeyNotFound)
	}
	entry := snap.ordered[i]
	if entry.key.Status != domain.KeyStatusPassive {
		return fmt.Errorf("disable %s from %s: %w", kid, entry.key.Status, domain.ErrInvalidTransition)
	}

	if err := r.repo.UpdateKeyStatus(ctx, kid, domain.KeyStatusDisabled, at); err != nil {
		return fmt.Errorf("disable: %w", asPersistence("update key status", err))
	}

	entries := snap.clone()
	entry.key.Status = domain.KeyStatusDisabled
	entry.key.DisabledAt = &at
	entries[i] = entry
	published, err := newSnapshot(entries)
	if err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	r.snap.Store(published)

	r.logger.Info("audit", zap.String("event", "key_disabled"), zap.String("kid", kid))
	return nil
}

// RetirePassive disables PASSIVE keys demoted at least retention ago and
// returns how many were disabled.
func (r *KeyRegistry) RetirePassive(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []string
	for _, e := range r.snap.Load().ordered {
		if e.key.Status != domain.KeyStatusPassive {
			continue
		}
		since := e.key.CreatedAt
		if e.key.RotatedAt != nil {
			since = *e.key.RotatedAt
		}
		if now.Sub(since) >= retention {
			due = append(due, e.key.KID)
		}
	}

	for n, kid := range due {
		if err := r.disableLocked(ctx, kid, now.UTC()); err != nil {
			return n, err
		}
	}
	return len(due), nil
}

// Bootstrap provisions a first key of alg when no key is ACTIVE and
// returns the ACTIVE key. created reports whether a new key was generated.
func (r *KeyRegistry) Bootstrap(ctx context.Context, alg string) (key domain.SigningKey, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, err := r.current(); err == nil {
		return entry.key, false, nil
	}
	next, err := r.GenerateKey(alg)
	if err != nil {
		return domain.SigningKey{}, false, err
	}
	err = r.rotateLocked(ctx, next)
	if errors.Is(err, domain.ErrConflict) {
		// another instance provisioned first; adopt its key
		if lerr := r.loadLocked(ctx); lerr != nil {
			return domain.SigningKey{}, false, errors.Join(err, lerr)
		}
		if entry, cerr := r.current(); cerr == nil {
			return entry.key, false, nil
		}
	}
	if err != nil {
		return domain.SigningKey{}, false, err
	}
	return next, true, nil
}

// GenerateKey creates fresh key material for alg. The key is not registered.
func (r *KeyRegistry) GenerateKey(alg string) (domain.SigningKey, error) {
	var (
		material []byte
		err      error
	)
	switch alg {
	case domain.AlgorithmHS256:
		material = make([]byte, hmacSecretSize)
		_, err = rand.Read(material)
	case domain.AlgorithmRS256:
		var pk *rsa.PrivateKey
		if pk, err = rsa.GenerateKey(rand.Reader, rsaKeyBits); err == nil {
			material, err = x509.MarshalPKCS8PrivateKey(pk)
		}
	case domain.AlgorithmES256:
		var pk *ecdsa.PrivateKey
		if pk, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err == nil {
			material, err = x509.MarshalPKCS8PrivateKey(pk)
		}
	default:
		return domain.SigningKey{}, fmt.Errorf("generate key: unsupported algorithm %q", alg)
	}
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate %s key: %w", alg, err)
	}

	key := domain.SigningKey{
		KID:       uuid.NewString(),
		Algorithm: alg,
		Material:  material,
		Status:    domain.KeyStatusActive,
		CreatedAt: r.now().UTC(),
	}
	if r.node != nil {
		key.ID = r.node.Generate().Int64()
	}
	return key, nil
}

func decodeMaterial(key domain.SigningKey) (any, error) {
	switch key.Algorithm {
	case domain.AlgorithmHS256:
		return key.Material, nil
	case domain.AlgorithmRS256, domain.AlgorithmES256:
		pk, err := x509.ParsePKCS8PrivateKey(key.Material)
		if err != nil {
			return nil, fmt.Errorf("decode %s material: %w", key.Algorithm, err)
		}
		switch pk.(type) {
		case *rsa.PrivateKey:
			if key.Algorithm != domain.AlgorithmRS256 {
				return nil, fmt.Errorf("key %s: rsa material for %s", key.KID, key.Algorithm)
			}
		case *ecdsa.PrivateKey:
			if key.Algorithm != domain.AlgorithmES256 {
				return nil, fmt.Errorf("key %s: ecdsa material for %s", key.KID, key.Algorithm)
			}
		default:
			return nil, fmt.Errorf("key %s: unsupported material %T", key.KID, pk)
		}
		return pk, nil
	}
	return nil, fmt.Errorf("key %s: unsupported algorithm %q", key.KID, key.Algorithm)
}

func publicMaterial(private any) any {
	switch pk := private.(type) {
	case *rsa.PrivateKey:
		return &pk.PublicKey
	case *ecdsa.PrivateKey:
		return &pk.PublicKey
	}
	return private
}

func asPersistence(op string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return domain.NewPersistenceError(op, err)
}
