package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/keystash/internal/domain"
)

//go:embed schema.sql
var schema string

// Compile-time interface assertions.
var (
	_ KeyRepository           = (*PostgresKeyRepo)(nil)
	_ ClientRepository        = (*PostgresClientRepo)(nil)
	_ ResourceOwnerRepository = (*PostgresResourceOwnerRepo)(nil)
)

// Migrate applies the bundled schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return domain.NewPersistenceError("migrate", err)
	}
	return nil
}

// wrap maps driver errors into the domain taxonomy.
// uniqueViolation is the SQLSTATE raised when signing_keys_single_active rejects a second ACTIVE key.
const uniqueViolation = "23505"

func wrap(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, domain.ErrConflict)
	}
	return domain.NewPersistenceError(op, err)
}

// PostgresKeyRepo implements KeyRepository.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: pool}
}

const keyColumns = `id, kid, algorithm, material, status, created_at, rotated_at, disabled_at`

func (r *PostgresKeyRepo) ListKeys(ctx context.Context) ([]domain.SigningKey, error) {
	rows, err := r.db.Query(ctx, `SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, wrap("list keys", err)
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, wrap("scan key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list keys", err)
	}
	return keys, nil
}

const insertKeySQL = `INSERT INTO signing_keys (id, kid, algorithm, material, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + keyColumns

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	created, err := insertKey(ctx, r.db, key)
	if err != nil {
		return domain.SigningKey{}, wrap("create key", err)
	}
	return created, nil
}

func (r *PostgresKeyRepo) RotateKey(ctx context.Context, demoteKID string, rotatedAt time.Time, next domain.SigningKey) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if demoteKID != "" {
			tag, err := tx.Exec(ctx,
				`UPDATE signing_keys SET status = $2, rotated_at = $3 WHERE kid = $1 AND status = $4`,
				demoteKID, string(domain.KeyStatusPassive), rotatedAt, string(domain.KeyStatusActive))
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("demote %s: %w", demoteKID, domain.ErrConflict)
			}
		}
		_, err := insertKey(ctx, tx, next)
		return err
	})
	if err != nil {
		return wrap("rotate key", err)
	}
	return nil
}

func (r *PostgresKeyRepo) UpdateKeyStatus(ctx context.Context, kid string, status domain.KeyStatus, at time.Time) error {
	var query string
	switch status {
	case domain.KeyStatusPassive:
		query = `UPDATE signing_keys SET status = $2, rotated_at = $3 WHERE kid = $1`
	case domain.KeyStatusDisabled:
		query = `UPDATE signing_keys SET status = $2, disabled_at = $3 WHERE kid = $1`
	default:
		return fmt.Errorf("set key %s to %s: %w", kid, status, domain.ErrInvalidTransition)
	}
	tag, err := r.db.Exec(ctx, query, kid, string(status), at)
	if err != nil {
		return wrap("update key status", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("update key status", pgx.ErrNoRows)
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertKey(ctx context.Context, db queryRower, key domain.SigningKey) (domain.SigningKey, error) {
	createdAt := key.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return scanKey(db.QueryRow(ctx, insertKeySQL,
		key.ID,
		key.KID,
		key.Algorithm,
		key.Material,
		string(key.Status),
		createdAt,
	))
}

func scanKey(row pgx.Row) (domain.SigningKey, error) {
	var (
		key        domain.SigningKey
		status     string
		rotatedAt  pgtype.Timestamptz
		disabledAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&key.ID,
		&key.KID,
		&key.Algorithm,
		&key.Material,
		&status,
		&key.CreatedAt,
		&rotatedAt,
		&disabledAt,
	); err != nil {
		return domain.SigningKey{}, err
	}
	key.Status = domain.KeyStatus(status)
	key.RotatedAt = nullableTime(rotatedAt)
	key.DisabledAt = nullableTime(disabledAt)
	return key, nil
}

// PostgresClientRepo implements ClientRepository.
type PostgresClientRepo struct {
	db *pgxpool.Pool
}

func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{db: pool}
}

func (r *PostgresClientRepo) GetClientByID(ctx context.Context, clientID string) (domain.Client, error) {
	const query = `
SELECT id, client_id, secret_hash, name, redirect_uris, grants, scopes, created_at
FROM oauth_clients
WHERE client_id = $1
LIMIT 1`

	var (
		client domain.Client
		grants []string
	)
	if err := r.db.QueryRow(ctx, query, clientID).Scan(
		&client.ID,
		&client.ClientID,
		&client.SecretHash,
		&client.Name,
		&client.RedirectURIs,
		&grants,
		&client.Scopes,
		&client.CreatedAt,
	); err != nil {
		return domain.Client{}, wrap("get oauth client", err)
	}

	client.Grants = make([]domain.GrantType, 0, len(grants))
	for _, g := range grants {
		client.Grants = append(client.Grants, domain.GrantType(g))
	}
	client.Scopes = domain.NormalizeScopes(client.Scopes)
	return client, nil
}

// PostgresResourceOwnerRepo implements ResourceOwnerRepository.
type PostgresResourceOwnerRepo struct {
	db *pgxpool.Pool
}

func NewPostgresResourceOwnerRepo(pool *pgxpool.Pool) *PostgresResourceOwnerRepo {
	return &PostgresResourceOwnerRepo{db: pool}
}

func (r *PostgresResourceOwnerRepo) GetBySubject(ctx context.Context, subject string) (domain.ResourceOwner, error) {
	const query = `
SELECT id, subject, email, email_verified, name, avatar_url, status, created_at, updated_at
FROM resource_owners
WHERE subject = $1`

	var (
		owner  domain.ResourceOwner
		avatar pgtype.Text
	)
	if err := r.db.QueryRow(ctx, query, subject).Scan(
		&owner.ID,
		&owner.Subject,
		&owner.Email,
		&owner.EmailVerified,
		&owner.Name,
		&avatar,
		&owner.Status,
		&owner.CreatedAt,
		&owner.UpdatedAt,
	); err != nil {
		return domain.ResourceOwner{}, wrap("get resource owner", err)
	}
	if avatar.Valid {
		owner.AvatarURL = avatar.String
	}
	return owner, nil
}

func nullableTime(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
