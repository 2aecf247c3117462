// Package tokens implements the hub's bearer-token validation surface: the
// token lookup and points deduction the SOCKS5 frontend needs of the
// (out-of-scope) user/token/points database. A Postgres-backed Store does the real lookup; an optional
// cache-aside layer in front of it, backed by Redis, absorbs repeat lookups
// for the same token within its validation window.
package tokens

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
)

// Info is what a bearer token resolves to: the owning user and their
// points balance, consulted against the ≥10-point rule at SOCKS5 VALIDATE.
type Info struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Points    int       `json:"points"`
}

// Expired reports whether this token info is past its expiry at t.
func (i Info) Expired(t time.Time) bool {
	return !i.ExpiresAt.After(t)
}

// Store resolves bearer tokens to their owning user and deducts points on
// successful relay completion.
type Store interface {
	Lookup(ctx context.Context, token string) (Info, error)
	DeductPoints(ctx context.Context, userID string, amount int) error
}

// PostgresStore is the real token store. Schema and CRUD beyond these two
// queries are out of scope; the expected table shape is
// tokens(token text pk, user_id text, expires_at timestamptz) joined to
// users(user_id text pk, points int).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and verifies it with
// a ping before returning.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("tokens: dsn cannot be empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokens: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("tokens: ping: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Lookup resolves a bearer token to its owning user and current points
// balance.
func (s *PostgresStore) Lookup(ctx context.Context, token string) (Info, error) {
	const q = `
		SELECT t.user_id, t.expires_at, u.points
		FROM tokens t
		JOIN users u ON u.user_id = t.user_id
		WHERE t.token = $1`

	var info Info
	err := s.db.QueryRowContext(ctx, q, token).Scan(&info.UserID, &info.ExpiresAt, &info.Points)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, apperrors.ErrTokenInvalid
	}
	if err != nil {
		return Info{}, fmt.Errorf("tokens: lookup: %w", err)
	}
	return info, nil
}

// DeductPoints subtracts amount from userID's balance, atomically, only if
// the balance covers it.
func (s *PostgresStore) DeductPoints(ctx context.Context, userID string, amount int) error {
	const q = `UPDATE users SET points = points - $1 WHERE user_id = $2 AND points >= $1`

	res, err := s.db.ExecContext(ctx, q, amount, userID)
	if err != nil {
		return fmt.Errorf("tokens: deduct: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tokens: deduct: %w", err)
	}
	if rows == 0 {
		return apperrors.ErrInsufficientPoints
	}
	return nil
}

// CachedStore fronts a Store with a cache-aside Redis layer. Entries are
// cached for cacheTTL; a deduction does not invalidate the cache, so a
// points balance read through the cache may be briefly stale. That trade is
// acceptable here: the VALIDATE check only needs to reject clearly
// insufficient balances, not serialize against concurrent relays.
type CachedStore struct {
	inner    Store
	client   *redis.Client
	cacheTTL time.Duration
}

// NewCachedStore wraps inner with a Redis cache-aside layer.
func NewCachedStore(inner Store, client *redis.Client, cacheTTL time.Duration) *CachedStore {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &CachedStore{inner: inner, client: client, cacheTTL: cacheTTL}
}

func cacheKey(token string) string {
	return "proxyfabric:token:" + token
}

// Lookup checks Redis first; on a miss it falls through to inner and
// populates the cache. Redis errors are treated as a cache miss rather than
// a hard failure, so token validation keeps working if Redis is down.
func (c *CachedStore) Lookup(ctx context.Context, token string) (Info, error) {
	if raw, err := c.client.Get(ctx, cacheKey(token)).Result(); err == nil {
		var info Info
		if jsonErr := json.Unmarshal([]byte(raw), &info); jsonErr == nil {
			return info, nil
		}
	}

	info, err := c.inner.Lookup(ctx, token)
	if err != nil {
		return Info{}, err
	}

	if raw, err := json.Marshal(info); err == nil {
		c.client.Set(ctx, cacheKey(token), raw, c.cacheTTL)
	}
	return info, nil
}

// DeductPoints always writes through to the underlying store.
func (c *CachedStore) DeductPoints(ctx context.Context, userID string, amount int) error {
	return c.inner.DeductPoints(ctx, userID, amount)
}
