// Package tokens stores and refreshes platform credentials. Tokens are
// secrets: String() and logging redact them, expiry is always absolute UTC.
package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
)

// Token is one platform credential. AccountID disambiguates multiple
// accounts on the same platform; empty means "the default account".
type Token struct {
	Platform      string     `db:"platform"`
	AccountID     string     `db:"account_id"`
	AccountHandle string     `db:"account_handle"`
	AccessToken   string     `db:"access_token"`
	RefreshToken  *string    `db:"refresh_token"`
	TokenType     *string    `db:"token_type"`
	Scope         *string    `db:"scope"`
	ExpiresAt     *time.Time `db:"expires_at"`
	OwnerID       string     `db:"owner_id"`
}

func (t Token) String() string {
	return fmt.Sprintf("Token{platform: %s, account: %s, access_token: xxxxx}", t.Platform, t.AccountID)
}

// IsExpired reports whether the token can no longer be used. A missing
// expiry counts as expired: we cannot prove it is still valid.
func (t Token) IsExpired(now time.Time) bool {
	return t.ExpiresAt == nil || !now.Before(*t.ExpiresAt)
}

// NeedsRefresh is IsExpired with the refresh skew applied, so callers renew
// before the platform starts rejecting.
func (t Token) NeedsRefresh(now time.Time) bool {
	return t.ExpiresAt == nil || !now.Add(config.TokenRefreshSkew).Before(*t.ExpiresAt)
}

// StorePayload is what an OAuth exchange hands us.
type StorePayload struct {
	AccountID     string
	AccountHandle string
	AccessToken   string
	RefreshToken  string
	TokenType     string
	Scope         string
	ExpiresIn     int64
	OwnerID       string
}

// Refresher performs the platform-specific refresh exchange.
type Refresher interface {
	Refresh(ctx context.Context, current Token) (StorePayload, error)
}

// Store is the durable credential store. Reads are briefly cached; refreshes
// serialize per (platform, account) so a burst of expiring publishers makes
// exactly one upstream call.
type Store struct {
	db         *sqlx.DB
	refreshers map[string]Refresher
	readCache  *gocache.Cache
	refreshing singleflight.Group
}

func NewStore(db *sqlx.DB, refreshers map[string]Refresher) *Store {
	if refreshers == nil {
		refreshers = map[string]Refresher{}
	}
	return &Store{
		db:         db,
		refreshers: refreshers,
		readCache:  gocache.New(15*time.Second, time.Minute),
	}
}

func cacheKey(platform, accountID string) string {
	return platform + "/" + accountID
}

func (s *Store) Get(ctx context.Context, platform, accountID string) (Token, error) {
	if cached, found := s.readCache.Get(cacheKey(platform, accountID)); found {
		return cached.(Token), nil
	}

	var t Token
	var err error
	if accountID == "" {
		err = s.db.GetContext(ctx, &t,
			`SELECT platform, account_id, account_handle, access_token, refresh_token, token_type, scope, expires_at, owner_id
			 FROM social_accounts WHERE platform = $1 ORDER BY account_id LIMIT 1`, platform)
	} else {
		err = s.db.GetContext(ctx, &t,
			`SELECT platform, account_id, account_handle, access_token, refresh_token, token_type, scope, expires_at, owner_id
			 FROM social_accounts WHERE platform = $1 AND account_id = $2`, platform, accountID)
	}
	if err == sql.ErrNoRows {
		return Token{}, xerrors.Failf(xerrors.KindAuth, "no %s credentials stored for account %q", platform, accountID)
	}
	if err != nil {
		return Token{}, fmt.Errorf("loading %s token: %w", platform, err)
	}
	s.readCache.SetDefault(cacheKey(platform, t.AccountID), t)
	return t, nil
}

// StoreToken writes the credential through, converting expires_in into an
// absolute UTC timestamp.
func (s *Store) StoreToken(ctx context.Context, platform string, payload StorePayload) error {
	expiresIn := payload.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	expiresAt := config.Clock.GetTime().UTC().Add(time.Duration(expiresIn) * time.Second)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO social_accounts (platform, account_id, account_handle, access_token, refresh_token, token_type, scope, expires_at, owner_id, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
		 ON CONFLICT (platform, account_id) DO UPDATE SET
		   account_handle = EXCLUDED.account_handle,
		   access_token = EXCLUDED.access_token,
		   refresh_token = COALESCE(EXCLUDED.refresh_token, social_accounts.refresh_token),
		   token_type = EXCLUDED.token_type,
		   scope = EXCLUDED.scope,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = EXCLUDED.updated_at`,
		platform, payload.AccountID, payload.AccountHandle, payload.AccessToken,
		payload.RefreshToken, payload.TokenType, payload.Scope,
		expiresAt, payload.OwnerID, config.Clock.GetTime().UTC())
	if err != nil {
		return fmt.Errorf("storing %s token: %w", platform, err)
	}

	s.readCache.Delete(cacheKey(platform, payload.AccountID))
	log.LogNoJobID("persisted platform credential", "platform", platform, "account", payload.AccountID)
	return nil
}

func (s *Store) IsExpired(ctx context.Context, platform, accountID string) (bool, error) {
	t, err := s.Get(ctx, platform, accountID)
	if err != nil {
		if xerrors.IsKind(err, xerrors.KindAuth) {
			return true, nil
		}
		return true, err
	}
	return t.IsExpired(config.Clock.GetTime().UTC()), nil
}

// Refresh exchanges the refresh token for a new credential. Concurrent
// refreshes for the same (platform, account) collapse into one upstream
// call; every caller gets the winning token.
func (s *Store) Refresh(ctx context.Context, platform, accountID string) (Token, error) {
	v, err, _ := s.refreshing.Do(cacheKey(platform, accountID), func() (interface{}, error) {
		return s.refresh(ctx, platform, accountID)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (s *Store) refresh(ctx context.Context, platform, accountID string) (Token, error) {
	current, err := s.Get(ctx, platform, accountID)
	if err != nil {
		return Token{}, err
	}
	// someone else may have refreshed while we queued
	if !current.NeedsRefresh(config.Clock.GetTime().UTC()) {
		return current, nil
	}

	refresher, ok := s.refreshers[platform]
	if !ok {
		return Token{}, xerrors.Failf(xerrors.KindAuth, "no refresher registered for platform %s", platform)
	}
	payload, err := refresher.Refresh(ctx, current)
	if err != nil {
		return Token{}, xerrors.Wrap(xerrors.KindAuth, fmt.Errorf("refreshing %s credential: %w", platform, err))
	}
	if payload.AccountID == "" {
		payload.AccountID = current.AccountID
	}
	if payload.OwnerID == "" {
		payload.OwnerID = current.OwnerID
	}
	if err := s.StoreToken(ctx, platform, payload); err != nil {
		return Token{}, err
	}
	return s.Get(ctx, platform, payload.AccountID)
}
