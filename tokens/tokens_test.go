package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/psalmprax/ettametta/config"
)

func TestTokenIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.True(t, Token{}.IsExpired(now), "missing expiry counts as expired")

	past := now.Add(-time.Second)
	require.True(t, Token{ExpiresAt: &past}.IsExpired(now))

	exact := now
	require.True(t, Token{ExpiresAt: &exact}.IsExpired(now), "expiry at now is expired")

	future := now.Add(time.Hour)
	require.False(t, Token{ExpiresAt: &future}.IsExpired(now))
}

func TestTokenNeedsRefreshSkew(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	in30 := now.Add(30 * time.Second)
	require.True(t, Token{ExpiresAt: &in30}.NeedsRefresh(now), "inside the 60s window")

	in90 := now.Add(90 * time.Second)
	require.False(t, Token{ExpiresAt: &in90}.NeedsRefresh(now))
}

func TestTokenStringRedacts(t *testing.T) {
	tok := Token{Platform: "TikTok", AccountID: "a1", AccessToken: "act.supersecret"}
	require.NotContains(t, tok.String(), "supersecret")
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func TestStoreTokenWritesAbsoluteUTCExpiry(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: fixed}
	defer func() { config.Clock = config.RealTimestampGenerator{} }()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO social_accounts").
		WithArgs("TikTok", "a1", "creator", "act.new", "rt.new", "Bearer", "video.publish",
			fixed.Add(7200*time.Second), "u1", fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.StoreToken(context.Background(), "TikTok", StorePayload{
		AccountID:     "a1",
		AccountHandle: "creator",
		AccessToken:   "act.new",
		RefreshToken:  "rt.new",
		TokenType:     "Bearer",
		Scope:         "video.publish",
		ExpiresIn:     7200,
		OwnerID:       "u1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoundTripAndReadCache(t *testing.T) {
	store, mock := newMockStore(t)
	expires := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"platform", "account_id", "account_handle", "access_token", "refresh_token",
		"token_type", "scope", "expires_at", "owner_id",
	}).AddRow("TikTok", "a1", "creator", "act.x", "rt.x", "Bearer", "video.publish", expires, "u1")
	mock.ExpectQuery("SELECT platform, account_id").WithArgs("TikTok", "a1").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "TikTok", "a1")
	require.NoError(t, err)
	require.Equal(t, "act.x", got.AccessToken)
	require.Equal(t, "rt.x", *got.RefreshToken)
	require.True(t, got.ExpiresAt.Equal(expires))

	// second read is served from the brief cache, no second query expected
	again, err := store.Get(context.Background(), "TikTok", "a1")
	require.NoError(t, err)
	require.Equal(t, got, again)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingIsAuthFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT platform, account_id").WithArgs("YouTube Shorts", "a9").
		WillReturnRows(sqlmock.NewRows([]string{"platform"}))

	_, err := store.Get(context.Background(), "YouTube Shorts", "a9")
	require.Error(t, err)
}
