package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "api-guard/internal/common/errors"
	"api-guard/internal/testutil"
)

var testLimits = TierLimits{Anonymous: 100, Free: 1000, Elevated: 10000}

func TestResolve_EmptyCredentialIsAnonymous(t *testing.T) {
	r := NewResolver(testutil.NewMockStorage(), testLimits)

	ident, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, TierAnonymous, ident.Tier)
	assert.Equal(t, 100, ident.RateLimit)
	assert.Empty(t, ident.KeyID)
}

func TestResolve_MalformedCredential(t *testing.T) {
	r := NewResolver(testutil.NewMockStorage(), testLimits)
	ctx := context.Background()

	for _, credential := range []string{
		"garbage",
		"ak_onlyid",
		"ak__secret",
		"ak_id_",
		"xx_id_secret",
		"ak_id_secret_extra",
	} {
		_, err := r.Resolve(ctx, credential)
		require.Error(t, err, credential)
		appErr, ok := err.(*apperrors.AppError)
		require.True(t, ok, credential)
		assert.Equal(t, CodeInvalidKeyFormat, appErr.Code, credential)
	}
}

func TestResolve_UnknownKey(t *testing.T) {
	r := NewResolver(testutil.NewMockStorage(), testLimits)

	_, err := r.Resolve(context.Background(), "ak_nosuchkey_secret")
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidKey, appErr.Code)
}

func TestResolve_ValidKey(t *testing.T) {
	store := testutil.NewMockStorage()
	r := NewResolver(store, testLimits)
	ctx := context.Background()

	record, credential, err := r.CreateKey(ctx, "ci-pipeline", TierElevated)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(credential, "ak_"+record.ID+"_"))

	ident, err := r.Resolve(ctx, credential)
	require.NoError(t, err)
	assert.Equal(t, record.ID, ident.KeyID)
	assert.Equal(t, TierElevated, ident.Tier)
	assert.Equal(t, 10000, ident.RateLimit)
}

func TestResolve_WrongSecret(t *testing.T) {
	store := testutil.NewMockStorage()
	r := NewResolver(store, testLimits)
	ctx := context.Background()

	record, _, err := r.CreateKey(ctx, "ci-pipeline", TierFree)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "ak_"+record.ID+"_wrongsecret")
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidKey, appErr.Code)
}

func TestResolve_DeactivatedKey(t *testing.T) {
	store := testutil.NewMockStorage()
	r := NewResolver(store, testLimits)
	ctx := context.Background()

	record, credential, err := r.CreateKey(ctx, "ci-pipeline", TierFree)
	require.NoError(t, err)
	require.NoError(t, store.DeactivateAPIKey(ctx, record.ID))

	_, err = r.Resolve(ctx, credential)
	require.Error(t, err)
	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidKey, appErr.Code)
}

func TestResolve_StoreErrorIsInternal(t *testing.T) {
	store := testutil.NewMockStorage()
	store.ErrorOnMethod["GetAPIKey"] = errors.New("connection refused")
	r := NewResolver(store, testLimits)

	_, err := r.Resolve(context.Background(), "ak_someid_somesecret")
	require.Error(t, err)
	// Not an auth error: callers fail open to anonymous on this path.
	assert.False(t, apperrors.IsType(err, apperrors.ErrTypeAuth))
}

func TestCreateKey_InvalidTier(t *testing.T) {
	r := NewResolver(testutil.NewMockStorage(), testLimits)

	_, _, err := r.CreateKey(context.Background(), "x", TierAnonymous)
	assert.Error(t, err)

	_, _, err = r.CreateKey(context.Background(), "x", "platinum")
	assert.Error(t, err)
}

func TestCreateKey_HashNotClearText(t *testing.T) {
	store := testutil.NewMockStorage()
	r := NewResolver(store, testLimits)
	ctx := context.Background()

	record, credential, err := r.CreateKey(ctx, "ci-pipeline", TierFree)
	require.NoError(t, err)

	stored, err := store.GetAPIKey(ctx, record.ID)
	require.NoError(t, err)
	secret := strings.TrimPrefix(credential, "ak_"+record.ID+"_")
	assert.NotContains(t, stored.SecretHash, secret)
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "ip:10.0.0.1", Identity{Tier: TierAnonymous}.Identifier("10.0.0.1"))
	assert.Equal(t, "key:abc", Identity{KeyID: "abc"}.Identifier("10.0.0.1"))
}

func TestLimitForTier(t *testing.T) {
	r := NewResolver(testutil.NewMockStorage(), testLimits)

	assert.Equal(t, 1000, r.LimitForTier(TierFree))
	assert.Equal(t, 10000, r.LimitForTier(TierElevated))
	assert.Equal(t, 100, r.LimitForTier(TierAnonymous))
	assert.Equal(t, 100, r.LimitForTier("unknown"))
}
