package pendingops

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/redisutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisutils.NewClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreLifecycle(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, TypeOTPVerification,
		map[string]interface{}{"codeHash": "abc"},
		map[string]interface{}{"tenantId": "tenant-1"},
		time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	op, err := store.Get(ctx, TypeOTPVerification, token)
	require.NoError(t, err)
	assert.Equal(t, TypeOTPVerification, op.Type)
	assert.Equal(t, "abc", op.Data["codeHash"])
	assert.Equal(t, "tenant-1", op.Meta["tenantId"])
	assert.False(t, op.Expired())

	won, err := store.Delete(ctx, TypeOTPVerification, token)
	require.NoError(t, err)
	assert.True(t, won)

	_, err = store.Get(ctx, TypeOTPVerification, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestRedisStoreSingleUseDelete(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, TypeBonusApproval, nil, nil, time.Minute)
	require.NoError(t, err)

	won, err := store.Delete(ctx, TypeBonusApproval, token)
	require.NoError(t, err)
	assert.True(t, won)

	// the second delete loses the race
	won, err = store.Delete(ctx, TypeBonusApproval, token)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, TypeActionConfirm, nil, nil, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = store.Get(ctx, TypeActionConfirm, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestRedisStoreTypeIsolation(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, TypeOTPVerification, nil, nil, time.Minute)
	require.NoError(t, err)

	// a token is only addressable under its own operation type
	_, err = store.Get(ctx, TypeBonusApproval, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestRedisStoreList(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, TypeBonusApproval, nil, nil, time.Minute)
		require.NoError(t, err)
	}
	_, err := store.Create(ctx, TypeOTPVerification, nil, nil, time.Minute)
	require.NoError(t, err)

	ops, err := store.List(ctx, TypeBonusApproval)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestRedisStoreGetRawData(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	token, err := store.Create(ctx, TypeBonusApproval,
		map[string]interface{}{"userBonusId": "ub-1"}, nil, time.Minute)
	require.NoError(t, err)

	op, ttl, err := store.GetRawData(ctx, TypeBonusApproval, token)
	require.NoError(t, err)
	assert.Equal(t, "ub-1", op.Data["userBonusId"])
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	// the ttl tracks redis expiry
	mr.FastForward(30 * time.Second)
	_, ttl, err = store.GetRawData(ctx, TypeBonusApproval, token)
	require.NoError(t, err)
	assert.True(t, ttl <= 30*time.Second)

	mr.FastForward(time.Minute)
	_, _, err = store.GetRawData(ctx, TypeBonusApproval, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestJWTStoreRoundTrip(t *testing.T) {
	store := NewJWTStore([]byte("test-secret"))
	ctx := context.Background()

	token, err := store.Create(ctx, TypeOTPVerification,
		map[string]interface{}{"recipient": "user@example.com"}, nil, time.Minute)
	require.NoError(t, err)

	op, err := store.Get(ctx, TypeOTPVerification, token)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", op.Data["recipient"])

	// wrong type does not resolve
	_, err = store.Get(ctx, TypeBonusApproval, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestJWTStoreRejectsTamperedToken(t *testing.T) {
	store := NewJWTStore([]byte("test-secret"))
	ctx := context.Background()

	token, err := store.Create(ctx, TypeOTPVerification, nil, nil, time.Minute)
	require.NoError(t, err)

	_, err = NewJWTStore([]byte("other-secret")).Get(ctx, TypeOTPVerification, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))

	_, err = store.Get(ctx, TypeOTPVerification, token+"x")
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestJWTStoreExpiredToken(t *testing.T) {
	store := NewJWTStore([]byte("test-secret"))
	ctx := context.Background()

	token, err := store.Create(ctx, TypeOTPVerification, nil, nil, -time.Minute)
	require.NoError(t, err)

	_, err = store.Get(ctx, TypeOTPVerification, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestJWTStoreGetRawData(t *testing.T) {
	store := NewJWTStore([]byte("test-secret"))
	ctx := context.Background()

	token, err := store.Create(ctx, TypeActionConfirm, nil, nil, time.Hour)
	require.NoError(t, err)

	op, ttl, err := store.GetRawData(ctx, TypeActionConfirm, token)
	require.NoError(t, err)
	assert.Equal(t, TypeActionConfirm, op.Type)
	// derived from the expiry claim rather than stored state
	assert.True(t, ttl > 59*time.Minute && ttl <= time.Hour)

	_, _, err = store.GetRawData(ctx, TypeBonusApproval, token)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestJWTStoreCannotEnumerate(t *testing.T) {
	store := NewJWTStore([]byte("test-secret"))
	_, err := store.List(context.Background(), TypeOTPVerification)
	assert.Equal(t, errorutils.KindPrecondition, errorutils.KindOf(err))
}
