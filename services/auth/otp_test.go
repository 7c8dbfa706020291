package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/redisutils"
	"github.com/quillpay/platform/services/pendingops"
	"github.com/quillpay/platform/services/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOTPService wires the auth service over miniredis and captures the
// codes the sender would deliver.
func newOTPService(t *testing.T) (*Service, *miniredis.Miniredis, *string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisutils.NewClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var lastCode string
	svc := NewService(
		registry.NewService(newFakeRegistryStore()),
		pendingops.NewRedisStore(client),
		client,
		nil,
		"platform",
	)
	svc.SendCode = func(_ context.Context, _, _, code string) error {
		lastCode = code
		return nil
	}
	return svc, mr, &lastCode
}

func TestGenerateOTPCode(t *testing.T) {
	code, err := generateOTPCode(6)
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}
}

func TestHashOTPCode(t *testing.T) {
	assert.Len(t, hashOTPCode("123456"), 64)
	assert.Equal(t, hashOTPCode("123456"), hashOTPCode("123456"))
	assert.NotEqual(t, hashOTPCode("123456"), hashOTPCode("654321"))
}

func TestSendOTPValidation(t *testing.T) {
	svc, _, _ := newOTPService(t)

	_, err := svc.SendOTP(context.Background(), SendOTPParams{TenantID: "tenant-1"})
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))
}

func TestOTPVerifyAndConsume(t *testing.T) {
	svc, _, lastCode := newOTPService(t)
	ctx := context.Background()

	issue, err := svc.SendOTP(ctx, SendOTPParams{
		TenantID:  "tenant-1",
		Recipient: "user@example.com",
		Channel:   "email",
		Purpose:   "login",
	})
	require.NoError(t, err)
	require.NotEmpty(t, issue.Token)
	require.Len(t, *lastCode, defaultOTPLength)

	wrong := "000000"
	if *lastCode == wrong {
		wrong = "111111"
	}
	_, err = svc.VerifyOTP(ctx, issue.Token, wrong, "tenant-1")
	assert.Equal(t, errorutils.KindValidation, errorutils.KindOf(err))

	// verify does not consume
	_, err = svc.VerifyOTP(ctx, issue.Token, *lastCode, "tenant-1")
	require.NoError(t, err)
	op, err := svc.VerifyOTP(ctx, issue.Token, *lastCode, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "login", op.Data["purpose"])

	// consume removes the token
	_, err = svc.ConsumeOTP(ctx, issue.Token, *lastCode, "tenant-1")
	require.NoError(t, err)
	_, err = svc.ConsumeOTP(ctx, issue.Token, *lastCode, "tenant-1")
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestOTPWrongTenant(t *testing.T) {
	svc, _, lastCode := newOTPService(t)
	ctx := context.Background()

	issue, err := svc.SendOTP(ctx, SendOTPParams{
		TenantID: "tenant-1", Recipient: "user@example.com", Channel: "email", Purpose: "login",
	})
	require.NoError(t, err)

	_, err = svc.VerifyOTP(ctx, issue.Token, *lastCode, "tenant-2")
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}

func TestOTPResendFloor(t *testing.T) {
	svc, mr, _ := newOTPService(t)
	ctx := context.Background()

	params := SendOTPParams{
		TenantID: "tenant-1", Recipient: "user@example.com", Channel: "email", Purpose: "login",
	}
	_, err := svc.SendOTP(ctx, params)
	require.NoError(t, err)

	// an immediate second send to the same recipient and purpose is blocked
	_, err = svc.SendOTP(ctx, params)
	assert.Equal(t, errorutils.KindRateLimited, errorutils.KindOf(err))

	// a different recipient is unaffected
	other := params
	other.Recipient = "other@example.com"
	_, err = svc.SendOTP(ctx, other)
	assert.NoError(t, err)

	// past the floor the original recipient can receive again
	mr.FastForward(61 * time.Second)
	_, err = svc.SendOTP(ctx, params)
	assert.NoError(t, err)
}

func TestResendOTPIssuesFreshToken(t *testing.T) {
	svc, mr, lastCode := newOTPService(t)
	ctx := context.Background()

	issue, err := svc.SendOTP(ctx, SendOTPParams{
		TenantID: "tenant-1", Recipient: "user@example.com", Channel: "email", Purpose: "login",
	})
	require.NoError(t, err)

	// resend inside the floor window is rate limited
	_, err = svc.ResendOTP(ctx, issue.Token, "tenant-1")
	assert.Equal(t, errorutils.KindRateLimited, errorutils.KindOf(err))

	mr.FastForward(61 * time.Second)
	reissued, err := svc.ResendOTP(ctx, issue.Token, "tenant-1")
	require.NoError(t, err)
	assert.NotEqual(t, issue.Token, reissued.Token)

	// the new token verifies with the new code
	_, err = svc.VerifyOTP(ctx, reissued.Token, *lastCode, "tenant-1")
	assert.NoError(t, err)
}

func TestOTPExpiry(t *testing.T) {
	svc, mr, lastCode := newOTPService(t)
	ctx := context.Background()

	issue, err := svc.SendOTP(ctx, SendOTPParams{
		TenantID: "tenant-1", Recipient: "user@example.com", Channel: "email", Purpose: "login",
		ExpiresIn: time.Minute,
	})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = svc.VerifyOTP(ctx, issue.Token, *lastCode, "tenant-1")
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
}
