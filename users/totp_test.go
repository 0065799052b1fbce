package users

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_TOTPEnrollment(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	key, err := svc.BeginTOTP(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, TOTPIssuer, key.Issuer())
	assert.Equal(t, "jdoe", key.AccountName())

	// Pending enrollment does not yet require a code.
	pending, err := svc.GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.False(t, pending.TOTPEnabled)
	assert.NoError(t, svc.CheckTOTP(pending, ""))

	assert.ErrorIs(t, svc.ConfirmTOTP(ctx, user.UserID, "000000x"), ErrInvalidTOTP)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmTOTP(ctx, user.UserID, code))

	enabled, err := svc.GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.True(t, enabled.TOTPEnabled)
	assert.ErrorIs(t, svc.CheckTOTP(enabled, ""), ErrTOTPRequired)
	assert.ErrorIs(t, svc.CheckTOTP(enabled, "abcdef"), ErrInvalidTOTP)
	assert.NoError(t, svc.CheckTOTP(enabled, code))

	require.NoError(t, svc.DisableTOTP(ctx, user.UserID))
	disabled, err := svc.GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.False(t, disabled.TOTPEnabled)
	assert.Empty(t, disabled.TOTPSecret)
}

func TestService_TOTPUnknownUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginTOTP(ctx, 999)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, svc.ConfirmTOTP(ctx, 999, "123456"), ErrUserNotFound)
	assert.ErrorIs(t, svc.DisableTOTP(ctx, 999), ErrUserNotFound)
}

func TestService_ConfirmWithoutEnrollment(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ConfirmTOTP(ctx, user.UserID, "123456"), ErrInvalidTOTP)
}

func TestService_BeginTOTPKeepsEnabledSecret(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	key, err := svc.BeginTOTP(ctx, user.UserID)
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmTOTP(ctx, user.UserID, code))

	_, err = svc.BeginTOTP(ctx, user.UserID)
	assert.ErrorIs(t, err, ErrTOTPAlreadyEnabled)

	after, err := svc.GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.True(t, after.TOTPEnabled)
	assert.Equal(t, key.Secret(), after.TOTPSecret)
	assert.ErrorIs(t, svc.CheckTOTP(after, ""), ErrTOTPRequired)

	// Re-enrollment works once two-factor has been turned off.
	require.NoError(t, svc.DisableTOTP(ctx, user.UserID))
	_, err = svc.BeginTOTP(ctx, user.UserID)
	assert.NoError(t, err)
}
