package users

import (
	"context"
	"errors"
	"fmt"

	"accounts/metrics"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPIssuer is shown by authenticator apps next to the account name.
const TOTPIssuer = "arXiv"

var (
	// ErrTOTPRequired is returned when a user with two-factor enabled
	// submits no code.
	ErrTOTPRequired = errors.New("authentication code required")

	// ErrInvalidTOTP is returned for a wrong or expired code.
	ErrInvalidTOTP = errors.New("invalid authentication code")

	// ErrTOTPAlreadyEnabled is returned when enrollment starts while
	// two-factor is on. It has to be disabled first.
	ErrTOTPAlreadyEnabled = errors.New("two-factor authentication already enabled")
)

// BeginTOTP generates and stores a new TOTP secret for the user. Two-factor
// stays disabled until ConfirmTOTP accepts a code for it. An enabled secret
// is never replaced.
func (s *Service) BeginTOTP(ctx context.Context, userID int64) (*otp.Key, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TOTPEnabled {
		return nil, ErrTOTPAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: user.Username,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	if err := s.setTOTP(ctx, userID, key.Secret(), false); err != nil {
		return nil, err
	}
	s.logger.Infow("TOTP enrollment started", "user_id", userID)
	return key, nil
}

// ConfirmTOTP enables two-factor once code matches the pending secret.
func (s *Service) ConfirmTOTP(ctx context.Context, userID int64, code string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TOTPSecret == "" || !totp.Validate(code, user.TOTPSecret) {
		return ErrInvalidTOTP
	}
	if err := s.setTOTP(ctx, userID, user.TOTPSecret, true); err != nil {
		return err
	}
	s.logger.Infow("TOTP enabled", "user_id", userID)
	return nil
}

// DisableTOTP removes the user's secret.
func (s *Service) DisableTOTP(ctx context.Context, userID int64) error {
	if err := s.setTOTP(ctx, userID, "", false); err != nil {
		return err
	}
	s.logger.Warnw("TOTP disabled", "user_id", userID)
	return nil
}

// CheckTOTP verifies the second factor of an authenticated user. Users
// without two-factor pass with any code.
func (s *Service) CheckTOTP(user *User, code string) error {
	if !user.TOTPEnabled {
		return nil
	}
	if code == "" {
		return ErrTOTPRequired
	}
	if !totp.Validate(code, user.TOTPSecret) {
		metrics.LoginAttempts.WithLabelValues("bad_totp").Inc()
		return ErrInvalidTOTP
	}
	return nil
}

func (s *Service) setTOTP(ctx context.Context, userID int64, secret string, enabled bool) error {
	db, err := s.database()
	if err != nil {
		return err
	}
	flag := 0
	if enabled {
		flag = 1
	}
	res, err := db.DB.ExecContext(ctx,
		`UPDATE users SET totp_secret = ?, totp_enabled = ? WHERE user_id = ? AND deleted = 0`,
		secret, flag, userID)
	if err != nil {
		return fmt.Errorf("failed to update two-factor settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}
