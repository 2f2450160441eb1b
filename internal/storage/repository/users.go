package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

const userColumns = `id, external_id, display_name, status, referral_code, created_at`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	var status string
	if err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayName, &status, &u.ReferralCode, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Status = models.UserStatus(status)
	return u, nil
}

// EnsureUser создаёт пользователя при первом контакте или возвращает существующего.
// created сообщает, что запись была создана этим вызовом.
// При совпадении referralCode с чужим кодом возвращается models.ErrDuplicate.
func (s *Storage) EnsureUser(ctx context.Context, externalID int64, displayName, referralCode string) (*models.User, bool, error) {
	const op = "storage.EnsureUser"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO users (external_id, display_name, status, referral_code)
			  VALUES ($1, $2, 'active', $3)
			  ON CONFLICT (external_id) DO UPDATE
			      SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name)
			  RETURNING ` + userColumns + `, (xmax = 0) AS inserted`
	u := &models.User{}
	var status string
	var created bool
	err := s.DB.QueryRowContext(ctx, query, externalID, displayName, referralCode).Scan(
		&u.ID, &u.ExternalID, &u.DisplayName, &status, &u.ReferralCode, &u.CreatedAt, &created)
	if err != nil {
		if isUniqueViolation(err, "users_referral_code_key") {
			return nil, false, fmt.Errorf("%s: %w", op, models.ErrDuplicate)
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	u.Status = models.UserStatus(status)
	return u, created, nil
}

// GetUser возвращает пользователя по внутреннему идентификатору.
func (s *Storage) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, "storage.GetUser", `WHERE id = $1`, id)
}

// GetUserByExternalID возвращает пользователя по идентификатору на платформе.
func (s *Storage) GetUserByExternalID(ctx context.Context, externalID int64) (*models.User, error) {
	return s.getUser(ctx, "storage.GetUserByExternalID", `WHERE external_id = $1`, externalID)
}

// GetUserByReferralCode возвращает владельца реферального кода.
func (s *Storage) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	return s.getUser(ctx, "storage.GetUserByReferralCode", `WHERE referral_code = $1`, code)
}

func (s *Storage) getUser(ctx context.Context, op, where string, arg any) (*models.User, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	u, err := scanUser(s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// SetUserStatus меняет статус учётной записи.
func (s *Storage) SetUserStatus(ctx context.Context, id int64, status models.UserStatus) error {
	const op = "storage.SetUserStatus"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	res, err := s.DB.ExecContext(ctx, `UPDATE users SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}
