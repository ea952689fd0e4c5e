package repository

import (
	"context"
	"errors"
	"fmt"

	"pixel-canvas/internal/models"

	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when no account has the username
var ErrAccountNotFound = errors.New("account not found")

// AccountRepositoryImpl reads and writes the user table
type AccountRepositoryImpl struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *gorm.DB) *AccountRepositoryImpl {
	return &AccountRepositoryImpl{db: db}
}

// Create inserts a new account
func (r *AccountRepositoryImpl) Create(ctx context.Context, account *models.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("failed to create account %s: %w", account.Username, err)
	}
	return nil
}

// Upsert creates the account or replaces its credentials and permissions
func (r *AccountRepositoryImpl) Upsert(ctx context.Context, account *models.Account) error {
	err := r.db.WithContext(ctx).
		Where(models.Account{Username: account.Username}).
		Assign(map[string]interface{}{
			"password_hash": account.PasswordHash,
			"salt":          account.Salt,
			"permissions":   account.Permissions,
		}).
		FirstOrCreate(account).Error
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", account.Username, err)
	}
	return nil
}

// GetByUsername retrieves an account
func (r *AccountRepositoryImpl) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	var account models.Account

	err := r.db.WithContext(ctx).First(&account, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", username, ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// SetPermissions changes an account's bitmask
// Live sessions keep the level they connected with.
func (r *AccountRepositoryImpl) SetPermissions(ctx context.Context, username string, permissions uint16) error {
	result := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("username = ?", username).
		Update("permissions", permissions)
	if result.Error != nil {
		return fmt.Errorf("failed to update permissions: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", username, ErrAccountNotFound)
	}
	return nil
}
