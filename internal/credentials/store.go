package credentials

import (
	"context"
	"errors"
	"fmt"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/models"
	"gorm.io/gorm"
)

// Store is a Provider backed by the user_credentials table.
type Store struct {
	db   *gorm.DB
	keys *KeyRing
}

// NewStore creates a credential store. keys may be nil, in which case every
// stored credential fails with ErrDecrypt.
func NewStore(db *gorm.DB, keys *KeyRing) *Store {
	return &Store{db: db, keys: keys}
}

// Credentials loads and decrypts the credentials of userID.
func (s *Store) Credentials(ctx context.Context, userID uint) (bitget.Credentials, error) {
	var row models.UserCredential
	err := s.db.WithContext(ctx).Where("user_id = ? AND disabled = ?", userID, false).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bitget.Credentials{}, ErrNotConfigured
	}
	if err != nil {
		return bitget.Credentials{}, fmt.Errorf("failed to load credentials for user %d: %w", userID, err)
	}
	if row.APIKey == "" || row.APISecret == "" {
		return bitget.Credentials{}, ErrNotConfigured
	}
	if s.keys == nil {
		return bitget.Credentials{}, fmt.Errorf("%w: no key ring loaded", ErrDecrypt)
	}

	var creds bitget.Credentials
	fields := []struct {
		dst  *string
		src  string
		name string
	}{
		{&creds.APIKey, row.APIKey, "api key"},
		{&creds.APISecret, row.APISecret, "api secret"},
		{&creds.Passphrase, row.Passphrase, "passphrase"},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		plain, err := s.keys.Decrypt(f.src)
		if err != nil {
			return bitget.Credentials{}, fmt.Errorf("%w: %s: %v", ErrDecrypt, f.name, err)
		}
		*f.dst = plain
	}
	if !creds.Complete() {
		return bitget.Credentials{}, ErrNotConfigured
	}
	return creds, nil
}

// EligibleUsers lists active users that have both key and secret stored.
func (s *Store) EligibleUsers(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.UserCredential{}).
		Where("disabled = ? AND api_key <> '' AND api_secret <> ''", false).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible users: %w", err)
	}
	return ids, nil
}

// Set encrypts creds and stores them for userID, replacing any previous keys.
func (s *Store) Set(ctx context.Context, userID uint, creds bitget.Credentials) error {
	if !creds.Complete() {
		return ErrNotConfigured
	}
	if s.keys == nil {
		return errors.New("cannot store credentials without a key ring")
	}

	row := models.UserCredential{UserID: userID}
	var err error
	if row.APIKey, err = s.keys.Encrypt(creds.APIKey); err != nil {
		return err
	}
	if row.APISecret, err = s.keys.Encrypt(creds.APISecret); err != nil {
		return err
	}
	if creds.Passphrase != "" {
		if row.Passphrase, err = s.keys.Encrypt(creds.Passphrase); err != nil {
			return err
		}
	}

	var existing models.UserCredential
	err = s.db.WithContext(ctx).Unscoped().Where("user_id = ?", userID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = s.db.WithContext(ctx).Create(&row).Error
	case err == nil:
		err = s.db.WithContext(ctx).Unscoped().Model(&existing).Updates(map[string]any{
			"api_key":    row.APIKey,
			"api_secret": row.APISecret,
			"passphrase": row.Passphrase,
			"disabled":   false,
			"deleted_at": nil,
		}).Error
	}
	if err != nil {
		return fmt.Errorf("failed to store credentials for user %d: %w", userID, err)
	}
	return nil
}

// Disable stops userID from being scheduled without removing the stored keys.
func (s *Store) Disable(ctx context.Context, userID uint) error {
	res := s.db.WithContext(ctx).Model(&models.UserCredential{}).Where("user_id = ?", userID).Update("disabled", true)
	if res.Error != nil {
		return fmt.Errorf("failed to disable user %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotConfigured
	}
	return nil
}

// Rotate re-encrypts every stored credential with the current key version.
// It returns the number of rows rewritten.
func (s *Store) Rotate(ctx context.Context) (int, error) {
	if s.keys == nil {
		return 0, errors.New("cannot rotate credentials without a key ring")
	}
	var rows []models.UserCredential
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to list credentials: %w", err)
	}

	rotated := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			updates := map[string]any{}
			for column, value := range map[string]string{"api_key": row.APIKey, "api_secret": row.APISecret, "passphrase": row.Passphrase} {
				if value == "" || Version(value) == s.keys.CurrentVersion() {
					continue
				}
				plain, err := s.keys.Decrypt(value)
				if err != nil {
					return fmt.Errorf("user %d %s: %w", row.UserID, column, err)
				}
				if updates[column], err = s.keys.Encrypt(plain); err != nil {
					return err
				}
			}
			if len(updates) == 0 {
				continue
			}
			if err := tx.Model(&models.UserCredential{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return err
			}
			rotated++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to rotate credentials: %w", err)
	}
	return rotated, nil
}
