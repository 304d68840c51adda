package credentials

import (
	"testing"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/database"
	"bitget-ledger-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) (*Store, *gorm.DB) {
	db, err := database.NewMemory()
	require.NoError(t, err)
	kr, err := NewKeyRing(1, map[int][]byte{1: testKey(1)})
	require.NoError(t, err)
	return NewStore(db, kr), db
}

func TestStore(t *testing.T) {
	creds := bitget.Credentials{APIKey: "bg_key", APISecret: "secret", Passphrase: "pass"}

	t.Run("SetAndLoad", func(t *testing.T) {
		store, db := setupStore(t)
		require.NoError(t, store.Set(t.Context(), 7, creds))

		var row models.UserCredential
		require.NoError(t, db.Where("user_id = ?", 7).First(&row).Error)
		assert.NotContains(t, row.APIKey, "bg_key")
		assert.NotContains(t, row.APISecret, "secret")

		got, err := store.Credentials(t.Context(), 7)
		require.NoError(t, err)
		assert.Equal(t, creds, got)
	})

	t.Run("MissingUserIsNotConfigured", func(t *testing.T) {
		store, _ := setupStore(t)
		_, err := store.Credentials(t.Context(), 99)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("UndecryptableIsDecryptError", func(t *testing.T) {
		store, db := setupStore(t)
		require.NoError(t, db.Create(&models.UserCredential{UserID: 3, APIKey: "ENC[v1]:Zm9v", APISecret: "ENC[v1]:YmFy"}).Error)

		_, err := store.Credentials(t.Context(), 3)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("EligibleUsers", func(t *testing.T) {
		store, db := setupStore(t)
		require.NoError(t, store.Set(t.Context(), 2, creds))
		require.NoError(t, store.Set(t.Context(), 1, creds))
		require.NoError(t, store.Set(t.Context(), 5, creds))
		require.NoError(t, store.Disable(t.Context(), 5))
		require.NoError(t, db.Create(&models.UserCredential{UserID: 9, APIKey: "ENC[v1]:Zm9v"}).Error)

		ids, err := store.EligibleUsers(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []uint{1, 2}, ids)

		_, err = store.Credentials(t.Context(), 5)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("SetReplacesAndReenables", func(t *testing.T) {
		store, _ := setupStore(t)
		require.NoError(t, store.Set(t.Context(), 4, creds))
		require.NoError(t, store.Disable(t.Context(), 4))

		updated := bitget.Credentials{APIKey: "new_key", APISecret: "new_secret"}
		require.NoError(t, store.Set(t.Context(), 4, updated))

		got, err := store.Credentials(t.Context(), 4)
		require.NoError(t, err)
		assert.Equal(t, updated, got)
	})

	t.Run("Rotate", func(t *testing.T) {
		store, db := setupStore(t)
		require.NoError(t, store.Set(t.Context(), 1, creds))

		rotated, err := NewKeyRing(2, map[int][]byte{1: testKey(1), 2: testKey(2)})
		require.NoError(t, err)
		store.keys = rotated

		n, err := store.Rotate(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		var row models.UserCredential
		require.NoError(t, db.Where("user_id = ?", 1).First(&row).Error)
		assert.Equal(t, 2, Version(row.APISecret))

		got, err := store.Credentials(t.Context(), 1)
		require.NoError(t, err)
		assert.Equal(t, creds, got)
	})
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[uint]bitget.Credentials{
		2: {APIKey: "k", APISecret: "s"},
		1: {APIKey: "k"},
	})

	ids, err := s.EligibleUsers(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, ids)

	_, err = s.Credentials(t.Context(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)

	s.Set(1, bitget.Credentials{APIKey: "k", APISecret: "s"})
	got, err := s.Credentials(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, "s", got.APISecret)
}
