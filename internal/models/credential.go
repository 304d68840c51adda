package models

import "gorm.io/gorm"

// UserCredential stores a user's exchange API keys. Every secret field holds
// ciphertext in the ENC[vN]:... envelope; plaintext is never written here.
type UserCredential struct {
	gorm.Model
	UserID     uint   `gorm:"uniqueIndex;not null"`
	APIKey     string `gorm:"type:text"`
	APISecret  string `gorm:"type:text"`
	Passphrase string `gorm:"type:text"`
	Disabled   bool
}
