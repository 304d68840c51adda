package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bitget-ledger-sync/internal/config"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12
	envPrefix = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrUnknownKeyVersion = errors.New("key version not available")
)

// KeyRing holds every configured key version. The newest version encrypts;
// any loaded version can decrypt, which is what makes key rotation possible.
type KeyRing struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyRing builds a key ring from raw 32-byte keys indexed by version.
func NewKeyRing(current int, keys map[int][]byte) (*KeyRing, error) {
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("current key version %d: %w", current, ErrUnknownKeyVersion)
	}
	kr := &KeyRing{current: current, aeads: make(map[int]cipher.AEAD, len(keys))}
	for version, key := range keys {
		if len(key) != keySize {
			return nil, fmt.Errorf("key v%d: %w", version, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher v%d: %w", version, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM v%d: %w", version, err)
		}
		kr.aeads[version] = gcm
	}
	return kr, nil
}

// KeyRingFromConfig decodes the base64 master key and any previous versions.
func KeyRingFromConfig(cfg config.Credentials) (*KeyRing, error) {
	if cfg.MasterKey == "" {
		return nil, errors.New("credentials.master_key is not set")
	}
	keys := make(map[int][]byte, len(cfg.PreviousKeys)+1)
	master, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	keys[cfg.MasterKeyVersion] = master

	for v, encoded := range cfg.PreviousKeys {
		version, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(v), "v"))
		if err != nil {
			return nil, fmt.Errorf("previous key %q: version must be a number", v)
		}
		if version == cfg.MasterKeyVersion {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode previous key v%d: %w", version, err)
		}
		keys[version] = key
	}
	return NewKeyRing(cfg.MasterKeyVersion, keys)
}

// CurrentVersion returns the version new ciphertext is written with.
func (k *KeyRing) CurrentVersion() int {
	return k.current
}

// Encrypt seals plaintext as ENC[vN]:base64(nonce||ciphertext).
func (k *KeyRing) Encrypt(plaintext string) (string, error) {
	gcm := k.aeads[k.current]
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", envPrefix, k.current, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a value produced by Encrypt with the key version it names.
func (k *KeyRing) Decrypt(ciphertext string) (string, error) {
	version, payload, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", err
	}
	gcm, ok := k.aeads[version]
	if !ok {
		return "", fmt.Errorf("v%d: %w", version, ErrUnknownKeyVersion)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("open v%d: %w", version, err)
	}
	return string(plaintext), nil
}

// Version returns the key version of ciphertext, or 0 when it is not an envelope.
func Version(ciphertext string) int {
	v, _, err := parseEnvelope(ciphertext)
	if err != nil {
		return 0
	}
	return v
}

func parseEnvelope(s string) (int, string, error) {
	if !strings.HasPrefix(s, envPrefix) {
		return 0, "", ErrInvalidCiphertext
	}
	end := strings.Index(s, "]:")
	if end == -1 {
		return 0, "", ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(s[len(envPrefix):end])
	if err != nil || version <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return version, s[end+2:], nil
}
