package vault

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"gwi.com/form-insights/internal/logging"
)

// CredentialKey is the settings key holding the encrypted API credential.
const CredentialKey = "encrypted_api_key"

// placeholderSecret is the value shipped in sample configuration files.
const placeholderSecret = "put your unique phrase here"

// ErrSecretsNotConfigured is returned when the host secrets are missing or
// still set to the sample placeholder.
var ErrSecretsNotConfigured = errors.New("vault: authentication secrets are not configured")

// SettingsStore is the key-value store the credential is persisted in.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Vault encrypts the inference API credential at rest with AES-256-CBC. The
// key and IV derive from the host secrets so ciphertexts stay readable across
// restarts and by other installations sharing the same secrets.
type Vault struct {
	authKey  string
	authSalt string
	store    SettingsStore
	log      *logrus.Entry
}

func New(authKey, authSalt string, store SettingsStore) *Vault {
	return &Vault{
		authKey:  authKey,
		authSalt: authSalt,
		store:    store,
		log:      logging.Component("vault"),
	}
}

// Configured reports whether both host secrets are usable.
func (v *Vault) Configured() bool {
	_, _, err := v.keyMaterial()
	return err == nil
}

// keyMaterial returns the ASCII hex prefixes of the hashed secrets: 32 bytes
// of key and 16 bytes of IV.
func (v *Vault) keyMaterial() ([]byte, []byte, error) {
	if !usable(v.authKey) || !usable(v.authSalt) {
		return nil, nil, ErrSecretsNotConfigured
	}
	keySum := sha256.Sum256([]byte(v.authKey))
	ivSum := sha256.Sum256([]byte(v.authSalt))
	return []byte(hex.EncodeToString(keySum[:])[:32]), []byte(hex.EncodeToString(ivSum[:])[:16]), nil
}

func usable(secret string) bool {
	return secret != "" && secret != placeholderSecret
}

// Encrypt returns the base64 ciphertext of plaintext. It fails for empty input
// and when the secrets are not configured.
func (v *Vault) Encrypt(plaintext string) (string, bool) {
	if plaintext == "" {
		return "", false
	}
	out, err := v.encrypt([]byte(plaintext))
	if err != nil {
		v.log.WithError(err).Warn("Encryption failed")
		return "", false
	}
	return out, true
}

// Decrypt reverses Encrypt. Malformed or foreign ciphertext fails.
func (v *Vault) Decrypt(ciphertext string) (string, bool) {
	if ciphertext == "" {
		return "", false
	}
	out, err := v.decrypt(ciphertext)
	if err != nil {
		v.log.WithError(err).Warn("Decryption failed")
		return "", false
	}
	return string(out), true
}

func (v *Vault) encrypt(plaintext []byte) (string, error) {
	key, iv, err := v.keyMaterial()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) decrypt(ciphertext string) ([]byte, error) {
	key, iv, err := v.keyMaterial()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	return unpad(out, aes.BlockSize)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}

// SaveCredential encrypts and stores the API credential.
func (v *Vault) SaveCredential(ctx context.Context, credential string) error {
	if credential == "" {
		return errors.New("credential is empty")
	}
	out, err := v.encrypt([]byte(credential))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := v.store.Set(ctx, CredentialKey, out); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// GetCredential returns the decrypted credential, or false when none is
// stored or it cannot be decrypted.
func (v *Vault) GetCredential(ctx context.Context) (string, bool) {
	blob, ok, err := v.store.Get(ctx, CredentialKey)
	if err != nil {
		v.log.WithError(err).Error("Failed to read credential")
		return "", false
	}
	if !ok || blob == "" {
		return "", false
	}
	return v.Decrypt(blob)
}

// HasCredential reports whether a ciphertext is stored. It does not decrypt.
func (v *Vault) HasCredential(ctx context.Context) bool {
	blob, ok, err := v.store.Get(ctx, CredentialKey)
	if err != nil {
		v.log.WithError(err).Error("Failed to read credential")
		return false
	}
	return ok && blob != ""
}

// DeleteCredential removes the stored credential. It returns false when there
// was nothing to remove.
func (v *Vault) DeleteCredential(ctx context.Context) (bool, error) {
	if !v.HasCredential(ctx) {
		return false, nil
	}
	if err := v.store.Delete(ctx, CredentialKey); err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}
	return true, nil
}
