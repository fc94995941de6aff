// Package credentials keeps per-account key material in the OS keyring so
// pickled crypto state on disk stays useless without it.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName  = "keyflow"
	keyPickleKey = "pickle_key"
	keyBackupKey = "backup_key"
	keySSSSKey   = "ssss_key"
)

var ErrNotFound = errors.New("credentials: not found")

// LoadOrCreatePickleKey returns the account's pickle key, generating and
// storing a fresh one on first use.
func LoadOrCreatePickleKey(userID string) ([]byte, error) {
	val, err := keyring.Get(serviceName, userID+":"+keyPickleKey)
	if err == nil {
		return base64.RawStdEncoding.DecodeString(val)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate pickle key: %w", err)
	}
	encoded := base64.RawStdEncoding.EncodeToString(key)
	if err := keyring.Set(serviceName, userID+":"+keyPickleKey, encoded); err != nil {
		return nil, fmt.Errorf("store pickle key: %w", err)
	}
	return key, nil
}

// StoreBackupKey saves the megolm backup recovery key.
func StoreBackupKey(userID string, key string) error {
	return keyring.Set(serviceName, userID+":"+keyBackupKey, key)
}

// LoadBackupKey returns the stored megolm backup recovery key.
func LoadBackupKey(userID string) (string, error) {
	val, err := keyring.Get(serviceName, userID+":"+keyBackupKey)
	if err != nil {
		return "", ErrNotFound
	}
	return val, nil
}

// StoreSSSSKey saves the derived secret-storage key.
func StoreSSSSKey(userID string, key []byte) error {
	return keyring.Set(serviceName, userID+":"+keySSSSKey, base64.RawStdEncoding.EncodeToString(key))
}

// LoadSSSSKey returns the stored secret-storage key.
func LoadSSSSKey(userID string) ([]byte, error) {
	val, err := keyring.Get(serviceName, userID+":"+keySSSSKey)
	if err != nil {
		return nil, ErrNotFound
	}
	return base64.RawStdEncoding.DecodeString(val)
}

// DeleteAll removes every stored credential for the account.
func DeleteAll(userID string) {
	_ = keyring.Delete(serviceName, userID+":"+keyPickleKey)
	_ = keyring.Delete(serviceName, userID+":"+keyBackupKey)
	_ = keyring.Delete(serviceName, userID+":"+keySSSSKey)
}
