package driver

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrBadMAC        = errors.New("MAC mismatch")
	ErrBadBackupKey  = errors.New("invalid backup key length")
	ErrBadCiphertext = errors.New("malformed ciphertext")
)

// BackupKey is the curve25519 private key protecting the server-side key
// backup (m.megolm_backup.v1.curve25519-aes-sha2).
type BackupKey struct {
	private [32]byte
}

// NewBackupKey generates a fresh backup key.
func NewBackupKey() (*BackupKey, error) {
	var key BackupKey
	if _, err := rand.Read(key.private[:]); err != nil {
		return nil, err
	}
	return &key, nil
}

// BackupKeyFromBytes wraps an existing 32-byte private key, e.g. one
// recovered through secret sharing or storage.
func BackupKeyFromBytes(raw []byte) (*BackupKey, error) {
	if len(raw) != 32 {
		return nil, ErrBadBackupKey
	}
	var key BackupKey
	copy(key.private[:], raw)
	return &key, nil
}

// PublicKey returns the base64 public key published in the backup auth_data.
func (k *BackupKey) PublicKey() (string, error) {
	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return unpaddedB64.EncodeToString(pub), nil
}

// Bytes returns the raw private key for storage as an account secret.
func (k *BackupKey) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, k.private[:])
	return out
}

// EncryptedSessionData is the session_data object of a backed-up room key.
type EncryptedSessionData struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

var unpaddedB64 = base64.StdEncoding.WithPadding(base64.NoPadding)

func decodeB64(in string) ([]byte, error) {
	return unpaddedB64.DecodeString(strings.TrimRight(in, "="))
}

func backupKeys(shared []byte) (aesKey, macKey, iv []byte, err error) {
	buf := make([]byte, 80)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), buf); err != nil {
		return nil, nil, nil, err
	}
	return buf[:32], buf[32:64], buf[64:80], nil
}

// EncryptSessionData encrypts an exported session for upload to the backup
// using the public half of the backup key.
func EncryptSessionData(backupPublicKey string, plaintext []byte) (*EncryptedSessionData, error) {
	pub, err := decodeB64(backupPublicKey)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("decode backup public key: %w", ErrBadBackupKey)
	}
	ephemeralPriv := make([]byte, 32)
	if _, err = rand.Read(ephemeralPriv); err != nil {
		return nil, err
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeralPriv, pub)
	if err != nil {
		return nil, err
	}
	aesKey, macKey, iv, err := backupKeys(shared)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	// The MAC covers the empty string, matching the historical libolm
	// behaviour that the rest of the ecosystem interoperates with.
	mac := hmac.New(sha256.New, macKey)
	return &EncryptedSessionData{
		Ephemeral:  unpaddedB64.EncodeToString(ephemeralPub),
		Ciphertext: unpaddedB64.EncodeToString(ciphertext),
		MAC:        unpaddedB64.EncodeToString(mac.Sum(nil)[:8]),
	}, nil
}

// DecryptSessionData decrypts a backed-up room key with the private backup
// key.
func (k *BackupKey) DecryptSessionData(data *EncryptedSessionData) ([]byte, error) {
	ephemeralPub, err := decodeB64(data.Ephemeral)
	if err != nil || len(ephemeralPub) != 32 {
		return nil, fmt.Errorf("decode ephemeral key: %w", ErrBadCiphertext)
	}
	ciphertext, err := decodeB64(data.Ciphertext)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrBadCiphertext)
	}
	wantMAC, err := decodeB64(data.MAC)
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", ErrBadCiphertext)
	}
	shared, err := curve25519.X25519(k.private[:], ephemeralPub)
	if err != nil {
		return nil, err
	}
	aesKey, macKey, iv, err := backupKeys(shared)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	if !hmac.Equal(wantMAC, mac.Sum(nil)[:8]) {
		return nil, ErrBadMAC
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func pkcs7Pad(in []byte, blockSize int) []byte {
	pad := blockSize - len(in)%blockSize
	return append(append([]byte{}, in...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(in []byte, blockSize int) ([]byte, error) {
	if len(in) == 0 || len(in)%blockSize != 0 {
		return nil, ErrBadCiphertext
	}
	pad := int(in[len(in)-1])
	if pad == 0 || pad > blockSize || pad > len(in) {
		return nil, ErrBadCiphertext
	}
	for _, b := range in[len(in)-pad:] {
		if int(b) != pad {
			return nil, ErrBadCiphertext
		}
	}
	return in[:len(in)-pad], nil
}

// DecryptSSSS decrypts an account-data secret stored with
// m.secret_storage.v1.aes-hmac-sha2. The AES and HMAC keys are derived from
// the default secret-storage key with the secret's name as HKDF info.
func DecryptSSSS(key []byte, secretName, ivB64, ciphertextB64, macB64 string) ([]byte, error) {
	aesKey, macKey, err := ssssKeys(key, secretName)
	if err != nil {
		return nil, err
	}
	iv, err := decodeB64(ivB64)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("decode iv: %w", ErrBadCiphertext)
	}
	ciphertext, err := decodeB64(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", ErrBadCiphertext)
	}
	wantMAC, err := decodeB64(macB64)
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", ErrBadCiphertext)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(wantMAC, mac.Sum(nil)) {
		return nil, ErrBadMAC
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// EncryptSSSS encrypts a secret value for storage as account data.
func EncryptSSSS(key []byte, secretName string, plaintext []byte) (iv, ciphertext, mac string, err error) {
	aesKey, macKey, err := ssssKeys(key, secretName)
	if err != nil {
		return "", "", "", err
	}
	rawIV := make([]byte, aes.BlockSize)
	if _, err = rand.Read(rawIV); err != nil {
		return "", "", "", err
	}
	// Bit 63 of the IV is cleared per the secret-storage spec to avoid
	// overflowing the CTR counter into the random half.
	rawIV[8] &= 0x7f
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", "", "", err
	}
	rawCiphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, rawIV).XORKeyStream(rawCiphertext, plaintext)
	hm := hmac.New(sha256.New, macKey)
	hm.Write(rawCiphertext)
	return unpaddedB64.EncodeToString(rawIV),
		unpaddedB64.EncodeToString(rawCiphertext),
		unpaddedB64.EncodeToString(hm.Sum(nil)),
		nil
}

func ssssKeys(key []byte, secretName string) (aesKey, macKey []byte, err error) {
	buf := make([]byte, 64)
	if _, err = io.ReadFull(hkdf.New(sha256.New, key, make([]byte, 32), []byte(secretName)), buf); err != nil {
		return nil, nil, err
	}
	return buf[:32], buf[32:], nil
}
