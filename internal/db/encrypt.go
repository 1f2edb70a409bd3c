package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// encryptionKey is the AES-256 key used by EncryptedString. Set once at
// startup with InitEncryption.
var encryptionKey []byte

var errNoKey = errors.New("db: encryption key not initialized, call db.InitEncryption first")

// InitEncryption sets the AES-256 key used for encrypted columns. key must
// be exactly 32 bytes. Call it before db.New:
//
//	if err := db.InitEncryption([]byte(secretKey)); err != nil {
//	    return err
//	}
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("db: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	encryptionKey = make([]byte, 32)
	copy(encryptionKey, key)
	return nil
}

func newGCM() (cipher.AEAD, error) {
	if encryptionKey == nil {
		return nil, errNoKey
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("db: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptedString is stored as base64(nonce + AES-256-GCM ciphertext) and
// decrypted transparently on read. The empty string is stored as-is.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}

	// A fresh nonce per write; GCM must never reuse one under the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("db: failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value any) error {
	var str string
	switch v := value.(type) {
	case nil:
		*e = ""
		return nil
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}

	gcm, err := newGCM()
	if err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: failed to decode base64: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return errors.New("db: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("db: failed to decrypt value: %w", err)
	}
	*e = EncryptedString(plaintext)
	return nil
}
