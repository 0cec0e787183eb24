// Package crypto provides credential encryption for dbkeeper.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the size of the AES-GCM nonce (12 bytes standard).
	NonceSize = 12

	// KeySize is the size of the AES-256 key (32 bytes).
	KeySize = 32

	// KeyHexLength is the length of a hex-encoded key.
	KeyHexLength = KeySize * 2
)

var (
	// ErrInvalidKey indicates the encryption key is not exactly 64 hex characters.
	ErrInvalidKey = errors.New("encryption key must be exactly 64 hex characters")
	// ErrInvalidKeySize indicates the encryption key is not the correct size.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrInvalidCiphertext indicates the ciphertext is too short or malformed.
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	// ErrCredentialDecryption indicates authentication of the ciphertext failed:
	// it was tampered with or sealed under a different key.
	ErrCredentialDecryption = errors.New("credential decryption failed")
)

// KeyManager seals and opens credentials with a single deployment key.
// The key is supplied by the environment and never stored with the data.
type KeyManager struct {
	masterKey []byte
	aead      cipher.AEAD
}

// NewKeyManager creates a new KeyManager with the given master key.
// The master key must be exactly 32 bytes (256 bits) for AES-256.
func NewKeyManager(masterKey []byte) (*KeyManager, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &KeyManager{masterKey: key, aead: gcm}, nil
}

// NewKeyManagerFromHex parses a hex key and creates a KeyManager.
func NewKeyManagerFromHex(encoded string) (*KeyManager, error) {
	key, err := MasterKeyFromHex(encoded)
	if err != nil {
		return nil, err
	}
	return NewKeyManager(key)
}

// Encrypt encrypts plaintext using AES-256-GCM with the master key.
// Returns nonce || ciphertext || tag; every call draws a fresh nonce.
func (km *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return km.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
func (km *KeyManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+km.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:NonceSize]
	plaintext, err := km.aead.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrCredentialDecryption
	}

	return plaintext, nil
}

// EncryptString encrypts a string and returns base64-encoded ciphertext.
func (km *KeyManager) EncryptString(plaintext string) (string, error) {
	ciphertext, err := km.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString decrypts base64-encoded ciphertext and returns the plaintext string.
func (km *KeyManager) DecryptString(encodedCiphertext string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrCredentialDecryption, err)
	}
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		if errors.Is(err, ErrInvalidCiphertext) {
			return "", fmt.Errorf("%w: %v", ErrCredentialDecryption, err)
		}
		return "", err
	}
	return string(plaintext), nil
}

// SealJSON marshals v and returns it encrypted and base64-encoded.
func (km *KeyManager) SealJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal sealed value: %w", err)
	}
	return km.EncryptString(string(data))
}

// OpenJSON decrypts a value produced by SealJSON into v.
func (km *KeyManager) OpenJSON(sealed string, v any) error {
	plaintext, err := km.DecryptString(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), v); err != nil {
		return fmt.Errorf("%w: sealed payload is not valid JSON", ErrCredentialDecryption)
	}
	return nil
}

// GenerateMasterKey generates a new random master key for use with NewKeyManager.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyToHex encodes a master key for the ENCRYPTION_KEY setting.
func MasterKeyToHex(key []byte) string {
	return hex.EncodeToString(key)
}

// MasterKeyFromHex decodes a hex-encoded master key. The input must be
// exactly 64 hex characters.
func MasterKeyFromHex(encoded string) ([]byte, error) {
	if len(encoded) != KeyHexLength {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}
