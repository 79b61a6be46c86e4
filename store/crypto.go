package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

const encPrefix = "enc:"

// Crypto encrypts durable aggregator access credentials at rest. A nil
// Crypto (empty key) passes values through untouched.
type Crypto struct {
	gcm cipher.AEAD
}

// NewCrypto derives an AES-GCM key from the configured key material. An
// empty key disables encryption and returns nil, nil.
func NewCrypto(key string) (*Crypto, error) {
	if key == "" {
		return nil, nil
	}
	encKey := sha256.Sum256([]byte("enc:" + key))
	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypto{gcm: gcm}, nil
}

func (c *Crypto) Encrypt(value string) (string, error) {
	if c == nil || value == "" {
		return value, nil
	}
	if strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	cipherText := c.gcm.Seal(nil, nonce, []byte(value), nil)
	return encPrefix + base64.RawStdEncoding.EncodeToString(nonce) + ":" + base64.RawStdEncoding.EncodeToString(cipherText), nil
}

func (c *Crypto) Decrypt(value string) (string, error) {
	if c == nil || value == "" {
		return value, nil
	}
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(value, encPrefix), ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted payload")
	}
	nonce, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", err
	}
	cipherText, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", err
	}
	plain, err := c.gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (c *Crypto) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}
