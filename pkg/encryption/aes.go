package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

const (
	defaultNonceSize = 12 // 12 is the standard
	aesKeySize       = 32
)

var (
	// ErrInvalidKey is returned when a provider is built with a key that isn't AES-256 sized.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
)

// AESProvider is a symmetric Provider and Signer backed by AES-256-GCM.
// The nonce is generated per call and prepended to the cipher data.
// Signatures are keyed BLAKE2b-256 MACs, so they prove integrity and origin only
// to holders of the same key.
type AESProvider struct {
	hashedKey []byte
	nonceSize int
}

// NewAESProvider creates an AESProvider from a 32 byte key.
func NewAESProvider(hashedKey []byte) (*AESProvider, error) {

	if len(hashedKey) != aesKeySize {
		return nil, ErrInvalidKey
	}

	key := make([]byte, aesKeySize)
	copy(key, hashedKey)

	return &AESProvider{
		hashedKey: key,
		nonceSize: defaultNonceSize,
	}, nil
}

// NewAESProviderFromPassphrase derives the AES key from a passphrase and salt with Argon2id.
func NewAESProviderFromPassphrase(passphrase, salt string, timeConsideration, multiplier uint32, threads uint8) (*AESProvider, error) {

	hashedKey := GetHashWithArgon(passphrase, salt, timeConsideration, multiplier, threads, aesKeySize)
	if hashedKey == nil {
		return nil, errors.New("passphrase and salt must be supplied")
	}

	return NewAESProvider(hashedKey)
}

// Encrypt seals data with AES-GCM.
func (p *AESProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return EncryptWithAes(data, p.hashedKey, p.nonceSize)
}

// Decrypt opens data sealed by Encrypt.
func (p *AESProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return DecryptWithAes(encryptedData, p.hashedKey, p.nonceSize)
}

// Sign returns a keyed BLAKE2b-256 MAC of data.
func (p *AESProvider) Sign(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mac, err := blake2b.New256(p.hashedKey)
	if err != nil {
		return nil, err
	}

	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify checks a signature produced by Sign in constant time.
func (p *AESProvider) Verify(ctx context.Context, data, signature []byte) (bool, error) {

	expected, err := p.Sign(ctx, data)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(expected, signature) == 1, nil
}

// GetHashWithArgon uses Argon2id (version 0x13) to hash a passphrase with a provided salt and returns the hash as bytes.
func GetHashWithArgon(passphrase, salt string, timeConsideration uint32, multiplier uint32, threads uint8, hashLength uint32) []byte {

	if passphrase == "" || salt == "" {
		return nil
	}

	if timeConsideration == 0 {
		timeConsideration = 1
	}

	if multiplier == 0 {
		multiplier = 64
	}

	if threads == 0 {
		threads = 1
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), timeConsideration, multiplier*1024, threads, hashLength)
}

// EncryptWithAes encrypts bytes based on an AES-256 compatible hashed key.
// If nonceSize is outside of 12-32, the standard, 12, is used.
// Empty data is allowed and still produces an authenticated nonce and tag.
func EncryptWithAes(data, hashedKey []byte, nonceSize int) ([]byte, error) {

	if len(hashedKey) == 0 {
		return nil, errors.New("hash can't be zero length")
	}

	if nonceSize < 12 || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil { // errors if length is not 16, 24, or 32
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	cipherData := aesGcm.Seal(nonce, nonce, data, nil)
	if len(cipherData) == 0 {
		return nil, errors.New("aes seal failed to generate encrypted data")
	}

	return cipherData, nil
}

// DecryptWithAes decrypts bytes based on an AES compatible hashed key.
func DecryptWithAes(cipherDataWithNonce, hashedKey []byte, nonceSize int) ([]byte, error) {

	if nonceSize < 12 || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	if len(cipherDataWithNonce) == 0 || len(hashedKey) == 0 || len(cipherDataWithNonce) <= nonceSize {
		return nil, errors.New("cipherDataWithNonce or hash can't be zero length or cipherDataWithNonce can't be the same size as nonce")
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	return aesGcm.Open(nil, cipherDataWithNonce[:nonceSize], cipherDataWithNonce[nonceSize:], nil)
}
