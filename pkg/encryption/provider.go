// Package encryption defines the encryption capability consumed by the envelope codec
// and ships an AES-GCM reference provider.
package encryption

import "context"

// Provider encrypts and decrypts byte buffers. Where keys live (a vault, a KMS, a local
// passphrase) is up to the implementation.
type Provider interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)
}

// Signer is the optional signing half of a provider. The wrapped envelope format signs
// and verifies letters when the configured provider also implements Signer.
type Signer interface {
	Sign(ctx context.Context, data []byte) ([]byte, error)
	Verify(ctx context.Context, data, signature []byte) (bool, error)
}
