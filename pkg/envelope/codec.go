// Package envelope builds and parses the wire bytes that carry a payload through a queue.
//
// The raw format is the payload itself, or the provider's cipher text of it, with the
// encryption mode fixed per queue. The wrapped format is a JSON Letter that marks each
// message as encrypted/compressed and can carry a signature.
package envelope

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/houseofcat/securedcomm/pkg/encryption"
)

// Encode wraps payload for the wire. When isEncrypted is false the payload passes through untouched.
func Encode(ctx context.Context, payload []byte, provider encryption.Provider, isEncrypted bool) ([]byte, error) {

	if !isEncrypted {
		return payload, nil
	}

	if provider == nil {
		return nil, fmt.Errorf("%w: no encryption provider", ErrCrypto)
	}

	data, err := provider.Encrypt(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt: %w", ErrCrypto, err)
	}

	return data, nil
}

// Decode mirrors Encode.
func Decode(ctx context.Context, wire []byte, provider encryption.Provider, isEncrypted bool) ([]byte, error) {

	if !isEncrypted {
		return wire, nil
	}

	if provider == nil {
		return nil, fmt.Errorf("%w: no encryption provider", ErrCrypto)
	}

	data, err := provider.Decrypt(ctx, wire)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %w", ErrCrypto, err)
	}

	return data, nil
}

// Options selects the envelope format for one queue.
type Options struct {
	Encrypted bool

	// Wrapped sends a JSON Letter with per-message markers instead of raw bytes.
	Wrapped bool

	// AcceptMixed lets a wrapped receiver follow each letter's Encrypted marker
	// instead of rejecting letters that don't match Encrypted.
	AcceptMixed bool

	// Signed signs wrapped letters and requires a valid signature on receipt.
	Signed bool

	EncryptionType string
	Compression    *CompressionConfig
}

// Codec encodes and decodes payloads for one queue configuration.
type Codec struct {
	provider    encryption.Provider
	signer      encryption.Signer
	options     Options
	letterCount uint64
}

// NewCodec validates options against the provider and builds a Codec.
func NewCodec(provider encryption.Provider, options Options) (*Codec, error) {

	if (options.Encrypted || options.AcceptMixed) && provider == nil {
		return nil, fmt.Errorf("%w: encryption requires a provider", ErrInvalidOptions)
	}

	codec := &Codec{
		provider: provider,
		options:  options,
	}

	if options.Signed {
		if !options.Wrapped {
			return nil, fmt.Errorf("%w: signing requires the wrapped format", ErrInvalidOptions)
		}

		signer, ok := provider.(encryption.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: provider %T can't sign", ErrInvalidOptions, provider)
		}

		codec.signer = signer
	}

	return codec, nil
}

// Options returns the options the Codec was built with.
func (c *Codec) Options() Options {
	return c.options
}

// Encode compresses (optionally), encrypts (optionally) and, in the wrapped format,
// marks and signs the payload.
func (c *Codec) Encode(ctx context.Context, payload []byte) ([]byte, error) {

	data := payload
	compressed := c.compressionEnabled()
	if compressed {
		var err error
		data, err = compress(c.options.Compression.Type, data)
		if err != nil {
			return nil, err
		}
	}

	data, err := Encode(ctx, data, c.provider, c.options.Encrypted)
	if err != nil {
		return nil, err
	}

	if !c.options.Wrapped {
		return data, nil
	}

	letter := &Letter{
		LetterID: atomic.AddUint64(&c.letterCount, 1),
		Body: &LetterBody{
			Encrypted:   c.options.Encrypted,
			Compressed:  compressed,
			UTCDateTime: time.Now().UTC().Format(time.RFC3339),
			Data:        data,
		},
	}

	if c.options.Encrypted {
		letter.Body.EType = c.options.EncryptionType
	}

	if compressed {
		letter.Body.CType = c.options.Compression.Type
	}

	if c.signer != nil {
		letter.Body.Signature, err = c.signer.Sign(ctx, signedBytes(letter.LetterID, letter.Body))
		if err != nil {
			return nil, fmt.Errorf("%w: sign: %w", ErrCrypto, err)
		}
	}

	var json = jsoniter.ConfigFastest
	wire, err := json.Marshal(letter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return wire, nil
}

// Decode reverses Encode. A receiver expecting encryption never accepts a letter
// marked as plaintext (and vice versa) unless AcceptMixed is set.
func (c *Codec) Decode(ctx context.Context, wire []byte) ([]byte, error) {

	if !c.options.Wrapped {
		data, err := Decode(ctx, wire, c.provider, c.options.Encrypted)
		if err != nil {
			return nil, err
		}

		if c.compressionEnabled() {
			return decompress(c.options.Compression.Type, data)
		}

		return data, nil
	}

	letter := &Letter{}
	var json = jsoniter.ConfigFastest
	if err := json.Unmarshal(wire, letter); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if letter.Body == nil {
		return nil, fmt.Errorf("%w: letter %d has no body", ErrMalformed, letter.LetterID)
	}

	if letter.Body.Encrypted != c.options.Encrypted && !c.options.AcceptMixed {
		return nil, fmt.Errorf(
			"%w: letter %d encrypted=%v but queue expects encrypted=%v",
			ErrCrypto, letter.LetterID, letter.Body.Encrypted, c.options.Encrypted)
	}

	if c.signer != nil {
		if len(letter.Body.Signature) == 0 {
			return nil, fmt.Errorf("%w: letter %d is not signed", ErrCrypto, letter.LetterID)
		}

		ok, err := c.signer.Verify(ctx, signedBytes(letter.LetterID, letter.Body), letter.Body.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: verify: %w", ErrCrypto, err)
		}

		if !ok {
			return nil, fmt.Errorf("%w: letter %d signature mismatch", ErrCrypto, letter.LetterID)
		}
	}

	data, err := Decode(ctx, letter.Body.Data, c.provider, letter.Body.Encrypted)
	if err != nil {
		return nil, err
	}

	if letter.Body.Compressed {
		return decompress(letter.Body.CType, data)
	}

	return data, nil
}

func (c *Codec) compressionEnabled() bool {
	return c.options.Compression != nil && c.options.Compression.Enabled
}
