package envelope

import "errors"

var (
	// ErrCrypto is returned when the encryption provider fails to encrypt, decrypt, sign or verify,
	// and when a letter's encryption marker doesn't match what the receiver expects.
	// you can check for this error with errors.Is
	ErrCrypto = errors.New("envelope crypto failure")

	// ErrMalformed is returned when wire bytes can't be unwrapped or decompressed.
	ErrMalformed = errors.New("envelope is malformed")

	// ErrInvalidOptions is returned by NewCodec when options can't be satisfied by the provider.
	ErrInvalidOptions = errors.New("invalid envelope options")
)
