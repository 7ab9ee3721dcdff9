package queue

import (
	"fmt"

	"github.com/houseofcat/securedcomm/pkg/encryption"
	"github.com/houseofcat/securedcomm/pkg/envelope"
)

// Config names the broker location and envelope format of one queue. It is immutable
// once a backend has been built from it.
type Config struct {
	URI          string `json:"URI" yaml:"URI" env:"SECUREDCOMM_URI"`
	ExchangeName string `json:"ExchangeName" yaml:"ExchangeName" env:"SECUREDCOMM_EXCHANGE"`
	QueueName    string `json:"QueueName" yaml:"QueueName" env:"SECUREDCOMM_QUEUE"`
	Encrypted    bool   `json:"Encrypted" yaml:"Encrypted" env:"SECUREDCOMM_ENCRYPTED"`

	Wrapped     bool `json:"Wrapped" yaml:"Wrapped" env:"SECUREDCOMM_WRAPPED"`
	AcceptMixed bool `json:"AcceptMixed" yaml:"AcceptMixed" env:"SECUREDCOMM_ACCEPT_MIXED"`
	Signed      bool `json:"Signed" yaml:"Signed" env:"SECUREDCOMM_SIGNED"`

	EncryptionType string                      `json:"EncryptionType,omitempty" yaml:"EncryptionType,omitempty"`
	Compression    *envelope.CompressionConfig `json:"Compression,omitempty" yaml:"Compression,omitempty"`
}

// Validate checks the fields every backend needs.
func (c *Config) Validate() error {

	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrConfiguration)
	}

	if c.URI == "" {
		return fmt.Errorf("%w: URI is empty", ErrConfiguration)
	}

	if c.ExchangeName == "" {
		return fmt.Errorf("%w: exchange name is empty", ErrConfiguration)
	}

	if c.QueueName == "" {
		return fmt.Errorf("%w: queue name is empty", ErrConfiguration)
	}

	return nil
}

// Codec builds the envelope codec for this queue. Construction problems are configuration errors.
func (c *Config) Codec(provider encryption.Provider) (*envelope.Codec, error) {

	if provider == nil {
		return nil, fmt.Errorf("%w: encryption provider is nil", ErrConfiguration)
	}

	codec, err := envelope.NewCodec(provider, envelope.Options{
		Encrypted:      c.Encrypted,
		Wrapped:        c.Wrapped,
		AcceptMixed:    c.AcceptMixed,
		Signed:         c.Signed,
		EncryptionType: c.EncryptionType,
		Compression:    c.Compression,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return codec, nil
}

// Prepare validates config and builds its codec, the first step of every backend constructor.
func Prepare(config *Config, provider encryption.Provider) (*envelope.Codec, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config.Codec(provider)
}
