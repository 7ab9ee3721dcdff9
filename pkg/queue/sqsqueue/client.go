package sqsqueue

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const (
	defaultVisibilityTimeout = 300
	defaultWaitTimeSeconds   = 20
	maxWaitTimeSeconds       = 20
)

// Settings tune the SQS client. Region falls back to the host of an sqs://region URI.
type Settings struct {
	Region            string `json:"Region" yaml:"Region" env:"SECUREDCOMM_SQS_REGION"`
	Endpoint          string `json:"Endpoint" yaml:"Endpoint" env:"SECUREDCOMM_SQS_ENDPOINT"`
	VisibilityTimeout int32  `json:"VisibilityTimeout" yaml:"VisibilityTimeout" env:"SECUREDCOMM_SQS_VISIBILITY_TIMEOUT"`
	WaitTimeSeconds   int32  `json:"WaitTimeSeconds" yaml:"WaitTimeSeconds" env:"SECUREDCOMM_SQS_WAIT_SECONDS"`
	CreateQueue       bool   `json:"CreateQueue" yaml:"CreateQueue" env:"SECUREDCOMM_SQS_CREATE_QUEUE"`
}

// sqsClient defines the SQS operations the queue uses.
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
}

func (s *Settings) withDefaults(uri string) Settings {
	settings := *s

	if settings.Region == "" {
		if parsed, err := url.Parse(uri); err == nil && parsed.Scheme == "sqs" {
			settings.Region = parsed.Host
		}
	}

	if settings.VisibilityTimeout == 0 {
		settings.VisibilityTimeout = defaultVisibilityTimeout
	}

	if settings.WaitTimeSeconds <= 0 || settings.WaitTimeSeconds > maxWaitTimeSeconds {
		settings.WaitTimeSeconds = defaultWaitTimeSeconds
	}

	return settings
}

// newClient loads the default AWS credential chain, including pod identity.
func newClient(ctx context.Context, settings Settings) (sqsClient, error) {

	loadOptions := []func(*config.LoadOptions) error{}
	if settings.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(settings.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if settings.Endpoint != "" {
		return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(settings.Endpoint)
		}), nil
	}

	return sqs.NewFromConfig(awsCfg), nil
}
