// Package aws binds the broker backend to SNS topics fanned out to SQS
// queues. Topic names cannot contain dots, so routes are named
// <prefix>-<dst>-<src>-<tag>, and payloads travel as base64 text.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
)

// BindingName is the name used to register this binding.
const BindingName = "aws"

// MaxMessageSize keeps a base64 part under the 256 KiB SNS limit.
const MaxMessageSize = 180 * 1024

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// Register registers the binding with set.
func Register(set *broker.Bindings) {
	set.Register(BindingName, Build)
}

// Topic names the SNS topic for src to dst on tag.
func Topic(prefix string, dst, src, tag int) string {
	return strings.ReplaceAll(transport.Subject(prefix, dst, src, tag), ".", "-")
}

// Build creates an SNS publisher and an SNS-to-SQS subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.PubSub, error) {
	if cfg.GetAWSRegion() == "" {
		return broker.PubSub{}, errors.New("aws: region is required")
	}
	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return broker.PubSub{}, err
	}

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     s.aws,
		OptFns:        s.snsOptions(),
		TopicResolver: s.topics,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return broker.PubSub{}, err
	}

	subscriber, err := SubscriberFactory(sns.SubscriberConfig{
		AWSConfig:            s.aws,
		OptFns:               s.snsOptions(),
		TopicResolver:        s.topics,
		GenerateSqsQueueName: queueForTopic,
	}, sqs.SubscriberConfig{
		AWSConfig: s.aws,
		OptFns:    s.sqsOptions(),
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return broker.PubSub{}, err
	}

	return broker.PubSub{
		Publisher:      publisher,
		Subscriber:     subscriber,
		MaxMessageSize: MaxMessageSize,
		Topic:          Topic,
		Base64:         true,
	}, nil
}

// session is the resolved AWS setup shared by the publisher and the
// subscriber of one edge.
type session struct {
	aws      aws.Config
	endpoint *url.URL
	topics   sns.TopicResolver
}

func openSession(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*session, error) {
	endpoint, err := awsEndpointURL(cfg)
	if err != nil {
		logger.Error("Rejected AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return nil, err
	}

	region := cfg.GetAWSRegion()
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if id, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(id, secret)))
	}
	loaded, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Loading AWS config failed", err, watermill.LogFields{"region": region})
		return nil, err
	}
	// the loader may ignore options
	loaded.Region = region
	if endpoint != nil {
		loaded.BaseEndpoint = aws.String(endpoint.String())
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, loaded.Region)
	topics, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Building SNS topic resolver failed", err, watermill.LogFields{"account": accountID, "region": region})
		return nil, err
	}
	logger.Info("AWS session ready", watermill.LogFields{
		"region":          region,
		"account":         accountID,
		"custom_endpoint": endpoint != nil,
	})
	return &session{aws: loaded, endpoint: endpoint, topics: topics}, nil
}

// snsOptions and sqsOptions pin both clients to a custom endpoint such as
// LocalStack. Without one the default resolvers apply.
func (s *session) snsOptions() []func(*amazonsns.Options) {
	if s.endpoint == nil {
		return nil
	}
	return []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint}}),
	}
}

func (s *session) sqsOptions() []func(*amazonsqs.Options) {
	if s.endpoint == nil {
		return nil
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint}}),
	}
}

// queueForTopic gives every route its own queue, named after the topic.
func queueForTopic(_ context.Context, arn sns.TopicArn) (string, error) {
	name, err := sns.ExtractTopicNameFromTopicArn(arn)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// resolveAccountAndRegion returns the account used to build topic ARNs.
// Against a custom endpoint a missing or malformed account falls back to
// the LocalStack default.
func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	if cfg == nil {
		return "", fallbackRegion
	}
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	if cfg.GetAWSEndpoint() != "" && len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack account ID", watermill.LogFields{"configured": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func awsEndpointURL(cfg transport.Config) (*url.URL, error) {
	if cfg == nil || cfg.GetAWSEndpoint() == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.GetAWSEndpoint())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return u, nil
}

func staticCredentialsProvider(id, secret string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret}, nil
	})
}
