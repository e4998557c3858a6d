// Package aws provides an SNS/SQS transport for nodeflow. Outputs publish to
// an SNS topic; every input subscribes through an SQS queue named after the
// topic. Setting an endpoint points both clients at LocalStack.
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

	"github.com/drblury/nodeflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

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

func init() {
	Register()
}

// Register adds the AWS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// target is the resolved account, region and optional endpoint override.
type target struct {
	accountID string
	region    string
	endpoint  *url.URL
}

// Build loads the AWS config and creates an SNS publisher and an SNS-to-SQS
// subscriber sharing one topic resolver.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg == nil {
		return transport.Transport{}, errors.New("aws: config is required")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	tgt, err := resolveTarget(cfg, awsCfg.Region, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("AWS transport configured", watermill.LogFields{
		"account_id":      tgt.accountID,
		"region":          tgt.region,
		"custom_endpoint": tgt.endpoint != nil,
	})

	resolver, err := TopicResolverFactory(tgt.accountID, tgt.region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: topic resolver: %w", err)
	}

	publisher, err := PublisherFactory(publisherConfig(awsCfg, resolver, tgt), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	snsCfg, sqsCfg := subscriberConfigs(awsCfg, resolver, tgt)
	subscriber, err := SubscriberFactory(snsCfg, sqsCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		logger.Debug("Using static AWS credentials", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(key, secret)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	if region := cfg.GetAWSRegion(); region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// resolveTarget applies the LocalStack account fallback when an endpoint is
// configured and the account id is missing or malformed.
func resolveTarget(cfg transport.Config, fallbackRegion string, logger watermill.LoggerAdapter) (target, error) {
	tgt := target{
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		region:    cfg.GetAWSRegion(),
	}
	if tgt.region == "" {
		tgt.region = fallbackRegion
	}

	if raw := cfg.GetAWSEndpoint(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return target{}, fmt.Errorf("aws: parse endpoint: %w", err)
		}
		tgt.endpoint = u
		if len(tgt.accountID) != awsAccountIDLength {
			logger.Info("Using LocalStack account id", watermill.LogFields{"configured": tgt.accountID})
			tgt.accountID = localstackAccountID
		}
	}
	return tgt, nil
}

func publisherConfig(awsCfg aws.Config, resolver sns.TopicResolver, tgt target) sns.PublisherConfig {
	cfg := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if tgt.endpoint != nil {
		endpoint := tgt.endpoint.String()
		cfg.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) { o.BaseEndpoint = aws.String(endpoint) },
		}
	}
	return cfg
}

func subscriberConfigs(awsCfg aws.Config, resolver sns.TopicResolver, tgt target) (sns.SubscriberConfig, sqs.SubscriberConfig) {
	snsCfg := sns.SubscriberConfig{
		AWSConfig:            awsCfg,
		TopicResolver:        resolver,
		GenerateSqsQueueName: queueNameFromTopic,
	}
	sqsCfg := sqs.SubscriberConfig{AWSConfig: awsCfg}

	if tgt.endpoint != nil {
		endpoint := smithyendpoints.Endpoint{URI: *tgt.endpoint}
		snsCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
		}
		sqsCfg.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
		}
	}
	return snsCfg, sqsCfg
}

func queueNameFromTopic(_ context.Context, topicArn sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
