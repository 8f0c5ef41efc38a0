package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESAdapter sends mail through Amazon SES v2. One instance is built per
// pooled SenderConfig; Secret carries the AWS secret access key and User
// the access key id when a sender supplies its own credentials, falling
// back to the process's default AWS credential chain otherwise.
type SESAdapter struct {
	client *sesv2.Client
	region string
}

// NewSESAdapter builds and verifies a SES client for cfg. Verification is
// a cheap GetAccount call so a broken credential/region combination fails
// at pool-entry time rather than on the first real send.
func NewSESAdapter(ctx context.Context, cfg SenderConfig, region string) (*SESAdapter, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))
	if cfg.User != "" && cfg.Secret != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.User, cfg.Secret, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("transport: ses: load aws config: %w", err)
	}

	client := sesv2.NewFromConfig(awsCfg)
	if _, err := client.GetAccount(ctx, &sesv2.GetAccountInput{}); err != nil {
		return nil, fmt.Errorf("transport: ses: verify credentials: %w", err)
	}

	return &SESAdapter{client: client, region: region}, nil
}

// Send delivers one message via sesv2.SendEmail using a Simple content
// body (both HTML and a plain-text fallback).
func (a *SESAdapter) Send(ctx context.Context, env Envelope) (Result, error) {
	text := env.Text
	if text == "" {
		text = PlainTextFallback(env.HTML)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(FromHeader(env.FromName, env.From)),
		Destination:      &types.Destination{ToAddresses: []string{env.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(env.Subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(env.HTML)},
					Text: &types.Content{Data: aws.String(text)},
				},
			},
		},
	}

	out, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return Result{Success: true, MessageID: messageID}, nil
}

// Close is a no-op: sesv2.Client has no connections to release, only an
// HTTP client the AWS SDK itself pools.
func (a *SESAdapter) Close() error { return nil }
