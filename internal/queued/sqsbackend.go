// Copyright 2025 James Ross
// SQSBackend is the concrete QueueBackend: it enqueues the base64-wrapped
// ingestion message onto the SQS queue named by the resource bundle's queue
// Ref. Grounded on the uploader's S3Backend (same session/client
// construction, same error classification shape), swapping the storage
// service for the queue service the bundle's queue Refs point at.
package queued

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
	"github.com/ingestkit/go-ingest/internal/resources"
)

// SQSBackendConfig configures the shared AWS session used for every queue.
type SQSBackendConfig struct {
	Region           string
	EndpointOverride string // for LocalStack-compatible test backends
}

// SQSBackend implements QueueBackend against any SQS-compatible queue service.
type SQSBackend struct {
	client *sqs.SQS
}

// NewSQSBackend builds the shared session/client pair.
func NewSQSBackend(cfg SQSBackendConfig) (*SQSBackend, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithCredentials(credentials.NewStaticCredentials("queue-scoped", "queue-scoped", ""))
	if cfg.EndpointOverride != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.EndpointOverride)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	return &SQSBackend{client: sqs.New(sess)}, nil
}

// Enqueue sends messageBase64 to the queue named by q.Endpoint (a full
// queue URL, matching how the resource bundle advertises every other ref).
func (b *SQSBackend) Enqueue(ctx context.Context, q resources.Ref, messageBase64 string) error {
	_, err := b.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.Endpoint),
		MessageBody: aws.String(messageBase64),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ingesterrors.Canceled()
		}
		return classifySQSError(err)
	}
	return nil
}

func classifySQSError(err error) error {
	if aerr, ok := err.(awsRequestFailure); ok && aerr.StatusCode() >= 400 && aerr.StatusCode() < 500 && aerr.StatusCode() != 429 {
		return ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubUploadFailed, true, err)
	}
	return ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubNetworkError, false, err)
}

// awsRequestFailure narrows sqs's error interface to just what classification needs.
type awsRequestFailure interface {
	StatusCode() int
}
