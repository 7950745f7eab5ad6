package queues

import (
	"context"
	"encoding/json"

	"github.com/datakeep/datakeep-services-uploads/logging"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Publisher hands finalized uploads to downstream consumers. Delivery is
// at-least-once; JobId and UploadId are the dedupe keys on the other side.
type Publisher interface {
	SubmitJob(ctx context.Context, job models.PipelineJob) error
	PublishCompleted(ctx context.Context, evt models.UploadCompletedEvent) error
}

// Recognized pipeline purposes. Anything else falls back to default.
const (
	PurposeFineTuning = "fine-tuning"
	PurposeEmbeddings = "embeddings"
	PurposeTraining   = "training"
	PurposeIndexing   = "indexing"
	PurposeDefault    = "default"
)

func NormalizePurpose(p string) string {
	switch p {
	case PurposeFineTuning, PurposeEmbeddings, PurposeTraining, PurposeIndexing:
		return p
	}
	return PurposeDefault
}

// EstimateFor is the rough turnaround reported back to the client per
// purpose; the pipeline owns the real numbers.
func EstimateFor(purpose string) string {
	switch purpose {
	case PurposeFineTuning:
		return "2-4 hours"
	case PurposeTraining:
		return "4-8 hours"
	case PurposeEmbeddings:
		return "10-30 minutes"
	case PurposeIndexing:
		return "15-45 minutes"
	}
	return "5-15 minutes"
}

type SqsPublisherImpl struct {
	client           *sqs.Client
	pipelineQueueUrl string
	notifyQueueUrl   string

	logger logging.Logger
}

func NewSqsPublisherImpl(client *sqs.Client, pipelineQueueUrl, notifyQueueUrl string, l logging.Logger) *SqsPublisherImpl {
	return &SqsPublisherImpl{
		client:           client,
		pipelineQueueUrl: pipelineQueueUrl,
		notifyQueueUrl:   notifyQueueUrl,
		logger:           l,
	}
}

func (p *SqsPublisherImpl) SubmitJob(ctx context.Context, job models.PipelineJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.pipelineQueueUrl),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"purpose": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.Purpose),
			},
		},
	})
	if err != nil {
		return err
	}

	p.logger.Info("pipeline job submitted", "job_id", job.JobId, "upload_id", job.UploadId, "purpose", job.Purpose)
	return nil
}

func (p *SqsPublisherImpl) PublishCompleted(ctx context.Context, evt models.UploadCompletedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.notifyQueueUrl),
		MessageBody: aws.String(string(body)),
	})
	return err
}

// NullPublisher drops everything. Used in local dev when no queue is
// configured and in tests.
type NullPublisher struct{}

func (NullPublisher) SubmitJob(ctx context.Context, job models.PipelineJob) error {
	return nil
}

func (NullPublisher) PublishCompleted(ctx context.Context, evt models.UploadCompletedEvent) error {
	return nil
}
