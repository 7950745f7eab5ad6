package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/health"
	"github.com/datakeep/datakeep-services-uploads/models"
	"github.com/datakeep/datakeep-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// SessionStore is the durable source of truth for upload sessions.
type SessionStore interface {
	Insert(ctx context.Context, session models.UploadSession) error
	Load(ctx context.Context, uploadID string) (*models.UploadSession, error)
	// UpdateStatus atomically moves the session along the state machine and
	// writes updated_at. finalPath is persisted only on COMPLETED.
	UpdateStatus(ctx context.Context, uploadID string, to models.UploadStatus, finalPath string) error
	// ListExpired returns non-terminal sessions whose expiry is before now.
	ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error)

	health.ReadinessCheck
}

type SessionStoreImpl struct {
	client    *dynamodb.Client
	tableName string
}

func NewSessionStoreImpl(client *dynamodb.Client, tableName string) *SessionStoreImpl {
	return &SessionStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *SessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *SessionStoreImpl) Name() string {
	return "SessionStore[sessions]"
}

func (s *SessionStoreImpl) Insert(ctx context.Context, session models.UploadSession) error {
	session.ExpiresEpoch = session.ExpirationTime.Unix()

	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		return apperror.ErrSessionExists
	}
	return err
}

func (s *SessionStoreImpl) Load(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	var session models.UploadSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": &types.AttributeValueMemberS{Value: uploadID},
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}
			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}
			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return &session, nil
}

func (s *SessionStoreImpl) UpdateStatus(ctx context.Context, uploadID string, to models.UploadStatus, finalPath string) error {
	sources := to.TransitionSources()
	if len(sources) == 0 {
		return apperror.ErrIllegalTransition
	}

	update := "SET #st = :to, updated_at = :now"
	values := map[string]types.AttributeValue{
		":to":  &types.AttributeValueMemberS{Value: to.String()},
		":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}

	condition := "attribute_exists(upload_id) AND #st IN ("
	for i, from := range sources {
		ph := ":from" + strconv.Itoa(i)
		if i > 0 {
			condition += ", "
		}
		condition += ph
		values[ph] = &types.AttributeValueMemberS{Value: from.String()}
	}
	condition += ")"

	if to == models.StatusCompleted {
		update += ", final_path = :fp"
		values[":fp"] = &types.AttributeValueMemberS{Value: finalPath}
	}

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:                 aws.String(s.tableName),
				Key:                       map[string]types.AttributeValue{"upload_id": &types.AttributeValueMemberS{Value: uploadID}},
				UpdateExpression:          aws.String(update),
				ConditionExpression:       aws.String(condition),
				ExpressionAttributeNames:  map[string]string{"#st": "status"},
				ExpressionAttributeValues: values,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
	if isConditionalCheckFailed(err) {
		// The guard fires for both a missing row and a bad source state;
		// one more read tells them apart.
		if _, loadErr := s.Load(ctx, uploadID); errors.Is(loadErr, apperror.ErrSessionNotFound) {
			return apperror.ErrSessionNotFound
		}
		return apperror.ErrIllegalTransition
	}
	return err
}

func (s *SessionStoreImpl) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	var sessions []models.UploadSession

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("expires_epoch < :now AND #st IN (:init, :uploading, :assembling)"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":init":       &types.AttributeValueMemberS{Value: models.StatusInit.String()},
			":uploading":  &types.AttributeValueMemberS{Value: models.StatusUploading.String()},
			":assembling": &types.AttributeValueMemberS{Value: models.StatusAssembling.String()},
		},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired sessions: %w", err)
		}

		var batch []models.UploadSession
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		sessions = append(sessions, batch...)
	}

	return sessions, nil
}

func isConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
