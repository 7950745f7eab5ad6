package retries

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
)

// Attempt/delay profiles. Store calls use the default profile; readiness
// probes use the tighter health profile so a dead dependency is reported
// within the probe timeout.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry runs fn up to attempts times with exponential backoff starting at
// baseDelay. It stops early when ctx is done or isRetriable reports the
// error as permanent. A done ctx returns ctx.Err(); otherwise the last error
// from fn is returned.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	var err error
	delay := baseDelay

	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return err
}

// IsRetriableDbError reports whether a DynamoDB failure is worth another
// attempt: throttling, server faults and connection-level errors are,
// conditional-check failures and other client faults are not.
func IsRetriableDbError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException",
			"ThrottlingException",
			"RequestLimitExceeded",
			"InternalServerError",
			"ServiceUnavailable":
			return true
		case "ConditionalCheckFailedException":
			return false
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// IsRetriableStorageError classifies object-store failures the same way:
// 5xx and slow-down responses retry, 4xx do not.
func IsRetriableStorageError(err error) bool {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "InternalError", "ServiceUnavailable":
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
