package health

import "context"

// ReadinessCheck is implemented by every backing store so the app can gate
// readiness on all of them.
type ReadinessCheck interface {
	// IsReady returns nil when the dependency can serve traffic.
	IsReady(ctx context.Context) error
	// Name identifies the check in logs.
	Name() string
}
