package ports

import (
	"context"

	"github.com/layer-3/custodian/core"
)

// EventPublisher publishes auth events to other services
type EventPublisher interface {
	Publish(ctx context.Context, event core.Event) error
}

// Notifier delivers out-of-band messages to users
type Notifier interface {
	SendRecoveryToken(ctx context.Context, email, token string) error
	SendRecoveryAlert(ctx context.Context, email string, remainingCodes int) error
	SendCredentialAdded(ctx context.Context, email, friendlyName string) error
}
