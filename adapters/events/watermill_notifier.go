package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/custodian/ports"
)

// TopicMail carries MailRequest payloads for the mailer service
const TopicMail = "custodian.mail"

type MailKind string

const (
	MailRecoveryToken   MailKind = "recovery_token"
	MailRecoveryAlert   MailKind = "recovery_alert"
	MailCredentialAdded MailKind = "credential_added"
)

// MailRequest asks the mailer to render and send one message
type MailRequest struct {
	Kind   MailKind          `json:"kind"`
	To     string            `json:"to"`
	Params map[string]string `json:"params,omitempty"`
}

// WatermillNotifier implements the Notifier interface by handing mail
// requests to a mailer over Watermill. Delivery is the mailer's concern.
type WatermillNotifier struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillNotifier creates a new Watermill notifier
func NewWatermillNotifier(publisher message.Publisher) *WatermillNotifier {
	return &WatermillNotifier{
		publisher: publisher,
		topic:     TopicMail,
	}
}

var _ ports.Notifier = (*WatermillNotifier)(nil)

func (n *WatermillNotifier) SendRecoveryToken(ctx context.Context, email, token string) error {
	return n.send(ctx, MailRequest{
		Kind:   MailRecoveryToken,
		To:     email,
		Params: map[string]string{"token": token},
	})
}

func (n *WatermillNotifier) SendRecoveryAlert(ctx context.Context, email string, remainingCodes int) error {
	return n.send(ctx, MailRequest{
		Kind:   MailRecoveryAlert,
		To:     email,
		Params: map[string]string{"remaining_codes": strconv.Itoa(remainingCodes)},
	})
}

func (n *WatermillNotifier) SendCredentialAdded(ctx context.Context, email, friendlyName string) error {
	return n.send(ctx, MailRequest{
		Kind:   MailCredentialAdded,
		To:     email,
		Params: map[string]string{"friendly_name": friendlyName},
	})
}

func (n *WatermillNotifier) send(ctx context.Context, req MailRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal mail request: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(req.Kind))
	msg.SetContext(ctx)

	if err := n.publisher.Publish(n.topic, msg); err != nil {
		return fmt.Errorf("failed to publish mail request: %w", err)
	}
	return nil
}
