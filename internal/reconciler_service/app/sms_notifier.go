package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/savannahwave/isp-platform/internal/platform/messagebroker"
)

// TemplateSmsMessage is the contract with the external SmsService consumer.
type TemplateSmsMessage struct {
	Phone    string            `json:"phone"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params"`
}

const (
	templateVoucherActivated = "voucher_activated"
	templateRenewalConfirmed = "renewal_confirmed"
)

// SmsNotifier publishes template SMS requests to the SmsService NATS
// subject. Dispatch is fire-and-forget: failures are counted and logged but
// never propagate to the caller, so a slow or down broker cannot fail a
// webhook response.
type SmsNotifier struct {
	publisher messagebroker.Publisher
	subject   string
	logger    *slog.Logger
}

func NewSmsNotifier(publisher messagebroker.Publisher, subject string, logger *slog.Logger) *SmsNotifier {
	return &SmsNotifier{
		publisher: publisher,
		subject:   subject,
		logger:    logger.With("component", "sms_notifier"),
	}
}

func (n *SmsNotifier) NotifyVoucherActivated(ctx context.Context, phone, code string, expiresAt time.Time) {
	n.publish(ctx, TemplateSmsMessage{
		Phone:    phone,
		Template: templateVoucherActivated,
		Params: map[string]string{
			"code":       code,
			"expires_at": expiresAt.Format(time.RFC3339),
		},
	})
}

func (n *SmsNotifier) NotifyRenewalConfirmed(ctx context.Context, phone, reference string, expiresAt time.Time) {
	n.publish(ctx, TemplateSmsMessage{
		Phone:    phone,
		Template: templateRenewalConfirmed,
		Params: map[string]string{
			"reference":  reference,
			"expires_at": expiresAt.Format(time.RFC3339),
		},
	})
}

func (n *SmsNotifier) publish(ctx context.Context, msg TemplateSmsMessage) {
	if msg.Phone == "" {
		n.logger.WarnContext(ctx, "skipping SMS dispatch without phone number", "template", msg.Template)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		smsDispatchCounter.WithLabelValues("error").Inc()
		n.logger.ErrorContext(ctx, "failed to marshal SMS message", "error", err, "template", msg.Template)
		return
	}
	if err := n.publisher.Publish(n.subject, data); err != nil {
		smsDispatchCounter.WithLabelValues("error").Inc()
		n.logger.ErrorContext(ctx, "failed to publish SMS message", "error", err,
			"subject", n.subject, "template", msg.Template)
		return
	}
	smsDispatchCounter.WithLabelValues("published").Inc()
	n.logger.InfoContext(ctx, "SMS dispatch published", "subject", n.subject, "template", msg.Template)
}
