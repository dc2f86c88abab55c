package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"accountguard/utils"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notification templates.
const (
	TemplateNewDeviceLogin        = "new_device_login"
	TemplateDevicesRevoked        = "devices_revoked"
	TemplateEmailVerificationCode = "email_verification_code"
	TemplateSMSVerificationCode   = "sms_verification_code"
	TemplateTwoFactorEnabled      = "two_factor_enabled"
	TemplateTwoFactorDisabled     = "two_factor_disabled"
)

// Notifier delivers a templated message to a user over whatever channel the
// template implies (email, SMS).
type Notifier interface {
	Send(ctx context.Context, userID, template string, data map[string]any) error
}

type Notification struct {
	UserID   string         `json:"user_id"`
	Template string         `json:"template"`
	Context  map[string]any `json:"context,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

// publisher is the part of *nats.Conn the notifier needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier hands notifications to the delivery workers over NATS core
// subjects named "<prefix>.<template>".
type NATSNotifier struct {
	conn   publisher
	prefix string
}

func NewNATSNotifier(conn publisher, prefix string) *NATSNotifier {
	return &NATSNotifier{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// ConnectNATS dials the server with reconnects enabled for the process
// lifetime.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func (n *NATSNotifier) Subject(template string) string {
	return n.prefix + "." + template
}

func (n *NATSNotifier) Send(ctx context.Context, userID, template string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(Notification{
		UserID:   userID,
		Template: template,
		Context:  data,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.conn.Publish(n.Subject(template), payload); err != nil {
		return fmt.Errorf("failed to publish notification %s: %w", template, err)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used in development when NATS
// is not configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, userID, template string, data map[string]any) error {
	n.log.Info("notification",
		zap.String("user_id", userID),
		zap.String("template", template),
		zap.Any("context", data),
	)
	return nil
}

// notify sends and swallows the error. Notification failures never change the
// outcome of the operation that triggered them.
func notify(ctx context.Context, n Notifier, log *zap.Logger, userID, template string, data map[string]any) {
	if n == nil {
		return
	}
	if err := n.Send(ctx, userID, template, data); err != nil {
		utils.TrackNotification(template, false)
		log.Warn("notification failed",
			zap.String("user_id", userID),
			zap.String("template", template),
			zap.Error(err),
		)
		return
	}
	utils.TrackNotification(template, true)
}
