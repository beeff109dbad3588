// Package publish pushes newly created alerts onto the message bus so
// external consumers (SOAR tooling, notification services) can react
// without polling the API.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/cortex/internal/model"
)

// AlertSubject is the NATS subject alerts are published on.
const AlertSubject = "cortex.alerts"

// AlertPublisher publishes alerts to NATS.
type AlertPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewAlertPublisher creates an alert publisher over an existing NATS
// connection.
func NewAlertPublisher(conn *nats.Conn, logger *zap.Logger) *AlertPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertPublisher{conn: conn, logger: logger}
}

// PublishAlert publishes one alert to the cortex.alerts subject with
// routing metadata in the message headers.
func (p *AlertPublisher) PublishAlert(ctx context.Context, alert *model.Alert) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-alert-id", alert.ID)
	headers.Set("x-event-id", alert.EventID)
	headers.Set("x-severity", string(alert.Severity))
	headers.Set("x-timestamp", time.Now().UTC().Format(time.RFC3339))
	if alert.MitreTechniqueID != nil {
		headers.Set("x-mitre-technique", *alert.MitreTechniqueID)
	}

	msg := &nats.Msg{
		Subject: AlertSubject,
		Data:    payload,
		Header:  headers,
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.logger.Info("Published alert",
		zap.String("alert_id", alert.ID),
		zap.String("event_id", alert.EventID),
		zap.String("severity", string(alert.Severity)),
		zap.String("subject", AlertSubject))
	return nil
}
