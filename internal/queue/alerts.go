package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/metrics"
)

// TypeAlert tags messages carrying an attendance.Alert.
const TypeAlert = "alert"

const publishTimeout = 2 * time.Second

// AlertSink publishes anomaly alerts onto a Queue. Failures are logged and counted only.
type AlertSink struct {
	q Queue
}

// NewAlertSink wraps q as an attendance.AlertSink.
func NewAlertSink(q Queue) *AlertSink {
	return &AlertSink{q: q}
}

// Emit implements attendance.AlertSink.
func (s *AlertSink) Emit(ctx context.Context, alert attendance.Alert) {
	err := s.publish(ctx, alert)
	metrics.AlertPublished(err)
	if err != nil {
		log.Printf("alert publish failed session=%s device=%s: %v", alert.SessionID, alert.DeviceID, err)
	}
}

func (s *AlertSink) publish(ctx context.Context, alert attendance.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	// The scan request may finish before a slow broker does.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return s.q.Publish(ctx, Message{Type: TypeAlert, Body: body})
}

// DecodeAlert extracts an alert from a queue message.
func DecodeAlert(msg Message) (attendance.Alert, error) {
	if msg.Type != TypeAlert {
		return attendance.Alert{}, fmt.Errorf("queue: unexpected message type %q", msg.Type)
	}
	var alert attendance.Alert
	if err := json.Unmarshal(msg.Body, &alert); err != nil {
		return attendance.Alert{}, fmt.Errorf("queue: decode alert: %w", err)
	}
	return alert, nil
}

// ConsumeAlerts decodes alert messages from q and hands each to deliver until ctx is done.
// Messages of other types and undecodable alerts are logged and skipped.
func ConsumeAlerts(ctx context.Context, q Queue, deliver func(attendance.Alert)) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		alert, err := DecodeAlert(msg)
		if err != nil {
			log.Printf("alert consumer: %v", err)
			continue
		}
		deliver(alert)
	}
	return nil
}
