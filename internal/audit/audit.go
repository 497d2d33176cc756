// Package audit records payment trail events. Every event is written to the
// structured log synchronously and forwarded to Kafka best-effort; dispute
// resolution reads the log, the Kafka topic feeds downstream analytics.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/eacon/tokenpay/internal/infrastructure/kafka"
)

const Topic = "payment-audit"

type Event struct {
	Action     string         `json:"action"`
	UserID     int64          `json:"user_id,omitempty"`
	OrderCode  int64          `json:"order_code,omitempty"`
	ClientIP   string         `json:"client_ip,omitempty"`
	Suspicious bool           `json:"suspicious_activity,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

type Auditor struct {
	producer kafka.KafkaProducer
}

func NewAuditor(producer kafka.KafkaProducer) *Auditor {
	return &Auditor{producer: producer}
}

func (a *Auditor) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	attrs := []any{
		"action", ev.Action,
		"user_id", ev.UserID,
		"order_code", ev.OrderCode,
		"client_ip", ev.ClientIP,
	}
	if ev.Detail != nil {
		attrs = append(attrs, "detail", ev.Detail)
	}
	if ev.Suspicious {
		attrs = append(attrs, "suspicious_activity", true)
		slog.Warn("audit", attrs...)
	} else {
		slog.Info("audit", attrs...)
	}

	if a.producer == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal audit event", "action", ev.Action, "error", err)
		return
	}
	go func() {
		retries := 3
		for i := 0; i < retries; i++ {
			if err := a.producer.Send(context.Background(), Topic, ev.OrderCode, payload); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send audit event after retries",
			"action", ev.Action,
			"order_code", ev.OrderCode)
	}()
}
