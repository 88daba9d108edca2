// Package events publishes verification lifecycle transitions. Events
// carry the storage key only, never the phone number.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"msisdn-gateway/internal/model"
	"msisdn-gateway/internal/util"
)

type Publisher interface {
	Publish(ctx context.Context, ev model.VerificationEvent)
}

// Producer is satisfied by *client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaPublisher keys messages by HmacID so one session's events stay in
// order on a single partition. Publishing failures are logged, not
// returned.
type KafkaPublisher struct {
	producer Producer
	now      func() time.Time
}

func NewKafkaPublisher(p Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p, now: time.Now}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev model.VerificationEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = k.now().UTC()
	}

	value, err := json.Marshal(ev)
	if err != nil {
		util.Error("Failed to encode verification event", zap.Error(err))
		return
	}
	headers := map[string]string{"event-type": string(ev.Type)}
	if err := k.producer.ProduceMessage(ctx, []byte(ev.HmacID), value, headers); err != nil {
		util.Warn("Failed to publish verification event",
			zap.String("type", string(ev.Type)),
			util.HmacID(ev.HmacID),
			zap.Error(err))
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, model.VerificationEvent) {}
