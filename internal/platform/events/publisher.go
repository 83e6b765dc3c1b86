package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

// PatientIDHeader carries the ordering key so consumers can partition
// without decoding the body.
const PatientIDHeader = "Patient-Id"

// Envelope is the wire format of a lifecycle event.
type Envelope struct {
	EventID    string           `json:"eventId"`
	PatientID  string           `json:"patientId"`
	EventType  outbox.EventType `json:"eventType"`
	OccurredAt time.Time        `json:"occurredAt"`
	Snapshot   outbox.Snapshot  `json:"snapshot"`
}

func NewEnvelope(ev outbox.LifecycleEvent) Envelope {
	return Envelope{
		EventID:    ev.EventID,
		PatientID:  ev.PatientID.String(),
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt.UTC(),
		Snapshot:   ev.Snapshot,
	}
}

// MsgPublisher is the part of jetstream.JetStream the publisher needs.
type MsgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamPublisher publishes each event on <prefix>.<patientId>. Every
// failure is reported as outbox.ErrUnavailable.
type JetStreamPublisher struct {
	js     MsgPublisher
	prefix string
	stream string
	logger zerolog.Logger
}

var _ outbox.Publisher = (*JetStreamPublisher)(nil)

func NewJetStreamPublisher(js MsgPublisher, prefix, stream string, logger zerolog.Logger) *JetStreamPublisher {
	return &JetStreamPublisher{
		js:     js,
		prefix: prefix,
		stream: stream,
		logger: logger.With().Str("component", "event-publisher").Logger(),
	}
}

func (p *JetStreamPublisher) Subject(ev outbox.LifecycleEvent) string {
	return p.prefix + "." + ev.PatientID.String()
}

func (p *JetStreamPublisher) Publish(ctx context.Context, ev outbox.LifecycleEvent) error {
	data, err := json.Marshal(NewEnvelope(ev))
	if err != nil {
		return fmt.Errorf("%w: encode event %s: %v", outbox.ErrUnavailable, ev.EventID, err)
	}

	msg := nats.NewMsg(p.Subject(ev))
	msg.Data = data
	msg.Header.Set(jetstream.MsgIDHeader, ev.EventID)
	msg.Header.Set(PatientIDHeader, ev.PatientID.String())

	var opts []jetstream.PublishOpt
	if p.stream != "" {
		opts = append(opts, jetstream.WithExpectStream(p.stream))
	}
	ack, err := p.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return fmt.Errorf("%w: publish event %s: %v", outbox.ErrUnavailable, ev.EventID, err)
	}
	if ack != nil && ack.Duplicate {
		p.logger.Debug().Str("event_id", ev.EventID).Msg("event already in stream")
	}
	return nil
}

// LogPublisher writes events to the log instead of a broker. It backs local
// runs without NATS.
type LogPublisher struct {
	logger zerolog.Logger
}

var _ outbox.Publisher = (*LogPublisher)(nil)

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "event-publisher").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev outbox.LifecycleEvent) error {
	p.logger.Info().
		Str("event_id", ev.EventID).
		Str("patient_id", ev.PatientID.String()).
		Str("event_type", string(ev.EventType)).
		Time("occurred_at", ev.OccurredAt).
		Msg("patient lifecycle event")
	return nil
}
