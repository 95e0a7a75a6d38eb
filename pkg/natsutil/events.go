package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/fleetradar/pkg/logger"
	"github.com/carverauto/fleetradar/pkg/models"
)

const (
	// RoamingSubject carries one CloudEvent per roaming event.
	RoamingSubject = SubjectPrefix + ".roaming"
	// HealthSubject carries gateway health transitions.
	HealthSubject = SubjectPrefix + ".health"

	RoamingEventType = "com.carverauto.fleetradar.device.roaming"
	HealthEventType  = "com.carverauto.fleetradar.gateway.health"

	defaultSource = "fleetradar/poller"
	meterName     = "fleetradar.natsutil"
)

// EventPublisher publishes CloudEvents to NATS JetStream.
type EventPublisher struct {
	js        jetstream.JetStream
	stream    string
	source    string
	logger    logger.Logger
	published metric.Int64Counter
}

// PublisherOption customises an EventPublisher.
type PublisherOption func(*EventPublisher)

// WithSource sets the CloudEvent source attribute.
func WithSource(source string) PublisherOption {
	return func(p *EventPublisher) { p.source = source }
}

// WithMeterProvider records publish counts on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) PublisherOption {
	return func(p *EventPublisher) { p.published = newPublishCounter(mp) }
}

// NewEventPublisher creates a new EventPublisher for the specified stream.
func NewEventPublisher(js jetstream.JetStream, streamName string, log logger.Logger, opts ...PublisherOption) *EventPublisher {
	p := &EventPublisher{
		js:     js,
		stream: streamName,
		source: defaultSource,
		logger: log,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.published == nil {
		p.published = newPublishCounter(nil)
	}

	return p
}

// Stream returns the stream the publisher writes to.
func (p *EventPublisher) Stream() string { return p.stream }

// PublishRoamingEvents publishes each event with its ID as the JetStream
// message ID, so re-publishing an event inside the duplicate window is a
// no-op. Every event is attempted; the returned error joins the failures.
func (p *EventPublisher) PublishRoamingEvents(ctx context.Context, events []models.RoamingEvent) error {
	var errs []error

	for i := range events {
		ev := events[i]

		if err := p.publish(ctx, RoamingSubject, RoamingEventType, ev.ID, ev.MAC, ev.Timestamp, ev); err != nil {
			errs = append(errs, fmt.Errorf("roaming event %s: %w", ev.ID, err))
		}
	}

	return errors.Join(errs...)
}

// PublishHealthEvent publishes a gateway health transition.
func (p *EventPublisher) PublishHealthEvent(ctx context.Context, data models.GatewayHealthEventData) error {
	if err := p.publish(ctx, HealthSubject, HealthEventType, uuid.NewString(), data.GatewayID, data.Timestamp, data); err != nil {
		return fmt.Errorf("gateway health event %s: %w", data.GatewayID, err)
	}

	return nil
}

func (p *EventPublisher) publish(ctx context.Context, subject, eventType, id, about string, ts time.Time, data any) error {
	if id == "" {
		id = uuid.NewString()
	}

	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              id,
		Source:          p.source,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         about,
		Data:            data,
	}

	if !ts.IsZero() {
		t := ts.UTC()
		event.Time = &t
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		p.record(ctx, eventType, "marshal_error")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := p.js.Publish(ctx, subject, eventBytes, jetstream.WithMsgID(id), jetstream.WithExpectStream(p.stream))
	if err != nil {
		p.record(ctx, eventType, "error")
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	result := "ok"
	if ack.Duplicate {
		result = "duplicate"
	}

	p.record(ctx, eventType, result)

	p.logger.Debug().
		Str("event_id", id).
		Str("subject", subject).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("Published event")

	return nil
}

func (p *EventPublisher) record(ctx context.Context, eventType, result string) {
	if p.published != nil {
		p.published.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", eventType),
			attribute.String("result", result),
		))
	}
}

func newPublishCounter(mp metric.MeterProvider) metric.Int64Counter {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	counter, err := mp.Meter(meterName).Int64Counter(
		"fleetradar_events_published_total",
		metric.WithDescription("CloudEvents published to JetStream by type and result"),
	)
	if err != nil {
		otel.Handle(err)
		return nil
	}

	return counter
}
