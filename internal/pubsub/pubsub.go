// Package pubsub carries domain change events from the webhook intake to
// GraphQL subscriptions.
package pubsub

import (
	"context"
	"errors"
	"time"
)

// Topics published by the webhook intake.
const (
	TopicAppointmentCreated       = "appointment.created"
	TopicAppointmentUpdated       = "appointment.updated"
	TopicAppointmentStatusChanged = "appointment.status_changed"
	TopicPatientUpdated           = "patient.updated"
	TopicDoctorStatusChanged      = "doctor.status_changed"
)

// Topics lists every known topic.
var Topics = []string{
	TopicAppointmentCreated,
	TopicAppointmentUpdated,
	TopicAppointmentStatusChanged,
	TopicPatientUpdated,
	TopicDoctorStatusChanged,
}

// ErrClosed is returned by brokers after Close.
var ErrClosed = errors.New("pubsub: broker closed")

// Event is one published message. Payload is the JSON document posted to
// the webhook.
type Event struct {
	Topic       string
	Payload     []byte
	PublishedAt time.Time
}

// Broker fans events out to subscribers. The returned channel is closed
// when ctx ends, when cancel is called, or when the broker closes.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
	Close() error
}
