package events

import (
	"context"
	"errors"
)

// AllPartitions subscribes a handler to every tenant partition.
const AllPartitions = "*"

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

// Delivery describes one delivery attempt of an envelope.
type Delivery struct {
	Partition string
	// Attempt starts at 1 and increases on every redelivery of the same event
	// to the same subscription.
	Attempt int
	// Token identifies the delivery to the transport (offset, queue sequence).
	Token string
}

// Handler processes one delivery. Returning nil acknowledges the event;
// returning an error asks the bus to redeliver it.
type Handler func(ctx context.Context, env Envelope, d Delivery) error

// Publisher is the producing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, partition string, env Envelope) error
}

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	ID() string
	Name() string
	Partition() string
}

// Bus publishes envelopes and delivers them to subscribers.
type Bus interface {
	Publisher
	Subscribe(partition, name string, h Handler) (Subscription, error)
	Unsubscribe(sub Subscription) error
	Close() error
}

// Matches reports whether a subscription partition receives events published
// to partition.
func Matches(subPartition, partition string) bool {
	return subPartition == AllPartitions || subPartition == partition
}

// Discard is a Publisher that drops every envelope.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, Envelope) error { return nil }
