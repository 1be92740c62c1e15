// Package queue defines the transport contract the orchestrator needs
// from a queue: a durable FIFO per queue name with at-least-once
// delivery. Two implementations ship with it, an in-process queue for
// tests and tooling, and a Redis list-backed queue.
package queue

import (
	"context"
	"errors"
)

// Response is the processor's verdict on a delivery.
type Response int

const (
	// Ack deletes the message.
	Ack Response = iota
	// Reject discards the message without redelivery (poison message).
	Reject
	// Requeue makes the message available for redelivery.
	Requeue
)

func (r Response) String() string {
	switch r {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Message is the envelope pushed onto a queue: a job class name plus its
// argument map. Orchestrator-controlled routing markers (batch_id,
// job_position, …) travel inside Args.
type Message struct {
	Class string         `json:"class"`
	Args  map[string]any `json:"args"`
}

// Delivery is one received message. MessageID is assigned by the
// transport on push and is stable across redeliveries.
type Delivery struct {
	Message
	MessageID  string
	QueueName  string
	Deliveries int
}

// PushOptions carries transport hints. Delay and retry handling are the
// transport's business; the orchestrator only passes them through.
type PushOptions struct {
	MaxRetries int
	DelaySec   int
}

// ErrQueueClosed is returned by Receive after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue is the durable FIFO contract. Redeliveries are permitted; the
// orchestrator's storage logic is idempotent under them.
type Queue interface {
	// Push enqueues the message on the named queue.
	Push(ctx context.Context, queueName string, msg Message, opts PushOptions) error

	// Receive blocks until a message is available on the named queue or
	// the context is done.
	Receive(ctx context.Context, queueName string) (*Delivery, error)

	// Settle acknowledges a delivery with one of the response sentinels.
	Settle(ctx context.Context, d *Delivery, resp Response) error
}
