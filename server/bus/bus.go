// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bus carries JSON messages over durable at-least-once queues.
package bus

import (
	"context"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
)

// Topics.
const (
	TopicWithdrawalCreation = "withdrawal_creation"
	TopicWithdrawalUpdate   = "withdrawal_update"
	TopicDepositCreation    = "deposit_creation"
	TopicDepositUpdate      = "deposit_update"
)

// Disposition is a Handler's verdict on a message.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Requeue redelivers the message later.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	}
	return "unknown"
}

// Handler processes one message payload.
type Handler func(ctx context.Context, payload []byte) Disposition

// Publisher sends a JSON encoded message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg any) error
}

// Consumer delivers the messages of a topic to a Handler until the context is
// canceled.
type Consumer interface {
	Consume(ctx context.Context, topic string, h Handler) error
}

// Events publishes ledger row lifecycle events. A failure to publish is
// logged and otherwise ignored since the ledger change has already been
// committed.
type Events struct {
	pub Publisher
	log custody.Logger
}

// NewEvents is the constructor for Events.
func NewEvents(pub Publisher, log custody.Logger) *Events {
	return &Events{pub: pub, log: log}
}

func (e *Events) publish(ctx context.Context, topic string, id int64, msg any) {
	if err := e.pub.Publish(ctx, topic, msg); err != nil {
		e.log.Errorf("Failed to publish %s for row %d: %v", topic, id, err)
		return
	}
	e.log.Tracef("Published %s for row %d", topic, id)
}

// DepositCreated publishes a newly detected deposit.
func (e *Events) DepositCreated(ctx context.Context, d *db.Deposit) {
	e.publish(ctx, TopicDepositCreation, d.ID, d)
}

// DepositUpdated publishes a deposit status change.
func (e *Events) DepositUpdated(ctx context.Context, d *db.Deposit) {
	e.publish(ctx, TopicDepositUpdate, d.ID, d)
}

// WithdrawalUpdated publishes a broadcast withdrawal.
func (e *Events) WithdrawalUpdated(ctx context.Context, w *db.Withdrawal) {
	e.publish(ctx, TopicWithdrawalUpdate, w.ID, w)
}
