// Package queue is a FIFO message queue with per-group ordering,
// content-based deduplication, a fixed delivery delay and a visibility
// timeout for received messages.
package queue

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Message is one queued message. ID doubles as the receipt handle.
type Message struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"groupId"`
	Body         string    `json:"body"`
	DedupID      string    `json:"dedupId"`
	SentAt       time.Time `json:"sentAt"`
	ReceiveCount int       `json:"receiveCount"`
}

// Options tune delivery.
type Options struct {
	// DeliveryDelay postpones the first delivery of every message.
	DeliveryDelay time.Duration
	// DedupWindow drops sends whose body was already sent within the window.
	DedupWindow time.Duration
	// VisibilityTimeout hides a received message until it is deleted or the
	// timeout passes, after which it is delivered again.
	VisibilityTimeout time.Duration
}

// DefaultOptions returns a 5 minute delay and dedup window.
func DefaultOptions() Options {
	return Options{
		DeliveryDelay:     5 * time.Minute,
		DedupWindow:       5 * time.Minute,
		VisibilityTimeout: 6 * time.Minute,
	}
}

// Queue delivers at most one in-flight message per group, in send order.
type Queue interface {
	// Send enqueues body. It reports false when the body was deduplicated.
	Send(ctx context.Context, groupID, body string) (bool, error)
	// Receive returns up to max messages that are due.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Delete acknowledges a received message.
	Delete(ctx context.Context, id string) error
}

// DedupID derives the deduplication id from the message body.
func DedupID(body string) string {
	sum := blake2b.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
