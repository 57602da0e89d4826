// Package workitem is a durable delayed work queue for asynchronous feed
// side effects such as deferred deletes and replay fan-out.
package workitem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
)

type Kind string

var ErrLeaseNotFound = errors.New("work item lease not found")

// Item is one stored work item. Attempt counts finished handler runs.
type Item struct {
	ID         string
	Kind       Kind
	Payload    []byte
	Attempt    int
	NotBefore  time.Time
	CreatedAt  time.Time
	LeaseID    string
	LeaseUntil time.Time
	LastError  string
}

// Store persists work items. Claim hands out at most one due item under a
// lease; the holder must finish it with Done, Retry or Dead.
type Store interface {
	Put(ctx context.Context, kind Kind, payload []byte, delay time.Duration) (string, error)
	Claim(ctx context.Context, leaseTTL time.Duration) (*Item, error)
	Done(ctx context.Context, leaseID string) error
	Retry(ctx context.Context, leaseID string, delay time.Duration, lastErr string) error
	Dead(ctx context.Context, leaseID string, reason string) error
	Close() error
}

// Enqueuer publishes typed work items with a visibility delay.
type Enqueuer[T any] interface {
	Publish(ctx context.Context, item T, delay time.Duration) error
}

// Publisher enqueues typed payloads of one kind.
type Publisher[T any] struct {
	Store Store
	Kind  Kind
}

func NewPublisher[T any](store Store, kind Kind) *Publisher[T] {
	return &Publisher[T]{Store: store, Kind: kind}
}

// Publish stores item so that it becomes due after delay.
func (p *Publisher[T]) Publish(ctx context.Context, item T, delay time.Duration) error {
	if p == nil || p.Store == nil {
		return errors.New("workitem: publisher has no store")
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("workitem: encode %s: %w", p.Kind, err)
	}
	if delay < 0 {
		delay = 0
	}
	_, err = p.Store.Put(ctx, p.Kind, payload, delay)
	return err
}

// PublishWithSplit groups items into chunks of at most batchSize, builds one
// work item per chunk and publishes each with the delay chosen for it.
func PublishWithSplit[T, B any](ctx context.Context, p Enqueuer[B], items []T, batchSize int, build func([]T) B, delay func(B) time.Duration) error {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		batch := build(items[start:end])
		var d time.Duration
		if delay != nil {
			d = delay(batch)
		}
		if err := p.Publish(ctx, batch, d); err != nil {
			return err
		}
	}
	return nil
}

func newID() string {
	return xid.New().String()
}
