// Package store defines the key-value and stream contract the scheduler,
// registry and dispatcher keep their shared state in, plus the backends
// that implement it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store closed")

// Store is the key-value half of the contract: lists, hashes, sets and
// plain values with optional expiry.
type Store interface {
	// ListPush appends value at the tail of the list at key.
	ListPush(ctx context.Context, key, value string) error

	// ListLen returns the number of elements in the list at key.
	ListLen(ctx context.Context, key string) (int64, error)

	// ListBlockingPop removes and returns the head of the list at key,
	// waiting up to timeout for an element. ok is false when the wait
	// elapsed with the list still empty. Two callers never receive the
	// same element.
	ListBlockingPop(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)

	// HashSet merges fields into the hash at key.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// HashGetAll returns every field of the hash at key. A missing key
	// yields an empty map.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetValue stores a plain value. A zero ttl means no expiry.
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error

	// GetValue returns the plain value at key, ok is false if absent.
	GetValue(ctx context.Context, key string) (value string, ok bool, err error)

	// Expire sets a time-to-live on an existing key of any kind.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes keys of any kind. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	Close() error
}

// StreamMessage is one entry read from a stream.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// Streams is the append-only stream half of the contract, used for the
// per-agent dispatch channels and the result log.
type Streams interface {
	// StreamAdd appends an entry and returns its id.
	StreamAdd(ctx context.Context, stream string, fields map[string]string) (string, error)

	// CreateGroup creates a consumer group reading from the start of the
	// stream. Creating an existing group is not an error.
	CreateGroup(ctx context.Context, stream, group string) error

	// ReadGroup delivers up to count entries not yet delivered to group,
	// waiting up to block when none are available.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error)

	// Ack marks delivered entries as processed by group.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// Backend is a store that provides both halves of the contract.
type Backend interface {
	Store
	Streams
}

type composite struct {
	Store
	Streams
}

// Compose pairs a key-value store with a separate stream implementation.
// Close closes only kv.
func Compose(kv Store, streams Streams) Backend {
	return composite{Store: kv, Streams: streams}
}
