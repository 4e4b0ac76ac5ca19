// Package natsstream implements store.Streams on NATS JetStream. Every
// logical stream is a subject under one JetStream stream and every consumer
// group is a durable pull consumer filtered to that subject.
package natsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/GoCodeAlone/taskforge/store"
)

// Streams is a store.Streams backed by JetStream. Entry ids are the
// JetStream stream sequence in decimal.
type Streams struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	prefix string

	mu      sync.Mutex
	pending map[string]jetstream.Msg
}

// Connect dials url and ensures a JetStream stream called name exists,
// capturing subjects under name.
func Connect(ctx context.Context, url, name string) (*Streams, error) {
	nc, err := nats.Connect(url, nats.Name("taskforge"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s, err := New(ctx, nc, name)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller keeps ownership of nc
// unless the Streams was created by Connect.
func New(ctx context.Context, nc *nats.Conn, name string) (*Streams, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	prefix := token(name)
	st, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     prefix,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", prefix, err)
	}
	return &Streams{
		nc:      nc,
		js:      js,
		stream:  st,
		prefix:  prefix,
		pending: make(map[string]jetstream.Msg),
	}, nil
}

// Close drains the connection.
func (s *Streams) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

// token makes name safe for use as a subject token and consumer name.
func token(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', ':', '/', '\\':
			return '_'
		}
		return r
	}, name)
}

func (s *Streams) subject(stream string) string { return s.prefix + "." + token(stream) }

func consumerName(stream, group string) string { return token(stream) + "__" + token(group) }

func pendingKey(stream, group, id string) string { return stream + "\x00" + group + "\x00" + id }

func (s *Streams) StreamAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode stream fields: %w", err)
	}
	ack, err := s.js.Publish(ctx, s.subject(stream), data)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", stream, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (s *Streams) CreateGroup(ctx context.Context, stream, group string) error {
	_, err := s.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName(stream, group),
		FilterSubject: s.subject(stream),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s/%s: %w", stream, group, err)
	}
	return nil
}

func (s *Streams) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]store.StreamMessage, error) {
	if count <= 0 {
		count = 1
	}
	cons, err := s.stream.Consumer(ctx, consumerName(stream, group))
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("read %s/%s: %w", stream, group, store.ErrNoGroup)
	}
	if err != nil {
		return nil, fmt.Errorf("get consumer: %w", err)
	}

	var batch jetstream.MessageBatch
	if block <= 0 {
		batch, err = cons.FetchNoWait(count)
	} else {
		batch, err = cons.Fetch(count, jetstream.FetchMaxWait(block))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", stream, group, err)
	}

	var out []store.StreamMessage
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Nak()
			continue
		}
		var fields map[string]string
		if err := json.Unmarshal(msg.Data(), &fields); err != nil {
			// Not ours; drop it so it is not redelivered forever.
			_ = msg.Term()
			continue
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		s.mu.Lock()
		s.pending[pendingKey(stream, group, id)] = msg
		s.mu.Unlock()
		out = append(out, store.StreamMessage{ID: id, Fields: fields})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch %s/%s: %w", stream, group, err)
	}
	return out, nil
}

// Ack acknowledges entries previously returned by ReadGroup on this
// instance. Unknown ids are ignored.
func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	for _, id := range ids {
		key := pendingKey(stream, group, id)
		s.mu.Lock()
		msg, ok := s.pending[key]
		delete(s.pending, key)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("ack %s: %w", id, err)
		}
	}
	return nil
}

var _ store.Streams = (*Streams)(nil)
