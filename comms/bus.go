package comms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskforge/store"
)

// Delivery is a message read from an agent channel together with the
// stream entry id needed to ack it.
type Delivery struct {
	EntryID string
	Message *Message
}

// Bus sends messages onto per-agent streams and the results stream, and
// reads an agent's own stream through its consumer group.
type Bus struct {
	streams store.Streams

	mu      sync.RWMutex
	history []*Message
	maxHist int
}

// NewBus creates a Bus over streams with a 1000-message history cap.
func NewBus(streams store.Streams) *Bus {
	return &Bus{streams: streams, maxHist: 1000}
}

// Open provisions the channel and consumer group of agentID.
func (b *Bus) Open(ctx context.Context, agentID string) error {
	if err := b.streams.CreateGroup(ctx, AgentStream(agentID), AgentGroup(agentID)); err != nil {
		return fmt.Errorf("open channel %s: %w", agentID, err)
	}
	return nil
}

// Send appends msg to the channel of agentID and returns the entry id.
func (b *Bus) Send(ctx context.Context, agentID string, msg *Message) (string, error) {
	msg.AgentID = agentID
	return b.add(ctx, AgentStream(agentID), msg)
}

// Broadcast sends a copy of msg to each agent and returns how many sends
// succeeded. The first failure is returned after all agents were tried.
func (b *Bus) Broadcast(ctx context.Context, agentIDs []string, msg *Message) (int, error) {
	sent := 0
	var firstErr error
	for _, id := range agentIDs {
		m := *msg
		if _, err := b.Send(ctx, id, &m); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}

// PublishResult appends a result message to the results stream.
func (b *Bus) PublishResult(ctx context.Context, msg *Message) (string, error) {
	return b.add(ctx, ResultsStream, msg)
}

func (b *Bus) add(ctx context.Context, stream string, msg *Message) (string, error) {
	fields, err := Encode(msg)
	if err != nil {
		return "", err
	}
	id, err := b.streams.StreamAdd(ctx, stream, fields)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", stream, err)
	}

	b.mu.Lock()
	b.history = append(b.history, msg)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	b.mu.Unlock()
	return id, nil
}

// Receive reads up to count undelivered messages from the channel of
// agentID, waiting up to block. Entries that fail to decode are acked and
// skipped.
func (b *Bus) Receive(ctx context.Context, agentID, consumer string, count int, block time.Duration) ([]Delivery, error) {
	stream, group := AgentStream(agentID), AgentGroup(agentID)
	entries, err := b.streams.ReadGroup(ctx, stream, group, consumer, count, block)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", agentID, err)
	}
	out := make([]Delivery, 0, len(entries))
	for _, e := range entries {
		msg, err := Decode(e.Fields)
		if err != nil {
			_ = b.streams.Ack(ctx, stream, group, e.ID)
			continue
		}
		out = append(out, Delivery{EntryID: e.ID, Message: msg})
	}
	return out, nil
}

// Ack marks deliveries of agentID as processed.
func (b *Bus) Ack(ctx context.Context, agentID string, entryIDs ...string) error {
	return b.streams.Ack(ctx, AgentStream(agentID), AgentGroup(agentID), entryIDs...)
}

// History returns the most recent limit messages sent to agentID, oldest
// first. Result messages count as sent to the reporting agent.
func (b *Bus) History(agentID string, limit int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if m.AgentID == agentID {
			result = append(result, m)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}
