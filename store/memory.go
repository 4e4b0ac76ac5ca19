package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrNoGroup is returned when reading from or acking a group that was
// never created.
var ErrNoGroup = errors.New("no such consumer group")

// Memory is an in-process Backend. Expired keys are dropped lazily on
// access. Blocked readers are woken whenever a list or stream grows.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	values  map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
	streams map[string]*memStream
	notify  chan struct{}
	now     func() time.Time
}

type memStream struct {
	lastMs  int64
	seq     int64
	entries []StreamMessage
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int
	pending map[string]string // entry id -> consumer
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]string),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// Close releases blocked readers; every later call returns ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}

// lock acquires the mutex unless the store is closed.
func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Memory) expireLocked(key string) {
	deadline, ok := m.expiry[key]
	if !ok || m.now().Before(deadline) {
		return
	}
	m.deleteLocked(key)
}

func (m *Memory) deleteLocked(key string) {
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.sets, key)
	delete(m.expiry, key)
	delete(m.streams, key)
}

func (m *Memory) existsLocked(key string) bool {
	if _, ok := m.values[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	_, ok := m.streams[key]
	return ok
}

// wait blocks until ch fires, the deadline passes or ctx ends. It reports
// whether the caller should look again.
func wait(ctx context.Context, ch <-chan struct{}, deadline time.Time) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

func (m *Memory) ListPush(ctx context.Context, key, value string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.lists[key] = append(m.lists[key], value)
	m.broadcastLocked()
	return nil
}

func (m *Memory) ListLen(ctx context.Context, key string) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.lists[key])), nil
}

// ListBlockingPop waits up to timeout. A non-positive timeout checks once
// without waiting.
func (m *Memory) ListBlockingPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := m.lock(); err != nil {
			return "", false, err
		}
		m.expireLocked(key)
		if l := m.lists[key]; len(l) > 0 {
			v := l[0]
			if len(l) == 1 {
				delete(m.lists, key)
			} else {
				m.lists[key] = l[1:]
			}
			m.mu.Unlock()
			return v, true, nil
		}
		ch := m.notify
		m.mu.Unlock()

		again, err := wait(ctx, ch, deadline)
		if err != nil || !again {
			return "", false, err
		}
	}
}

func (m *Memory) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetAdd(ctx context.Context, key, member string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) SetRemove(ctx context.Context, key, member string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	if s, ok := m.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

// SetMembers returns members in sorted order.
func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *Memory) GetValue(ctx context.Context, key string) (string, bool, error) {
	if err := m.lock(); err != nil {
		return "", false, err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.expireLocked(key)
	if !m.existsLocked(key) {
		return nil
	}
	m.expiry[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, k := range keys {
		m.deleteLocked(k)
	}
	return nil
}

func (m *Memory) stream(name string) *memStream {
	st, ok := m.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = st
	}
	return st
}

func (m *Memory) StreamAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := m.lock(); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	st := m.stream(stream)
	ms := m.now().UnixMilli()
	if ms <= st.lastMs {
		ms = st.lastMs
		st.seq++
	} else {
		st.lastMs, st.seq = ms, 0
	}
	id := strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(st.seq, 10)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	st.entries = append(st.entries, StreamMessage{ID: id, Fields: copied})
	m.broadcastLocked()
	return id, nil
}

func (m *Memory) CreateGroup(ctx context.Context, stream, group string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	st := m.stream(stream)
	if _, ok := st.groups[group]; !ok {
		st.groups[group] = &memGroup{pending: make(map[string]string)}
	}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)
	for {
		if err := m.lock(); err != nil {
			return nil, err
		}
		st, ok := m.streams[stream]
		var g *memGroup
		if ok {
			g = st.groups[group]
		}
		if g == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("read %s/%s: %w", stream, group, ErrNoGroup)
		}
		if g.next < len(st.entries) {
			end := min(g.next+count, len(st.entries))
			out := make([]StreamMessage, 0, end-g.next)
			for _, e := range st.entries[g.next:end] {
				g.pending[e.ID] = consumer
				fields := make(map[string]string, len(e.Fields))
				for k, v := range e.Fields {
					fields[k] = v
				}
				out = append(out, StreamMessage{ID: e.ID, Fields: fields})
			}
			g.next = end
			m.mu.Unlock()
			return out, nil
		}
		ch := m.notify
		m.mu.Unlock()

		again, err := wait(ctx, ch, deadline)
		if err != nil || !again {
			return nil, err
		}
	}
}

func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	if !ok || st.groups[group] == nil {
		return fmt.Errorf("ack %s/%s: %w", stream, group, ErrNoGroup)
	}
	for _, id := range ids {
		delete(st.groups[group].pending, id)
	}
	return nil
}

// Pending returns the ids delivered to group but not yet acked.
func (m *Memory) Pending(stream, group string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[stream]
	if !ok || st.groups[group] == nil {
		return nil
	}
	out := make([]string, 0, len(st.groups[group].pending))
	for id := range st.groups[group].pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ Backend = (*Memory)(nil)
