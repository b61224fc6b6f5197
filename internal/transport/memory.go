package transport

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ytget/ytdl-web/internal/model"
)

// Memory is the in-process fallback. It keeps the Redis data model (hashes,
// sets, lists, key expiry and pub/sub) in local maps, so it is complete for a
// single process but neither persistent nor shared.
type Memory struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	expiry map[string]time.Time
	subs   map[*memorySubscription]struct{}
	closed bool
	// dropped counts messages lost to full subscriber buffers
	dropped atomic.Int64
	now     func() time.Time
}

// NewMemory creates an empty in-memory transport
func NewMemory() *Memory {
	return &Memory{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		expiry: make(map[string]time.Time),
		subs:   make(map[*memorySubscription]struct{}),
		now:    time.Now,
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

// Publish hands the payload to every subscription of channel without
// blocking; a subscriber whose buffer is full loses the message.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for sub := range m.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.out <- Message{Channel: channel, Payload: slices.Clone(payload)}:
		default:
			if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Printf("transport: memory subscriber full, dropped message on %s (%d dropped)", channel, n)
			}
		}
	}
	return nil
}

// Dropped returns how many messages were lost to full subscriber buffers
func (m *Memory) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		m:        m,
		out:      make(chan Message, SubscriptionBuffer),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	m.subs[sub] = struct{}{}
	return sub, nil
}

func (m *Memory) HSet(ctx context.Context, key string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string, len(values))
		m.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v
	}
	return nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	if len(members) == 0 {
		return nil
	}
	s := m.sets[key]
	if s == nil {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	s := m.sets[key]
	for _, member := range members {
		delete(s, member)
	}
	if s != nil && len(s) == 0 {
		m.deleteKey(key)
	}
	return nil
}

// SMembers returns the members sorted
func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	slices.Sort(members)
	return members, nil
}

func (m *Memory) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	m.expire(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Memory) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	list, ok := m.lists[key]
	if !ok {
		return nil
	}
	lo, hi, ok := listBounds(len(list), start, stop)
	if !ok {
		m.deleteKey(key)
		return nil
	}
	m.lists[key] = slices.Clone(list[lo : hi+1])
	return nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)
	list := m.lists[key]
	lo, hi, ok := listBounds(len(list), start, stop)
	if !ok {
		return []string{}, nil
	}
	return slices.Clone(list[lo : hi+1]), nil
}

func (m *Memory) LPopAll(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expire(key)
	list := m.lists[key]
	m.deleteKey(key)
	if list == nil {
		return []string{}, nil
	}
	return list, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, key := range keys {
		m.deleteKey(key)
	}
	return nil
}

// Expire sets a TTL on an existing key; expired keys are dropped lazily on
// their next access
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expire(key)
	if !m.exists(key) {
		return nil
	}
	if ttl <= 0 {
		m.deleteKey(key)
		return nil
	}
	m.expiry[key] = m.now().Add(ttl)
	return nil
}

// Close drops all data and ends every subscription
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		close(sub.out)
	}
	m.subs = nil
	return nil
}

func (m *Memory) check() error {
	if m.closed {
		return fmt.Errorf("%w: memory transport closed", model.ErrTransportUnavailable)
	}
	return nil
}

func (m *Memory) exists(key string) bool {
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	_, ok := m.lists[key]
	return ok
}

func (m *Memory) expire(key string) {
	deadline, ok := m.expiry[key]
	if ok && !m.now().Before(deadline) {
		m.deleteKey(key)
	}
}

func (m *Memory) deleteKey(key string) {
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.lists, key)
	delete(m.expiry, key)
}

// listBounds resolves Redis style inclusive indexes, negative ones counting
// from the end
func listBounds(n int, start, stop int64) (int, int, bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop), true
}

type memorySubscription struct {
	m        *Memory
	out      chan Message
	channels map[string]struct{} // guarded by m.mu
	closed   bool
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Subscribe(ctx context.Context, channels ...string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscription closed")
	}
	if err := s.m.check(); err != nil {
		return err
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *memorySubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *memorySubscription) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.m.closed {
		delete(s.m.subs, s)
		close(s.out)
	}
	return nil
}
