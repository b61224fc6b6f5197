package backend

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/ytget/ytdl-web/internal/transport"
)

// Switchable is a transport handle whose implementation can be replaced at
// runtime. Callers keep the handle; subscriptions made through it survive a
// swap because they are re-established on the new transport.
type Switchable struct {
	mu     sync.RWMutex
	cur    transport.Transport
	subs   map[*switchSub]struct{}
	onSwap []func(ctx context.Context)
}

// NewSwitchable wraps initial
func NewSwitchable(initial transport.Transport) *Switchable {
	return &Switchable{cur: initial, subs: make(map[*switchSub]struct{})}
}

// Current returns the transport in use
func (s *Switchable) Current() transport.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// OnSwap registers fn to be called after every swap, once the subscriptions
// have moved. Owners of data kept in the transport use it to rewrite that data
// on the new one.
func (s *Switchable) OnSwap(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwap = append(s.onSwap, fn)
}

// Swap makes next the current transport and moves every open subscription
// onto it, then runs the OnSwap callbacks. Swapping to the current transport
// is a no-op.
func (s *Switchable) Swap(ctx context.Context, next transport.Transport) error {
	s.mu.Lock()
	if s.cur == next {
		s.mu.Unlock()
		return nil
	}
	prev := s.cur
	s.cur = next
	subs := make([]*switchSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	callbacks := slices.Clone(s.onSwap)
	s.mu.Unlock()

	var failed int
	for _, sub := range subs {
		if err := sub.rebind(ctx, next); err != nil {
			failed++
			log.Printf("backend: resubscribe on %s: %v", next.Name(), err)
		}
	}
	log.Printf("backend: switched transport %s -> %s (%d subscriptions)", prev.Name(), next.Name(), len(subs))
	for _, fn := range callbacks {
		fn(context.WithoutCancel(ctx))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subscriptions not moved to %s", failed, len(subs), next.Name())
	}
	return nil
}

func (s *Switchable) Name() string { return s.Current().Name() }

func (s *Switchable) Ping(ctx context.Context) error { return s.Current().Ping(ctx) }

func (s *Switchable) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.Current().Publish(ctx, channel, payload)
}

// Subscribe always returns a subscription. If the current transport refuses
// it the channels are remembered and subscribed on the next swap.
func (s *Switchable) Subscribe(ctx context.Context, channels ...string) (transport.Subscription, error) {
	sub := &switchSub{
		owner:    s,
		out:      make(chan transport.Message, transport.SubscriptionBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	cur := s.cur
	s.mu.Unlock()

	if err := sub.rebind(ctx, cur); err != nil {
		log.Printf("backend: subscribe on %s: %v", cur.Name(), err)
	}
	return sub, nil
}

func (s *Switchable) HSet(ctx context.Context, key string, values map[string]string) error {
	return s.Current().HSet(ctx, key, values)
}

func (s *Switchable) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.Current().HGetAll(ctx, key)
}

func (s *Switchable) SAdd(ctx context.Context, key string, members ...string) error {
	return s.Current().SAdd(ctx, key, members...)
}

func (s *Switchable) SRem(ctx context.Context, key string, members ...string) error {
	return s.Current().SRem(ctx, key, members...)
}

func (s *Switchable) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.Current().SMembers(ctx, key)
}

func (s *Switchable) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.Current().SIsMember(ctx, key, member)
}

func (s *Switchable) RPush(ctx context.Context, key string, values ...string) error {
	return s.Current().RPush(ctx, key, values...)
}

func (s *Switchable) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.Current().LTrim(ctx, key, start, stop)
}

func (s *Switchable) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.Current().LRange(ctx, key, start, stop)
}

func (s *Switchable) LPopAll(ctx context.Context, key string) ([]string, error) {
	return s.Current().LPopAll(ctx, key)
}

func (s *Switchable) Del(ctx context.Context, keys ...string) error {
	return s.Current().Del(ctx, keys...)
}

func (s *Switchable) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.Current().Expire(ctx, key, ttl)
}

// Close closes open subscriptions. The wrapped transports are owned by the
// selector and closed there.
func (s *Switchable) Close() error {
	s.mu.Lock()
	subs := make([]*switchSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type switchSub struct {
	owner *Switchable
	out   chan transport.Message
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	channels map[string]struct{}
	inner    transport.Subscription
	stop     chan struct{}
	closed   bool
}

func (s *switchSub) Messages() <-chan transport.Message {
	return s.out
}

func (s *switchSub) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscription closed")
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	if s.inner == nil {
		return nil
	}
	return s.inner.Subscribe(ctx, channels...)
}

func (s *switchSub) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	if s.inner == nil || len(channels) == 0 {
		return nil
	}
	return s.inner.Unsubscribe(ctx, channels...)
}

func (s *switchSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	inner := s.inner
	s.inner = nil
	s.mu.Unlock()

	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()

	var err error
	if inner != nil {
		err = inner.Close()
	}
	s.wg.Wait()
	close(s.out)
	return err
}

// rebind subscribes the channel set on tr and replaces the previous inner
// subscription
func (s *switchSub) rebind(ctx context.Context, tr transport.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}

	inner, err := tr.Subscribe(ctx, channels...)
	if err != nil {
		return err
	}
	if s.inner != nil {
		close(s.stop)
		go s.inner.Close()
	}
	s.inner = inner
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.forward(inner, s.stop)
	return nil
}

func (s *switchSub) forward(inner transport.Subscription, stop <-chan struct{}) {
	defer s.wg.Done()
	in := inner.Messages()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- msg:
			case <-stop:
				return
			case <-s.done:
				return
			}
		}
	}
}
