package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ytget/ytdl-web/internal/model"
)

// RedisOptions configures the durable transport
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// DialTimeout bounds connection setup, OpTimeout every read and write
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// Redis is the durable transport backed by a Redis server
type Redis struct {
	client *redis.Client
	addr   string
}

// NewRedis creates a client; no connection is made until the first command
func NewRedis(opts RedisOptions) *Redis {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.OpTimeout,
		WriteTimeout: opts.OpTimeout,
		MaxRetries:   1,
	})
	return &Redis{client: client, addr: opts.Addr}
}

func (r *Redis) Name() string { return "redis" }

// Addr returns the server address
func (r *Redis) Addr() string { return r.addr }

func (r *Redis) Ping(ctx context.Context) error {
	return unavailable("ping", r.client.Ping(ctx).Err())
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return unavailable("publish", r.client.Publish(ctx, channel, payload).Err())
}

func (r *Redis) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return unavailable("hset", r.client.HSet(ctx, key, args...).Err())
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	return values, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return unavailable("sadd", r.client.SAdd(ctx, key, toArgs(members)...).Err())
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return unavailable("srem", r.client.SRem(ctx, key, toArgs(members)...).Err())
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	return members, nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, unavailable("sismember", err)
	}
	return ok, nil
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return unavailable("rpush", r.client.RPush(ctx, key, toArgs(values)...).Err())
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return unavailable("ltrim", r.client.LTrim(ctx, key, start, stop).Err())
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("lrange", err)
	}
	return values, nil
}

// LPopAll reads and deletes the list inside MULTI/EXEC
func (r *Redis) LPopAll(ctx context.Context, key string) ([]string, error) {
	var values *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, unavailable("lpopall", err)
	}
	return values.Val(), nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return unavailable("del", r.client.Del(ctx, keys...).Err())
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return unavailable("expire", r.client.Expire(ctx, key, ttl).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Subscribe opens a pub/sub connection. It returns once the server has
// confirmed every initial channel, so messages published afterwards are seen.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx)
	sub := &redisSubscription{
		ps:      ps,
		out:     make(chan Message, SubscriptionBuffer),
		done:    make(chan struct{}),
		waiters: make(map[string][]chan struct{}),
	}
	go sub.forward(ps.ChannelWithSubscriptions(redis.WithChannelSize(SubscriptionBuffer)))

	if len(channels) > 0 {
		if err := sub.Subscribe(ctx, channels...); err != nil {
			sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}

	mu      sync.Mutex
	waiters map[string][]chan struct{}

	closeOnce sync.Once
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	confirmed := make([]chan struct{}, len(channels))
	s.mu.Lock()
	for i, ch := range channels {
		confirmed[i] = make(chan struct{})
		s.waiters[ch] = append(s.waiters[ch], confirmed[i])
	}
	s.mu.Unlock()

	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return unavailable("subscribe", err)
	}
	for _, c := range confirmed {
		select {
		case <-c:
		case <-s.done:
			return fmt.Errorf("subscription closed")
		case <-ctx.Done():
			return unavailable("subscribe", ctx.Err())
		}
	}
	return nil
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return unavailable("unsubscribe", s.ps.Unsubscribe(ctx, channels...))
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) forward(in <-chan any) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					s.confirm(m.Channel)
				}
			case *redis.Message:
				select {
				case s.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				case <-s.done:
					return
				}
			case *redis.Pong:
			default:
				log.Printf("transport: unexpected pubsub message %T", msg)
			}
		}
	}
}

func (s *redisSubscription) confirm(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.waiters[channel]
	if len(waiters) == 0 {
		return
	}
	close(waiters[0])
	if len(waiters) == 1 {
		delete(s.waiters, channel)
		return
	}
	s.waiters[channel] = waiters[1:]
}

func unavailable(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return fmt.Errorf("%w: redis %s: %v", model.ErrTransportUnavailable, op, err)
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
