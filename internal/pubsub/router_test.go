package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/transport"
)

func newMemoryRouter(t *testing.T, opts Options) (*Router, transport.Transport) {
	t.Helper()
	tr := transport.NewMemory()
	r, err := NewRouter(context.Background(), tr, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		tr.Close()
	})
	return r, tr
}

func newRedisRouter(t *testing.T, opts Options) (*Router, transport.Transport) {
	t.Helper()
	srv := miniredis.RunT(t)
	tr := transport.NewRedis(transport.RedisOptions{Addr: srv.Addr()})
	r, err := NewRouter(context.Background(), tr, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Close()
		tr.Close()
	})
	return r, tr
}

var routers = map[string]func(t *testing.T, opts Options) (*Router, transport.Transport){
	"memory": newMemoryRouter,
	"redis":  newRedisRouter,
}

func next(t *testing.T, q *Queue) model.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := q.Next(ctx)
	require.NoError(t, err)
	return n
}

func message(text string) model.Notification {
	return model.Notification{Type: model.NotificationClientMessage, Priority: model.PriorityNormal, Message: text}
}

func TestRouter(t *testing.T) {
	for name, newRouter := range routers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("broadcast reaches every client", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				var queues []*Queue
				for _, id := range []string{"a", "b", "c"} {
					q, err := r.Connect(ctx, id, nil, nil)
					require.NoError(t, err)
					queues = append(queues, q)
				}

				require.NoError(t, r.Publish(ctx, message("hello")))
				for _, q := range queues {
					n := next(t, q)
					assert.Equal(t, "hello", n.Message)
					assert.NotEmpty(t, n.ID)
					assert.False(t, n.Timestamp.IsZero())
				}
			})

			t.Run("unicast and group addressing", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				qa, err := r.Connect(ctx, "a", []string{"admins"}, nil)
				require.NoError(t, err)
				qb, err := r.Connect(ctx, "b", []string{"viewers"}, nil)
				require.NoError(t, err)

				toA := message("for a")
				toA.ClientID = "a"
				require.NoError(t, r.Publish(ctx, toA))

				toViewers := message("for viewers")
				toViewers.GroupID = "viewers"
				require.NoError(t, r.Publish(ctx, toViewers))

				require.NoError(t, r.Publish(ctx, message("marker")))

				assert.Equal(t, "for a", next(t, qa).Message)
				assert.Equal(t, "marker", next(t, qa).Message)
				assert.Equal(t, "for viewers", next(t, qb).Message)
				assert.Equal(t, "marker", next(t, qb).Message)
			})

			t.Run("per channel order", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				q, err := r.Connect(ctx, "a", nil, nil)
				require.NoError(t, err)

				for i := 0; i < 20; i++ {
					n := message(fmt.Sprint(i))
					n.ClientID = "a"
					require.NoError(t, r.Publish(ctx, n))
				}
				for i := 0; i < 20; i++ {
					assert.Equal(t, fmt.Sprint(i), next(t, q).Message)
				}
			})

			t.Run("fan-out isolation", func(t *testing.T) {
				r, _ := newRouter(t, Options{QueueSize: 2})
				slow, err := r.Connect(ctx, "slow", nil, nil)
				require.NoError(t, err)
				fast, err := r.Connect(ctx, "fast", nil, nil)
				require.NoError(t, err)

				for i := 0; i < 5; i++ {
					require.NoError(t, r.Publish(ctx, message(fmt.Sprint(i))))
					assert.Equal(t, fmt.Sprint(i), next(t, fast).Message)
				}
				require.Eventually(t, func() bool { return slow.Dropped() == 3 }, time.Second, 5*time.Millisecond)
				assert.Equal(t, 2, slow.Len())
				assert.Equal(t, "0", next(t, slow).Message)
			})

			t.Run("replay on reconnect", func(t *testing.T) {
				r, tr := newRouter(t, Options{})
				for i := 0; i < 3; i++ {
					n := message(fmt.Sprint(i))
					n.ClientID = "x"
					require.NoError(t, r.Publish(ctx, n))
				}

				q, err := r.Connect(ctx, "x", nil, nil)
				require.NoError(t, err)
				for i := 0; i < 3; i++ {
					assert.Equal(t, fmt.Sprint(i), next(t, q).Message)
				}

				left, err := tr.LRange(ctx, replayKey("x"), 0, -1)
				require.NoError(t, err)
				assert.Empty(t, left)

				live := message("live")
				live.ClientID = "x"
				require.NoError(t, r.Publish(ctx, live))
				assert.Equal(t, "live", next(t, q).Message)
			})

			t.Run("replay is capped to the newest entries", func(t *testing.T) {
				r, _ := newRouter(t, Options{ReplayLimit: 3})
				for i := 0; i < 5; i++ {
					n := message(fmt.Sprint(i))
					n.ClientID = "x"
					require.NoError(t, r.Publish(ctx, n))
				}
				q, err := r.Connect(ctx, "x", nil, nil)
				require.NoError(t, err)
				for _, want := range []string{"2", "3", "4"} {
					assert.Equal(t, want, next(t, q).Message)
				}
				assert.Zero(t, q.Len())
			})

			t.Run("group garbage collection", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				require.NoError(t, r.Register(ctx, "a", []string{"g"}, nil))
				require.NoError(t, r.Register(ctx, "b", []string{"g"}, nil))

				members, err := r.GetClientsInGroup(ctx, "g")
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b"}, members)

				require.NoError(t, r.Unregister(ctx, "a"))
				members, err = r.GetClientsInGroup(ctx, "g")
				require.NoError(t, err)
				assert.Equal(t, []string{"b"}, members)

				require.NoError(t, r.Unregister(ctx, "b"))
				members, err = r.GetClientsInGroup(ctx, "g")
				require.NoError(t, err)
				assert.Empty(t, members)

				r.mu.RLock()
				_, tracked := r.groups["g"]
				r.mu.RUnlock()
				assert.False(t, tracked)
			})

			t.Run("re-registration updates groups", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				q1, err := r.Connect(ctx, "a", []string{"old"}, nil)
				require.NoError(t, err)
				require.NoError(t, r.Register(ctx, "a", []string{"new"}, map[string]string{"agent": "test"}))

				old, err := r.GetClientsInGroup(ctx, "old")
				require.NoError(t, err)
				assert.Empty(t, old)

				toOld := message("old")
				toOld.GroupID = "old"
				require.NoError(t, r.Publish(ctx, toOld))
				toNew := message("new")
				toNew.GroupID = "new"
				require.NoError(t, r.Publish(ctx, toNew))
				assert.Equal(t, "new", next(t, q1).Message)

				clients, err := r.GetAllClients(ctx)
				require.NoError(t, err)
				require.Len(t, clients, 1)
				assert.Equal(t, []string{"new"}, clients[0].Groups)
				assert.Equal(t, "test", clients[0].Metadata["agent"])
			})

			t.Run("second connection takes over the queue", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				q1, err := r.Connect(ctx, "tab", nil, nil)
				require.NoError(t, err)
				pending := message("pending")
				pending.ClientID = "tab"
				require.NoError(t, r.Publish(ctx, pending))

				q2, err := r.Connect(ctx, "tab", nil, nil)
				require.NoError(t, err)
				assert.NotSame(t, q1, q2)
				_, err = q1.Next(ctx)
				assert.ErrorIs(t, err, ErrQueueClosed)
				assert.Equal(t, "pending", next(t, q2).Message)

				require.NoError(t, r.Release(ctx, q1))
				assert.Equal(t, 1, r.LocalClients())
				live := message("live")
				live.ClientID = "tab"
				require.NoError(t, r.Publish(ctx, live))
				assert.Equal(t, "live", next(t, q2).Message)

				require.NoError(t, r.Release(ctx, q2))
				assert.Zero(t, r.LocalClients())
				_, err = q2.Next(ctx)
				assert.ErrorIs(t, err, ErrQueueClosed)
			})

			t.Run("burst larger than the transport buffer", func(t *testing.T) {
				r, _ := newRouter(t, Options{QueueSize: 4 * transport.SubscriptionBuffer})
				q, err := r.Connect(ctx, "a", nil, nil)
				require.NoError(t, err)

				total := 3 * transport.SubscriptionBuffer
				for i := 0; i < total; i++ {
					require.NoError(t, r.Publish(ctx, message(fmt.Sprint(i))))
				}
				assert.Equal(t, total, q.Len())
				assert.Zero(t, q.Dropped())
				assert.Equal(t, "0", next(t, q).Message)
			})

			t.Run("expired notifications are neither delivered nor replayed", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				past := time.Now().Add(-time.Minute)

				offline := message("stale")
				offline.ClientID = "x"
				offline.ExpiresAt = &past
				require.NoError(t, r.Publish(ctx, offline))

				q, err := r.Connect(ctx, "x", nil, nil)
				require.NoError(t, err)

				stale := message("stale broadcast")
				stale.ExpiresAt = &past
				require.NoError(t, r.Publish(ctx, stale))
				require.NoError(t, r.Publish(ctx, message("fresh")))
				assert.Equal(t, "fresh", next(t, q).Message)
			})

			t.Run("disconnect closes the queue", func(t *testing.T) {
				r, _ := newRouter(t, Options{})
				q, err := r.Connect(ctx, "a", []string{"g"}, nil)
				require.NoError(t, err)
				require.NoError(t, r.Disconnect(ctx, "a"))
				require.NoError(t, r.Disconnect(ctx, "a"))

				_, err = q.Next(ctx)
				assert.ErrorIs(t, err, ErrQueueClosed)
				assert.Zero(t, r.LocalClients())

				clients, err := r.GetAllClients(ctx)
				require.NoError(t, err)
				assert.Empty(t, clients)
			})
		})
	}
}

func TestPublishRejectsDoubleAddress(t *testing.T) {
	r, _ := newMemoryRouter(t, Options{})
	n := message("x")
	n.ClientID = "a"
	n.GroupID = "g"
	assert.ErrorIs(t, r.Publish(context.Background(), n), model.ErrInvalidAddress)
}

func TestTouch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r, _ := newMemoryRouter(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	assert.ErrorIs(t, r.Touch(ctx, "a"), model.ErrClientNotRegistered)

	require.NoError(t, r.Register(ctx, "a", nil, nil))
	now = now.Add(time.Hour)
	require.NoError(t, r.Touch(ctx, "a"))

	clients, err := r.GetAllClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.True(t, clients[0].LastSeen.Equal(now))
	assert.True(t, clients[0].ConnectedAt.Before(now))
}

func TestQueueOverflow(t *testing.T) {
	q := newQueue("a", 1)
	require.NoError(t, q.offer(message("1")))
	assert.ErrorIs(t, q.offer(message("2")), model.ErrDeliveryOverflow)
	assert.Equal(t, int64(1), q.Dropped())

	q.close()
	assert.ErrorIs(t, q.offer(message("3")), ErrQueueClosed)

	n, ok := <-q.C()
	require.True(t, ok)
	assert.Equal(t, "1", n.Message)
	_, ok = <-q.C()
	assert.False(t, ok)
}

func TestChannelFor(t *testing.T) {
	tests := []struct {
		name     string
		n        model.Notification
		expected string
	}{
		{"broadcast", model.Notification{}, BroadcastChannel},
		{"client", model.Notification{ClientID: "a"}, "notifications:client:a"},
		{"group", model.Notification{GroupID: "g"}, "notifications:group:g"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := channelFor(tt.n); got != tt.expected {
				t.Errorf("channelFor() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestRoutersShareTransport(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	defer tr.Close()

	receiver, err := NewRouter(ctx, tr, Options{})
	require.NoError(t, err)
	defer receiver.Close()
	sender, err := NewRouter(ctx, tr, Options{})
	require.NoError(t, err)
	defer sender.Close()

	q, err := receiver.Connect(ctx, "a", []string{"ops"}, nil)
	require.NoError(t, err)

	toA := message("unicast")
	toA.ClientID = "a"
	toOps := message("group")
	toOps.GroupID = "ops"
	for _, n := range []model.Notification{toA, toOps, message("broadcast")} {
		require.NoError(t, sender.Publish(ctx, n))
	}
	for _, want := range []string{"unicast", "group", "broadcast"} {
		assert.Equal(t, want, next(t, q).Message)
	}

	require.NoError(t, receiver.Publish(ctx, message("own")))
	require.NoError(t, sender.Publish(ctx, message("marker")))
	assert.Equal(t, "own", next(t, q).Message)
	assert.Equal(t, "marker", next(t, q).Message, "own publishes are delivered once")
}
