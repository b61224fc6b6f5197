// Package pubsub routes notifications over a transport to per-client delivery
// queues. A notification addressed to a client goes to that client's channel,
// one addressed to a group to the group channel, anything else is broadcast.
// Clients connected to the publishing router are served directly; the
// transport carries the notification to every other router.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ytget/ytdl-web/internal/model"
	"github.com/ytget/ytdl-web/internal/transport"
)

// Channel and key layout in the transport
const (
	BroadcastChannel = "notifications:broadcast"
	clientPrefix     = "notifications:client:"
	groupPrefix      = "notifications:group:"
	clientsKey       = "clients"
)

// ClientChannel returns the unicast channel of a client
func ClientChannel(id string) string { return clientPrefix + id }

// GroupChannel returns the multicast channel of a group
func GroupChannel(group string) string { return groupPrefix + group }

func clientKey(id string) string   { return "client:" + id }
func groupKey(group string) string { return "group:" + group + ":members" }
func replayKey(id string) string   { return "replay:" + id }

// Defaults
const (
	DefaultQueueSize   = 100
	DefaultReplayLimit = 100
	DefaultReplayTTL   = 7 * 24 * time.Hour
	DefaultOpTimeout   = 2 * time.Second
)

// Options configures a Router
type Options struct {
	QueueSize   int
	ReplayLimit int
	ReplayTTL   time.Duration
	// OpTimeout bounds every transport round trip
	OpTimeout time.Duration
	Now       func() time.Time
}

// envelope is the transport payload. A router skips envelopes it published
// itself since their local recipients were served at publish time.
type envelope struct {
	Origin       string             `json:"origin"`
	Notification model.Notification `json:"notification"`
}

// swapNotifier is implemented by transport handles whose backend can be
// replaced at runtime
type swapNotifier interface {
	OnSwap(fn func(ctx context.Context))
}

type localClient struct {
	client model.Client
	queue  *Queue
	// held buffers live notifications that arrive while the replay queue
	// is being drained
	held      []model.Notification
	replaying bool
}

// Router is the single fan-out point between publishers and client queues
type Router struct {
	id   string
	tr   transport.Transport
	opts Options
	sub  transport.Subscription

	mu      sync.RWMutex
	clients map[string]*localClient
	groups  map[string]map[string]struct{} // local members per group

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRouter subscribes to the broadcast channel and starts the delivery loop
func NewRouter(ctx context.Context, tr transport.Transport, opts Options) (*Router, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = DefaultReplayLimit
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = DefaultReplayTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	subCtx, cancel := context.WithTimeout(ctx, opts.OpTimeout)
	defer cancel()
	sub, err := tr.Subscribe(subCtx, BroadcastChannel)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", BroadcastChannel, err)
	}

	r := &Router{
		id:      uuid.NewString(),
		tr:      tr,
		opts:    opts,
		sub:     sub,
		clients: make(map[string]*localClient),
		groups:  make(map[string]map[string]struct{}),
		done:    make(chan struct{}),
	}
	if sw, ok := tr.(swapNotifier); ok {
		sw.OnSwap(func(ctx context.Context) {
			select {
			case <-r.done:
			default:
				r.Resync(ctx)
			}
		})
	}
	r.wg.Add(1)
	go r.deliverLoop()
	return r, nil
}

// Connect registers a client and returns a delivery queue for the calling
// connection. Connecting an id that is already connected replaces the group
// set and hands the pending notifications to a new queue; the previous queue
// is closed so its reader stops. Notifications sent to the client while it
// was offline are queued first.
func (r *Router) Connect(ctx context.Context, clientID string, groups []string, metadata map[string]string) (*Queue, error) {
	return r.connect(ctx, clientID, groups, metadata, true)
}

// Register records a client without taking over its queue. Registering an id
// again keeps the queue and replaces the group set.
func (r *Router) Register(ctx context.Context, clientID string, groups []string, metadata map[string]string) error {
	_, err := r.connect(ctx, clientID, groups, metadata, false)
	return err
}

func (r *Router) connect(ctx context.Context, clientID string, groups []string, metadata map[string]string, takeover bool) (*Queue, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is empty")
	}
	groups = normalizeGroups(groups)
	now := r.opts.Now()

	r.mu.Lock()
	lc, existing := r.clients[clientID]
	var joined, left []string
	if existing {
		for _, g := range lc.client.Groups {
			if !slices.Contains(groups, g) {
				left = append(left, g)
			}
		}
		for _, g := range groups {
			if !lc.client.InGroup(g) {
				joined = append(joined, g)
			}
		}
		lc.client.Groups = groups
		lc.client.LastSeen = now
		if metadata != nil {
			lc.client.Metadata = maps.Clone(metadata)
		}
		if takeover {
			lc.queue = lc.queue.handover(r.opts.QueueSize)
		}
	} else {
		joined = groups
		lc = &localClient{
			client: model.Client{
				ID:          clientID,
				Groups:      groups,
				ConnectedAt: now,
				LastSeen:    now,
				Metadata:    maps.Clone(metadata),
			},
			queue:     newQueue(clientID, r.opts.QueueSize),
			replaying: true,
		}
		r.clients[clientID] = lc
	}
	subscribe := r.joinGroupsLocked(clientID, joined)
	unsubscribe := r.leaveGroupsLocked(clientID, left)
	if !existing {
		subscribe = append(subscribe, ClientChannel(clientID))
	}
	client := lc.client
	queue := lc.queue
	r.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()

	if err := r.sub.Subscribe(opCtx, subscribe...); err != nil {
		log.Printf("pubsub: subscribe client %s: %v", clientID, err)
	}
	if err := r.sub.Unsubscribe(opCtx, unsubscribe...); err != nil {
		log.Printf("pubsub: unsubscribe client %s: %v", clientID, err)
	}
	r.storeMembership(opCtx, client, left)

	if !existing {
		r.replay(opCtx, clientID)
	}
	return queue, nil
}

// Disconnect unregisters a client, closes its queue and drops group channels
// that have no local members left. Unknown ids are ignored.
func (r *Router) Disconnect(ctx context.Context, clientID string) error {
	return r.disconnect(ctx, clientID, nil)
}

// Release disconnects the owner of q if q is still its current queue. A
// connection whose queue was taken over by a newer one releases nothing.
func (r *Router) Release(ctx context.Context, q *Queue) error {
	return r.disconnect(ctx, q.ClientID(), q)
}

func (r *Router) disconnect(ctx context.Context, clientID string, q *Queue) error {
	r.mu.Lock()
	lc, ok := r.clients[clientID]
	if !ok || (q != nil && lc.queue != q) {
		r.mu.Unlock()
		return nil
	}
	delete(r.clients, clientID)
	unsubscribe := append(r.leaveGroupsLocked(clientID, lc.client.Groups), ClientChannel(clientID))
	r.mu.Unlock()

	lc.queue.close()

	opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()

	if err := r.sub.Unsubscribe(opCtx, unsubscribe...); err != nil {
		log.Printf("pubsub: unsubscribe client %s: %v", clientID, err)
	}
	r.forget(opCtx, lc.client)
	return nil
}

// forget removes the client's membership records from the transport
func (r *Router) forget(ctx context.Context, c model.Client) {
	if err := r.tr.SRem(ctx, clientsKey, c.ID); err != nil {
		log.Printf("pubsub: remove client %s: %v", c.ID, err)
	}
	if err := r.tr.Del(ctx, clientKey(c.ID)); err != nil {
		log.Printf("pubsub: delete client %s: %v", c.ID, err)
	}
	r.removeFromGroups(ctx, c.ID, c.Groups)
}

// Unregister is an alias of Disconnect
func (r *Router) Unregister(ctx context.Context, clientID string) error {
	return r.Disconnect(ctx, clientID)
}

// Touch refreshes a client's last_seen timestamp
func (r *Router) Touch(ctx context.Context, clientID string) error {
	now := r.opts.Now()
	r.mu.Lock()
	lc, ok := r.clients[clientID]
	if ok {
		lc.client.LastSeen = now
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrClientNotRegistered, clientID)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	return r.tr.HSet(opCtx, clientKey(clientID), map[string]string{"last_seen": now.UTC().Format(time.RFC3339Nano)})
}

// Publish sends n to its target channel. A unicast notification for a client
// that is not registered anywhere is appended to the client's replay queue
// instead. Expired notifications are dropped.
func (r *Router) Publish(ctx context.Context, n model.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	now := r.opts.Now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	if n.Expired(now) {
		log.Printf("pubsub: notification %s expired before publish, dropped", n.ID)
		return nil
	}
	payload, err := json.Marshal(envelope{Origin: r.id, Notification: n})
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.ID, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()

	local := r.deliverLocal(n)
	if n.ClientID != "" && !local {
		online, err := r.tr.SIsMember(opCtx, clientsKey, n.ClientID)
		if err != nil {
			return err
		}
		if !online {
			entry, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("encode notification %s: %w", n.ID, err)
			}
			return r.enqueueReplay(opCtx, n.ClientID, entry)
		}
	}
	return r.tr.Publish(opCtx, channelFor(n), payload)
}

// Resync writes the membership of every local client to the transport. It
// runs after the backend behind a switchable handle changes, so the new
// backend knows who is connected.
func (r *Router) Resync(ctx context.Context) {
	r.mu.RLock()
	clients := make([]model.Client, 0, len(r.clients))
	for _, lc := range r.clients {
		c := lc.client
		c.Groups = slices.Clone(c.Groups)
		c.Metadata = maps.Clone(c.Metadata)
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	for _, c := range clients {
		r.storeMembership(opCtx, c, nil)
		r.mu.RLock()
		_, still := r.clients[c.ID]
		r.mu.RUnlock()
		if !still {
			r.forget(opCtx, c)
		}
	}
	if len(clients) > 0 {
		log.Printf("pubsub: resynced %d clients on %s", len(clients), r.tr.Name())
	}
}

// GetClientsInGroup returns the ids registered in group across all processes
func (r *Router) GetClientsInGroup(ctx context.Context, group string) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	members, err := r.tr.SMembers(opCtx, groupKey(group))
	if err != nil {
		return nil, err
	}
	slices.Sort(members)
	return members, nil
}

// GetAllClients returns every registered client. Clients whose record
// disappeared between the two reads are skipped.
func (r *Router) GetAllClients(ctx context.Context) ([]model.Client, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	ids, err := r.tr.SMembers(opCtx, clientsKey)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)

	clients := make([]model.Client, 0, len(ids))
	for _, id := range ids {
		h, err := r.tr.HGetAll(opCtx, clientKey(id))
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}
		c, err := model.ClientFromHash(h)
		if err != nil {
			log.Printf("pubsub: skipping client %s: %v", id, err)
			continue
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// LocalClients returns the number of clients connected to this router
func (r *Router) LocalClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close stops the delivery loop and closes every local queue
func (r *Router) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	close(r.done)
	err := r.sub.Close()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, lc := range r.clients {
		lc.queue.close()
		delete(r.clients, id)
	}
	return err
}

func (r *Router) deliverLoop() {
	defer r.wg.Done()
	msgs := r.sub.Messages()
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.deliver(msg)
		}
	}
}

func (r *Router) deliver(msg transport.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Printf("pubsub: bad payload on %s: %v", msg.Channel, err)
		return
	}
	if env.Origin == r.id || env.Notification.Expired(r.opts.Now()) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fanOutLocked(msg.Channel, env.Notification)
}

// deliverLocal offers n to the local clients it addresses and reports whether
// there were any
func (r *Router) deliverLocal(n model.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fanOutLocked(channelFor(n), n)
}

func (r *Router) fanOutLocked(channel string, n model.Notification) bool {
	var delivered bool
	switch {
	case channel == BroadcastChannel:
		for _, lc := range r.clients {
			r.offerLocked(lc, n)
			delivered = true
		}
	case strings.HasPrefix(channel, clientPrefix):
		if lc, ok := r.clients[strings.TrimPrefix(channel, clientPrefix)]; ok {
			r.offerLocked(lc, n)
			delivered = true
		}
	case strings.HasPrefix(channel, groupPrefix):
		for id := range r.groups[strings.TrimPrefix(channel, groupPrefix)] {
			if lc, ok := r.clients[id]; ok {
				r.offerLocked(lc, n)
				delivered = true
			}
		}
	}
	return delivered
}

func (r *Router) offerLocked(lc *localClient, n model.Notification) {
	if lc.replaying {
		lc.held = append(lc.held, n)
		return
	}
	_ = lc.queue.offer(n)
}

func (r *Router) replay(ctx context.Context, clientID string) {
	payloads, err := r.tr.LPopAll(ctx, replayKey(clientID))
	if err != nil {
		log.Printf("pubsub: read replay queue for %s: %v", clientID, err)
	}

	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.clients[clientID]
	if !ok {
		return
	}
	for _, p := range payloads {
		var n model.Notification
		if err := json.Unmarshal([]byte(p), &n); err != nil {
			log.Printf("pubsub: bad replay entry for %s: %v", clientID, err)
			continue
		}
		if n.Expired(now) {
			continue
		}
		_ = lc.queue.offer(n)
	}
	if len(payloads) > 0 {
		log.Printf("pubsub: replayed %d notifications to %s", len(payloads), clientID)
	}
	for _, n := range lc.held {
		_ = lc.queue.offer(n)
	}
	lc.held = nil
	lc.replaying = false
}

func (r *Router) enqueueReplay(ctx context.Context, clientID string, payload []byte) error {
	key := replayKey(clientID)
	if err := r.tr.RPush(ctx, key, string(payload)); err != nil {
		return err
	}
	if err := r.tr.LTrim(ctx, key, int64(-r.opts.ReplayLimit), -1); err != nil {
		return err
	}
	return r.tr.Expire(ctx, key, r.opts.ReplayTTL)
}

func (r *Router) storeMembership(ctx context.Context, c model.Client, left []string) {
	if err := r.tr.HSet(ctx, clientKey(c.ID), c.ToHash()); err != nil {
		log.Printf("pubsub: store client %s: %v", c.ID, err)
	}
	if err := r.tr.SAdd(ctx, clientsKey, c.ID); err != nil {
		log.Printf("pubsub: add client %s: %v", c.ID, err)
	}
	for _, g := range c.Groups {
		if err := r.tr.SAdd(ctx, groupKey(g), c.ID); err != nil {
			log.Printf("pubsub: add %s to group %s: %v", c.ID, g, err)
		}
	}
	r.removeFromGroups(ctx, c.ID, left)
}

// removeFromGroups drops the client from each group set and deletes sets
// left empty
func (r *Router) removeFromGroups(ctx context.Context, clientID string, groups []string) {
	for _, g := range groups {
		if err := r.tr.SRem(ctx, groupKey(g), clientID); err != nil {
			log.Printf("pubsub: remove %s from group %s: %v", clientID, g, err)
			continue
		}
		members, err := r.tr.SMembers(ctx, groupKey(g))
		if err == nil && len(members) == 0 {
			_ = r.tr.Del(ctx, groupKey(g))
		}
	}
}

// joinGroupsLocked records local membership and returns the group channels
// this router was not subscribed to yet
func (r *Router) joinGroupsLocked(clientID string, groups []string) []string {
	var channels []string
	for _, g := range groups {
		members := r.groups[g]
		if members == nil {
			members = make(map[string]struct{})
			r.groups[g] = members
			channels = append(channels, GroupChannel(g))
		}
		members[clientID] = struct{}{}
	}
	return channels
}

// leaveGroupsLocked removes local membership and returns the group channels
// that no local client needs anymore
func (r *Router) leaveGroupsLocked(clientID string, groups []string) []string {
	var channels []string
	for _, g := range groups {
		members, ok := r.groups[g]
		if !ok {
			continue
		}
		delete(members, clientID)
		if len(members) == 0 {
			delete(r.groups, g)
			channels = append(channels, GroupChannel(g))
		}
	}
	return channels
}

func channelFor(n model.Notification) string {
	switch {
	case n.ClientID != "":
		return ClientChannel(n.ClientID)
	case n.GroupID != "":
		return GroupChannel(n.GroupID)
	}
	return BroadcastChannel
}

func normalizeGroups(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g != "" && !slices.Contains(out, g) {
			out = append(out, g)
		}
	}
	return out
}
