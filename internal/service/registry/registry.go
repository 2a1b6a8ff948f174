// Package registry tracks live client connections per user and their
// channel subscriptions. It is the only place that knows which transport
// handle belongs to which user.
package registry

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/logger"
)

// Connection is a live client transport.
// Send must not block: a full outbound queue returns domain.ErrSendQueueFull
// and a closed transport returns domain.ErrConnectionClosed.
// Implementations must be comparable (pointer types) so Register can be idempotent.
type Connection interface {
	Send(data []byte) error
	Close()
}

// PresenceObserver is notified when a user gains their first connection
// or loses their last one. Calls happen under the user's shard lock so the
// notifications for one user arrive in registry order; they must not block.
type PresenceObserver interface {
	UserOnline(userID uuid.UUID)
	UserOffline(userID uuid.UUID)
}

// DeliveryResult reports fan-out and backpressure for one send
type DeliveryResult struct {
	Delivered int         `json:"delivered"`
	Dropped   int         `json:"dropped"`
	DroppedTo []uuid.UUID `json:"-"`
}

func (r *DeliveryResult) add(o DeliveryResult) {
	r.Delivered += o.Delivered
	r.Dropped += o.Dropped
	r.DroppedTo = append(r.DroppedTo, o.DroppedTo...)
}

// Stats is a point-in-time size of the registry
type Stats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

// entry is one registered connection. mu guards channels and closed.
// Lock order: entry.mu before chanShard.mu.
type entry struct {
	id     uuid.UUID
	userID uuid.UUID
	conn   Connection

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

type userShard struct {
	mu    sync.RWMutex
	users map[uuid.UUID]map[uuid.UUID]*entry
}

type connShard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*entry
}

type chanShard struct {
	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]*entry
}

// Registry is a sharded map of users, connections and channel subscriptions.
// There is no global lock; each shard is guarded independently.
type Registry struct {
	users []*userShard
	conns []*connShard
	chans []*chanShard

	// handles maps a Connection to its ID so re-registering the same handle is a no-op
	handles sync.Map

	observer PresenceObserver
}

// New creates a registry with the given number of shards per map
func New(shards int) *Registry {
	if shards <= 0 {
		shards = 1
	}
	r := &Registry{
		users: make([]*userShard, shards),
		conns: make([]*connShard, shards),
		chans: make([]*chanShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.users[i] = &userShard{users: make(map[uuid.UUID]map[uuid.UUID]*entry)}
		r.conns[i] = &connShard{conns: make(map[uuid.UUID]*entry)}
		r.chans[i] = &chanShard{subs: make(map[string]map[uuid.UUID]*entry)}
	}
	return r
}

// SetPresenceObserver installs the online/offline hook. Call before serving traffic.
func (r *Registry) SetPresenceObserver(o PresenceObserver) {
	r.observer = o
}

func (r *Registry) userShard(id uuid.UUID) *userShard {
	return r.users[xxhash.Sum64(id[:])%uint64(len(r.users))]
}

func (r *Registry) connShard(id uuid.UUID) *connShard {
	return r.conns[xxhash.Sum64(id[:])%uint64(len(r.conns))]
}

func (r *Registry) chanShard(name string) *chanShard {
	return r.chans[xxhash.Sum64String(name)%uint64(len(r.chans))]
}

// Register records conn as a live connection of userID and returns its ID.
// IDs are random and never reused. Registering the same handle twice returns the first ID.
func (r *Registry) Register(userID uuid.UUID, conn Connection) uuid.UUID {
	id := uuid.New()
	if existing, loaded := r.handles.LoadOrStore(conn, id); loaded {
		return existing.(uuid.UUID)
	}

	e := &entry{
		id:       id,
		userID:   userID,
		conn:     conn,
		channels: make(map[string]struct{}),
	}

	cs := r.connShard(id)
	cs.mu.Lock()
	cs.conns[id] = e
	cs.mu.Unlock()

	us := r.userShard(userID)
	us.mu.Lock()
	set, ok := us.users[userID]
	if !ok {
		set = make(map[uuid.UUID]*entry)
		us.users[userID] = set
	}
	set[id] = e
	if !ok && r.observer != nil {
		r.observer.UserOnline(userID)
	}
	us.mu.Unlock()

	logger.Debug("Connection registered", logger.UserID(userID), logger.ConnID(id))
	return id
}

// Unregister removes the connection and all of its subscriptions before returning.
// Unknown IDs are ignored.
func (r *Registry) Unregister(connID uuid.UUID) {
	cs := r.connShard(connID)
	cs.mu.Lock()
	e, ok := cs.conns[connID]
	if ok {
		delete(cs.conns, connID)
	}
	cs.mu.Unlock()
	if !ok {
		return
	}
	r.handles.Delete(e.conn)

	e.mu.Lock()
	e.closed = true
	channels := e.channels
	e.channels = nil
	e.mu.Unlock()

	for name := range channels {
		r.removeSubscriber(name, connID)
	}

	us := r.userShard(e.userID)
	us.mu.Lock()
	if set, ok := us.users[e.userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(us.users, e.userID)
			if r.observer != nil {
				r.observer.UserOffline(e.userID)
			}
		}
	}
	us.mu.Unlock()

	logger.Debug("Connection unregistered",
		logger.UserID(e.userID),
		logger.ConnID(connID),
		zap.Int("channels", len(channels)))
}

func (r *Registry) lookup(connID uuid.UUID) (*entry, bool) {
	cs := r.connShard(connID)
	cs.mu.RLock()
	e, ok := cs.conns[connID]
	cs.mu.RUnlock()
	return e, ok
}

// UserOf returns the user that owns connID
func (r *Registry) UserOf(connID uuid.UUID) (uuid.UUID, bool) {
	e, ok := r.lookup(connID)
	if !ok {
		return uuid.Nil, false
	}
	return e.userID, true
}

// ConnectionsFor returns the live connection IDs of a user, empty when offline
func (r *Registry) ConnectionsFor(userID uuid.UUID) []uuid.UUID {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.users[userID]
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether the user has at least one live connection
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[userID]) > 0
}

// Subscribe adds connID to the channel's subscriber set.
// Authorization is the caller's job; the registry only records membership.
func (r *Registry) Subscribe(connID uuid.UUID, channel string) error {
	e, ok := r.lookup(connID)
	if !ok {
		return domain.ErrConnectionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrConnectionClosed
	}
	if _, dup := e.channels[channel]; dup {
		return nil
	}
	e.channels[channel] = struct{}{}

	sh := r.chanShard(channel)
	sh.mu.Lock()
	set, ok := sh.subs[channel]
	if !ok {
		set = make(map[uuid.UUID]*entry)
		sh.subs[channel] = set
	}
	set[connID] = e
	sh.mu.Unlock()
	return nil
}

// Unsubscribe removes connID from the channel and reports whether it was subscribed.
// Missing subscriptions are ignored.
func (r *Registry) Unsubscribe(connID uuid.UUID, channel string) bool {
	e, ok := r.lookup(connID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, subscribed := e.channels[channel]; !subscribed {
		return false
	}
	delete(e.channels, channel)
	r.removeSubscriber(channel, connID)
	return true
}

// UnsubscribeUser removes every connection of userID from the channel and
// returns how many subscriptions were dropped
func (r *Registry) UnsubscribeUser(userID uuid.UUID, channel string) int {
	n := 0
	for _, id := range r.ConnectionsFor(userID) {
		if r.Unsubscribe(id, channel) {
			n++
		}
	}
	return n
}

func (r *Registry) removeSubscriber(channel string, connID uuid.UUID) {
	sh := r.chanShard(channel)
	sh.mu.Lock()
	if set, ok := sh.subs[channel]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(sh.subs, channel)
		}
	}
	sh.mu.Unlock()
}

// DropChannel removes all subscriptions to a channel and returns how many were dropped
func (r *Registry) DropChannel(channel string) int {
	sh := r.chanShard(channel)
	sh.mu.Lock()
	set := sh.subs[channel]
	delete(sh.subs, channel)
	sh.mu.Unlock()

	for _, e := range set {
		e.mu.Lock()
		delete(e.channels, channel)
		e.mu.Unlock()
	}
	return len(set)
}

// Subscribers returns the connection IDs currently subscribed to a channel
func (r *Registry) Subscribers(channel string) []uuid.UUID {
	sh := r.chanShard(channel)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set := sh.subs[channel]
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Channels returns every channel with at least one subscriber
func (r *Registry) Channels() []string {
	var names []string
	for _, sh := range r.chans {
		sh.mu.RLock()
		for name := range sh.subs {
			names = append(names, name)
		}
		sh.mu.RUnlock()
	}
	return names
}

// SendToChannel delivers data to every subscriber of channel except exclude.
// Pass uuid.Nil to exclude nobody.
func (r *Registry) SendToChannel(channel string, data []byte, exclude uuid.UUID) DeliveryResult {
	sh := r.chanShard(channel)
	sh.mu.RLock()
	targets := make([]*entry, 0, len(sh.subs[channel]))
	for id, e := range sh.subs[channel] {
		if id != exclude {
			targets = append(targets, e)
		}
	}
	sh.mu.RUnlock()

	return deliver(targets, data)
}

// SendToUser delivers data to every live connection of userID
func (r *Registry) SendToUser(userID uuid.UUID, data []byte) DeliveryResult {
	us := r.userShard(userID)
	us.mu.RLock()
	targets := make([]*entry, 0, len(us.users[userID]))
	for _, e := range us.users[userID] {
		targets = append(targets, e)
	}
	us.mu.RUnlock()

	return deliver(targets, data)
}

// SendToUsers delivers data to every live connection of each user
func (r *Registry) SendToUsers(userIDs []uuid.UUID, data []byte) DeliveryResult {
	var res DeliveryResult
	for _, id := range userIDs {
		res.add(r.SendToUser(id, data))
	}
	return res
}

// SendToConn delivers data to a single connection
func (r *Registry) SendToConn(connID uuid.UUID, data []byte) error {
	e, ok := r.lookup(connID)
	if !ok {
		return domain.ErrConnectionNotFound
	}
	return e.conn.Send(data)
}

// Stats returns counts across all shards
func (r *Registry) Stats() Stats {
	var s Stats
	for _, sh := range r.users {
		sh.mu.RLock()
		s.Users += len(sh.users)
		sh.mu.RUnlock()
	}
	for _, sh := range r.conns {
		sh.mu.RLock()
		s.Connections += len(sh.conns)
		sh.mu.RUnlock()
	}
	for _, sh := range r.chans {
		sh.mu.RLock()
		s.Channels += len(sh.subs)
		sh.mu.RUnlock()
	}
	return s
}

// CloseAll closes every registered transport. Used on shutdown.
func (r *Registry) CloseAll() {
	for _, sh := range r.conns {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.conns))
		for _, e := range sh.conns {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
		for _, e := range entries {
			e.conn.Close()
		}
	}
}

// deliver never blocks: a slow connection only loses its own frame
func deliver(targets []*entry, data []byte) DeliveryResult {
	res := DeliveryResult{}
	for _, e := range targets {
		if err := e.conn.Send(data); err != nil {
			res.Dropped++
			res.DroppedTo = append(res.DroppedTo, e.id)
			if !errors.Is(err, domain.ErrConnectionClosed) {
				logger.Warn("Dropped frame for slow connection",
					logger.UserID(e.userID),
					logger.ConnID(e.id),
					zap.Error(err))
			}
			continue
		}
		res.Delivered++
	}
	return res
}
