package registry

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
)

// fakeConn records frames; full simulates a saturated send queue
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return domain.ErrConnectionClosed
	}
	if f.full {
		return domain.ErrSendQueueFull
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// MockPresenceObserver is a mock implementation of PresenceObserver
type MockPresenceObserver struct {
	mock.Mock
}

func (m *MockPresenceObserver) UserOnline(userID uuid.UUID) {
	m.Called(userID)
}

func (m *MockPresenceObserver) UserOffline(userID uuid.UUID) {
	m.Called(userID)
}

func TestRegister_IdempotentPerHandle(t *testing.T) {
	r := New(4)
	user := uuid.New()
	conn := &fakeConn{}

	first := r.Register(user, conn)
	second := r.Register(user, conn)

	assert.Equal(t, first, second)
	assert.Len(t, r.ConnectionsFor(user), 1)
}

func TestRegister_MultipleConnectionsPerUser(t *testing.T) {
	r := New(4)
	user := uuid.New()

	c1 := r.Register(user, &fakeConn{})
	c2 := r.Register(user, &fakeConn{})

	assert.NotEqual(t, c1, c2)
	assert.ElementsMatch(t, []uuid.UUID{c1, c2}, r.ConnectionsFor(user))
	assert.True(t, r.IsOnline(user))

	r.Unregister(c1)
	assert.True(t, r.IsOnline(user))
	assert.Equal(t, []uuid.UUID{c2}, r.ConnectionsFor(user))

	r.Unregister(c2)
	assert.False(t, r.IsOnline(user))
	assert.Empty(t, r.ConnectionsFor(user))
}

func TestRegister_IDsNotReusedAfterUnregister(t *testing.T) {
	r := New(4)
	user := uuid.New()
	conn := &fakeConn{}

	first := r.Register(user, conn)
	r.Unregister(first)
	second := r.Register(user, conn)

	assert.NotEqual(t, first, second)
}

func TestUnregister_DropsSubscriptionsSynchronously(t *testing.T) {
	r := New(4)
	user := uuid.New()
	connID := r.Register(user, &fakeConn{})

	require.NoError(t, r.Subscribe(connID, "call:a"))
	require.NoError(t, r.Subscribe(connID, "conversation:b"))

	r.Unregister(connID)

	assert.Empty(t, r.Subscribers("call:a"))
	assert.Empty(t, r.Subscribers("conversation:b"))
	assert.Empty(t, r.Channels())
	assert.Equal(t, Stats{}, r.Stats())
}

func TestUnregister_UnknownIsNoop(t *testing.T) {
	r := New(4)
	assert.NotPanics(t, func() { r.Unregister(uuid.New()) })
}

func TestSubscribe_Errors(t *testing.T) {
	r := New(4)

	err := r.Subscribe(uuid.New(), "call:x")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestPresenceObserver_FirstAndLastConnection(t *testing.T) {
	r := New(4)
	observer := new(MockPresenceObserver)
	r.SetPresenceObserver(observer)
	user := uuid.New()

	// Setup expectations
	observer.On("UserOnline", user).Once()
	observer.On("UserOffline", user).Once()

	// Execute
	c1 := r.Register(user, &fakeConn{})
	c2 := r.Register(user, &fakeConn{})
	r.Unregister(c1)
	r.Unregister(c2)

	// Assert
	observer.AssertExpectations(t)
}

func TestSendToChannel_ReachesOnlySubscribers(t *testing.T) {
	r := New(8)
	const n, m = 5, 3

	var onA, onB []*fakeConn
	for i := 0; i < n; i++ {
		c := &fakeConn{}
		id := r.Register(uuid.New(), c)
		require.NoError(t, r.Subscribe(id, "call:a"))
		onA = append(onA, c)
	}
	for i := 0; i < m; i++ {
		c := &fakeConn{}
		id := r.Register(uuid.New(), c)
		require.NoError(t, r.Subscribe(id, "call:b"))
		onB = append(onB, c)
	}

	res := r.SendToChannel("call:a", []byte(`{"type":"x"}`), uuid.Nil)

	assert.Equal(t, n, res.Delivered)
	assert.Zero(t, res.Dropped)
	for _, c := range onA {
		assert.Equal(t, 1, c.count())
	}
	for _, c := range onB {
		assert.Zero(t, c.count())
	}
}

func TestSendToChannel_ExcludesSender(t *testing.T) {
	r := New(4)
	sender := &fakeConn{}
	other := &fakeConn{}
	senderID := r.Register(uuid.New(), sender)
	otherID := r.Register(uuid.New(), other)
	require.NoError(t, r.Subscribe(senderID, "conversation:c"))
	require.NoError(t, r.Subscribe(otherID, "conversation:c"))

	res := r.SendToChannel("conversation:c", []byte("hi"), senderID)

	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, sender.count())
	assert.Equal(t, 1, other.count())
}

func TestSendToUser_SlowConnectionOnlyLosesItsOwnFrame(t *testing.T) {
	r := New(4)
	user := uuid.New()
	slow := &fakeConn{full: true}
	fast := &fakeConn{}
	slowID := r.Register(user, slow)
	r.Register(user, fast)

	res := r.SendToUser(user, []byte("frame"))

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, []uuid.UUID{slowID}, res.DroppedTo)
	assert.Equal(t, 1, fast.count())
}

func TestDropChannel(t *testing.T) {
	r := New(4)
	c1 := r.Register(uuid.New(), &fakeConn{})
	c2 := r.Register(uuid.New(), &fakeConn{})
	require.NoError(t, r.Subscribe(c1, "call:z"))
	require.NoError(t, r.Subscribe(c2, "call:z"))

	dropped := r.DropChannel("call:z")

	assert.Equal(t, 2, dropped)
	assert.Empty(t, r.Subscribers("call:z"))
	assert.NotContains(t, r.Subscribers("call:z"), c1)

	// Re-subscribing after a drop works from a clean slate
	require.NoError(t, r.Subscribe(c1, "call:z"))
	assert.Equal(t, []uuid.UUID{c1}, r.Subscribers("call:z"))
}

func TestUnsubscribeUser(t *testing.T) {
	r := New(4)
	user := uuid.New()
	c1 := r.Register(user, &fakeConn{})
	c2 := r.Register(user, &fakeConn{})
	other := r.Register(uuid.New(), &fakeConn{})
	for _, id := range []uuid.UUID{c1, c2, other} {
		require.NoError(t, r.Subscribe(id, "call:q"))
	}

	dropped := r.UnsubscribeUser(user, "call:q")

	assert.Equal(t, 2, dropped)
	assert.Equal(t, []uuid.UUID{other}, r.Subscribers("call:q"))
	assert.Zero(t, r.UnsubscribeUser(user, "call:q"))
}

// orderedObserver records presence transitions in the order they arrive
type orderedObserver struct {
	mu     sync.Mutex
	events []bool
}

func (o *orderedObserver) UserOnline(uuid.UUID) {
	o.mu.Lock()
	o.events = append(o.events, true)
	o.mu.Unlock()
}

func (o *orderedObserver) UserOffline(uuid.UUID) {
	o.mu.Lock()
	o.events = append(o.events, false)
	o.mu.Unlock()
}

func TestPresenceObserver_OrderedUnderChurn(t *testing.T) {
	r := New(4)
	observer := &orderedObserver{}
	r.SetPresenceObserver(observer)
	user := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Unregister(r.Register(user, &fakeConn{}))
			}
		}()
	}
	wg.Wait()
	final := r.Register(user, &fakeConn{})

	observer.mu.Lock()
	events := append([]bool(nil), observer.events...)
	observer.mu.Unlock()

	require.NotEmpty(t, events)
	for i, online := range events {
		assert.Equal(t, i%2 == 0, online, "transition %d out of order", i)
	}
	assert.True(t, events[len(events)-1])
	assert.True(t, r.IsOnline(user))
	r.Unregister(final)
}

func TestConcurrentRegisterSubscribeUnregister(t *testing.T) {
	r := New(16)
	const workers = 50
	channels := []string{"call:1", "call:2", "conversation:3"}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := uuid.New()
			id := r.Register(user, &fakeConn{})
			for _, ch := range channels {
				_ = r.Subscribe(id, ch)
				r.SendToChannel(ch, []byte("x"), id)
			}
			r.Unregister(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, Stats{}, r.Stats())
	for _, ch := range channels {
		assert.Empty(t, r.Subscribers(ch))
	}
}

func TestSubscribeAfterUnregisterFails(t *testing.T) {
	r := New(4)
	id := r.Register(uuid.New(), &fakeConn{})
	r.Unregister(id)

	err := r.Subscribe(id, "call:late")

	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
	assert.Empty(t, r.Subscribers("call:late"))
}
