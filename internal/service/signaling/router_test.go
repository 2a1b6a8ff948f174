package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/repository/memory"
	"callrelay-backend/internal/service/call"
	"callrelay-backend/internal/service/registry"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) signals(t *testing.T) []domain.SignalEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SignalEnvelope
	for _, raw := range f.frames {
		var env domain.SignalEnvelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == domain.EventSignal {
			out = append(out, env)
		}
	}
	return out
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, *domain.Event, uuid.UUID) registry.DeliveryResult {
	return registry.DeliveryResult{}
}

func (nopPublisher) PublishToUsers(context.Context, []uuid.UUID, *domain.Event) registry.DeliveryResult {
	return registry.DeliveryResult{}
}

func (nopPublisher) CloseChannel(context.Context, string) {}

func (nopPublisher) UnsubscribeUser(context.Context, string, uuid.UUID) {}

type fixture struct {
	calls  *call.Service
	reg    *registry.Registry
	router *Router
}

func newFixture(t *testing.T, allowWhileCalling bool) *fixture {
	t.Helper()
	calls := call.NewService(memory.NewCallStore(), nil, nopPublisher{}, nil, call.Config{RingTimeout: time.Minute})
	t.Cleanup(calls.Shutdown)
	reg := registry.New(4)
	return &fixture{
		calls:  calls,
		reg:    reg,
		router: NewRouter(calls, reg, Config{AllowWhileCalling: allowWhileCalling}),
	}
}

func (f *fixture) directCall(t *testing.T, caller, callee uuid.UUID) *domain.Call {
	t.Helper()
	c, err := f.calls.Initiate(context.Background(), &call.InitiateInput{
		InitiatorID: caller,
		CalleeIDs:   []uuid.UUID{callee},
		Kind:        domain.CallKindVideo,
	})
	require.NoError(t, err)
	return c
}

func TestRelay_DirectCallScenario(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	f.reg.Register(a, c1)
	f.reg.Register(b, c2)

	c := f.directCall(t, a, b)
	_, err := f.calls.Accept(ctx, c.ID, b)
	require.NoError(t, err)

	offer, err := f.router.Relay(ctx, &RelayInput{
		CallID:   c.ID,
		SenderID: a,
		Kind:     domain.SignalOffer,
		Payload:  json.RawMessage(`{"sdp":"v=0 offer"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, offer.Delivered)

	answer, err := f.router.Relay(ctx, &RelayInput{
		CallID:   c.ID,
		SenderID: b,
		Kind:     domain.SignalAnswer,
		Payload:  json.RawMessage(`{"sdp":"v=0 answer"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, answer.Delivered)
	assert.Greater(t, answer.Seq, offer.Seq)

	toB := c2.signals(t)
	require.Len(t, toB, 1)
	assert.Equal(t, domain.SignalOffer, toB[0].Kind)
	assert.Equal(t, a, toB[0].SenderID)
	assert.JSONEq(t, `{"sdp":"v=0 offer"}`, string(toB[0].Payload))

	toA := c1.signals(t)
	require.Len(t, toA, 1)
	assert.Equal(t, domain.SignalAnswer, toA[0].Kind)
	assert.Equal(t, b, toA[0].SenderID)

	ended, err := f.calls.End(ctx, c.ID, a)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateEnded, ended.State)

	_, err = f.calls.ToggleAudio(ctx, c.ID, b)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.router.Relay(ctx, &RelayInput{
		CallID:   c.ID,
		SenderID: a,
		Kind:     domain.SignalCandidate,
		Payload:  json.RawMessage(`{"candidate":"x"}`),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRelay_NonParticipantDeliversNothing(t *testing.T) {
	f := newFixture(t, true)
	a, b, stranger := uuid.New(), uuid.New(), uuid.New()
	conn := &fakeConn{}
	f.reg.Register(b, conn)
	c := f.directCall(t, a, b)

	res, err := f.router.Relay(context.Background(), &RelayInput{
		CallID:   c.ID,
		SenderID: stranger,
		Kind:     domain.SignalOffer,
		Payload:  json.RawMessage(`{}`),
	})

	assert.ErrorIs(t, err, domain.ErrNotParticipant)
	assert.Nil(t, res)
	assert.Empty(t, conn.signals(t))
}

func TestRelay_Validation(t *testing.T) {
	f := newFixture(t, true)
	a, b := uuid.New(), uuid.New()
	c := f.directCall(t, a, b)

	tests := []struct {
		name string
		in   RelayInput
	}{
		{"unknown kind", RelayInput{CallID: c.ID, SenderID: a, Kind: "bye", Payload: json.RawMessage(`{}`)}},
		{"empty payload", RelayInput{CallID: c.ID, SenderID: a, Kind: domain.SignalOffer}},
		{"malformed payload", RelayInput{CallID: c.ID, SenderID: a, Kind: domain.SignalOffer, Payload: json.RawMessage(`{"sdp":`)}},
		{"self target", RelayInput{CallID: c.ID, SenderID: a, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`), TargetID: &a}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			_, err := f.router.Relay(context.Background(), &in)
			assert.ErrorIs(t, err, domain.ErrInvalidSignal)
		})
	}
}

func TestRelay_PayloadLimit(t *testing.T) {
	f := newFixture(t, true)
	f.router = NewRouter(f.calls, f.reg, Config{AllowWhileCalling: true, MaxPayloadBytes: 8})
	a, b := uuid.New(), uuid.New()
	c := f.directCall(t, a, b)

	_, err := f.router.Relay(context.Background(), &RelayInput{
		CallID:   c.ID,
		SenderID: a,
		Kind:     domain.SignalOffer,
		Payload:  json.RawMessage(`{"sdp":"too long"}`),
	})

	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
}

func TestRelay_WhileCalling(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	t.Run("allowed", func(t *testing.T) {
		f := newFixture(t, true)
		conn := &fakeConn{}
		f.reg.Register(b, conn)
		c := f.directCall(t, a, b)

		res, err := f.router.Relay(context.Background(), &RelayInput{
			CallID: c.ID, SenderID: a, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`),
		})

		require.NoError(t, err)
		assert.Equal(t, uint64(1), res.Seq)
		assert.Len(t, conn.signals(t), 1)
	})

	t.Run("disallowed", func(t *testing.T) {
		f := newFixture(t, false)
		c := f.directCall(t, a, b)

		_, err := f.router.Relay(context.Background(), &RelayInput{
			CallID: c.ID, SenderID: a, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`),
		})

		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestRelay_NoReachablePeerIsSoft(t *testing.T) {
	f := newFixture(t, true)
	a, b := uuid.New(), uuid.New()
	c := f.directCall(t, a, b)

	res, err := f.router.Relay(context.Background(), &RelayInput{
		CallID: c.ID, SenderID: a, Kind: domain.SignalCandidate, Payload: json.RawMessage(`{"candidate":"c"}`),
	})

	assert.ErrorIs(t, err, domain.ErrNoReachablePeer)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Recipients)
	assert.Zero(t, res.Delivered)

	// An unreachable signal still consumes its sequence number
	res, err = f.router.Relay(context.Background(), &RelayInput{
		CallID: c.ID, SenderID: a, Kind: domain.SignalCandidate, Payload: json.RawMessage(`{"candidate":"d"}`),
	})
	assert.ErrorIs(t, err, domain.ErrNoReachablePeer)
	assert.Equal(t, uint64(2), res.Seq)
}

func TestRelay_TargetedConferenceSignal(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a, b, d := uuid.New(), uuid.New(), uuid.New()
	connB, connD := &fakeConn{}, &fakeConn{}
	f.reg.Register(b, connB)
	f.reg.Register(d, connD)

	c, err := f.calls.Initiate(ctx, &call.InitiateInput{
		InitiatorID: a,
		CalleeIDs:   []uuid.UUID{b, d},
		Kind:        domain.CallKindConference,
	})
	require.NoError(t, err)
	_, err = f.calls.Accept(ctx, c.ID, b)
	require.NoError(t, err)
	_, err = f.calls.Accept(ctx, c.ID, d)
	require.NoError(t, err)

	res, err := f.router.Relay(ctx, &RelayInput{
		CallID: c.ID, SenderID: a, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`), TargetID: &d,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recipients)
	assert.Empty(t, connB.signals(t))
	require.Len(t, connD.signals(t), 1)
	assert.Equal(t, d, *connD.signals(t)[0].TargetID)

	res, err = f.router.Relay(ctx, &RelayInput{
		CallID: c.ID, SenderID: a, Kind: domain.SignalCandidate, Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	_, err = f.calls.LeaveParticipant(ctx, c.ID, d)
	require.NoError(t, err)
	_, err = f.router.Relay(ctx, &RelayInput{
		CallID: c.ID, SenderID: a, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`), TargetID: &d,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)

	_, err = f.router.Relay(ctx, &RelayInput{
		CallID: c.ID, SenderID: d, Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, domain.ErrNotParticipant, "a participant who left cannot signal")
}

func TestRelay_PerCallOrdering(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	conn := &fakeConn{}
	f.reg.Register(b, conn)
	c := f.directCall(t, a, b)
	_, err := f.calls.Accept(ctx, c.ID, b)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Relay(ctx, &RelayInput{
				CallID: c.ID, SenderID: a, Kind: domain.SignalCandidate, Payload: json.RawMessage(`{}`),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := conn.signals(t)
	require.Len(t, got, n)
	for i, env := range got {
		assert.Equal(t, uint64(i+1), env.Seq)
	}
}

func TestRelay_UnknownCall(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.router.Relay(context.Background(), &RelayInput{
		CallID: uuid.New(), SenderID: uuid.New(), Kind: domain.SignalOffer, Payload: json.RawMessage(`{}`),
	})

	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}
