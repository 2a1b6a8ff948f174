package call

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/service/call"
	"callrelay-backend/internal/service/signaling"
	"callrelay-backend/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockCallService is a mock implementation of CallService
type MockCallService struct {
	mock.Mock
}

func (m *MockCallService) result(args mock.Arguments) (*domain.Call, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallService) Initiate(ctx context.Context, in *call.InitiateInput) (*domain.Call, error) {
	return m.result(m.Called(ctx, in))
}

func (m *MockCallService) Accept(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) Reject(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) End(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) JoinParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) LeaveParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) ToggleAudio(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) ToggleVideo(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	return m.result(m.Called(ctx, callID, userID))
}

func (m *MockCallService) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

// MockRelayer is a mock implementation of Relayer
type MockRelayer struct {
	mock.Mock
}

func (m *MockRelayer) Relay(ctx context.Context, in *signaling.RelayInput) (*signaling.RelayResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*signaling.RelayResult), args.Error(1)
}

func newRouter(h *Handler, userID uuid.UUID) *gin.Engine {
	r := gin.New()
	group := r.Group("/v1/calls", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	})
	h.RegisterRoutes(group, nil)
	return r
}

func do(r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, response.Response) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestInitiateCall(t *testing.T) {
	svc := new(MockCallService)
	userID, callee := uuid.New(), uuid.New()
	r := newRouter(NewHandler(svc, new(MockRelayer)), userID)
	created := &domain.Call{ID: uuid.New(), InitiatorID: userID, Kind: domain.CallKindVideo, State: domain.CallStateCalling}

	// Setup expectations
	svc.On("Initiate", mock.Anything, mock.MatchedBy(func(in *call.InitiateInput) bool {
		return in.InitiatorID == userID &&
			len(in.CalleeIDs) == 1 && in.CalleeIDs[0] == callee &&
			in.Kind == domain.CallKindVideo &&
			in.ConversationID == nil
	})).Return(created, nil)

	// Execute
	w, resp := do(r, http.MethodPost, "/v1/calls/initiate", map[string]any{
		"call_type":  "video",
		"callee_ids": []string{callee.String()},
	})

	// Assert
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, resp.Success)
	svc.AssertExpectations(t)
}

func TestInitiateCall_Validation(t *testing.T) {
	svc := new(MockCallService)
	r := newRouter(NewHandler(svc, new(MockRelayer)), uuid.New())

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing callees", map[string]any{"call_type": "audio"}},
		{"bad call type", map[string]any{"call_type": "fax", "callee_ids": []string{uuid.NewString()}}},
		{"bad callee id", map[string]any{"call_type": "audio", "callee_ids": []string{"nope"}}},
		{"bad conversation id", map[string]any{"call_type": "audio", "callee_ids": []string{uuid.NewString()}, "conversation_id": "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(r, http.MethodPost, "/v1/calls/initiate", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
		})
	}
	svc.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
}

func TestTransitions_MapDomainErrors(t *testing.T) {
	userID, callID := uuid.New(), uuid.New()

	tests := []struct {
		name   string
		method string
		path   string
		op     string
		err    error
		status int
		code   string
	}{
		{"accept conflict", http.MethodPost, "/accept", "Accept", domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{"reject stranger", http.MethodPost, "/reject", "Reject", domain.ErrNotParticipant, http.StatusForbidden, "NOT_PARTICIPANT"},
		{"end unknown", http.MethodPost, "/end", "End", domain.ErrCallNotFound, http.StatusNotFound, "CALL_NOT_FOUND"},
		{"join conflict", http.MethodPost, "/join", "JoinParticipant", domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{"leave stranger", http.MethodPost, "/leave", "LeaveParticipant", domain.ErrNotParticipant, http.StatusForbidden, "NOT_PARTICIPANT"},
		{"audio ended", http.MethodPost, "/audio/toggle", "ToggleAudio", domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{"video ended", http.MethodPost, "/video/toggle", "ToggleVideo", domain.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
		{"get stranger", http.MethodGet, "", "Get", domain.ErrNotParticipant, http.StatusForbidden, "NOT_PARTICIPANT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockCallService)
			r := newRouter(NewHandler(svc, new(MockRelayer)), userID)
			svc.On(tt.op, mock.Anything, callID, userID).Return(nil, tt.err)

			w, resp := do(r, tt.method, "/v1/calls/"+callID.String()+tt.path, nil)

			assert.Equal(t, tt.status, w.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestEndCall(t *testing.T) {
	svc := new(MockCallService)
	userID, callID := uuid.New(), uuid.New()
	r := newRouter(NewHandler(svc, new(MockRelayer)), userID)

	svc.On("End", mock.Anything, callID, userID).
		Return(&domain.Call{ID: callID, State: domain.CallStateEnded}, nil)

	w, resp := do(r, http.MethodPost, "/v1/calls/"+callID.String()+"/end", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "ended", data["status"])
}

func TestTransition_InvalidCallID(t *testing.T) {
	svc := new(MockCallService)
	r := newRouter(NewHandler(svc, new(MockRelayer)), uuid.New())

	w, _ := do(r, http.MethodPost, "/v1/calls/not-a-uuid/accept", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCallHistory(t *testing.T) {
	svc := new(MockCallService)
	userID := uuid.New()
	r := newRouter(NewHandler(svc, new(MockRelayer)), userID)

	svc.On("History", mock.Anything, userID, 2, 2).
		Return([]*domain.Call{{ID: uuid.New()}, {ID: uuid.New()}}, nil)

	w, resp := do(r, http.MethodGet, "/v1/calls/history?page=2&limit=2", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["page"])
	assert.Equal(t, true, data["has_more"])
	assert.Len(t, data["items"], 2)
	svc.AssertExpectations(t)
}

func TestGetCallHistory_Empty(t *testing.T) {
	svc := new(MockCallService)
	userID := uuid.New()
	r := newRouter(NewHandler(svc, new(MockRelayer)), userID)

	svc.On("History", mock.Anything, userID, 20, 0).Return(nil, nil)

	w, resp := do(r, http.MethodGet, "/v1/calls/history", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, false, data["has_more"])
	assert.Equal(t, []any{}, data["items"])
}

func TestSignal(t *testing.T) {
	router := new(MockRelayer)
	userID, callID, target := uuid.New(), uuid.New(), uuid.New()
	r := newRouter(NewHandler(new(MockCallService), router), userID)

	// Setup expectations
	router.On("Relay", mock.Anything, mock.MatchedBy(func(in *signaling.RelayInput) bool {
		return in.CallID == callID &&
			in.SenderID == userID &&
			in.Kind == domain.SignalOffer &&
			in.TargetID != nil && *in.TargetID == target &&
			string(in.Payload) == `{"sdp":"v=0"}`
	})).Return(&signaling.RelayResult{Seq: 3, Recipients: 1, Delivered: 2}, nil)

	// Execute
	w, resp := do(r, http.MethodPost, "/v1/calls/"+callID.String()+"/signal", map[string]any{
		"kind":      "offer",
		"payload":   map[string]string{"sdp": "v=0"},
		"target_id": target.String(),
	})

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(3), data["seq"])
	assert.Equal(t, float64(2), data["delivered"])
	router.AssertExpectations(t)
}

func TestSignal_NoReachablePeer(t *testing.T) {
	router := new(MockRelayer)
	userID, callID := uuid.New(), uuid.New()
	r := newRouter(NewHandler(new(MockCallService), router), userID)

	router.On("Relay", mock.Anything, mock.Anything).
		Return(&signaling.RelayResult{Seq: 1, Recipients: 1}, domain.ErrNoReachablePeer)

	w, resp := do(r, http.MethodPost, "/v1/calls/"+callID.String()+"/signal", map[string]any{
		"kind":    "candidate",
		"payload": map[string]string{"candidate": "a=1"},
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "NO_REACHABLE_PEER", resp.Warning)
}

func TestSignal_Rejected(t *testing.T) {
	router := new(MockRelayer)
	r := newRouter(NewHandler(new(MockCallService), router), uuid.New())

	router.On("Relay", mock.Anything, mock.Anything).Return(nil, domain.ErrInvalidSignal)

	w, resp := do(r, http.MethodPost, "/v1/calls/"+uuid.NewString()+"/signal", map[string]any{
		"kind":    "hello",
		"payload": map[string]string{},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_SIGNAL", resp.Error.Code)
}
