package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type localSet map[uuid.UUID]bool

func (s localSet) IsOnline(userID uuid.UUID) bool { return s[userID] }

// MockSharedPresence is a mock implementation of SharedPresence
type MockSharedPresence struct {
	mock.Mock
}

func (m *MockSharedPresence) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func get(t *testing.T, h *Handler, id string) (int, map[string]any) {
	t.Helper()
	r := gin.New()
	r.GET("/v1/presence/:user_id", h.GetPresence)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/presence/"+id, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, _ := body["data"].(map[string]any)
	return w.Code, data
}

func TestGetPresence(t *testing.T) {
	local, remote, offline, unknown := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	shared := new(MockSharedPresence)
	shared.On("IsUserOnline", mock.Anything, remote).Return(true, nil)
	shared.On("IsUserOnline", mock.Anything, offline).Return(false, nil)
	shared.On("IsUserOnline", mock.Anything, unknown).Return(false, errors.New("redis is in degraded mode"))

	h := NewHandler(localSet{local: true}, shared)

	tests := []struct {
		name   string
		userID uuid.UUID
		status string
	}{
		{"connected here", local, "online"},
		{"connected elsewhere", remote, "online"},
		{"offline", offline, "offline"},
		{"redis degraded", unknown, "offline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, data := get(t, h, tt.userID.String())

			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.status, data["status"])
			assert.Equal(t, tt.userID.String(), data["user_id"])
		})
	}
	shared.AssertNotCalled(t, "IsUserOnline", mock.Anything, local)
}

func TestGetPresence_LocalOnly(t *testing.T) {
	h := NewHandler(localSet{}, nil)

	code, data := get(t, h, uuid.NewString())

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "offline", data["status"])
}

func TestGetPresence_InvalidID(t *testing.T) {
	h := NewHandler(localSet{}, nil)

	code, _ := get(t, h, "me")

	assert.Equal(t, http.StatusBadRequest, code)
}
