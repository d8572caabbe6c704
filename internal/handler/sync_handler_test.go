package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apierrors "github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/middleware"
	"github.com/contextfs/syncd/internal/model"
	"github.com/contextfs/syncd/internal/store"
)

// MockSyncService is a mock implementation of SyncService
type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) Register(ctx context.Context, tenantID string, req *model.RegisterRequest) (*model.Device, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Device), args.Error(1)
}

func (m *MockSyncService) Push(ctx context.Context, tenantID string, req *model.PushRequest) (*model.PushResult, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PushResult), args.Error(1)
}

func (m *MockSyncService) Pull(ctx context.Context, tenantID string, req *model.PullRequest) (*model.PullResult, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PullResult), args.Error(1)
}

func (m *MockSyncService) Diff(ctx context.Context, tenantID string, req *model.DiffRequest) (*model.DiffResult, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DiffResult), args.Error(1)
}

func (m *MockSyncService) Fetch(ctx context.Context, tenantID string, req *model.FetchRequest) ([]*model.Record, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Record), args.Error(1)
}

func (m *MockSyncService) Status(ctx context.Context, tenantID, deviceID string) (*model.StatusResult, error) {
	args := m.Called(ctx, tenantID, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StatusResult), args.Error(1)
}

// MockResponseCache is a mock implementation of ResponseCache
type MockResponseCache struct {
	mock.Mock
}

func (m *MockResponseCache) Get(ctx context.Context, tenantID, deviceID, idempotencyKey string) ([]byte, error) {
	args := m.Called(ctx, tenantID, deviceID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockResponseCache) Store(ctx context.Context, tenantID, deviceID, idempotencyKey string, body []byte) error {
	args := m.Called(ctx, tenantID, deviceID, idempotencyKey, body)
	return args.Error(0)
}

func newRequest(t *testing.T, path string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(middleware.WithTenant(req.Context(), "acme"))
}

func newTestHandler(svc SyncService, replay ResponseCache) *SyncHandler {
	return NewSyncHandler(svc, replay, apierrors.NewHandler(zap.NewNop()), zap.NewNop())
}

func TestSyncHandler_Register(t *testing.T) {
	svc := new(MockSyncService)
	h := newTestHandler(svc, nil)

	device := &model.Device{TenantID: "acme", DeviceID: "laptop", Name: "Work laptop"}
	svc.On("Register", mock.Anything, "acme", &model.RegisterRequest{DeviceID: "laptop", Name: "Work laptop"}).
		Return(device, nil)

	w := httptest.NewRecorder()
	h.Register(w, newRequest(t, "/api/sync/register", map[string]string{
		"device_id":   "laptop",
		"device_name": "Work laptop",
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	var got model.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "laptop", got.DeviceID)
	svc.AssertExpectations(t)
}

func TestSyncHandler_PushMergesGroupedLists(t *testing.T) {
	svc := new(MockSyncService)
	h := newTestHandler(svc, nil)

	var captured *model.PushRequest
	svc.On("Push", mock.Anything, "acme", mock.AnythingOfType("*model.PushRequest")).
		Run(func(args mock.Arguments) { captured = args.Get(2).(*model.PushRequest) }).
		Return(&model.PushResult{Outcomes: []model.PushOutcome{}}, nil)

	w := httptest.NewRecorder()
	h.Push(w, newRequest(t, "/api/sync/push", map[string]interface{}{
		"device_id": "laptop",
		"force":     true,
		"records":   []map[string]interface{}{{"id": "r0", "kind": "edge"}},
		"memories":  []map[string]interface{}{{"id": "m1"}},
		"sessions":  []map[string]interface{}{{"id": "s1"}},
		"edges":     []map[string]interface{}{{"id": "e1"}},
	}))

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.True(t, captured.Force)
	assert.Equal(t, "laptop", captured.DeviceID)

	kinds := map[string]model.RecordKind{}
	for _, env := range captured.Records {
		kinds[env.ID] = env.Kind
	}
	assert.Equal(t, map[string]model.RecordKind{
		"r0": model.KindEdge,
		"m1": model.KindMemory,
		"s1": model.KindSession,
		"e1": model.KindEdge,
	}, kinds)
}

func TestSyncHandler_PushGroupedContentFields(t *testing.T) {
	svc := new(MockSyncService)
	h := newTestHandler(svc, nil)

	var captured *model.PushRequest
	svc.On("Push", mock.Anything, "acme", mock.AnythingOfType("*model.PushRequest")).
		Run(func(args mock.Arguments) { captured = args.Get(2).(*model.PushRequest) }).
		Return(&model.PushResult{Outcomes: []model.PushOutcome{}}, nil)

	w := httptest.NewRecorder()
	h.Push(w, newRequest(t, "/api/sync/push", json.RawMessage(`{
		"device_id": "laptop",
		"memories": [{
			"id": "m1",
			"content": "Original content",
			"type": "fact",
			"summary": "first",
			"tags": ["a"],
			"namespace_id": "repo-1",
			"created_at": "2026-01-15T10:00:00Z",
			"updated_at": "2026-01-15T10:00:00Z",
			"vector_clock": {"laptop": 1},
			"content_hash": "hash1"
		}],
		"sessions": [],
		"edges": []
	}`)))

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	require.Len(t, captured.Records, 1)

	env := captured.Records[0]
	assert.Equal(t, "m1", env.ID)
	assert.Equal(t, model.KindMemory, env.Kind)
	assert.Equal(t, "repo-1", env.NamespaceID)
	assert.Equal(t, []string{"a"}, env.Tags)
	assert.Equal(t, "hash1", env.ContentHash)
	assert.Equal(t, model.VectorClock{"laptop": 1}, env.VectorClock)
	require.NotNil(t, env.CreatedAt)
	assert.JSONEq(t, `{"content":"Original content","type":"fact","summary":"first"}`, string(env.Payload))
}

func TestSyncHandler_PushGroupedPayloadAndContentRejected(t *testing.T) {
	svc := new(MockSyncService)
	h := newTestHandler(svc, nil)

	w := httptest.NewRecorder()
	h.Push(w, newRequest(t, "/api/sync/push", json.RawMessage(`{
		"device_id": "laptop",
		"memories": [{"id": "m1", "payload": {"content": "a"}, "content": "b", "vector_clock": {"laptop": 1}}]
	}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "m1")
	svc.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncHandler_PushReplay(t *testing.T) {
	t.Run("cached response is replayed", func(t *testing.T) {
		svc := new(MockSyncService)
		cache := new(MockResponseCache)
		h := newTestHandler(svc, cache)

		cached := []byte(`{"outcomes":[],"applied":3}`)
		cache.On("Get", mock.Anything, "acme", "laptop", "key-1").Return(cached, nil)

		req := newRequest(t, "/api/sync/push", map[string]interface{}{"device_id": "laptop"})
		req.Header.Set(IdempotencyHeader, "key-1")
		w := httptest.NewRecorder()
		h.Push(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "true", w.Header().Get(ReplayHeader))
		assert.JSONEq(t, string(cached), w.Body.String())
		svc.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("miss pushes and stores the response", func(t *testing.T) {
		svc := new(MockSyncService)
		cache := new(MockResponseCache)
		h := newTestHandler(svc, cache)

		result := &model.PushResult{Outcomes: []model.PushOutcome{{ID: "m1", Status: model.PushApplied}}, Applied: 1}
		expected, err := json.Marshal(result)
		require.NoError(t, err)

		cache.On("Get", mock.Anything, "acme", "laptop", "key-2").Return(nil, nil)
		svc.On("Push", mock.Anything, "acme", mock.Anything).Return(result, nil)
		cache.On("Store", mock.Anything, "acme", "laptop", "key-2", expected).Return(nil)

		req := newRequest(t, "/api/sync/push", map[string]interface{}{"device_id": "laptop"})
		req.Header.Set(IdempotencyHeader, "key-2")
		w := httptest.NewRecorder()
		h.Push(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get(ReplayHeader))
		assert.JSONEq(t, string(expected), w.Body.String())
		cache.AssertExpectations(t)
	})

	t.Run("cache errors do not block the push", func(t *testing.T) {
		svc := new(MockSyncService)
		cache := new(MockResponseCache)
		h := newTestHandler(svc, cache)

		cache.On("Get", mock.Anything, "acme", "laptop", "key-3").Return(nil, store.ErrNotFound)
		svc.On("Push", mock.Anything, "acme", mock.Anything).Return(&model.PushResult{}, nil)
		cache.On("Store", mock.Anything, "acme", "laptop", "key-3", mock.Anything).Return(assert.AnError)

		req := newRequest(t, "/api/sync/push", map[string]interface{}{"device_id": "laptop"})
		req.Header.Set(IdempotencyHeader, "key-3")
		w := httptest.NewRecorder()
		h.Push(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("malformed key is rejected", func(t *testing.T) {
		svc := new(MockSyncService)
		cache := new(MockResponseCache)
		h := newTestHandler(svc, cache)

		req := newRequest(t, "/api/sync/push", map[string]interface{}{"device_id": "laptop"})
		req.Header.Set(IdempotencyHeader, "has space")
		w := httptest.NewRecorder()
		h.Push(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		cache.AssertNotCalled(t, "Get", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSyncHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apierrors.HTTPErrorCode
	}{
		{
			name:       "unknown device",
			err:        apierrors.DeviceNotRegistered("acme", "ghost"),
			wantStatus: http.StatusNotFound,
			wantCode:   apierrors.HTTPCodeDeviceNotRegistered,
		},
		{
			name:       "exhausted retries",
			err:        apierrors.TransientConflict("status", 5, store.ErrWriteConflict),
			wantStatus: http.StatusConflict,
			wantCode:   apierrors.HTTPCodeTransientConflict,
		},
		{
			name:       "infrastructure failure",
			err:        assert.AnError,
			wantStatus: http.StatusInternalServerError,
			wantCode:   apierrors.HTTPCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockSyncService)
			h := newTestHandler(svc, nil)
			svc.On("Status", mock.Anything, "acme", "ghost").Return(nil, tt.err)

			w := httptest.NewRecorder()
			h.Status(w, newRequest(t, "/api/sync/status", map[string]string{"device_id": "ghost"}))

			assert.Equal(t, tt.wantStatus, w.Code)
			var body apierrors.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.ErrorCode)
			assert.Equal(t, "error", body.Status)
		})
	}
}

func TestSyncHandler_PullDiffFetch(t *testing.T) {
	svc := new(MockSyncService)
	h := newTestHandler(svc, nil)
	since := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

	svc.On("Pull", mock.Anything, "acme", mock.MatchedBy(func(req *model.PullRequest) bool {
		return req.DeviceID == "laptop" && req.Since != nil && req.Since.Equal(since) && req.Limit == 10
	})).Return(&model.PullResult{Records: []*model.Record{{ID: "m1"}}, HasMore: true}, nil)

	w := httptest.NewRecorder()
	h.Pull(w, newRequest(t, "/api/sync/pull", map[string]interface{}{
		"device_id":       "laptop",
		"since_timestamp": since,
		"limit":           10,
	}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"has_more":true`)

	svc.On("Diff", mock.Anything, "acme", mock.MatchedBy(func(req *model.DiffRequest) bool {
		return len(req.Manifest) == 2
	})).Return(&model.DiffResult{MissingOnClient: []string{"x"}, MissingOnServer: []string{}, Updated: []string{}}, nil)

	w = httptest.NewRecorder()
	h.Diff(w, newRequest(t, "/api/sync/diff", map[string]interface{}{
		"device_id": "laptop",
		"manifest":  []map[string]string{{"id": "a", "content_hash": "h1"}},
		"memories":  []map[string]string{{"id": "b", "content_hash": "h2"}},
	}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"missing_on_client":["x"]`)

	svc.On("Fetch", mock.Anything, "acme", &model.FetchRequest{DeviceID: "laptop", IDs: []string{"zzz"}}).
		Return(nil, nil)

	w = httptest.NewRecorder()
	h.Fetch(w, newRequest(t, "/api/sync/fetch", map[string]interface{}{
		"device_id": "laptop",
		"ids":       []string{"zzz"},
	}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"records":[]}`, w.Body.String())

	svc.AssertExpectations(t)
}

func TestSyncHandler_BadRequests(t *testing.T) {
	svc := new(MockSyncService)
	h := newTestHandler(svc, nil)

	t.Run("invalid JSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sync/pull", bytes.NewBufferString("{not json"))
		req = req.WithContext(middleware.WithTenant(req.Context(), "acme"))
		w := httptest.NewRecorder()
		h.Pull(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
	})

	t.Run("empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sync/pull", http.NoBody)
		req = req.WithContext(middleware.WithTenant(req.Context(), "acme"))
		w := httptest.NewRecorder()
		h.Pull(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("body over the limit", func(t *testing.T) {
		payload := bytes.Repeat([]byte("a"), 64)
		req := newRequest(t, "/api/sync/push", map[string]interface{}{"device_id": string(payload)})
		w := httptest.NewRecorder()
		middleware.MaxBody(16)(http.HandlerFunc(h.Push)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("missing tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sync/status", bytes.NewBufferString(`{"device_id":"x"}`))
		w := httptest.NewRecorder()
		h.Status(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	svc.AssertNotCalled(t, "Pull", mock.Anything, mock.Anything, mock.Anything)
}
