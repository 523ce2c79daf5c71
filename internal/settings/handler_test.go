package settings_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"taxsaathi/apps/backend/internal/settings"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, s *settings.Settings) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func TestHandler_GetSettings(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(&settings.Settings{RetrievalTopK: 5, ChunkSize: 1000, ChunkOverlap: 200}, nil)

		req := httptest.NewRequest("GET", "/settings", nil)
		w := httptest.NewRecorder()
		handler.GetSettings(w, req)

		resp := w.Result()
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&body)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, float64(5), data["retrieval_top_k"])
		assert.Equal(t, float64(200), data["chunk_overlap"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("InternalError", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(nil, errors.New("db error"))

		req := httptest.NewRequest("GET", "/settings", nil)
		w := httptest.NewRecorder()
		handler.GetSettings(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	})
}

func TestHandler_UpdateSettings(t *testing.T) {
	current := func() *settings.Settings {
		return &settings.Settings{ID: 1, RetrievalTopK: 5, ChunkSize: 1000, ChunkOverlap: 200}
	}

	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(current(), nil)
		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.RetrievalTopK == 8 && s.ChunkSize == 1500 && s.ChunkOverlap == 150
		})).Return(nil)

		req := httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(`{"retrieval_top_k":8,"chunk_size":1500,"chunk_overlap":150}`))
		w := httptest.NewRecorder()
		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		mockRepo.AssertExpectations(t)
	})

	t.Run("PartialUpdateKeepsOtherFields", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))

		mockRepo.On("Get", mock.Anything).Return(current(), nil)
		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.RetrievalTopK == 3 && s.ChunkSize == 1000 && s.ChunkOverlap == 200
		})).Return(nil)

		req := httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(`{"retrieval_top_k":3}`))
		w := httptest.NewRecorder()
		handler.UpdateSettings(w, req)

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		var body map[string]map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Result().Body).Decode(&body))
		assert.Equal(t, float64(3), body["data"]["retrieval_top_k"])
		assert.Equal(t, float64(1000), body["data"]["chunk_size"])
		mockRepo.AssertExpectations(t)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		handler := settings.NewHandler(settings.NewService(new(MockRepository)))

		req := httptest.NewRequest("PUT", "/settings", bytes.NewBufferString("invalid json"))
		w := httptest.NewRecorder()
		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("UnknownField", func(t *testing.T) {
		handler := settings.NewHandler(settings.NewService(new(MockRepository)))

		req := httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(`{"gemini_api_key":"x"}`))
		w := httptest.NewRecorder()
		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		tests := []string{
			`{"retrieval_top_k":0}`,
			`{"chunk_overlap":1000}`,
			`{"chunk_size":0,"chunk_overlap":0}`,
			`{"chunk_overlap":-1}`,
		}
		for _, body := range tests {
			mockRepo := new(MockRepository)
			handler := settings.NewHandler(settings.NewService(mockRepo))
			mockRepo.On("Get", mock.Anything).Return(current(), nil)

			req := httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(body))
			w := httptest.NewRecorder()
			handler.UpdateSettings(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode, body)

			var resp map[string]interface{}
			json.NewDecoder(w.Result().Body).Decode(&resp)
			assert.Equal(t, "VALIDATION_ERROR", resp["error"].(map[string]interface{})["code"])
			mockRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
		}
	})

	t.Run("RepositoryFailure", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo))
		mockRepo.On("Get", mock.Anything).Return(nil, errors.New("db down"))

		req := httptest.NewRequest("PUT", "/settings", bytes.NewBufferString(`{"retrieval_top_k":3}`))
		w := httptest.NewRecorder()
		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
		assert.NotContains(t, w.Body.String(), "db down")
	})
}
