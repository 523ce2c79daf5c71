package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"taxsaathi/apps/backend/internal/rag"
	"taxsaathi/apps/backend/internal/session"
	"taxsaathi/apps/backend/internal/tax"
	"taxsaathi/apps/backend/internal/text"
	"taxsaathi/apps/backend/internal/vector"
)

type MockSessions struct{ mock.Mock }

func (m *MockSessions) Ask(ctx context.Context, id, query string) (*rag.QueryAnswer, error) {
	args := m.Called(ctx, id, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rag.QueryAnswer), args.Error(1)
}

func (m *MockSessions) Compute(ctx context.Context, id string) (*tax.Result, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tax.Result), args.Error(1)
}

func (m *MockSessions) List() []session.Summary {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]session.Summary)
}

func TestNewHandler(t *testing.T) {
	h := NewHandler(new(MockSessions))
	require.NotNil(t, h.Server())
}

func TestHandler_handleAsk(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		s := new(MockSessions)
		h := NewHandler(s)
		s.On("Ask", mock.Anything, "s1", "What is my TDS?").Return(&rag.QueryAnswer{
			Answer:  "1,10,000",
			Sources: []vector.Hit{{Chunk: text.Chunk{Index: 2, Content: "TDS 1,10,000"}, Score: 0.9}},
		}, nil)

		_, out, err := h.handleAsk(ctx, nil, AskInput{SessionID: "s1", Question: "What is my TDS?"})
		require.NoError(t, err)
		assert.Equal(t, "1,10,000", out.Answer)
		require.Len(t, out.Sources, 1)
		assert.Equal(t, 2, out.Sources[0].ChunkIndex)
		s.AssertExpectations(t)
	})

	t.Run("Missing Arguments", func(t *testing.T) {
		s := new(MockSessions)
		h := NewHandler(s)

		_, _, err := h.handleAsk(ctx, nil, AskInput{SessionID: "s1"})
		assert.Error(t, err)
		s.AssertNotCalled(t, "Ask", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Pipeline Error", func(t *testing.T) {
		s := new(MockSessions)
		h := NewHandler(s)
		s.On("Ask", mock.Anything, "s1", "q").Return(nil, session.ErrNoDocuments)

		_, _, err := h.handleAsk(ctx, nil, AskInput{SessionID: "s1", Question: "q"})
		assert.ErrorIs(t, err, session.ErrNoDocuments)
	})
}

func TestHandler_handleCompute(t *testing.T) {
	ctx := context.Background()
	s := new(MockSessions)
	h := NewHandler(s)

	s.On("Compute", mock.Anything, "s1").Return(&tax.Result{
		OldRegime: "old", NewRegime: "new", RecommendedRegime: "rec",
		Summary: &tax.Summary{BetterRegime: "new"},
	}, nil)
	s.On("Compute", mock.Anything, "s2").Return(nil, errors.New("boom"))

	_, out, err := h.handleCompute(ctx, nil, ComputeInput{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "rec", out.RecommendedRegime)
	assert.Equal(t, "new", out.Summary.BetterRegime)

	_, _, err = h.handleCompute(ctx, nil, ComputeInput{SessionID: "s2"})
	assert.Error(t, err)

	_, _, err = h.handleCompute(ctx, nil, ComputeInput{})
	assert.Error(t, err)
}

func TestHandler_handleSessions(t *testing.T) {
	s := new(MockSessions)
	h := NewHandler(s)
	s.On("List").Return(nil).Once()
	s.On("List").Return([]session.Summary{{ID: "a"}, {ID: "b"}}).Once()

	_, out, err := h.handleSessions(context.Background(), nil, SessionsInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Count)
	assert.NotNil(t, out.Sessions)

	_, out, err = h.handleSessions(context.Background(), nil, SessionsInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)
}
