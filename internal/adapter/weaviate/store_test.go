package weaviate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	adapter "taxsaathi/apps/backend/internal/adapter/weaviate"
	"taxsaathi/apps/backend/internal/text"
	"taxsaathi/apps/backend/internal/vector"
)

func mockWeaviate(t *testing.T, handler http.HandlerFunc) *weaviate.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/meta" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version": "1.25.0"}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	client, err := weaviate.NewClient(weaviate.Config{Host: ts.Listener.Addr().String(), Scheme: "http"})
	require.NoError(t, err)
	return client
}

func TestStore_Append(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body struct {
			Objects []map[string]interface{} `json:"objects"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Objects, 2)
		props := body.Objects[1]["properties"].(map[string]interface{})
		assert.Equal(t, "s1", props["namespace"])
		assert.Equal(t, "g1", props["generation"])
		assert.Equal(t, float64(1), props["chunkIndex"])

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(body.Objects)
	})

	store := adapter.NewStore(client)
	err := store.Append(context.Background(), "s1", "g1", []vector.Entry{
		{Chunk: text.Chunk{Index: 0, Content: "salary"}, Embedding: []float32{0.1, 0.2}},
		{Chunk: text.Chunk{Index: 1, Content: "80c"}, Embedding: []float32{0.3, 0.4}},
	})
	assert.NoError(t, err)
}

func TestStore_Append_ObjectError(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode([]interface{}{
			map[string]interface{}{
				"class": adapter.ClassName,
				"result": map[string]interface{}{
					"errors": map[string]interface{}{
						"error": []interface{}{map[string]interface{}{"message": "vector dimension mismatch"}},
					},
				},
			},
		})
	})

	store := adapter.NewStore(client)
	err := store.Append(context.Background(), "s1", "g1", []vector.Entry{{Chunk: text.Chunk{Content: "x"}, Embedding: []float32{1}}})
	assert.ErrorContains(t, err, "vector dimension mismatch")
}

func TestStore_Replace(t *testing.T) {
	var calls []string
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodDelete {
			json.NewEncoder(w).Encode(map[string]interface{}{})
			return
		}
		w.Write([]byte(`[]`))
	})

	store := adapter.NewStore(client)
	err := store.Replace(context.Background(), "s1", "g2", []vector.Entry{{Chunk: text.Chunk{Content: "x"}, Embedding: []float32{1}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"DELETE /v1/batch/objects", "POST /v1/batch/objects"}, calls)
}

func TestStore_Search(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query := body["query"].(string)
		assert.Contains(t, query, "nearVector")
		assert.Contains(t, query, "generation")
		assert.Contains(t, query, "limit: 13")

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					adapter.ClassName: []interface{}{
						map[string]interface{}{
							"content":     "found content",
							"chunkIndex":  2.0,
							"startPos":    1600.0,
							"endPos":      2600.0,
							"_additional": map[string]interface{}{"distance": 0.25},
						},
					},
				},
			},
		})
	})

	store := adapter.NewStore(client)
	hits, err := store.Search(context.Background(), "s1", "g1", []float32{0.1, 0.2}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "found content", hits[0].Chunk.Content)
	assert.Equal(t, 2, hits[0].Chunk.Index)
	assert.Equal(t, 1600, hits[0].Chunk.Start)
	assert.InDelta(t, 0.75, hits[0].Score, 1e-6)
}

func TestStore_Search_BreaksTiesByChunkIndex(t *testing.T) {
	row := func(index, distance float64) map[string]interface{} {
		return map[string]interface{}{
			"content":     "chunk",
			"chunkIndex":  index,
			"_additional": map[string]interface{}{"distance": distance},
		}
	}
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Get": map[string]interface{}{
					adapter.ClassName: []interface{}{row(5, 0.5), row(3, 0.5), row(7, 0.1), row(1, 0.5)},
				},
			},
		})
	})

	store := adapter.NewStore(client)
	hits, err := store.Search(context.Background(), "s1", "g1", []float32{0.1, 0.2}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 7, hits[0].Chunk.Index)
	assert.Equal(t, 1, hits[1].Chunk.Index)
}

func TestStore_Delete(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch/objects", r.URL.Path)
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{})
	})

	assert.NoError(t, adapter.NewStore(client).Delete(context.Background(), "s1"))
}

func TestStore_Count(t *testing.T) {
	client := mockWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/graphql", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"Aggregate": map[string]interface{}{
					adapter.ClassName: []interface{}{
						map[string]interface{}{"meta": map[string]interface{}{"count": 42.0}},
					},
				},
			},
		})
	})

	count, err := adapter.NewStore(client).Count(context.Background(), "s1")
	assert.NoError(t, err)
	assert.Equal(t, 42, count)
}
