// Package weaviate stores the vector index in a Weaviate class, one namespace
// per session.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"taxsaathi/apps/backend/internal/vector"
)

type Store struct {
	client *weaviate.Client
}

var _ vector.Store = (*Store)(nil)

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, &SchemaAdapter{Client: s.client})
}

func (s *Store) Replace(ctx context.Context, namespace, generation string, entries []vector.Entry) error {
	if err := s.Delete(ctx, namespace); err != nil {
		return fmt.Errorf("clearing namespace: %w", err)
	}
	return s.Append(ctx, namespace, generation, entries)
}

func (s *Store) Append(ctx context.Context, namespace, generation string, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(entries))
	for i, e := range entries {
		objects[i] = &models.Object{
			Class: ClassName,
			Properties: map[string]interface{}{
				"content":    e.Chunk.Content,
				"namespace":  namespace,
				"generation": generation,
				"chunkIndex": e.Chunk.Index,
				"startPos":   e.Chunk.Start,
				"endPos":     e.Chunk.End,
			},
			Vector: e.Embedding,
		}
	}

	res, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch insert: %s", r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// tieSlack is how many hits beyond k are fetched. Weaviate picks arbitrarily
// among equal distances at the limit, so the chunk-index tie-break is applied
// here before trimming.
const tieSlack = 10

func (s *Store) Search(ctx context.Context, namespace, generation string, query []float32, k int) ([]vector.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(query)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "chunkIndex"},
		{Name: "startPos"},
		{Name: "endPos"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithNearVector(nearVector).
		WithWhere(generationFilter(namespace, generation)).
		WithLimit(k + tieSlack).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	var hits []vector.Hit
	for _, props := range classRows(res.Data, "Get") {
		var hit vector.Hit
		if content, ok := props["content"].(string); ok {
			hit.Chunk.Content = content
		}
		hit.Chunk.Index = intProp(props["chunkIndex"])
		hit.Chunk.Start = intProp(props["startPos"])
		hit.Chunk.End = intProp(props["endPos"])
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			hit.Score = 1 - floatProp(additional["distance"])
		}
		hits = append(hits, hit)
	}
	vector.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) Delete(ctx context.Context, namespace string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName).
		WithOutput("minimal").
		WithWhere(namespaceFilter(namespace)).
		Do(ctx)
	return err
}

func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(ClassName).
		WithWhere(namespaceFilter(namespace)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	rows := classRows(res.Data, "Aggregate")
	if len(rows) == 0 {
		return 0, errors.New("aggregate response missing")
	}
	meta, ok := rows[0]["meta"].(map[string]interface{})
	if !ok {
		return 0, errors.New("aggregate response missing meta")
	}
	return intProp(meta["count"]), nil
}

func namespaceFilter(namespace string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"namespace"}).
		WithOperator(filters.Equal).
		WithValueText(namespace)
}

func generationFilter(namespace, generation string) *filters.WhereBuilder {
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			namespaceFilter(namespace),
			filters.Where().
				WithPath([]string{"generation"}).
				WithOperator(filters.Equal).
				WithValueText(generation),
		})
}

func classRows(data map[string]models.JSONObject, root string) []map[string]interface{} {
	top, ok := data[root].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := top[ClassName].([]interface{})
	if !ok {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]interface{}); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

func intProp(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// floatProp accepts both encodings Weaviate uses for _additional scores.
func floatProp(v interface{}) float32 {
	switch n := v.(type) {
	case float64:
		return float32(n)
	case string:
		f, _ := strconv.ParseFloat(n, 32)
		return float32(f)
	}
	return 0
}
