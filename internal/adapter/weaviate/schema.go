package weaviate

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

const ClassName = "TaxChunk"

// SchemaClient is the subset of the Weaviate schema API used by EnsureSchema.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

type SchemaAdapter struct {
	Client *weaviate.Client
}

func (a *SchemaAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.Client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *SchemaAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.Client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *SchemaAdapter) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.Client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a *SchemaAdapter) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.Client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{Name: "content", DataType: []string{"text"}},
		// Exact-match filters need field tokenization.
		{Name: "namespace", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "generation", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "chunkIndex", DataType: []string{"int"}},
		{Name: "startPos", DataType: []string{"int"}},
		{Name: "endPos", DataType: []string{"int"}},
	}
}

// EnsureSchema creates the TaxChunk class, or adds any properties an older
// deployment is missing.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	properties := chunkProperties()

	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}
	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       ClassName,
			Description: "An embedded chunk of a session's tax documents",
			Vectorizer:  "none",
			VectorIndexConfig: map[string]interface{}{
				"distance": "cosine",
			},
			Properties: properties,
		})
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for _, p := range class.Properties {
		existing[p.Name] = true
	}
	for _, p := range properties {
		if !existing[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}
	return nil
}
