package weaviate

import (
	"context"
	"testing"

	"github.com/weaviate/weaviate/entities/models"
)

type MockSchemaClient struct {
	CreatedClass    *models.Class
	ExistingClass   *models.Class
	AddedProperties []*models.Property
}

func (m *MockSchemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	return m.ExistingClass != nil, nil
}

func (m *MockSchemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	m.CreatedClass = class
	return nil
}

func (m *MockSchemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return m.ExistingClass, nil
}

func (m *MockSchemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	m.AddedProperties = append(m.AddedProperties, property)
	return nil
}

func TestEnsureSchema_CreatesClass(t *testing.T) {
	client := &MockSchemaClient{}
	if err := EnsureSchema(context.Background(), client); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if client.CreatedClass == nil {
		t.Fatal("Class not created")
	}
	if client.CreatedClass.Class != ClassName {
		t.Errorf("unexpected class name %q", client.CreatedClass.Class)
	}
	if client.CreatedClass.Vectorizer != "none" {
		t.Errorf("expected vectorizer none, got %q", client.CreatedClass.Vectorizer)
	}

	for _, prop := range client.CreatedClass.Properties {
		if prop.Name == "namespace" || prop.Name == "generation" {
			if prop.Tokenization != "field" {
				t.Errorf("Property %s must use field tokenization, got %q", prop.Name, prop.Tokenization)
			}
		}
	}
}

func TestEnsureSchema_AddsMissingProperties(t *testing.T) {
	client := &MockSchemaClient{
		ExistingClass: &models.Class{
			Class: ClassName,
			Properties: []*models.Property{
				{Name: "content", DataType: []string{"text"}},
				{Name: "namespace", DataType: []string{"text"}},
				{Name: "chunkIndex", DataType: []string{"int"}},
			},
		},
	}

	if err := EnsureSchema(context.Background(), client); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if client.CreatedClass != nil {
		t.Fatal("Should not recreate class if it exists")
	}

	added := make(map[string]bool)
	for _, p := range client.AddedProperties {
		added[p.Name] = true
	}
	for _, want := range []string{"generation", "startPos", "endPos"} {
		if !added[want] {
			t.Errorf("Missing %q property", want)
		}
	}
	if added["content"] {
		t.Error("Should not re-add existing 'content' property")
	}
}
