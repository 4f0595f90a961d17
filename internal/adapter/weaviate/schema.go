package weaviate

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

const ClassName = "DocumentChunk"

const (
	distanceCosine = "cosine"
	distanceDot    = "dot"
)

// distanceFor maps a local index metric onto the Weaviate distance that ranks the same way.
func distanceFor(metric string) (string, error) {
	switch metric {
	case "", "cosine":
		return distanceCosine, nil
	case "inner_product":
		return distanceDot, nil
	}
	return "", fmt.Errorf("no weaviate distance for metric %q", metric)
}

// scoreFor turns a Weaviate distance back into the similarity the local index reports.
func scoreFor(distance string, d float32) float32 {
	if distance == distanceDot {
		return -d
	}
	return 1 - d
}

type schemaAPI interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

type clientSchema struct {
	client *weaviate.Client
}

func (c clientSchema) ClassExists(ctx context.Context, className string) (bool, error) {
	return c.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (c clientSchema) CreateClass(ctx context.Context, class *models.Class) error {
	return c.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (c clientSchema) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return c.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (c clientSchema) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return c.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{Name: "fileId", DataType: []string{"string"}}, // exact match filter
		{Name: "chunkId", DataType: []string{"int"}},
		{Name: "section", DataType: []string{"text"}},
		{Name: "content", DataType: []string{"text"}},
		{Name: "fileName", DataType: []string{"text"}},
		{Name: "format", DataType: []string{"string"}},
		{Name: "modelId", DataType: []string{"string"}},
	}
}

// ensureSchema creates the chunk class with the given distance, or adds properties missing from
// an existing one. An existing class built for another distance is rejected.
func ensureSchema(ctx context.Context, api schemaAPI, distance string) error {
	exists, err := api.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	if !exists {
		return api.CreateClass(ctx, &models.Class{
			Class:             ClassName,
			Description:       "A chunk of an ingested document",
			Vectorizer:        "none",
			VectorIndexConfig: map[string]interface{}{"distance": distance},
			Properties:        chunkProperties(),
		})
	}

	class, err := api.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	if cfg, ok := class.VectorIndexConfig.(map[string]interface{}); ok {
		have, _ := cfg["distance"].(string)
		if have == "" {
			have = distanceCosine
		}
		if have != distance {
			return fmt.Errorf("class %s uses %s distance, want %s", ClassName, have, distance)
		}
	}

	existing := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		existing[p.Name] = true
	}
	for _, p := range chunkProperties() {
		if existing[p.Name] {
			continue
		}
		if err := api.AddProperty(ctx, ClassName, p); err != nil {
			return err
		}
	}
	return nil
}
