package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docvec/apps/backend/internal/vectorstore"
)

// fetchPageSize bounds one GraphQL page when pulling a document back out.
const fetchPageSize = 500

// idNamespace seeds the deterministic object ids; changing it orphans every stored object.
var idNamespace = uuid.MustParse("6f1c9a52-3c4e-4d1b-9a57-2f0e8b7d5c31")

// ObjectID is the stable Weaviate id of a chunk, so a repeated write overwrites the same object.
func ObjectID(fileID string, chunkID int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(idNamespace, []byte(fileID+"/"+strconv.Itoa(chunkID))).String())
}

type Store struct {
	client   *weaviate.Client
	modelID  string
	metric   string
	distance string
}

// NewStore returns a store whose scores match a local index built with metric.
func NewStore(client *weaviate.Client, modelID, metric string) *Store {
	distance, _ := distanceFor(metric)
	return &Store{client: client, modelID: modelID, metric: metric, distance: distance}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.distance == "" {
		_, err := distanceFor(s.metric)
		return err
	}
	return ensureSchema(ctx, clientSchema{client: s.client}, s.distance)
}

// Upsert writes one batch of records. Per-object failures fail the whole call.
func (s *Store) Upsert(ctx context.Context, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	objs := make([]*models.Object, len(records))
	for i, r := range records {
		objs[i] = &models.Object{
			Class: ClassName,
			ID:    ObjectID(r.FileID, r.ChunkID),
			Properties: map[string]interface{}{
				"fileId":   r.FileID,
				"chunkId":  r.ChunkID,
				"section":  r.Section,
				"content":  r.Text,
				"fileName": r.FileName,
				"format":   r.Format,
				"modelId":  s.modelID,
			},
			Vector: r.Vector,
		}
	}

	res, err := s.client.Batch().ObjectsBatcher().WithObjects(objs...).Do(ctx)
	if err != nil {
		return classify(ctx, err)
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch object %s rejected: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Prune deletes chunks of fileID whose chunk id is keep or higher, left over from a longer
// previous version of the document.
func (s *Store) Prune(ctx context.Context, fileID string, keep int) error {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			fileFilter(fileID),
			filters.Where().
				WithPath([]string{"chunkId"}).
				WithOperator(filters.GreaterThanEqual).
				WithValueInt(int64(keep)),
		})
	return s.deleteWhere(ctx, where)
}

func (s *Store) DeleteDocument(ctx context.Context, fileID string) error {
	return s.deleteWhere(ctx, fileFilter(fileID))
}

func (s *Store) deleteWhere(ctx context.Context, where *filters.WhereBuilder) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return classify(ctx, err)
	}
	return nil
}

// Search returns the nearest chunks, optionally limited to fileIDs. Scores are cosine
// similarity or inner product, whichever metric the store was built for.
func (s *Store) Search(ctx context.Context, vec []float32, topK int, fileIDs []string) ([]vectorstore.Hit, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	q := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithNearVector(nearVector).
		WithLimit(topK).
		WithFields(append(chunkFields(), graphql.Field{
			Name:   "_additional",
			Fields: []graphql.Field{{Name: "distance"}},
		})...)
	if where := filesFilter(fileIDs); where != nil {
		q = q.WithWhere(where)
	}

	res, err := q.Do(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	var hits []vectorstore.Hit
	for _, props := range getObjects(res.Data) {
		h := vectorstore.Hit{Record: recordFromProps(props)}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			h.Score = scoreFor(s.distance, toFloat32(additional["distance"]))
		}
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool { return vectorstore.Less(hits[i], hits[j]) })
	return hits, nil
}

// Fetch pulls every chunk of fileID, vectors included, ordered by chunk id.
func (s *Store) Fetch(ctx context.Context, fileID string) ([]vectorstore.Record, error) {
	fields := append(chunkFields(), graphql.Field{
		Name:   "_additional",
		Fields: []graphql.Field{{Name: "vector"}},
	})

	var out []vectorstore.Record
	for offset := 0; ; offset += fetchPageSize {
		res, err := s.client.GraphQL().Get().
			WithClassName(ClassName).
			WithWhere(fileFilter(fileID)).
			WithLimit(fetchPageSize).
			WithOffset(offset).
			WithFields(fields...).
			Do(ctx)
		if err != nil {
			return nil, classify(ctx, err)
		}
		if len(res.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
		}

		page := getObjects(res.Data)
		for _, props := range page {
			r := recordFromProps(props)
			if additional, ok := props["_additional"].(map[string]interface{}); ok {
				r.Vector = toVector(additional["vector"])
			}
			out = append(out, r)
		}
		if len(page) < fetchPageSize {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

// Count returns the number of stored chunks, of one document when fileID is set.
func (s *Store) Count(ctx context.Context, fileID string) (int, error) {
	q := s.client.GraphQL().Aggregate().
		WithClassName(ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
	if fileID != "" {
		q = q.WithWhere(fileFilter(fileID))
	}

	res, err := q.Do(ctx)
	if err != nil {
		return 0, classify(ctx, err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	groups, ok := agg[ClassName].([]interface{})
	if !ok || len(groups) == 0 {
		return 0, nil
	}
	group, _ := groups[0].(map[string]interface{})
	meta, _ := group["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

func chunkFields() []graphql.Field {
	return []graphql.Field{
		{Name: "fileId"},
		{Name: "chunkId"},
		{Name: "section"},
		{Name: "content"},
		{Name: "fileName"},
		{Name: "format"},
	}
}

func fileFilter(fileID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"fileId"}).
		WithOperator(filters.Equal).
		WithValueString(fileID)
}

func filesFilter(fileIDs []string) *filters.WhereBuilder {
	switch len(fileIDs) {
	case 0:
		return nil
	case 1:
		return fileFilter(fileIDs[0])
	}
	operands := make([]*filters.WhereBuilder, len(fileIDs))
	for i, id := range fileIDs {
		operands[i] = fileFilter(id)
	}
	return filters.Where().WithOperator(filters.Or).WithOperands(operands)
}

func getObjects(data map[string]models.JSONObject) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[ClassName].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if props, ok := r.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out
}

func recordFromProps(props map[string]interface{}) vectorstore.Record {
	var r vectorstore.Record
	r.FileID, _ = props["fileId"].(string)
	r.Section, _ = props["section"].(string)
	r.Text, _ = props["content"].(string)
	r.FileName, _ = props["fileName"].(string)
	r.Format, _ = props["format"].(string)
	if id, ok := props["chunkId"].(float64); ok {
		r.ChunkID = int(id)
	}
	return r
}

func toFloat32(v interface{}) float32 {
	switch n := v.(type) {
	case float64:
		return float32(n)
	case string:
		f, _ := strconv.ParseFloat(n, 32)
		return float32(f)
	}
	return 0
}

func toVector(v interface{}) []float32 {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]float32, len(raw))
	for i, x := range raw {
		out[i] = toFloat32(x)
	}
	return out
}

// classify marks connection failures, 429 and 5xx responses as transient.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &vectorstore.TransientError{Err: err}
	}
	var werr *fault.WeaviateClientError
	if errors.As(err, &werr) {
		if !werr.IsUnexpectedStatusCode || werr.StatusCode == http.StatusTooManyRequests || werr.StatusCode >= 500 {
			return &vectorstore.TransientError{Err: err}
		}
	}
	return err
}
