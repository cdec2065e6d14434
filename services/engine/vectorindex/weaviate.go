// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
)

var tracer = otel.Tracer("recollect.vectorindex")

// WeaviateIndex implements Index on a Weaviate instance holding the single
// KnowledgeDoc class.
type WeaviateIndex struct {
	client *weaviate.Client
}

var _ Index = (*WeaviateIndex)(nil)

// NewWeaviateIndex wraps an already-connected client. Schema creation is the
// entry point's job (datatypes.EnsureWeaviateSchema).
func NewWeaviateIndex(client *weaviate.Client) *WeaviateIndex {
	return &WeaviateIndex{client: client}
}

// objectID derives the deterministic Weaviate UUID for a document, so
// re-indexing the same thought or conversation replaces its object instead
// of accumulating duplicates.
func objectID(docID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("recollect/"+docID)).String())
}

// Upsert implements Index. Batch object writes are PUT-semantics in
// Weaviate: an existing object with the same id is replaced.
func (w *WeaviateIndex) Upsert(ctx context.Context, props datatypes.KnowledgeDocProperties, vector []float32) error {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("doc.type", props.DocType))

	obj := &models.Object{
		Class:      datatypes.KnowledgeDocClass,
		ID:         objectID(props.DocID),
		Properties: props.ToMap(),
		Vector:     vector,
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("weaviate upsert failed: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			err := fmt.Errorf("weaviate upsert rejected: %s", r.Result.Errors.Error[0].Message)
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// Delete implements Index. Missing objects are a no-op.
func (w *WeaviateIndex) Delete(ctx context.Context, docID string) error {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Delete")
	defer span.End()

	err := w.client.Data().Deleter().
		WithClassName(datatypes.KnowledgeDocClass).
		WithID(string(objectID(docID))).
		Do(ctx)
	if err != nil {
		// The client surfaces 404 as an error; deletion of an unindexed
		// document is expected during soft-delete races.
		slog.Debug("vector delete skipped", "doc_id", docID, "error", err)
	}
	return nil
}

func (w *WeaviateIndex) buildFilter(q SearchQuery) *filters.WhereBuilder {
	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"user"}).
			WithOperator(filters.Equal).
			WithValueString(q.User),
	}
	if q.DocType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"doc_type"}).
			WithOperator(filters.Equal).
			WithValueString(q.DocType))
	}
	if q.From > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"created_at_epoch"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(float64(q.From)))
	}
	for _, tag := range q.Tags {
		operands = append(operands, filters.Where().
			WithPath([]string{"tags"}).
			WithOperator(filters.ContainsAny).
			WithValueText(tag))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)
}

func hitFields(withVector bool) []graphql.Field {
	additional := []graphql.Field{
		{Name: "id"},
		{Name: "score"},
		{Name: "certainty"},
	}
	if withVector {
		additional = append(additional, graphql.Field{Name: "vector"})
	}
	return []graphql.Field{
		{Name: "doc_id"},
		{Name: "doc_type"},
		{Name: "text"},
		{Name: "summary"},
		{Name: "tags"},
		{Name: "kind"},
		{Name: "category"},
		{Name: "intent"},
		{Name: "title"},
		{Name: "message_count"},
		{Name: "cited_thought_ids"},
		{Name: "created_at_epoch"},
		{Name: "updated_at_epoch"},
		{Name: "decision_score"},
		{Name: "_additional", Fields: additional},
	}
}

func toHits(parsed *datatypes.KnowledgeDocQueryResponse) []Hit {
	results := parsed.Get.KnowledgeDoc
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{
			DocID:           r.DocID,
			DocType:         r.DocType,
			Text:            r.Text,
			Summary:         r.Summary,
			Tags:            r.Tags,
			Kind:            r.Kind,
			Category:        r.Category,
			Intent:          r.Intent,
			Title:           r.Title,
			CitedThoughtIDs: r.CitedThoughtIDs,
			CreatedAtEpoch:  int64(r.CreatedAtEpoch),
			UpdatedAtEpoch:  int64(r.UpdatedAtEpoch),
			DecisionScore:   r.DecisionScore,
			Vector:          r.Additional.Vector,
		}
		if r.MessageCount != nil {
			hit.MessageCount = *r.MessageCount
		}
		if r.Additional.Score != nil {
			if s, err := strconv.ParseFloat(*r.Additional.Score, 64); err == nil {
				hit.Score = s
			}
		} else if r.Additional.Certainty != nil {
			hit.Score = float64(*r.Additional.Certainty)
		}
		hits = append(hits, hit)
	}
	return hits
}

// Hybrid implements Index: BM25 over weighted fields unioned with kNN over
// the supplied vector, alpha 0.5.
func (w *WeaviateIndex) Hybrid(ctx context.Context, q SearchQuery) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Hybrid")
	defer span.End()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	hybrid := w.client.GraphQL().HybridArgumentBuilder().
		WithQuery(q.Query).
		WithAlpha(0.5).
		WithProperties([]string{"text^2", "summary^1.5", "tags"})
	if len(q.Vector) > 0 {
		hybrid = hybrid.WithVector(q.Vector)
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(datatypes.KnowledgeDocClass).
		WithFields(hitFields(false)...).
		WithWhere(w.buildFilter(q)).
		WithHybrid(hybrid).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hybrid search failed")
		return nil, fmt.Errorf("weaviate hybrid search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeDocQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse hybrid results: %w", err)
	}
	return toHits(parsed), nil
}

// BM25 implements Index: the lexical-only fallback path.
func (w *WeaviateIndex) BM25(ctx context.Context, q SearchQuery) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.BM25")
	defer span.End()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	bm25 := w.client.GraphQL().Bm25ArgBuilder().
		WithQuery(q.Query).
		WithProperties("text", "summary", "tags")

	resp, err := w.client.GraphQL().Get().
		WithClassName(datatypes.KnowledgeDocClass).
		WithFields(hitFields(false)...).
		WithWhere(w.buildFilter(q)).
		WithBM25(bm25).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bm25 search failed")
		return nil, fmt.Errorf("weaviate bm25 search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeDocQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse bm25 results: %w", err)
	}
	return toHits(parsed), nil
}

// Related implements Index: k-NN over thought documents of the same user,
// excluding the document being indexed.
func (w *WeaviateIndex) Related(ctx context.Context, user string, vector []float32, k int, excludeDocID string) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Related")
	defer span.End()

	if k <= 0 {
		k = RelatedK
	}

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"user"}).
			WithOperator(filters.Equal).
			WithValueString(user),
		filters.Where().
			WithPath([]string{"doc_type"}).
			WithOperator(filters.Equal).
			WithValueString(datatypes.DocTypeThought),
	}
	if excludeDocID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"doc_id"}).
			WithOperator(filters.NotEqual).
			WithValueString(excludeDocID))
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	resp, err := w.client.GraphQL().Get().
		WithClassName(datatypes.KnowledgeDocClass).
		WithFields(hitFields(false)...).
		WithWhere(filters.Where().WithOperator(filters.And).WithOperands(operands)).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "related search failed")
		return nil, fmt.Errorf("weaviate related search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeDocQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse related results: %w", err)
	}
	return toHits(parsed), nil
}

// FetchEmbeddings implements Index: thought documents with vectors for the
// theme graph builder.
func (w *WeaviateIndex) FetchEmbeddings(ctx context.Context, user string, window datatypes.TimeWindow, limit int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.FetchEmbeddings")
	defer span.End()

	if limit <= 0 || limit > MaxGraphDocs {
		limit = MaxGraphDocs
	}

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"user"}).
			WithOperator(filters.Equal).
			WithValueString(user),
		filters.Where().
			WithPath([]string{"doc_type"}).
			WithOperator(filters.Equal).
			WithValueString(datatypes.DocTypeThought),
	}
	if window.From > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"created_at_epoch"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(float64(window.From)))
	}
	if window.To > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"created_at_epoch"}).
			WithOperator(filters.LessThanEqual).
			WithValueNumber(float64(window.To)))
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(datatypes.KnowledgeDocClass).
		WithFields(hitFields(true)...).
		WithWhere(filters.Where().WithOperator(filters.And).WithOperands(operands)).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding fetch failed")
		return nil, fmt.Errorf("weaviate embedding fetch failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeDocQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse embedding fetch: %w", err)
	}
	return toHits(parsed), nil
}
