package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document pairs decoded data with the Firestore metadata callers need for
// optimistic checks and audit timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
	ReadTime   time.Time
}

// MutationResult reports the commit time of a write.
type MutationResult struct {
	UpdateTime time.Time
}

// Encoder converts a value into the form handed to Firestore. Decoder does
// the reverse for snapshots read back out.
type (
	Encoder[T any] func(T) (any, error)
	Decoder[T any] func(*firestore.DocumentSnapshot) (T, error)
)

// QueryBuilder narrows a collection query before it runs.
type QueryBuilder func(firestore.Query) firestore.Query

// BaseRepository wraps a single collection with typed reads and writes.
// Repositories in internal/repositories embed one per collection and keep
// their domain mapping on top.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	encode     Encoder[T]
	decode     Decoder[T]
}

// NewBaseRepository builds a repository over the named collection. Passing
// nil for encode or decode selects the struct-tag based defaults.
func NewBaseRepository[T any](provider *Provider, collection string, encode Encoder[T], decode Decoder[T]) *BaseRepository[T] {
	if encode == nil {
		encode = func(value T) (any, error) { return value, nil }
	}
	if decode == nil {
		decode = func(snap *firestore.DocumentSnapshot) (T, error) {
			var out T
			if err := snap.DataTo(&out); err != nil {
				return out, fmt.Errorf("decode document %s: %w", snap.Ref.ID, err)
			}
			return out, nil
		}
	}
	return &BaseRepository[T]{
		provider:   provider,
		collection: collection,
		encode:     encode,
		decode:     decode,
	}
}

// Set writes the value under id, replacing any existing document.
func (r *BaseRepository[T]) Set(ctx context.Context, id string, value T) (MutationResult, error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return MutationResult{}, err
	}
	payload, err := r.encode(value)
	if err != nil {
		return MutationResult{}, WrapError(r.opName("set"), err)
	}
	wr, err := ref.Set(ctx, payload)
	if err != nil {
		return MutationResult{}, WrapError(r.opName("set"), err)
	}
	return MutationResult{UpdateTime: wr.UpdateTime}, nil
}

// Update applies field-level updates to an existing document.
func (r *BaseRepository[T]) Update(ctx context.Context, id string, updates []firestore.Update) (MutationResult, error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return MutationResult{}, err
	}
	wr, err := ref.Update(ctx, updates)
	if err != nil {
		return MutationResult{}, WrapError(r.opName("update"), err)
	}
	return MutationResult{UpdateTime: wr.UpdateTime}, nil
}

// Get reads and decodes a single document.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.opName("get"), err)
	}
	return r.toDocument(snap)
}

// Query runs a collection query shaped by build (nil means the whole
// collection) and decodes every matching document.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(r.collection).Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(r.opName("query"), err)
		}
		doc, err := r.toDocument(snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// DocumentRef resolves the raw document reference, for use inside
// transactions where reads and writes go through the transaction handle.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection).Doc(id), nil
}

func (r *BaseRepository[T]) toDocument(snap *firestore.DocumentSnapshot) (Document[T], error) {
	data, err := r.decode(snap)
	if err != nil {
		return Document[T]{}, WrapError(r.opName("decode"), err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       data,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
		ReadTime:   snap.ReadTime,
	}, nil
}

func (r *BaseRepository[T]) opName(action string) string {
	return r.collection + "." + action
}
