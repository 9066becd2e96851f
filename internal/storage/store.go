package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrNotFound is returned when no document exists under the key.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by ConditionalUpdate when the guarded field
	// does not hold the expected value.
	ErrConflict = errors.New("record conflict")
)

// Doc is a schemaless document. Values are JSON-shaped: string, float64,
// bool, nil, []any and map[string]any.
type Doc map[string]any

// RecordStore is the document persistence used by every service. All
// cross-instance claim resolution goes through ConditionalUpdate.
type RecordStore interface {
	Get(ctx context.Context, collection, key string) (Doc, error)
	// Query returns every document in collection whose top-level field equals value.
	Query(ctx context.Context, collection, field string, value any) ([]Doc, error)
	Set(ctx context.Context, collection, key string, doc Doc) error
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, key string, fields Doc) error
	Delete(ctx context.Context, collection, key string) error
	// ConditionalUpdate merges fields only if doc[field] == expected, atomically.
	ConditionalUpdate(ctx context.Context, collection, key, field string, expected any, fields Doc) error
}

// Encode turns a JSON-tagged struct into a Doc.
func Encode(v any) (Doc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var d Doc
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return d, nil
}

// Decode fills v from d.
func Decode(d Doc, v any) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// normalize maps v onto its JSON shape so values from different sources
// compare equal (int 3 and float64 3, typed strings and plain strings).
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func normalizeDoc(d Doc) Doc {
	out, ok := normalize(map[string]any(d)).(map[string]any)
	if !ok {
		return Doc{}
	}
	return out
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func merge(dst, fields Doc) {
	for k, v := range fields {
		dst[k] = v
	}
}
