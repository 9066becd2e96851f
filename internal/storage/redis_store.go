package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 16

// RedisStore keeps each document as a JSON string under
// "<prefix>:<collection>:<key>" and the collection's key set under
// "<prefix>:<collection>". Conditional writes use WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password, prefix string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreFromClient(c, prefix)
}

func NewRedisStoreFromClient(c *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "records"
	}
	return &RedisStore{client: c, prefix: prefix}
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) docKey(collection, key string) string {
	return r.prefix + ":" + collection + ":" + key
}

func (r *RedisStore) indexKey(collection string) string {
	return r.prefix + ":" + collection
}

func (r *RedisStore) Get(ctx context.Context, collection, key string) (Doc, error) {
	return r.read(ctx, r.client, r.docKey(collection, key))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) read(ctx context.Context, g getter, k string) (Doc, error) {
	raw, err := g.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d Doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("corrupt document %s: %w", k, err)
	}
	return d, nil
}

func (r *RedisStore) Query(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Doc, 0)
	if len(keys) == 0 {
		return out, nil
	}
	sort.Strings(keys)
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.docKey(collection, k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	want := normalize(value)
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // deleted between SMEMBERS and MGET
		}
		var d Doc
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			continue
		}
		if fv, ok := d[field]; ok && valuesEqual(fv, want) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *RedisStore) Set(ctx context.Context, collection, key string, doc Doc) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.docKey(collection, key), b, 0)
		p.SAdd(ctx, r.indexKey(collection), key)
		return nil
	})
	return err
}

func (r *RedisStore) Update(ctx context.Context, collection, key string, fields Doc) error {
	return r.guarded(ctx, collection, key, func(Doc) error { return nil }, fields)
}

func (r *RedisStore) Delete(ctx context.Context, collection, key string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.docKey(collection, key))
		p.SRem(ctx, r.indexKey(collection), key)
		return nil
	})
	return err
}

func (r *RedisStore) ConditionalUpdate(ctx context.Context, collection, key, field string, expected any, fields Doc) error {
	return r.guarded(ctx, collection, key, func(d Doc) error {
		if !valuesEqual(d[field], expected) {
			return ErrConflict
		}
		return nil
	}, fields)
}

// guarded runs a read-check-write under WATCH. A concurrent writer aborts
// the EXEC and the check is re-evaluated against the fresh document.
func (r *RedisStore) guarded(ctx context.Context, collection, key string, check func(Doc) error, fields Doc) error {
	k := r.docKey(collection, key)
	txf := func(tx *redis.Tx) error {
		d, err := r.read(ctx, tx, k)
		if err != nil {
			return err
		}
		if err := check(d); err != nil {
			return err
		}
		merge(d, normalizeDoc(fields))
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, b, 0)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too much contention", k)
}
