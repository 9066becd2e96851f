package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore maps each collection onto a MongoDB collection, the record key
// onto _id. ConditionalUpdate is a single filtered UpdateOne.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx2, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx2, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

func (m *MongoStore) Ping(ctx context.Context) error { return m.client.Ping(ctx, nil) }

func (m *MongoStore) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }

func (m *MongoStore) Get(ctx context.Context, collection, key string) (Doc, error) {
	var raw bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": key}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromBSON(raw), nil
}

func (m *MongoStore) Query(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	cur, err := m.db.Collection(collection).Find(ctx, bson.M{field: normalize(value)},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make([]Doc, 0)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, fromBSON(raw))
	}
	return out, cur.Err()
}

func (m *MongoStore) Set(ctx context.Context, collection, key string, doc Doc) error {
	_, err := m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": key}, toBSON(doc),
		options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) Update(ctx context.Context, collection, key string, fields Doc) error {
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": toBSON(fields)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) Delete(ctx context.Context, collection, key string) error {
	_, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (m *MongoStore) ConditionalUpdate(ctx context.Context, collection, key, field string, expected any, fields Doc) error {
	coll := m.db.Collection(collection)
	res, err := coll.UpdateOne(ctx, bson.M{"_id": key, field: normalize(expected)}, bson.M{"$set": toBSON(fields)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{"_id": key})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func toBSON(d Doc) bson.M {
	out := bson.M{}
	for k, v := range normalizeDoc(d) {
		if k == "_id" {
			continue
		}
		out[k] = v
	}
	return out
}

func fromBSON(raw bson.M) Doc {
	delete(raw, "_id")
	return normalizeDoc(Doc(raw))
}
