package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// Defaults for MongoBackend.
const (
	DefaultMongoDatabase   = "tabsync"
	DefaultMongoCollection = "records"
)

// MongoBackend implements Backend on a MongoDB collection. The document id is
// the composite key.
type MongoBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.RWMutex
	closed     bool
}

// MongoConfig holds MongoDB connection configuration.
type MongoConfig struct {
	// URI is the connection string. The database is taken from its path
	// when Database is empty.
	URI string
	// Database overrides the database name.
	Database string
	// Collection is the collection name (default: "records").
	Collection string
}

type mongoRecord struct {
	CompositeKey   string    `bson:"_id"`
	OwnerUserID    string    `bson:"ownerUserId"`
	LogicalKey     string    `bson:"logicalKey"`
	Payload        string    `bson:"payload"`
	WriteTimestamp time.Time `bson:"writeTimestamp"`
}

func toMongoRecord(rec *Record) mongoRecord {
	return mongoRecord{
		CompositeKey:   rec.CompositeKey,
		OwnerUserID:    rec.OwnerUserID,
		LogicalKey:     string(rec.LogicalKey),
		Payload:        string(rec.Payload),
		WriteTimestamp: rec.WriteTimestamp,
	}
}

func (m mongoRecord) record() *Record {
	return &Record{
		CompositeKey:   m.CompositeKey,
		OwnerUserID:    m.OwnerUserID,
		LogicalKey:     LogicalKey(m.LogicalKey),
		Payload:        []byte(m.Payload),
		WriteTimestamp: m.WriteTimestamp.UTC(),
	}
}

// mongoDatabaseName picks the database from cfg or from the URI path.
func mongoDatabaseName(cfg MongoConfig) string {
	if cfg.Database != "" {
		return cfg.Database
	}
	cs, err := connstring.ParseAndValidate(cfg.URI)
	if err == nil && cs.Database != "" {
		return cs.Database
	}
	return DefaultMongoDatabase
}

// NewMongoBackend connects to MongoDB and ensures the owner index exists.
func NewMongoBackend(ctx context.Context, cfg MongoConfig) (*MongoBackend, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultMongoCollection
	}

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(50).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to mongodb: %v", ErrUnsupported, err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping mongodb: %v", ErrUnsupported, err)
	}

	collection := client.Database(mongoDatabaseName(cfg)).Collection(cfg.Collection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerUserId", Value: 1}, {Key: "logicalKey", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create owner index: %w", err)
	}

	return &MongoBackend{client: client, collection: collection}, nil
}

func (b *MongoBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Put implements Backend.
func (b *MongoBackend) Put(ctx context.Context, rec *Record) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	_, err := b.collection.ReplaceOne(ctx,
		bson.M{"_id": rec.CompositeKey},
		toMongoRecord(rec),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Get implements Backend.
func (b *MongoBackend) Get(ctx context.Context, owner string, key LogicalKey) (*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var doc mongoRecord
	err := b.collection.FindOne(ctx, bson.M{"_id": CompositeKey(owner, key)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find record: %w", err)
	}
	return doc.record(), nil
}

// Delete implements Backend.
func (b *MongoBackend) Delete(ctx context.Context, owner string, key LogicalKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	if _, err := b.collection.DeleteOne(ctx, bson.M{"_id": CompositeKey(owner, key)}); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ClearAll implements Backend. It collects the owner's ids with a cursor and
// removes them with one DeleteMany.
func (b *MongoBackend) ClearAll(ctx context.Context, owner string) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	cursor, err := b.collection.Find(ctx,
		bson.M{"ownerUserId": owner},
		options.Find().SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, fmt.Errorf("find owner records: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return 0, fmt.Errorf("decode record id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return 0, fmt.Errorf("iterate owner records: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := b.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("delete owner records: %w", err)
	}
	return int(res.DeletedCount), nil
}

// List implements Backend.
func (b *MongoBackend) List(ctx context.Context, owner string) ([]*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	cursor, err := b.collection.Find(ctx,
		bson.M{"ownerUserId": owner},
		options.Find().SetSort(bson.D{{Key: "logicalKey", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find owner records: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []mongoRecord
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode owner records: %w", err)
	}

	records := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.record())
	}
	return records, nil
}

// Ping implements Backend.
func (b *MongoBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx, readpref.Primary())
}

// Close implements Backend.
func (b *MongoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}
