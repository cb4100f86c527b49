package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultFirestoreCollection is the collection used when none is configured.
const DefaultFirestoreCollection = "tabsync_records"

// FirestoreBackend implements Backend using Google Cloud Firestore.
// Each record is a document whose id is the composite key.
//
// Important Notes:
//   - ClearAll and List filter on owner_user_id, which Firestore indexes
//     automatically for single-field equality
//   - Deletes in ClearAll go through a BulkWriter
type FirestoreBackend struct {
	client  *firestore.Client
	collRef *firestore.CollectionRef
	mu      sync.RWMutex
	closed  bool
}

// FirestoreConfig contains configuration for the Firestore backend.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

type firestoreRecord struct {
	OwnerUserID    string    `firestore:"owner_user_id"`
	LogicalKey     string    `firestore:"logical_key"`
	Payload        string    `firestore:"payload"`
	WriteTimestamp time.Time `firestore:"write_timestamp"`
}

// NewFirestoreBackend creates a Firestore client for cfg.ProjectID.
// Without a credentials file, Application Default Credentials are used.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultFirestoreCollection
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create firestore client: %v", ErrUnsupported, err)
	}

	return &FirestoreBackend{
		client:  client,
		collRef: client.Collection(cfg.Collection),
	}, nil
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Put implements Backend.
func (b *FirestoreBackend) Put(ctx context.Context, rec *Record) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	doc := firestoreRecord{
		OwnerUserID:    rec.OwnerUserID,
		LogicalKey:     string(rec.LogicalKey),
		Payload:        string(rec.Payload),
		WriteTimestamp: rec.WriteTimestamp,
	}
	if _, err := b.collRef.Doc(rec.CompositeKey).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to set document %s: %w", rec.CompositeKey, err)
	}
	return nil
}

func firestoreToRecord(id string, doc *firestoreRecord) *Record {
	return &Record{
		CompositeKey:   id,
		OwnerUserID:    doc.OwnerUserID,
		LogicalKey:     LogicalKey(doc.LogicalKey),
		Payload:        []byte(doc.Payload),
		WriteTimestamp: doc.WriteTimestamp.UTC(),
	}
}

// Get implements Backend.
func (b *FirestoreBackend) Get(ctx context.Context, owner string, key LogicalKey) (*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	id := CompositeKey(owner, key)
	snap, err := b.collRef.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}

	var doc firestoreRecord
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	return firestoreToRecord(id, &doc), nil
}

// Delete implements Backend.
func (b *FirestoreBackend) Delete(ctx context.Context, owner string, key LogicalKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	id := CompositeKey(owner, key)
	if _, err := b.collRef.Doc(id).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// ClearAll implements Backend.
func (b *FirestoreBackend) ClearAll(ctx context.Context, owner string) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	iter := b.collRef.Where("owner_user_id", "==", owner).Documents(ctx)
	defer iter.Stop()

	bulkWriter := b.client.BulkWriter(ctx)
	deleted := 0
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bulkWriter.End()
			return deleted, fmt.Errorf("failed to iterate documents: %w", err)
		}

		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			bulkWriter.End()
			return deleted, fmt.Errorf("failed to queue delete: %w", err)
		}
		deleted++
	}

	// End flushes every queued delete before returning.
	bulkWriter.End()
	return deleted, nil
}

// List implements Backend.
func (b *FirestoreBackend) List(ctx context.Context, owner string) ([]*Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	iter := b.collRef.Where("owner_user_id", "==", owner).Documents(ctx)
	defer iter.Stop()

	records := []*Record{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate documents: %w", err)
		}

		var doc firestoreRecord
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", snap.Ref.ID, err)
		}
		records = append(records, firestoreToRecord(snap.Ref.ID, &doc))
	}
	sortRecords(records)
	return records, nil
}

// Ping reads at most one document to check the service is reachable.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	iter := b.collRef.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
