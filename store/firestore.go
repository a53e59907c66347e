package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// FirestoreStore persists each room's update log as one Firestore document
// per path, with one sub-document per update record, ordered by a
// zero-padded sequence number. Adapted from the teacher's whole-document
// FirestoreStore: same collection/sub-collection/zero-pad scheme, repointed
// at individual update *records* instead of whole-document snapshots.
type FirestoreStore struct {
	client     *firestore.Client
	collection string

	mu     sync.Mutex
	closed bool
	seq    map[string]int
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore
// client, rooted at the given collection name.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "rooms"
	}
	return &FirestoreStore{client: client, collection: collection, seq: map[string]int{}}
}

func (s *FirestoreStore) roomRef(path string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(path)
}

func (s *FirestoreStore) updatesCollection(path string) *firestore.CollectionRef {
	return s.roomRef(path).Collection("updates")
}

func zeroPad(n int) string {
	return fmt.Sprintf("%010d", n)
}

func (s *FirestoreStore) Read(ctx context.Context, path string) ([]Update, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	iter := s.updatesCollection(path).OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []Update
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: firestore read %s: %w", path, err)
		}
		data := snap.Data()
		ts, _ := data["timestamp"].(time.Time)
		update := Update{
			Data:      bytesOf(data["data"]),
			Metadata:  bytesOf(data["metadata"]),
			Timestamp: ts,
		}
		out = append(out, update)
	}
	s.mu.Lock()
	if len(out) > s.seq[path] {
		s.seq[path] = len(out)
	}
	s.mu.Unlock()
	return out, nil
}

func bytesOf(v interface{}) []byte {
	b, _ := v.([]byte)
	return b
}

func (s *FirestoreStore) Write(ctx context.Context, path string, data []byte, metadata []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	n := s.seq[path] + 1
	s.seq[path] = n
	s.mu.Unlock()

	_, err := s.updatesCollection(path).Doc(zeroPad(n)).Set(ctx, map[string]interface{}{
		"data":      data,
		"metadata":  metadata,
		"timestamp": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("store: firestore write %s: %w", path, err)
	}
	return nil
}

func (s *FirestoreStore) Squash(ctx context.Context, path string, snapshot []byte, metadata []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	iter := s.updatesCollection(path).Documents(ctx)
	defer iter.Stop()

	var refs []*firestore.DocumentRef
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("store: firestore squash list %s: %w", path, err)
		}
		refs = append(refs, snap.Ref)
	}

	bw := s.client.BulkWriter(ctx)
	for _, ref := range refs {
		if _, err := bw.Delete(ref); err != nil {
			return fmt.Errorf("store: firestore squash delete %s: %w", path, err)
		}
	}
	bw.End()

	s.mu.Lock()
	s.seq[path] = 0
	s.mu.Unlock()
	return s.Write(ctx, path, snapshot, metadata)
}

func (s *FirestoreStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.client.Close()
}

func (s *FirestoreStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
