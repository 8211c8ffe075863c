package docstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements Store on Cloud Firestore. The contract maps
// almost one-to-one: atomic WriteBatch, snapshot listeners, server-side
// sentinel transforms. The only translation is between this package's
// sentinels/ops and the firestore client's.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore opens a Firestore client through the Firebase app
// bootstrap. credentialsFile may be empty to use ambient credentials.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// Close releases the underlying client.
func (s *FirestoreStore) Close() error { return s.client.Close() }

func (s *FirestoreStore) doc(ref Ref) *firestore.DocumentRef {
	return s.client.Collection(ref.Collection).Doc(ref.ID)
}

// Get reads one document.
func (s *FirestoreStore) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	snap, err := s.doc(ref).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Snapshot{}, fmt.Errorf("get %s: %w", ref.Path(), ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", ref.Path(), err)
	}
	return fsSnapshot(ref.Collection, snap), nil
}

// GetAll runs a one-shot query.
func (s *FirestoreStore) GetAll(ctx context.Context, q Query) ([]Snapshot, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	it := s.buildQuery(q).Documents(ctx)
	defer it.Stop()

	var out []Snapshot
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, err)
		}
		out = append(out, fsSnapshot(q.Collection, doc))
	}
}

// Batch applies all operations in one atomic WriteBatch.
func (s *FirestoreStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	b := s.client.Batch()
	for _, op := range ops {
		ref := s.doc(op.Ref)
		switch op.Kind {
		case OpSet:
			if op.Merge {
				b.Set(ref, fsValues(op.Fields), firestore.MergeAll)
			} else {
				b.Set(ref, fsValues(op.Fields))
			}
		case OpUpdate:
			updates := make([]firestore.Update, 0, len(op.Fields))
			for k, v := range op.Fields {
				updates = append(updates, firestore.Update{Path: k, Value: fsValue(v)})
			}
			b.Update(ref, updates)
		case OpDelete:
			b.Delete(ref)
		default:
			return fmt.Errorf("batch: unknown op kind %v", op.Kind)
		}
	}

	if _, err := b.Commit(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("batch: %w", ErrNotFound)
		}
		return fmt.Errorf("batch: %w", err)
	}
	return nil
}

// Subscribe opens a native snapshot listener on the query.
func (s *FirestoreStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	snapCtx, cancel := context.WithCancel(ctx)
	it := s.buildQuery(q).Snapshots(snapCtx)
	sub := newSub[[]Snapshot](1, func() {
		cancel()
		it.Stop()
	})

	go func() {
		var ferr error
		defer func() { sub.finish(ferr) }()
		for {
			qs, err := it.Next()
			if err != nil {
				if snapCtx.Err() == nil {
					ferr = err
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				ferr = err
				return
			}
			snaps := make([]Snapshot, 0, len(docs))
			for _, d := range docs {
				snaps = append(snaps, fsSnapshot(q.Collection, d))
			}
			if !sub.deliver(snaps) {
				return
			}
		}
	}()
	return sub, nil
}

// SubscribeDoc opens a native snapshot listener on one document.
func (s *FirestoreStore) SubscribeDoc(ctx context.Context, ref Ref) (*DocSubscription, error) {
	snapCtx, cancel := context.WithCancel(ctx)
	it := s.doc(ref).Snapshots(snapCtx)
	sub := newSub[Snapshot](1, func() {
		cancel()
		it.Stop()
	})

	go func() {
		var ferr error
		defer func() { sub.finish(ferr) }()
		for {
			doc, err := it.Next()
			if err != nil {
				if snapCtx.Err() == nil {
					ferr = err
				}
				return
			}
			snap := Snapshot{Ref: ref}
			if doc.Exists() {
				snap = fsSnapshot(ref.Collection, doc)
			}
			if !sub.deliver(snap) {
				return
			}
		}
	}()
	return sub, nil
}

func (s *FirestoreStore) buildQuery(q Query) firestore.Query {
	fq := s.client.Collection(q.Collection).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), fsValue(f.Value))
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
		if q.StartAfter != nil {
			fq = fq.StartAfter(fsValue(q.StartAfter))
		}
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

func fsSnapshot(collection string, doc *firestore.DocumentSnapshot) Snapshot {
	return Snapshot{
		Ref:    Ref{Collection: collection, ID: doc.Ref.ID},
		Exists: true,
		// Data() already bridges Firestore Timestamps to time.Time, which is
		// exactly this package's canonical representation.
		Fields: doc.Data(),
	}
}

func fsValues(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = fsValue(v)
	}
	return out
}

func fsValue(v any) any {
	switch t := v.(type) {
	case serverTimestampSentinel:
		return firestore.ServerTimestamp
	case fieldDeleteSentinel:
		return firestore.Delete
	case incrementSentinel:
		return firestore.Increment(t.n)
	case map[string]any:
		return fsValues(t)
	default:
		return v
	}
}
