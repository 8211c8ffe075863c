package app

import (
	"context"
	"time"

	"parley/cmd/internal/docstore"
)

// instrumentedStore decorates a docstore.Store with per-op latency
// observation. Subscriptions are timed on establishment only; the emission
// stream itself is not on any request path worth a histogram.
type instrumentedStore struct {
	inner   docstore.Store
	metrics *Metrics
}

func withStoreMetrics(inner docstore.Store, metrics *Metrics) docstore.Store {
	if metrics == nil {
		return inner
	}
	return &instrumentedStore{inner: inner, metrics: metrics}
}

func (s *instrumentedStore) observe(op string, start time.Time) {
	s.metrics.observeStoreOp(op, time.Since(start).Seconds())
}

func (s *instrumentedStore) Get(ctx context.Context, ref docstore.Ref) (docstore.Snapshot, error) {
	defer s.observe("get", time.Now())
	return s.inner.Get(ctx, ref)
}

func (s *instrumentedStore) GetAll(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	defer s.observe("get_all", time.Now())
	return s.inner.GetAll(ctx, q)
}

func (s *instrumentedStore) Batch(ctx context.Context, ops []docstore.Op) error {
	defer s.observe("batch", time.Now())
	return s.inner.Batch(ctx, ops)
}

func (s *instrumentedStore) Subscribe(ctx context.Context, q docstore.Query) (*docstore.Subscription, error) {
	defer s.observe("subscribe", time.Now())
	return s.inner.Subscribe(ctx, q)
}

func (s *instrumentedStore) SubscribeDoc(ctx context.Context, ref docstore.Ref) (*docstore.DocSubscription, error) {
	defer s.observe("subscribe_doc", time.Now())
	return s.inner.SubscribeDoc(ctx, ref)
}

func (s *instrumentedStore) Close() error { return s.inner.Close() }
