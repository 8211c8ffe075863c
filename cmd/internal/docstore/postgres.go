package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL: one row per document,
// fields as JSONB, timestamps encoded as epoch nanoseconds so ORDER BY on
// them stays a cheap numeric cast.
//
// Expected schema (managed externally, not by this package):
//
//	CREATE TABLE <schema>.documents (
//	    collection  TEXT        NOT NULL,
//	    id          TEXT        NOT NULL,
//	    data        JSONB       NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (collection, id)
//	);
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close it.
//
// Concurrency model:
//   - Batch runs in one transaction; sentinel resolution (Increment,
//     ServerTimestamp, FieldDelete) reads the current row FOR UPDATE inside
//     that transaction, so counters stay exact under concurrent writers.
//   - Subscriptions re-run their query when a NOTIFY for their collection
//     arrives; per-watcher wakeups are coalesced like the memory backend's.
type PostgresStore struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema string
	clock  ServerTime

	mu        sync.Mutex
	closed    bool
	watchers  map[*memWatcher]struct{}
	listening bool
	stopLn    context.CancelFunc
}

const pgNotifyChannel = "parley_docstore"

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithClock overrides the server-timestamp clock (tests only; in production
// the database transaction time would be preferable but a single writer
// clock keeps the three backends behaviorally identical).
func WithClock(clock ServerTime) PostgresOption {
	return func(s *PostgresStore) error {
		s.clock = clock
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		log:      log,
		pool:     pool,
		schema:   "parley",
		watchers: make(map[*memWatcher]struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	if st.log == nil {
		st.log = slog.Default()
	}
	return st, nil
}

// Close stops the notification listener and wakes all pumps. The pool is
// owned by the caller and is not closed here.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stopLn != nil {
		s.stopLn()
	}
	for w := range s.watchers {
		wake(w.notify)
	}
	return nil
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "documents")
}

// Get reads one document.
func (s *PostgresStore) Get(ctx context.Context, ref Ref) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM `+s.table()+` WHERE collection = $1 AND id = $2`,
		ref.Collection, ref.ID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("get %s: %w", ref.Path(), ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", ref.Path(), err)
	}

	fields, err := decodeJSONFields(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", ref.Path(), err)
	}
	return Snapshot{Ref: ref, Exists: true, Fields: fields}, nil
}

// GetAll runs a one-shot query.
func (s *PostgresStore) GetAll(ctx context.Context, q Query) ([]Snapshot, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	sql, args := buildQuerySQL(s.table(), q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		fields, err := decodeJSONFields(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Snapshot{
			Ref:    Ref{Collection: q.Collection, ID: id},
			Exists: true,
			Fields: fields,
		})
	}
	return out, rows.Err()
}

// Batch applies all operations in one transaction.
func (s *PostgresStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.now()
	table := s.table()
	touched := make(map[string]struct{})

	for _, op := range ops {
		if op.Ref.Collection == "" || op.Ref.ID == "" {
			return fmt.Errorf("batch: empty ref")
		}
		touched[op.Ref.Collection] = struct{}{}

		switch op.Kind {
		case OpDelete:
			if _, err := tx.Exec(ctx,
				`DELETE FROM `+table+` WHERE collection = $1 AND id = $2`,
				op.Ref.Collection, op.Ref.ID,
			); err != nil {
				return fmt.Errorf("delete %s: %w", op.Ref.Path(), err)
			}
			continue

		case OpSet, OpUpdate:
			prev, found, err := lockRow(ctx, tx, table, op.Ref)
			if err != nil {
				return err
			}
			if op.Kind == OpUpdate && !found {
				return fmt.Errorf("update %s: %w", op.Ref.Path(), ErrNotFound)
			}

			next := prev
			if op.Kind == OpSet && !op.Merge {
				next = make(map[string]any)
				for k, v := range op.Fields {
					if rv, keep := resolveValue(v, prev[k], now); keep {
						next[k] = rv
					}
				}
			} else {
				if next == nil {
					next = make(map[string]any)
				}
				mutateFields(next, op.Fields, now)
			}

			raw, err := encodeJSONFields(next)
			if err != nil {
				return fmt.Errorf("encode %s: %w", op.Ref.Path(), err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+table+` (collection, id, data, updated_at)
				 VALUES ($1, $2, $3, now())
				 ON CONFLICT (collection, id)
				 DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
				op.Ref.Collection, op.Ref.ID, raw,
			); err != nil {
				return fmt.Errorf("write %s: %w", op.Ref.Path(), err)
			}

		default:
			return fmt.Errorf("batch: unknown op kind %v", op.Kind)
		}
	}

	// NOTIFY fires on commit, so remote listeners observe only committed
	// state. Local watchers are woken directly below as well; pumps
	// tolerate the occasional duplicate wakeup.
	for col := range touched {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, col); err != nil {
			return fmt.Errorf("notify %s: %w", col, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.wakeCollection(ops)
	return nil
}

func lockRow(ctx context.Context, tx pgx.Tx, table string, ref Ref) (map[string]any, bool, error) {
	var raw []byte
	err := tx.QueryRow(ctx,
		`SELECT data FROM `+table+` WHERE collection = $1 AND id = $2 FOR UPDATE`,
		ref.Collection, ref.ID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", ref.Path(), err)
	}
	fields, err := decodeJSONFields(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", ref.Path(), err)
	}
	return fields, true, nil
}

func (s *PostgresStore) wakeCollection(ops []Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		for w := range s.watchers {
			if w.collection == op.Ref.Collection {
				if w.docID == "" || w.docID == op.Ref.ID {
					wake(w.notify)
				}
			}
		}
	}
}

// Subscribe opens a live query feed backed by LISTEN/NOTIFY re-queries.
func (s *PostgresStore) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	w := &memWatcher{collection: q.Collection, notify: make(chan struct{}, 1)}
	if err := s.register(w); err != nil {
		return nil, err
	}
	querySub := newSub[[]Snapshot](1, func() { s.unregister(w) })

	go func() {
		var ferr error
		defer func() { querySub.finish(ferr) }()
		for {
			snaps, err := s.GetAll(ctx, q)
			if err != nil {
				ferr = err
				return
			}
			if !querySub.deliver(snaps) {
				return
			}
			select {
			case <-ctx.Done():
				querySub.Unsubscribe()
				return
			case <-querySub.stopped():
				return
			case <-w.notify:
				if s.isClosed() {
					return
				}
			}
		}
	}()
	return querySub, nil
}

// SubscribeDoc opens a live single-document feed.
func (s *PostgresStore) SubscribeDoc(ctx context.Context, ref Ref) (*DocSubscription, error) {
	w := &memWatcher{collection: ref.Collection, docID: ref.ID, notify: make(chan struct{}, 1)}
	if err := s.register(w); err != nil {
		return nil, err
	}
	docSub := newSub[Snapshot](1, func() { s.unregister(w) })

	go func() {
		var ferr error
		defer func() { docSub.finish(ferr) }()
		for {
			snap, err := s.Get(ctx, ref)
			if errors.Is(err, ErrNotFound) {
				snap = Snapshot{Ref: ref}
			} else if err != nil {
				ferr = err
				return
			}
			if !docSub.deliver(snap) {
				return
			}
			select {
			case <-ctx.Done():
				docSub.Unsubscribe()
				return
			case <-docSub.stopped():
				return
			case <-w.notify:
				if s.isClosed() {
					return
				}
			}
		}
	}()
	return docSub, nil
}

func (s *PostgresStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// register adds a watcher and lazily starts the LISTEN loop.
func (s *PostgresStore) register(w *memWatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.watchers[w] = struct{}{}

	if !s.listening {
		lnCtx, cancel := context.WithCancel(context.Background())
		s.stopLn = cancel
		s.listening = true
		go s.listenLoop(lnCtx)
	}
	return nil
}

func (s *PostgresStore) unregister(w *memWatcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
	wake(w.notify)
}

// listenLoop holds a dedicated connection on LISTEN and fans notifications
// out to matching watchers. On connection failure it backs off and retries;
// watchers self-heal because every wakeup re-runs the full query.
func (s *PostgresStore) listenLoop(ctx context.Context) {
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("docstore.pg.listen.retry", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			// Wake everything after a listener gap: notifications may have
			// been missed while disconnected.
			s.mu.Lock()
			for w := range s.watchers {
				wake(w.notify)
			}
			s.mu.Unlock()
			continue
		}
		return
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+pgNotifyChannel); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		for w := range s.watchers {
			if w.collection == n.Payload {
				wake(w.notify)
			}
		}
		s.mu.Unlock()
	}
}

// buildQuerySQL renders a Query. Filter values compare as text; order and
// cursor fields compare numerically because every ordered field in this
// system is a timestamp stored as epoch nanoseconds.
func buildQuerySQL(table string, q Query) (string, []any) {
	var b strings.Builder
	args := []any{q.Collection}

	b.WriteString(`SELECT id, data FROM ` + table + ` WHERE collection = $1`)

	for _, f := range q.Filters {
		args = append(args, jsonFilterText(f.Value))
		n := len(args)
		switch f.Op {
		case FilterEqual:
			fmt.Fprintf(&b, ` AND data->>%s = $%d`, quoteLit(f.Field), n)
		case FilterNotEqual:
			fmt.Fprintf(&b, ` AND data ? %s AND data->>%s <> $%d`,
				quoteLit(f.Field), quoteLit(f.Field), n)
		}
	}

	if q.StartAfter != nil && q.OrderBy != "" {
		args = append(args, jsonFilterNumeric(q.StartAfter))
		cmp := ">"
		if q.Desc {
			cmp = "<"
		}
		fmt.Fprintf(&b, ` AND (data->>%s)::numeric %s $%d`, quoteLit(q.OrderBy), cmp, len(args))
	}

	if q.OrderBy != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, ` ORDER BY (data->>%s)::numeric %s, id ASC`, quoteLit(q.OrderBy), dir)
	} else {
		b.WriteString(` ORDER BY id ASC`)
	}

	if q.Limit > 0 {
		fmt.Fprintf(&b, ` LIMIT %d`, q.Limit)
	}
	return b.String(), args
}

func jsonFilterText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return fmt.Sprintf("%d", t.UnixNano())
	default:
		return fmt.Sprint(t)
	}
}

func jsonFilterNumeric(v any) int64 {
	if t, ok := coerceTime(v); ok {
		return t.UnixNano()
	}
	n, _ := coerceInt64(v)
	return n
}

// encodeJSONFields marshals fields for JSONB storage, lowering time.Time to
// epoch nanoseconds (the one timestamp bridge for this backend).
func encodeJSONFields(fields map[string]any) ([]byte, error) {
	return json.Marshal(lowerTimes(fields))
}

func lowerTimes(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case time.Time:
			out[k] = t.UnixNano()
		case map[string]any:
			out[k] = lowerTimes(t)
		default:
			out[k] = v
		}
	}
	return out
}

func decodeJSONFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool { return pgIdentRe.MatchString(s) }

func pgIdent(schema, table string) string {
	return `"` + schema + `"."` + table + `"`
}

// quoteLit renders a JSON key as a SQL string literal. Keys come from
// compile-time constants in this codebase, never user input; the quoting is
// still strict.
func quoteLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
