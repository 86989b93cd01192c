// Package boltstore is the embedded, single-instance store.Store backend,
// grounded on the teacher's services/orchestrator/persistence.go
// (WorkflowStore): bbolt opened with the same Timeout/NoGrowSync/
// FreelistArrayType options, one bucket per collection created lazily on
// first use, documents JSON-encoded by _id, and a prefix-scanning cursor
// for ordered reads (persistence.go's ListExecutions time-range scan).
//
// It exists for tests and small single-process deployments. It has no
// oplog, so Watch always returns store.ErrUnsupported: a Scheduler running
// on this backend falls back to reconciliation-only ingestion (SPEC_FULL.md
// §4.4), polling for changes instead of subscribing to them.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/reactivetask/internal/store"
	"github.com/swarmguard/reactivetask/pkg/filter"
)

// Store is the boltstore implementation of store.Store.
type Store struct {
	db *bbolt.DB

	// mu serializes every write path, standing in for Mongo's per-document
	// atomicity and WithTransaction's session isolation. This is the
	// tradeoff the embedded backend makes for simplicity: correctness over
	// the same level of concurrency Mongo gives the production backend.
	mu sync.Mutex

	predicates *filter.Compiler
}

// Open opens (creating if absent) a bolt-backed store at path.
func Open(path string) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	return &Store{db: db, predicates: filter.NewCompiler()}, nil
}

func (s *Store) Backend() string { return "bolt" }

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

func (s *Store) Collection(name string) store.Collection {
	return &collection{store: s, name: name}
}

func bucketName(collection string) []byte { return []byte(collection) }

func (s *Store) ensureBucket(collection string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName(collection))
		return err
	})
}

// WithTransaction runs fn under the store's single write mutex. Nested
// calls from within fn that also try to take the mutex would deadlock, so
// callers must route every store call reachable from fn through the
// provided SessionContext rather than back through Store directly — the
// same discipline Mongo's own session-bound operations require, just
// enforced by convention instead of a driver-level guard.
func (s *Store) WithTransaction(ctx context.Context, fn func(sc store.SessionContext) (any, error)) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(sessionContext{Context: ctx})
}

type sessionContext struct {
	context.Context
}

type collection struct {
	store *Store
	name  string
}

func (c *collection) FindOneAndUpdate(ctx context.Context, filterDoc, update store.Doc, opts store.FindOneAndUpdateOptions) (store.Doc, error) {
	if err := c.store.ensureBucket(c.name); err != nil {
		return nil, err
	}
	matcher, err := c.store.predicates.CompilePredicate(filterDoc)
	if err != nil {
		return nil, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var result store.Doc
	err = c.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(c.name))
		var candidates []store.Doc
		_ = b.ForEach(func(k, v []byte) error {
			var doc store.Doc
			if jsonErr := json.Unmarshal(v, &doc); jsonErr != nil {
				return nil
			}
			if matcher.Match(doc) {
				candidates = append(candidates, doc)
			}
			return nil
		})

		if len(candidates) == 0 {
			if !opts.Upsert {
				return nil
			}
			base := store.Doc{}
			for k, v := range filterDoc {
				base[k] = v
			}
			updated := applyUpdate(base, update)
			id, _ := updated["_id"].(string)
			if id == "" {
				return fmt.Errorf("boltstore: upsert requires an _id")
			}
			if b.Get([]byte(id)) != nil {
				return fmt.Errorf("boltstore: upsert: duplicate key %q", id)
			}
			data, mErr := json.Marshal(updated)
			if mErr != nil {
				return mErr
			}
			if pErr := b.Put([]byte(id), data); pErr != nil {
				return pErr
			}
			result = updated
			return nil
		}

		sortDocs(candidates, opts.Sort)
		chosen := candidates[0]
		updated := applyUpdate(chosen, update)
		id, _ := updated["_id"].(string)
		data, mErr := json.Marshal(updated)
		if mErr != nil {
			return mErr
		}
		if pErr := b.Put([]byte(id), data); pErr != nil {
			return pErr
		}
		if opts.ReturnNewDoc {
			result = updated
		} else {
			result = chosen
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, store.ErrNoDocuments
	}
	return result, nil
}

func (c *collection) FindOne(ctx context.Context, filterDoc store.Doc) (store.Doc, error) {
	docs, err := c.scan(filterDoc, store.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNoDocuments
	}
	return docs[0], nil
}

func (c *collection) FindMany(ctx context.Context, filterDoc store.Doc, opts store.FindOptions) (store.Cursor, error) {
	docs, err := c.scan(filterDoc, opts)
	if err != nil {
		return nil, err
	}
	return &sliceCursor{docs: docs, idx: -1}, nil
}

func (c *collection) scan(filterDoc store.Doc, opts store.FindOptions) ([]store.Doc, error) {
	if err := c.store.ensureBucket(c.name); err != nil {
		return nil, err
	}
	matcher, err := c.store.predicates.CompilePredicate(filterDoc)
	if err != nil {
		return nil, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var docs []store.Doc
	err = c.store.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc store.Doc
			if jsonErr := json.Unmarshal(v, &doc); jsonErr != nil {
				return nil
			}
			if matcher.Match(doc) {
				docs = append(docs, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortDocs(docs, opts.Sort)
	if opts.Limit > 0 && int64(len(docs)) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

func (c *collection) UpdateOne(ctx context.Context, filterDoc, update store.Doc) (store.UpdateResult, error) {
	_, err := c.FindOneAndUpdate(ctx, filterDoc, update, store.FindOneAndUpdateOptions{})
	if err == store.ErrNoDocuments {
		return store.UpdateResult{}, nil
	}
	if err != nil {
		return store.UpdateResult{}, err
	}
	return store.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *collection) UpdateMany(ctx context.Context, filterDoc, update store.Doc) (store.UpdateResult, error) {
	if err := c.store.ensureBucket(c.name); err != nil {
		return store.UpdateResult{}, err
	}
	matcher, err := c.store.predicates.CompilePredicate(filterDoc)
	if err != nil {
		return store.UpdateResult{}, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var matched int64
	err = c.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(c.name))
		var keys [][]byte
		var docs []store.Doc
		_ = b.ForEach(func(k, v []byte) error {
			var doc store.Doc
			if jsonErr := json.Unmarshal(v, &doc); jsonErr != nil {
				return nil
			}
			if matcher.Match(doc) {
				keys = append(keys, append([]byte(nil), k...))
				docs = append(docs, doc)
			}
			return nil
		})
		for i, doc := range docs {
			updated := applyUpdate(doc, update)
			data, mErr := json.Marshal(updated)
			if mErr != nil {
				return mErr
			}
			if pErr := b.Put(keys[i], data); pErr != nil {
				return pErr
			}
			matched++
		}
		return nil
	})
	return store.UpdateResult{MatchedCount: matched, ModifiedCount: matched}, err
}

func (c *collection) DeleteMany(ctx context.Context, filterDoc store.Doc) (int64, error) {
	if err := c.store.ensureBucket(c.name); err != nil {
		return 0, err
	}
	matcher, err := c.store.predicates.CompilePredicate(filterDoc)
	if err != nil {
		return 0, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var deleted int64
	err = c.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(c.name))
		var keys [][]byte
		_ = b.ForEach(func(k, v []byte) error {
			var doc store.Doc
			if jsonErr := json.Unmarshal(v, &doc); jsonErr != nil {
				return nil
			}
			if matcher.Match(doc) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (c *collection) CountDocuments(ctx context.Context, filterDoc store.Doc) (int64, error) {
	docs, err := c.scan(filterDoc, store.FindOptions{})
	return int64(len(docs)), err
}

// EnsureIndexes is a no-op: bolt has no secondary indexes, and every scan
// in this backend is already a full-bucket iteration. Kept as a method so
// callers don't need a backend type switch at setup time.
func (c *collection) EnsureIndexes(ctx context.Context, indexes []store.IndexSpec) error {
	return c.store.ensureBucket(c.name)
}

// Watch is unsupported: bolt has no change-notification source.
func (c *collection) Watch(ctx context.Context, resumeToken store.Doc) (store.ChangeStream, error) {
	return nil, store.ErrUnsupported
}

type sliceCursor struct {
	docs []store.Doc
	idx  int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *sliceCursor) Decode(out *store.Doc) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return fmt.Errorf("boltstore: cursor out of range")
	}
	*out = c.docs[c.idx]
	return nil
}

func (c *sliceCursor) Err() error                      { return nil }
func (c *sliceCursor) Close(ctx context.Context) error { return nil }

func sortDocs(docs []store.Doc, sortSpec store.Doc) {
	if len(sortSpec) == 0 {
		return
	}
	type key struct {
		field string
		dir   int
	}
	var keys []key
	for f, d := range sortSpec {
		dir := 1
		if n, ok := d.(int); ok && n < 0 {
			dir = -1
		}
		keys = append(keys, key{f, dir})
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			a := fmt.Sprintf("%v", docs[i][k.field])
			b := fmt.Sprintf("%v", docs[j][k.field])
			if a == b {
				continue
			}
			if k.dir > 0 {
				return a < b
			}
			return a > b
		}
		return false
	})
}
