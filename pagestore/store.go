// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pagestore maps page keys to byte blobs ("pages"), each
// stored as an individual object in a datastore.Store. An index
// object at the store's root records which object holds the current
// contents of each key:
//
//	<root>/index.json          {"pages": [{"key": ..., "name": ...}, ...]}
//	<root>/pages/<name>.page   page contents
//
// Writes are buffered in memory until Commit, which writes every
// buffered page to a freshly named object, publishes a new index in a
// single write, and then deletes the objects the new index no longer
// references. A failed commit leaves the published index untouched.
//
// All operations on a Store are serialized on the store's task queue.
// Commit is run by the holder of the queue's lock (see Lock), so that
// it observes a quiescent set of buffered writes.
package pagestore

import (
	"context"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pagemap/datastore"
	"github.com/grailbio/pagemap/metrics"
	"github.com/grailbio/pagemap/taskqueue"
)

const (
	indexName    = "index.json"
	pagesDir     = "pages"
	pageSuffix   = ".page"
	legacyPrefix = "#"

	defaultWriteParallelism = 16
)

var (
	pageReads       = metrics.NewCounter("pagestore.page_reads")
	pageWrites      = metrics.NewCounter("pagestore.page_writes")
	indexLoads      = metrics.NewCounter("pagestore.index_loads")
	indexWrites     = metrics.NewCounter("pagestore.index_writes")
	commits         = metrics.NewCounter("pagestore.commits")
	commitFailures  = metrics.NewCounter("pagestore.commit_failures")
	obsoleteDeletes = metrics.NewCounter("pagestore.obsolete_deletes")
	deleteFailures  = metrics.NewCounter("pagestore.delete_failures")
)

// An Option configures a Store.
type Option func(*Store)

// WithEncryption sets the encryption setting passed to the datastore
// for every load and write. The default is datastore.EncryptDefault.
func WithEncryption(enc datastore.Encryption) Option {
	return func(s *Store) { s.enc = enc }
}

// WithWriteParallelism sets the maximum number of page objects written
// concurrently by Commit.
func WithWriteParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.writeParallelism = n
		}
	}
}

// Store is a page store rooted at a location in a datastore.
type Store struct {
	data             datastore.Store
	root             datastore.Path
	enc              datastore.Encryption
	writeParallelism int
	newName          func() (string, error)

	q     *taskqueue.Queue
	scope metrics.Scope

	// The following are accessed only from the queue's tasks, or by
	// the lock holder.
	loaded bool
	table  map[string]string
	dirty  map[string][]byte
}

// New returns a Store for the pages rooted at root in data. The
// index is loaded lazily, on first use.
func New(data datastore.Store, root datastore.Path, opts ...Option) *Store {
	s := &Store{
		data:             data,
		root:             root,
		writeParallelism: defaultWriteParallelism,
		newName:          randomName,
		q:                taskqueue.New(),
		dirty:            make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the location of the store.
func (s *Store) Root() datastore.Path { return s.root }

// Metrics returns the store's operation counters.
func (s *Store) Metrics() *metrics.Scope { return &s.scope }

// Close shuts down the store's task queue. Uncommitted writes are lost.
func (s *Store) Close() {
	s.q.Close()
}

// EnumeratePages calls visit with the key of every committed page, in
// key order. If visit returns false, enumeration stops and an error of
// kind errors.Canceled is returned.
func (s *Store) EnumeratePages(ctx context.Context, visit func(key string) bool) error {
	err := s.q.Do(ctx, func(ctx context.Context) error {
		if err := s.loadTable(ctx); err != nil {
			return err
		}
		for _, key := range sortedKeys(s.table) {
			if !visit(key) {
				return errors.E(errors.Canceled, "enumeration stopped")
			}
		}
		return nil
	})
	s.logError("enumerate", "", err)
	return err
}

// ReadPage returns the contents of the page with the provided key. A
// buffered, uncommitted write takes precedence over the committed
// page. An error of kind errors.NotExist is returned if there is no
// such page.
func (s *Store) ReadPage(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.q.Do(ctx, func(ctx context.Context) error {
		if buf, ok := s.dirty[key]; ok {
			data = append([]byte{}, buf...)
			return nil
		}
		if err := s.loadTable(ctx); err != nil {
			return err
		}
		name, ok := s.table[key]
		if !ok {
			return errors.E(errors.NotExist, "read page", key)
		}
		p := s.objectPath(name)
		var err error
		data, err = s.data.Load(ctx, p, s.enc)
		if errors.Is(errors.NotExist, err) {
			return errors.E(errors.Integrity, "read page", key, "missing object", p.String(), err)
		}
		if err != nil {
			return errors.E("read page", key, err)
		}
		pageReads.Incr(&s.scope, 1)
		log.Debug.Printf("pagestore %s: read page %q from %s (%d bytes)", s.root, key, p, len(data))
		return nil
	})
	s.logError("read page", key, err)
	return data, err
}

// WritePage buffers data as the new contents of the page with the
// provided key. The write is not durable until the next successful
// Commit; a later write to the same key replaces it.
func (s *Store) WritePage(ctx context.Context, key string, data []byte) error {
	buf := append([]byte{}, data...)
	err := s.q.Do(ctx, func(ctx context.Context) error {
		s.dirty[key] = buf
		return nil
	})
	s.logError("write page", key, err)
	return err
}

// Lock acquires the store's exclusive lock: it returns once all
// previously submitted operations have completed. Operations submitted
// while the store is locked are held until Unlock.
func (s *Store) Lock(ctx context.Context) error {
	return s.q.Lock(ctx)
}

// Unlock releases the lock acquired by Lock.
func (s *Store) Unlock() {
	s.q.Unlock()
}

// Commit makes all buffered writes durable; see the package
// documentation. Commit must be called while holding the store's lock.
func (s *Store) Commit(ctx context.Context) error {
	if !s.q.Locked() {
		return errors.E(errors.Invalid, "commit: page store is not locked")
	}
	err := s.commit(ctx)
	if err != nil && !errors.Is(errors.Canceled, err) {
		commitFailures.Incr(&s.scope, 1)
	}
	s.logError("commit", "", err)
	return err
}

// logError logs err unless it is nil, a cancellation, or a missing
// page.
func (s *Store) logError(op, key string, err error) {
	if err == nil || errors.Is(errors.Canceled, err) || errors.Is(errors.NotExist, err) {
		return
	}
	if key != "" {
		log.Error.Printf("pagestore %s: %s %q: %v", s.root, op, key, err)
	} else {
		log.Error.Printf("pagestore %s: %s: %v", s.root, op, err)
	}
}

// objectPath returns the datastore path of the object with the
// provided name. Names carrying the legacy prefix refer to objects
// stored directly under the root.
func (s *Store) objectPath(name string) datastore.Path {
	if len(name) > len(legacyPrefix) && name[:len(legacyPrefix)] == legacyPrefix {
		return s.root.Join(name[len(legacyPrefix):])
	}
	return s.root.Join(pagesDir).Join(name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
