// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stringmap implements a persistent, ordered string-to-string
// map on top of a page store. The key space is partitioned into pages,
// each identified by a boundary key: a page holds the keys that are
// greater than or equal to its boundary and less than the boundary of
// the next page. Keys that sort before every boundary belong to the
// first page. Pages are loaded lazily, modified in memory, and written
// back on Commit, at which point pages holding more than the
// configured number of entries are split.
//
// Operations on a Map are serialized on the map's task queue, which is
// distinct from the page store's queue. Commit is run by the holder of
// the map's lock.
package stringmap

import (
	"context"
	"strings"

	"github.com/google/btree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/pagemap/pagestore"
	"github.com/grailbio/pagemap/taskqueue"
)

const (
	// DefaultMaxPageEntries is the default maximum number of entries
	// in a committed page.
	DefaultMaxPageEntries = 10000

	// firstBoundary is the boundary of the page created when the
	// first key is set in an empty map. It sorts before every valid
	// key.
	firstBoundary = " "

	treeDegree = 32
)

// PageStore is the page storage used by a Map. It is implemented by
// *pagestore.Store.
type PageStore interface {
	EnumeratePages(ctx context.Context, visit func(key string) bool) error
	ReadPage(ctx context.Context, key string) ([]byte, error)
	WritePage(ctx context.Context, key string, data []byte) error
	Lock(ctx context.Context) error
	Unlock()
	Commit(ctx context.Context) error
	Validate(ctx context.Context) (pagestore.ValidateReport, error)
}

// An Option configures a Map.
type Option func(*Map)

// MaxPageEntries sets the maximum number of entries a page may hold
// after Commit.
func MaxPageEntries(n int) Option {
	if n < 1 {
		panic("stringmap: MaxPageEntries must be positive")
	}
	return func(m *Map) { m.maxEntries = n }
}

type page struct {
	key string
	// entries is nil until the page is loaded.
	entries *btree.BTreeG[Entry]
	dirty   bool
}

func pageLess(a, b *page) bool { return a.key < b.key }

// PageInfo describes a page of a Map.
type PageInfo struct {
	// Boundary is the page's boundary key.
	Boundary string
	// Loaded tells whether the page's contents are held in memory.
	Loaded bool
	// Entries is the number of entries in a loaded page.
	Entries int
	// Dirty tells whether the page has uncommitted changes.
	Dirty bool
}

// Map is a persistent string map. Map's methods are safe for
// concurrent use.
type Map struct {
	pages      PageStore
	maxEntries int
	q          *taskqueue.Queue

	// The following are accessed only by queue tasks or the lock
	// holder.
	initialized bool
	initErr     error
	tree        *btree.BTreeG[*page]
}

// New returns a Map stored in the provided page store. The map reads
// the store's set of pages on first use.
func New(pages PageStore, opts ...Option) *Map {
	m := &Map{
		pages:      pages,
		maxEntries: DefaultMaxPageEntries,
		q:          taskqueue.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close releases the map's task queue. Pending operations fail with
// errors.Canceled. Close does not close the underlying page store.
func (m *Map) Close() {
	m.q.Close()
}

// init reads the page set from the page store. Its outcome is
// remembered unless the read was canceled.
func (m *Map) init(ctx context.Context) error {
	if m.initialized {
		return m.initErr
	}
	tree := btree.NewG(treeDegree, pageLess)
	err := m.pages.EnumeratePages(ctx, func(key string) bool {
		tree.ReplaceOrInsert(&page{key: key})
		return true
	})
	if err != nil && (errors.Is(errors.Canceled, err) || ctx.Err() != nil) {
		return err
	}
	m.initialized = true
	if err != nil {
		m.initErr = errors.E("stringmap: read page set", err)
		return m.initErr
	}
	m.tree = tree
	return nil
}

// route returns the page that holds key: the page with the greatest
// boundary less than or equal to key, or the first page if key sorts
// before every boundary. Route returns nil if the map has no pages.
func (m *Map) route(key string) *page {
	var found *page
	m.tree.DescendLessOrEqual(&page{key: key}, func(p *page) bool {
		found = p
		return false
	})
	if found == nil {
		found, _ = m.tree.Min()
	}
	return found
}

func (m *Map) load(ctx context.Context, p *page) error {
	if p.entries != nil {
		return nil
	}
	data, err := m.pages.ReadPage(ctx, p.key)
	if err != nil {
		// A page in the page set that cannot be found is a storage
		// failure, not an absent key.
		if errors.Is(errors.NotExist, err) {
			return errors.E(errors.Integrity, "stringmap: load page", p.key, err)
		}
		return errors.E("stringmap: load page", p.key, err)
	}
	entries, err := decodeTree(data)
	if err != nil {
		return errors.E("stringmap: load page", p.key, err)
	}
	p.entries = entries
	return nil
}

// Get returns the value associated with key. An error of kind
// errors.NotExist is returned if the map has no value for key.
func (m *Map) Get(ctx context.Context, key string) (value string, err error) {
	err = m.q.Do(ctx, func(ctx context.Context) error {
		if err := m.init(ctx); err != nil {
			return err
		}
		p := m.route(key)
		if p == nil {
			return errors.E(errors.NotExist, "stringmap: key not found", key)
		}
		if err := m.load(ctx, p); err != nil {
			return err
		}
		e, ok := p.entries.Get(Entry{Key: key})
		if !ok {
			return errors.E(errors.NotExist, "stringmap: key not found", key)
		}
		value = e.Value
		return nil
	})
	return
}

// Set associates value with key, replacing any previous value. The
// change is held in memory until the next Commit. Keys must be
// non-empty, must not begin with a control character, and must not
// contain NUL bytes; values must be non-empty and must not contain
// NUL bytes.
func (m *Map) Set(ctx context.Context, key, value string) error {
	if err := checkEntry(key, value); err != nil {
		return err
	}
	return m.q.Do(ctx, func(ctx context.Context) error {
		if err := m.init(ctx); err != nil {
			return err
		}
		p := m.route(key)
		if p == nil {
			p = &page{key: firstBoundary, entries: newEntries()}
			m.tree.ReplaceOrInsert(p)
		} else if err := m.load(ctx, p); err != nil {
			return err
		}
		p.entries.ReplaceOrInsert(Entry{Key: key, Value: value})
		p.dirty = true
		return nil
	})
}

func checkEntry(key, value string) error {
	switch {
	case key == "":
		return errors.E(errors.Invalid, "stringmap: empty key")
	case key[0] < 0x20 || key[0] == 0x7f:
		return errors.E(errors.Invalid, "stringmap: key begins with a control character", key)
	case strings.IndexByte(key, 0) >= 0:
		return errors.E(errors.Invalid, "stringmap: key contains NUL", key)
	case value == "":
		return errors.E(errors.Invalid, "stringmap: empty value for key", key)
	case strings.IndexByte(value, 0) >= 0:
		return errors.E(errors.Invalid, "stringmap: value contains NUL for key", key)
	}
	return nil
}

// Lock acquires the map's exclusive lock, waiting for previously
// submitted operations to complete. Operations submitted while the map
// is locked wait until it is unlocked, or until their context is done;
// the lock holder therefore calls Set before Lock and only Commit
// while holding it.
func (m *Map) Lock(ctx context.Context) error {
	return m.q.Lock(ctx)
}

// Unlock releases the map's lock.
func (m *Map) Unlock() {
	m.q.Unlock()
}

// Commit makes the map's uncommitted changes durable. Oversized pages
// are split, every modified page is written to the page store, and the
// page store is committed. Pages remain modified if the commit fails,
// so that a later Commit retries them. Commit must be called by the
// holder of the map's lock.
func (m *Map) Commit(ctx context.Context) error {
	if !m.q.Locked() {
		return errors.E(errors.Invalid, "stringmap: commit requires lock")
	}
	if m.tree == nil {
		return nil
	}
	m.splitPages()
	var dirty []*page
	m.tree.Ascend(func(p *page) bool {
		if p.dirty {
			dirty = append(dirty, p)
		}
		return true
	})
	if len(dirty) == 0 {
		return nil
	}
	for _, p := range dirty {
		if err := m.pages.WritePage(ctx, p.key, encodeTree(p.entries)); err != nil {
			return errors.E("stringmap: commit", err)
		}
	}
	if err := m.pages.Lock(ctx); err != nil {
		return errors.E("stringmap: commit", err)
	}
	err := m.pages.Commit(ctx)
	m.pages.Unlock()
	if err != nil {
		return errors.E("stringmap: commit", err)
	}
	for _, p := range dirty {
		p.dirty = false
	}
	return nil
}

// Validate checks that every page in the page store's index refers to
// an existing object.
func (m *Map) Validate(ctx context.Context) (pagestore.ValidateReport, error) {
	return m.pages.Validate(ctx)
}

// Pages returns a description of each of the map's pages, in boundary
// order.
func (m *Map) Pages(ctx context.Context) ([]PageInfo, error) {
	var infos []PageInfo
	err := m.q.Do(ctx, func(ctx context.Context) error {
		if err := m.init(ctx); err != nil {
			return err
		}
		m.tree.Ascend(func(p *page) bool {
			info := PageInfo{Boundary: p.key, Loaded: p.entries != nil, Dirty: p.dirty}
			if p.entries != nil {
				info.Entries = p.entries.Len()
			}
			infos = append(infos, info)
			return true
		})
		return nil
	})
	return infos, err
}
