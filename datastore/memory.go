// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package datastore

import (
	"context"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemStore is a Store that keeps items in memory, keyed by their
// path's string representation. It is typically used with KeyPath
// paths. Locations are implicit.
type MemStore struct {
	items *xsync.MapOf[string, []byte]
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a new, empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{items: xsync.NewMapOf[string, []byte]()}
}

// List implements Store. Names are visited in lexicographic order.
func (m *MemStore) List(ctx context.Context, dir Path, visit func(name string) bool) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	seen := make(map[string]bool)
	m.items.Range(func(key string, _ []byte) bool {
		if name, ok := childName(dir.String(), key); ok {
			seen[name] = true
		}
		return true
	})
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !visit(name) {
			break
		}
	}
	return nil
}

// Exists implements Store. A path is considered to exist if it names
// an item or a location containing items.
func (m *MemStore) Exists(ctx context.Context, p Path) (bool, error) {
	if err := canceled(ctx); err != nil {
		return false, err
	}
	if _, ok := m.items.Load(p.String()); ok {
		return true, nil
	}
	var found bool
	m.items.Range(func(key string, _ []byte) bool {
		_, found = childName(p.String(), key)
		return !found
	})
	return found, nil
}

// Load implements Store.
func (m *MemStore) Load(ctx context.Context, p Path, _ Encryption) ([]byte, error) {
	if err := canceled(ctx); err != nil {
		return nil, err
	}
	data, ok := m.items.Load(p.String())
	if !ok {
		return nil, errors.E(errors.NotExist, "load", p.String())
	}
	return append([]byte(nil), data...), nil
}

// Write implements Store.
func (m *MemStore) Write(ctx context.Context, p Path, data []byte, _ Encryption) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	m.items.Store(p.String(), append([]byte{}, data...))
	return nil
}

// Delete implements Store.
func (m *MemStore) Delete(ctx context.Context, p Path) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	if _, ok := m.items.LoadAndDelete(p.String()); !ok {
		return errors.E(errors.NotExist, "delete", p.String())
	}
	return nil
}

// CreateLocation implements Store; it is a no-op.
func (m *MemStore) CreateLocation(ctx context.Context, p Path) error {
	return canceled(ctx)
}

// Snapshot returns a copy of every item in the store, keyed by path.
func (m *MemStore) Snapshot() map[string][]byte {
	snap := make(map[string][]byte)
	m.items.Range(func(key string, data []byte) bool {
		snap[key] = append([]byte{}, data...)
		return true
	})
	return snap
}
