// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package datastore

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/grailbio/base/errors"
)

// BadgerStore is a Store backed by an embedded Badger database. Items
// are stored under their path's string representation; locations are
// implicit. BadgerStore is typically used with KeyPath paths.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (creating if needed) a Badger database in the
// directory dir. If dir is empty, the database is kept in memory.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.E("open badger", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// List implements Store. Names are visited in lexicographic order.
func (b *BadgerStore) List(ctx context.Context, dir Path, visit func(name string) bool) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		if dir.String() != "" {
			opts.Prefix = []byte(dir.String() + "/")
		}
		it := txn.NewIterator(opts)
		defer it.Close()
		var last string
		for it.Rewind(); it.Valid(); it.Next() {
			name, ok := childName(dir.String(), string(it.Item().Key()))
			if !ok || name == last {
				continue
			}
			last = name
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return errors.E("list", dir.String(), err)
	}
	for _, name := range names {
		if !visit(name) {
			break
		}
	}
	return nil
}

// Exists implements Store.
func (b *BadgerStore) Exists(ctx context.Context, p Path) (bool, error) {
	if err := canceled(ctx); err != nil {
		return false, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(p.String()))
		return err
	})
	switch err {
	case nil:
		return true, nil
	case badger.ErrKeyNotFound:
		return false, nil
	}
	return false, errors.E("exists", p.String(), err)
}

// Load implements Store.
func (b *BadgerStore) Load(ctx context.Context, p Path, _ Encryption) ([]byte, error) {
	if err := canceled(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(p.String()))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.E(errors.NotExist, "load", p.String())
	}
	if err != nil {
		return nil, errors.E("load", p.String(), err)
	}
	return data, nil
}

// Write implements Store.
func (b *BadgerStore) Write(ctx context.Context, p Path, data []byte, _ Encryption) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(p.String()), append([]byte{}, data...))
	})
	if err != nil {
		return errors.E("write", p.String(), err)
	}
	return nil
}

// Delete implements Store.
func (b *BadgerStore) Delete(ctx context.Context, p Path) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	key := []byte(p.String())
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err == badger.ErrKeyNotFound {
		return errors.E(errors.NotExist, "delete", p.String())
	}
	if err != nil {
		return errors.E("delete", p.String(), err)
	}
	return nil
}

// CreateLocation implements Store; it is a no-op.
func (b *BadgerStore) CreateLocation(ctx context.Context, p Path) error {
	return canceled(ctx)
}
