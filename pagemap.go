// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagemap

import (
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pagemap/datastore"
	"github.com/grailbio/pagemap/pagestore"
	"github.com/grailbio/pagemap/stringmap"
)

const (
	memScheme    = "mem:"
	badgerScheme = "badger:"
	s3Scheme     = "s3://"
)

// An OpenOption configures a DB opened by Open.
type OpenOption func(*openOptions)

type openOptions struct {
	password, salt   string
	maxPageEntries   int
	writeParallelism int
}

// WithPassword encrypts every object stored by the DB with a key
// derived from the provided password and salt.
func WithPassword(password, salt string) OpenOption {
	return func(o *openOptions) {
		o.password, o.salt = password, salt
	}
}

// WithMaxPageEntries sets the maximum number of entries in a committed
// page. See stringmap.MaxPageEntries.
func WithMaxPageEntries(n int) OpenOption {
	return func(o *openOptions) { o.maxPageEntries = n }
}

// WithWriteParallelism sets the number of page objects written
// concurrently during commit. See pagestore.WithWriteParallelism.
func WithWriteParallelism(n int) OpenOption {
	return func(o *openOptions) { o.writeParallelism = n }
}

// DB is a string map opened by Open, together with the page store
// that holds it.
type DB struct {
	*stringmap.Map
	// Pages is the page store holding the map's pages.
	Pages *pagestore.Store

	data   datastore.Store
	closer func() error
}

// Open opens the map stored at the provided URL. The URL selects the
// data store:
//
//	mem:[root]        a new in-memory store, discarded on Close
//	badger:[dir]      a Badger database in dir; in memory if dir is empty
//	s3://bucket/path  objects in S3, via github.com/grailbio/base/file
//	path              files under a local directory
//
// The map's objects are stored under the URL's path. Opening a URL
// that holds no map yields an empty map; the store is created on the
// first commit.
func Open(url string, opts ...OpenOption) (*DB, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	db := new(DB)
	var root datastore.Path
	switch {
	case strings.HasPrefix(url, memScheme):
		db.data = datastore.NewMemStore()
		root = datastore.KeyPath(strings.TrimPrefix(url, memScheme))
	case strings.HasPrefix(url, badgerScheme):
		store, err := datastore.OpenBadger(strings.TrimPrefix(url, badgerScheme))
		if err != nil {
			return nil, errors.E("pagemap: open", url, err)
		}
		db.data, db.closer = store, store.Close
		root = datastore.KeyPath("")
	case strings.HasPrefix(url, s3Scheme):
		datastore.RegisterS3()
		db.data = datastore.FileStore{}
		root = datastore.KeyPath(strings.TrimSuffix(url, "/"))
	case url == "":
		return nil, errors.E(errors.Invalid, "pagemap: empty URL")
	default:
		db.data = datastore.FileStore{}
		root = datastore.OSPath(url)
	}
	if o.password != "" {
		db.data = datastore.Encrypted(db.data, []byte(o.password), []byte(o.salt))
	}
	var psOpts []pagestore.Option
	if o.writeParallelism > 0 {
		psOpts = append(psOpts, pagestore.WithWriteParallelism(o.writeParallelism))
	}
	db.Pages = pagestore.New(db.data, root, psOpts...)
	var mapOpts []stringmap.Option
	if o.maxPageEntries > 0 {
		mapOpts = append(mapOpts, stringmap.MaxPageEntries(o.maxPageEntries))
	}
	db.Map = stringmap.New(db.Pages, mapOpts...)
	log.Debug.Printf("pagemap: opened %s", root)
	return db, nil
}

// Close releases the DB's resources. Uncommitted changes are lost.
func (db *DB) Close() error {
	db.Map.Close()
	db.Pages.Close()
	if db.closer != nil {
		return db.closer()
	}
	return nil
}
