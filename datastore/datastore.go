// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package datastore defines the blob storage interface consumed by the
// page store, together with its backends: FileStore (the local
// filesystem and any URL scheme registered with
// github.com/grailbio/base/file, such as S3), BadgerStore, MemStore,
// and the Encrypted wrapper which may be layered over any of them.
//
// Errors returned by stores are kinded using
// github.com/grailbio/base/errors: a missing item is reported with
// errors.NotExist, a context cancellation with errors.Canceled, and
// backend conditions (errors.NotAllowed, errors.Timeout, ...) are
// passed through.
package datastore

import (
	"context"
	"os"

	"github.com/grailbio/base/errors"
)

// Encryption selects whether an Encrypted store transforms the data
// of a load or write. Stores that do not encrypt ignore it.
type Encryption int

const (
	// EncryptDefault encrypts data if the store is encrypted.
	EncryptDefault Encryption = iota
	// EncryptNone stores data as provided, even in an encrypted store.
	EncryptNone
)

// Path is a backend-specific address of an item or location.
type Path interface {
	// Join returns the path of the named item inside this location.
	Join(name string) Path
	// String returns the path's representation as understood by the
	// backend.
	String() string
	// Base returns the last component of the path.
	Base() string
}

// Store is key-addressable blob storage. Implementations must be safe
// for concurrent use.
type Store interface {
	// List calls visit with the name of each item directly inside the
	// location dir, stopping early if visit returns false. Listing a
	// location that does not exist visits nothing.
	List(ctx context.Context, dir Path, visit func(name string) bool) error
	// Exists tells whether an item exists at path p.
	Exists(ctx context.Context, p Path) (bool, error)
	// Load returns the contents of the item at p. An error of kind
	// errors.NotExist is returned if there is no such item.
	Load(ctx context.Context, p Path, enc Encryption) ([]byte, error)
	// Write creates or replaces the item at p with data.
	Write(ctx context.Context, p Path, data []byte, enc Encryption) error
	// Delete removes the item at p.
	Delete(ctx context.Context, p Path) error
	// CreateLocation makes sure location p can hold items. It is a
	// no-op if the location exists or the backend has no locations.
	CreateLocation(ctx context.Context, p Path) error
}

// classify attaches a kind to well-known operating system errors so
// that callers may test them with errors.Is.
func classify(op string, p Path, err error) error {
	switch {
	case err == nil:
		return nil
	case err == context.Canceled, err == context.DeadlineExceeded:
		return errors.E(op, p.String(), errors.E(err))
	case os.IsNotExist(err):
		return errors.E(errors.NotExist, op, p.String(), err)
	case os.IsPermission(err):
		return errors.E(errors.NotAllowed, op, p.String(), err)
	case os.IsExist(err):
		return errors.E(errors.Exists, op, p.String(), err)
	}
	return errors.E(op, p.String(), err)
}

// canceled returns a kinded error if ctx is done.
func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.E(err)
	}
	return nil
}
