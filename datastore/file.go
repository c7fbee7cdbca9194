// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package datastore

import (
	"context"
	"io/ioutil"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// FileStore is a Store implemented by github.com/grailbio/base/file;
// paths may thus be local filesystem paths or URLs of any registered
// implementation (see RegisterS3). The zero FileStore is ready to use.
type FileStore struct{}

var _ Store = FileStore{}

// List implements Store.
func (FileStore) List(ctx context.Context, dir Path, visit func(name string) bool) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	var (
		lst  = file.List(ctx, dir.String(), false)
		seen = make(map[string]bool)
	)
	for lst.Scan() {
		name, ok := childName(dir.String(), lst.Path())
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		if !visit(name) {
			return nil
		}
	}
	if err := lst.Err(); err != nil {
		if errors.Is(errors.NotExist, err) || os.IsNotExist(err) {
			return nil
		}
		return classify("list", dir, err)
	}
	return nil
}

// Exists implements Store.
func (FileStore) Exists(ctx context.Context, p Path) (bool, error) {
	if err := canceled(ctx); err != nil {
		return false, err
	}
	_, err := file.Stat(ctx, p.String())
	if err == nil {
		return true, nil
	}
	err = classify("stat", p, err)
	if errors.Is(errors.NotExist, err) {
		return false, nil
	}
	return false, err
}

// Load implements Store.
func (FileStore) Load(ctx context.Context, p Path, _ Encryption) ([]byte, error) {
	if err := canceled(ctx); err != nil {
		return nil, err
	}
	f, err := file.Open(ctx, p.String())
	if err != nil {
		return nil, classify("load", p, err)
	}
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); cerr != nil {
		log.Error.Printf("%s: close: %v", p, cerr)
	}
	if err != nil {
		return nil, classify("load", p, err)
	}
	return data, nil
}

// Write implements Store. The item is replaced only once the new
// contents have been written completely.
func (FileStore) Write(ctx context.Context, p Path, data []byte, _ Encryption) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	f, err := file.Create(ctx, p.String())
	if err != nil {
		return classify("write", p, err)
	}
	if _, err := f.Writer(ctx).Write(data); err != nil {
		f.Discard(ctx)
		return classify("write", p, err)
	}
	return classify("write", p, f.Close(ctx))
}

// Delete implements Store.
func (FileStore) Delete(ctx context.Context, p Path) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	return classify("delete", p, file.Remove(ctx, p.String()))
}

// CreateLocation implements Store. Only local paths have locations
// that need to be created; object stores create prefixes implicitly.
func (FileStore) CreateLocation(ctx context.Context, p Path) error {
	if err := canceled(ctx); err != nil {
		return err
	}
	scheme, _, err := file.ParsePath(p.String())
	if err != nil {
		return errors.E(errors.Invalid, "create location", p.String(), err)
	}
	if scheme != "" {
		return nil
	}
	return classify("create location", p, os.MkdirAll(p.String(), 0777))
}
