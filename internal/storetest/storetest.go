// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package storetest provides a conformance suite for
// datastore.Store implementations and a fault-injecting store for
// testing code layered on top of them.
package storetest

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/pagemap/datastore"
)

// Run exercises store under the (empty) location root.
func Run(t *testing.T, store datastore.Store, root datastore.Path) {
	t.Helper()
	ctx := context.Background()
	var (
		dir   = root.Join("dir")
		sub   = dir.Join("sub")
		items = map[string][]byte{}
	)
	fz := fuzz.New().NilChance(0)
	fz.NumElements(1, 1e4)
	for _, name := range []string{"a", "b.page", "c"} {
		var data []byte
		fz.Fuzz(&data)
		items[name] = data
	}

	if err := store.CreateLocation(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateLocation(ctx, dir); err != nil {
		t.Fatalf("create location is not idempotent: %v", err)
	}
	if err := store.CreateLocation(ctx, sub); err != nil {
		t.Fatal(err)
	}
	for name, data := range items {
		if err := store.Write(ctx, dir.Join(name), data, datastore.EncryptDefault); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Write(ctx, sub.Join("x"), []byte("nested"), datastore.EncryptDefault); err != nil {
		t.Fatal(err)
	}

	for name, want := range items {
		got, err := store.Load(ctx, dir.Join(name), datastore.EncryptDefault)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: data do not match", name)
		}
	}
	if _, err := store.Load(ctx, dir.Join("missing"), datastore.EncryptDefault); !errors.Is(errors.NotExist, err) {
		t.Errorf("load missing: got %v, want NotExist", err)
	}

	if ok, err := store.Exists(ctx, dir.Join("a")); err != nil || !ok {
		t.Errorf("exists a: got %v, %v", ok, err)
	}
	if ok, err := store.Exists(ctx, dir.Join("missing")); err != nil || ok {
		t.Errorf("exists missing: got %v, %v", ok, err)
	}

	if got, want := list(t, store, dir), []string{"a", "b.page", "c", "sub"}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := list(t, store, root.Join("nothing-here")); len(got) != 0 {
		t.Errorf("listing missing location: got %v", got)
	}
	var n int
	if err := store.List(ctx, dir, func(string) bool {
		n++
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("list did not stop early: visited %d", n)
	}

	// Overwrite.
	if err := store.Write(ctx, dir.Join("a"), []byte("replaced"), datastore.EncryptDefault); err != nil {
		t.Fatal(err)
	}
	if got, err := store.Load(ctx, dir.Join("a"), datastore.EncryptDefault); err != nil || string(got) != "replaced" {
		t.Errorf("overwrite: got %q, %v", got, err)
	}

	if err := store.Delete(ctx, dir.Join("a")); err != nil {
		t.Fatal(err)
	}
	if ok, err := store.Exists(ctx, dir.Join("a")); err != nil || ok {
		t.Errorf("exists after delete: got %v, %v", ok, err)
	}
	if err := store.Delete(ctx, dir.Join("a")); !errors.Is(errors.NotExist, err) {
		t.Errorf("delete missing: got %v, want NotExist", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Load(cctx, dir.Join("c"), datastore.EncryptDefault); !errors.Is(errors.Canceled, err) {
		t.Errorf("canceled load: got %v, want Canceled", err)
	}
}

func list(t *testing.T, store datastore.Store, dir datastore.Path) []string {
	t.Helper()
	var names []string
	if err := store.List(context.Background(), dir, func(name string) bool {
		names = append(names, name)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	return names
}

func equal(x, y []string) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// Faulty wraps a Store, recording mutations and letting tests inject
// failures through hooks. A hook returning a non-nil error fails the
// operation without reaching the underlying store.
type Faulty struct {
	datastore.Store

	// WriteHook is consulted before each Write.
	WriteHook func(ctx context.Context, p datastore.Path) error
	// DeleteHook is consulted before each Delete.
	DeleteHook func(ctx context.Context, p datastore.Path) error
	// LoadHook is consulted before each Load.
	LoadHook func(ctx context.Context, p datastore.Path) error

	mu      sync.Mutex
	writes  []string
	deletes []string
}

// Write implements datastore.Store.
func (f *Faulty) Write(ctx context.Context, p datastore.Path, data []byte, enc datastore.Encryption) error {
	f.mu.Lock()
	f.writes = append(f.writes, p.String())
	hook := f.WriteHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, p); err != nil {
			return err
		}
	}
	return f.Store.Write(ctx, p, data, enc)
}

// Delete implements datastore.Store.
func (f *Faulty) Delete(ctx context.Context, p datastore.Path) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, p.String())
	hook := f.DeleteHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, p); err != nil {
			return err
		}
	}
	return f.Store.Delete(ctx, p)
}

// Load implements datastore.Store.
func (f *Faulty) Load(ctx context.Context, p datastore.Path, enc datastore.Encryption) ([]byte, error) {
	f.mu.Lock()
	hook := f.LoadHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, p); err != nil {
			return nil, err
		}
	}
	return f.Store.Load(ctx, p, enc)
}

// SetWriteHook replaces the write hook.
func (f *Faulty) SetWriteHook(hook func(ctx context.Context, p datastore.Path) error) {
	f.mu.Lock()
	f.WriteHook = hook
	f.mu.Unlock()
}

// SetLoadHook replaces the load hook.
func (f *Faulty) SetLoadHook(hook func(ctx context.Context, p datastore.Path) error) {
	f.mu.Lock()
	f.LoadHook = hook
	f.mu.Unlock()
}

// Writes returns the paths of attempted writes, in order.
func (f *Faulty) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Deletes returns the paths of attempted deletes, in order.
func (f *Faulty) Deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

// Reset forgets recorded writes and deletes.
func (f *Faulty) Reset() {
	f.mu.Lock()
	f.writes, f.deletes = nil, nil
	f.mu.Unlock()
}
