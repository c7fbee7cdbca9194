// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagestore

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pagemap/datastore"
	"github.com/grailbio/pagemap/internal/storetest"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var testRoot = datastore.KeyPath("backup")

func newTestStore(t *testing.T, opts ...Option) (*Store, *storetest.Faulty, *datastore.MemStore) {
	t.Helper()
	mem := datastore.NewMemStore()
	faulty := &storetest.Faulty{Store: mem}
	return New(faulty, testRoot, opts...), faulty, mem
}

func lockedCommit(ctx context.Context, s *Store) error {
	if err := s.Lock(ctx); err != nil {
		return err
	}
	defer s.Unlock()
	return s.Commit(ctx)
}

func enumerate(t *testing.T, s *Store) []string {
	t.Helper()
	var keys []string
	assert.NoError(t, s.EnumeratePages(context.Background(), func(key string) bool {
		keys = append(keys, key)
		return true
	}))
	return keys
}

func readString(t *testing.T, s *Store, key string) string {
	t.Helper()
	data, err := s.ReadPage(context.Background(), key)
	assert.NoError(t, err)
	return string(data)
}

func TestReadWriteCommit(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestStore(t)
	defer s.Close()

	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha")))
	assert.NoError(t, s.WritePage(ctx, "b", []byte("beta")))
	expect.EQ(t, readString(t, s, "a"), "alpha")
	if _, err := s.ReadPage(ctx, "c"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
	// Uncommitted pages are not enumerated.
	if got := enumerate(t, s); len(got) != 0 {
		t.Errorf("got %v, want no pages", got)
	}
	assert.NoError(t, lockedCommit(ctx, s))

	var objects []string
	for path := range mem.Snapshot() {
		objects = append(objects, path)
	}
	sort.Strings(objects)
	if got, want := len(objects), 3; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, objects)
	}
	expect.EQ(t, objects[0], "backup/index.json")
	for _, path := range objects[1:] {
		name := strings.TrimPrefix(path, "backup/pages/")
		if name == path || len(name) != nameLength+len(pageSuffix) || !strings.HasSuffix(name, pageSuffix) {
			t.Errorf("bad page object %s", path)
		}
	}

	reopened := New(mem, testRoot)
	defer reopened.Close()
	expect.EQ(t, enumerate(t, reopened), []string{"a", "b"})
	expect.EQ(t, readString(t, reopened, "a"), "alpha")
	expect.EQ(t, readString(t, reopened, "b"), "beta")
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	defer s.Close()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("one")))
	assert.NoError(t, lockedCommit(ctx, s))
	assert.NoError(t, s.WritePage(ctx, "a", []byte("two")))
	expect.EQ(t, readString(t, s, "a"), "two")
	assert.NoError(t, s.WritePage(ctx, "a", []byte("three")))
	expect.EQ(t, readString(t, s, "a"), "three")
}

func TestEmptyCommit(t *testing.T) {
	ctx := context.Background()
	s, faulty, _ := newTestStore(t)
	defer s.Close()
	assert.NoError(t, lockedCommit(ctx, s))
	if got := faulty.Writes(); len(got) != 0 {
		t.Errorf("empty commit wrote %v", got)
	}
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha")))
	assert.NoError(t, lockedCommit(ctx, s))
	faulty.Reset()
	assert.NoError(t, lockedCommit(ctx, s))
	if got := faulty.Writes(); len(got) != 0 {
		t.Errorf("re-commit wrote %v", got)
	}
}

func TestCommitRequiresLock(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	defer s.Close()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha")))
	if err := s.Commit(ctx); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestObsoleteDeleted(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestStore(t)
	defer s.Close()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("one")))
	assert.NoError(t, s.WritePage(ctx, "b", []byte("bee")))
	assert.NoError(t, lockedCommit(ctx, s))
	old := s.table["a"]
	assert.NoError(t, s.WritePage(ctx, "a", []byte("two")))
	assert.NoError(t, lockedCommit(ctx, s))
	snap := mem.Snapshot()
	if _, ok := snap["backup/pages/"+old]; ok {
		t.Errorf("obsolete object %s not deleted", old)
	}
	if got, want := string(snap["backup/pages/"+s.table["a"]]), "two"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(snap), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.Metrics().Snapshot()["pagestore.obsolete_deletes"], uint64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDeleteFailureIgnored(t *testing.T) {
	ctx := context.Background()
	s, faulty, mem := newTestStore(t)
	defer s.Close()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("one")))
	assert.NoError(t, lockedCommit(ctx, s))
	old := s.table["a"]
	faulty.DeleteHook = func(context.Context, datastore.Path) error {
		return errors.E(errors.NotAllowed, "delete denied")
	}
	assert.NoError(t, s.WritePage(ctx, "a", []byte("two")))
	assert.NoError(t, lockedCommit(ctx, s))
	expect.EQ(t, readString(t, s, "a"), "two")
	if _, ok := mem.Snapshot()["backup/pages/"+old]; !ok {
		t.Error("expected orphaned object to remain")
	}
	if got, want := s.Metrics().Snapshot()["pagestore.delete_failures"], uint64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEnumerateStop(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	defer s.Close()
	for _, key := range []string{"a", "b", "c"} {
		assert.NoError(t, s.WritePage(ctx, key, []byte(key)))
	}
	assert.NoError(t, lockedCommit(ctx, s))
	var n int
	err := s.EnumeratePages(ctx, func(string) bool {
		n++
		return n < 2
	})
	if !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want Canceled", err)
	}
	expect.EQ(t, n, 2)
}

func TestCorruptIndex(t *testing.T) {
	ctx := context.Background()
	mem := datastore.NewMemStore()
	assert.NoError(t, mem.Write(ctx, testRoot.Join(indexName), []byte("{not json"), datastore.EncryptDefault))
	s := New(mem, testRoot)
	defer s.Close()
	if err := s.EnumeratePages(ctx, func(string) bool { return true }); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want Integrity", err)
	}
	assert.NoError(t, mem.Write(ctx, testRoot.Join(indexName),
		[]byte(`{"pages":[{"key":"a","name":"x.page"},{"key":"a","name":"y.page"}]}`), datastore.EncryptDefault))
	s2 := New(mem, testRoot)
	defer s2.Close()
	if _, err := s2.ReadPage(ctx, "a"); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want Integrity", err)
	}
}

func TestMissingObject(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestStore(t)
	defer s.Close()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("one")))
	assert.NoError(t, lockedCommit(ctx, s))
	assert.NoError(t, mem.Delete(ctx, testRoot.Join(pagesDir).Join(s.table["a"])))
	_, err := s.ReadPage(ctx, "a")
	if err == nil || errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want a non-NotExist error", err)
	}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestStore(t)
	defer s.Close()
	for _, key := range []string{"a", "b", "c"} {
		assert.NoError(t, s.WritePage(ctx, key, []byte(key)))
	}
	assert.NoError(t, lockedCommit(ctx, s))
	report, err := s.Validate(ctx)
	assert.NoError(t, err)
	expect.EQ(t, report, ValidateReport{Checked: 3})

	assert.NoError(t, mem.Delete(ctx, testRoot.Join(pagesDir).Join(s.table["b"])))
	report, err = s.Validate(ctx)
	assert.NoError(t, err)
	expect.EQ(t, report, ValidateReport{Checked: 3, Missing: 1})

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Validate(cctx); !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want Canceled", err)
	}
}

func TestLegacyLayouts(t *testing.T) {
	ctx := context.Background()
	put := func(mem *datastore.MemStore, path, data string) {
		assert.NoError(t, mem.Write(ctx, datastore.KeyPath(path), []byte(data), datastore.EncryptDefault))
	}

	// Loose page objects under the root.
	mem := datastore.NewMemStore()
	put(mem, "backup/x.page", "ex")
	put(mem, "backup/y.page", "why")
	put(mem, "backup/other.txt", "ignored")
	s := New(mem, testRoot)
	defer s.Close()
	expect.EQ(t, enumerate(t, s), []string{"x", "y"})
	expect.EQ(t, s.table, map[string]string{"x": "#x.page", "y": "#y.page"})
	expect.EQ(t, readString(t, s, "x"), "ex")

	// Committing over a legacy page deletes the legacy object.
	assert.NoError(t, s.WritePage(ctx, "x", []byte("new ex")))
	assert.NoError(t, lockedCommit(ctx, s))
	snap := mem.Snapshot()
	if _, ok := snap["backup/x.page"]; ok {
		t.Error("legacy object not deleted")
	}
	reopened := New(mem, testRoot)
	defer reopened.Close()
	expect.EQ(t, readString(t, reopened, "x"), "new ex")
	expect.EQ(t, readString(t, reopened, "y"), "why")

	// The pages location takes precedence over the root.
	mem = datastore.NewMemStore()
	put(mem, "backup/pages/p.page", "pea")
	put(mem, "backup/q.page", "queue")
	s = New(mem, testRoot)
	defer s.Close()
	expect.EQ(t, enumerate(t, s), []string{"p"})
	expect.EQ(t, s.table, map[string]string{"p": "p.page"})
	expect.EQ(t, readString(t, s, "p"), "pea")

	// An empty store has no pages.
	s = New(datastore.NewMemStore(), testRoot)
	defer s.Close()
	if got := enumerate(t, s); len(got) != 0 {
		t.Errorf("got %v, want no pages", got)
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	root := datastore.OSPath(filepath.Join(dir, "store"))
	s := New(datastore.FileStore{}, root)
	defer s.Close()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha")))
	assert.NoError(t, lockedCommit(ctx, s))
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha2")))
	assert.NoError(t, s.WritePage(ctx, "b", []byte("beta")))
	assert.NoError(t, lockedCommit(ctx, s))

	reopened := New(datastore.FileStore{}, root)
	defer reopened.Close()
	expect.EQ(t, enumerate(t, reopened), []string{"a", "b"})
	expect.EQ(t, readString(t, reopened, "a"), "alpha2")
	report, err := reopened.Validate(ctx)
	assert.NoError(t, err)
	expect.EQ(t, report, ValidateReport{Checked: 2})

	matches, err := filepath.Glob(filepath.Join(dir, "store", "pages", "*.page"))
	assert.NoError(t, err)
	expect.EQ(t, len(matches), 2)
}

func TestEncryptedStore(t *testing.T) {
	ctx := context.Background()
	mem := datastore.NewMemStore()
	enc := datastore.Encrypted(mem, []byte("pw"), []byte("salt"))
	s := New(enc, testRoot)
	defer s.Close()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("secret page")))
	assert.NoError(t, lockedCommit(ctx, s))
	for path, data := range mem.Snapshot() {
		if strings.Contains(string(data), "secret page") || strings.Contains(string(data), `"pages"`) {
			t.Errorf("%s stored in the clear", path)
		}
	}
	reopened := New(enc, testRoot)
	defer reopened.Close()
	expect.EQ(t, readString(t, reopened, "a"), "secret page")

	// An unencrypted view cannot read the index.
	plain := New(mem, testRoot)
	defer plain.Close()
	if _, err := plain.ReadPage(ctx, "a"); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want Integrity", err)
	}
}
