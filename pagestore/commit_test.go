// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagestore

import (
	"context"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pagemap/datastore"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// seed commits pages a and b and returns a copy of the committed
// table.
func seed(t *testing.T, s *Store) map[string]string {
	t.Helper()
	ctx := context.Background()
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha")))
	assert.NoError(t, s.WritePage(ctx, "b", []byte("beta")))
	assert.NoError(t, lockedCommit(ctx, s))
	table := make(map[string]string)
	for k, v := range s.table {
		table[k] = v
	}
	return table
}

func isPage(p datastore.Path) bool {
	return strings.HasSuffix(p.String(), pageSuffix)
}

func TestCommitWriteFailure(t *testing.T) {
	ctx := context.Background()
	s, faulty, mem := newTestStore(t)
	defer s.Close()
	table := seed(t, s)
	before := mem.Snapshot()

	var n int32
	faulty.SetWriteHook(func(_ context.Context, p datastore.Path) error {
		if isPage(p) && atomic.AddInt32(&n, 1) == 2 {
			return errors.E(errors.Unavailable, "injected failure")
		}
		return nil
	})
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha2")))
	assert.NoError(t, s.WritePage(ctx, "c", []byte("gamma")))
	assert.NoError(t, s.WritePage(ctx, "d", []byte("delta")))
	err := lockedCommit(ctx, s)
	if err == nil || errors.Is(errors.Canceled, err) {
		t.Fatalf("got %v, want error", err)
	}
	if !errors.Is(errors.Unavailable, err) {
		t.Errorf("got %v, want Unavailable", err)
	}
	for _, path := range faulty.Writes() {
		if strings.HasSuffix(path, indexName) {
			t.Errorf("index written by failed commit")
		}
	}
	if after := mem.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("durable state changed by failed commit: %v", keysOf(after))
	}
	expect.EQ(t, s.table, table)
	expect.EQ(t, len(s.dirty), 3)

	// A retried commit writes the same pages.
	faulty.SetWriteHook(nil)
	assert.NoError(t, lockedCommit(ctx, s))
	expect.EQ(t, readString(t, s, "a"), "alpha2")
	expect.EQ(t, readString(t, s, "c"), "gamma")
	expect.EQ(t, readString(t, s, "d"), "delta")
}

func TestCommitIndexFailure(t *testing.T) {
	ctx := context.Background()
	s, faulty, mem := newTestStore(t)
	defer s.Close()
	table := seed(t, s)
	before := mem.Snapshot()

	faulty.SetWriteHook(func(_ context.Context, p datastore.Path) error {
		if p.Base() == indexName {
			return errors.E(errors.NotAllowed, "injected failure")
		}
		return nil
	})
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha2")))
	faulty.Reset()
	if err := lockedCommit(ctx, s); !errors.Is(errors.NotAllowed, err) {
		t.Fatalf("got %v, want NotAllowed", err)
	}
	if after := mem.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("durable state changed by failed commit: %v", keysOf(after))
	}
	expect.EQ(t, s.table, table)
	// Nothing committed was deleted.
	for _, path := range faulty.Deletes() {
		for _, name := range table {
			if strings.HasSuffix(path, name) {
				t.Errorf("live object %s deleted", path)
			}
		}
	}
	expect.EQ(t, readString(t, s, "a"), "alpha2")
	reopened := New(mem, testRoot)
	defer reopened.Close()
	expect.EQ(t, readString(t, reopened, "a"), "alpha")
}

func TestCommitDuplicateObjectName(t *testing.T) {
	ctx := context.Background()
	s, faulty, mem := newTestStore(t)
	defer s.Close()
	table := seed(t, s)
	before := mem.Snapshot()

	s.newName = func() (string, error) { return "samesamesamesamesame", nil }
	assert.NoError(t, s.WritePage(ctx, "c", []byte("gamma")))
	assert.NoError(t, s.WritePage(ctx, "d", []byte("delta")))
	faulty.Reset()
	if err := lockedCommit(ctx, s); !errors.Is(errors.Integrity, err) {
		t.Fatalf("got %v, want Integrity", err)
	}
	if got := faulty.Writes(); len(got) != 0 {
		t.Errorf("unsafe commit wrote %v", got)
	}
	if after := mem.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("durable state changed by unsafe commit: %v", keysOf(after))
	}
	expect.EQ(t, s.table, table)
}

func TestCommitReusedObsoleteName(t *testing.T) {
	ctx := context.Background()
	s, faulty, _ := newTestStore(t)
	defer s.Close()
	table := seed(t, s)

	// Reusing the name of the object being replaced would delete the
	// new page along with the obsolete one.
	stem := strings.TrimSuffix(table["a"], pageSuffix)
	s.newName = func() (string, error) { return stem, nil }
	assert.NoError(t, s.WritePage(ctx, "a", []byte("alpha2")))
	faulty.Reset()
	if err := lockedCommit(ctx, s); !errors.Is(errors.Integrity, err) {
		t.Fatalf("got %v, want Integrity", err)
	}
	if got := faulty.Writes(); len(got) != 0 {
		t.Errorf("unsafe commit wrote %v", got)
	}
	expect.EQ(t, s.table, table)
}

func TestCommitCanceledDuringWrites(t *testing.T) {
	s, faulty, mem := newTestStore(t, WithWriteParallelism(1))
	defer s.Close()
	table := seed(t, s)
	before := mem.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var n int32
	faulty.SetWriteHook(func(_ context.Context, p datastore.Path) error {
		if isPage(p) && atomic.AddInt32(&n, 1) == 2 {
			cancel()
		}
		return nil
	})
	for _, key := range []string{"c", "d", "e"} {
		assert.NoError(t, s.WritePage(ctx, key, []byte(key)))
	}
	faulty.Reset()
	if err := lockedCommit(ctx, s); !errors.Is(errors.Canceled, err) {
		t.Fatalf("got %v, want Canceled", err)
	}
	if got := atomic.LoadInt32(&n); got < 2 {
		t.Fatalf("only %d page writes attempted", got)
	}
	for _, path := range faulty.Writes() {
		if strings.HasSuffix(path, indexName) {
			t.Errorf("index written by canceled commit")
		}
	}
	if after := mem.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Errorf("durable state changed by canceled commit: %v", keysOf(after))
	}
	expect.EQ(t, s.table, table)
	expect.EQ(t, len(s.dirty), 3)
}

func TestCheckTable(t *testing.T) {
	for _, c := range []struct {
		candidate map[string]string
		obsolete  []string
		ok        bool
	}{
		{map[string]string{"a": "x", "b": "y"}, []string{"z"}, true},
		{map[string]string{"a": "x", "b": "x"}, nil, false},
		{map[string]string{"a": "x", "b": "y"}, []string{"y"}, false},
		{map[string]string{}, nil, true},
	} {
		err := checkTable(c.candidate, c.obsolete)
		if got, want := err == nil, c.ok; got != want {
			t.Errorf("%v, %v: got %v, want %v", c.candidate, c.obsolete, got, want)
		}
		if err != nil && !errors.Is(errors.Integrity, err) {
			t.Errorf("%v, %v: got %v, want Integrity", c.candidate, c.obsolete, err)
		}
	}
}

func TestOverlay(t *testing.T) {
	candidate, obsolete := overlay(
		map[string]string{"a": "1.page", "b": "2.page"},
		map[string]string{"b": "3.page", "c": "4.page"},
	)
	expect.EQ(t, candidate, map[string]string{"a": "1.page", "b": "3.page", "c": "4.page"})
	expect.EQ(t, obsolete, []string{"2.page"})
}

func TestRandomName(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name, err := randomName()
		assert.NoError(t, err)
		if len(name) != nameLength {
			t.Fatalf("bad length: %q", name)
		}
		for _, r := range name {
			if !strings.ContainsRune(nameAlphabet, r) {
				t.Fatalf("bad character in %q", name)
			}
		}
		if seen[name] {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = true
	}
}

func keysOf(m map[string][]byte) []string {
	return sortedKeys(m)
}
