// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagestore

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// commit implements Commit. It proceeds in phases:
//
//  1. each dirty page is assigned a fresh object name, and the
//     candidate table (the current table with the new names
//     overlaid) is checked for reused object names;
//  2. the dirty pages are written, concurrently, to their new objects;
//  3. the candidate table is written as the new index;
//  4. the in-memory table is replaced, the dirty set cleared, and the
//     objects of overwritten pages are deleted.
//
// A failure in phases 1-3 leaves the index and the in-memory state
// as they were; objects written by the failed commit are removed on
// a best-effort basis. Failures to delete obsolete objects in phase 4
// are logged and otherwise ignored.
func (s *Store) commit(ctx context.Context) error {
	if len(s.dirty) == 0 {
		return nil
	}
	if err := s.loadTable(ctx); err != nil {
		return errors.E("commit", err)
	}
	if err := s.data.CreateLocation(ctx, s.root.Join(pagesDir)); err != nil {
		return errors.E("commit: create pages location", err)
	}

	keys := sortedKeys(s.dirty)
	names := make(map[string]string, len(keys))
	for _, key := range keys {
		stem, err := s.newName()
		if err != nil {
			return errors.E("commit", err)
		}
		names[key] = stem + pageSuffix
	}
	candidate, obsolete := overlay(s.table, names)
	if err := checkTable(candidate, obsolete); err != nil {
		return errors.E("commit: unsafe index", err)
	}

	if err := s.writePages(ctx, keys, names); err != nil {
		s.discard(ctx, names)
		return errors.E("commit: write pages", err)
	}

	index, err := encodeIndex(candidate)
	if err != nil {
		s.discard(ctx, names)
		return errors.E("commit: encode index", err)
	}
	if err := s.data.Write(ctx, s.root.Join(indexName), index, s.enc); err != nil {
		s.discard(ctx, names)
		return errors.E("commit: write index", err)
	}
	indexWrites.Incr(&s.scope, 1)

	// The commit is durable.
	s.table = candidate
	s.dirty = make(map[string][]byte)
	commits.Incr(&s.scope, 1)
	log.Debug.Printf("pagestore %s: committed %d pages, %d obsolete", s.root, len(keys), len(obsolete))
	n := s.deleteObjects(context.WithoutCancel(ctx), obsolete)
	obsoleteDeletes.Incr(&s.scope, n)
	return nil
}

// overlay returns a copy of table with the entries of names replacing
// or adding to it, together with the object names of replaced entries.
func overlay(table, names map[string]string) (candidate map[string]string, obsolete []string) {
	candidate = make(map[string]string, len(table)+len(names))
	for key, name := range table {
		candidate[key] = name
	}
	for _, key := range sortedKeys(names) {
		if old, ok := candidate[key]; ok {
			obsolete = append(obsolete, old)
		}
		candidate[key] = names[key]
	}
	return
}

// checkTable verifies that no object is referenced twice in the
// candidate table and that no obsolete object is referenced at all.
// Either would cause an object to be orphaned or deleted while live.
func checkTable(candidate map[string]string, obsolete []string) error {
	owner := make(map[string]string, len(candidate))
	for _, key := range sortedKeys(candidate) {
		name := candidate[key]
		if other, ok := owner[name]; ok {
			return errors.E(errors.Integrity, fmt.Sprintf("object %s referenced by keys %q and %q", name, other, key))
		}
		owner[name] = key
	}
	for _, name := range obsolete {
		if key, ok := owner[name]; ok {
			return errors.E(errors.Integrity, fmt.Sprintf("obsolete object %s still referenced by key %q", name, key))
		}
	}
	return nil
}

// writePages writes the dirty pages with the provided keys to their
// assigned objects. All writes must succeed; the first failure cancels
// the remaining ones.
func (s *Store) writePages(ctx context.Context, keys []string, names map[string]string) error {
	var (
		g, gctx = errgroup.WithContext(ctx)
		lim     = limiter.New()
	)
	lim.Release(s.writeParallelism)
	for _, key := range keys {
		if err := lim.Acquire(gctx, 1); err != nil {
			break
		}
		key := key
		g.Go(func() error {
			defer lim.Release(1)
			var (
				data = s.dirty[key]
				p    = s.objectPath(names[key])
			)
			if err := s.data.Write(gctx, p, data, s.enc); err != nil {
				return errors.E("page", key, err)
			}
			pageWrites.Incr(&s.scope, 1)
			log.Debug.Printf("pagestore %s: wrote page %q to %s (%d bytes, fingerprint %08x)",
				s.root, key, p, len(data), murmur3.Sum32(data))
			return nil
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.E(ctxErr)
	}
	return err
}

// discard removes objects written by a failed commit, provided the
// durable index does not reference them.
func (s *Store) discard(ctx context.Context, names map[string]string) {
	ctx = context.WithoutCancel(ctx)
	live := make(map[string]bool)
	data, err := s.data.Load(ctx, s.root.Join(indexName), s.enc)
	if err == nil {
		var table map[string]string
		if table, err = decodeIndex(data); err == nil {
			for _, name := range table {
				live[name] = true
			}
		}
	} else if errors.Is(errors.NotExist, err) {
		err = nil
	}
	if err != nil {
		log.Error.Printf("pagestore %s: not discarding objects of failed commit: %v", s.root, err)
		return
	}
	var unreferenced []string
	for _, key := range sortedKeys(names) {
		if !live[names[key]] {
			unreferenced = append(unreferenced, names[key])
		}
	}
	n := s.deleteObjects(ctx, unreferenced)
	log.Debug.Printf("pagestore %s: discarded %d objects of failed commit", s.root, n)
}

// deleteObjects deletes the named objects, logging failures, and
// returns the number of objects deleted. Objects that do not exist are
// ignored.
func (s *Store) deleteObjects(ctx context.Context, names []string) int {
	var n int64
	_ = traverse.Limit(s.writeParallelism).Each(len(names), func(i int) error {
		p := s.objectPath(names[i])
		err := s.data.Delete(ctx, p)
		switch {
		case err == nil:
			atomic.AddInt64(&n, 1)
			log.Debug.Printf("pagestore %s: deleted %s", s.root, p)
		case errors.Is(errors.NotExist, err):
		default:
			deleteFailures.Incr(&s.scope, 1)
			log.Error.Printf("pagestore %s: delete %s: %v", s.root, p, err)
		}
		return nil
	})
	return int(n)
}
