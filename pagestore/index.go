// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagestore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pagemap/datastore"
)

type indexEntry struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type indexDoc struct {
	Pages []indexEntry `json:"pages"`
}

// encodeIndex serializes a page table, ordered by key.
func encodeIndex(table map[string]string) ([]byte, error) {
	doc := indexDoc{Pages: make([]indexEntry, 0, len(table))}
	for _, key := range sortedKeys(table) {
		doc.Pages = append(doc.Pages, indexEntry{Key: key, Name: table[key]})
	}
	return json.Marshal(doc)
}

func decodeIndex(data []byte) (map[string]string, error) {
	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.E(errors.Integrity, "decode index", err)
	}
	table := make(map[string]string, len(doc.Pages))
	for _, e := range doc.Pages {
		if e.Name == "" {
			return nil, errors.E(errors.Integrity, "decode index: empty object name for key", e.Key)
		}
		if _, ok := table[e.Key]; ok {
			return nil, errors.E(errors.Integrity, "decode index: duplicate key", e.Key)
		}
		table[e.Key] = e.Name
	}
	return table, nil
}

// loadTable loads the page table if it has not been loaded yet.
func (s *Store) loadTable(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	table, err := s.readTable(ctx)
	if err != nil {
		return errors.E("load index", err)
	}
	indexLoads.Incr(&s.scope, 1)
	s.table, s.loaded = table, true
	return nil
}

// readTable reads the durable page table. If there is no index
// object, the table is reconstructed from the page objects: first
// from the pages location, and if that holds no pages, from page
// objects stored directly under the root. Entries found under the
// root carry the legacy prefix.
func (s *Store) readTable(ctx context.Context) (map[string]string, error) {
	data, err := s.data.Load(ctx, s.root.Join(indexName), s.enc)
	if err == nil {
		return decodeIndex(data)
	}
	if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	table, err := s.scanPages(ctx, s.root.Join(pagesDir), "")
	if err != nil {
		return nil, err
	}
	if len(table) > 0 {
		log.Printf("pagestore %s: no index; recovered %d pages from %s", s.root, len(table), pagesDir)
		return table, nil
	}
	table, err = s.scanPages(ctx, s.root, legacyPrefix)
	if err != nil {
		return nil, err
	}
	if len(table) > 0 {
		log.Printf("pagestore %s: no index; recovered %d legacy pages", s.root, len(table))
	}
	return table, nil
}

// scanPages returns a table of the page objects in dir, keyed by the
// object names' stems. Object names are recorded with the provided
// prefix.
func (s *Store) scanPages(ctx context.Context, dir datastore.Path, prefix string) (map[string]string, error) {
	table := make(map[string]string)
	err := s.data.List(ctx, dir, func(name string) bool {
		if stem := strings.TrimSuffix(name, pageSuffix); stem != name && stem != "" {
			table[stem] = prefix + name
		}
		return true
	})
	if err != nil {
		return nil, errors.E("scan", dir.String(), err)
	}
	return table, nil
}
