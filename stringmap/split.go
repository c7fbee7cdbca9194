// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stringmap

import (
	"unicode/utf8"

	"github.com/grailbio/base/log"
)

// splitPages splits oversized loaded pages until no page holds more
// than m.maxEntries entries, returning the number of pages created.
func (m *Map) splitPages() int {
	var (
		n      int
		stuck  = make(map[*page]bool)
		change = true
	)
	for change {
		change = false
		var over []*page
		m.tree.Ascend(func(p *page) bool {
			if p.entries != nil && p.entries.Len() > m.maxEntries && !stuck[p] {
				over = append(over, p)
			}
			return true
		})
		for _, p := range over {
			upper := splitPage(p)
			if upper == nil {
				log.Error.Printf("stringmap: page %q: cannot split %d entries", p.key, p.entries.Len())
				stuck[p] = true
				continue
			}
			m.tree.ReplaceOrInsert(upper)
			n++
			change = true
		}
	}
	return n
}

// splitPage moves the upper half of p's entries to a new page, which
// is returned. Both pages are marked dirty. The new page's boundary is
// the shortest prefix of its first key that sorts after every entry
// remaining in p. SplitPage returns nil if p has no entry that may
// start a new page.
func splitPage(p *page) *page {
	all := make([]Entry, 0, p.entries.Len())
	p.entries.Ascend(func(e Entry) bool {
		all = append(all, e)
		return true
	})
	mid := len(all) / 2
	if mid == 0 {
		return nil
	}
	// Entries that precede the page's own boundary (possible only in
	// the first page) cannot move to a later page.
	for mid < len(all) && all[mid].Key <= p.key {
		mid++
	}
	if mid == len(all) {
		return nil
	}
	lo := all[mid-1].Key
	if lo < p.key {
		lo = p.key
	}
	lower, upper := newEntries(), newEntries()
	for _, e := range all[:mid] {
		lower.ReplaceOrInsert(e)
	}
	for _, e := range all[mid:] {
		upper.ReplaceOrInsert(e)
	}
	p.entries, p.dirty = lower, true
	return &page{key: separator(lo, all[mid].Key), entries: upper, dirty: true}
}

// separator returns the shortest prefix of hi that sorts after lo,
// which must sort before hi. Prefixes end on rune boundaries so that
// separators of valid UTF-8 keys remain valid UTF-8.
func separator(lo, hi string) string {
	for i := 0; i < len(hi); {
		_, size := utf8.DecodeRuneInString(hi[i:])
		i += size
		if hi[:i] > lo {
			return hi[:i]
		}
	}
	return hi
}
