// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stringmap

import (
	"bytes"

	"github.com/google/btree"
	"github.com/grailbio/base/errors"
)

// Entry is a key-value pair stored in a map page.
type Entry struct {
	Key, Value string
}

func entryLess(a, b Entry) bool { return a.Key < b.Key }

func newEntries() *btree.BTreeG[Entry] {
	return btree.NewG(treeDegree, entryLess)
}

// EncodePage serializes entries in the page format: each entry is
// its key followed by a NUL byte, then its value followed by a NUL
// byte. Keys and values must not contain NUL bytes, and values must
// not be empty.
func EncodePage(entries []Entry) []byte {
	var b bytes.Buffer
	for _, e := range entries {
		writeEntry(&b, e)
	}
	return b.Bytes()
}

func encodeTree(entries *btree.BTreeG[Entry]) []byte {
	var b bytes.Buffer
	entries.Ascend(func(e Entry) bool {
		writeEntry(&b, e)
		return true
	})
	return b.Bytes()
}

func writeEntry(b *bytes.Buffer, e Entry) {
	b.WriteString(e.Key)
	b.WriteByte(0)
	b.WriteString(e.Value)
	b.WriteByte(0)
}

// DecodePage parses page data produced by EncodePage, returning its
// entries in the order they appear. An error of kind errors.Integrity
// is returned if the data end within an entry or an entry has an
// empty value.
func DecodePage(data []byte) ([]Entry, error) {
	var entries []Entry
	for len(data) > 0 {
		i := bytes.IndexByte(data, 0)
		if i < 0 {
			return nil, errors.E(errors.Integrity, "decode page: truncated key")
		}
		key := string(data[:i])
		data = data[i+1:]
		i = bytes.IndexByte(data, 0)
		if i < 0 {
			return nil, errors.E(errors.Integrity, "decode page: truncated value for key", key)
		}
		if i == 0 {
			return nil, errors.E(errors.Integrity, "decode page: empty value for key", key)
		}
		entries = append(entries, Entry{Key: key, Value: string(data[:i])})
		data = data[i+1:]
	}
	return entries, nil
}

func decodeTree(data []byte) (*btree.BTreeG[Entry], error) {
	entries, err := DecodePage(data)
	if err != nil {
		return nil, err
	}
	t := newEntries()
	for _, e := range entries {
		t.ReplaceOrInsert(e)
	}
	return t, nil
}
