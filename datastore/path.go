// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package datastore

import (
	"path/filepath"
	"strings"

	"github.com/grailbio/base/file"
)

// OSPath is a path in the local filesystem.
type OSPath string

// Join implements Path.
func (p OSPath) Join(name string) Path { return OSPath(filepath.Join(string(p), name)) }

// String implements Path.
func (p OSPath) String() string { return string(p) }

// Base implements Path.
func (p OSPath) Base() string { return filepath.Base(string(p)) }

// KeyPath is a slash-separated path. It addresses objects in object
// stores (including URLs such as "s3://bucket/prefix") as well as keys
// in MemStore and BadgerStore.
type KeyPath string

// Join implements Path.
func (p KeyPath) Join(name string) Path {
	if p == "" {
		return KeyPath(name)
	}
	return KeyPath(file.Join(string(p), name))
}

// String implements Path.
func (p KeyPath) String() string { return string(p) }

// Base implements Path.
func (p KeyPath) Base() string {
	s := strings.TrimRight(string(p), "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// childName returns the first component of key below the location
// prefix, or false if key is not strictly inside prefix.
func childName(prefix, key string) (string, bool) {
	if prefix != "" {
		prefix = strings.TrimRight(prefix, "/") + "/"
		if !strings.HasPrefix(key, prefix) {
			return "", false
		}
		key = key[len(prefix):]
	}
	if i := strings.IndexByte(key, '/'); i >= 0 {
		key = key[:i]
	}
	return key, key != ""
}
