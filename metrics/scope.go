// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Scope is a collection of metric instances. The zero Scope is empty
// and ready to use. Scopes are safe for concurrent use.
type Scope struct {
	storage atomic.Pointer[[]interface{}]
}

// Merge merges instances from Scope u into Scope s.
func (s *Scope) Merge(u *Scope) {
	for i, inst := range u.list() {
		if inst == nil {
			continue
		}
		m := metricByID(i)
		m.merge(s.instance(m), inst)
	}
}

// Reset resets the scope s to u. It is reset to its initial (zero) state
// if u is nil.
func (s *Scope) Reset(u *Scope) {
	if u == nil {
		s.storage.Store(nil)
	} else {
		s.storage.Store(u.storage.Load())
	}
}

// Snapshot returns the current value of every metric instantiated in
// the scope, keyed by metric name. Values of metrics sharing a name are
// summed.
func (s *Scope) Snapshot() map[string]uint64 {
	snap := make(map[string]uint64)
	for i, inst := range s.list() {
		if inst == nil {
			continue
		}
		m := metricByID(i)
		snap[m.Name()] += m.value(inst)
	}
	return snap
}

// String formats the scope's snapshot as name=value pairs, sorted by
// name.
func (s *Scope) String() string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	elems := make([]string, len(names))
	for i, name := range names {
		elems[i] = fmt.Sprintf("%s=%d", name, snap[name])
	}
	return strings.Join(elems, " ")
}

// instance returns the instance associated with metrics m in the scope s. A new
// instance is created if none exists yet.
func (s *Scope) instance(m Metric) interface{} {
	if inst := s.load(m); inst != nil {
		return inst
	}
	for {
		ptr := s.storage.Load()
		var list []interface{}
		if ptr != nil {
			list = append(list, *ptr...)
		}
		for len(list) <= m.metricID() {
			list = append(list, nil)
		}
		if inst := list[m.metricID()]; inst != nil {
			return inst
		}
		inst := m.newInstance()
		list[m.metricID()] = inst
		if s.storage.CompareAndSwap(ptr, &list) {
			return inst
		}
	}
}

// load loads the metric m from the Scope s, returning nil if it has
// not been instantiated.
func (s *Scope) load(m Metric) interface{} {
	list := s.list()
	if len(list) <= m.metricID() {
		return nil
	}
	return list[m.metricID()]
}

// list returns the slice of instances in this scope.
func (s *Scope) list() []interface{} {
	ptr := s.storage.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}
