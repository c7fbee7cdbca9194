// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics provides named counters whose values are kept in
// scopes. Counters are declared once, usually as package variables;
// each scope (for example, one per page store) holds its own
// instance of every counter that has been touched in it.
package metrics

import (
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// metrics maps all registered metrics by id. We reserve index 0 to minimize
	// the chances of zero-valued metrics instances begin used uninitialized.
	metrics = []Metric{nil}
)

func newMetric(makeMetric func(id int) Metric) {
	mu.Lock()
	metrics = append(metrics, makeMetric(len(metrics)))
	mu.Unlock()
}

func metricByID(id int) Metric {
	mu.Lock()
	defer mu.Unlock()
	return metrics[id]
}

// Metric is a registered metric.
type Metric interface {
	// Name returns the name with which the metric was declared.
	Name() string

	metricID() int
	newInstance() interface{}
	merge(interface{}, interface{})
	value(interface{}) uint64
}

// Counter is a monotonically increasing count.
type Counter struct {
	id   int
	name string
}

// NewCounter declares a new counter with the provided name. Names are
// used only for reporting and need not be unique.
func NewCounter(name string) Counter {
	c := Counter{name: name}
	newMetric(func(id int) Metric {
		c.id = id
		return c
	})
	return c
}

// Name implements Metric.
func (c Counter) Name() string { return c.name }

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) uint64 {
	return atomic.LoadUint64(scope.instance(c).(*uint64))
}

// Incr adds n to the counter's value in the provided scope.
func (c Counter) Incr(scope *Scope, n int) {
	atomic.AddUint64(scope.instance(c).(*uint64), uint64(n))
}

func (c Counter) metricID() int { return c.id }
func (c Counter) newInstance() interface{} {
	return new(uint64)
}
func (c Counter) merge(x, y interface{}) {
	atomic.AddUint64(x.(*uint64), atomic.LoadUint64(y.(*uint64)))
}
func (c Counter) value(x interface{}) uint64 {
	return atomic.LoadUint64(x.(*uint64))
}
