// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskqueue

import (
	"context"
	"sync"
)

// cond is a condition variable whose waits may be interrupted by a
// context. The queue uses a single cond for its worker and its lock
// waiters.
type cond struct {
	l sync.Locker
	// wakec is closed and replaced on each broadcast; nil when no
	// one is waiting.
	wakec chan struct{}
}

func newCond(l sync.Locker) *cond {
	return &cond{l: l}
}

// broadcast wakes every waiter. It must be called with the lock held.
func (c *cond) broadcast() {
	if c.wakec == nil {
		return
	}
	close(c.wakec)
	c.wakec = nil
}

// waitUntil blocks until ready returns true or ctx is done. It must be
// called with the lock held; ready is evaluated with the lock held,
// first on entry and then after every broadcast. The lock is released
// while blocked and held again on return. The context's error is
// returned if ctx is done before ready is satisfied.
func (c *cond) waitUntil(ctx context.Context, ready func() bool) error {
	for !ready() {
		if c.wakec == nil {
			c.wakec = make(chan struct{})
		}
		wakec := c.wakec
		c.l.Unlock()
		select {
		case <-wakec:
			c.l.Lock()
		case <-ctx.Done():
			c.l.Lock()
			return ctx.Err()
		}
	}
	return nil
}
