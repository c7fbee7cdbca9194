// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package taskqueue implements a single-writer serial executor. Each
// Queue runs its tasks one at a time, in submission order, on a
// dedicated goroutine. A caller may additionally lock the queue: Lock
// returns once no task is running and the queue has drained, and until
// the matching Unlock, newly submitted tasks are held back. The lock
// holder may then mutate state owned by the queue's tasks directly.
//
// The lock is cooperative: it excludes the queue's own tasks, not
// other lock holders.
package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

type task struct {
	ctx context.Context
	run func(context.Context)
	// Drop is called instead of run if the queue is closed before
	// the task is started.
	drop func()
}

// Queue is a serial task executor with an exclusive lock mode.
// Queues must be created with New.
type Queue struct {
	mu   sync.Mutex
	cond *cond

	// Active holds tasks eligible to run; pending holds tasks
	// submitted while the queue was locked.
	active, pending []task
	running         bool
	locks           int
	closed          bool

	donec chan struct{}
}

// New returns a new queue and starts its worker.
func New() *Queue {
	q := &Queue{donec: make(chan struct{})}
	q.cond = newCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.donec)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		_ = q.cond.waitUntil(context.Background(), func() bool {
			return q.closed || len(q.active) > 0
		})
		if q.closed {
			return
		}
		t := q.active[0]
		q.active[0] = task{}
		q.active = q.active[1:]
		q.running = true
		q.mu.Unlock()
		t.run(t.ctx)
		q.mu.Lock()
		// The task has returned: release the worker for the next item
		// and wake any lock waiters that may now observe an idle queue.
		q.running = false
		q.cond.broadcast()
	}
}

func errClosed() error {
	return errors.E(errors.Canceled, "taskqueue: queue closed")
}

func (q *Queue) push(t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errClosed()
	}
	if q.locks > 0 {
		q.pending = append(q.pending, t)
		return nil
	}
	q.active = append(q.active, t)
	q.cond.broadcast()
	return nil
}

// Enqueue submits fn to be run on the queue's worker with the provided
// context. Enqueue does not wait for fn to run. It fails only if the
// queue has been closed. Fn is responsible for checking ctx.
func (q *Queue) Enqueue(ctx context.Context, fn func(context.Context)) error {
	return q.push(task{ctx: ctx, run: fn, drop: func() {}})
}

// States of a task submitted by Do.
const (
	taskQueued int32 = iota
	taskStarted
	taskAbandoned
)

// Do submits fn to the queue and waits for its result. If ctx is done
// before fn is started, including while the task is held back by a
// lock, fn is never run and the context's error is returned. If the
// queue is closed before fn is started, Do returns an error of kind
// errors.Canceled.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	var (
		errc  = make(chan error, 1)
		state atomic.Int32
	)
	err := q.push(task{
		ctx: ctx,
		run: func(ctx context.Context) {
			if !state.CompareAndSwap(taskQueued, taskStarted) {
				return
			}
			if err := ctx.Err(); err != nil {
				errc <- errors.E(err)
				return
			}
			errc <- fn(ctx)
		},
		drop: func() { errc <- errClosed() },
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(taskQueued, taskAbandoned) {
			return errors.E(ctx.Err())
		}
		// Fn has started; its result stands.
		return <-errc
	}
}

// Lock acquires the queue's exclusive lock. Lock returns once no task
// is running and every task submitted before the call has completed.
// Tasks submitted while the queue is locked are held until the last
// Unlock. If ctx is done while waiting, the lock request is withdrawn
// and the context's error is returned; if the queue is closed, Lock
// returns an error of kind errors.Canceled.
func (q *Queue) Lock(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errClosed()
	}
	q.locks++
	err := q.cond.waitUntil(ctx, func() bool {
		return q.closed || (!q.running && len(q.active) == 0)
	})
	if err == nil && q.closed {
		err = errClosed()
	}
	if err != nil {
		q.release()
		return errors.E(err)
	}
	return nil
}

// Unlock releases a lock acquired by Lock. When the last lock is
// released, tasks held back while locked become eligible to run in
// their submission order.
func (q *Queue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release()
}

func (q *Queue) release() {
	if q.locks == 0 {
		panic("taskqueue: unlock of unlocked queue")
	}
	q.locks--
	if q.locks == 0 && len(q.pending) > 0 {
		q.active = append(q.active, q.pending...)
		q.pending = nil
		q.cond.broadcast()
	}
}

// Locked tells whether the queue is currently locked.
func (q *Queue) Locked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locks > 0
}

// Close shuts down the queue. Tasks that have not started are dropped
// (Do callers receive errors.Canceled), and lock waiters are woken with
// errors.Canceled. Close waits for a running task to finish; it must
// not be called from within a task.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if n := len(q.active); n > 0 {
		log.Error.Printf("taskqueue: closing with %d queued tasks", n)
	}
	dropped := append(q.active, q.pending...)
	q.active, q.pending = nil, nil
	q.cond.broadcast()
	q.mu.Unlock()
	for _, t := range dropped {
		t.drop()
	}
	<-q.donec
}
