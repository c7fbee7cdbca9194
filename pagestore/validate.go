// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagestore

import (
	"context"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// ValidateReport summarizes a validation pass.
type ValidateReport struct {
	// Checked is the number of index entries checked.
	Checked int
	// Missing is the number of entries whose object is missing or
	// could not be accessed.
	Missing int
}

// Validate checks that the object of every index entry exists. Missing
// and inaccessible objects are logged and counted in the report; they
// do not cause Validate to fail. Validate fails only if the index
// cannot be loaded or ctx is canceled.
func (s *Store) Validate(ctx context.Context) (ValidateReport, error) {
	var report ValidateReport
	err := s.q.Do(ctx, func(ctx context.Context) error {
		if err := s.loadTable(ctx); err != nil {
			return err
		}
		var (
			keys    = sortedKeys(s.table)
			missing int64
		)
		_ = traverse.Limit(s.writeParallelism).Each(len(keys), func(i int) error {
			var (
				key = keys[i]
				p   = s.objectPath(s.table[key])
			)
			ok, err := s.data.Exists(ctx, p)
			switch {
			case err != nil && errors.Is(errors.Canceled, err):
			case err != nil:
				atomic.AddInt64(&missing, 1)
				log.Error.Printf("pagestore %s: validate: page %q: %s is inaccessible: %v", s.root, key, p, err)
			case !ok:
				atomic.AddInt64(&missing, 1)
				log.Error.Printf("pagestore %s: validate: page %q: %s is missing", s.root, key, p)
			}
			return nil
		})
		if err := ctx.Err(); err != nil {
			return errors.E(err)
		}
		report = ValidateReport{Checked: len(keys), Missing: int(missing)}
		log.Printf("pagestore %s: validated %d pages, %d missing", s.root, report.Checked, report.Missing)
		return nil
	})
	s.logError("validate", "", err)
	return report, err
}
