// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pagemap"
	"github.com/grailbio/pagemap/stringmap"
	"github.com/spaolacci/murmur3"
)

func getCmd(ctx context.Context, w io.Writer, db *pagemap.DB, args []string) error {
	if len(args) != 1 {
		return errors.E(errors.Invalid, "usage: get KEY")
	}
	value, err := db.Get(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, value)
	return err
}

func setCmd(ctx context.Context, db *pagemap.DB, args []string) error {
	if len(args) == 0 || len(args)%2 != 0 {
		return errors.E(errors.Invalid, "usage: set KEY VALUE [KEY VALUE...]")
	}
	for i := 0; i < len(args); i += 2 {
		if err := db.Set(ctx, args[i], args[i+1]); err != nil {
			return err
		}
	}
	// Sets are queued behind the lock, so the lock is taken only to
	// commit them.
	if err := db.Lock(ctx); err != nil {
		return err
	}
	err := db.Commit(ctx)
	db.Unlock()
	if err != nil {
		return err
	}
	log.Printf("committed %d keys", len(args)/2)
	return nil
}

// dumpCmd prints a line for each page: its boundary, its number of
// entries, the size of its contents, and a fingerprint of its
// contents.
func dumpCmd(ctx context.Context, w io.Writer, db *pagemap.DB, args []string) error {
	if len(args) != 0 {
		return errors.E(errors.Invalid, "usage: dump")
	}
	pages, err := db.Map.Pages(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "boundary\tentries\tbytes\tfingerprint")
	for _, p := range pages {
		data, err := db.Pages.ReadPage(ctx, p.Boundary)
		if err != nil {
			return err
		}
		entries, err := stringmap.DecodePage(data)
		if err != nil {
			return errors.E("page", p.Boundary, err)
		}
		fmt.Fprintf(tw, "%q\t%d\t%d\t%08x\n", p.Boundary, len(entries), len(data), murmur3.Sum32(data))
	}
	return tw.Flush()
}

func validateCmd(ctx context.Context, w io.Writer, db *pagemap.DB, args []string) error {
	if len(args) != 0 {
		return errors.E(errors.Invalid, "usage: validate")
	}
	report, err := db.Validate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "checked %d pages, %d missing\n", report.Checked, report.Missing)
	if report.Missing > 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("%d page objects missing", report.Missing))
	}
	return nil
}

// statsCmd reads every page and prints the page store's counters.
func statsCmd(ctx context.Context, w io.Writer, db *pagemap.DB, args []string) error {
	if len(args) != 0 {
		return errors.E(errors.Invalid, "usage: stats")
	}
	pages, err := db.Map.Pages(ctx)
	if err != nil {
		return err
	}
	var entries, size int
	for _, p := range pages {
		data, err := db.Pages.ReadPage(ctx, p.Boundary)
		if err != nil {
			return err
		}
		e, err := stringmap.DecodePage(data)
		if err != nil {
			return errors.E("page", p.Boundary, err)
		}
		entries += len(e)
		size += len(data)
	}
	fmt.Fprintf(w, "pages: %d\nentries: %d\nbytes: %d\n", len(pages), entries, size)
	_, err = fmt.Fprintln(w, db.Pages.Metrics())
	return err
}
