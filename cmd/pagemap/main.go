// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command pagemap inspects and modifies a persistent string map. The
// map's location and encryption are taken from the "pagemap"
// configuration instance, which may be set by flags:
//
//	pagemap -set pagemap.url=s3://bucket/maps/users get alice
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/pagemap"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Pagemap is a tool for inspecting and modifying persistent string maps.

Usage:

	pagemap [flags] <command> [arguments]

The commands are:

	get KEY                     print the value of KEY
	set KEY VALUE [KEY VALUE]   set and commit one or more keys
	dump                        list the map's pages
	validate                    check that every indexed page object exists
	stats                       print page store counters after a full scan

Flags:

`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("pagemap: ")
	must.Func = log.Fatal
	flag.Usage = usage
	db := pagemap.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error.Printf("close: %v", err)
		}
	}()

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "get":
		err = getCmd(ctx, os.Stdout, db, args)
	case "set":
		err = setCmd(ctx, db, args)
	case "dump":
		err = dumpCmd(ctx, os.Stdout, db, args)
	case "validate":
		err = validateCmd(ctx, os.Stdout, db, args)
	case "stats":
		err = statsCmd(ctx, os.Stdout, db, args)
	}
	if err != nil {
		log.Fatal(err)
	}
}
