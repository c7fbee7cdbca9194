// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagemap

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
)

// ConfigPath determines the location of the profile read by Parse.
var ConfigPath = os.ExpandEnv("$HOME/.pagemap/config")

func init() {
	config.Register("pagemap", func(constr *config.Constructor) {
		var (
			url, password, salt string
			maxPageEntries      int
			writeParallelism    int
		)
		constr.StringVar(&url, "url", "mem:", "location of the map's store")
		constr.StringVar(&password, "password", "", "password used to encrypt stored objects; empty disables encryption")
		constr.StringVar(&salt, "salt", "pagemap", "salt used to derive the encryption key")
		constr.IntVar(&maxPageEntries, "max-page-entries", 0, "maximum number of entries in a committed page; 0 uses the default")
		constr.IntVar(&writeParallelism, "write-parallelism", 0, "number of page objects written concurrently on commit; 0 uses the default")
		constr.Doc = "pagemap configures a persistent string map"
		constr.New = func() (interface{}, error) {
			opts := []OpenOption{
				WithMaxPageEntries(maxPageEntries),
				WithWriteParallelism(writeParallelism),
			}
			if password != "" {
				opts = append(opts, WithPassword(password, salt))
			}
			return Open(url, opts...)
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It reads
// the profile at ConfigPath and returns the DB configured by it and
// any flags provided. Parse fails the process if the DB cannot be
// opened.
func Parse() *DB {
	config.RegisterFlags("", ConfigPath)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var db *DB
	config.Must("pagemap", &db)
	return db
}
