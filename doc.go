// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package pagemap implements a persistent, ordered string-to-string
	map stored as a set of pages in a pluggable data store.

	The system is layered. A data store (package datastore) stores
	named byte objects in a file system, in S3, in Badger, or in
	memory, optionally encrypting them. A page store (package
	pagestore) maps page keys to page contents, writing every page to
	a fresh object and publishing the set of current objects in a
	single index write on commit. A string map (package stringmap)
	partitions the key space into pages by boundary key, loads pages
	lazily, and splits pages that grow too large when committing.

	Open assembles the layers from a URL:

		db, err := pagemap.Open("s3://bucket/maps/users")
		if err != nil {
			log.Fatal(err)
		}
		defer db.Close()
		if err := db.Set(ctx, "alice", "1"); err != nil {
			...
		}
		if err := db.Lock(ctx); err != nil {
			...
		}
		err = db.Commit(ctx)
		db.Unlock()

	Changes made with Set are visible to Get immediately but become
	durable only when the holder of the map's lock calls Commit. A
	failed commit leaves the stored map unchanged. Get and Set wait
	while the map is locked, so the lock holder must not call them
	before Unlock.

	Package pagemap also registers the configuration instance
	"pagemap" with github.com/grailbio/base/config, so that programs
	may obtain a configured DB with config.Must.
*/
package pagemap
