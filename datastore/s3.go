// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package datastore

import (
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
)

var registerS3Once sync.Once

// RegisterS3 registers the "s3" URL scheme with
// github.com/grailbio/base/file so that FileStore can address objects
// as "s3://bucket/key". AWS credentials and region are resolved by the
// default AWS session provider. RegisterS3 may be called more than
// once; only the first call registers.
func RegisterS3() {
	registerS3Once.Do(func() {
		file.RegisterImplementation("s3", func() file.Implementation {
			return s3file.NewImplementation(
				s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
		})
	})
}
