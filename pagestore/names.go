// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pagestore

import (
	"crypto/rand"

	"github.com/grailbio/base/errors"
)

const (
	nameLength   = 20
	nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// Random bytes at or above nameCutoff are rejected so that every
	// character of the alphabet is equally likely.
	nameCutoff = 256 - 256%len(nameAlphabet)
)

// randomName returns a random alphanumeric object name stem.
func randomName() (string, error) {
	var (
		name = make([]byte, 0, nameLength)
		buf  [nameLength]byte
	)
	for len(name) < nameLength {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", errors.E("generate page name", err)
		}
		for _, b := range buf {
			if int(b) < nameCutoff && len(name) < nameLength {
				name = append(name, nameAlphabet[int(b)%len(nameAlphabet)])
			}
		}
	}
	return string(name), nil
}
