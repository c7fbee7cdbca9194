// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package datastore

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/grailbio/base/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 200000
	macSize       = sha256.Size
)

// encryptedMagic prefixes every object written by an EncryptedStore.
var encryptedMagic = []byte("PMC1")

// EncryptedStore wraps a Store, encrypting item data on Write and
// decrypting it on Load. Data are encrypted with AES-256-CBC under a
// random IV and authenticated with HMAC-SHA256 (encrypt-then-MAC).
// Each object is laid out as:
//
//	magic(4) | iv(16) | ciphertext | hmac(32)
//
// Loads and writes that request EncryptNone pass through unchanged, as
// do all other operations.
type EncryptedStore struct {
	Store
	block  cipher.Block
	macKey []byte
}

// Encrypted returns a store that encrypts the data of s with keys
// derived from password and salt using PBKDF2-HMAC-SHA256.
func Encrypted(s Store, password, salt []byte) *EncryptedStore {
	key := pbkdf2.Key(password, salt, kdfIterations, 64, sha256.New)
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		// A 32-byte key is always valid.
		panic(err)
	}
	return &EncryptedStore{Store: s, block: block, macKey: key[32:]}
}

// Load implements Store.
func (e *EncryptedStore) Load(ctx context.Context, p Path, enc Encryption) ([]byte, error) {
	data, err := e.Store.Load(ctx, p, enc)
	if err != nil || enc == EncryptNone {
		return data, err
	}
	plain, err := e.open(data)
	if err != nil {
		return nil, errors.E(errors.Integrity, "decrypt", p.String(), err)
	}
	return plain, nil
}

// Write implements Store.
func (e *EncryptedStore) Write(ctx context.Context, p Path, data []byte, enc Encryption) error {
	if enc == EncryptNone {
		return e.Store.Write(ctx, p, data, enc)
	}
	sealed, err := e.seal(data)
	if err != nil {
		return errors.E("encrypt", p.String(), err)
	}
	return e.Store.Write(ctx, p, sealed, enc)
}

func (e *EncryptedStore) seal(plain []byte) ([]byte, error) {
	bs := e.block.BlockSize()
	pad := bs - len(plain)%bs
	n := len(encryptedMagic) + bs + len(plain) + pad
	out := make([]byte, n, n+macSize)
	copy(out, encryptedMagic)
	iv := out[len(encryptedMagic) : len(encryptedMagic)+bs]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	body := out[len(encryptedMagic)+bs:]
	copy(body, plain)
	for i := len(plain); i < len(body); i++ {
		body[i] = byte(pad)
	}
	cipher.NewCBCEncrypter(e.block, iv).CryptBlocks(body, body)
	return append(out, e.mac(out)...), nil
}

func (e *EncryptedStore) open(sealed []byte) ([]byte, error) {
	bs := e.block.BlockSize()
	hdr := len(encryptedMagic) + bs
	if len(sealed) < hdr+bs+macSize || !bytes.HasPrefix(sealed, encryptedMagic) {
		return nil, errors.New("not an encrypted object")
	}
	msg, tag := sealed[:len(sealed)-macSize], sealed[len(sealed)-macSize:]
	if !hmac.Equal(tag, e.mac(msg)) {
		return nil, errors.New("authentication failed")
	}
	body := msg[hdr:]
	if len(body)%bs != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(e.block, msg[len(encryptedMagic):hdr]).CryptBlocks(plain, body)
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs {
		return nil, errors.New("bad padding")
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, errors.New("bad padding")
		}
	}
	return plain[:len(plain)-pad], nil
}

func (e *EncryptedStore) mac(msg []byte) []byte {
	h := hmac.New(sha256.New, e.macKey)
	h.Write(msg)
	return h.Sum(nil)
}
