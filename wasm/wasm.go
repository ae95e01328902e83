// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wasm decodes and re-encodes WebAssembly modules at the section
// level. Payloads of non-custom sections are carried as raw bytes: the
// packer's contract is to preserve them exactly, not to interpret them.
package wasm

import (
	"encoding/binary"
	"io"
	"io/ioutil"
	"log"
	"unicode/utf8"

	"github.com/wahdoc/wah/wasm/leb128"
)

var logger = log.New(ioutil.Discard, "", log.LstdFlags)

// SetDebugMode enables or disables the package's trace logging.
func SetDebugMode(dbg bool) {
	w := ioutil.Discard
	if dbg {
		w = log.Writer()
	}
	logger = log.New(w, "wasm: ", log.Lshortfile)
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readBytes(r io.Reader, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := ioutil.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, err
	}
	if uint32(len(b)) != n {
		return nil, io.ErrUnexpectedEOF
	}
	return b, nil
}

func readUTF8StringUint(r io.Reader) (string, error) {
	n, err := leb128.ReadVarUint32(r)
	if err != nil {
		return "", err
	}
	b, err := readBytes(r, n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

func writeStringUint(w io.Writer, s string) error {
	return writeBytesUint(w, []byte(s))
}

func writeBytesUint(w io.Writer, b []byte) error {
	if _, err := leb128.WriteVarUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// getInitialCap bounds the initial capacity of count-prefixed allocations so
// that a corrupt length field cannot cause a huge up-front allocation.
func getInitialCap(count uint32) uint32 {
	const maxInitialCap = 10 * 1024
	if count > maxInitialCap {
		return maxInitialCap
	}
	return count
}
