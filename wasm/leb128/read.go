// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package leb128 provides functions for reading and writing integers in the
// Little Endian Base 128 format used throughout the WebAssembly binary
// encoding.
package leb128

import (
	"errors"
	"io"
)

var ErrOverflow = errors.New("leb128: value overflows target type")

func readByte(r io.Reader) (byte, error) {
	if br, ok := r.(io.ByteReader); ok {
		return br.ReadByte()
	}
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadVarUint32 reads an unsigned integer of at most 32 bits from r.
func ReadVarUint32(r io.Reader) (uint32, error) {
	var (
		shift uint
		res   uint32
	)
	for {
		b, err := readByte(r)
		if err != nil {
			return 0, err
		}
		if shift == 28 && b > 0x0f {
			return 0, ErrOverflow
		}
		res |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return res, nil
		}
		shift += 7
	}
}

// ReadVarint32 reads a signed integer of at most 32 bits from r.
func ReadVarint32(r io.Reader) (int32, error) {
	v, err := readVarint(r, 32)
	return int32(v), err
}

// ReadVarint64 reads a signed integer of at most 64 bits from r.
func ReadVarint64(r io.Reader) (int64, error) {
	return readVarint(r, 64)
}

func readVarint(r io.Reader, bits uint) (int64, error) {
	var (
		shift uint
		b     byte
		res   int64
		err   error
	)
	for {
		b, err = readByte(r)
		if err != nil {
			return 0, err
		}
		if shift+7 > bits && b>>(bits-shift) != 0 && b>>(bits-shift) != 0xff>>(shift+8-bits) {
			return 0, ErrOverflow
		}
		res |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		res |= -1 << shift
	}
	return res, nil
}
