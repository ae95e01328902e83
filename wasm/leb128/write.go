// Copyright 2018 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leb128

import "io"

func writeByte(w io.Writer, b byte) error {
	if bw, ok := w.(io.ByteWriter); ok {
		return bw.WriteByte(b)
	}
	_, err := w.Write([]byte{b})
	return err
}

// WriteVarUint32 writes an unsigned integer in LEB128 format to w. It returns
// the number of bytes written.
func WriteVarUint32(w io.Writer, v uint32) (int, error) {
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		if err := writeByte(w, b); err != nil {
			return n, err
		}
		n++
		if v == 0 {
			return n, nil
		}
	}
}

// WriteVarint32 writes a signed 32-bit integer in LEB128 format to w.
func WriteVarint32(w io.Writer, v int32) (int, error) {
	return WriteVarint64(w, int64(v))
}

// WriteVarint64 writes a signed integer in LEB128 format to w. It returns the
// number of bytes written.
func WriteVarint64(w io.Writer, v int64) (int, error) {
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		if err := writeByte(w, b); err != nil {
			return n, err
		}
		n++
		if done {
			return n, nil
		}
	}
}
