// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package leb128

import (
	"bytes"
	"fmt"
	"testing"
)

var casesUint = []struct {
	v uint32
	b []byte
}{
	{0, []byte{0x00}},
	{1, []byte{0x01}},
	{2, []byte{0x02}},
	{63, []byte{0x3f}},
	{64, []byte{0x40}},
	{127, []byte{0x7f}},
	{128, []byte{0x80, 0x01}},
	{624485, []byte{0xe5, 0x8e, 0x26}},
	{0xffffffff, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
}

var casesInt = []struct {
	v int64
	b []byte
}{
	{0, []byte{0x00}},
	{1, []byte{0x01}},
	{-1, []byte{0x7f}},
	{2, []byte{0x02}},
	{-2, []byte{0x7e}},
	{63, []byte{0x3f}},
	{-64, []byte{0x40}},
	{64, []byte{0xc0, 0x00}},
	{-65, []byte{0xbf, 0x7f}},
	{127, []byte{0xff, 0x00}},
	{-128, []byte{0x80, 0x7f}},
	{-624485, []byte{0x9b, 0xf1, 0x59}},
}

func TestReadVarUint32(t *testing.T) {
	for _, c := range casesUint {
		t.Run(fmt.Sprint(c.v), func(t *testing.T) {
			v, err := ReadVarUint32(bytes.NewReader(c.b))
			if err != nil {
				t.Fatal(err)
			}
			if v != c.v {
				t.Fatalf("got %v; want %v", v, c.v)
			}
		})
	}
}

func TestReadVarint64(t *testing.T) {
	for _, c := range casesInt {
		t.Run(fmt.Sprint(c.v), func(t *testing.T) {
			v, err := ReadVarint64(bytes.NewReader(c.b))
			if err != nil {
				t.Fatal(err)
			}
			if v != c.v {
				t.Fatalf("got %v; want %v", v, c.v)
			}
		})
	}
}

func TestReadVarUint32Overflow(t *testing.T) {
	_, err := ReadVarUint32(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x7f}))
	if err != ErrOverflow {
		t.Fatalf("got %v; want %v", err, ErrOverflow)
	}
}
